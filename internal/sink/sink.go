package sink

import (
	"context"
	"copybot/internal/models"
	"time"
)

// RunLog is everything a single engine run hands to persistence on shutdown.
type RunLog struct {
	RunID     string              `json:"run_id"`
	StartedAt time.Time           `json:"started_at"`
	Records   []models.CopyRecord `json:"copy_log"`
	Summary   models.Summary      `json:"summary"`
}

// Sink persists a run's copy log. Writing the same RunLog twice must leave the same result.
type Sink interface {
	Write(ctx context.Context, run RunLog) error
}

// Multi writes to every sink and returns the first error after trying all of them.
type Multi []Sink

func (m Multi) Write(ctx context.Context, run RunLog) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Write(ctx, run); err != nil && first == nil {
			first = err
		}
	}
	return first
}
