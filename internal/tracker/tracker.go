package tracker

import (
	"context"
	"copybot/internal/models"
	"copybot/internal/sink"
	"sync"
	"time"
)

// Tracker remembers every master order id seen during a run and the copy log produced for them.
// An id, once known, is never reported as new again.
type Tracker struct {
	runID     string
	startedAt time.Time

	mu      sync.RWMutex
	known   map[string]struct{}
	records []models.CopyRecord
}

func New(runID string, startedAt time.Time) *Tracker {
	return &Tracker{
		runID:     runID,
		startedAt: startedAt,
		known:     make(map[string]struct{}),
	}
}

func (t *Tracker) RunID() string {
	return t.runID
}

func (t *Tracker) StartedAt() time.Time {
	return t.startedAt
}

// Seed marks the existing order book as history so none of it is copied.
func (t *Tracker) Seed(orders []models.OrderRecord) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := 0
	for _, o := range orders {
		if o.OrderID == "" {
			continue
		}
		if _, ok := t.known[o.OrderID]; !ok {
			t.known[o.OrderID] = struct{}{}
			added++
		}
	}
	return added
}

func (t *Tracker) IsNew(orderID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.known[orderID]
	return !ok
}

func (t *Tracker) MarkSeen(orderID string) {
	t.mu.Lock()
	t.known[orderID] = struct{}{}
	t.mu.Unlock()
}

// Claim marks the id as seen and reports whether it was new.
func (t *Tracker) Claim(orderID string) bool {
	if orderID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.known[orderID]; ok {
		return false
	}
	t.known[orderID] = struct{}{}
	return true
}

func (t *Tracker) KnownCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.known)
}

func (t *Tracker) RecordCopy(rec ...models.CopyRecord) {
	t.mu.Lock()
	t.records = append(t.records, rec...)
	t.mu.Unlock()
}

func (t *Tracker) Records() []models.CopyRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.CopyRecord, len(t.records))
	copy(out, t.records)
	return out
}

func (t *Tracker) FailedCopies() []models.CopyRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := []models.CopyRecord{}
	for _, r := range t.records {
		if !r.Success {
			out = append(out, r)
		}
	}
	return out
}

func (t *Tracker) Summary() models.Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return summarize(t.records)
}

func summarize(records []models.CopyRecord) models.Summary {
	s := models.Summary{Total: len(records)}
	for _, r := range records {
		if r.Success {
			s.Successful++
		}
	}
	s.Failed = s.Total - s.Successful
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.Total) * 100
	}
	return s
}

func (t *Tracker) Snapshot() sink.RunLog {
	t.mu.RLock()
	defer t.mu.RUnlock()
	records := make([]models.CopyRecord, len(t.records))
	copy(records, t.records)
	return sink.RunLog{
		RunID:     t.runID,
		StartedAt: t.startedAt,
		Records:   records,
		Summary:   summarize(records),
	}
}

// Flush hands the current copy log to the sink. It does not clear anything, so calling it twice is safe.
func (t *Tracker) Flush(ctx context.Context, s sink.Sink) error {
	if s == nil {
		return nil
	}
	return s.Write(ctx, t.Snapshot())
}
