package engine

import (
	"copybot/internal/models"
	"time"
)

type EventType string

const (
	EventStarted             EventType = "started"
	EventState               EventType = "state"
	EventSeeded              EventType = "seeded"
	EventOrderDetected       EventType = "order_detected"
	EventOrderSkipped        EventType = "order_skipped"
	EventCopyResult          EventType = "copy_result"
	EventFetchFailed         EventType = "fetch_failed"
	EventFollowerUnavailable EventType = "follower_unavailable"
	EventStopped             EventType = "stopped"
)

type Event struct {
	Type     EventType           `json:"type"`
	Time     time.Time           `json:"time"`
	State    string              `json:"state,omitempty"`
	Order    *models.OrderRecord `json:"order,omitempty"`
	Record   *models.CopyRecord  `json:"record,omitempty"`
	Follower string              `json:"follower,omitempty"`
	Reason   SkipReason          `json:"reason,omitempty"`
	Error    string              `json:"error,omitempty"`
	Count    int                 `json:"count,omitempty"`
	Summary  *models.Summary     `json:"summary,omitempty"`
}

// Listener receives engine events on the engine goroutine and must not block.
type Listener interface {
	HandleEvent(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(ev Event) {
	f(ev)
}

func (e *Engine) Subscribe(l Listener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.clock.Now()
	}
	if ev.State == "" {
		ev.State = e.State().String()
	}

	e.mu.RLock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.RUnlock()

	for _, l := range listeners {
		l.HandleEvent(ev)
	}
}

func orderEvent(t EventType, order models.OrderRecord) Event {
	o := order
	return Event{Type: t, Order: &o}
}
