// Package events publishes run lifecycle events to subscribers and streams.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/model"
)

// Type names a run lifecycle event.
type Type string

const (
	RunScheduled Type = "run.scheduled"
	RunStarted   Type = "run.started"
	RunPaused    Type = "run.paused"
	RunResumed   Type = "run.resumed"
	RunStep      Type = "run.step"
	RunFailover  Type = "run.failover"
	RunCompleted Type = "run.completed"
	RunFailed    Type = "run.failed"
	RunCancelled Type = "run.cancelled"
)

// Terminal maps a terminal run status to its event type.
func Terminal(s model.RunStatus) Type {
	switch s {
	case model.RunCompleted:
		return RunCompleted
	case model.RunCancelled:
		return RunCancelled
	default:
		return RunFailed
	}
}

// IsTerminal reports whether t ends a run's event stream.
func IsTerminal(t Type) bool {
	return t == RunCompleted || t == RunFailed || t == RunCancelled
}

// Event is one run lifecycle notification.
type Event struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	RunID      string          `json:"run_id"`
	WorkflowID string          `json:"workflow_id"`
	Status     model.RunStatus `json:"status"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       map[string]any  `json:"data,omitempty"`
}

// New builds an event for run.
func New(typ Type, run *model.Run, data map[string]any) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       typ,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Status:     run.Status,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	}
}

// Publisher delivers events. Delivery failures never affect the run.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to several publishers, logging failures.
type Multi []Publisher

// Publish implements Publisher. It returns the first error after trying
// every publisher.
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			zap.L().Warn("events: publish failed",
				zap.String("type", string(ev.Type)),
				zap.String("run_id", ev.RunID),
				zap.Error(err),
			)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Hub broadcasts events to in-process subscribers such as websocket
// watchers. Slow subscribers lose events rather than block publishers.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscriber
}

type subscriber struct {
	runID string
	ch    chan Event
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber. runID filters to one run; empty receives
// every event. The returned cancel func closes the channel.
func (h *Hub) Subscribe(runID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = subscriber{runID: runID, ch: ch}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish implements Publisher.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.runID != "" && s.runID != ev.RunID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			zap.L().Debug("events: subscriber lagging, event dropped",
				zap.String("run_id", ev.RunID),
				zap.String("type", string(ev.Type)),
			)
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
