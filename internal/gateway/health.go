package gateway

import (
	"sync"
	"time"

	"github.com/sells-group/orchestrator/internal/model"
)

// latencyAlpha is the EWMA smoothing factor for response time.
const latencyAlpha = 0.2

// HealthTracker keeps live per-provider health shared by every run. It
// implements router.HealthSource.
type HealthTracker struct {
	mu      sync.RWMutex
	health  map[string]model.Health
	nowFunc func() time.Time
}

// NewHealthTracker creates an empty tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		health:  make(map[string]model.Health),
		nowFunc: time.Now,
	}
}

// Seed starts tracking p from its catalog health unless it is already tracked.
func (t *HealthTracker) Seed(p model.Provider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.health[p.ID]; !ok {
		t.health[p.ID] = p.Health
	}
}

// Record folds one real call into the provider's health and returns the
// updated snapshot.
func (t *HealthTracker) Record(providerID string, ok bool, latency time.Duration) model.Health {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.health[providerID]
	ms := float64(latency) / float64(time.Millisecond)
	if h.TotalRequests == 0 {
		h.AvgResponseMs = ms
	} else {
		h.AvgResponseMs = latencyAlpha*ms + (1-latencyAlpha)*h.AvgResponseMs
	}
	h.TotalRequests++
	if ok {
		h.ConsecutiveFailures = 0
	} else {
		h.TotalFailures++
		h.ConsecutiveFailures++
	}
	h.SuccessRate = float64(h.TotalRequests-h.TotalFailures) / float64(h.TotalRequests)
	now := t.nowFunc().UTC()
	h.LastCheckedAt = &now

	t.health[providerID] = h
	return h
}

// Health returns the live health for providerID.
func (t *HealthTracker) Health(providerID string) (model.Health, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.health[providerID]
	return h, ok
}

// Snapshot returns a copy of all tracked health.
func (t *HealthTracker) Snapshot() map[string]model.Health {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]model.Health, len(t.health))
	for id, h := range t.health {
		out[id] = h
	}
	return out
}
