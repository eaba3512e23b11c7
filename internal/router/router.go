// Package router ranks the providers able to serve a source.
package router

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orchestrator/internal/model"
)

// ErrNoViableProvider signals that a source has no routable provider.
var ErrNoViableProvider = eris.New("router: no viable provider")

// Weights balance the ranking signals.
type Weights struct {
	Priority     float64 `yaml:"priority" mapstructure:"priority"`
	SuccessRate  float64 `yaml:"success_rate" mapstructure:"success_rate"`
	Latency      float64 `yaml:"latency" mapstructure:"latency"`
	MaxLatencyMs float64 `yaml:"max_latency_ms" mapstructure:"max_latency_ms"`
}

// DefaultWeights favours configured priority, then reliability.
func DefaultWeights() Weights {
	return Weights{Priority: 0.5, SuccessRate: 0.35, Latency: 0.15, MaxLatencyMs: 10000}
}

// HealthSource supplies live provider health, typically from the gateway's
// tracker. ok is false when no live data exists yet.
type HealthSource interface {
	Health(providerID string) (model.Health, bool)
}

// Candidate is one ranked provider for a source.
type Candidate struct {
	Provider    model.Provider
	Mapping     model.ProviderMapping
	Priority    int
	Score       float64
	HealthScore float64
	// Fallback is set for providers appended from the binding's fallback chain.
	Fallback bool
}

// Router produces ranked candidate lists. It holds no per-run state.
type Router struct {
	weights Weights
	health  HealthSource
}

// New creates a Router. health may be nil.
func New(w Weights, health HealthSource) *Router {
	def := DefaultWeights()
	if w.Priority == 0 && w.SuccessRate == 0 && w.Latency == 0 {
		w.Priority, w.SuccessRate, w.Latency = def.Priority, def.SuccessRate, def.Latency
	}
	if w.MaxLatencyMs <= 0 {
		w.MaxLatencyMs = def.MaxLatencyMs
	}
	return &Router{weights: w, health: health}
}

func (r *Router) liveHealth(p model.Provider) model.Health {
	if r.health != nil {
		if h, ok := r.health.Health(p.ID); ok {
			return h
		}
	}
	return p.Health
}

// Live returns a copy of providers with live health in place of the
// catalog snapshot wherever the health source has data.
func (r *Router) Live(providers map[string]model.Provider) map[string]model.Provider {
	out := make(map[string]model.Provider, len(providers))
	for id, p := range providers {
		p.Health = r.liveHealth(p)
		out[id] = p
	}
	return out
}

func (r *Router) score(priority int, h model.Health) float64 {
	if priority < 1 {
		priority = 1
	}
	latency := math.Min(h.AvgResponseMs, r.weights.MaxLatencyMs)
	return r.weights.Priority*100/float64(priority) +
		r.weights.SuccessRate*100*h.Rate() +
		r.weights.Latency*100*(1-latency/r.weights.MaxLatencyMs)
}

// Rank orders the active providers of source for binding. providers maps
// provider ID to its catalog record. An empty result means no viable
// provider; callers must treat it as fatal for a required input.
func (r *Router) Rank(source model.Source, providers map[string]model.Provider, binding model.InputBinding) []Candidate {
	override := make(map[string]int, len(binding.ProviderPriority))
	for i, id := range binding.ProviderPriority {
		override[id] = i + 1
	}

	var ranked []Candidate
	seen := make(map[string]bool)
	for _, m := range source.Providers {
		if !m.Active() || seen[m.ProviderID] {
			continue
		}
		p, ok := providers[m.ProviderID]
		if !ok || !p.Active() {
			continue
		}
		seen[m.ProviderID] = true

		priority := m.Priority
		if pos, ok := override[m.ProviderID]; ok {
			priority = pos
		} else if len(override) > 0 {
			priority += len(override)
		}
		h := r.liveHealth(p)
		p.Health = h
		ranked = append(ranked, Candidate{
			Provider:    p,
			Mapping:     m,
			Priority:    priority,
			Score:       r.score(priority, h),
			HealthScore: h.Score(),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if pa, pb := preferred(a), preferred(b); pa != pb {
			return pa
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Provider.ID < b.Provider.ID
	})

	for _, id := range binding.FallbackChain {
		if seen[id] {
			continue
		}
		p, ok := providers[id]
		if !ok || !p.Active() {
			continue
		}
		seen[id] = true
		h := r.liveHealth(p)
		p.Health = h
		m, _ := source.Mapping(id)
		m.ProviderID = id
		ranked = append(ranked, Candidate{
			Provider:    p,
			Mapping:     m,
			Priority:    len(ranked) + 1,
			Score:       r.score(len(ranked)+1, h),
			HealthScore: h.Score(),
			Fallback:    true,
		})
	}
	return ranked
}

// preferred reports whether c is a recommended mapping whose provider is
// healthy enough to keep precedence.
func preferred(c Candidate) bool {
	return c.Mapping.Recommended && c.HealthScore >= model.HealthyScore
}

// Next returns the candidate after index i, or false when the list is
// exhausted.
func Next(candidates []Candidate, i int) (Candidate, bool) {
	if i+1 < len(candidates) {
		return candidates[i+1], true
	}
	return Candidate{}, false
}

// IDs returns the provider IDs of candidates in rank order.
func IDs(candidates []Candidate) []string {
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.Provider.ID
	}
	return out
}
