// Package cost prices provider calls and enrichment, tracks a run's spend
// against its budget, and proposes cheaper providers.
package cost

import (
	"github.com/sells-group/orchestrator/internal/model"
)

// Rates holds pricing overrides from configuration. Catalog prices apply to
// anything not listed.
type Rates struct {
	Providers  map[string]ProviderRate `yaml:"providers" mapstructure:"providers"`
	Enrichment map[string]float64      `yaml:"enrichment" mapstructure:"enrichment"`
}

// ProviderRate is the negotiated price for one provider.
type ProviderRate struct {
	PerRequest float64 `yaml:"per_request" mapstructure:"per_request"`
	PerRecord  float64 `yaml:"per_record" mapstructure:"per_record"`
}

// Calculator computes costs for provider usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Call computes the cost of one fetch from p returning records rows.
func (c *Calculator) Call(p model.Provider, records int) float64 {
	if r, ok := c.rates.Providers[p.ID]; ok {
		return r.PerRequest + r.PerRecord*float64(records)
	}
	return p.CallCost(records)
}

// Estimate is the minimum cost of calling p, before records are known.
func (c *Calculator) Estimate(p model.Provider) float64 {
	return c.Call(p, 0)
}

// Enrichment returns the per-call price for capability, falling back to the
// step's configured price.
func (c *Calculator) Enrichment(capability string, configured float64) float64 {
	if v, ok := c.rates.Enrichment[capability]; ok {
		return v
	}
	return configured
}
