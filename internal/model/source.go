package model

import (
	"github.com/rotisserie/eris"
)

// Source is a catalogued origin of data, independent of which provider
// fetches it.
type Source struct {
	ID             string            `json:"id" yaml:"id"`
	Name           string            `json:"name" yaml:"name"`
	Classification string            `json:"classification,omitempty" yaml:"classification"`
	Type           string            `json:"type,omitempty" yaml:"type"`
	Providers      []ProviderMapping `json:"providers" yaml:"providers"`
	QualityScore   float64           `json:"quality_score,omitempty" yaml:"quality_score"`
}

// ProviderMapping links a source to a provider able to fetch it.
type ProviderMapping struct {
	ProviderID  string         `json:"provider_id" yaml:"provider_id"`
	Priority    int            `json:"priority" yaml:"priority"`
	Recommended bool           `json:"recommended,omitempty" yaml:"recommended"`
	Status      Status         `json:"status" yaml:"status"`
	Access      map[string]any `json:"access,omitempty" yaml:"access"`
}

// Active reports whether the mapping can be routed to.
func (m ProviderMapping) Active() bool {
	return m.Status == StatusActive || m.Status == ""
}

// Validate checks the source's mapping invariants.
func (s Source) Validate() error {
	if s.ID == "" {
		return eris.New("source: id is required")
	}
	seen := make(map[string]bool, len(s.Providers))
	recommended := 0
	for _, m := range s.Providers {
		if m.ProviderID == "" {
			return eris.Errorf("source %s: mapping without provider_id", s.ID)
		}
		if seen[m.ProviderID] {
			return eris.Errorf("source %s: provider %s mapped twice", s.ID, m.ProviderID)
		}
		seen[m.ProviderID] = true
		if m.Recommended && m.Active() {
			recommended++
		}
	}
	if recommended > 1 {
		return eris.Errorf("source %s: %d active mappings marked recommended", s.ID, recommended)
	}
	return nil
}

// Mapping returns the mapping for providerID, if present.
func (s Source) Mapping(providerID string) (ProviderMapping, bool) {
	for _, m := range s.Providers {
		if m.ProviderID == providerID {
			return m, true
		}
	}
	return ProviderMapping{}, false
}
