// Package catalog loads provider, source, workflow, and quality monitor
// definitions from YAML and imports them into the repository.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/orchestrator/internal/model"
	"github.com/sells-group/orchestrator/internal/pipeline"
	"github.com/sells-group/orchestrator/internal/scheduler"
	"github.com/sells-group/orchestrator/internal/store"
)

// Catalog is the YAML document root.
type Catalog struct {
	Providers []model.Provider       `yaml:"providers"`
	Sources   []model.Source         `yaml:"sources"`
	Workflows []model.Workflow       `yaml:"workflows"`
	Monitors  []model.QualityMonitor `yaml:"monitors"`

	// Enrichments are static lookup tables served to enrich steps, keyed
	// by capability and then by lookup key.
	Enrichments map[string]pipeline.MapEnricher `yaml:"enrichments"`
}

// RegisterEnrichers adds the catalog's lookup tables to ex.
func (c *Catalog) RegisterEnrichers(ex *pipeline.Executor) {
	for capability, table := range c.Enrichments {
		ex.RegisterEnricher(capability, table)
	}
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: %s", path)
	}
	return c, nil
}

// Parse decodes and validates a catalog document. Unknown keys are errors.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, eris.Wrap(err, "catalog: parse")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks identifiers, cross references, and each definition's own
// invariants. All problems are reported together.
func (c *Catalog) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		switch {
		case p.ID == "":
			add("provider without id")
		case providers[p.ID]:
			add("provider %s defined twice", p.ID)
		}
		providers[p.ID] = true
		if p.CostPerRequest < 0 || p.CostPerRecord < 0 {
			add("provider %s: negative cost", p.ID)
		}
	}

	sources := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if sources[s.ID] {
			add("source %s defined twice", s.ID)
		}
		sources[s.ID] = true
		if err := s.Validate(); err != nil {
			add("%s", err.Error())
		}
		for _, m := range s.Providers {
			if m.ProviderID != "" && !providers[m.ProviderID] {
				add("source %s: unknown provider %s", s.ID, m.ProviderID)
			}
		}
	}

	workflows := make(map[string]bool, len(c.Workflows))
	for i := range c.Workflows {
		wf := &c.Workflows[i]
		if workflows[wf.ID] {
			add("workflow %s defined twice", wf.ID)
		}
		workflows[wf.ID] = true
		if err := wf.Validate(); err != nil {
			add("%s", err.Error())
		}
		if wf.Schedule.Type == model.ScheduleCron {
			if _, err := scheduler.NextRun(wf, time.Now()); err != nil {
				add("workflow %s: %s", wf.ID, err.Error())
			}
		}
		for _, in := range wf.Inputs {
			if !sources[in.SourceID] {
				add("workflow %s: unknown source %s", wf.ID, in.SourceID)
			}
			for _, pid := range append(append([]string{}, in.ProviderPriority...), in.FallbackChain...) {
				if !providers[pid] {
					add("workflow %s: input %s references unknown provider %s", wf.ID, in.Name(), pid)
				}
			}
		}
	}

	monitors := make(map[string]bool, len(c.Monitors))
	for _, m := range c.Monitors {
		switch {
		case m.ID == "":
			add("monitor without id")
		case monitors[m.ID]:
			add("monitor %s defined twice", m.ID)
		}
		monitors[m.ID] = true
		if err := validateScope(m.Scope, providers, sources, workflows); err != nil {
			add("monitor %s: %s", m.ID, err.Error())
		}
		for _, r := range m.Rules {
			if err := validateRule(r); err != nil {
				add("monitor %s: %s", m.ID, err.Error())
			}
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("catalog: %d problem(s): %s", len(problems), strings.Join(problems, "; "))
	}
	return nil
}

func validateScope(s model.Scope, providers, sources, workflows map[string]bool) error {
	var known map[string]bool
	switch s.Type {
	case model.ScopeGlobal:
		return nil
	case model.ScopeProvider:
		known = providers
	case model.ScopeSource:
		known = sources
	case model.ScopeWorkflow:
		known = workflows
	default:
		return eris.Errorf("unknown scope type %q", s.Type)
	}
	if !known[s.TargetID] {
		return eris.Errorf("unknown %s %q", s.Type, s.TargetID)
	}
	return nil
}

func validateRule(r model.QualityRule) error {
	if r.ID == "" {
		return eris.New("rule without id")
	}
	valid := false
	for _, d := range model.Dimensions {
		if r.Dimension == d {
			valid = true
			break
		}
	}
	if !valid {
		return eris.Errorf("rule %s: unknown dimension %q", r.ID, r.Dimension)
	}
	if r.Weight < 0 {
		return eris.Errorf("rule %s: negative weight", r.ID)
	}
	if r.Severity != "" && r.Severity.Rank() == 0 {
		return eris.Errorf("rule %s: unknown severity %q", r.ID, r.Severity)
	}
	return validateThresholds(r.ID, r.Thresholds)
}

// validateThresholds checks scores are on the 0-100 scale. A zero warning
// leaves the rule critical-only.
func validateThresholds(ruleID string, t model.Thresholds) error {
	for _, v := range []struct {
		name  string
		value float64
	}{
		{"critical", t.Critical},
		{"warning", t.Warning},
		{"target", t.Target},
		{"excellent", t.Excellent},
	} {
		if v.value < 0 || v.value > 100 {
			return eris.Errorf("rule %s: %s threshold %g outside 0-100", ruleID, v.name, v.value)
		}
	}
	if t.Warning > 0 && t.Critical > t.Warning {
		return eris.Errorf("rule %s: critical threshold %g above warning %g", ruleID, t.Critical, t.Warning)
	}
	return nil
}

// Summary counts what Import wrote.
type Summary struct {
	Providers int `json:"providers"`
	Sources   int `json:"sources"`
	Workflows int `json:"workflows"`
	Monitors  int `json:"monitors"`
}

// Import writes the catalog to repo. Existing providers keep their observed
// health and existing workflows keep their creation time.
func Import(ctx context.Context, repo store.Repository, c *Catalog, now time.Time) (Summary, error) {
	var sum Summary
	now = now.UTC()

	for _, p := range c.Providers {
		prev, err := repo.GetProvider(ctx, p.ID)
		switch {
		case err == nil:
			if p.Health == (model.Health{}) {
				p.Health = prev.Health
			}
			p.CreatedAt = prev.CreatedAt
		case errors.Is(err, store.ErrNotFound):
			p.CreatedAt = now
		default:
			return sum, eris.Wrapf(err, "catalog: load provider %s", p.ID)
		}
		if p.Status == "" {
			p.Status = model.StatusActive
		}
		p.UpdatedAt = now
		if err := repo.SaveProvider(ctx, p); err != nil {
			return sum, eris.Wrapf(err, "catalog: save provider %s", p.ID)
		}
		sum.Providers++
	}

	for _, s := range c.Sources {
		if err := repo.SaveSource(ctx, s); err != nil {
			return sum, eris.Wrapf(err, "catalog: save source %s", s.ID)
		}
		sum.Sources++
	}

	for i := range c.Workflows {
		wf := c.Workflows[i]
		prev, err := repo.LoadWorkflow(ctx, wf.ID)
		switch {
		case err == nil:
			wf.CreatedAt = prev.CreatedAt
		case errors.Is(err, store.ErrNotFound):
			wf.CreatedAt = now
		default:
			return sum, eris.Wrapf(err, "catalog: load workflow %s", wf.ID)
		}
		wf.UpdatedAt = now
		if err := repo.SaveWorkflow(ctx, &wf); err != nil {
			return sum, eris.Wrapf(err, "catalog: save workflow %s", wf.ID)
		}
		sum.Workflows++
	}

	for _, m := range c.Monitors {
		if err := repo.SaveMonitor(ctx, m); err != nil {
			return sum, eris.Wrapf(err, "catalog: save monitor %s", m.ID)
		}
		sum.Monitors++
	}

	zap.L().Info("catalog: imported",
		zap.Int("providers", sum.Providers),
		zap.Int("sources", sum.Sources),
		zap.Int("workflows", sum.Workflows),
		zap.Int("monitors", sum.Monitors),
	)
	return sum, nil
}
