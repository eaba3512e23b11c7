package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orchestrator/internal/model"
)

// Enricher looks up additional fields for a key. A nil map with a nil error
// means no match.
type Enricher interface {
	Enrich(ctx context.Context, capability string, key any) (map[string]any, error)
}

// EnricherFunc adapts a function to Enricher.
type EnricherFunc func(ctx context.Context, capability string, key any) (map[string]any, error)

// Enrich calls f.
func (f EnricherFunc) Enrich(ctx context.Context, capability string, key any) (map[string]any, error) {
	return f(ctx, capability, key)
}

// MapEnricher serves lookups from an in-memory table keyed by fmt.Sprint(key).
type MapEnricher map[string]map[string]any

// Enrich implements Enricher.
func (m MapEnricher) Enrich(_ context.Context, _ string, key any) (map[string]any, error) {
	v, ok := m[fmt.Sprint(key)]
	if !ok {
		return nil, nil
	}
	return v, nil
}

// Enrichment annotation statuses.
const (
	EnrichOK         = "enriched"
	EnrichNotFound   = "not_found"
	EnrichMissingKey = "missing_key"
	EnrichError      = "error"
)

func annotate(rec model.Record, capability, status, msg string) {
	note := map[string]any{"capability": capability, "status": status}
	if msg != "" {
		note["error"] = msg
	}
	rec[model.FieldEnrichment] = note
}

// enrich never fails on a missing or failed lookup; it annotates the record.
// Only an unknown capability, budget exhaustion, or cancellation stop it.
func (e *Executor) enrich(ctx context.Context, batch model.Batch, cfg model.EnrichConfig, sink CostSink) (stepOutput, error) {
	en, ok := e.enrichers[cfg.Capability]
	if !ok {
		return stepOutput{}, eris.Errorf("enrich: unknown capability %q", cfg.Capability)
	}

	out := stepOutput{batch: batch}
	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			return out, fatal(eris.Wrap(err, "enrich: context done"))
		}

		key, present := rec[cfg.KeyField]
		if !present || model.IsEmpty(key) {
			annotate(rec, cfg.Capability, EnrichMissingKey, "")
			out.warnings++
			continue
		}

		if cfg.CostPerCall > 0 && sink != nil {
			if err := sink.Charge("enrich:"+cfg.Capability, cfg.CostPerCall); err != nil {
				return out, fatal(err)
			}
		}

		found, err := en.Enrich(ctx, cfg.Capability, key)
		switch {
		case err != nil:
			annotate(rec, cfg.Capability, EnrichError, err.Error())
			out.warnings++
		case found == nil:
			annotate(rec, cfg.Capability, EnrichNotFound, "")
			out.warnings++
		default:
			apply := func(dst, src string) {
				v, ok := found[src]
				if !ok {
					return
				}
				if cur, has := rec[dst]; has && !model.IsEmpty(cur) && !cfg.Overwrite {
					return
				}
				rec[dst] = v
			}
			if len(cfg.Fields) == 0 {
				for k := range found {
					if !model.IsMetaField(k) {
						apply(k, k)
					}
				}
			} else {
				for dst, src := range cfg.Fields {
					apply(dst, src)
				}
			}
			annotate(rec, cfg.Capability, EnrichOK, "")
		}
	}
	return out, nil
}
