// Package quality scores record batches against quality rules and applies
// the rules' action sets.
package quality

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/model"
)

// Gate assesses batches. It holds no per-run state.
type Gate struct {
	nowFunc func() time.Time
}

// NewGate creates a Gate.
func NewGate() *Gate {
	return &Gate{nowFunc: time.Now}
}

// Grade maps an overall score to a display grade.
func Grade(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 50:
		return "D"
	default:
		return "F"
	}
}

// Level returns the tier a score falls into for the given thresholds, or ""
// when the score passes.
func Level(score float64, t model.Thresholds) model.ViolationLevel {
	switch {
	case score < t.Critical:
		return model.LevelCritical
	case score < t.Warning:
		return model.LevelWarning
	default:
		return ""
	}
}

func (g *Gate) score(batch model.Batch, rule model.QualityRule) scoreResult {
	switch rule.Dimension {
	case model.DimCompleteness:
		return completeness(batch, rule)
	case model.DimAccuracy:
		return accuracy(batch, rule)
	case model.DimConsistency:
		return consistency(batch, rule)
	case model.DimValidity:
		return validity(batch, rule)
	case model.DimTimeliness:
		return timeliness(batch, rule, g.nowFunc())
	case model.DimUniqueness:
		return uniqueness(batch, rule)
	default:
		return scoreResult{score: 100}
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// Assess scores batch against the enabled rules. Each dimension's score is
// the weighted mean of its rules; the overall score is the weighted mean of
// dimensions whose total weight is positive. Dimensions with no weight are
// reported but excluded from the overall score.
func (g *Gate) Assess(batch model.Batch, rules []model.QualityRule) *model.QualityReport {
	type acc struct {
		weighted, weight, plain float64
		n                       int
	}
	dims := make(map[model.Dimension]*acc)
	report := &model.QualityReport{
		Dimensions: make(map[model.Dimension]float64),
		AssessedAt: g.nowFunc().UTC(),
	}

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		res := g.score(batch, rule)
		a, ok := dims[rule.Dimension]
		if !ok {
			a = &acc{}
			dims[rule.Dimension] = a
		}
		a.plain += res.score
		a.n++
		if rule.Weight > 0 {
			a.weighted += res.score * rule.Weight
			a.weight += rule.Weight
		}

		level := Level(res.score, rule.Thresholds)
		if level == "" {
			continue
		}
		threshold := rule.Thresholds.Warning
		if level == model.LevelCritical {
			threshold = rule.Thresholds.Critical
		}
		report.Violations = append(report.Violations, model.Violation{
			RuleID:    rule.ID,
			Dimension: rule.Dimension,
			Level:     level,
			Severity:  rule.Severity,
			Score:     round2(res.score),
			Threshold: threshold,
			Actions:   rule.Actions,
			Records:   res.offenders,
		})
	}

	// Sum in a fixed order so the result does not depend on rule order.
	names := make([]string, 0, len(dims))
	for d := range dims {
		names = append(names, string(d))
	}
	sort.Strings(names)

	var total, weight float64
	for _, name := range names {
		a := dims[model.Dimension(name)]
		score := a.plain / float64(a.n)
		if a.weight > 0 {
			score = a.weighted / a.weight
			total += score * a.weight
			weight += a.weight
		}
		report.Dimensions[model.Dimension(name)] = round2(score)
	}

	report.Overall = 100
	if weight > 0 {
		report.Overall = round2(total / weight)
	}
	report.Grade = Grade(report.Overall)
	return report
}

// Target identifies the run an outcome belongs to.
type Target struct {
	WorkflowID string
	RunID      string
}

// Outcome is the result of applying violation actions to a batch.
type Outcome struct {
	Batch       model.Batch
	Quarantined model.Batch
	Rejected    bool
	// RejectedBy lists the rules whose reject action fired.
	RejectedBy []string
	Alerts     []model.Alert
	// Unresolved lists critical-severity violations neither quarantined nor
	// auto-corrected.
	Unresolved []model.Violation
	Flagged    int
	Corrected  int
}

// Apply executes violation actions against the batch that was assessed.
// Critical violations run their full action set. Warning violations only
// flag and alert; they never reject or quarantine. Resolution is written
// back to the report's violations.
func (g *Gate) Apply(batch model.Batch, report *model.QualityReport, rules []model.QualityRule, target Target) Outcome {
	out := Outcome{}
	if report == nil {
		out.Batch = batch
		return out
	}
	byID := make(map[string]model.QualityRule, len(rules))
	for _, r := range rules {
		byID[r.ID] = r
	}

	quarantine := make(map[int]bool)
	flagged := make(map[int]bool)
	now := g.nowFunc().UTC()

	for i := range report.Violations {
		v := &report.Violations[i]
		rule := byID[v.RuleID]
		critical := v.Level == model.LevelCritical

		if rule.Has(model.ActionFlag) {
			for _, idx := range v.Records {
				if idx < len(batch) {
					batch[idx].Flag(fmt.Sprintf("%s:%s", v.Level, v.RuleID))
					flagged[idx] = true
				}
			}
		}

		if !critical {
			out.Alerts = append(out.Alerts, newAlert(model.AlertQuality, downgrade(v.Severity), *v, target, now))
			continue
		}

		if rule.Has(model.ActionAutoCorrect) {
			n := autoCorrect(batch, v.Records, rule)
			out.Corrected += n
			v.Resolved = n > 0
		}
		if rule.Has(model.ActionQuarantine) {
			for _, idx := range v.Records {
				quarantine[idx] = true
			}
			v.Resolved = true
		}
		if rule.Has(model.ActionReject) {
			out.Rejected = true
			out.RejectedBy = append(out.RejectedBy, v.RuleID)
		}
		if rule.Has(model.ActionAlert) {
			out.Alerts = append(out.Alerts, newAlert(model.AlertQuality, v.Severity, *v, target, now))
		}
		if rule.Has(model.ActionEscalate) {
			out.Alerts = append(out.Alerts, newAlert(model.AlertEscalation, model.SeverityCritical, *v, target, now))
		}
		if v.Severity == model.SeverityCritical && !v.Resolved {
			out.Unresolved = append(out.Unresolved, *v)
		}
	}

	out.Flagged = len(flagged)
	out.Batch = make(model.Batch, 0, len(batch))
	for i, rec := range batch {
		if quarantine[i] {
			out.Quarantined = append(out.Quarantined, rec)
			continue
		}
		out.Batch = append(out.Batch, rec)
	}
	if len(out.Quarantined) > 0 {
		zap.L().Info("quality: records quarantined",
			zap.String("run_id", target.RunID),
			zap.Int("count", len(out.Quarantined)),
		)
	}
	return out
}

// autoCorrect fills rule defaults into the offending records and returns
// how many records changed.
func autoCorrect(batch model.Batch, idxs []int, rule model.QualityRule) int {
	changed := 0
	for _, idx := range idxs {
		if idx >= len(batch) {
			continue
		}
		rec := batch[idx]
		touched := false
		for _, fr := range rule.FieldRules {
			if fr.Default == nil || fr.Check(rec) == "" {
				continue
			}
			rec[fr.Field] = fr.Default
			touched = true
		}
		if touched {
			rec.Flag("auto_corrected:" + rule.ID)
			changed++
		}
	}
	return changed
}

// downgrade caps warning-level alerts below critical.
func downgrade(s model.Severity) model.Severity {
	if s == model.SeverityCritical {
		return model.SeverityHigh
	}
	if s == "" {
		return model.SeverityLow
	}
	return s
}

func newAlert(typ model.AlertType, sev model.Severity, v model.Violation, target Target, now time.Time) model.Alert {
	msg := fmt.Sprintf("%s %s violation: rule %s scored %.2f (threshold %.2f)",
		v.Level, v.Dimension, v.RuleID, v.Score, v.Threshold)
	return model.Alert{
		ID:         uuid.New().String(),
		Type:       typ,
		Severity:   sev,
		Status:     model.AlertActive,
		Component:  "quality",
		WorkflowID: target.WorkflowID,
		RunID:      target.RunID,
		RuleID:     v.RuleID,
		Message:    strings.TrimSpace(msg),
		Details: map[string]any{
			"dimension": string(v.Dimension),
			"level":     string(v.Level),
			"score":     v.Score,
			"records":   len(v.Records),
		},
		CreatedAt: now,
	}
}
