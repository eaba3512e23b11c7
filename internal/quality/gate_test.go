package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orchestrator/internal/model"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestGate() *Gate {
	g := NewGate()
	g.nowFunc = func() time.Time { return fixedNow }
	return g
}

func rule(id string, dim model.Dimension, weight float64, fields ...string) model.QualityRule {
	return model.QualityRule{
		ID:         id,
		Dimension:  dim,
		Fields:     fields,
		Weight:     weight,
		Enabled:    true,
		Severity:   model.SeverityMedium,
		Thresholds: model.Thresholds{Critical: 50, Warning: 80, Target: 90, Excellent: 98},
	}
}

func sampleBatch() model.Batch {
	return model.Batch{
		{"id": "1", "name": "Acme", "state": "TX"},
		{"id": "2", "name": "", "state": "CA"},
		{"id": "2", "name": "Globex", "state": "ZZ"},
		{"id": "4", "name": "Initech", "state": "NY"},
	}
}

func TestAssess_DimensionScores(t *testing.T) {
	acc := rule("acc", model.DimAccuracy, 1)
	acc.Allowed = map[string][]string{"state": {"TX", "CA", "NY"}}
	rules := []model.QualityRule{
		rule("comp", model.DimCompleteness, 1, "name"),
		rule("uniq", model.DimUniqueness, 1, "id"),
		acc,
	}

	report := newTestGate().Assess(sampleBatch(), rules)
	assert.Equal(t, 75.0, report.Dimensions[model.DimCompleteness])
	assert.Equal(t, 75.0, report.Dimensions[model.DimUniqueness])
	assert.Equal(t, 75.0, report.Dimensions[model.DimAccuracy])
	assert.Equal(t, 75.0, report.Overall)
	assert.Equal(t, "C", report.Grade)
	require.Len(t, report.Violations, 3)
	for _, v := range report.Violations {
		assert.Equal(t, model.LevelWarning, v.Level)
	}
	assert.Equal(t, fixedNow, report.AssessedAt)
}

func TestAssess_OverallInvariantToOrderAndExcludesUnweighted(t *testing.T) {
	rules := []model.QualityRule{
		rule("comp", model.DimCompleteness, 2, "name"),
		rule("uniq", model.DimUniqueness, 1, "id"),
		rule("cons", model.DimConsistency, 0),
	}
	reversed := []model.QualityRule{rules[2], rules[1], rules[0]}

	g := newTestGate()
	a := g.Assess(sampleBatch(), rules)
	b := g.Assess(sampleBatch(), reversed)
	assert.Equal(t, a.Overall, b.Overall)
	assert.Equal(t, a.Dimensions, b.Dimensions)

	// Consistency is reported but carries no weight.
	assert.Contains(t, a.Dimensions, model.DimConsistency)
	assert.Equal(t, 75.0, a.Overall)

	disabled := rules[1]
	disabled.Enabled = false
	c := g.Assess(sampleBatch(), []model.QualityRule{rules[0], disabled})
	assert.NotContains(t, c.Dimensions, model.DimUniqueness)
	assert.Equal(t, 75.0, c.Overall)
}

func TestAssess_NoRules(t *testing.T) {
	report := newTestGate().Assess(sampleBatch(), nil)
	assert.Equal(t, 100.0, report.Overall)
	assert.Equal(t, "A", report.Grade)
	assert.Empty(t, report.Violations)
}

func TestAssess_ValidityTimelinessConsistency(t *testing.T) {
	batch := model.Batch{
		{"email": "a@acme.com", "updated": fixedNow.Add(-2 * time.Hour).Format(time.RFC3339), "aum": 10},
		{"email": "bad", "updated": fixedNow.Add(-72 * time.Hour).Format(time.RFC3339), "aum": "12"},
		{"email": "c@acme.com", "updated": "garbage", "aum": "lots"},
	}
	val := rule("val", model.DimValidity, 1)
	val.FieldRules = []model.FieldRule{{Field: "email", Type: "email"}}
	tl := rule("fresh", model.DimTimeliness, 1)
	tl.TimestampField = "updated"
	tl.MaxAgeHours = 24
	cons := rule("cons", model.DimConsistency, 1, "aum")

	report := newTestGate().Assess(batch, []model.QualityRule{val, tl, cons})
	assert.InDelta(t, 66.67, report.Dimensions[model.DimValidity], 0.01)
	assert.InDelta(t, 33.33, report.Dimensions[model.DimTimeliness], 0.01)
	assert.InDelta(t, 66.67, report.Dimensions[model.DimConsistency], 0.01)

	var fresh model.Violation
	for _, v := range report.Violations {
		if v.RuleID == "fresh" {
			fresh = v
		}
	}
	assert.Equal(t, model.LevelCritical, fresh.Level)
	assert.Equal(t, []int{1, 2}, fresh.Records)
}

func TestGrade(t *testing.T) {
	assert.Equal(t, "A", Grade(90))
	assert.Equal(t, "B", Grade(89.99))
	assert.Equal(t, "C", Grade(70))
	assert.Equal(t, "D", Grade(50))
	assert.Equal(t, "F", Grade(49.9))
}

func criticalCompleteness(actions ...model.QualityAction) model.QualityRule {
	r := rule("comp", model.DimCompleteness, 1, "name")
	r.Thresholds = model.Thresholds{Critical: 90, Warning: 95}
	r.Severity = model.SeverityCritical
	r.Actions = actions
	return r
}

func TestApply_QuarantineResolves(t *testing.T) {
	r := criticalCompleteness(model.ActionQuarantine, model.ActionAlert)
	g := newTestGate()
	batch := sampleBatch()
	report := g.Assess(batch, []model.QualityRule{r})

	out := g.Apply(batch, report, []model.QualityRule{r}, Target{WorkflowID: "wf", RunID: "run"})
	assert.False(t, out.Rejected)
	assert.Empty(t, out.Unresolved)
	assert.Len(t, out.Batch, 3)
	require.Len(t, out.Quarantined, 1)
	assert.Equal(t, "2", out.Quarantined[0]["id"])
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, model.AlertQuality, out.Alerts[0].Type)
	assert.Equal(t, "run", out.Alerts[0].RunID)
	assert.True(t, report.Violations[0].Resolved)
}

func TestApply_RejectAndUnresolved(t *testing.T) {
	r := criticalCompleteness(model.ActionReject, model.ActionEscalate)
	g := newTestGate()
	batch := sampleBatch()
	report := g.Assess(batch, []model.QualityRule{r})

	out := g.Apply(batch, report, []model.QualityRule{r}, Target{})
	assert.True(t, out.Rejected)
	assert.Equal(t, []string{"comp"}, out.RejectedBy)
	assert.Len(t, out.Unresolved, 1)
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, model.AlertEscalation, out.Alerts[0].Type)
	assert.Equal(t, model.SeverityCritical, out.Alerts[0].Severity)
}

func TestApply_AutoCorrectAndFlag(t *testing.T) {
	r := criticalCompleteness(model.ActionAutoCorrect, model.ActionFlag)
	r.FieldRules = []model.FieldRule{{Field: "name", Required: true, Default: "UNKNOWN"}}
	g := newTestGate()
	batch := sampleBatch()
	report := g.Assess(batch, []model.QualityRule{r})

	out := g.Apply(batch, report, []model.QualityRule{r}, Target{})
	assert.Equal(t, 1, out.Corrected)
	assert.Equal(t, 1, out.Flagged)
	assert.Empty(t, out.Unresolved)
	assert.Equal(t, "UNKNOWN", out.Batch[1]["name"])
	assert.Contains(t, out.Batch[1][model.FieldQualityFlags], "critical:comp")
}

func TestApply_WarningNeverRejects(t *testing.T) {
	r := criticalCompleteness(model.ActionReject, model.ActionQuarantine)
	r.Thresholds = model.Thresholds{Critical: 50, Warning: 90}
	g := newTestGate()
	batch := sampleBatch()
	report := g.Assess(batch, []model.QualityRule{r})
	require.Equal(t, model.LevelWarning, report.Violations[0].Level)

	out := g.Apply(batch, report, []model.QualityRule{r}, Target{})
	assert.False(t, out.Rejected)
	assert.Empty(t, out.Quarantined)
	assert.Empty(t, out.Unresolved)
	assert.Len(t, out.Batch, 4)
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, model.SeverityHigh, out.Alerts[0].Severity)
}
