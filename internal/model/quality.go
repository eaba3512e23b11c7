package model

import (
	"time"
)

// Dimension is a quality axis.
type Dimension string

const (
	DimCompleteness Dimension = "completeness"
	DimAccuracy     Dimension = "accuracy"
	DimConsistency  Dimension = "consistency"
	DimValidity     Dimension = "validity"
	DimTimeliness   Dimension = "timeliness"
	DimUniqueness   Dimension = "uniqueness"
)

// Dimensions lists every supported dimension.
var Dimensions = []Dimension{
	DimCompleteness, DimAccuracy, DimConsistency, DimValidity, DimTimeliness, DimUniqueness,
}

// ScopeType is the kind of target a quality monitor watches.
type ScopeType string

const (
	ScopeSource   ScopeType = "source"
	ScopeWorkflow ScopeType = "workflow"
	ScopeProvider ScopeType = "provider"
	ScopeGlobal   ScopeType = "global"
)

// Scope identifies a monitor's target.
type Scope struct {
	Type     ScopeType `json:"type" yaml:"type"`
	TargetID string    `json:"target_id,omitempty" yaml:"target_id"`
}

// QualityMonitor owns a set of rules for one scope.
type QualityMonitor struct {
	ID      string        `json:"id" yaml:"id"`
	Name    string        `json:"name" yaml:"name"`
	Scope   Scope         `json:"scope" yaml:"scope"`
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Rules   []QualityRule `json:"rules" yaml:"rules"`
}

// Severity of a quality rule.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 1 (low) to 4 (critical). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// QualityAction is a reaction to a critical rule breach.
type QualityAction string

const (
	ActionAlert       QualityAction = "alert"
	ActionQuarantine  QualityAction = "quarantine"
	ActionReject      QualityAction = "reject"
	ActionFlag        QualityAction = "flag"
	ActionAutoCorrect QualityAction = "auto_correct"
	ActionEscalate    QualityAction = "escalate"
)

// Thresholds are score tiers on a 0-100 scale.
type Thresholds struct {
	Critical  float64 `json:"critical" yaml:"critical"`
	Warning   float64 `json:"warning" yaml:"warning"`
	Target    float64 `json:"target" yaml:"target"`
	Excellent float64 `json:"excellent" yaml:"excellent"`
}

// QualityRule scores one dimension and reacts to breaches.
type QualityRule struct {
	ID         string          `json:"id" yaml:"id"`
	Name       string          `json:"name,omitempty" yaml:"name"`
	Dimension  Dimension       `json:"dimension" yaml:"dimension"`
	Fields     []string        `json:"fields,omitempty" yaml:"fields"`
	Thresholds Thresholds      `json:"thresholds" yaml:"thresholds"`
	Weight     float64         `json:"weight" yaml:"weight"`
	Severity   Severity        `json:"severity" yaml:"severity"`
	Actions    []QualityAction `json:"actions,omitempty" yaml:"actions"`
	Enabled    bool            `json:"enabled" yaml:"enabled"`
	// FieldRules drive validity scoring and auto-correct defaults.
	FieldRules []FieldRule `json:"field_rules,omitempty" yaml:"field_rules"`
	// Allowed maps a field to its reference values for accuracy scoring.
	Allowed map[string][]string `json:"allowed,omitempty" yaml:"allowed"`
	// TimestampField and MaxAgeHours drive timeliness scoring.
	TimestampField string  `json:"timestamp_field,omitempty" yaml:"timestamp_field"`
	MaxAgeHours    float64 `json:"max_age_hours,omitempty" yaml:"max_age_hours"`
}

// Has reports whether the rule carries action a.
func (r QualityRule) Has(a QualityAction) bool {
	for _, x := range r.Actions {
		if x == a {
			return true
		}
	}
	return false
}

// ViolationLevel is the tier a rule's score fell into.
type ViolationLevel string

const (
	LevelCritical ViolationLevel = "critical"
	LevelWarning  ViolationLevel = "warning"
)

// Violation is a rule whose score fell below its warning threshold.
type Violation struct {
	RuleID    string          `json:"rule_id"`
	Dimension Dimension       `json:"dimension"`
	Level     ViolationLevel  `json:"level"`
	Severity  Severity        `json:"severity"`
	Score     float64         `json:"score"`
	Threshold float64         `json:"threshold"`
	Actions   []QualityAction `json:"actions,omitempty"`
	// Records indexes the offending records in the assessed batch.
	Records []int `json:"-"`
	// Resolved is set when quarantine or auto-correct handled the breach.
	Resolved bool `json:"resolved"`
}

// QualityReport is the quality outcome stored on a run.
type QualityReport struct {
	Dimensions map[Dimension]float64 `json:"dimensions"`
	Overall    float64               `json:"overall"`
	Grade      string                `json:"grade"`
	Violations []Violation           `json:"violations,omitempty"`
	AssessedAt time.Time             `json:"assessed_at"`
}
