package model

import (
	"github.com/rotisserie/eris"
)

// StepType is the closed set of pipeline step kinds.
type StepType string

const (
	StepMerge       StepType = "merge"
	StepDeduplicate StepType = "deduplicate"
	StepValidate    StepType = "validate"
	StepEnrich      StepType = "enrich"
	StepTransform   StepType = "transform"
	StepFilter      StepType = "filter"
	StepAggregate   StepType = "aggregate"
	StepNormalize   StepType = "normalize"
)

// Step is one pipeline stage.
type Step struct {
	Name    string      `json:"name" yaml:"name"`
	Type    StepType    `json:"type" yaml:"type"`
	Order   int         `json:"order" yaml:"order"`
	Config  StepConfig  `json:"config" yaml:"config"`
	OnError ErrorPolicy `json:"on_error" yaml:"on_error"`
}

// ErrorAction is the step-level failure policy.
type ErrorAction string

const (
	OnErrorStop     ErrorAction = "stop"
	OnErrorSkip     ErrorAction = "skip"
	OnErrorRetry    ErrorAction = "retry"
	OnErrorFallback ErrorAction = "fallback"
)

// ErrorPolicy decides what happens when a step fails.
type ErrorPolicy struct {
	Action     ErrorAction `json:"action" yaml:"action"`
	MaxRetries int         `json:"max_retries,omitempty" yaml:"max_retries"`
	// Fallback names an alternate step run in place of the failed one.
	Fallback string `json:"fallback,omitempty" yaml:"fallback"`
}

// StepConfig is a tagged variant: exactly one field is set, matching the
// step's Type.
type StepConfig struct {
	Merge       *MergeConfig       `json:"merge,omitempty" yaml:"merge"`
	Deduplicate *DeduplicateConfig `json:"deduplicate,omitempty" yaml:"deduplicate"`
	Validate    *ValidateConfig    `json:"validate,omitempty" yaml:"validate"`
	Enrich      *EnrichConfig      `json:"enrich,omitempty" yaml:"enrich"`
	Transform   *TransformConfig   `json:"transform,omitempty" yaml:"transform"`
	Filter      *FilterConfig      `json:"filter,omitempty" yaml:"filter"`
	Aggregate   *AggregateConfig   `json:"aggregate,omitempty" yaml:"aggregate"`
	Normalize   *NormalizeConfig   `json:"normalize,omitempty" yaml:"normalize"`
}

func (c StepConfig) kinds() []StepType {
	var out []StepType
	if c.Merge != nil {
		out = append(out, StepMerge)
	}
	if c.Deduplicate != nil {
		out = append(out, StepDeduplicate)
	}
	if c.Validate != nil {
		out = append(out, StepValidate)
	}
	if c.Enrich != nil {
		out = append(out, StepEnrich)
	}
	if c.Transform != nil {
		out = append(out, StepTransform)
	}
	if c.Filter != nil {
		out = append(out, StepFilter)
	}
	if c.Aggregate != nil {
		out = append(out, StepAggregate)
	}
	if c.Normalize != nil {
		out = append(out, StepNormalize)
	}
	return out
}

// Validate checks that the config variant matches the step type.
func (s Step) Validate() error {
	kinds := s.Config.kinds()
	switch {
	case len(kinds) == 0 && s.Type == StepDeduplicate:
		// Deduplicate without keys compares whole records.
	case len(kinds) != 1:
		return eris.Errorf("step %q: expected exactly one config block, got %d", s.Name, len(kinds))
	case kinds[0] != s.Type:
		return eris.Errorf("step %q: type %s does not match %s config", s.Name, s.Type, kinds[0])
	}
	switch s.OnError.Action {
	case "", OnErrorStop, OnErrorSkip, OnErrorRetry:
	case OnErrorFallback:
		if s.OnError.Fallback == "" {
			return eris.Errorf("step %q: fallback policy without fallback step", s.Name)
		}
	default:
		return eris.Errorf("step %q: unknown error action %q", s.Name, s.OnError.Action)
	}
	return nil
}

// Policy returns the step's error action, defaulting to stop.
func (s Step) Policy() ErrorAction {
	if s.OnError.Action == "" {
		return OnErrorStop
	}
	return s.OnError.Action
}

// MergeStrategy selects how partitions are combined.
type MergeStrategy string

const (
	MergeUnion        MergeStrategy = "union"
	MergeIntersection MergeStrategy = "intersection"
	MergeLeftJoin     MergeStrategy = "left_join"
	MergeRightJoin    MergeStrategy = "right_join"
	MergeFullJoin     MergeStrategy = "full_join"
)

// MergeConfig combines records from multiple input bindings.
type MergeConfig struct {
	Strategy MergeStrategy `json:"strategy" yaml:"strategy"`
	Keys     []string      `json:"keys,omitempty" yaml:"keys"`
	// Sources lists binding aliases in fold order; defaults to order of
	// first appearance in the batch.
	Sources []string `json:"sources,omitempty" yaml:"sources"`
}

// DeduplicateConfig drops repeated key tuples.
type DeduplicateConfig struct {
	Keys []string `json:"keys,omitempty" yaml:"keys"`
}

// ValidationAction is applied to records failing validation.
type ValidationAction string

const (
	ValidationSkip    ValidationAction = "skip"
	ValidationFail    ValidationAction = "fail"
	ValidationWarn    ValidationAction = "warn"
	ValidationDefault ValidationAction = "default"
)

// ValidateConfig applies field rules to each record.
type ValidateConfig struct {
	Rules       []FieldRule      `json:"rules" yaml:"rules"`
	ErrorAction ValidationAction `json:"error_action" yaml:"error_action"`
}

// EnrichConfig calls an enrichment capability per record.
type EnrichConfig struct {
	Capability string `json:"capability" yaml:"capability"`
	KeyField   string `json:"key_field" yaml:"key_field"`
	// Fields maps record field to enrichment result field. Empty copies all.
	Fields      map[string]string `json:"fields,omitempty" yaml:"fields"`
	Overwrite   bool              `json:"overwrite,omitempty" yaml:"overwrite"`
	CostPerCall float64           `json:"cost_per_call,omitempty" yaml:"cost_per_call"`
}

// TransformConfig applies field operations in sequence.
type TransformConfig struct {
	Operations []TransformOp `json:"operations" yaml:"operations"`
}

// TransformOp is one field operation.
type TransformOp struct {
	Op        string   `json:"op" yaml:"op"`
	Field     string   `json:"field,omitempty" yaml:"field"`
	Target    string   `json:"target,omitempty" yaml:"target"`
	Fields    []string `json:"fields,omitempty" yaml:"fields"`
	Separator string   `json:"separator,omitempty" yaml:"separator"`
	Value     any      `json:"value,omitempty" yaml:"value"`
	// Type is the cast target: string, number, integer, or boolean.
	Type string `json:"type,omitempty" yaml:"type"`
}

// FilterConfig keeps records matching its conditions.
type FilterConfig struct {
	// Mode is "all" (default) or "any".
	Mode       string      `json:"mode,omitempty" yaml:"mode"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

// Condition is one filter predicate.
type Condition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value"`
}

// AggregateConfig groups records and computes metrics.
type AggregateConfig struct {
	GroupBy []string `json:"group_by,omitempty" yaml:"group_by"`
	Metrics []Metric `json:"metrics" yaml:"metrics"`
}

// Metric is one aggregate output column.
type Metric struct {
	Field string `json:"field,omitempty" yaml:"field"`
	// Func is count, sum, avg, min, max, first, or last.
	Func string `json:"func" yaml:"func"`
	As   string `json:"as,omitempty" yaml:"as"`
}

// NormalizeConfig canonicalises string, numeric, and date fields.
type NormalizeConfig struct {
	// Fields limits string normalisation; empty applies to every string field.
	Fields         []string `json:"fields,omitempty" yaml:"fields"`
	Trim           bool     `json:"trim,omitempty" yaml:"trim"`
	CollapseSpaces bool     `json:"collapse_spaces,omitempty" yaml:"collapse_spaces"`
	// Case is lower, upper, or title.
	Case string `json:"case,omitempty" yaml:"case"`
	// Unicode is NFC or NFKC.
	Unicode    string   `json:"unicode,omitempty" yaml:"unicode"`
	Numeric    []string `json:"numeric,omitempty" yaml:"numeric"`
	Dates      []string `json:"dates,omitempty" yaml:"dates"`
	DateLayout string   `json:"date_layout,omitempty" yaml:"date_layout"`
}
