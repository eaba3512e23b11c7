package pipeline

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orchestrator/internal/model"
)

// ValidationResult is the outcome of ValidateRecords.
type ValidationResult struct {
	Valid    model.Batch
	Rejected int
	Warnings int
	// Problems holds the first violation of each rejected or warned record.
	Problems []string
}

// ValidateRecords applies rules to every record per action. The fail action
// returns an error on the first invalid record.
func ValidateRecords(batch model.Batch, rules []model.FieldRule, action model.ValidationAction) (ValidationResult, error) {
	if action == "" {
		action = model.ValidationSkip
	}
	res := ValidationResult{Valid: make(model.Batch, 0, len(batch))}
	for i, rec := range batch {
		problems := model.CheckAll(rules, rec)
		if len(problems) == 0 {
			res.Valid = append(res.Valid, rec)
			continue
		}

		switch action {
		case model.ValidationFail:
			return res, eris.Errorf("validate: record %d invalid: %s", i, strings.Join(problems, "; "))
		case model.ValidationWarn:
			for _, p := range problems {
				rec.AddWarning(p)
			}
			res.Warnings++
			res.Valid = append(res.Valid, rec)
		case model.ValidationDefault:
			fillDefaults(rec, rules)
			if remaining := model.CheckAll(rules, rec); len(remaining) > 0 {
				res.Rejected++
				res.Problems = append(res.Problems, remaining[0])
				continue
			}
			res.Valid = append(res.Valid, rec)
		case model.ValidationSkip:
			res.Rejected++
			res.Problems = append(res.Problems, problems[0])
		default:
			return res, eris.Errorf("validate: unknown error action %q", action)
		}
	}
	return res, nil
}

// fillDefaults sets the default of every failing rule that declares one.
func fillDefaults(rec model.Record, rules []model.FieldRule) {
	for _, r := range rules {
		if r.Default == nil || r.Check(rec) == "" {
			continue
		}
		rec[r.Field] = r.Default
	}
}

func validate(batch model.Batch, cfg model.ValidateConfig) (stepOutput, error) {
	res, err := ValidateRecords(batch, cfg.Rules, cfg.ErrorAction)
	if err != nil {
		if cfg.ErrorAction == model.ValidationFail {
			return stepOutput{batch: res.Valid}, fatal(err)
		}
		return stepOutput{}, err
	}
	return stepOutput{batch: res.Valid, rejected: res.Rejected, warnings: res.Warnings}, nil
}
