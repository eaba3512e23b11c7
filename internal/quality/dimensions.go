package quality

import (
	"fmt"
	"sort"
	"time"

	"github.com/sells-group/orchestrator/internal/model"
)

// DefaultMaxAgeHours bounds record age for timeliness rules that leave
// max_age_hours unset.
const DefaultMaxAgeHours = 24.0

// scoreResult is one rule's score and the indexes of the records that
// lowered it.
type scoreResult struct {
	score     float64
	offenders []int
}

// fieldsFor returns the rule's fields, or every data field in the batch.
func fieldsFor(batch model.Batch, fields []string) []string {
	if len(fields) > 0 {
		return fields
	}
	seen := make(map[string]bool)
	var out []string
	for _, rec := range batch {
		for k := range rec {
			if !model.IsMetaField(k) && !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}

func ratio(good, total int) float64 {
	if total == 0 {
		return 100
	}
	return 100 * float64(good) / float64(total)
}

func completeness(batch model.Batch, rule model.QualityRule) scoreResult {
	fields := fieldsFor(batch, rule.Fields)
	filled, cells := 0, 0
	var offenders []int
	for i, rec := range batch {
		missing := false
		for _, f := range fields {
			cells++
			if model.IsEmpty(rec[f]) {
				missing = true
				continue
			}
			filled++
		}
		if missing {
			offenders = append(offenders, i)
		}
	}
	return scoreResult{score: ratio(filled, cells), offenders: offenders}
}

// accuracy checks values against the rule's reference sets and the range
// bounds of its field rules.
func accuracy(batch model.Batch, rule model.QualityRule) scoreResult {
	allowed := make(map[string]map[string]bool, len(rule.Allowed))
	for f, values := range rule.Allowed {
		set := make(map[string]bool, len(values))
		for _, v := range values {
			set[v] = true
		}
		allowed[f] = set
	}

	good, total := 0, 0
	var offenders []int
	for i, rec := range batch {
		bad := false
		for f, set := range allowed {
			v, ok := rec[f]
			if !ok || model.IsEmpty(v) {
				continue
			}
			total++
			if set[fmt.Sprint(v)] {
				good++
			} else {
				bad = true
			}
		}
		for _, fr := range rule.FieldRules {
			if fr.Min == nil && fr.Max == nil {
				continue
			}
			v, ok := rec[fr.Field]
			if !ok || model.IsEmpty(v) {
				continue
			}
			total++
			if fr.Check(rec) == "" {
				good++
			} else {
				bad = true
			}
		}
		if bad {
			offenders = append(offenders, i)
		}
	}
	return scoreResult{score: ratio(good, total), offenders: offenders}
}

func kindOf(v any) string {
	switch v.(type) {
	case string:
		if _, ok := model.ToFloat(v); ok {
			return "number"
		}
		return "string"
	case bool:
		return "boolean"
	case map[string]any, []any:
		return "object"
	default:
		if _, ok := model.ToFloat(v); ok {
			return "number"
		}
		return "other"
	}
}

// consistency measures agreement with each field's majority value kind.
func consistency(batch model.Batch, rule model.QualityRule) scoreResult {
	fields := fieldsFor(batch, rule.Fields)
	good, total := 0, 0
	bad := make(map[int]bool)
	for _, f := range fields {
		counts := make(map[string]int)
		for _, rec := range batch {
			if v, ok := rec[f]; ok && !model.IsEmpty(v) {
				counts[kindOf(v)]++
			}
		}
		majority, best := "", -1
		for k, n := range counts {
			if n > best || (n == best && k < majority) {
				majority, best = k, n
			}
		}
		for i, rec := range batch {
			v, ok := rec[f]
			if !ok || model.IsEmpty(v) {
				continue
			}
			total++
			if kindOf(v) == majority {
				good++
			} else {
				bad[i] = true
			}
		}
	}
	return scoreResult{score: ratio(good, total), offenders: sortedKeys(bad)}
}

func validity(batch model.Batch, rule model.QualityRule) scoreResult {
	good := 0
	var offenders []int
	for i, rec := range batch {
		if len(model.CheckAll(rule.FieldRules, rec)) == 0 {
			good++
		} else {
			offenders = append(offenders, i)
		}
	}
	return scoreResult{score: ratio(good, len(batch)), offenders: offenders}
}

func timeliness(batch model.Batch, rule model.QualityRule, now time.Time) scoreResult {
	if rule.TimestampField == "" {
		return scoreResult{score: 100}
	}
	maxAge := rule.MaxAgeHours
	if maxAge <= 0 {
		maxAge = DefaultMaxAgeHours
	}
	limit := time.Duration(maxAge * float64(time.Hour))

	good := 0
	var offenders []int
	for i, rec := range batch {
		ts, ok := model.ParseTime(rec[rule.TimestampField])
		if ok && now.Sub(ts) <= limit {
			good++
			continue
		}
		offenders = append(offenders, i)
	}
	return scoreResult{score: ratio(good, len(batch)), offenders: offenders}
}

// uniqueness is the share of records whose key tuple was not seen before.
func uniqueness(batch model.Batch, rule model.QualityRule) scoreResult {
	seen := make(map[string]bool, len(batch))
	good := 0
	var offenders []int
	for i, rec := range batch {
		var key string
		if len(rule.Fields) == 0 {
			key = rec.Canonical()
		} else {
			for _, f := range rule.Fields {
				key += fmt.Sprint(rec[f]) + "\x1f"
			}
		}
		if seen[key] {
			offenders = append(offenders, i)
			continue
		}
		seen[key] = true
		good++
	}
	return scoreResult{score: ratio(good, len(batch)), offenders: offenders}
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
