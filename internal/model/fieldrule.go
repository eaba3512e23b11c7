package model

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FieldRule is a per-field validation rule.
type FieldRule struct {
	Field     string   `json:"field" yaml:"field"`
	Required  bool     `json:"required,omitempty" yaml:"required"`
	Type      string   `json:"type,omitempty" yaml:"type"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern"`
	Min       *float64 `json:"min,omitempty" yaml:"min"`
	Max       *float64 `json:"max,omitempty" yaml:"max"`
	MinLength int      `json:"min_length,omitempty" yaml:"min_length"`
	MaxLength int      `json:"max_length,omitempty" yaml:"max_length"`
	Enum      []string `json:"enum,omitempty" yaml:"enum"`
	// Default fills the field when the validate step's action is "default".
	Default any `json:"default,omitempty" yaml:"default"`
}

var (
	patternMu    sync.Mutex
	patternCache = map[string]*regexp.Regexp{}
)

func compilePattern(p string) (*regexp.Regexp, error) {
	patternMu.Lock()
	defer patternMu.Unlock()
	if re, ok := patternCache[p]; ok {
		return re, nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}
	patternCache[p] = re
	return re, nil
}

// IsEmpty reports whether v counts as a missing value.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

// ToFloat converts numeric and numeric-string values.
func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Check returns a description of the first violation of the rule by rec,
// or "" when the record satisfies it.
func (r FieldRule) Check(rec Record) string {
	v, present := rec[r.Field]
	if !present || IsEmpty(v) {
		if r.Required {
			return fmt.Sprintf("%s: required", r.Field)
		}
		return ""
	}

	if r.Type != "" && !matchesType(r.Type, v) {
		return fmt.Sprintf("%s: expected %s", r.Field, r.Type)
	}

	if r.Min != nil || r.Max != nil {
		f, ok := ToFloat(v)
		if !ok {
			return fmt.Sprintf("%s: not numeric", r.Field)
		}
		if r.Min != nil && f < *r.Min {
			return fmt.Sprintf("%s: %v below minimum %v", r.Field, f, *r.Min)
		}
		if r.Max != nil && f > *r.Max {
			return fmt.Sprintf("%s: %v above maximum %v", r.Field, f, *r.Max)
		}
	}

	s := fmt.Sprint(v)
	if r.MinLength > 0 && len([]rune(s)) < r.MinLength {
		return fmt.Sprintf("%s: shorter than %d", r.Field, r.MinLength)
	}
	if r.MaxLength > 0 && len([]rune(s)) > r.MaxLength {
		return fmt.Sprintf("%s: longer than %d", r.Field, r.MaxLength)
	}
	if r.Pattern != "" {
		re, err := compilePattern(r.Pattern)
		if err != nil {
			return fmt.Sprintf("%s: invalid pattern %q", r.Field, r.Pattern)
		}
		if !re.MatchString(s) {
			return fmt.Sprintf("%s: does not match %s", r.Field, r.Pattern)
		}
	}
	if len(r.Enum) > 0 {
		for _, e := range r.Enum {
			if e == s {
				return ""
			}
		}
		return fmt.Sprintf("%s: %q not in allowed values", r.Field, s)
	}
	return ""
}

// CheckAll applies every rule and returns all violations.
func CheckAll(rules []FieldRule, rec Record) []string {
	var out []string
	for _, r := range rules {
		if msg := r.Check(rec); msg != "" {
			out = append(out, msg)
		}
	}
	return out
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := ToFloat(v)
		return ok
	case "integer":
		f, ok := ToFloat(v)
		return ok && f == float64(int64(f))
	case "boolean":
		switch t := v.(type) {
		case bool:
			return true
		case string:
			_, err := strconv.ParseBool(t)
			return err == nil
		}
		return false
	case "email":
		s, ok := v.(string)
		if !ok {
			return false
		}
		_, err := mail.ParseAddress(s)
		return err == nil
	case "url":
		s, ok := v.(string)
		if !ok {
			return false
		}
		u, err := url.Parse(s)
		return err == nil && u.Scheme != "" && u.Host != ""
	case "date":
		_, ok := ParseTime(v)
		return ok
	default:
		return true
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
}

// ParseTime parses time values and the date layouts commonly found in
// provider payloads.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}
