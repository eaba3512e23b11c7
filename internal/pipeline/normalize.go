package pipeline

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/orchestrator/internal/model"
)

// numericReplacer strips currency symbols, separators, and spaces.
var numericReplacer = strings.NewReplacer("$", "", ",", "", " ", "", "€", "", "£", "")

// normalize canonicalises strings, numbers, and dates. Values that cannot be
// parsed are left unchanged and annotated with a warning.
func normalize(batch model.Batch, cfg model.NormalizeConfig) stepOutput {
	var caser cases.Caser
	hasCase := true
	switch strings.ToLower(cfg.Case) {
	case "lower":
		caser = cases.Lower(language.Und)
	case "upper":
		caser = cases.Upper(language.Und)
	case "title":
		caser = cases.Title(language.Und)
	default:
		hasCase = false
	}

	var form norm.Form
	hasForm := true
	switch strings.ToUpper(cfg.Unicode) {
	case "NFC":
		form = norm.NFC
	case "NFKC":
		form = norm.NFKC
	default:
		hasForm = false
	}

	layout := cfg.DateLayout
	if layout == "" {
		layout = "2006-01-02"
	}

	selected := make(map[string]bool, len(cfg.Fields))
	for _, f := range cfg.Fields {
		selected[f] = true
	}

	out := stepOutput{batch: batch}
	for _, rec := range batch {
		warned := false
		for k, v := range rec {
			s, ok := v.(string)
			if !ok || model.IsMetaField(k) || (len(selected) > 0 && !selected[k]) {
				continue
			}
			if hasForm {
				s = form.String(s)
			}
			if cfg.CollapseSpaces {
				s = strings.Join(strings.Fields(s), " ")
			} else if cfg.Trim {
				s = strings.TrimSpace(s)
			}
			if hasCase {
				s = caser.String(s)
			}
			rec[k] = s
		}

		for _, f := range cfg.Numeric {
			v, ok := rec[f]
			if !ok || model.IsEmpty(v) {
				continue
			}
			if s, isString := v.(string); isString {
				v = numericReplacer.Replace(s)
			}
			n, ok := model.ToFloat(v)
			if !ok {
				rec.AddWarning("normalize: " + f + " is not numeric")
				warned = true
				continue
			}
			rec[f] = n
		}

		for _, f := range cfg.Dates {
			v, ok := rec[f]
			if !ok || model.IsEmpty(v) {
				continue
			}
			ts, ok := model.ParseTime(v)
			if !ok {
				rec.AddWarning("normalize: " + f + " is not a date")
				warned = true
				continue
			}
			rec[f] = ts.Format(layout)
		}
		if warned {
			out.warnings++
		}
	}
	return out
}
