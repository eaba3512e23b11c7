package model

import (
	"encoding/json"
	"strings"
)

// Reserved record keys written by the engine. Keys starting with "_" are
// metadata: they are skipped by quality scoring and stripped on output.
const (
	FieldSource       = "_source"
	FieldWarnings     = "_warnings"
	FieldEnrichment   = "_enrichment"
	FieldQualityFlags = "_quality_flags"
)

// Record is a single row of data flowing through a run.
type Record map[string]any

// Batch is an ordered set of records.
type Batch []Record

// IsMetaField reports whether key is engine metadata.
func IsMetaField(key string) bool {
	return strings.HasPrefix(key, "_")
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Data returns a copy of the record without metadata keys.
func (r Record) Data() Record {
	out := make(Record, len(r))
	for k, v := range r {
		if !IsMetaField(k) {
			out[k] = v
		}
	}
	return out
}

// Source returns the alias of the input binding that produced the record.
func (r Record) Source() string {
	s, _ := r[FieldSource].(string)
	return s
}

// AddWarning appends msg to the record's warning annotations.
func (r Record) AddWarning(msg string) {
	switch w := r[FieldWarnings].(type) {
	case []string:
		r[FieldWarnings] = append(w, msg)
	default:
		r[FieldWarnings] = []string{msg}
	}
}

// Warnings returns the record's warning annotations.
func (r Record) Warnings() []string {
	switch w := r[FieldWarnings].(type) {
	case []string:
		return w
	case []any:
		out := make([]string, 0, len(w))
		for _, v := range w {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Flag adds a quality flag to the record.
func (r Record) Flag(flag string) {
	switch f := r[FieldQualityFlags].(type) {
	case []string:
		r[FieldQualityFlags] = append(f, flag)
	default:
		r[FieldQualityFlags] = []string{flag}
	}
}

// Canonical returns a deterministic encoding of the record's data fields.
// encoding/json sorts map keys, so equal records encode equally.
func (r Record) Canonical() string {
	b, err := json.Marshal(r.Data())
	if err != nil {
		return ""
	}
	return string(b)
}

// Clone deep-copies the slice and shallow-copies each record.
func (b Batch) Clone() Batch {
	out := make(Batch, len(b))
	for i, r := range b {
		out[i] = r.Clone()
	}
	return out
}

// Stripped returns the batch with metadata keys removed from every record.
func (b Batch) Stripped() Batch {
	out := make(Batch, len(b))
	for i, r := range b {
		out[i] = r.Data()
	}
	return out
}

// Tag sets the _source key on every record and returns the batch.
func (b Batch) Tag(alias string) Batch {
	for _, r := range b {
		r[FieldSource] = alias
	}
	return b
}
