package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_DataAndClone(t *testing.T) {
	t.Parallel()

	r := Record{"crd": 1001, "name": "Alpha", FieldSource: "firms"}
	assert.Equal(t, Record{"crd": 1001, "name": "Alpha"}, r.Data())
	assert.Equal(t, "firms", r.Source())

	c := r.Clone()
	c["name"] = "Beta"
	assert.Equal(t, "Alpha", r["name"])
	assert.Equal(t, "firms", c.Source())

	assert.True(t, IsMetaField(FieldWarnings))
	assert.False(t, IsMetaField("name"))
}

func TestRecord_WarningsAndFlags(t *testing.T) {
	t.Parallel()

	r := Record{}
	assert.Nil(t, r.Warnings())

	r.AddWarning("first")
	r.AddWarning("second")
	assert.Equal(t, []string{"first", "second"}, r.Warnings())

	// Values decoded from JSON arrive as []any.
	decoded := Record{FieldWarnings: []any{"a", 3, "b"}}
	assert.Equal(t, []string{"a", "b"}, decoded.Warnings())

	r.Flag("low_quality")
	r.Flag("stale")
	assert.Equal(t, []string{"low_quality", "stale"}, r[FieldQualityFlags])
}

func TestRecord_Canonical(t *testing.T) {
	t.Parallel()

	a := Record{"b": 2, "a": 1, FieldSource: "x"}
	b := Record{"a": 1, "b": 2, FieldSource: "y"}
	assert.Equal(t, a.Canonical(), b.Canonical())
	assert.Equal(t, `{"a":1,"b":2}`, a.Canonical())
	assert.NotEqual(t, a.Canonical(), Record{"a": 1}.Canonical())
}

func TestBatch_CloneStrippedTag(t *testing.T) {
	t.Parallel()

	b := Batch{{"id": 1, FieldWarnings: []string{"w"}}, {"id": 2}}

	clone := b.Clone()
	clone[0]["id"] = 99
	assert.Equal(t, 1, b[0]["id"])

	stripped := b.Stripped()
	assert.Equal(t, Batch{{"id": 1}, {"id": 2}}, stripped)
	assert.Contains(t, b[0], FieldWarnings)

	tagged := b.Tag("left")
	require.Len(t, tagged, 2)
	for _, r := range b {
		assert.Equal(t, "left", r.Source())
	}
}

func TestIsEmpty(t *testing.T) {
	t.Parallel()

	assert.True(t, IsEmpty(nil))
	assert.True(t, IsEmpty("   "))
	assert.True(t, IsEmpty([]any{}))
	assert.True(t, IsEmpty(map[string]any{}))
	assert.False(t, IsEmpty(0))
	assert.False(t, IsEmpty(false))
	assert.False(t, IsEmpty("x"))
}

func TestToFloat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   any
		want float64
		ok   bool
	}{
		{1.5, 1.5, true},
		{float32(2), 2, true},
		{7, 7, true},
		{int64(-3), -3, true},
		{uint(4), 4, true},
		{" 12.5 ", 12.5, true},
		{"abc", 0, false},
		{true, 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := ToFloat(tt.in)
		assert.Equal(t, tt.ok, ok, "%v", tt.in)
		if tt.ok {
			assert.InDelta(t, tt.want, got, 1e-9, "%v", tt.in)
		}
	}
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	want := time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC)
	for _, in := range []any{"2026-04-05", "04/05/2026", "2026-04-05T00:00:00Z", want, &want} {
		got, ok := ParseTime(in)
		require.True(t, ok, "%v", in)
		assert.True(t, want.Equal(got), "%v", in)
	}

	_, ok := ParseTime("yesterday")
	assert.False(t, ok)
	var nilTime *time.Time
	_, ok = ParseTime(nilTime)
	assert.False(t, ok)
}

func ptr(f float64) *float64 { return &f }

func TestFieldRule_Check(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rule FieldRule
		rec  Record
		want string
	}{
		{"optional absent", FieldRule{Field: "x"}, Record{}, ""},
		{"required absent", FieldRule{Field: "x", Required: true}, Record{}, "x: required"},
		{"required blank", FieldRule{Field: "x", Required: true}, Record{"x": " "}, "x: required"},
		{"type string", FieldRule{Field: "x", Type: "string"}, Record{"x": 3}, "x: expected string"},
		{"type integer", FieldRule{Field: "x", Type: "integer"}, Record{"x": 3.5}, "x: expected integer"},
		{"type integer ok", FieldRule{Field: "x", Type: "integer"}, Record{"x": "42"}, ""},
		{"type boolean", FieldRule{Field: "x", Type: "boolean"}, Record{"x": "true"}, ""},
		{"type email", FieldRule{Field: "x", Type: "email"}, Record{"x": "nope"}, "x: expected email"},
		{"type url", FieldRule{Field: "x", Type: "url"}, Record{"x": "https://example.com/a"}, ""},
		{"type date", FieldRule{Field: "x", Type: "date"}, Record{"x": "not a date"}, "x: expected date"},
		{"below min", FieldRule{Field: "x", Min: ptr(10)}, Record{"x": 5}, "x: 5 below minimum 10"},
		{"above max", FieldRule{Field: "x", Max: ptr(10)}, Record{"x": "11"}, "x: 11 above maximum 10"},
		{"range not numeric", FieldRule{Field: "x", Min: ptr(0)}, Record{"x": "abc"}, "x: not numeric"},
		{"too short", FieldRule{Field: "x", MinLength: 3}, Record{"x": "ab"}, "x: shorter than 3"},
		{"too long", FieldRule{Field: "x", MaxLength: 2}, Record{"x": "héé"}, "x: longer than 2"},
		{"pattern", FieldRule{Field: "x", Pattern: `^\d{5}$`}, Record{"x": "1234"}, `x: does not match ^\d{5}$`},
		{"pattern ok", FieldRule{Field: "x", Pattern: `^\d{5}$`}, Record{"x": "12345"}, ""},
		{"bad pattern", FieldRule{Field: "x", Pattern: `(`}, Record{"x": "a"}, `x: invalid pattern "("`},
		{"enum", FieldRule{Field: "x", Enum: []string{"a", "b"}}, Record{"x": "c"}, `x: "c" not in allowed values`},
		{"enum ok", FieldRule{Field: "x", Enum: []string{"a", "b"}}, Record{"x": "b"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.rule.Check(tt.rec))
		})
	}
}

func TestCheckAll(t *testing.T) {
	t.Parallel()

	rules := []FieldRule{
		{Field: "id", Required: true},
		{Field: "email", Type: "email"},
		{Field: "name"},
	}
	got := CheckAll(rules, Record{"email": "bad"})
	assert.Equal(t, []string{"id: required", "email: expected email"}, got)
	assert.Empty(t, CheckAll(rules, Record{"id": 1, "email": "a@b.co"}))
}

func TestQualityRuleHas(t *testing.T) {
	t.Parallel()

	r := QualityRule{Actions: []QualityAction{ActionAlert, ActionQuarantine}}
	assert.True(t, r.Has(ActionQuarantine))
	assert.False(t, r.Has(ActionReject))
}
