package models

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestRecordJSONKeepsFieldOrder(t *testing.T) {
	input := `{"zeta":1,"alpha":2.5,"mid":"x","flag":true,"none":null}`

	var r Record
	if err := json.Unmarshal([]byte(input), &r); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	want := []string{"zeta", "alpha", "mid", "flag", "none"}
	got := r.Keys()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}

	if v, _ := r.Get("zeta"); v.Kind() != KindInt {
		t.Errorf("zeta kind = %v, want int", v.Kind())
	}
	if v, _ := r.Get("alpha"); v.Kind() != KindFloat {
		t.Errorf("alpha kind = %v, want float", v.Kind())
	}
	if v, _ := r.Get("none"); !v.IsNull() {
		t.Errorf("none should be null, got %v", v)
	}

	out, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(out) != input {
		t.Errorf("Marshal = %s, want %s", out, input)
	}
}

func TestRecordRejectsNestedValues(t *testing.T) {
	var r Record
	err := json.Unmarshal([]byte(`{"a":{"b":1}}`), &r)
	if err == nil {
		t.Fatal("expected error for nested object")
	}
}

func TestRecordSetReplacesInPlace(t *testing.T) {
	r := NewRecord(F("a", IntValue(1)), F("b", IntValue(2)))
	r.Set("a", StringValue("x"))

	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	if r.Keys()[0] != "a" {
		t.Errorf("replacing a value must not move its key")
	}
}

func TestSchemaVector(t *testing.T) {
	schema := Schema{Features: []Feature{
		{Name: "age", Type: FeatureInt},
		{Name: "income", Type: FeatureFloat},
		{Name: "member", Type: FeatureBool},
		{Name: "signup", Type: FeatureTime},
	}}

	r := NewRecord(
		F("income", StringValue("1200.5")),
		F("age", FloatValue(42)),
		F("member", StringValue("true")),
		F("signup", StringValue("2024-03-01T10:00:00Z")),
		F("ignored", StringValue("extra")),
	)

	fv, err := schema.Vector(r)
	if err != nil {
		t.Fatalf("Vector failed: %v", err)
	}
	if len(fv.Values) != 4 || fv.Names[0] != "age" {
		t.Fatalf("unexpected vector %+v", fv)
	}

	age, _ := fv.Get("age")
	if age.Kind() != KindInt {
		t.Errorf("age kind = %v, want int", age.Kind())
	}
	income, _ := fv.Get("income")
	if f, _ := income.AsFloat(); f != 1200.5 {
		t.Errorf("income = %v, want 1200.5", f)
	}
	signup, _ := fv.Get("signup")
	if ts, _ := signup.AsTime(); !ts.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("signup = %v", ts)
	}
}

func TestSchemaVectorErrors(t *testing.T) {
	schema := Schema{Features: []Feature{{Name: "age", Type: FeatureInt}}}

	tests := []struct {
		name   string
		record Record
	}{
		{"missing", NewRecord(F("other", IntValue(1)))},
		{"null", NewRecord(F("age", NullValue()))},
		{"fractional", NewRecord(F("age", FloatValue(1.5)))},
		{"not a number", NewRecord(F("age", StringValue("old")))},
		{"above int64", NewRecord(F("age", FloatValue(1e19)))},
		{"below int64", NewRecord(F("age", FloatValue(-1e19)))},
		{"exactly 2^63", NewRecord(F("age", FloatValue(1<<63)))},
		{"NaN", NewRecord(F("age", FloatValue(math.NaN())))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := schema.Vector(tt.record); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestSchemaValidate(t *testing.T) {
	dup := Schema{Features: []Feature{{Name: "a", Type: FeatureInt}, {Name: "a", Type: FeatureFloat}}}
	if err := dup.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("duplicate feature: got %v", err)
	}

	bad := Schema{Features: []Feature{{Name: "a", Type: "vector"}}}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unknown type: got %v", err)
	}

	ok := Schema{Features: []Feature{{Name: "a", Type: FeatureString}}}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid schema rejected: %v", err)
	}
}

func TestAsIntFloatBounds(t *testing.T) {
	tests := []struct {
		in      float64
		want    int64
		wantErr bool
	}{
		{42, 42, false},
		{-(1 << 63), math.MinInt64, false},
		{1 << 62, 1 << 62, false},
		{1 << 63, 0, true},
		{1e19, 0, true},
		{-1e19, 0, true},
	}
	for _, tt := range tests {
		got, err := FloatValue(tt.in).AsInt()
		if (err != nil) != tt.wantErr {
			t.Errorf("AsInt(%v): err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("AsInt(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
