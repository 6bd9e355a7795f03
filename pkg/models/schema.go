package models

import (
	"fmt"
)

// FeatureType is the declared type of a model input feature
type FeatureType string

const (
	FeatureBool   FeatureType = "bool"
	FeatureInt    FeatureType = "int"
	FeatureFloat  FeatureType = "float"
	FeatureString FeatureType = "string"
	FeatureTime   FeatureType = "time"
)

// Feature is one named, typed model input
type Feature struct {
	Name string      `json:"name"`
	Type FeatureType `json:"type"`
}

// Schema is the ordered list of features a model expects.
type Schema struct {
	Features []Feature `json:"features"`
}

// Validate checks that feature names are unique and types are known.
func (s Schema) Validate() error {
	seen := make(map[string]bool, len(s.Features))
	for _, f := range s.Features {
		if f.Name == "" {
			return fmt.Errorf("%w: feature name is empty", ErrInvalidArgument)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate feature %q", ErrInvalidArgument, f.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case FeatureBool, FeatureInt, FeatureFloat, FeatureString, FeatureTime:
		default:
			return fmt.Errorf("%w: feature %q has unknown type %q", ErrInvalidArgument, f.Name, f.Type)
		}
	}
	return nil
}

// FeatureVector is a record coerced to a model's schema, in schema order.
type FeatureVector struct {
	Names  []string
	Values []Value
}

// Get returns the value of a named feature
func (fv FeatureVector) Get(name string) (Value, bool) {
	for i, n := range fv.Names {
		if n == name {
			return fv.Values[i], true
		}
	}
	return Value{}, false
}

// Vector maps a record onto the schema. Every feature must be present and
// convertible to its declared type; extra record fields are ignored.
func (s Schema) Vector(r Record) (FeatureVector, error) {
	fv := FeatureVector{
		Names:  make([]string, 0, len(s.Features)),
		Values: make([]Value, 0, len(s.Features)),
	}
	for _, f := range s.Features {
		raw, ok := r.Get(f.Name)
		if !ok || raw.IsNull() {
			return FeatureVector{}, fmt.Errorf("missing feature %q", f.Name)
		}
		v, err := coerce(raw, f.Type)
		if err != nil {
			return FeatureVector{}, fmt.Errorf("feature %q: %w", f.Name, err)
		}
		fv.Names = append(fv.Names, f.Name)
		fv.Values = append(fv.Values, v)
	}
	return fv, nil
}

func coerce(v Value, t FeatureType) (Value, error) {
	switch t {
	case FeatureBool:
		b, err := v.AsBool()
		return BoolValue(b), err
	case FeatureInt:
		i, err := v.AsInt()
		return IntValue(i), err
	case FeatureFloat:
		f, err := v.AsFloat()
		return FloatValue(f), err
	case FeatureString:
		return StringValue(v.AsString()), nil
	case FeatureTime:
		ts, err := v.AsTime()
		return TimeValue(ts), err
	default:
		return Value{}, fmt.Errorf("%w: feature type %q", ErrUnsupported, t)
	}
}
