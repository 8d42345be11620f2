package model

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Parsed field keys written by extraction.
const (
	FieldNameRaw        = "name_raw"
	FieldDescriptionRaw = "description_raw"
	FieldPrice          = "price"
	FieldAgeYears       = "age_years"
	FieldVintageYear    = "vintage_year"
	FieldSizeML         = "size_ml"
	FieldABV            = "bottling_strength_abv"

	FieldProducer       = "producer"
	FieldGrapeVariety   = "grape_variety"
	FieldAppellation    = "appellation"
	FieldClassification = "classification"
	FieldWineColor      = "wine_color"
	FieldServeType      = "serve_type"

	FieldDistillery     = "distillery"
	FieldWhiskeyRegion  = "whiskey_region"
	FieldWhiskeyType    = "whiskey_type"
	FieldCaskType       = "cask_type"
	FieldBottler        = "bottler"
	FieldLimitedEdition = "limited_edition"
)

// Fields is the open attribute map parsed out of a menu line. Values survive a
// JSON round trip, so numeric values may come back as float64 and lists as
// []any; use the typed accessors instead of asserting directly.
type Fields map[string]any

// Merge copies every key of other into f, overwriting existing keys.
func (f Fields) Merge(other Fields) Fields {
	if f == nil {
		f = Fields{}
	}
	for k, v := range other {
		f[k] = v
	}
	return f
}

// String returns the trimmed string value for key.
func (f Fields) String(key string) string {
	if v, ok := f[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Int returns the integer value for key.
func (f Fields) Int(key string) (int, bool) {
	n, ok := f.Float(key)
	if !ok || n != math.Trunc(n) {
		return 0, false
	}
	return int(n), true
}

// Float returns the numeric value for key.
func (f Fields) Float(key string) (float64, bool) {
	switch v := f[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		n, err := v.Float64()
		return n, err == nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Strings returns the list value for key, dropping non-string entries.
func (f Fields) Strings(key string) []string {
	switch v := f[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}
