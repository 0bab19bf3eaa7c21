package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// FieldError describes one structural problem found during strict
// decoding: an unrecognized field (typo or removed key) or a type
// mismatch.
type FieldError struct {
	Field       string
	Message     string
	Suggestions []string
}

// StrictValidationResult collects every structural issue found in a
// single decode pass.
type StrictValidationResult struct {
	UnknownFields []FieldError
	TypeErrors    []FieldError
}

// Valid reports whether the result carries no errors.
func (r *StrictValidationResult) Valid() bool {
	return len(r.UnknownFields) == 0 && len(r.TypeErrors) == 0
}

// FormatErrors renders a human-readable report for operator-facing
// config-validation failures (cmd/conductor's validate command).
func (r *StrictValidationResult) FormatErrors() string {
	if r.Valid() {
		return ""
	}
	var sb strings.Builder
	if len(r.UnknownFields) > 0 {
		sb.WriteString("unknown fields:\n")
		for _, f := range r.UnknownFields {
			sb.WriteString(fmt.Sprintf("  - %s: %s\n", f.Field, f.Message))
			if len(f.Suggestions) > 0 {
				sb.WriteString(fmt.Sprintf("    did you mean: %s?\n", strings.Join(f.Suggestions, ", ")))
			}
		}
	}
	if len(r.TypeErrors) > 0 {
		sb.WriteString("type errors:\n")
		for _, f := range r.TypeErrors {
			sb.WriteString(fmt.Sprintf("  - %s: %s\n", f.Field, f.Message))
		}
	}
	return sb.String()
}

// ValidateConfigStructure decodes rawMap into a Config with
// ErrorUnused set, catching typos and stale keys before they would
// otherwise silently zero-value a tunable.
func ValidateConfigStructure(rawMap map[string]interface{}) (*StrictValidationResult, error) {
	result := &StrictValidationResult{}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      cfg,
		ErrorUnused: true,
		TagName:     "yaml",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	if err := decoder.Decode(rawMap); err != nil {
		collectValidationErrors(err.Error(), result)
	}
	return result, nil
}

func collectValidationErrors(errStr string, result *StrictValidationResult) {
	if strings.Contains(errStr, "has invalid keys:") {
		result.UnknownFields = append(result.UnknownFields, extractUnknownFields(errStr)...)
		return
	}
	if strings.Contains(errStr, "expected type") || strings.Contains(errStr, "cannot unmarshal") || strings.Contains(errStr, "cannot decode") {
		result.TypeErrors = append(result.TypeErrors, FieldError{Field: "unknown", Message: errStr})
		return
	}
	result.UnknownFields = append(result.UnknownFields, FieldError{Field: "unknown", Message: errStr})
}

func extractUnknownFields(errMsg string) []FieldError {
	idx := strings.Index(errMsg, "has invalid keys:")
	if idx == -1 {
		return []FieldError{{Field: "unknown", Message: errMsg}}
	}

	keysStr := strings.TrimSpace(errMsg[idx+len("has invalid keys:"):])
	validFields := validFieldNames(reflect.TypeOf(Config{}))

	var out []FieldError
	for _, key := range strings.Split(keysStr, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out = append(out, FieldError{
			Field:       key,
			Message:     "field is not recognized in the configuration schema",
			Suggestions: similarFields(key, validFields, 2),
		})
	}
	if len(out) == 0 {
		out = append(out, FieldError{Field: "unknown", Message: errMsg})
	}
	return out
}

func validFieldNames(t reflect.Type) []string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	var fields []string
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("yaml")
		if tag == "" || tag == "-" {
			continue
		}
		name := strings.Split(tag, ",")[0]
		fields = append(fields, name)

		ft := t.Field(i).Type
		if ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}
		if ft.Kind() == reflect.Struct {
			for _, nf := range validFieldNames(ft) {
				fields = append(fields, name+"."+nf)
			}
		}
	}
	return fields
}

func similarFields(typo string, validFields []string, maxDistance int) []string {
	type scored struct {
		field    string
		distance int
	}
	var candidates []scored
	typoLower := strings.ToLower(typo)
	for _, vf := range validFields {
		d := levenshtein(typoLower, strings.ToLower(vf))
		if d <= maxDistance {
			candidates = append(candidates, scored{vf, d})
		}
	}
	for i := 0; i < len(candidates) && i < 3; i++ {
		min := i
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].distance < candidates[min].distance {
				min = j
			}
		}
		candidates[i], candidates[min] = candidates[min], candidates[i]
	}
	var out []string
	for i := 0; i < len(candidates) && i < 3; i++ {
		out = append(out, candidates[i].field)
	}
	return out
}

func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	matrix := make([][]int, len(a)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(b)+1)
		matrix[i][0] = i
	}
	for j := range matrix[0] {
		matrix[0][j] = j
	}
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			del := matrix[i-1][j] + 1
			ins := matrix[i][j-1] + 1
			sub := matrix[i-1][j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			matrix[i][j] = m
		}
	}
	return matrix[len(a)][len(b)]
}
