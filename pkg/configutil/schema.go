package configutil

import (
	"sort"
	"strings"
)

// Schema lists the keys a provider's settings block may carry.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports every problem in a settings block at once.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings checks input against schema. Keys match regardless of case,
// underscores and hyphens; a required key holding an empty value counts as missing.
// The returned error is a *SettingsError.
func ValidateSettings(input map[string]any, schema Schema) error {
	allowed := make(map[string]bool, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		allowed[canonicalKey(k)] = false
	}
	for _, k := range schema.Required {
		allowed[canonicalKey(k)] = true
	}

	present := make(map[string]bool, len(input))
	var serr SettingsError
	for k, v := range input {
		nk := canonicalKey(k)
		required, known := allowed[nk]
		if !known && !schema.AllowUnknown {
			serr.Unknown = append(serr.Unknown, k)
		}
		present[nk] = !required || !isEmptyValue(v)
	}
	for _, k := range schema.Required {
		if !present[canonicalKey(k)] {
			serr.Missing = append(serr.Missing, k)
		}
	}

	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	sort.Strings(serr.Unknown)
	return &serr
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}
