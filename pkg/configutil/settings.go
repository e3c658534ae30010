package configutil

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// DecodeSettings fills out from a provider's free-form settings map. Keys
// match struct tags ignoring case, dashes and underscores, and scalar
// strings such as "false" or "12" are coerced to the field type.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		MatchName:        sameKey,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

func sameKey(a, b string) bool {
	return canonicalKey(a) == canonicalKey(b)
}

func canonicalKey(key string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || r == '-' {
			return -1
		}
		return r
	}, strings.ToLower(key))
}

// RequireString reports path as missing when value is blank.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) != "" {
		return nil
	}
	return &SettingsError{Missing: []string{path}}
}

// Or dereferences an optional setting, returning fallback when it was not set.
func Or[T any](value *T, fallback T) T {
	if value == nil {
		return fallback
	}
	return *value
}

// IntInRange checks lo <= value <= hi.
func IntInRange(value, lo, hi int, path string) error {
	if value < lo || value > hi {
		return fmt.Errorf("%s must be between %d and %d, got %d", path, lo, hi, value)
	}
	return nil
}

// DurationMS converts a millisecond setting, using fallback when ms is not positive.
func DurationMS(ms int, fallback time.Duration) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
