// Package redact masks caller PII before it reaches logs.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

// SetEnabled toggles PII redaction process-wide.
func SetEnabled(v bool) { enabled.Store(v) }

func Enabled() bool { return enabled.Load() }

type rule struct {
	re          *regexp.Regexp
	placeholder string
	// match, when set, must accept a candidate before it is replaced.
	match func(string) bool
}

// Rules run in order; cards go before phones so a spoken card number is
// not reported as a phone number.
var rules = []rule{
	{re: regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), placeholder: "[REDACTED_EMAIL]"},
	{re: regexp.MustCompile(`\b\d(?:[ \-]?\d){12,18}\b`), placeholder: "[REDACTED_CARD]", match: luhnValid},
	{re: regexp.MustCompile(`\+?\d[\d\s\-]{7,}\d`), placeholder: "[REDACTED_PHONE]"},
}

// Text masks emails, card numbers and phone numbers in transcript text.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := in
	for _, r := range rules {
		if r.match == nil {
			out = r.re.ReplaceAllString(out, r.placeholder)
			continue
		}
		out = r.re.ReplaceAllStringFunc(out, func(candidate string) string {
			if r.match(candidate) {
				return r.placeholder
			}
			return candidate
		})
	}
	return out
}

// Phone keeps the last four digits of a number and stars the rest.
func Phone(number string) string {
	if !enabled.Load() {
		return number
	}
	total := 0
	for _, c := range number {
		if isDigit(c) {
			total++
		}
	}
	if total <= 4 {
		return number
	}
	hide := total - 4
	var b strings.Builder
	b.Grow(len(number))
	for _, c := range number {
		if isDigit(c) && hide > 0 {
			b.WriteByte('*')
			hide--
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func luhnValid(s string) bool {
	sum, n := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		c := rune(s[i])
		if !isDigit(c) {
			continue
		}
		d := int(c - '0')
		if n%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
	}
	return n >= 13 && sum%10 == 0
}

func isDigit(c rune) bool { return c >= '0' && c <= '9' }
