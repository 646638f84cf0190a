package identity

import "strings"

// NormalizeE164 ensures the value begins with + and only contains digits afterward.
// Returns "" when nothing usable remains.
func NormalizeE164(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 10 || len(digits) > 15 {
		return ""
	}
	// Bare 10-digit NANP numbers arrive without a country code.
	if len(digits) == 10 {
		digits = "1" + digits
	}
	return "+" + digits
}
