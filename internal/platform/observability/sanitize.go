package observability

import (
	"strings"
	"unicode"

	"cloud.google.com/go/civil"
)

// cleanField drops control characters, line breaks included, and truncates to limit runes.
func cleanField(value string, limit int) string {
	var b strings.Builder
	n := 0
	for _, r := range strings.TrimSpace(value) {
		if unicode.IsControl(r) {
			continue
		}
		if n == limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// MaskEmail keeps the first rune of the local part and the whole domain: "a***@example.com".
// Values without an @ are fully masked.
func MaskEmail(email string) string {
	email = cleanField(email, 254)
	if email == "" {
		return ""
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	first := []rune(email[:at])[0]
	return string(first) + "***" + strings.ToLower(email[at:])
}

// orderDateField returns the ?date= parameter when it is a valid calendar date.
func orderDateField(raw string) string {
	d, err := civil.ParseDate(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return d.String()
}
