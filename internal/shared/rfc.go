package shared

import (
	"regexp"
	"strings"
)

// Moral persons carry a 3-letter prefix, physical persons 4. Generic RFCs
// (XAXX010101000, XEXX010101000) match the physical pattern.
var rfcPattern = regexp.MustCompile(`^[A-ZÑ&]{3,4}[0-9]{6}[A-Z0-9]{3}$`)

// NormalizeRFC upper-cases and trims an RFC.
func NormalizeRFC(rfc string) string {
	return strings.ToUpper(strings.TrimSpace(rfc))
}

// ValidRFC reports whether rfc is syntactically valid after normalisation.
func ValidRFC(rfc string) bool {
	return rfcPattern.MatchString(NormalizeRFC(rfc))
}
