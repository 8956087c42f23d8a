package utils

import (
	"strings"

	"golang.org/x/net/idna"
)

// CanonicalHostname returns a hostname in canonical form:
// - Trimmed of surrounding whitespace
// - Lowercased
// - No trailing dot
// - Internationalised names converted to their ASCII (punycode) form
//
// It returns an error when the name can not be represented as a valid lookup name.
func CanonicalHostname(name string) (string, error) {
	name = strings.TrimSpace(name)
	name = strings.ToLower(name)
	for strings.HasSuffix(name, ".") {
		name = strings.TrimSuffix(name, ".")
	}
	if name == "" {
		return "", nil
	}
	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", err
	}
	return ascii, nil
}
