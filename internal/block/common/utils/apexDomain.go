package utils

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// GetApexDomain returns the registrable domain (eTLD+1) for name, or the
// canonical name itself when it has no registrable part (e.g. "localhost").
func GetApexDomain(name string) string {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
	apexDomain, err := publicsuffix.EffectiveTLDPlusOne(name)
	if err != nil {
		return name
	}
	return apexDomain
}

// ApexLabel returns the leftmost label of the apex domain, e.g. "google" for
// "mail.google.co.uk". Used to recognise service families across country TLDs.
func ApexLabel(name string) string {
	apex := GetApexDomain(name)
	if i := strings.IndexByte(apex, '.'); i > 0 {
		return apex[:i]
	}
	return apex
}
