package utils

import "testing"

func TestGetApexDomain(t *testing.T) {
	tests := map[string]string{
		"www.example.com":      "example.com",
		"example.com":          "example.com",
		"a.b.c.example.co.uk":  "example.co.uk",
		"Mail.Google.com.":     "google.com",
		"localhost":            "localhost",
		"com":                  "com",
	}
	for in, want := range tests {
		if got := GetApexDomain(in); got != want {
			t.Errorf("GetApexDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestApexLabel(t *testing.T) {
	tests := map[string]string{
		"mail.google.co.uk": "google",
		"www.youtube.com":   "youtube",
		"localhost":         "localhost",
	}
	for in, want := range tests {
		if got := ApexLabel(in); got != want {
			t.Errorf("ApexLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
