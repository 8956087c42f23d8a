package domain

import (
	"encoding/json"
	"time"
)

// SettingsV1 is the legacy per-user defaults format. Blocks were recorded as a
// start date plus a duration in minutes rather than an end date.
type SettingsV1 struct {
	HostBlacklist            []string  `json:"HostBlacklist"`
	BlockAsWhitelist         bool      `json:"BlockAsWhitelist"`
	BlockStartedDate         time.Time `json:"BlockStartedDate"`
	BlockDuration            int       `json:"BlockDuration"`
	AllowLocalNetworks       bool      `json:"AllowLocalNetworks"`
	EvaluateCommonSubdomains bool      `json:"EvaluateCommonSubdomains"`
	IncludeLinkedDomains     bool      `json:"IncludeLinkedDomains"`
	ClearCaches              bool      `json:"ClearCaches"`
}

// Started reports whether the legacy document records a started block.
func (v SettingsV1) Started() bool {
	return !v.BlockStartedDate.IsZero() && v.BlockDuration > 0
}

// EndDate is the legacy start date plus duration.
func (v SettingsV1) EndDate() time.Time {
	return v.BlockStartedDate.Add(time.Duration(v.BlockDuration) * time.Minute)
}

// Document is a decoded settings document of either schema. Exactly one of
// V1 and V2 is set.
type Document struct {
	V1 *SettingsV1
	V2 *Settings
}

// Version returns the schema version of the decoded document.
func (d Document) Version() int {
	if d.V2 != nil {
		return d.V2.Version
	}
	return 1
}

// DecodeDocument decodes raw bytes, choosing the schema from the "version" field.
// A missing or zero version is a V1 document. Versions newer than this build
// understands are reported as corrupt so they are never half-interpreted.
func DecodeDocument(raw []byte) (Document, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Document{}, ErrCorruptSettings.WithMessagef("decode: %v", err)
	}
	switch {
	case probe.Version <= 1:
		var v1 SettingsV1
		if err := json.Unmarshal(raw, &v1); err != nil {
			return Document{}, ErrCorruptSettings.WithMessagef("decode v1: %v", err)
		}
		return Document{V1: &v1}, nil
	case probe.Version == CurrentSettingsVersion:
		s := DefaultSettings()
		if err := json.Unmarshal(raw, &s); err != nil {
			return Document{}, ErrCorruptSettings.WithMessagef("decode v2: %v", err)
		}
		if s.Blocklist == nil {
			s.Blocklist = []string{}
		}
		return Document{V2: &s}, nil
	default:
		return Document{}, ErrCorruptSettings.WithMessagef("unknown schema version %d", probe.Version)
	}
}

// EncodeSettings renders s as a version 2 document.
func EncodeSettings(s Settings) ([]byte, error) {
	s.Version = CurrentSettingsVersion
	if s.Blocklist == nil {
		s.Blocklist = []string{}
	}
	return json.MarshalIndent(s, "", "  ")
}
