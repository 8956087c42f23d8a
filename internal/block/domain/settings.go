package domain

import (
	"slices"
	"time"
)

// CurrentSettingsVersion is the schema version written by this build.
const CurrentSettingsVersion = 2

// Settings keys accepted by Value lookups.
const (
	KeyBlocklist               = "blocklist"
	KeyBlockIsAllowlist        = "blockIsAllowlist"
	KeyBlockEndDate            = "blockEndDate"
	KeyBlockIsRunning          = "blockIsRunning"
	KeyControllingUID          = "controllingUID"
	KeyAllowLocalNetworks      = "allowLocalNetworks"
	KeyIncludeCommonSubdomains = "includeCommonSubdomains"
	KeyIncludeLinkedDomains    = "includeLinkedDomains"
	KeyClearCachesOnBlock      = "clearCachesOnBlock"
	KeyLegacyMigrationComplete = "legacyMigrationComplete"
	KeyLastModified            = "lastModified"
	KeyVersion                 = "version"
)

// Settings is the current (version 2) per-user settings document.
//
// BlockIsRunning is written only by the daemon. When it is true BlockEndDate is
// set and enforcement is installed, or will be on the next checkup.
type Settings struct {
	Version                 int        `json:"version"`
	Blocklist               []string   `json:"blocklist"`
	BlockIsAllowlist        bool       `json:"blockIsAllowlist"`
	BlockEndDate            *time.Time `json:"blockEndDate,omitempty"`
	BlockIsRunning          bool       `json:"blockIsRunning"`
	ControllingUID          uint32     `json:"controllingUID"`
	AllowLocalNetworks      bool       `json:"allowLocalNetworks"`
	IncludeCommonSubdomains bool       `json:"includeCommonSubdomains"`
	IncludeLinkedDomains    bool       `json:"includeLinkedDomains"`
	ClearCachesOnBlock      bool       `json:"clearCachesOnBlock"`
	LegacyMigrationComplete bool       `json:"legacyMigrationComplete"`
	LastModified            time.Time  `json:"lastModified"`
}

// DefaultSettings returns the settings of a user who never started a block.
func DefaultSettings() Settings {
	return Settings{
		Version:                 CurrentSettingsVersion,
		Blocklist:               []string{},
		AllowLocalNetworks:      true,
		IncludeCommonSubdomains: true,
		IncludeLinkedDomains:    true,
	}
}

// ResetBlock clears the running block while keeping option flags, the list
// and the migration marker, so they survive into the next block.
func (s *Settings) ResetBlock() {
	s.BlockIsRunning = false
	s.BlockEndDate = nil
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	c := s
	c.Blocklist = slices.Clone(s.Blocklist)
	if s.BlockEndDate != nil {
		t := *s.BlockEndDate
		c.BlockEndDate = &t
	}
	return c
}

// EndDate returns the block end date, or the zero time when absent.
func (s Settings) EndDate() time.Time {
	if s.BlockEndDate == nil {
		return time.Time{}
	}
	return *s.BlockEndDate
}

// Expired reports whether the running block has reached its end date.
// A running block without an end date counts as expired.
func (s Settings) Expired(now time.Time) bool {
	if !s.BlockIsRunning {
		return false
	}
	if s.BlockEndDate == nil {
		return true
	}
	return !now.Before(*s.BlockEndDate)
}

// Options returns the option flags recorded for the block.
func (s Settings) Options() BlockOptions {
	return BlockOptions{
		AllowLocal:              s.AllowLocalNetworks,
		IncludeCommonSubdomains: s.IncludeCommonSubdomains,
		IncludeLinkedDomains:    s.IncludeLinkedDomains,
		ClearCaches:             s.ClearCachesOnBlock,
	}
}

// SetOptions records o on the document.
func (s *Settings) SetOptions(o BlockOptions) {
	s.AllowLocalNetworks = o.AllowLocal
	s.IncludeCommonSubdomains = o.IncludeCommonSubdomains
	s.IncludeLinkedDomains = o.IncludeLinkedDomains
	s.ClearCachesOnBlock = o.ClearCaches
}

// Value returns the field stored under key.
func (s Settings) Value(key string) (any, bool) {
	switch key {
	case KeyBlocklist:
		return slices.Clone(s.Blocklist), true
	case KeyBlockIsAllowlist:
		return s.BlockIsAllowlist, true
	case KeyBlockEndDate:
		if s.BlockEndDate == nil {
			return nil, true
		}
		return *s.BlockEndDate, true
	case KeyBlockIsRunning:
		return s.BlockIsRunning, true
	case KeyControllingUID:
		return s.ControllingUID, true
	case KeyAllowLocalNetworks:
		return s.AllowLocalNetworks, true
	case KeyIncludeCommonSubdomains:
		return s.IncludeCommonSubdomains, true
	case KeyIncludeLinkedDomains:
		return s.IncludeLinkedDomains, true
	case KeyClearCachesOnBlock:
		return s.ClearCachesOnBlock, true
	case KeyLegacyMigrationComplete:
		return s.LegacyMigrationComplete, true
	case KeyLastModified:
		return s.LastModified, true
	case KeyVersion:
		return s.Version, true
	}
	return nil, false
}

// BlockOptions are the per-block expansion and cleanup flags.
type BlockOptions struct {
	AllowLocal              bool `json:"allowLocal"`
	IncludeCommonSubdomains bool `json:"includeCommonSubdomains"`
	IncludeLinkedDomains    bool `json:"includeLinkedDomains"`
	ClearCaches             bool `json:"clearCaches"`
}
