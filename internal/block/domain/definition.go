package domain

// BlockDefinition is the import/export format for a named blocklist. It is a
// convenience for moving lists around and never drives enforcement.
type BlockDefinition struct {
	Blocklist []string `yaml:"blocklist" json:"blocklist"`
	Allowlist bool     `yaml:"allowlist" json:"allowlist"`
}

// Entries parses the definition's blocklist.
func (d BlockDefinition) Entries() ([]BlockEntry, []string) {
	return CleanEntries(d.Blocklist)
}
