// Package blockfile reads and writes block definition files. YAML is written;
// JSON definitions read fine since JSON is valid YAML.
package blockfile

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/haukened/selfblock/internal/block/domain"
	"github.com/haukened/selfblock/internal/block/infra/fsutil"
)

// Decode reads one definition from r. Unknown fields are rejected.
func Decode(r io.Reader) (domain.BlockDefinition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var def domain.BlockDefinition
	if err := dec.Decode(&def); err != nil {
		if err == io.EOF {
			return domain.BlockDefinition{}, nil
		}
		return domain.BlockDefinition{}, fmt.Errorf("decode block file: %w", err)
	}
	if def.Blocklist == nil {
		def.Blocklist = []string{}
	}
	return def, nil
}

// Encode renders def as YAML.
func Encode(def domain.BlockDefinition) ([]byte, error) {
	if def.Blocklist == nil {
		def.Blocklist = []string{}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(def); err != nil {
		return nil, fmt.Errorf("encode block file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Read loads the definition at path.
func Read(path string) (domain.BlockDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.BlockDefinition{}, err
	}
	defer f.Close()
	return Decode(f)
}

// Write stores def at path atomically.
func Write(path string, def domain.BlockDefinition) error {
	raw, err := Encode(def)
	if err != nil {
		return err
	}
	return fsutil.AtomicWrite(path, raw, 0o644)
}
