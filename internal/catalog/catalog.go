// Package catalog loads the reference list of items approved for
// self-service purchase. The file is versioned and validated once at load.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const SchemaVersion = 1

var ErrInvalidCatalog = errors.New("invalid catalog")

//go:embed default_catalog.yaml
var defaultCatalog []byte

type Entry struct {
	CanonicalName string `yaml:"canonical_name" json:"canonical_name"`
	Category      string `yaml:"category" json:"category"`
}

type Catalog struct {
	Version int     `yaml:"version" json:"version"`
	Entries []Entry `yaml:"entries" json:"entries"`
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog file; an empty path yields the built-in catalog.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s failed: %w", path, err)
	}
	c, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

func Parse(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) Validate() error {
	if c.Version != SchemaVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrInvalidCatalog, c.Version, SchemaVersion)
	}
	if len(c.Entries) == 0 {
		return fmt.Errorf("%w: no entries", ErrInvalidCatalog)
	}
	seen := make(map[string]int, len(c.Entries))
	for i, e := range c.Entries {
		name := strings.TrimSpace(e.CanonicalName)
		if name == "" {
			return fmt.Errorf("%w: entry %d has empty canonical_name", ErrInvalidCatalog, i)
		}
		key := strings.ToLower(name)
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("%w: entry %d duplicates entry %d (%q)", ErrInvalidCatalog, i, prev, name)
		}
		seen[key] = i
	}
	return nil
}
