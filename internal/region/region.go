// Package region defines the static catalog of explorable regions.
package region

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrRegionNotFound is returned when a region key is not in the catalog.
var ErrRegionNotFound = errors.New("region not found")

// Region is an immutable region descriptor.
type Region struct {
	Key         string   `yaml:"-" json:"key"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Enemies     []string `yaml:"enemies" json:"enemies"`
	Difficulty  int      `yaml:"difficulty" json:"difficulty"`
	MinLevel    int      `yaml:"min_level" json:"minLevel"`
}

// Catalog is a read-only set of regions keyed by region key.
// It is built once at startup and never mutated afterwards.
type Catalog struct {
	regions map[string]*Region
	ordered []*Region
}

// regionsFile is the structure of the regions YAML file.
type regionsFile struct {
	Regions map[string]*Region `yaml:"regions"`
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New([]Region{
		{
			Key:         "frostbyteVault",
			Name:        "Frostbyte Vault",
			Description: "Home to HODL Yetis who freeze players mid-battle",
			Enemies:     []string{"HODL Yeti", "Ice Goblin", "Frozen Trader"},
			Difficulty:  1,
			MinLevel:    1,
		},
		{
			Key:         "fomoForest",
			Name:        "FOMO Forest",
			Description: "Trees whisper fake rumors about legendary loot ahead",
			Enemies:     []string{"Shill Spirit", "FUD Phantom", "FOMO Fox"},
			Difficulty:  2,
			MinLevel:    2,
		},
		{
			Key:         "pumpDumpCaverns",
			Name:        "Pump & Dump Caverns",
			Description: "Run by Shill Goblins who inflate prices",
			Enemies:     []string{"Shill Goblin", "Pump Knight", "Dump Dragon"},
			Difficulty:  3,
			MinLevel:    3,
		},
	})
	if err != nil {
		panic(err)
	}
	return c
}

// New builds a catalog from the given regions, validating each one.
func New(regions []Region) (*Catalog, error) {
	if len(regions) == 0 {
		return nil, errors.New("region catalog is empty")
	}

	c := &Catalog{regions: make(map[string]*Region, len(regions))}
	for i := range regions {
		r := regions[i]
		if err := r.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.regions[r.Key]; dup {
			return nil, fmt.Errorf("duplicate region key %q", r.Key)
		}
		r.Enemies = append([]string(nil), r.Enemies...)
		c.regions[r.Key] = &r
		c.ordered = append(c.ordered, &r)
	}

	sort.Slice(c.ordered, func(i, j int) bool {
		if c.ordered[i].Difficulty != c.ordered[j].Difficulty {
			return c.ordered[i].Difficulty < c.ordered[j].Difficulty
		}
		return c.ordered[i].Key < c.ordered[j].Key
	})

	return c, nil
}

// LoadFromYAML loads a catalog from a YAML file with a top-level regions map.
func LoadFromYAML(filename string) (*Catalog, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read regions file: %w", err)
	}

	var file regionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse regions YAML: %w", err)
	}

	regions := make([]Region, 0, len(file.Regions))
	for key, def := range file.Regions {
		if def == nil {
			return nil, fmt.Errorf("region %q has no definition", key)
		}
		r := *def
		r.Key = key
		regions = append(regions, r)
	}

	return New(regions)
}

func (r *Region) validate() error {
	if strings.TrimSpace(r.Key) == "" {
		return errors.New("region key is required")
	}
	if len(r.Enemies) == 0 {
		return fmt.Errorf("region %q has an empty enemy pool", r.Key)
	}
	if r.Difficulty < 1 {
		return fmt.Errorf("region %q difficulty must be at least 1", r.Key)
	}
	if r.MinLevel < 1 {
		return fmt.Errorf("region %q min_level must be at least 1", r.Key)
	}
	if r.Name == "" {
		r.Name = r.Key
	}
	return nil
}

// Get returns the region for key.
func (c *Catalog) Get(key string) (*Region, error) {
	r, ok := c.regions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRegionNotFound, key)
	}
	return r, nil
}

// CanEnter reports whether a player at the given level may enter the region.
// Unknown regions are never enterable.
func (c *Catalog) CanEnter(level int, key string) bool {
	r, ok := c.regions[key]
	if !ok {
		return false
	}
	return level >= r.MinLevel
}

// All returns every region ordered by difficulty, then key.
func (c *Catalog) All() []*Region {
	out := make([]*Region, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Count returns the number of regions in the catalog.
func (c *Catalog) Count() int {
	return len(c.regions)
}
