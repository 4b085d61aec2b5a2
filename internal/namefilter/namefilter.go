// Package namefilter cleans player display names before they are stored and
// shown on the leaderboard.
package namefilter

import (
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// DefaultMaxLength is the display name limit in runes when the config sets none.
const DefaultMaxLength = 32

// Config holds the name filter configuration
type Config struct {
	Enabled     bool     `yaml:"enabled"`
	MaxLength   int      `yaml:"max_length"`
	BannedWords []string `yaml:"banned_words"`
	BannedNames []string `yaml:"banned_names"`
}

// Result contains the outcome of checking a name
type Result struct {
	Allowed bool   // Whether the name is allowed
	Reason  string // Reason for rejection (if not allowed)
}

// NameFilter cleans names and rejects impersonation attempts. A nil
// *NameFilter still cleans names but bans nothing.
type NameFilter struct {
	enabled     bool
	maxLength   int
	bannedWords []string // Lowercase banned words (partial match)
	bannedNames []string // Lowercase banned names (exact match)
}

// New creates a new NameFilter from a Config
func New(cfg *Config) *NameFilter {
	if cfg == nil {
		return &NameFilter{maxLength: DefaultMaxLength}
	}

	nf := &NameFilter{
		enabled:     cfg.Enabled,
		maxLength:   cfg.MaxLength,
		bannedWords: make([]string, 0, len(cfg.BannedWords)),
		bannedNames: make([]string, 0, len(cfg.BannedNames)),
	}
	if nf.maxLength <= 0 {
		nf.maxLength = DefaultMaxLength
	}

	for _, word := range cfg.BannedWords {
		if w := strings.ToLower(strings.TrimSpace(word)); w != "" {
			nf.bannedWords = append(nf.bannedWords, w)
		}
	}
	for _, name := range cfg.BannedNames {
		if n := strings.ToLower(strings.TrimSpace(name)); n != "" {
			nf.bannedNames = append(nf.bannedNames, n)
		}
	}

	return nf
}

// LoadConfig loads name filter configuration from a YAML file
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Check validates a cleaned name against the banned lists.
func (nf *NameFilter) Check(name string) Result {
	if nf == nil || !nf.enabled {
		return Result{Allowed: true}
	}

	nameLower := strings.ToLower(name)

	for _, banned := range nf.bannedNames {
		if nameLower == banned {
			return Result{Allowed: false, Reason: "That name is not allowed."}
		}
	}

	for _, word := range nf.bannedWords {
		if strings.Contains(nameLower, word) {
			return Result{Allowed: false, Reason: "That name contains a word that is not allowed."}
		}
	}

	return Result{Allowed: true}
}

// Clean drops control and invisible format characters, collapses runs of
// whitespace and truncates to the maximum length.
func (nf *NameFilter) Clean(name string) string {
	maxLength := DefaultMaxLength
	if nf != nil {
		maxLength = nf.maxLength
	}

	var b strings.Builder
	n := 0
	space := false
	for _, r := range strings.TrimSpace(name) {
		if n >= maxLength {
			break
		}
		switch {
		case unicode.IsSpace(r):
			space = true
			continue
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			continue
		}
		if space && n > 0 {
			b.WriteRune(' ')
			n++
			if n >= maxLength {
				break
			}
		}
		space = false
		b.WriteRune(r)
		n++
	}
	return strings.TrimSpace(b.String())
}

// Sanitize returns the cleaned name, or "" when nothing usable is left or
// the name is banned.
func (nf *NameFilter) Sanitize(name string) string {
	clean := nf.Clean(name)
	if clean == "" || !nf.Check(clean).Allowed {
		return ""
	}
	return clean
}

// IsEnabled returns whether the banned lists are enforced
func (nf *NameFilter) IsEnabled() bool {
	return nf != nil && nf.enabled
}
