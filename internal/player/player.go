// Package player holds the player profile and the ledger that owns its
// progression counters during a session.
package player

import (
	"errors"
	"fmt"

	"github.com/lawnchairsociety/tokenrealms/server/internal/leveling"
)

// Profile limits.
const (
	MaxHealth       = 100
	ReviveHealth    = 50
	DefaultUsername = "Anonymous Player"
)

// ErrInsufficientTokens is returned when a debit exceeds the token balance.
var ErrInsufficientTokens = errors.New("insufficient tokens")

// ErrInvalidProfile is returned when a profile breaks a profile invariant.
var ErrInvalidProfile = errors.New("invalid profile")

// Profile is a player's progression state.
type Profile struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	Tokens     int    `json:"tokens"`
	Level      int    `json:"level"`
	Experience int    `json:"experience"`
	Health     int    `json:"health"`
	Stats      Stats  `json:"stats"`
}

// NewProfile returns the default profile for a player that has never been
// saved.
func NewProfile(id, username string) Profile {
	if username == "" {
		username = DefaultUsername
	}
	return Profile{
		ID:       id,
		Username: username,
		Level:    1,
		Health:   MaxHealth,
	}
}

// Validate checks the standalone invariants of a profile.
func (p *Profile) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidProfile)
	case p.Tokens < 0:
		return fmt.Errorf("%w: tokens %d below zero", ErrInvalidProfile, p.Tokens)
	case p.Level < 1:
		return fmt.Errorf("%w: level %d below 1", ErrInvalidProfile, p.Level)
	case p.Experience < 0:
		return fmt.Errorf("%w: experience %d below zero", ErrInvalidProfile, p.Experience)
	case p.Health < 0 || p.Health > MaxHealth:
		return fmt.Errorf("%w: health %d outside 0-%d", ErrInvalidProfile, p.Health, MaxHealth)
	}
	return p.Stats.validate()
}

// ValidateSuccessor checks that next is a legal successor of p: same player,
// level and counters never moving backwards.
func (p *Profile) ValidateSuccessor(next *Profile) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if next.ID != p.ID {
		return fmt.Errorf("%w: id changed from %q to %q", ErrInvalidProfile, p.ID, next.ID)
	}
	if next.Level < p.Level {
		return fmt.Errorf("%w: level decreased from %d to %d", ErrInvalidProfile, p.Level, next.Level)
	}
	return p.Stats.validateSuccessor(next.Stats)
}

// Spend debits tokens, failing without change when the balance is short.
func (p *Profile) Spend(cost int) error {
	if cost < 0 {
		return fmt.Errorf("negative cost %d", cost)
	}
	if p.Tokens < cost {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientTokens, cost, p.Tokens)
	}
	p.Tokens -= cost
	return nil
}

// Heal restores health up to MaxHealth and returns the amount restored.
func (p *Profile) Heal(amount int) int {
	if amount <= 0 {
		return 0
	}
	old := p.Health
	p.Health += amount
	if p.Health > MaxHealth {
		p.Health = MaxHealth
	}
	return p.Health - old
}

// TakeDamage reduces health, flooring at zero, and returns the damage applied.
func (p *Profile) TakeDamage(damage int) int {
	if damage <= 0 {
		return 0
	}
	if damage > p.Health {
		damage = p.Health
	}
	p.Health -= damage
	return damage
}

// IsKnockedOut reports whether the player has no health left.
func (p *Profile) IsKnockedOut() bool {
	return p.Health <= 0
}

// ApplyVictory credits battle rewards, bumps battlesWon and totalTokens and
// runs the level-up rule.
func (p *Profile) ApplyVictory(tokens, experience int) leveling.LevelUpInfo {
	if tokens < 0 {
		tokens = 0
	}
	if experience < 0 {
		experience = 0
	}
	p.Tokens += tokens
	p.Experience += experience
	p.Stats.BattlesWon++
	p.Stats.TotalTokens += tokens

	info := leveling.Apply(p.Level, p.Experience)
	p.Level = info.NewLevel
	return info
}

// ApplyDefeat revives a knocked-out player at ReviveHealth. There is no
// token penalty.
func (p *Profile) ApplyDefeat() {
	p.Health = ReviveHealth
}

// ApplyRegionEntry counts one more region explored.
func (p *Profile) ApplyRegionEntry() {
	p.Stats.RegionsExplored++
}

// Normalize clamps a profile read from outside (store rows, client uploads)
// into the valid ranges.
func (p *Profile) Normalize() {
	if p.Username == "" {
		p.Username = DefaultUsername
	}
	if p.Tokens < 0 {
		p.Tokens = 0
	}
	if p.Level < 1 {
		p.Level = 1
	}
	if p.Experience < 0 {
		p.Experience = 0
	}
	if p.Health < 0 {
		p.Health = 0
	}
	if p.Health > MaxHealth {
		p.Health = MaxHealth
	}
	if p.Stats.BattlesWon < 0 {
		p.Stats.BattlesWon = 0
	}
	if p.Stats.RegionsExplored < 0 {
		p.Stats.RegionsExplored = 0
	}
	if p.Stats.TotalTokens < 0 {
		p.Stats.TotalTokens = 0
	}
}
