// Package enemy generates the per-encounter enemy instances a region throws
// at the player.
package enemy

import (
	"fmt"

	"github.com/lawnchairsociety/tokenrealms/server/internal/dice"
	"github.com/lawnchairsociety/tokenrealms/server/internal/region"
)

// Base stat rolls before difficulty scaling.
const (
	HealthPerDifficulty = 100
	MinAttack           = 10
	MaxAttack           = 29
	MinDefense          = 5
	MaxDefense          = 19
)

// Enemy is an enemy instance created for one combat session.
type Enemy struct {
	Type      string `json:"type"`
	Attack    int    `json:"attack"`
	Defense   int    `json:"defense"`
	Health    int    `json:"health"`
	MaxHealth int    `json:"maxHealth"`
}

// Generate rolls a new enemy scaled to the region's difficulty.
// The enemy type is drawn uniformly from the region's enemy pool.
func Generate(r *region.Region, src dice.Source) *Enemy {
	idx := dice.Pick(src, len(r.Enemies))
	name := "Unknown Foe"
	if idx >= 0 {
		name = r.Enemies[idx]
	}

	health := HealthPerDifficulty * r.Difficulty
	return &Enemy{
		Type:      name,
		Attack:    dice.RandInt(src, MinAttack, MaxAttack) * r.Difficulty,
		Defense:   dice.RandInt(src, MinDefense, MaxDefense) * r.Difficulty,
		Health:    health,
		MaxHealth: health,
	}
}

// TakeDamage reduces health by damage, flooring at zero, and returns the
// damage actually applied.
func (e *Enemy) TakeDamage(damage int) int {
	if damage < 0 {
		damage = 0
	}
	if damage > e.Health {
		damage = e.Health
	}
	e.Health -= damage
	return damage
}

// IsDefeated reports whether the enemy has no health left.
func (e *Enemy) IsDefeated() bool {
	return e.Health <= 0
}

// Clone returns an independent copy, or nil for a nil enemy.
func (e *Enemy) Clone() *Enemy {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

func (e *Enemy) String() string {
	return fmt.Sprintf("%s (%d/%d HP)", e.Type, e.Health, e.MaxHealth)
}
