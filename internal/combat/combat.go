// Package combat implements the region/encounter/combat state machine for a
// single player.
package combat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lawnchairsociety/tokenrealms/server/internal/dice"
	"github.com/lawnchairsociety/tokenrealms/server/internal/enemy"
	"github.com/lawnchairsociety/tokenrealms/server/internal/leveling"
	"github.com/lawnchairsociety/tokenrealms/server/internal/player"
	"github.com/lawnchairsociety/tokenrealms/server/internal/region"
)

// Balance constants.
const (
	DefaultEncounterChance = 0.6

	MinAttackDamage = 10
	MaxAttackDamage = 29

	DefendCost       = 10
	DefendHeal       = 20
	DefendMitigation = 10

	SpecialCost      = 20
	MinSpecialDamage = 20
	MaxSpecialDamage = 59

	MinTokenReward      = 20
	MaxTokenReward      = 49
	MinExperienceReward = 10
	MaxExperienceReward = 29
)

var (
	// ErrInvalidAction is returned for an unknown action name.
	ErrInvalidAction = errors.New("invalid action")

	// ErrInvalidState is returned when an operation is not allowed in the
	// current phase, e.g. acting while exploring.
	ErrInvalidState = errors.New("invalid state")

	// ErrInsufficientResources is returned when an action's token cost is not met.
	ErrInsufficientResources = errors.New("insufficient resources")

	// ErrRegionLocked is returned when the player's level is below the
	// region's minimum.
	ErrRegionLocked = errors.New("region locked")
)

// Action is a combat action.
type Action string

const (
	ActionAttack  Action = "attack"
	ActionDefend  Action = "defend"
	ActionSpecial Action = "special"
)

// ParseAction parses an action name, case-insensitive.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionAttack, ActionDefend, ActionSpecial:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
}

// Cost returns the token cost of the action.
func (a Action) Cost() int {
	switch a {
	case ActionDefend:
		return DefendCost
	case ActionSpecial:
		return SpecialCost
	default:
		return 0
	}
}

// Status is the status of a combat session.
type Status string

const (
	StatusActive  Status = "active"
	StatusVictory Status = "victory"
	StatusDefeat  Status = "defeat"
)

// Phase is the engine's top-level state.
type Phase string

const (
	PhaseExploring Phase = "exploring"
	PhaseInCombat  Phase = "in_combat"
)

// Session is an active fight against one enemy.
type Session struct {
	Region *region.Region
	Enemy  *enemy.Enemy
	Status Status
}

// Option configures an Engine.
type Option func(*Engine)

// WithEncounterChance overrides the probability that entering a region
// starts a fight.
func WithEncounterChance(p float64) Option {
	return func(e *Engine) {
		e.encounterChance = p
	}
}

// Engine drives one player's exploration and combat. It is not safe for
// concurrent use; callers serialize access per player.
type Engine struct {
	catalog         *region.Catalog
	ledger          *player.Ledger
	src             dice.Source
	encounterChance float64

	region  *region.Region
	session *Session
}

// NewEngine creates an engine in the exploring phase with no current region.
func NewEngine(catalog *region.Catalog, ledger *player.Ledger, src dice.Source, opts ...Option) *Engine {
	e := &Engine{
		catalog:         catalog,
		ledger:          ledger,
		src:             src,
		encounterChance: DefaultEncounterChance,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ledger returns the ledger the engine mutates.
func (e *Engine) Ledger() *player.Ledger {
	return e.ledger
}

// EntryResult describes a successful region entry.
type EntryResult struct {
	Region    *region.Region `json:"region"`
	Encounter bool           `json:"encounter"`
	Enemy     *enemy.Enemy   `json:"enemy,omitempty"`
}

// EnterRegion moves the player into a region and rolls for an encounter.
// A rejected entry leaves the current region and the ledger untouched.
func (e *Engine) EnterRegion(key string) (*EntryResult, error) {
	r, err := e.catalog.Get(key)
	if err != nil {
		return nil, err
	}
	if e.session != nil {
		return nil, fmt.Errorf("%w: finish the fight against %s first", ErrInvalidState, e.session.Enemy.Type)
	}

	level := e.ledger.Snapshot().Level
	if !e.catalog.CanEnter(level, key) {
		return nil, fmt.Errorf("%w: %s requires level %d (you are level %d)", ErrRegionLocked, r.Name, r.MinLevel, level)
	}

	e.region = r
	e.ledger.ApplyRegionEntry()

	result := &EntryResult{Region: r}
	if dice.Chance(e.src, e.encounterChance) {
		e.session = &Session{
			Region: r,
			Enemy:  enemy.Generate(r, e.src),
			Status: StatusActive,
		}
		result.Encounter = true
		result.Enemy = e.session.Enemy.Clone()
	}
	return result, nil
}

// ExitRegion leaves the current region, abandoning any fight without
// penalty. It reports whether a fight was abandoned.
func (e *Engine) ExitRegion() bool {
	abandoned := e.session != nil
	e.region = nil
	e.session = nil
	return abandoned
}

// Outcome is the result of one combat action.
type Outcome struct {
	Action           Action               `json:"action"`
	Region           string               `json:"region"`
	EnemyType        string               `json:"enemyType"`
	Enemy            *enemy.Enemy         `json:"enemy"`
	TokensSpent      int                  `json:"tokensSpent"`
	Healed           int                  `json:"healed"`
	DamageDealt      int                  `json:"damageDealt"`
	DamageTaken      int                  `json:"damageTaken"`
	Status           Status               `json:"status"`
	TokensEarned     int                  `json:"tokensEarned"`
	ExperienceEarned int                  `json:"experienceEarned"`
	LevelUp          leveling.LevelUpInfo `json:"levelUp"`
}

// Resolved reports whether the action ended the fight.
func (o *Outcome) Resolved() bool {
	return o.Status == StatusVictory || o.Status == StatusDefeat
}

// PerformAction resolves one action: cost, effect, enemy counterattack and the
// termination check, applied as a single ledger transaction. Any error leaves
// both the ledger and the session unchanged.
func (e *Engine) PerformAction(name string) (*Outcome, error) {
	action, err := ParseAction(name)
	if err != nil {
		return nil, err
	}
	if e.session == nil {
		return nil, fmt.Errorf("%w: not in combat", ErrInvalidState)
	}

	foe := e.session.Enemy.Clone()
	out := &Outcome{
		Action:    action,
		Region:    e.session.Region.Key,
		EnemyType: foe.Type,
	}

	err = e.ledger.Update(func(p *player.Profile) error {
		if cost := action.Cost(); p.Tokens < cost {
			return fmt.Errorf("%w: not enough tokens, %s needs %d", ErrInsufficientResources, action, cost)
		}

		mitigation := 0
		damage := 0
		switch action {
		case ActionAttack:
			damage = dice.RandInt(e.src, MinAttackDamage, MaxAttackDamage)
		case ActionDefend:
			if err := p.Spend(DefendCost); err != nil {
				return err
			}
			out.TokensSpent = DefendCost
			out.Healed = p.Heal(DefendHeal)
			mitigation = DefendMitigation
		case ActionSpecial:
			if err := p.Spend(SpecialCost); err != nil {
				return err
			}
			out.TokensSpent = SpecialCost
			damage = dice.RandInt(e.src, MinSpecialDamage, MaxSpecialDamage)
		}
		out.DamageDealt = foe.TakeDamage(damage)

		counter := foe.Attack - mitigation
		if counter < 0 {
			counter = 0
		}
		out.DamageTaken = p.TakeDamage(counter)

		switch {
		case foe.IsDefeated():
			out.Status = StatusVictory
			out.TokensEarned = dice.RandInt(e.src, MinTokenReward, MaxTokenReward)
			out.ExperienceEarned = dice.RandInt(e.src, MinExperienceReward, MaxExperienceReward)
			out.LevelUp = p.ApplyVictory(out.TokensEarned, out.ExperienceEarned)
		case p.IsKnockedOut():
			out.Status = StatusDefeat
			p.ApplyDefeat()
		default:
			out.Status = StatusActive
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out.Enemy = foe
	if out.Resolved() {
		e.session = nil
	} else {
		e.session.Enemy = foe.Clone()
	}
	return out, nil
}

// State is a read-only view of the engine.
type State struct {
	Phase    Phase        `json:"phase"`
	Region   string       `json:"region,omitempty"`
	InCombat bool         `json:"inCombat"`
	Enemy    *enemy.Enemy `json:"currentEnemy"`

	// ExperienceToNextLevel is how much experience the player still needs.
	ExperienceToNextLevel int `json:"experienceToNextLevel"`
}

// State returns a snapshot of the engine's phase, region and enemy.
func (e *Engine) State() State {
	p := e.ledger.Snapshot()
	s := State{
		Phase:                 PhaseExploring,
		ExperienceToNextLevel: leveling.XPToNextLevel(p.Level, p.Experience),
	}
	if e.region != nil {
		s.Region = e.region.Key
	}
	if e.session != nil {
		s.Phase = PhaseInCombat
		s.InCombat = true
		s.Enemy = e.session.Enemy.Clone()
	}
	return s
}

// InCombat reports whether a fight is in progress.
func (e *Engine) InCombat() bool {
	return e.session != nil
}
