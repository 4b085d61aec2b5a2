package player

import (
	"sync"

	"github.com/lawnchairsociety/tokenrealms/server/internal/leveling"
)

// Ledger owns a profile for the duration of a session. Every mutation goes
// through Update, which applies a change to a copy and commits it only if the
// change succeeds and the result is a legal successor, so readers never see
// a half-applied reward or cost.
type Ledger struct {
	mu      sync.RWMutex
	profile Profile
}

// NewLedger wraps a loaded profile.
func NewLedger(p Profile) *Ledger {
	return &Ledger{profile: p}
}

// Snapshot returns a copy of the current profile.
func (l *Ledger) Snapshot() Profile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.profile
}

// Update runs fn against a copy of the profile and commits the copy when fn
// returns nil and the result passes ValidateSuccessor. On any error the
// ledger is left untouched.
func (l *Ledger) Update(fn func(p *Profile) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.profile
	if err := fn(&next); err != nil {
		return err
	}
	if err := l.profile.ValidateSuccessor(&next); err != nil {
		return err
	}
	l.profile = next
	return nil
}

// Replace swaps in a whole profile, e.g. one uploaded by the client.
// The replacement must be a legal successor of the current profile.
func (l *Ledger) Replace(next Profile) error {
	return l.Update(func(p *Profile) error {
		*p = next
		return nil
	})
}

// ApplyRegionEntry counts one more region explored.
func (l *Ledger) ApplyRegionEntry() {
	_ = l.Update(func(p *Profile) error {
		p.ApplyRegionEntry()
		return nil
	})
}

// ApplyVictory credits battle rewards, bumps battlesWon and totalTokens and
// runs the level-up rule, all in one step.
func (l *Ledger) ApplyVictory(tokens, experience int) leveling.LevelUpInfo {
	var info leveling.LevelUpInfo
	_ = l.Update(func(p *Profile) error {
		info = p.ApplyVictory(tokens, experience)
		return nil
	})
	return info
}

// ApplyDefeat revives the player at ReviveHealth.
func (l *Ledger) ApplyDefeat() {
	_ = l.Update(func(p *Profile) error {
		p.ApplyDefeat()
		return nil
	})
}
