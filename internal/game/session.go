package game

import (
	"context"
	"time"

	"github.com/lawnchairsociety/tokenrealms/server/internal/combat"
	"github.com/lawnchairsociety/tokenrealms/server/internal/dice"
	"github.com/lawnchairsociety/tokenrealms/server/internal/player"
	"github.com/lawnchairsociety/tokenrealms/server/internal/region"
)

// Session is one player's live state. Its fields are only touched while the
// session lock is held.
type Session struct {
	id  string
	sem chan struct{} // one slot; holding it is holding the lock

	catalog         *region.Catalog
	src             dice.Source
	encounterChance float64

	ledger     *player.Ledger
	engine     *combat.Engine
	loaded     bool
	closed     bool
	lastActive time.Time
}

func newSession(id string, catalog *region.Catalog, src dice.Source, encounterChance float64) *Session {
	return &Session{
		id:              id,
		sem:             make(chan struct{}, 1),
		catalog:         catalog,
		src:             src,
		encounterChance: encounterChance,
	}
}

// ID returns the player id.
func (s *Session) ID() string { return s.id }

// Ledger returns the session's ledger.
func (s *Session) Ledger() *player.Ledger { return s.ledger }

// Engine returns the session's combat engine.
func (s *Session) Engine() *combat.Engine { return s.engine }

// View returns the profile and engine state.
func (s *Session) View() View {
	return View{Profile: s.ledger.Snapshot(), State: s.engine.State()}
}

func (s *Session) load(ctx context.Context, store ProfileStore) error {
	p, err := store.Load(ctx, s.id)
	if err != nil {
		return err
	}
	p.Normalize()

	s.ledger = player.NewLedger(p)
	s.engine = combat.NewEngine(s.catalog, s.ledger, s.src, combat.WithEncounterChance(s.encounterChance))
	s.loaded = true
	return nil
}

func (s *Session) lock(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) tryLock() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Session) unlock() {
	<-s.sem
}

func (s *Session) withLock(ctx context.Context, fn func()) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()
	fn()
	return nil
}

func (s *Session) info() SessionInfo {
	info := SessionInfo{PlayerID: s.id}
	_ = s.withLock(context.Background(), func() {
		info.LastActive = s.lastActive
		if s.loaded {
			st := s.engine.State()
			info.Region = st.Region
			info.InCombat = st.InCombat
		}
	})
	return info
}
