// Package game keeps one combat engine per active player and serializes the
// actions sent for each player.
package game

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lawnchairsociety/tokenrealms/server/internal/combat"
	"github.com/lawnchairsociety/tokenrealms/server/internal/dice"
	"github.com/lawnchairsociety/tokenrealms/server/internal/logger"
	"github.com/lawnchairsociety/tokenrealms/server/internal/persistence"
	"github.com/lawnchairsociety/tokenrealms/server/internal/player"
	"github.com/lawnchairsociety/tokenrealms/server/internal/region"
)

// ErrShuttingDown is returned for actions sent after Shutdown started.
var ErrShuttingDown = errors.New("game manager shutting down")

// ProfileStore loads and saves profiles. *persistence.Synchronizer satisfies it.
type ProfileStore interface {
	Load(ctx context.Context, id string) (player.Profile, error)
	Save(p player.Profile)
	Flush(ctx context.Context, id string) error
}

// BattleRecorder appends resolved battles to the history.
type BattleRecorder interface {
	RecordBattle(ctx context.Context, b persistence.Battle) error
}

// NamePolicy cleans display names. Sanitize returns "" for names that must
// not be stored. *namefilter.NameFilter satisfies it.
type NamePolicy interface {
	Sanitize(name string) string
}

// Options configure a Manager.
type Options struct {
	EncounterChance float64
	IdleTimeout     time.Duration // 0 disables idle teardown
	SweepInterval   time.Duration
	RecordTimeout   time.Duration
	FlushTimeout    time.Duration // bounds the flush after an idle teardown
	Names           NamePolicy    // nil stores names as given
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		EncounterChance: combat.DefaultEncounterChance,
		IdleTimeout:     30 * time.Minute,
		SweepInterval:   time.Minute,
		RecordTimeout:   5 * time.Second,
		FlushTimeout:    10 * time.Second,
	}
}

// View is what callers see of a player after an operation.
type View struct {
	Profile player.Profile `json:"userData"`
	State   combat.State   `json:"state"`
}

// SessionInfo summarizes a live session for the admin API.
type SessionInfo struct {
	PlayerID   string    `json:"playerId"`
	Region     string    `json:"region,omitempty"`
	InCombat   bool      `json:"inCombat"`
	LastActive time.Time `json:"lastActive"`
}

// Manager owns the live sessions.
type Manager struct {
	catalog *region.Catalog
	store   ProfileStore
	battles BattleRecorder
	src     dice.Source
	opts    Options

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool

	recorders sync.WaitGroup
	stop      chan struct{}
	done      chan struct{}
	once      sync.Once
}

// NewManager creates a manager and starts its idle sweeper. battles may be nil.
func NewManager(catalog *region.Catalog, store ProfileStore, battles BattleRecorder, src dice.Source, opts Options) *Manager {
	def := DefaultOptions()
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = def.RecordTimeout
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = def.FlushTimeout
	}
	m := &Manager{
		catalog:  catalog,
		store:    store,
		battles:  battles,
		src:      src,
		opts:     opts,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.startIdleSweeper()
	return m
}

// Catalog returns the region catalog sessions are built on.
func (m *Manager) Catalog() *region.Catalog {
	return m.catalog
}

// Do runs fn with exclusive access to id's session, loading the profile on
// first use. A second call for the same id waits for the first; a cancelled
// ctx abandons the wait.
func (m *Manager) Do(ctx context.Context, id string, fn func(s *Session) error) error {
	for {
		s, err := m.session(id)
		if err != nil {
			return err
		}
		if err := s.lock(ctx); err != nil {
			return err
		}
		if s.closed {
			// torn down while we waited; start over with a fresh session
			s.unlock()
			continue
		}
		if !s.loaded {
			if err := s.load(ctx, m.store); err != nil {
				s.closed = true
				m.forget(s)
				s.unlock()
				return err
			}
		}
		s.lastActive = time.Now()
		err = fn(s)
		s.unlock()
		return err
	}
}

func (m *Manager) session(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return nil, ErrShuttingDown
	}
	s, ok := m.sessions[id]
	if !ok {
		s = newSession(id, m.catalog, m.src, m.opts.EncounterChance)
		m.sessions[id] = s
	}
	return s, nil
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
}

// Profile returns the newest profile for id without starting a session.
func (m *Manager) Profile(ctx context.Context, id string) (player.Profile, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		var p player.Profile
		var loaded bool
		err := s.withLock(ctx, func() {
			if s.loaded && !s.closed {
				p = s.ledger.Snapshot()
				loaded = true
			}
		})
		if err != nil {
			return player.Profile{}, err
		}
		if loaded {
			return p, nil
		}
	}
	return m.store.Load(ctx, id)
}

// Snapshot returns id's profile and engine state.
func (m *Manager) Snapshot(ctx context.Context, id string) (View, error) {
	var v View
	err := m.Do(ctx, id, func(s *Session) error {
		v = s.View()
		return nil
	})
	return v, err
}

// Claim sets the username for a profile still carrying the default one.
func (m *Manager) Claim(ctx context.Context, id, username string) error {
	username = m.sanitize(username)
	if username == "" {
		return nil
	}
	return m.Do(ctx, id, func(s *Session) error {
		if s.ledger.Snapshot().Username != player.DefaultUsername {
			return nil
		}
		err := s.ledger.Update(func(p *player.Profile) error {
			p.Username = username
			return nil
		})
		if err == nil {
			m.store.Save(s.ledger.Snapshot())
		}
		return err
	})
}

func (m *Manager) sanitize(name string) string {
	if m.opts.Names == nil {
		return name
	}
	return m.opts.Names.Sanitize(name)
}

// Enter moves id into a region.
func (m *Manager) Enter(ctx context.Context, id, key string) (*combat.EntryResult, View, error) {
	var res *combat.EntryResult
	var v View
	err := m.Do(ctx, id, func(s *Session) error {
		r, err := s.engine.EnterRegion(key)
		if err != nil {
			return err
		}
		res = r
		m.store.Save(s.ledger.Snapshot())
		v = s.View()
		return nil
	})
	return res, v, err
}

// Act performs one combat action for id.
func (m *Manager) Act(ctx context.Context, id, action string) (*combat.Outcome, View, error) {
	var out *combat.Outcome
	var v View
	err := m.Do(ctx, id, func(s *Session) error {
		o, err := s.engine.PerformAction(action)
		if err != nil {
			return err
		}
		out = o
		m.store.Save(s.ledger.Snapshot())
		if o.Resolved() {
			outcome := persistence.OutcomeVictory
			if o.Status == combat.StatusDefeat {
				outcome = persistence.OutcomeDefeat
			}
			m.record(persistence.Battle{
				PlayerID:         id,
				Region:           o.Region,
				EnemyType:        o.EnemyType,
				Outcome:          outcome,
				TokensEarned:     o.TokensEarned,
				ExperienceEarned: o.ExperienceEarned,
			})
		}
		v = s.View()
		return nil
	})
	return out, v, err
}

// Replace swaps in a client-supplied profile. It must be a legal successor of
// the current one.
func (m *Manager) Replace(ctx context.Context, id string, next player.Profile) (View, error) {
	next.ID = id
	var v View
	err := m.Do(ctx, id, func(s *Session) error {
		next.Username = m.sanitize(next.Username)
		if next.Username == "" {
			next.Username = s.ledger.Snapshot().Username
		}
		if err := s.ledger.Replace(next); err != nil {
			return err
		}
		m.store.Save(s.ledger.Snapshot())
		v = s.View()
		return nil
	})
	return v, err
}

// Exit leaves the current region, ends the session and flushes the profile
// before returning.
func (m *Manager) Exit(ctx context.Context, id string) (View, error) {
	var v View
	err := m.Do(ctx, id, func(s *Session) error {
		m.teardown(s)
		v = s.View()
		return nil
	})
	if err != nil {
		return View{}, err
	}
	m.flush(ctx, id)
	return v, nil
}

// flush writes id's pending profile now. A failure leaves the snapshot with
// the store for its background retries.
func (m *Manager) flush(ctx context.Context, id string) {
	if err := m.store.Flush(ctx, id); err != nil {
		logger.Warning("Teardown flush failed, save left pending", "player_id", id, "error", err)
	}
}

// teardown ends s. The caller holds the session lock.
func (m *Manager) teardown(s *Session) {
	state := s.engine.State()
	if s.engine.ExitRegion() {
		enemyType := ""
		if state.Enemy != nil {
			enemyType = state.Enemy.Type
		}
		m.record(persistence.Battle{
			PlayerID:  s.id,
			Region:    state.Region,
			EnemyType: enemyType,
			Outcome:   persistence.OutcomeAbandoned,
		})
	}
	m.store.Save(s.ledger.Snapshot())
	s.closed = true
	m.forget(s)
}

// record appends a battle in the background.
func (m *Manager) record(b persistence.Battle) {
	if m.battles == nil {
		return
	}
	b.CreatedAt = time.Now().UTC()
	m.recorders.Add(1)
	go func() {
		defer m.recorders.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.RecordTimeout)
		defer cancel()
		if err := m.battles.RecordBattle(ctx, b); err != nil {
			logger.Warning("Failed to record battle",
				"player_id", b.PlayerID,
				"outcome", b.Outcome,
				"error", err)
		}
	}()
}

// Sessions lists live sessions sorted by player id.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].PlayerID < infos[j].PlayerID })
	return infos
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// startIdleSweeper tears down sessions that have been idle too long.
func (m *Manager) startIdleSweeper() {
	defer close(m.done)
	if m.opts.IdleTimeout <= 0 {
		<-m.stop
		return
	}

	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepIdle(time.Now())
		}
	}
}

func (m *Manager) sweepIdle(now time.Time) {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	var ended []string
	for _, s := range list {
		if !s.tryLock() {
			continue // busy, so not idle
		}
		if !s.closed && now.Sub(s.lastActive) >= m.opts.IdleTimeout {
			logger.Info("Ending idle session", "player_id", s.id, "idle", now.Sub(s.lastActive).Truncate(time.Second))
			if s.loaded {
				m.teardown(s)
				ended = append(ended, s.id)
			} else {
				s.closed = true
				m.forget(s)
			}
		}
		s.unlock()
	}

	for _, id := range ended {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.FlushTimeout)
		m.flush(ctx, id)
		cancel()
	}
}

// Shutdown ends every session, waits for battle records and stops the
// sweeper. Saves go to the store; flushing it is the caller's job.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.once.Do(func() {
		close(m.stop)
		<-m.done

		m.mu.Lock()
		m.closing = true
		list := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			list = append(list, s)
		}
		m.mu.Unlock()

		for _, s := range list {
			if lerr := s.lock(ctx); lerr != nil {
				err = lerr
				break
			}
			if !s.closed && s.loaded {
				m.teardown(s)
			}
			s.unlock()
		}

		waited := make(chan struct{})
		go func() {
			m.recorders.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
		logger.Info("Game manager stopped", "sessions", len(list))
	})
	return err
}
