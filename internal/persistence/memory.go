package persistence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lawnchairsociety/tokenrealms/server/internal/player"
)

var errInjected = errors.New("injected upsert failure")

// MemoryRepository is an in-process Store. It backs tests and the
// "memory" database driver; nothing survives a restart.
type MemoryRepository struct {
	mu       sync.RWMutex
	profiles map[string]player.Profile
	battles  map[string][]Battle

	failUpserts int // pending injected failures
	upserts     int
}

// NewMemoryRepository returns an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		profiles: make(map[string]player.Profile),
		battles:  make(map[string][]Battle),
	}
}

// Get returns the stored profile or ErrNotFound.
func (m *MemoryRepository) Get(ctx context.Context, id string) (player.Profile, error) {
	if err := ctx.Err(); err != nil {
		return player.Profile{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return player.Profile{}, ErrNotFound
	}
	return p, nil
}

// Upsert stores the full profile.
func (m *MemoryRepository) Upsert(ctx context.Context, p player.Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.failUpserts > 0 {
		m.failUpserts--
		return errInjected
	}
	m.profiles[p.ID] = p
	return nil
}

// CountPlayers returns the number of stored profiles.
func (m *MemoryRepository) CountPlayers(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.profiles), nil
}

// Leaderboard sorts by tokens desc, level desc, id asc.
func (m *MemoryRepository) Leaderboard(ctx context.Context, limit int) ([]Standing, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.RLock()
	standings := make([]Standing, 0, len(m.profiles))
	for _, p := range m.profiles {
		standings = append(standings, Standing{ID: p.ID, Username: p.Username, Tokens: p.Tokens, Level: p.Level})
	}
	m.mu.RUnlock()

	sort.Slice(standings, func(i, j int) bool {
		a, b := standings[i], standings[j]
		if a.Tokens != b.Tokens {
			return a.Tokens > b.Tokens
		}
		if a.Level != b.Level {
			return a.Level > b.Level
		}
		return a.ID < b.ID
	})
	if len(standings) > limit {
		standings = standings[:limit]
	}
	return standings, nil
}

// RecordBattle appends a battle, filling id and timestamp when missing.
func (m *MemoryRepository) RecordBattle(ctx context.Context, b Battle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.battles[b.PlayerID] = append(m.battles[b.PlayerID], b)
	return nil
}

// RecentBattles returns up to limit battles, newest first.
func (m *MemoryRepository) RecentBattles(ctx context.Context, playerID string, limit int) ([]Battle, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	all := m.battles[playerID]
	out := make([]Battle, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	m.mu.RUnlock()
	return out, nil
}

// Close is a no-op.
func (m *MemoryRepository) Close() error {
	return nil
}

// FailNextUpserts makes the next n Upsert calls return an error.
func (m *MemoryRepository) FailNextUpserts(n int) {
	m.mu.Lock()
	m.failUpserts = n
	m.mu.Unlock()
}

// UpsertCalls returns how many Upsert calls were made, failed ones included.
func (m *MemoryRepository) UpsertCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.upserts
}
