// Package persistence reconciles in-memory player state with a durable store.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/lawnchairsociety/tokenrealms/server/internal/player"
)

// ErrNotFound is returned by a Repository when no profile exists for an id.
var ErrNotFound = errors.New("player not found")

// Repository is the durable profile store. Upsert writes the full record with
// absolute values, so repeating a write never double counts.
type Repository interface {
	Get(ctx context.Context, id string) (player.Profile, error)
	Upsert(ctx context.Context, p player.Profile) error
}

// Standing is one leaderboard row.
type Standing struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Tokens   int    `json:"tokens"`
	Level    int    `json:"level"`
}

// Battle outcomes.
const (
	OutcomeVictory   = "victory"
	OutcomeDefeat    = "defeat"
	OutcomeAbandoned = "abandoned"
)

// Battle is a resolved combat session as kept in the battle history.
type Battle struct {
	ID               string    `json:"id"`
	PlayerID         string    `json:"playerId"`
	Region           string    `json:"region"`
	EnemyType        string    `json:"enemy"`
	Outcome          string    `json:"outcome"`
	TokensEarned     int       `json:"tokensEarned"`
	ExperienceEarned int       `json:"experienceEarned"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Store is a Repository that also serves the leaderboard and battle history.
type Store interface {
	Repository
	Leaderboard(ctx context.Context, limit int) ([]Standing, error)
	RecordBattle(ctx context.Context, b Battle) error
	RecentBattles(ctx context.Context, playerID string, limit int) ([]Battle, error)
	CountPlayers(ctx context.Context) (int, error)
	Close() error
}
