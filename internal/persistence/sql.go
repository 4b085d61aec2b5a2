package persistence

import (
	"context"
	"errors"

	"github.com/lawnchairsociety/tokenrealms/server/internal/database"
	"github.com/lawnchairsociety/tokenrealms/server/internal/player"
)

// SQLRepository is a Store backed by the sqlite or postgres player database.
type SQLRepository struct {
	db *database.Database
}

// NewSQLRepository wraps an open database.
func NewSQLRepository(db *database.Database) *SQLRepository {
	return &SQLRepository{db: db}
}

// Get loads a profile, returning ErrNotFound for unknown ids.
func (r *SQLRepository) Get(ctx context.Context, id string) (player.Profile, error) {
	row, err := r.db.GetPlayer(ctx, id)
	if errors.Is(err, database.ErrPlayerNotFound) {
		return player.Profile{}, ErrNotFound
	}
	if err != nil {
		return player.Profile{}, err
	}
	return profileFromRow(row), nil
}

// Upsert writes the profile and its stats.
func (r *SQLRepository) Upsert(ctx context.Context, p player.Profile) error {
	return r.db.UpsertPlayer(ctx, rowFromProfile(p))
}

// Leaderboard returns the top players by tokens, then level.
func (r *SQLRepository) Leaderboard(ctx context.Context, limit int) ([]Standing, error) {
	entries, err := r.db.Leaderboard(ctx, limit)
	if err != nil {
		return nil, err
	}
	standings := make([]Standing, 0, len(entries))
	for _, e := range entries {
		standings = append(standings, Standing{ID: e.ID, Username: e.Username, Tokens: e.Tokens, Level: e.Level})
	}
	return standings, nil
}

// RecordBattle appends a battle to the history.
func (r *SQLRepository) RecordBattle(ctx context.Context, b Battle) error {
	return r.db.InsertBattle(ctx, &database.Battle{
		ID:               b.ID,
		PlayerID:         b.PlayerID,
		Region:           b.Region,
		EnemyType:        b.EnemyType,
		Outcome:          b.Outcome,
		TokensEarned:     b.TokensEarned,
		ExperienceEarned: b.ExperienceEarned,
		CreatedAt:        b.CreatedAt,
	})
}

// RecentBattles returns a player's newest battles first.
func (r *SQLRepository) RecentBattles(ctx context.Context, playerID string, limit int) ([]Battle, error) {
	rows, err := r.db.RecentBattles(ctx, playerID, limit)
	if err != nil {
		return nil, err
	}
	battles := make([]Battle, 0, len(rows))
	for _, row := range rows {
		battles = append(battles, Battle{
			ID:               row.ID,
			PlayerID:         row.PlayerID,
			Region:           row.Region,
			EnemyType:        row.EnemyType,
			Outcome:          row.Outcome,
			TokensEarned:     row.TokensEarned,
			ExperienceEarned: row.ExperienceEarned,
			CreatedAt:        row.CreatedAt,
		})
	}
	return battles, nil
}

// CountPlayers returns the number of stored players.
func (r *SQLRepository) CountPlayers(ctx context.Context) (int, error) {
	return r.db.CountPlayers(ctx)
}

// Close closes the underlying database.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func profileFromRow(row *database.Player) player.Profile {
	p := player.Profile{
		ID:         row.ID,
		Username:   row.Username,
		Tokens:     row.Tokens,
		Level:      row.Level,
		Experience: row.Experience,
		Health:     row.Health,
		Stats: player.Stats{
			BattlesWon:      row.BattlesWon,
			RegionsExplored: row.RegionsExplored,
			TotalTokens:     row.TotalTokens,
		},
	}
	p.Normalize()
	return p
}

func rowFromProfile(p player.Profile) *database.Player {
	return &database.Player{
		ID:              p.ID,
		Username:        p.Username,
		Tokens:          p.Tokens,
		Level:           p.Level,
		Experience:      p.Experience,
		Health:          p.Health,
		BattlesWon:      p.Stats.BattlesWon,
		RegionsExplored: p.Stats.RegionsExplored,
		TotalTokens:     p.Stats.TotalTokens,
	}
}
