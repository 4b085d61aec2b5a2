package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrPlayerNotFound is returned when a player lookup fails.
var ErrPlayerNotFound = errors.New("player not found")

// Player is a player's persisted profile row joined with its statistics.
type Player struct {
	ID              string
	Username        string
	Tokens          int
	Level           int
	Experience      int
	Health          int
	BattlesWon      int
	RegionsExplored int
	TotalTokens     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LeaderboardEntry is one ranked row of the leaderboard.
type LeaderboardEntry struct {
	ID         string
	Username   string
	Tokens     int
	Level      int
	BattlesWon int
}

// GetPlayer loads a player and its statistics by id.
func (d *Database) GetPlayer(ctx context.Context, id string) (*Player, error) {
	row := d.db.QueryRowContext(ctx, d.qb.Build(
		`SELECT p.id, p.username, p.tokens, p.level, p.experience, p.health,
		        COALESCE(s.battles_won, 0), COALESCE(s.regions_explored, 0), COALESCE(s.total_tokens, 0),
		        p.created_at, p.updated_at
		 FROM players p
		 LEFT JOIN player_stats s ON s.player_id = p.id
		 WHERE p.id = ?`), id)

	p := &Player{}
	err := row.Scan(&p.ID, &p.Username, &p.Tokens, &p.Level, &p.Experience, &p.Health,
		&p.BattlesWon, &p.RegionsExplored, &p.TotalTokens, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlayerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load player %s: %w", id, err)
	}
	return p, nil
}

// UpsertPlayer writes a player and its statistics in one transaction,
// creating the rows if they do not exist yet. CreatedAt is only written on
// insert.
func (d *Database) UpsertPlayer(ctx context.Context, p *Player) error {
	if p.ID == "" {
		return errors.New("player id is required")
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, d.qb.Build(
		`INSERT INTO players (id, username, tokens, level, experience, health, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			username = excluded.username,
			tokens = excluded.tokens,
			level = excluded.level,
			experience = excluded.experience,
			health = excluded.health,
			updated_at = excluded.updated_at`),
		p.ID, p.Username, p.Tokens, p.Level, p.Experience, p.Health, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save player %s: %w", p.ID, err)
	}

	_, err = tx.ExecContext(ctx, d.qb.Build(
		`INSERT INTO player_stats (player_id, battles_won, regions_explored, total_tokens)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (player_id) DO UPDATE SET
			battles_won = excluded.battles_won,
			regions_explored = excluded.regions_explored,
			total_tokens = excluded.total_tokens`),
		p.ID, p.BattlesWon, p.RegionsExplored, p.TotalTokens)
	if err != nil {
		return fmt.Errorf("failed to save stats for player %s: %w", p.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit player %s: %w", p.ID, err)
	}
	return nil
}

// Leaderboard returns up to limit players ordered by tokens, then level,
// both descending. Ties fall back to id so the order is stable.
func (d *Database) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := d.db.QueryContext(ctx, d.qb.Build(
		`SELECT p.id, p.username, p.tokens, p.level, COALESCE(s.battles_won, 0)
		 FROM players p
		 LEFT JOIN player_stats s ON s.player_id = p.id
		 ORDER BY p.tokens DESC, p.level DESC, p.id ASC
		 LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.ID, &e.Username, &e.Tokens, &e.Level, &e.BattlesWon); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountPlayers returns the number of stored players.
func (d *Database) CountPlayers(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM players`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count players: %w", err)
	}
	return n, nil
}
