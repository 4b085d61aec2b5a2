package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Battle outcomes as stored in the battles table.
const (
	OutcomeVictory   = "victory"
	OutcomeDefeat    = "defeat"
	OutcomeAbandoned = "abandoned"
)

// ErrBattleExists is returned when a battle id is reused.
var ErrBattleExists = errors.New("battle already recorded")

// Battle is one resolved combat session.
type Battle struct {
	ID               string
	PlayerID         string
	Region           string
	EnemyType        string
	Outcome          string
	TokensEarned     int
	ExperienceEarned int
	CreatedAt        time.Time
}

// InsertBattle records a resolved battle. A missing id is filled with a new
// UUID and a zero CreatedAt with the current time. Battles may arrive before
// the player's first save, so a default player row is created when missing.
func (d *Database) InsertBattle(ctx context.Context, b *Battle) error {
	if b.PlayerID == "" {
		return errors.New("battle player id is required")
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, d.qb.Build(
		`INSERT INTO players (id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`),
		b.PlayerID, b.CreatedAt, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to ensure player %s: %w", b.PlayerID, err)
	}

	_, err = tx.ExecContext(ctx, d.qb.Build(
		`INSERT INTO battles (id, player_id, region, enemy_type, outcome, tokens_earned, experience_earned, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		b.ID, b.PlayerID, b.Region, b.EnemyType, b.Outcome, b.TokensEarned, b.ExperienceEarned, b.CreatedAt)
	if err != nil {
		if d.dialect.IsDuplicateKeyError(err) {
			return ErrBattleExists
		}
		return fmt.Errorf("failed to record battle for %s: %w", b.PlayerID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit battle for %s: %w", b.PlayerID, err)
	}
	return nil
}

// RecentBattles returns up to limit battles for a player, newest first.
func (d *Database) RecentBattles(ctx context.Context, playerID string, limit int) ([]Battle, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := d.db.QueryContext(ctx, d.qb.Build(
		`SELECT id, player_id, region, enemy_type, outcome, tokens_earned, experience_earned, created_at
		 FROM battles
		 WHERE player_id = ?
		 ORDER BY created_at DESC, id ASC
		 LIMIT ?`), playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query battles for %s: %w", playerID, err)
	}
	defer rows.Close()

	var battles []Battle
	for rows.Next() {
		var b Battle
		if err := rows.Scan(&b.ID, &b.PlayerID, &b.Region, &b.EnemyType, &b.Outcome,
			&b.TokensEarned, &b.ExperienceEarned, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan battle row: %w", err)
		}
		battles = append(battles, b)
	}
	return battles, rows.Err()
}

// BattleSummary aggregates a player's battle history.
type BattleSummary struct {
	Victories int
	Defeats   int
	Abandoned int
}

// SummarizeBattles counts a player's battles by outcome.
func (d *Database) SummarizeBattles(ctx context.Context, playerID string) (BattleSummary, error) {
	var s BattleSummary
	rows, err := d.db.QueryContext(ctx, d.qb.Build(
		`SELECT outcome, COUNT(*) FROM battles WHERE player_id = ? GROUP BY outcome`), playerID)
	if err != nil {
		return s, fmt.Errorf("failed to summarize battles for %s: %w", playerID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return s, err
		}
		switch outcome {
		case OutcomeVictory:
			s.Victories = n
		case OutcomeDefeat:
			s.Defeats = n
		case OutcomeAbandoned:
			s.Abandoned = n
		}
	}
	return s, rows.Err()
}
