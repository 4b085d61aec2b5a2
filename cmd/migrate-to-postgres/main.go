// migrate-to-postgres copies players, their stats and the battle history from
// SQLite to PostgreSQL. Rerunning it is safe: players are upserted and
// battles already present are skipped.
//
// Usage:
//
//	go run ./cmd/migrate-to-postgres \
//	    -sqlite data/tokenrealms.db \
//	    -pg-host localhost \
//	    -pg-port 5432 \
//	    -pg-user tokenrealms \
//	    -pg-password tokenrealms \
//	    -pg-database tokenrealms
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/lawnchairsociety/tokenrealms/server/internal/database"
)

func main() {
	// Parse command-line flags
	sqlitePath := flag.String("sqlite", "data/tokenrealms.db", "Path to SQLite database")
	pgHost := flag.String("pg-host", "localhost", "PostgreSQL host")
	pgPort := flag.Int("pg-port", 5432, "PostgreSQL port")
	pgUser := flag.String("pg-user", "tokenrealms", "PostgreSQL user")
	pgPassword := flag.String("pg-password", "tokenrealms", "PostgreSQL password")
	pgDatabase := flag.String("pg-database", "tokenrealms", "PostgreSQL database name")
	pgSSLMode := flag.String("pg-sslmode", "disable", "PostgreSQL SSL mode")
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	flag.Parse()

	log.Println("SQLite to PostgreSQL Migration Tool")
	log.Println("====================================")

	if _, err := os.Stat(*sqlitePath); err != nil {
		log.Fatalf("SQLite database not found: %v", err)
	}

	log.Printf("Opening SQLite database: %s", *sqlitePath)
	src, err := database.Open(*sqlitePath)
	if err != nil {
		log.Fatalf("Failed to open SQLite database: %v", err)
	}
	defer src.Close()

	pgCfg := database.DefaultPostgresConfig()
	pgCfg.Host = *pgHost
	pgCfg.Port = *pgPort
	pgCfg.User = *pgUser
	pgCfg.Password = *pgPassword
	pgCfg.Database = *pgDatabase
	pgCfg.SSLMode = *pgSSLMode

	// Opening runs the schema migrations on PostgreSQL.
	log.Printf("Opening PostgreSQL database: %s@%s:%d/%s", *pgUser, *pgHost, *pgPort, *pgDatabase)
	dst, err := database.OpenWithConfig(database.Config{Driver: "postgres", Postgres: pgCfg})
	if err != nil {
		log.Fatalf("Failed to open PostgreSQL database: %v", err)
	}
	defer dst.Close()

	if *dryRun {
		log.Println("DRY RUN MODE - No changes will be made")
	}

	ctx := context.Background()

	// Players first so battles find their foreign key
	tables := []struct {
		name    string
		migrate func(context.Context, *database.Database, *database.Database, bool) (int64, error)
	}{
		{"players", migratePlayers},
		{"battles", migrateBattles},
	}

	var totalRows int64
	for _, t := range tables {
		log.Printf("Migrating table: %s", t.name)
		count, err := t.migrate(ctx, src, dst, *dryRun)
		if err != nil {
			log.Fatalf("Failed to migrate %s: %v", t.name, err)
		}
		log.Printf("  Migrated %d rows", count)
		totalRows += count
	}

	log.Println("====================================")
	log.Printf("Migration complete! Total rows migrated: %d", totalRows)
	if *dryRun {
		log.Println("(DRY RUN - No actual changes were made)")
	}
}

func migratePlayers(ctx context.Context, src, dst *database.Database, dryRun bool) (int64, error) {
	rows, err := src.DB().QueryContext(ctx, `
		SELECT p.id, p.username, p.tokens, p.level, p.experience, p.health,
		       COALESCE(s.battles_won, 0), COALESCE(s.regions_explored, 0), COALESCE(s.total_tokens, 0),
		       p.created_at, p.updated_at
		FROM players p
		LEFT JOIN player_stats s ON s.player_id = p.id
		ORDER BY p.id
	`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var count int64
	for rows.Next() {
		var p database.Player
		var createdAt, updatedAt sql.NullString
		if err := rows.Scan(&p.ID, &p.Username, &p.Tokens, &p.Level, &p.Experience, &p.Health,
			&p.BattlesWon, &p.RegionsExplored, &p.TotalTokens, &createdAt, &updatedAt); err != nil {
			return count, err
		}
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)

		if dryRun {
			count++
			continue
		}

		if err := dst.UpsertPlayer(ctx, &p); err != nil {
			return count, fmt.Errorf("player %s: %w", p.ID, err)
		}
		count++
	}
	return count, rows.Err()
}

func migrateBattles(ctx context.Context, src, dst *database.Database, dryRun bool) (int64, error) {
	rows, err := src.DB().QueryContext(ctx, `
		SELECT id, player_id, region, enemy_type, outcome, tokens_earned, experience_earned, created_at
		FROM battles
		ORDER BY created_at
	`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var count int64
	for rows.Next() {
		var b database.Battle
		var createdAt sql.NullString
		if err := rows.Scan(&b.ID, &b.PlayerID, &b.Region, &b.EnemyType, &b.Outcome,
			&b.TokensEarned, &b.ExperienceEarned, &createdAt); err != nil {
			return count, err
		}
		b.CreatedAt = parseTime(createdAt)

		if dryRun {
			count++
			continue
		}

		err := dst.InsertBattle(ctx, &b)
		switch {
		case errors.Is(err, database.ErrBattleExists):
			// Already migrated, skip
		case err != nil:
			return count, fmt.Errorf("battle %s: %w", b.ID, err)
		default:
			count++
		}
	}
	return count, rows.Err()
}

// Helper functions

// parseTime returns the zero time for values it cannot read; the store then
// stamps the row with the current time.
func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
		time.RFC3339,
	}
	for _, f := range formats {
		if t, err := time.Parse(f, ns.String); err == nil {
			return t.UTC()
		}
	}
	log.Printf("Warning: Could not parse time: %s", ns.String)
	return time.Time{}
}

func init() {
	// Custom usage message
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Migrates players and battles from SQLite to PostgreSQL.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExample:\n")
		fmt.Fprintf(os.Stderr, "  %s -sqlite data/tokenrealms.db -pg-host localhost -pg-user tokenrealms -pg-password tokenrealms -pg-database tokenrealms\n", os.Args[0])
	}
}
