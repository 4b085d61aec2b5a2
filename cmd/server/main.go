package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"github.com/lawnchairsociety/tokenrealms/server/internal/config"
	"github.com/lawnchairsociety/tokenrealms/server/internal/database"
	"github.com/lawnchairsociety/tokenrealms/server/internal/dice"
	"github.com/lawnchairsociety/tokenrealms/server/internal/game"
	"github.com/lawnchairsociety/tokenrealms/server/internal/logger"
	"github.com/lawnchairsociety/tokenrealms/server/internal/namefilter"
	"github.com/lawnchairsociety/tokenrealms/server/internal/persistence"
	"github.com/lawnchairsociety/tokenrealms/server/internal/region"
	"github.com/lawnchairsociety/tokenrealms/server/internal/server"
	"github.com/lawnchairsociety/tokenrealms/server/internal/telemetry"
)

func main() {
	serverConfigFile := flag.String("config", "data/server.yaml", "Path to server config YAML file")
	loggingConfig := flag.String("logging", "data/logging.yaml", "Path to logging config YAML file")
	envFile := flag.String("env", ".env", "Path to an optional .env file")
	regionsFile := flag.String("regions", "", "Path to regions YAML file (overrides game.regions_file)")
	seed := flag.Int64("seed", 0, "Dice seed (default: random based on current time)")
	nameFilterFile := flag.String("namefilter", "data/name_filter.yaml", "Path to display name filter YAML file")
	hashToken := flag.String("hash-admin-token", "", "Print the bcrypt hash for an admin token and exit")
	flag.Parse()

	// Handle --hash-admin-token flag (prints hash and exits)
	if *hashToken != "" {
		handleHashAdminToken(*hashToken)
		return
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Failed to load env file %s: %v", *envFile, err)
	}

	// Initialize logger first (before any logging)
	logConfig, err := logger.LoadConfig(*loggingConfig)
	if err != nil {
		log.Printf("Failed to load logging config, using defaults: %v", err)
	}
	if err := logger.Initialize(logConfig); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Info("Starting Token Realms server")

	cfg, err := config.LoadConfig(*serverConfigFile)
	if err != nil {
		log.Fatalf("Failed to load server config: %v", err)
	}
	if *regionsFile != "" {
		cfg.Game.RegionsFile = *regionsFile
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid server config: %v", err)
	}
	logOriginPolicy(cfg.HTTP.AllowedOrigins)

	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		log.Fatalf("Failed to set up telemetry: %v", err)
	}

	catalog, err := loadCatalog(cfg.Game.RegionsFile)
	if err != nil {
		log.Fatalf("Failed to load regions: %v", err)
	}
	logger.Info("Regions loaded", "count", catalog.Count())

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open player store: %v", err)
	}

	var src dice.Source
	if *seed != 0 {
		src = dice.NewSeeded(*seed)
		logger.Info("Dice seed selected", "seed", *seed, "random", false)
	} else {
		var s int64
		src, s = dice.NewTimeSeeded()
		logger.Info("Dice seed selected", "seed", s, "random", true)
	}

	saves := persistence.NewSynchronizer(store, persistence.Options{
		SaveInterval: cfg.Persistence.SaveInterval,
		MaxAttempts:  cfg.Persistence.MaxAttempts,
		RetryBackoff: cfg.Persistence.RetryBackoff,
		WriteTimeout: cfg.Persistence.WriteTimeout,
	})

	opts := game.DefaultOptions()
	opts.EncounterChance = cfg.Game.EncounterChance
	opts.IdleTimeout = time.Duration(cfg.Game.SessionIdleMinutes) * time.Minute
	opts.Names = loadNameFilter(*nameFilterFile)
	games := game.NewManager(catalog, saves, store, src, opts)

	srv := server.New(cfg, games, store, saves)

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	logger.Info("Token Realms server running", "address", cfg.HTTP.Address, "driver", cfg.Database.Driver)
	logger.Info("Press Ctrl+C to shutdown")

	// Wait for interrupt signal or a listener failure
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errc:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warning("HTTP shutdown incomplete", "error", err)
	}
	if err := games.Shutdown(shutdownCtx); err != nil {
		logger.Warning("Game sessions shutdown incomplete", "error", err)
	}
	if err := saves.Close(shutdownCtx); err != nil {
		logger.Error("Failed to flush pending saves", "error", err, "pending", saves.Pending())
	}
	if err := store.Close(); err != nil {
		logger.Warning("Failed to close player store", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warning("Failed to shut down telemetry", "error", err)
	}
	logger.Info("Server stopped, all players saved")
}

// handleHashAdminToken prints the admin.token_hash value for token.
func handleHashAdminToken(token string) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to hash token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

func loadCatalog(path string) (*region.Catalog, error) {
	if path == "" {
		return region.Default(), nil
	}
	logger.Info("Loading regions from file", "path", path)
	return region.LoadFromYAML(path)
}

// openStore opens the player store selected by database.driver.
func openStore(cfg *config.ServerConfig) (persistence.Store, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warning("Using in-memory player store, progress is lost on restart")
		return persistence.NewMemoryRepository(), nil
	}

	db, err := database.OpenWithConfig(cfg.ToDatabaseConfig())
	if err != nil {
		return nil, err
	}
	switch cfg.Database.Driver {
	case "postgres":
		logger.Info("Player database initialized", "driver", "postgres",
			"host", cfg.Database.Postgres.Host, "database", cfg.Database.Postgres.Database)
	default:
		logger.Info("Player database initialized", "driver", "sqlite", "path", cfg.Database.Path)
	}
	return persistence.NewSQLRepository(db), nil
}

func logOriginPolicy(origins []string) {
	switch {
	case len(origins) == 0:
		logger.Info("CORS policy", "mode", "same-origin")
	case len(origins) == 1 && origins[0] == "*":
		logger.Warning("CORS allows all origins (not recommended for production)")
	default:
		logger.Info("CORS policy", "allowed_origins", origins)
	}
}

func loadNameFilter(path string) *namefilter.NameFilter {
	nfCfg, err := namefilter.LoadConfig(path)
	if err != nil {
		logger.Warning("Name filter config not loaded, banned lists disabled", "path", path, "error", err)
		return namefilter.New(nil)
	}
	nf := namefilter.New(nfCfg)
	logger.Info("Name filter loaded",
		"enabled", nf.IsEnabled(),
		"banned_words", len(nfCfg.BannedWords),
		"banned_names", len(nfCfg.BannedNames))
	return nf
}
