// Command migrate manages the PostgreSQL schema outside the server.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/example/logica/internal/config"
	"github.com/example/logica/internal/store"
	"github.com/golang-migrate/migrate/v4"
	"go.uber.org/zap"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Uint("version", 0, "Target version (for force command)")
		dir     = flag.String("dir", "", "Migrations directory (default: db.migrations_dir)")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.New()
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}
	if cfg.DB.Adapter != "postgres" {
		logger.Fatal("migrations only work with PostgreSQL", zap.String("adapter", cfg.DB.Adapter))
	}

	migrationsDir := cfg.DB.MigrationsDir
	if *dir != "" {
		migrationsDir = *dir
	}

	m, err := store.NewMigrator(migrationsDir, cfg.DB.Postgres.DSN)
	if err != nil {
		logger.Fatal("opening migrator", zap.Error(err))
	}
	defer m.Close()

	if err := run(m, *command, *steps, *version, logger); err != nil {
		logger.Fatal("migration failed", zap.String("command", *command), zap.Error(err))
	}
}

func run(m *store.Migrator, command string, steps int, version uint, logger *zap.Logger) error {
	switch command {
	case "up", "down":
		var err error
		switch {
		case steps > 0 && command == "up":
			err = m.Steps(steps)
		case steps > 0:
			err = m.Steps(-steps)
		case command == "up":
			err = m.Up()
		default:
			err = m.Down()
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		v, _, _ := m.Version()
		logger.Info("migrations applied", zap.String("direction", command), zap.Uint("version", v))
		return nil
	case "version":
		v, dirty, err := m.Version()
		if err != nil {
			return err
		}
		if dirty {
			return fmt.Errorf("database is in a dirty state (version %d)", v)
		}
		logger.Info("current migration version", zap.Uint("version", v))
		return nil
	case "force":
		if version == 0 {
			return errors.New("version required for force command (use -version flag)")
		}
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("forcing version: %w", err)
		}
		logger.Info("forced database version", zap.Uint("version", version))
		return nil
	default:
		return fmt.Errorf("unknown command: %s (supported: up, down, version, force)", command)
	}
}
