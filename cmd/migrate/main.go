// Command migrate applies the pipeline schema (articles, project membership, jobs and
// embeddings) to the configured Postgres database.
//
// Usage:
//
//	migrate [-path DIR] up | down | steps N | version | force V
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/config"
	"github.com/helixir/literature-pipeline/internal/database"
	"github.com/helixir/literature-pipeline/internal/observability"
)

var errUsage = errors.New("usage: migrate [-path DIR] up | down | steps N | version | force V")

// command is a parsed migrate invocation.
type command struct {
	name string
	arg  int
}

func main() {
	path := flag.String("path", "", "migrations directory (defaults to database.migration_path)")
	flag.Parse()

	cmd, err := parseCommand(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(cmd, *path); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errUsage
	}
	cmd := command{name: args[0]}

	switch cmd.name {
	case "up", "down", "version":
		if len(args) != 1 {
			return command{}, errUsage
		}
	case "steps", "force":
		if len(args) != 2 {
			return command{}, errUsage
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return command{}, fmt.Errorf("%s: %q is not a number", cmd.name, args[1])
		}
		if cmd.name == "steps" && n == 0 {
			return command{}, fmt.Errorf("steps: N must be non-zero")
		}
		if cmd.name == "force" && n < 0 {
			return command{}, fmt.Errorf("force: version must not be negative")
		}
		cmd.arg = n
	default:
		return command{}, errUsage
	}
	return cmd, nil
}

func run(cmd command, pathOverride string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	}).With().Str("component", "migrate").Logger()

	dir := cfg.Database.MigrationPath
	if pathOverride != "" {
		dir = pathOverride
	}

	migrator, err := database.NewMigrator(cfg.Database.DSN(), dir, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if err := migrator.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close migrator")
		}
	}()

	switch cmd.name {
	case "up":
		err = migrator.Up()
	case "down":
		logger.Warn().Str("dir", dir).Msg("dropping every pipeline table")
		err = migrator.Down()
	case "steps":
		err = migrator.Steps(cmd.arg)
	case "force":
		logger.Warn().Int("version", cmd.arg).Msg("forcing schema version")
		err = migrator.Force(cmd.arg)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", cmd.name, err)
	}

	reportVersion(migrator, logger)
	return nil
}

func reportVersion(migrator *database.Migrator, logger zerolog.Logger) {
	v, dirty, err := migrator.Version()
	if err != nil {
		logger.Warn().Err(err).Msg("schema version unknown")
		return
	}
	logger.Info().Uint("version", v).Bool("dirty", dirty).Msg("schema version")
}
