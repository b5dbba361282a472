// Command migrate applies the atelier schema with goose.
//
//	migrate up | down | status | version | redo | up-to N | down-to N
//
// DATABASE_URL comes from the environment or .env; MIGRATIONS_DIR defaults
// to ./migrations.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/atelier/internal/logging"
)

const (
	defaultMigrationsDir = "migrations"
	migrateTimeout       = 5 * time.Minute
)

var commands = map[string]int{
	"up": 0, "down": 0, "status": 0, "version": 0, "redo": 0,
	"up-to": 1, "down-to": 1,
}

func main() {
	logger := logging.New("info", "text")

	if err := run(os.Args[1:]); err != nil {
		logger.Error("migrate failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: migrate <up|down|status|version|redo|up-to N|down-to N>")
	}
	command, rest := args[0], args[1:]
	if want, ok := commands[command]; !ok || len(rest) != want {
		return fmt.Errorf("unknown command or wrong arguments: %q", args)
	}

	_ = godotenv.Load()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}
	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = defaultMigrationsDir
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, dir, rest...)
}
