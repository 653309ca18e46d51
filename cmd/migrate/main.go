package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"
)

const usage = `Usage: migrate <command>

Commands:
  up      apply all pending migrations
  down    roll back the most recent migration
  status  list applied migrations

Environment:
  COVER_POSTGRES_DSN   Postgres connection string
  COVER_MIGRATIONS_DIR migrations directory (default: migrations)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger := observability.NewLogger("migrate")

	dsn := os.Getenv("COVER_POSTGRES_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/coverledger?sslmode=disable"
	}
	dir := os.Getenv("COVER_MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres unreachable")
	}

	migrator := persistence.NewMigrator(db, dir)

	switch cmd := os.Args[1]; cmd {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		rows, err := db.QueryContext(ctx,
			`SELECT version, filename, applied_at FROM public.schema_migrations ORDER BY version`)
		if err != nil {
			logger.Fatal().Err(err).Msg("read schema_migrations")
		}
		defer rows.Close()
		for rows.Next() {
			var version, filename string
			var appliedAt time.Time
			if err := rows.Scan(&version, &filename, &appliedAt); err != nil {
				logger.Fatal().Err(err).Msg("scan migration row")
			}
			fmt.Printf("%s  %-40s applied %s\n", version, filename, appliedAt.Format(time.RFC3339))
		}
		if err := rows.Err(); err != nil {
			logger.Fatal().Err(err).Msg("iterate migrations")
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}
