package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
)

// OpenPostgres dials the strict Postgres backend (spec §4.A "strict mode")
// over database/sql using the pgx stdlib driver, runs migrations under a
// session-scoped advisory lock so concurrent booting instances don't race
// each other applying the same migration file, and returns a ready Store.
func OpenPostgres(ctx context.Context, dsn string) (Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := newSQLStore(db, postgresDialect())

	const lockKey = 0x706169646962 // "paidib" truncated to fit an int64 advisory key
	if _, err := db.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockKey); err != nil {
		db.Close()
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	migrateErr := s.Migrate(ctx)
	if _, err := db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", lockKey); err != nil {
		logrus.WithError(err).Warn("failed to release postgres migration advisory lock")
	}
	if migrateErr != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres: %w", migrateErr)
	}

	logrus.WithField("backend", "postgres").Info("store ready")
	return s, nil
}
