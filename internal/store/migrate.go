package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrateDSN applies every pending migration in migrationsDir
// (typically "internal/store/migrations") to the database at dsn.
// Schema changes are versioned files, never baked into
// NewPostgresStore. The common entrypoint is
// cmd/flowctl-controlplane/main.go, before NewPostgresStore dials.
func MigrateDSN(dsn, migrationsDir string) error {
	m, err := migrate.New("file://"+migrationsDir, dsnToPgxURL(dsn))
	if err != nil {
		return fmt.Errorf("open migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// dsnToPgxURL adapts a pgx-style postgres DSN to the "pgx5://" scheme
// golang-migrate's pgx/v5 driver expects.
func dsnToPgxURL(dsn string) string {
	const pgPrefix = "postgres://"
	const pgxPrefix = "pgx5://"
	if len(dsn) >= len(pgPrefix) && dsn[:len(pgPrefix)] == pgPrefix {
		return pgxPrefix + dsn[len(pgPrefix):]
	}
	return dsn
}
