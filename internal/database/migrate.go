package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
)

// MigrationFS embeds one directory of SQL migrations per dialect.
//
//go:embed migrations/mysql/*.sql migrations/postgres/*.sql
var MigrationFS embed.FS

// ErrNoChange is returned when Up/Down has nothing to do.
var ErrNoChange = migrate.ErrNoChange

// migrationDir maps a driver name to its embedded migration directory.
func migrationDir(driver string) (string, error) {
	switch driver {
	case "mysql":
		return "migrations/mysql", nil
	case "pgx":
		return "migrations/postgres", nil
	}
	return "", fmt.Errorf("no migrations for driver %q", driver)
}

// Migrate applies the embedded migrations for the handle's dialect in the
// given direction ("up" or "down"). Already being at the target version is
// not an error.
func Migrate(db *sqlx.DB, direction string) error {
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}
	dir, err := migrationDir(db.DriverName())
	if err != nil {
		return err
	}
	src, err := iofs.New(MigrationFS, dir)
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	var target migratedb.Driver
	switch db.DriverName() {
	case "mysql":
		target, err = migratemysql.WithInstance(db.DB, &migratemysql.Config{})
	case "pgx":
		target, err = migratepgx.WithInstance(db.DB, &migratepgx.Config{})
	}
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, db.DriverName(), target)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
