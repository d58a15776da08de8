package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/devauth/internal/database"
	"github.com/jmoiron/sqlx"
)

// store wraps the shared handle with dialect rebinding and transient-error
// retry. Every repository embeds one.
type store struct {
	db     *sqlx.DB
	policy database.RetryPolicy
}

func (s store) get(ctx context.Context, dest any, query string, args ...any) error {
	err := database.Do(ctx, s.policy, func() error {
		return s.db.GetContext(ctx, dest, s.db.Rebind(query), args...)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s store) sel(ctx context.Context, dest any, query string, args ...any) error {
	return database.Do(ctx, s.policy, func() error {
		return s.db.SelectContext(ctx, dest, s.db.Rebind(query), args...)
	})
}

// exec runs a statement and returns the number of affected rows.
func (s store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	return database.Retry(ctx, s.policy, func() (int64, error) {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
}

func (s store) postgres() bool {
	return s.db.DriverName() == "pgx"
}
