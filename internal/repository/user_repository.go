package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/iliyamo/devauth/internal/database"
	"github.com/iliyamo/devauth/internal/model"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

// ErrDuplicate is returned when an insert violates a unique key. Callers
// check conflicts up front; this covers the race between check and insert.
var ErrDuplicate = errors.New("duplicate key")

const userColumns = "user_id, email, username, phone, password, is_email_verified, created_at, updated_at"

// UserRepo reads and writes the `auth_users` table.
type UserRepo struct{ store }

func NewUserRepo(db *sqlx.DB, policy database.RetryPolicy) *UserRepo {
	return &UserRepo{store{db: db, policy: policy}}
}

// FindByLogin fetches the user whose email, username or phone equals
// loginID. Email matching is case-insensitive.
func (r *UserRepo) FindByLogin(ctx context.Context, loginID string) (model.User, error) {
	loginID = strings.TrimSpace(loginID)
	var u model.User
	err := r.get(ctx, &u,
		"SELECT "+userColumns+" FROM auth_users WHERE email = ? OR username = ? OR phone = ? LIMIT 1",
		strings.ToLower(loginID), loginID, loginID)
	if err != nil {
		return model.User{}, fmt.Errorf("find user by login: %w", err)
	}
	return u, nil
}

// FindByID fetches a user by id.
func (r *UserRepo) FindByID(ctx context.Context, id string) (model.User, error) {
	var u model.User
	if err := r.get(ctx, &u, "SELECT "+userColumns+" FROM auth_users WHERE user_id = ? LIMIT 1", id); err != nil {
		return model.User{}, fmt.Errorf("find user by id: %w", err)
	}
	return u, nil
}

// FindConflicts returns every user that already holds one of the given
// email, username or phone values.
func (r *UserRepo) FindConflicts(ctx context.Context, email, username, phone string) ([]model.User, error) {
	var users []model.User
	err := r.sel(ctx, &users,
		"SELECT "+userColumns+" FROM auth_users WHERE email = ? OR username = ? OR phone = ?",
		strings.ToLower(email), username, phone)
	if err != nil {
		return nil, fmt.Errorf("find conflicting users: %w", err)
	}
	return users, nil
}

// Create inserts u. The caller supplies the id, hash and timestamps.
func (r *UserRepo) Create(ctx context.Context, u model.User) error {
	_, err := r.exec(ctx,
		"INSERT INTO auth_users ("+userColumns+") VALUES (?,?,?,?,?,?,?,?)",
		u.ID, strings.ToLower(u.Email), u.Username, u.Phone, u.PasswordHash, u.IsEmailVerified, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// SetEmailVerified flips is_email_verified to true.
func (r *UserRepo) SetEmailVerified(ctx context.Context, userID string, now time.Time) error {
	_, err := r.exec(ctx,
		"UPDATE auth_users SET is_email_verified = true, updated_at = ? WHERE user_id = ?",
		now, userID)
	if err != nil {
		return fmt.Errorf("set email verified: %w", err)
	}
	return nil
}

// UpdatePassword stores a new password hash.
func (r *UserRepo) UpdatePassword(ctx context.Context, userID, hash string, now time.Time) error {
	_, err := r.exec(ctx,
		"UPDATE auth_users SET password = ?, updated_at = ? WHERE user_id = ?",
		hash, now, userID)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// isDuplicate recognises unique-key violations from either dialect.
func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
