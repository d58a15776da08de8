package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/iliyamo/devauth/internal/database"
	"github.com/iliyamo/devauth/internal/model"
	"github.com/jmoiron/sqlx"
)

const mfaColumns = "mfa_id, user_id, mfa_type, mfa_secret, is_enabled"

// MFARepo reads and writes `auth_user_mfa`. (user_id, mfa_type) is unique.
type MFARepo struct{ store }

func NewMFARepo(db *sqlx.DB, policy database.RetryPolicy) *MFARepo {
	return &MFARepo{store{db: db, policy: policy}}
}

// ListEnabled returns the user's enabled methods.
func (r *MFARepo) ListEnabled(ctx context.Context, userID string) ([]model.MFAMethod, error) {
	var ms []model.MFAMethod
	err := r.sel(ctx, &ms,
		"SELECT "+mfaColumns+" FROM auth_user_mfa WHERE user_id = ? AND is_enabled = true",
		userID)
	if err != nil {
		return nil, fmt.Errorf("list enabled mfa: %w", err)
	}
	return ms, nil
}

// ListByUser returns every method row of the user, enabled or not.
func (r *MFARepo) ListByUser(ctx context.Context, userID string) ([]model.MFAMethod, error) {
	var ms []model.MFAMethod
	if err := r.sel(ctx, &ms, "SELECT "+mfaColumns+" FROM auth_user_mfa WHERE user_id = ?", userID); err != nil {
		return nil, fmt.Errorf("list mfa: %w", err)
	}
	return ms, nil
}

// Get fetches the user's row of type t.
func (r *MFARepo) Get(ctx context.Context, userID string, t model.MFAType) (model.MFAMethod, error) {
	var m model.MFAMethod
	err := r.get(ctx, &m,
		"SELECT "+mfaColumns+" FROM auth_user_mfa WHERE user_id = ? AND mfa_type = ? LIMIT 1",
		userID, t.String())
	if err != nil {
		return model.MFAMethod{}, fmt.Errorf("get mfa: %w", err)
	}
	return m, nil
}

// Upsert inserts the (user, type) row or updates its enabled flag and
// secret. A new row gets a fresh id.
func (r *MFARepo) Upsert(ctx context.Context, m model.MFAMethod) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	q := "INSERT INTO auth_user_mfa (" + mfaColumns + ") VALUES (?,?,?,?,?) " +
		"ON DUPLICATE KEY UPDATE is_enabled = VALUES(is_enabled), mfa_secret = VALUES(mfa_secret)"
	if r.postgres() {
		q = "INSERT INTO auth_user_mfa (" + mfaColumns + ") VALUES (?,?,?,?,?) " +
			"ON CONFLICT (user_id, mfa_type) DO UPDATE SET is_enabled = EXCLUDED.is_enabled, mfa_secret = EXCLUDED.mfa_secret"
	}
	if _, err := r.exec(ctx, q, m.ID, m.UserID, m.Type.String(), m.Secret, m.IsEnabled); err != nil {
		return fmt.Errorf("upsert mfa: %w", err)
	}
	return nil
}
