// Package memstore is a mutex-guarded in-memory Credential Store with the
// same method set and sentinel errors as the sqlx repositories. Service and
// handler tests run against it.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/devauth/internal/model"
	"github.com/iliyamo/devauth/internal/repository"
)

// Store holds every table. The zero value is not usable; call New.
type Store struct {
	mu         sync.Mutex
	users      map[string]model.User
	refresh    map[string]model.RefreshToken
	mfa        map[string]model.MFAMethod
	authTokens map[string]model.AuthToken

	// Err, when set, is returned by every call.
	Err error
}

func New() *Store {
	return &Store{
		users:      map[string]model.User{},
		refresh:    map[string]model.RefreshToken{},
		mfa:        map[string]model.MFAMethod{},
		authTokens: map[string]model.AuthToken{},
	}
}

// Users, RefreshTokens, MFA and AuthTokens return views satisfying the
// corresponding repository method sets.
func (s *Store) Users() *Users                 { return &Users{s} }
func (s *Store) RefreshTokens() *RefreshTokens { return &RefreshTokens{s} }
func (s *Store) MFA() *MFA                     { return &MFA{s} }
func (s *Store) AuthTokens() *AuthTokens       { return &AuthTokens{s} }

// ---- users ----

type Users struct{ s *Store }

func (r *Users) FindByLogin(_ context.Context, loginID string) (model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return model.User{}, r.s.Err
	}
	id := strings.TrimSpace(loginID)
	email := strings.ToLower(id)
	for _, u := range r.s.users {
		if u.Email == email || (u.Username.Valid && u.Username.String == id) || (u.Phone.Valid && u.Phone.String == id) {
			return u, nil
		}
	}
	return model.User{}, repository.ErrNotFound
}

func (r *Users) FindByID(_ context.Context, id string) (model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return model.User{}, r.s.Err
	}
	u, ok := r.s.users[id]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	return u, nil
}

func (r *Users) FindConflicts(_ context.Context, email, username, phone string) ([]model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	var out []model.User
	for _, u := range r.s.users {
		if u.Email == email || u.Username.String == username || u.Phone.String == phone {
			out = append(out, u)
		}
	}
	return out, nil
}

func (r *Users) Create(_ context.Context, u model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	for _, e := range r.s.users {
		if e.Email == u.Email || (u.Username.Valid && e.Username.String == u.Username.String) ||
			(u.Phone.Valid && e.Phone.String == u.Phone.String) {
			return repository.ErrDuplicate
		}
	}
	r.s.users[u.ID] = u
	return nil
}

func (r *Users) SetEmailVerified(_ context.Context, userID string, now time.Time) error {
	return r.s.updateUser(userID, func(u *model.User) {
		u.IsEmailVerified = true
		u.UpdatedAt = now
	})
}

func (r *Users) UpdatePassword(_ context.Context, userID, hash string, now time.Time) error {
	return r.s.updateUser(userID, func(u *model.User) {
		u.PasswordHash = hash
		u.UpdatedAt = now
	})
}

func (s *Store) updateUser(id string, fn func(*model.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	u, ok := s.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(&u)
	s.users[id] = u
	return nil
}

// ---- refresh tokens ----

type RefreshTokens struct{ s *Store }

func (r *RefreshTokens) Create(_ context.Context, rec model.RefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	r.s.refresh[rec.ID] = rec
	return nil
}

func (r *RefreshTokens) find(match func(model.RefreshToken) bool) (model.RefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return model.RefreshToken{}, r.s.Err
	}
	for _, rec := range r.s.refresh {
		if match(rec) {
			return rec, nil
		}
	}
	return model.RefreshToken{}, repository.ErrNotFound
}

func (r *RefreshTokens) GetByToken(_ context.Context, token string) (model.RefreshToken, error) {
	return r.find(func(rec model.RefreshToken) bool { return rec.Token == token })
}

func (r *RefreshTokens) GetByAccessToken(_ context.Context, access string) (model.RefreshToken, error) {
	return r.find(func(rec model.RefreshToken) bool { return rec.AccessToken == access })
}

func (r *RefreshTokens) update(id string, fn func(*model.RefreshToken)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	rec, ok := r.s.refresh[id]
	if !ok {
		return nil
	}
	fn(&rec)
	r.s.refresh[id] = rec
	return nil
}

func (r *RefreshTokens) UpdateAccessToken(_ context.Context, id, access string) error {
	return r.update(id, func(rec *model.RefreshToken) { rec.AccessToken = access })
}

func (r *RefreshTokens) Revoke(_ context.Context, id string, now time.Time) error {
	return r.update(id, func(rec *model.RefreshToken) {
		if rec.Revoked {
			return
		}
		rec.Revoked = true
		rec.RevokedAt.Time, rec.RevokedAt.Valid = now, true
	})
}

func (r *RefreshTokens) ListByUser(_ context.Context, userID string) ([]model.RefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	var out []model.RefreshToken
	for _, rec := range r.s.refresh {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *RefreshTokens) SetSessionIDByAccessToken(_ context.Context, access, sessionID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	for id, rec := range r.s.refresh {
		if rec.AccessToken == access {
			rec.SessionID.String, rec.SessionID.Valid = sessionID, true
			r.s.refresh[id] = rec
		}
	}
	return nil
}

// All returns every stored record, in no particular order.
func (r *RefreshTokens) All() []model.RefreshToken {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.RefreshToken, 0, len(r.s.refresh))
	for _, rec := range r.s.refresh {
		out = append(out, rec)
	}
	return out
}

// ---- mfa ----

type MFA struct{ s *Store }

func mfaKey(userID string, t model.MFAType) string { return userID + "/" + t.String() }

func (r *MFA) ListEnabled(ctx context.Context, userID string) ([]model.MFAMethod, error) {
	all, err := r.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []model.MFAMethod
	for _, m := range all {
		if m.IsEnabled {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *MFA) ListByUser(_ context.Context, userID string) ([]model.MFAMethod, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	var out []model.MFAMethod
	for _, m := range r.s.mfa {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (r *MFA) Get(_ context.Context, userID string, t model.MFAType) (model.MFAMethod, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return model.MFAMethod{}, r.s.Err
	}
	m, ok := r.s.mfa[mfaKey(userID, t)]
	if !ok {
		return model.MFAMethod{}, repository.ErrNotFound
	}
	return m, nil
}

func (r *MFA) Upsert(_ context.Context, m model.MFAMethod) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	k := mfaKey(m.UserID, m.Type)
	if prev, ok := r.s.mfa[k]; ok {
		m.ID = prev.ID
	} else if m.ID == "" {
		m.ID = uuid.NewString()
	}
	r.s.mfa[k] = m
	return nil
}

// ---- auth tokens ----

type AuthTokens struct{ s *Store }

func (r *AuthTokens) Create(_ context.Context, t model.AuthToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	r.s.authTokens[t.ID] = t
	return nil
}

func (r *AuthTokens) FindActive(ctx context.Context, token string, typ model.TokenType, now time.Time) (model.AuthToken, error) {
	t, err := r.FindUnconsumed(ctx, token, typ)
	if err != nil {
		return model.AuthToken{}, err
	}
	if !t.ExpiresAt.After(now) {
		return model.AuthToken{}, repository.ErrNotFound
	}
	return t, nil
}

func (r *AuthTokens) FindUnconsumed(_ context.Context, token string, typ model.TokenType) (model.AuthToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return model.AuthToken{}, r.s.Err
	}
	for _, t := range r.s.authTokens {
		if t.Token == token && t.Type == typ && !t.IsConsumed {
			return t, nil
		}
	}
	return model.AuthToken{}, repository.ErrNotFound
}

func (r *AuthTokens) Consume(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	t, ok := r.s.authTokens[id]
	if !ok || t.IsConsumed {
		return repository.ErrAlreadyConsumed
	}
	t.IsConsumed = true
	r.s.authTokens[id] = t
	return nil
}

// ByUser returns the user's single-use tokens of one type.
func (r *AuthTokens) ByUser(userID string, typ model.TokenType) []model.AuthToken {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.AuthToken
	for _, t := range r.s.authTokens {
		if t.UserID == userID && t.Type == typ {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
