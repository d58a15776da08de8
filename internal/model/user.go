package model

import (
	"database/sql"
	"time"
)

// User represents an account row in the `auth_users` table. Each field
// corresponds to a column; the db tags drive sqlx scanning. Username and
// phone are nullable in the schema, and PasswordHash is never serialized.
//
// Fields:
//
//	ID              – auth_users.user_id (uuid string).
//	Email           – unique email address.
//	Username        – unique username.
//	Phone           – unique phone number.
//	PasswordHash    – bcrypt hash of the password.
//	IsEmailVerified – set once the verification link is followed.
//	CreatedAt       – timestamp of creation.
//	UpdatedAt       – timestamp of last update.
type User struct {
	ID              string         `db:"user_id"`
	Email           string         `db:"email"`
	Username        sql.NullString `db:"username"`
	Phone           sql.NullString `db:"phone"`
	PasswordHash    string         `db:"password"`
	IsEmailVerified bool           `db:"is_email_verified"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// PublicUser is the password-free projection of a User. It is what travels
// inside signed tokens and JSON responses.
type PublicUser struct {
	ID              string    `json:"user_id"`
	Email           string    `json:"email"`
	Username        string    `json:"username"`
	Phone           string    `json:"phone"`
	IsEmailVerified bool      `json:"is_email_verified"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Public strips the password hash.
func (u User) Public() PublicUser {
	return PublicUser{
		ID:              u.ID,
		Email:           u.Email,
		Username:        u.Username.String,
		Phone:           u.Phone.String,
		IsEmailVerified: u.IsEmailVerified,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
}
