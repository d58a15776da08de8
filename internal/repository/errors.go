// Package repository is the credential store: sqlx-backed access to users,
// refresh-token records, MFA methods and single-use tokens. Queries are
// written with '?' placeholders and rebound for the active dialect.
//
// The sentinel values below let the service layer distinguish "nothing
// there" from a store failure. For example, ErrAlreadyConsumed tells the
// caller that a single-use token lost a consume race.
package repository

import "errors"

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrAlreadyConsumed is returned when a single-use token was consumed
// between lookup and consume.
var ErrAlreadyConsumed = errors.New("token already consumed")
