package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-sql-driver/mysql"
)

// RetryPolicy bounds how often a store call is retried after a transient
// connection failure. Attempts counts retries, not the first try.
type RetryPolicy struct {
	Attempts uint
	Backoff  time.Duration
}

// NoRetry runs every operation exactly once.
var NoRetry = RetryPolicy{}

// IsTransient reports whether err is a connection-level failure worth
// retrying. Query errors, constraint violations and sql.ErrNoRows are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
}

// Retry runs op and retries it with a constant backoff while it fails with
// a transient error. Any other error is returned immediately.
func Retry[T any](ctx context.Context, p RetryPolicy, op func() (T, error)) (T, error) {
	wrapped := func() (T, error) {
		v, err := op()
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Backoff)),
		backoff.WithMaxTries(p.Attempts+1),
	)
}

// Do is Retry for operations without a result.
func Do(ctx context.Context, p RetryPolicy, op func() error) error {
	_, err := Retry(ctx, p, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}
