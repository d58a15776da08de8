package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", driver.ErrBadConn, true},
		{"wrapped bad conn", fmt.Errorf("query: %w", driver.ErrBadConn), true},
		{"mysql invalid conn", mysql.ErrInvalidConn, true},
		{"refused", syscall.ECONNREFUSED, true},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"no rows", sql.ErrNoRows, false},
		{"other", errors.New("syntax error"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, driver.ErrBadConn
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 || calls != 3 {
		t.Fatalf("got v=%d calls=%d", v, calls)
	}
}

func TestRetryStopsAfterAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), RetryPolicy{Attempts: 2, Backoff: time.Millisecond}, func() error {
		calls++
		return syscall.ECONNREFUSED
	})
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("expected ECONNREFUSED, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls (1 + 2 retries), got %d", calls)
	}
}

func TestRetryPermanentErrorNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), RetryPolicy{Attempts: 5, Backoff: time.Millisecond}, func() error {
		calls++
		return sql.ErrNoRows
	})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestMigrationDir(t *testing.T) {
	if dir, err := migrationDir("mysql"); err != nil || dir != "migrations/mysql" {
		t.Fatalf("mysql: %q %v", dir, err)
	}
	if dir, err := migrationDir("pgx"); err != nil || dir != "migrations/postgres" {
		t.Fatalf("pgx: %q %v", dir, err)
	}
	if _, err := migrationDir("sqlite"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestMigrationFSHasPairedFiles(t *testing.T) {
	for _, dir := range []string{"migrations/mysql", "migrations/postgres"} {
		entries, err := MigrationFS.ReadDir(dir)
		if err != nil {
			t.Fatalf("read %s: %v", dir, err)
		}
		if len(entries) == 0 || len(entries)%2 != 0 {
			t.Fatalf("%s: expected up/down pairs, got %d files", dir, len(entries))
		}
	}
}
