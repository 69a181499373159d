package db

import (
	"context"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

func TestErrClassification(t *testing.T) {
	busy := errors.Wrap(sqlite3.Error{Code: sqlite3.ErrBusy}, "db insert shot")
	locked := errors.Wrap(sqlite3.Error{Code: sqlite3.ErrLocked}, "db insert shot")
	constraint := errors.Wrap(sqlite3.Error{Code: sqlite3.ErrConstraint}, "db insert shot")

	if !isBusyErr(busy) || !isBusyErr(locked) {
		t.Fatal("lock contention not recognized as retryable")
	}
	if isBusyErr(constraint) {
		t.Fatal("constraint violation treated as retryable")
	}
	if !isConstraintErr(constraint) || isConstraintErr(busy) {
		t.Fatal("constraint classification wrong")
	}
}

// A write that loses the table lock to a concurrent writer is re-run instead
// of surfacing as an internal error.
func TestWriteRetryRecoversFromLock(t *testing.T) {
	s := &SQLite{}
	calls := 0
	err := s.withWriteRetry(context.Background(), func() error {
		calls++
		if calls < 2 {
			return errors.Wrap(sqlite3.Error{Code: sqlite3.ErrLocked}, "db insert shot")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("op ran %d times, want 2", calls)
	}

	calls = 0
	err = s.withWriteRetry(context.Background(), func() error {
		calls++
		return errors.Wrap(sqlite3.Error{Code: sqlite3.ErrConstraint}, "db insert shot")
	})
	if !isConstraintErr(err) {
		t.Fatalf("constraint error transformed by retry: %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-retryable error re-ran the op %d times", calls)
	}
}
