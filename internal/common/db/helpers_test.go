package db_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"cpjudge/internal/common/db"

	"github.com/go-sql-driver/mysql"
)

func TestUniqueViolation(t *testing.T) {
	t.Parallel()
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry '7-3' for key 'score_awards.uk_user_problem'"}

	key, ok := db.UniqueViolation(fmt.Errorf("exec failed: %w", dup))
	if !ok {
		t.Fatalf("expected duplicate entry to be detected")
	}
	if key != "uk_user_problem" {
		t.Fatalf("unexpected key %q", key)
	}
	if _, ok := db.UniqueViolation(errors.New("other")); ok {
		t.Fatalf("plain error should not be a unique violation")
	}
}

func TestIsRetryableLockError(t *testing.T) {
	t.Parallel()
	if !db.IsRetryableLockError(&mysql.MySQLError{Number: 1213}) {
		t.Fatalf("deadlock should be retryable")
	}
	if db.IsRetryableLockError(&mysql.MySQLError{Number: 1062}) {
		t.Fatalf("duplicate entry should not be retryable")
	}
}

func TestIsRetryableTx(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "aborted", err: fmt.Errorf("award: %w", db.ErrTxAborted), want: true},
		{name: "lock wait timeout", err: fmt.Errorf("update: %w", &mysql.MySQLError{Number: 1205}), want: true},
		{name: "duplicate entry", err: &mysql.MySQLError{Number: 1062}, want: false},
		{name: "plain", err: errors.New("connection reset"), want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := db.IsRetryableTx(tt.err); got != tt.want {
				t.Fatalf("IsRetryableTx(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type recordingTx struct {
	stmts []string
}

func (r *recordingTx) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, errors.New("not implemented")
}

func (r *recordingTx) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return nil
}

func (r *recordingTx) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	r.stmts = append(r.stmts, query)
	return nil, nil
}

func (r *recordingTx) Commit() error   { return nil }
func (r *recordingTx) Rollback() error { return nil }

func TestSavepointStatements(t *testing.T) {
	t.Parallel()
	tx := &recordingTx{}
	ctx := context.Background()

	if err := db.Savepoint(ctx, tx, "scoring_award"); err != nil {
		t.Fatalf("savepoint: %v", err)
	}
	if err := db.RollbackToSavepoint(ctx, tx, "scoring_award"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := db.ReleaseSavepoint(ctx, tx, "scoring_award"); err != nil {
		t.Fatalf("release: %v", err)
	}
	want := []string{"SAVEPOINT scoring_award", "ROLLBACK TO SAVEPOINT scoring_award", "RELEASE SAVEPOINT scoring_award"}
	if fmt.Sprint(tx.stmts) != fmt.Sprint(want) {
		t.Fatalf("statements = %v, want %v", tx.stmts, want)
	}
	if err := db.Savepoint(ctx, tx, "x; DROP TABLE users"); err == nil {
		t.Fatalf("expected invalid name to be rejected")
	}
}

func TestNormalizeDSN(t *testing.T) {
	t.Parallel()
	dsn, err := db.NormalizeDSN("judge:secret@tcp(127.0.0.1:3306)/cpjudge?loc=UTC")
	if err != nil {
		t.Fatalf("NormalizeDSN: %v", err)
	}
	for _, want := range []string{"parseTime=true", "clientFoundRows=true", "/cpjudge"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn %q missing %q", dsn, want)
		}
	}
	if _, err := db.NormalizeDSN("not a dsn"); err == nil {
		t.Fatal("expected an error for a malformed DSN")
	}
}
