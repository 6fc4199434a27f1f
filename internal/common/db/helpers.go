package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-sql-driver/mysql"
)

const (
	mysqlDuplicateEntry = 1062
	mysqlDeadlock       = 1213
	mysqlLockWaitTimout = 1205
)

// ErrTxAborted marks a transaction the server has already rolled back. Nothing more
// can run in it; the whole unit of work has to start over.
var ErrTxAborted = errors.New("transaction aborted")

// Querier abstracts database operations for both database and transaction.
type Querier interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
}

// GetQuerier returns transaction if provided, otherwise uses the database.
func GetQuerier(database Database, tx Transaction) Querier {
	if tx != nil {
		return tx
	}
	return database
}

// IsNoRows checks if the error is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// UniqueViolation inspects a MySQL duplicate key error and returns the key name.
func UniqueViolation(err error) (string, bool) {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return ExtractDuplicateKeyName(myErr.Message), true
	}
	return "", false
}

// IsRetryableLockError reports deadlock victims and lock wait timeouts.
func IsRetryableLockError(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	return myErr.Number == mysqlDeadlock || myErr.Number == mysqlLockWaitTimout
}

// IsRetryableTx reports whether rerunning the whole transaction may succeed.
func IsRetryableTx(err error) bool {
	return errors.Is(err, ErrTxAborted) || IsRetryableLockError(err)
}

// ExtractDuplicateKeyName parses duplicate key name from MySQL error message.
func ExtractDuplicateKeyName(message string) string {
	if message == "" {
		return ""
	}
	const marker = "for key "
	idx := strings.LastIndex(message, marker)
	if idx == -1 {
		return ""
	}
	key := strings.TrimSpace(message[idx+len(marker):])
	key = strings.Trim(key, " `\"'")
	// MySQL 8 reports "table.key".
	if dot := strings.LastIndex(key, "."); dot >= 0 {
		key = key[dot+1:]
	}
	return key
}

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Savepoint opens a named savepoint inside tx.
func Savepoint(ctx context.Context, tx Transaction, name string) error {
	return savepointExec(ctx, tx, "SAVEPOINT ", name)
}

// RollbackToSavepoint undoes everything after the named savepoint, keeping the transaction open.
func RollbackToSavepoint(ctx context.Context, tx Transaction, name string) error {
	return savepointExec(ctx, tx, "ROLLBACK TO SAVEPOINT ", name)
}

// ReleaseSavepoint drops the named savepoint.
func ReleaseSavepoint(ctx context.Context, tx Transaction, name string) error {
	return savepointExec(ctx, tx, "RELEASE SAVEPOINT ", name)
}

func savepointExec(ctx context.Context, tx Transaction, verb, name string) error {
	if tx == nil {
		return fmt.Errorf("savepoint %s: no transaction", name)
	}
	if !savepointName.MatchString(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	if _, err := tx.Exec(ctx, verb+name); err != nil {
		return fmt.Errorf("%s%s: %w", strings.ToLower(verb), name, err)
	}
	return nil
}
