package db

import (
	"context"
	"database/sql"
	"time"
)

// Database is the connection-pool level handle used by repositories.
type Database interface {
	Querier

	// Transaction runs fn inside a transaction, committing when fn returns nil.
	Transaction(ctx context.Context, fn func(tx Transaction) error) error
	// TransactionWithOptions is Transaction with an explicit isolation level.
	TransactionWithOptions(ctx context.Context, opts *TxOptions, fn func(tx Transaction) error) error
	BeginTx(ctx context.Context, opts *TxOptions) (Transaction, error)

	Ping(ctx context.Context) error
	Close() error
	Stats() Stats
}

// Transaction is an open transaction.
type Transaction interface {
	Querier
	Commit() error
	Rollback() error
}

// Rows is a result set cursor.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row is a single-row result.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarises an Exec.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// IsolationLevel mirrors sql.IsolationLevel without leaking database/sql to callers.
type IsolationLevel int

const (
	LevelDefault IsolationLevel = iota
	LevelReadUncommitted
	LevelReadCommitted
	LevelRepeatableRead
	LevelSerializable
)

// TxOptions holds transaction options.
type TxOptions struct {
	Isolation IsolationLevel
	ReadOnly  bool
}

// ConvertTxOptions maps TxOptions onto database/sql options.
func ConvertTxOptions(opts *TxOptions) *sql.TxOptions {
	if opts == nil {
		return nil
	}
	level := sql.LevelDefault
	switch opts.Isolation {
	case LevelReadUncommitted:
		level = sql.LevelReadUncommitted
	case LevelReadCommitted:
		level = sql.LevelReadCommitted
	case LevelRepeatableRead:
		level = sql.LevelRepeatableRead
	case LevelSerializable:
		level = sql.LevelSerializable
	}
	return &sql.TxOptions{Isolation: level, ReadOnly: opts.ReadOnly}
}

// Stats is a trimmed copy of sql.DBStats for health reporting.
type Stats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
}

// ConvertSQLStats copies the fields of sql.DBStats we report.
func ConvertSQLStats(s sql.DBStats) Stats {
	return Stats{
		MaxOpenConnections: s.MaxOpenConnections,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		WaitCount:          s.WaitCount,
		WaitDuration:       s.WaitDuration,
	}
}
