package testutil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"cpjudge/internal/common/db"
)

var errFakeSQL = errors.New("fake database does not execute SQL")

// FakeDB is an in-memory db.Database. Fake stores attach row locks and undo steps to
// the running FakeTx, so commits, rollbacks and savepoints behave like InnoDB for them.
type FakeDB struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// BeginErr, when set, fails every new transaction.
	BeginErr error
	// CommitErr, when set, fails every commit (the transaction is rolled back).
	CommitErr error
	// ExecErr is copied to every new FakeTx.
	ExecErr func(query string) error

	commits   atomic.Int64
	rollbacks atomic.Int64
	lastOpts  atomic.Pointer[db.TxOptions]
}

// NewFakeDB creates an empty fake database.
func NewFakeDB() *FakeDB {
	return &FakeDB{locks: make(map[string]*sync.Mutex)}
}

var _ db.Database = (*FakeDB)(nil)

func (f *FakeDB) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, errFakeSQL
}

func (f *FakeDB) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return errRow{err: errFakeSQL}
}

func (f *FakeDB) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	return nil, errFakeSQL
}

func (f *FakeDB) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	return f.TransactionWithOptions(ctx, nil, fn)
}

func (f *FakeDB) TransactionWithOptions(ctx context.Context, opts *db.TxOptions, fn func(tx db.Transaction) error) error {
	tx, err := f.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (f *FakeDB) BeginTx(ctx context.Context, opts *db.TxOptions) (db.Transaction, error) {
	if f.BeginErr != nil {
		return nil, f.BeginErr
	}
	if opts != nil {
		o := *opts
		f.lastOpts.Store(&o)
	}
	return &FakeTx{
		db:         f,
		held:       make(map[string]*sync.Mutex),
		savepoints: make(map[string]int),
		ExecErr:    f.ExecErr,
	}, nil
}

func (f *FakeDB) Ping(ctx context.Context) error { return nil }
func (f *FakeDB) Close() error                   { return nil }
func (f *FakeDB) Stats() db.Stats                { return db.Stats{} }

// Commits is the number of committed transactions.
func (f *FakeDB) Commits() int64 { return f.commits.Load() }

// Rollbacks is the number of rolled back transactions.
func (f *FakeDB) Rollbacks() int64 { return f.rollbacks.Load() }

// LastTxOptions returns the options of the most recent transaction that had any.
func (f *FakeDB) LastTxOptions() *db.TxOptions { return f.lastOpts.Load() }

func (f *FakeDB) rowLock(key string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[key]
	if !ok {
		l = &sync.Mutex{}
		f.locks[key] = l
	}
	return l
}

// FakeTx is a FakeDB transaction. Only savepoint statements are accepted by Exec.
type FakeTx struct {
	db         *FakeDB
	mu         sync.Mutex
	held       map[string]*sync.Mutex
	undo       []func()
	savepoints map[string]int
	statements []string
	done       bool

	// ExecErr, when set, is returned by Exec for statements it matches.
	ExecErr func(query string) error
}

// AsFakeTx returns tx as a *FakeTx, or nil when tx is nil or another implementation.
func AsFakeTx(tx db.Transaction) *FakeTx {
	ftx, _ := tx.(*FakeTx)
	return ftx
}

// Lock takes the named row lock until the transaction ends. Re-locking is a no-op.
func (t *FakeTx) Lock(key string) {
	t.mu.Lock()
	if _, ok := t.held[key]; ok {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	l := t.db.rowLock(key)
	l.Lock()

	t.mu.Lock()
	t.held[key] = l
	t.mu.Unlock()
}

// OnRollback registers fn to undo a write when the transaction or an enclosing
// savepoint is rolled back.
func (t *FakeTx) OnRollback(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undo = append(t.undo, fn)
}

// Statements returns the savepoint statements executed so far.
func (t *FakeTx) Statements() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.statements...)
}

func (t *FakeTx) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, errFakeSQL
}

func (t *FakeTx) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return errRow{err: errFakeSQL}
}

func (t *FakeTx) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	if t.ExecErr != nil {
		if err := t.ExecErr(query); err != nil {
			return nil, err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statements = append(t.statements, query)

	switch {
	case strings.HasPrefix(query, "ROLLBACK TO SAVEPOINT "):
		name := strings.TrimPrefix(query, "ROLLBACK TO SAVEPOINT ")
		mark, ok := t.savepoints[name]
		if !ok {
			return nil, fmt.Errorf("savepoint %s does not exist", name)
		}
		t.runUndoLocked(mark)
	case strings.HasPrefix(query, "RELEASE SAVEPOINT "):
		name := strings.TrimPrefix(query, "RELEASE SAVEPOINT ")
		if _, ok := t.savepoints[name]; !ok {
			return nil, fmt.Errorf("savepoint %s does not exist", name)
		}
		delete(t.savepoints, name)
	case strings.HasPrefix(query, "SAVEPOINT "):
		t.savepoints[strings.TrimPrefix(query, "SAVEPOINT ")] = len(t.undo)
	default:
		return nil, errFakeSQL
	}
	return fakeResult{}, nil
}

func (t *FakeTx) Commit() error {
	if t.db.CommitErr != nil {
		_ = t.Rollback()
		return t.db.CommitErr
	}
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return errors.New("transaction already finished")
	}
	t.done = true
	t.undo = nil
	t.mu.Unlock()
	t.release()
	t.db.commits.Add(1)
	return nil
}

func (t *FakeTx) Rollback() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	t.done = true
	t.runUndoLocked(0)
	t.mu.Unlock()
	t.release()
	t.db.rollbacks.Add(1)
	return nil
}

func (t *FakeTx) runUndoLocked(mark int) {
	for i := len(t.undo) - 1; i >= mark; i-- {
		t.undo[i]()
	}
	t.undo = t.undo[:mark]
}

func (t *FakeTx) release() {
	t.mu.Lock()
	held := t.held
	t.held = make(map[string]*sync.Mutex)
	t.mu.Unlock()
	for _, l := range held {
		l.Unlock()
	}
}

type errRow struct{ err error }

func (r errRow) Scan(dest ...interface{}) error { return r.err }

type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 0, nil }
