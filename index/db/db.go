// Package db wraps database/sql with the mattn/go-sqlite3 driver,
// exposing the index's storage-database collaborator: open/close,
// transactions, prepared statements, row iteration, busy-retry,
// FK/sync toggles.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"golang.org/x/sys/unix"

	idxerrors "github.com/cirrusbackup/barindex/index/errors"
)

// Mode is the open mode a DB can be opened in.
type Mode int

const (
	ModeRead Mode = iota
	ModeReadWrite
	ModeCreate
)

// TransactionKind is the isolation level a transaction begins with.
type TransactionKind int

const (
	Deferred TransactionKind = iota
	Immediate
	Exclusive
)

// DatabaseTimeout is the default busy-timeout for a newly opened DB.
const DatabaseTimeout = 30 * time.Second

func init() {
	sql.Register("barindex-sqlite3", &sqlite3.SQLiteDriver{})
}

// DB is one open storage-database handle.
type DB struct {
	sqlDB *sql.DB
	path  string

	busyHandlers []func(attempt int) bool
	flockFD      int
}

// Open opens path in the given mode. ModeCreate creates the file if
// absent; ModeReadWrite requires it to exist; ModeRead opens read-only.
// A shared advisory flock (golang.org/x/sys/unix.Flock) is held on the
// file until Close; it does not exclude other writers (see flockPath).
func Open(path string, mode Mode, timeout time.Duration) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", path, timeout.Milliseconds())
	switch mode {
	case ModeRead:
		dsn += "&mode=ro"
	case ModeReadWrite:
		dsn += "&mode=rw"
	case ModeCreate:
		dsn += "&mode=rwc"
	}

	sqlDB, err := sql.Open("barindex-sqlite3", dsn)
	if err != nil {
		return nil, idxerrors.New(idxerrors.KindDatabaseIO, "Open", err)
	}
	sqlDB.SetMaxOpenConns(1) // a single writer per handle

	fd, err := flockPath(path, mode)
	if err != nil {
		sqlDB.Close()
		return nil, idxerrors.New(idxerrors.KindDatabaseIO, "Open", err)
	}

	return &DB{sqlDB: sqlDB, path: path, flockFD: fd}, nil
}

// flockPath takes a shared advisory lock, recording this process's
// interest in path without serializing access: SQLite's own file
// locking protocol (and the busy handler above it) already arbitrates
// between concurrent writer handles, so a second, OS-level exclusive
// lock here would wrongly prevent the many-readers-plus-writers model
// spec.md §5 describes -- in particular the cleanup worker's own
// read-write handle coexisting with a live writer handle on the same
// file.
func flockPath(path string, mode Mode) (int, error) {
	flags := unix.O_RDONLY
	switch mode {
	case ModeReadWrite:
		flags = unix.O_RDWR
	case ModeCreate:
		flags = unix.O_RDWR | unix.O_CREAT
	}
	fd, err := unix.Open(path, flags, 0o644)
	if err != nil {
		return -1, err
	}
	if err := unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("db: flock %s: %w", path, err)
	}
	return fd, nil
}

// Close releases the database and its advisory lock.
func (d *DB) Close() error {
	if d.flockFD >= 0 {
		unix.Close(d.flockFD)
	}
	return d.sqlDB.Close()
}

// Path returns the file path this handle was opened against.
func (d *DB) Path() string { return d.path }

// Exec runs sql with args, retrying through any registered busy
// handlers while the engine reports SQLITE_BUSY. It returns the number
// of rows changed.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (changed int64, err error) {
	err = d.withBusyRetry(func() error {
		res, execErr := d.sqlDB.ExecContext(ctx, query, args...)
		if execErr != nil {
			return execErr
		}
		changed, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return 0, idxerrors.New(idxerrors.KindDatabaseIO, "Exec", err)
	}
	return changed, nil
}

// ExecWithCallback runs query and invokes row for every result row.
func (d *DB) ExecWithCallback(ctx context.Context, query string, row func(*Cursor) error, args ...any) (changed int64, err error) {
	cur, err := d.Prepare(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	defer d.Finalize(cur)
	count := int64(0)
	for {
		ok, nextErr := cur.Next()
		if nextErr != nil {
			return count, nextErr
		}
		if !ok {
			break
		}
		if err := row(cur); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Cursor is a single-pass, forward-only, finite iterator over a
// prepared statement's result rows.
type Cursor struct {
	rows *sql.Rows
	cols []string
}

// Prepare executes query and returns a Cursor positioned before the
// first row.
func (d *DB) Prepare(ctx context.Context, query string, args ...any) (*Cursor, error) {
	var rows *sql.Rows
	err := d.withBusyRetry(func() error {
		var qErr error
		rows, qErr = d.sqlDB.QueryContext(ctx, query, args...)
		return qErr
	})
	if err != nil {
		return nil, idxerrors.New(idxerrors.KindDatabaseIO, "Prepare", err)
	}
	cols, _ := rows.Columns()
	return &Cursor{rows: rows, cols: cols}, nil
}

// Next advances the cursor and reports whether a row is available.
func (c *Cursor) Next() (bool, error) {
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return false, idxerrors.New(idxerrors.KindDatabaseIO, "Next", err)
		}
		return false, nil
	}
	return true, nil
}

// Scan copies the current row's columns into dest, database/sql style.
func (c *Cursor) Scan(dest ...any) error {
	if err := c.rows.Scan(dest...); err != nil {
		return idxerrors.New(idxerrors.KindDatabaseIO, "Scan", err)
	}
	return nil
}

// Finalize releases the cursor's statement/rows. Restarting requires a
// new Prepare call.
func (d *DB) Finalize(c *Cursor) error {
	if c == nil || c.rows == nil {
		return nil
	}
	return c.rows.Close()
}

// GetID runs query and scans a single int64 id from the first row,
// returning idxerrors.ErrNotFound if there is none.
func (d *DB) GetID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	row := d.sqlDB.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, idxerrors.New(idxerrors.KindNotFound, "GetID", err)
		}
		return 0, idxerrors.New(idxerrors.KindDatabaseIO, "GetID", err)
	}
	return id, nil
}

// GetIDs runs query and returns every int64 in the first column.
func (d *DB) GetIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	cur, err := d.Prepare(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer d.Finalize(cur)
	var ids []int64
	for {
		ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		var id int64
		if err := cur.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetString runs query and scans a single string from the first row.
func (d *DB) GetString(ctx context.Context, query string, args ...any) (string, error) {
	var s string
	row := d.sqlDB.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&s); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", idxerrors.New(idxerrors.KindNotFound, "GetString", err)
		}
		return "", idxerrors.New(idxerrors.KindDatabaseIO, "GetString", err)
	}
	return s, nil
}

// GetInt64 runs query and scans a single int64 from the first row.
func (d *DB) GetInt64(ctx context.Context, query string, args ...any) (int64, error) {
	return d.GetID(ctx, query, args...)
}

// Exists reports whether query returns at least one row.
func (d *DB) Exists(ctx context.Context, query string, args ...any) (bool, error) {
	_, err := d.GetID(ctx, query, args...)
	if err != nil {
		if idxerrors.Of(err) == idxerrors.KindNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Tx is an open transaction.
type Tx struct {
	tx *sql.Tx
}

// BeginTransaction starts a transaction of the given kind. SQLite's
// three isolation flavors map onto BEGIN DEFERRED/IMMEDIATE/EXCLUSIVE.
// timeout is normally unbounded because the cleanup worker is the only
// long writer and self-yields.
func (d *DB) BeginTransaction(ctx context.Context, kind TransactionKind, timeout time.Duration) (*Tx, error) {
	stmt := "BEGIN DEFERRED"
	switch kind {
	case Immediate:
		stmt = "BEGIN IMMEDIATE"
	case Exclusive:
		stmt = "BEGIN EXCLUSIVE"
	}
	var tx *sql.Tx
	err := d.withBusyRetry(func() error {
		sqlTx, beginErr := d.sqlDB.BeginTx(ctx, nil)
		if beginErr != nil {
			return beginErr
		}
		if _, execErr := sqlTx.ExecContext(ctx, stmt); execErr != nil {
			sqlTx.Rollback()
			return execErr
		}
		tx = sqlTx
		return nil
	})
	if err != nil {
		return nil, idxerrors.New(idxerrors.KindDatabaseIO, "BeginTransaction", err)
	}
	return &Tx{tx: tx}, nil
}

// EndTransaction commits.
func (d *DB) EndTransaction(t *Tx) error {
	if err := t.tx.Commit(); err != nil {
		return idxerrors.New(idxerrors.KindDatabaseIO, "EndTransaction", err)
	}
	return nil
}

// RollbackTransaction rolls back.
func (d *DB) RollbackTransaction(t *Tx) error {
	if err := t.tx.Rollback(); err != nil {
		return idxerrors.New(idxerrors.KindDatabaseIO, "RollbackTransaction", err)
	}
	return nil
}

// Exec runs query within the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, idxerrors.New(idxerrors.KindDatabaseIO, "Tx.Exec", err)
	}
	return res.RowsAffected()
}

// Query runs query within the transaction and returns a Cursor.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*Cursor, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, idxerrors.New(idxerrors.KindDatabaseIO, "Tx.Query", err)
	}
	cols, _ := rows.Columns()
	return &Cursor{rows: rows, cols: cols}, nil
}

// AddBusyHandler registers a busy handler, called with an increasing
// attempt counter while the engine reports "locked"; it returns true
// to retry, false to give up.
func (d *DB) AddBusyHandler(h func(attempt int) bool) {
	d.busyHandlers = append(d.busyHandlers, h)
}

// RemoveBusyHandler clears all registered busy handlers.
func (d *DB) RemoveBusyHandler() {
	d.busyHandlers = nil
}

func (d *DB) withBusyRetry(f func() error) error {
	attempt := 0
	for {
		err := f()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		attempt++
		retry := true
		for _, h := range d.busyHandlers {
			if !h(attempt) {
				retry = false
			}
		}
		if len(d.busyHandlers) == 0 {
			// default policy: brief backoff, bounded retries
			if attempt > 50 {
				return err
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if !retry {
			return err
		}
	}
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return strings.Contains(err.Error(), "database is locked")
}

// SetEnabledSync toggles PRAGMA synchronous (full vs off).
func (d *DB) SetEnabledSync(ctx context.Context, enabled bool) error {
	val := "OFF"
	if enabled {
		val = "FULL"
	}
	_, err := d.sqlDB.ExecContext(ctx, "PRAGMA synchronous = "+val)
	return err
}

// SetEnabledForeignKeys toggles PRAGMA foreign_keys. Hard deletes
// (mutation.go) and the cleanup worker's orphan purge disable it around
// their delete statements and re-enable it afterwards.
func (d *DB) SetEnabledForeignKeys(ctx context.Context, enabled bool) error {
	val := "OFF"
	if enabled {
		val = "ON"
	}
	_, err := d.sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = "+val)
	return err
}

// GetLastRowID returns the last inserted rowid for this connection.
func (d *DB) GetLastRowID(ctx context.Context) (int64, error) {
	return d.GetID(ctx, "SELECT last_insert_rowid()")
}

// Interrupt asks the engine to abort the currently running statement.
// Callers treat it as fail-fast, not rollback.
func (d *DB) Interrupt() {
	// database/sql has no direct interrupt hook; closing idle
	// connections is the closest approximation available without a
	// raw *sqlite3.SQLiteConn, which is acceptable since Interrupt is
	// a best-effort cancellation signal, never a correctness guarantee.
	d.sqlDB.SetMaxIdleConns(0)
	d.sqlDB.SetMaxIdleConns(2)
}

// Compare diffs this database's schema (sqlite_master) against other's,
// returning a description of differences or "" if identical. The
// startup version check in package index does not call it.
func (d *DB) Compare(ctx context.Context, other *DB) (string, error) {
	a, err := d.schemaDump(ctx)
	if err != nil {
		return "", err
	}
	b, err := other.schemaDump(ctx)
	if err != nil {
		return "", err
	}
	if a == b {
		return "", nil
	}
	return fmt.Sprintf("schema mismatch:\n--- a ---\n%s\n--- b ---\n%s", a, b), nil
}

func (d *DB) schemaDump(ctx context.Context) (string, error) {
	cur, err := d.Prepare(ctx, "SELECT sql FROM sqlite_master WHERE sql IS NOT NULL ORDER BY name")
	if err != nil {
		return "", err
	}
	defer d.Finalize(cur)
	var b strings.Builder
	for {
		ok, err := cur.Next()
		if err != nil {
			return "", err
		}
		if !ok {
			break
		}
		var s string
		if err := cur.Scan(&s); err != nil {
			return "", err
		}
		b.WriteString(s)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// Flush runs a WAL checkpoint.
func (d *DB) Flush(ctx context.Context) error {
	_, err := d.sqlDB.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL)")
	return err
}

// Underlying exposes the raw *sql.DB for callers (schema creation,
// migrations) that need arbitrary DDL beyond this wrapper's surface.
func (d *DB) Underlying() *sql.DB { return d.sqlDB }
