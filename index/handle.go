package index

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cirrusbackup/barindex/index/db"
	idxerrors "github.com/cirrusbackup/barindex/index/errors"
	"github.com/cirrusbackup/barindex/index/rpc"
	"github.com/cirrusbackup/barindex/index/schema"
)

// global process-wide state. There is exactly one of each per process.
var (
	indexLock sync.Mutex // protects handle-creation bookkeeping

	pauseLock     sync.Mutex // guards pauseCallback
	pauseCallback func() bool

	busyLock        sync.Mutex // cooperative "an operation is in progress" marker
	busyThreadID    int64      // handle id of the operation currently marked busy
	handleIDCounter atomic.Int64

	threadTrigger = make(chan struct{}, 1) // non-blocking semaphore woken after soft-deletes

	useCount atomic.Int64 // incremented around every body of work on any handle

	quitFlag atomic.Bool // process-wide cancellation signal for the cleanup worker
)

// SetPauseCallback installs the process-wide pause hook that the
// migration row copy (copyTableRows) polls before each row; while it
// reports true the copy waits.
func SetPauseCallback(f func() bool) {
	pauseLock.Lock()
	defer pauseLock.Unlock()
	pauseCallback = f
}

// ClearPauseCallback removes the pause hook.
func ClearPauseCallback() {
	pauseLock.Lock()
	defer pauseLock.Unlock()
	pauseCallback = nil
}

// paused reports whether the currently installed pause callback says
// to pause. It is nil-safe: no callback means "never paused".
func paused() bool {
	pauseLock.Lock()
	cb := pauseCallback
	pauseLock.Unlock()
	if cb == nil {
		return false
	}
	return cb()
}

// RequestQuit sets the process-wide quit flag the cleanup worker polls
// between batches and between iterations.
func RequestQuit() { quitFlag.Store(true) }

// signalThreadTrigger wakes the cleanup worker out of its sleep, used
// by the writer right after a soft-delete.
func signalThreadTrigger() {
	select {
	case threadTrigger <- struct{}{}:
	default:
	}
}

// Handle bundles a database handle, an optional upstream peer (slave
// mode), a busy callback, a sticky per-open upgrade error, and the id
// of the goroutine that opened it (debug only: Go has no portable
// thread id, so a process-unique handle id stands in for the source's
// originating-thread-id field).
type Handle struct {
	db       *db.DB
	path     string
	peer     rpc.Peer // non-nil in slave mode
	log      *logrus.Entry
	readOnly bool
	id       int64

	upgradeErrMu sync.Mutex
	upgradeErr   error // sticky: once set, subsequent calls fast-fail
}

// Config configures Open, following the functional-options idiom
// generalized from the teacher's Params-struct constructors.
type Config struct {
	BusyTimeout time.Duration
	Logger      *logrus.Entry
	Peer        rpc.Peer
}

// Option mutates a Config.
type Option func(*Config)

// WithBusyTimeout overrides the default DATABASE_TIMEOUT.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *Config) { c.BusyTimeout = d }
}

// WithLogger attaches a structured logger.
func WithLogger(l *logrus.Entry) Option {
	return func(c *Config) { c.Logger = l }
}

// WithPeer configures slave mode: mutations and some queries are
// forwarded to peer instead of touching the local database directly.
func WithPeer(peer rpc.Peer) Option {
	return func(c *Config) { c.Peer = peer }
}

// Open runs the startup sequence: create if absent, else open
// read-only to check the version row, renaming-and-recreating on a
// stale or corrupt file. readOnly selects ModeRead vs ModeReadWrite for
// the returned Handle's subsequent operations.
func Open(path string, readOnly bool, opts ...Option) (*Handle, error) {
	cfg := Config{BusyTimeout: db.DatabaseTimeout}
	for _, o := range opts {
		o(&cfg)
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.WithField("component", "INDEX")
	}

	// indexLock serializes handle-creation bookkeeping (the
	// create-vs-rename-and-recreate decision below) across goroutines
	// opening handles on the same index file concurrently.
	indexLock.Lock()
	bookkeepingErr := func() error {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return createFresh(path, cfg.BusyTimeout, log)
		}
		return checkVersionAndMaybeRename(path, cfg.BusyTimeout, log)
	}()
	indexLock.Unlock()
	if bookkeepingErr != nil {
		return nil, bookkeepingErr
	}

	mode := db.ModeReadWrite
	if readOnly {
		mode = db.ModeRead
	}
	d, err := db.Open(path, mode, cfg.BusyTimeout)
	if err != nil {
		return nil, idxerrors.New(idxerrors.KindDatabaseIO, "Open", err)
	}

	h := &Handle{db: d, path: path, peer: cfg.Peer, log: log, readOnly: readOnly, id: handleIDCounter.Add(1)}
	return h, nil
}

// createFresh creates path with the current schema, writes the
// version meta row, and logs a creation line.
func createFresh(path string, timeout time.Duration, log *logrus.Entry) error {
	d, err := db.Open(path, db.ModeCreate, timeout)
	if err != nil {
		return idxerrors.New(idxerrors.KindDatabaseIO, "createFresh", err)
	}
	defer d.Close()

	ctx := context.Background()
	if _, err := d.Underlying().ExecContext(ctx, schema.CreateTables); err != nil {
		return idxerrors.New(idxerrors.KindDatabaseIO, "createFresh", err)
	}
	if _, err := d.Exec(ctx, schema.SeedDefaultEntity); err != nil {
		return idxerrors.New(idxerrors.KindDatabaseIO, "createFresh", err)
	}
	if _, err := d.Exec(ctx, "INSERT OR REPLACE INTO meta(name, value) VALUES ('version', ?)", fmt.Sprintf("%d", schema.CurrentVersion)); err != nil {
		return idxerrors.New(idxerrors.KindDatabaseIO, "createFresh", err)
	}

	log.Infof("Created new index database '%s' (version %d)", path, schema.CurrentVersion)
	return nil
}

// checkVersionAndMaybeRename reads the version row; if it is missing,
// unparsable or older than schema.CurrentVersion, it renames the
// existing file to the smallest unused .oldNNN suffix and creates a
// replacement at the current version. Only the version row is checked:
// the file's schema is not compared against a fresh reference database,
// so a current-version file with a divergent schema is kept as is. The
// cleanup worker imports .oldNNN siblings later.
func checkVersionAndMaybeRename(path string, timeout time.Duration, log *logrus.Entry) error {
	d, err := db.Open(path, db.ModeRead, timeout)
	if err != nil {
		return idxerrors.New(idxerrors.KindDatabaseIO, "checkVersion", err)
	}
	ctx := context.Background()
	versionStr, verErr := d.GetString(ctx, "SELECT value FROM meta WHERE name='version'")
	needsRename := false
	if verErr != nil {
		needsRename = true // missing version row: treat as corrupt
	} else {
		var version int
		if _, scanErr := fmt.Sscanf(versionStr, "%d", &version); scanErr != nil || version < schema.CurrentVersion {
			needsRename = true
		}
	}
	d.Close()
	if !needsRename {
		return nil
	}

	oldPath, err := nextOldPath(path)
	if err != nil {
		return err
	}
	if err := os.Rename(path, oldPath); err != nil {
		return idxerrors.New(idxerrors.KindDatabaseIO, "checkVersion", err)
	}
	log.Infof("Renamed stale index '%s' to '%s' for background import", path, oldPath)
	return createFresh(path, timeout, log)
}

// nextOldPath finds the smallest NNN>=0 for which path.oldNNN does not
// exist.
func nextOldPath(path string) (string, error) {
	for n := 0; n < 100000; n++ {
		candidate := fmt.Sprintf("%s.old%03d", path, n)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("index: exhausted .oldNNN suffixes for %s", path)
}

// Close releases the handle's database connection.
func (h *Handle) Close() error {
	if h.db == nil {
		return nil
	}
	return h.db.Close()
}

// IsSlave reports whether this handle forwards mutations to an
// upstream peer.
func (h *Handle) IsSlave() bool { return h.peer != nil }

// setUpgradeError stores the sticky per-open upgrade error: once set
// by a failed migration, subsequent calls on this handle fast-fail.
func (h *Handle) setUpgradeError(err error) {
	h.upgradeErrMu.Lock()
	defer h.upgradeErrMu.Unlock()
	h.upgradeErr = err
}

func (h *Handle) checkUpgradeError() error {
	h.upgradeErrMu.Lock()
	defer h.upgradeErrMu.Unlock()
	return h.upgradeErr
}

// markBusy marks the process-wide busy_lock/busy_thread_id pair for
// the duration of body: a cooperative "an operation is in progress"
// marker the cleanup worker can inspect (via UseCount, which is the
// counter that actually gates worker batches) separately from the
// database engine's own locking. Unlike busy_lock in the source, this
// never blocks a second caller -- INDEX_DO/INDEX_DOX bodies run
// concurrently across handles by design (many readers, one writer);
// it only records who is currently inside a body for diagnostics.
func (h *Handle) markBusy(body func() error) error {
	busyLock.Lock()
	busyThreadID = h.id
	busyLock.Unlock()
	defer func() {
		busyLock.Lock()
		if busyThreadID == h.id {
			busyThreadID = 0
		}
		busyLock.Unlock()
	}()
	return body()
}

// withHandle increments the process-wide use_count for the duration
// of body and guarantees the decrement happens even if body panics, so
// no code path can forget to release the bracket. It also fast-fails
// on a sticky upgrade error.
func (h *Handle) withHandle(op string, body func() error) error {
	if err := h.checkUpgradeError(); err != nil {
		return idxerrors.New(idxerrors.KindVersionUnknown, op, err)
	}
	useCount.Add(1)
	defer useCount.Add(-1)
	return h.markBusy(body)
}

// withHandleResult is the same bracket as withHandle, but propagating
// a return value.
func withHandleResult[T any](h *Handle, op string, body func() (T, error)) (T, error) {
	var zero T
	if err := h.checkUpgradeError(); err != nil {
		return zero, idxerrors.New(idxerrors.KindVersionUnknown, op, err)
	}
	useCount.Add(1)
	defer useCount.Add(-1)
	var result T
	err := h.markBusy(func() error {
		var bodyErr error
		result, bodyErr = body()
		return bodyErr
	})
	if err != nil {
		return zero, err
	}
	return result, nil
}

// UseCount reports the current process-wide use counter, consulted by
// the cleanup worker before starting a destructive batch.
func UseCount() int64 { return useCount.Load() }
