package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/maloquacious/goobkv/internal/logger"
	"github.com/maloquacious/goobkv/internal/store"
	"github.com/maloquacious/goobkv/internal/store/bbolt"
)

// Factory opens and deletes the databases of one data directory. Only one
// Factory, in one process, may use a directory at a time.
type Factory struct {
	dir    string
	driver store.Driver
	log    logger.Logger
	lock   *flock.Flock

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool
}

// Option configures a Factory.
type Option func(*Factory)

// WithDriver selects the storage backend. The default is bbolt.
func WithDriver(d store.Driver) Option {
	return func(f *Factory) {
		f.driver = d
	}
}

// WithLogger sets the logger. The default is logger.Default.
func WithLogger(log logger.Logger) Option {
	return func(f *Factory) {
		f.log = log
	}
}

// NewFactory creates dir if needed and locks it.
func NewFactory(dir string, opts ...Option) (*Factory, error) {
	f := &Factory{
		dir:     dir,
		driver:  bbolt.Driver,
		log:     logger.Default,
		handles: map[string]*handle{},
	}
	for _, opt := range opts {
		opt(f)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	f.lock = flock.New(filepath.Join(dir, "LOCK"))
	locked, err := f.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock data directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("data directory %s is in use by another process", dir)
	}
	return f, nil
}

// Dir returns the data directory.
func (f *Factory) Dir() string {
	return f.dir
}

// Driver returns the storage backend driver.
func (f *Factory) Driver() store.Driver {
	return f.driver
}

// Close closes every backend and releases the directory lock. Open
// connections are closed.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	handles := f.handles
	f.handles = map[string]*handle{}
	f.mu.Unlock()

	var errs []error
	for _, h := range handles {
		for _, c := range h.connections() {
			c.Close()
		}
		unlock := h.acquire(VersionChange)
		if err := h.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", h.name, err))
		}
		h.markDead()
		unlock()
	}
	if err := f.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("failed to unlock data directory: %w", err))
	}
	return errors.Join(errs...)
}

// Databases returns the names of the databases in the data directory.
func (f *Factory) Databases() ([]string, error) {
	return store.ListDatabases(f.dir, f.driver)
}

// DatabaseInfo describes a stored database.
type DatabaseInfo struct {
	Name    string      `json:"name"`
	Version int         `json:"version"`
	Stores  []StoreInfo `json:"stores"`
}

// Inspect reads the version and schema of a database without opening a
// connection. It fails with ErrNotFound when the database does not exist.
func (f *Factory) Inspect(name string) (DatabaseInfo, error) {
	h, err := f.handle(name, false)
	if err != nil {
		return DatabaseInfo{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return DatabaseInfo{Name: name, Version: h.version, Stores: h.sc.info()}, nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: invalid database name %q", ErrData, name)
	}
	return nil
}

// handle returns the live handle for name, opening the backend when needed.
// With create unset a missing database is ErrNotFound.
func (f *Factory) handle(name string, create bool) (*handle, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("%w: factory is closed", ErrClosed)
	}
	if h, ok := f.handles[name]; ok {
		return h, nil
	}

	path := store.GetDBPath(f.dir, name, f.driver)
	if !create {
		exists, err := store.CheckExists(path, f.driver.Dir)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: database %s", ErrNotFound, name)
		}
	}
	backend, err := f.driver.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	version, sc, err := loadMeta(backend)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	h := newHandle(f, name, path, backend, version, sc)
	f.handles[name] = h
	f.log.Debug("engine: opened %s backend %s at version %d", f.driver.Name, path, version)
	return h, nil
}

func (f *Factory) forget(h *handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handles[h.name] == h {
		delete(f.handles, h.name)
	}
}

// OpenHandlers receives the outcome of Factory.Open. Exactly one of OnSuccess
// and OnError fires. OnBlocked may fire before either; OnUpgradeNeeded runs
// inside the upgrade, and a non-nil result aborts it.
type OpenHandlers struct {
	OnUpgradeNeeded func(ev UpgradeEvent) error
	OnBlocked       func(oldVersion, newVersion int)
	OnSuccess       func(conn *Connection)
	OnError         func(err error)
}

// UpgradeEvent is passed to OnUpgradeNeeded.
type UpgradeEvent struct {
	Conn        *Connection
	Transaction *Transaction
	OldVersion  int
	NewVersion  int
}

// OpenRequest tracks an asynchronous Open or DeleteDatabase.
type OpenRequest struct {
	abandon     chan struct{}
	abandonOnce sync.Once
	done        chan struct{}
	conn        *Connection
	version     int
	err         error
}

func newOpenRequest() *OpenRequest {
	return &OpenRequest{abandon: make(chan struct{}), done: make(chan struct{})}
}

// Abandon gives up on a request that is still blocked by open connections.
// It has no effect once the request has moved past the blocked state.
func (r *OpenRequest) Abandon() {
	r.abandonOnce.Do(func() { close(r.abandon) })
}

// Done is closed after the outcome handler has run.
func (r *OpenRequest) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the request completes. For a delete the connection is
// nil.
func (r *OpenRequest) Wait() (*Connection, error) {
	<-r.done
	return r.conn, r.err
}

// Open opens the named database at version, upgrading it when version is
// higher than the stored one. The handlers fire on a new goroutine.
func (f *Factory) Open(name string, version int, hs OpenHandlers) *OpenRequest {
	req := newOpenRequest()
	go func() {
		defer close(req.done)
		conn, err := f.open(req, name, version, hs)
		req.conn, req.err = conn, err
		if err != nil {
			f.log.Debug("engine: open %s failed: %v", name, err)
			if hs.OnError != nil {
				hs.OnError(err)
			}
			return
		}
		if hs.OnSuccess != nil {
			hs.OnSuccess(conn)
		}
	}()
	return req
}

func (f *Factory) open(req *OpenRequest, name string, version int, hs OpenHandlers) (*Connection, error) {
	if version < 1 {
		return nil, fmt.Errorf("%w: version must be a positive integer, got %d", ErrData, version)
	}
	h, err := f.handle(name, true)
	if err != nil {
		return nil, err
	}
	h.queue.Lock()
	defer h.queue.Unlock()
	if h.isDead() {
		if h, err = f.handle(name, true); err != nil {
			return nil, err
		}
		h.queue.Lock()
		defer h.queue.Unlock()
	}

	oldVersion, sc := h.current()
	if version < oldVersion {
		return nil, fmt.Errorf("%w: requested version %d is lower than the stored version %d", ErrVersion, version, oldVersion)
	}
	if version == oldVersion {
		conn := newConnection(h, version, sc)
		h.add(conn)
		f.log.Debug("engine: %s: opened connection %s at version %d", name, conn.id, version)
		return conn, nil
	}

	if err := h.drain(req, oldVersion, version, hs.OnBlocked); err != nil {
		return nil, err
	}

	f.log.Info("engine: %s: upgrading from version %d to %d", name, oldVersion, version)
	conn := newConnection(h, version, nil)
	tx := newTransaction(conn, VersionChange, nil, sc.clone())
	conn.upgrade = tx
	h.add(conn)

	err = tx.direct(func(btx store.Tx) error {
		return writeVersion(btx, version)
	})
	if err == nil && hs.OnUpgradeNeeded != nil {
		err = hs.OnUpgradeNeeded(UpgradeEvent{Conn: conn, Transaction: tx, OldVersion: oldVersion, NewVersion: version})
	}
	if err != nil {
		tx.abortWith(err)
	} else if cerr := tx.Commit(); cerr != nil {
		// the handler or a failed request already aborted the upgrade
		err = cerr
	}
	<-tx.Done()
	if txErr := tx.Err(); txErr != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: upgrade of %s to version %d: %w", ErrAborted, name, version, txErr)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	conn.mu.Lock()
	conn.upgrade = nil
	conn.sc = tx.sc
	conn.mu.Unlock()
	f.log.Info("engine: %s: upgraded to version %d", name, version)
	return conn, nil
}

// DeleteDatabase deletes the named database once every connection to it has
// closed. Deleting a missing database succeeds. On success the request's
// connection is nil; OnSuccess receives the deleted database's version.
func (f *Factory) DeleteDatabase(name string, hs DeleteHandlers) *OpenRequest {
	req := newOpenRequest()
	go func() {
		defer close(req.done)
		version, err := f.deleteDatabase(req, name, hs)
		req.version, req.err = version, err
		if err != nil {
			f.log.Debug("engine: delete %s failed: %v", name, err)
			if hs.OnError != nil {
				hs.OnError(err)
			}
			return
		}
		if hs.OnSuccess != nil {
			hs.OnSuccess(version)
		}
	}()
	return req
}

// DeleteHandlers receives the outcome of Factory.DeleteDatabase.
type DeleteHandlers struct {
	OnBlocked func(oldVersion, newVersion int)
	OnSuccess func(oldVersion int)
	OnError   func(err error)
}

func (f *Factory) deleteDatabase(req *OpenRequest, name string, hs DeleteHandlers) (int, error) {
	h, err := f.handle(name, false)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	h.queue.Lock()
	defer h.queue.Unlock()
	if h.isDead() {
		return 0, nil
	}

	oldVersion, _ := h.current()
	if err := h.drain(req, oldVersion, 0, hs.OnBlocked); err != nil {
		return 0, err
	}

	unlock := h.acquire(VersionChange)
	defer unlock()
	h.markDead()
	f.forget(h)
	if err := h.backend.Close(); err != nil {
		return 0, fmt.Errorf("failed to close database: %w", err)
	}
	if err := store.Destroy(h.path); err != nil {
		return 0, err
	}
	f.log.Info("engine: deleted database %s (version %d)", name, oldVersion)
	return oldVersion, nil
}
