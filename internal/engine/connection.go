package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/maloquacious/goobkv/internal/store"
)

// Connection is an open connection to one database at one version.
type Connection struct {
	id uuid.UUID
	h  *handle

	mu              sync.Mutex
	version         int
	sc              *schema
	upgrade         *Transaction
	closed          bool
	onVersionChange func(oldVersion, newVersion int)
}

func newConnection(h *handle, version int, sc *schema) *Connection {
	return &Connection{id: uuid.New(), h: h, version: version, sc: sc}
}

// ID identifies the connection in logs.
func (c *Connection) ID() string {
	return c.id.String()
}

// Name returns the database name.
func (c *Connection) Name() string {
	return c.h.name
}

// Version returns the database version the connection was opened at.
func (c *Connection) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// ObjectStoreNames returns the sorted store names. During an upgrade it
// reflects the changes made so far.
func (c *Connection) ObjectStoreNames() []string {
	c.mu.Lock()
	up, sc := c.upgrade, c.sc
	c.mu.Unlock()
	if up != nil {
		return up.Scope()
	}
	return sc.names()
}

// Stores describes every store and index of the database.
func (c *Connection) Stores() []StoreInfo {
	c.mu.Lock()
	up, sc := c.upgrade, c.sc
	c.mu.Unlock()
	if up != nil {
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.sc.info()
	}
	return sc.info()
}

func (c *Connection) upgradeTx() (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upgrade == nil {
		return nil, fmt.Errorf("%w: schema changes are only allowed during an upgrade", ErrInvalidState)
	}
	return c.upgrade, nil
}

// CreateObjectStore adds a store during an upgrade.
func (c *Connection) CreateObjectStore(name string, opts StoreOptions) (*ObjectStore, error) {
	tx, err := c.upgradeTx()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: store name is empty", ErrData)
	}
	if opts.AutoIncrement && (opts.KeyPath.compound() || (len(opts.KeyPath) == 1 && opts.KeyPath[0] == "")) {
		return nil, fmt.Errorf("%w: auto-increment store %s needs a single non-empty key path", ErrData, name)
	}
	if tx.storeMeta(name) != nil {
		return nil, fmt.Errorf("%w: store %s already exists", ErrConstraint, name)
	}

	m := &storeMeta{
		Name:          name,
		KeyPath:       append(KeyPath(nil), opts.KeyPath...),
		AutoIncrement: opts.AutoIncrement,
		Indexes:       map[string]*indexMeta{},
	}
	err = tx.direct(func(btx store.Tx) error {
		if err := btx.CreateBucket(recordBucket(name)); err != nil {
			return err
		}
		return writeStoreMeta(btx, m)
	})
	if err != nil {
		tx.abortWith(err)
		return nil, err
	}
	tx.setStoreMeta(m)
	c.h.f.log.Debug("engine: %s: created store %s", c.h.name, name)
	return &ObjectStore{tx: tx, name: name}, nil
}

// DeleteObjectStore removes a store and its indexes during an upgrade.
func (c *Connection) DeleteObjectStore(name string) error {
	tx, err := c.upgradeTx()
	if err != nil {
		return err
	}
	m := tx.storeMeta(name)
	if m == nil {
		return fmt.Errorf("%w: store %s", ErrNotFound, name)
	}
	err = tx.direct(func(btx store.Tx) error {
		for ixName := range m.Indexes {
			if err := btx.DeleteBucket(indexBucket(name, ixName)); err != nil {
				return err
			}
		}
		if err := btx.DeleteBucket(recordBucket(name)); err != nil {
			return err
		}
		return deleteStoreMeta(btx, name)
	})
	if err != nil {
		tx.abortWith(err)
		return err
	}
	tx.removeStoreMeta(name)
	c.h.f.log.Debug("engine: %s: deleted store %s", c.h.name, name)
	return nil
}

// Transaction starts a transaction over the named stores.
func (c *Connection) Transaction(names []string, mode Mode) (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.upgrade != nil {
		return nil, fmt.Errorf("%w: an upgrade is running on this connection", ErrInvalidState)
	}
	if mode != ReadOnly && mode != ReadWrite {
		return nil, fmt.Errorf("%w: invalid transaction mode %s", ErrData, mode)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: a transaction needs at least one store", ErrData)
	}
	scope := make([]string, 0, len(names))
	seen := map[string]bool{}
	for _, name := range names {
		if _, ok := c.sc.stores[name]; !ok {
			return nil, fmt.Errorf("%w: store %s", ErrNotFound, name)
		}
		if !seen[name] {
			seen[name] = true
			scope = append(scope, name)
		}
	}
	sort.Strings(scope)
	return newTransaction(c, mode, scope, c.sc), nil
}

// OnVersionChange sets the callback fired when another open or a delete
// needs this connection closed. newVersion is 0 for a delete.
func (c *Connection) OnVersionChange(fn func(oldVersion, newVersion int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onVersionChange = fn
}

func (c *Connection) versionChange(oldVersion, newVersion int) {
	c.mu.Lock()
	fn, closed := c.onVersionChange, c.closed
	c.mu.Unlock()
	if fn != nil && !closed {
		c.h.f.log.Debug("engine: %s: version change %d -> %d on connection %s", c.h.name, oldVersion, newVersion, c.id)
		fn(oldVersion, newVersion)
	}
}

// Close closes the connection. Running transactions finish; new ones fail
// with ErrClosed. Closing twice is a no-op.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.h.remove(c)
	c.h.f.log.Debug("engine: %s: closed connection %s", c.h.name, c.id)
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
