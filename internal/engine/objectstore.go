package engine

import (
	"fmt"

	"github.com/maloquacious/goobkv/internal/store"
)

// ObjectStore is a handle on one object store within a transaction.
type ObjectStore struct {
	tx   *Transaction
	name string
}

// Name returns the store name.
func (s *ObjectStore) Name() string {
	return s.name
}

// Transaction returns the transaction the handle belongs to.
func (s *ObjectStore) Transaction() *Transaction {
	return s.tx
}

// KeyPath returns the store's key path; it is empty for out-of-line keys.
func (s *ObjectStore) KeyPath() KeyPath {
	if m := s.tx.storeMeta(s.name); m != nil {
		return append(KeyPath(nil), m.KeyPath...)
	}
	return nil
}

// AutoIncrement reports whether the store has a key generator.
func (s *ObjectStore) AutoIncrement() bool {
	m := s.tx.storeMeta(s.name)
	return m != nil && m.AutoIncrement
}

// IndexNames returns the sorted names of the store's indexes.
func (s *ObjectStore) IndexNames() []string {
	if m := s.tx.storeMeta(s.name); m != nil {
		return m.indexNames()
	}
	return nil
}

// Index returns a handle on a named index of the store.
func (s *ObjectStore) Index(name string) (*Index, error) {
	m := s.tx.storeMeta(s.name)
	if m == nil {
		return nil, fmt.Errorf("%w: store %s has been deleted", ErrInvalidState, s.name)
	}
	if _, ok := m.Indexes[name]; !ok {
		return nil, fmt.Errorf("%w: index %s on store %s", ErrNotFound, name, s.name)
	}
	return &Index{store: s, name: name}, nil
}

// meta returns the store's metadata as seen by the transaction.
func (s *ObjectStore) meta() (*storeMeta, error) {
	m := s.tx.storeMeta(s.name)
	if m == nil {
		return nil, fmt.Errorf("%w: store %s has been deleted", ErrInvalidState, s.name)
	}
	return m, nil
}

// Add inserts value, failing with ErrConstraint when the key is taken.
// key must be nil for stores with a key path.
func (s *ObjectStore) Add(value any, key Key) *Request {
	return s.write(value, key, true)
}

// Put inserts or replaces value.
func (s *ObjectStore) Put(value any, key Key) *Request {
	return s.write(value, key, false)
}

func (s *ObjectStore) write(value any, key Key, noOverwrite bool) *Request {
	if s.tx.mode == ReadOnly {
		return s.tx.failed(s, ErrReadOnly)
	}
	v, err := cloneValue(value)
	if err != nil {
		return s.tx.failed(s, err)
	}
	if key != nil {
		if key, err = NormalizeKey(key); err != nil {
			return s.tx.failed(s, err)
		}
	}
	return s.tx.issue(s, func(tx store.Tx) (any, error) {
		m, err := s.meta()
		if err != nil {
			return nil, err
		}
		return putRecord(tx, m, v, key, noOverwrite)
	})
}

// Get returns the value of the first record matching query, or nil.
// query is a key, a KeyRange or nil for every record.
func (s *ObjectStore) Get(query any) *Request {
	return s.first(query, func(tx store.Tx, e kv) (any, error) {
		return decodeValue(e.v)
	})
}

// GetKey returns the primary key of the first record matching query, or nil.
func (s *ObjectStore) GetKey(query any) *Request {
	return s.first(query, func(tx store.Tx, e kv) (any, error) {
		k, _, err := decodeKey(e.k)
		return k, err
	})
}

func (s *ObjectStore) first(query any, fn func(tx store.Tx, e kv) (any, error)) *Request {
	rng, err := toRange(query)
	if err != nil {
		return s.tx.failed(s, err)
	}
	return s.tx.issue(s, func(tx store.Tx) (any, error) {
		if _, err := s.meta(); err != nil {
			return nil, err
		}
		entries, err := scanRange(tx, recordBucket(s.name), rng, false, 1)
		if err != nil || len(entries) == 0 {
			return nil, err
		}
		return fn(tx, entries[0])
	})
}

// GetAll returns the values of up to count records matching query as []any.
// count <= 0 means no limit.
func (s *ObjectStore) GetAll(query any, count int) *Request {
	return s.all(query, count, func(e kv) (any, error) {
		return decodeValue(e.v)
	})
}

// GetAllKeys returns the primary keys of up to count matching records as []Key.
func (s *ObjectStore) GetAllKeys(query any, count int) *Request {
	return s.all(query, count, func(e kv) (any, error) {
		k, _, err := decodeKey(e.k)
		return k, err
	})
}

func (s *ObjectStore) all(query any, count int, fn func(e kv) (any, error)) *Request {
	rng, err := toRange(query)
	if err != nil {
		return s.tx.failed(s, err)
	}
	return s.tx.issue(s, func(tx store.Tx) (any, error) {
		if _, err := s.meta(); err != nil {
			return nil, err
		}
		entries, err := scanRange(tx, recordBucket(s.name), rng, false, count)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(entries))
		for _, e := range entries {
			v, err := fn(e)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	})
}

// Count returns the number of records matching query as an int.
func (s *ObjectStore) Count(query any) *Request {
	rng, err := toRange(query)
	if err != nil {
		return s.tx.failed(s, err)
	}
	return s.tx.issue(s, func(tx store.Tx) (any, error) {
		if _, err := s.meta(); err != nil {
			return nil, err
		}
		return countRange(tx, recordBucket(s.name), rng)
	})
}

// Delete removes every record matching query.
func (s *ObjectStore) Delete(query any) *Request {
	if s.tx.mode == ReadOnly {
		return s.tx.failed(s, ErrReadOnly)
	}
	if query == nil {
		return s.tx.failed(s, fmt.Errorf("%w: delete requires a key or key range", ErrData))
	}
	rng, err := toRange(query)
	if err != nil {
		return s.tx.failed(s, err)
	}
	return s.tx.issue(s, func(tx store.Tx) (any, error) {
		m, err := s.meta()
		if err != nil {
			return nil, err
		}
		entries, err := scanRange(tx, recordBucket(s.name), rng, false, 0)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if err := deleteRecord(tx, m, e.k); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
}

// Clear removes every record of the store.
func (s *ObjectStore) Clear() *Request {
	if s.tx.mode == ReadOnly {
		return s.tx.failed(s, ErrReadOnly)
	}
	return s.tx.issue(s, func(tx store.Tx) (any, error) {
		m, err := s.meta()
		if err != nil {
			return nil, err
		}
		return nil, clearStore(tx, m)
	})
}

// OpenCursor iterates the records matching query in direction dir. The
// request succeeds with the *Cursor at each step and with nil at the end.
func (s *ObjectStore) OpenCursor(query any, dir Direction) *Request {
	return s.openCursor(nil, query, dir, false)
}

// OpenKeyCursor is OpenCursor without record values.
func (s *ObjectStore) OpenKeyCursor(query any, dir Direction) *Request {
	return s.openCursor(nil, query, dir, true)
}

func (s *ObjectStore) openCursor(ix *Index, query any, dir Direction, keysOnly bool) *Request {
	var source any = s
	if ix != nil {
		source = ix
	}
	rng, err := toRange(query)
	if err != nil {
		return s.tx.failed(source, err)
	}
	c := &Cursor{store: s, index: ix, rng: rng, dir: dir, keysOnly: keysOnly}
	c.req = newRequest(s.tx, source)
	if err := c.step(); err != nil {
		c.req.fire(outcome{err: err})
	}
	return c.req
}

// CreateIndex adds an index during an upgrade and populates it from the
// existing records. A unique index that cannot be built aborts the upgrade.
func (s *ObjectStore) CreateIndex(name string, keyPath KeyPath, opts IndexOptions) (*Index, error) {
	if s.tx.mode != VersionChange {
		return nil, fmt.Errorf("%w: indexes can only be created during an upgrade", ErrInvalidState)
	}
	if keyPath.IsZero() {
		return nil, fmt.Errorf("%w: index %s needs a key path", ErrData, name)
	}
	if opts.MultiEntry && keyPath.compound() {
		return nil, fmt.Errorf("%w: multi-entry index %s cannot use a compound key path", ErrData, name)
	}
	m, err := s.meta()
	if err != nil {
		return nil, err
	}
	if _, ok := m.Indexes[name]; ok {
		return nil, fmt.Errorf("%w: index %s already exists on %s", ErrConstraint, name, s.name)
	}

	next := m.clone()
	ix := &indexMeta{Name: name, KeyPath: append(KeyPath(nil), keyPath...), Unique: opts.Unique, MultiEntry: opts.MultiEntry}
	next.Indexes[name] = ix
	err = s.tx.direct(func(tx store.Tx) error {
		if err := tx.CreateBucket(indexBucket(s.name, name)); err != nil {
			return err
		}
		if err := populateIndex(tx, next, ix); err != nil {
			return err
		}
		return writeStoreMeta(tx, next)
	})
	if err != nil {
		s.tx.abortWith(err)
		return nil, err
	}
	s.tx.setStoreMeta(next)
	return &Index{store: s, name: name}, nil
}

// DeleteIndex removes an index during an upgrade.
func (s *ObjectStore) DeleteIndex(name string) error {
	if s.tx.mode != VersionChange {
		return fmt.Errorf("%w: indexes can only be deleted during an upgrade", ErrInvalidState)
	}
	m, err := s.meta()
	if err != nil {
		return err
	}
	if _, ok := m.Indexes[name]; !ok {
		return fmt.Errorf("%w: index %s on store %s", ErrNotFound, name, s.name)
	}
	next := m.clone()
	delete(next.Indexes, name)
	err = s.tx.direct(func(tx store.Tx) error {
		if err := tx.DeleteBucket(indexBucket(s.name, name)); err != nil {
			return err
		}
		return writeStoreMeta(tx, next)
	})
	if err != nil {
		s.tx.abortWith(err)
		return err
	}
	s.tx.setStoreMeta(next)
	return nil
}
