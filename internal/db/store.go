package db

import (
	"context"
	"errors"

	"github.com/maloquacious/goobkv/internal/engine"
)

// Store runs operations against one object store. A Store from DB.Store
// opens a fresh transaction per call; a Store from a Tx or a migration runs
// inside that transaction. Every call is bounded by the transaction timeout.
type Store struct {
	db   *DB
	name string
	raw  *engine.Transaction
}

// Store returns the per-call accessor for the named store.
func (d *DB) Store(name string) *Store {
	return &Store{db: d, name: name}
}

// Name returns the store name.
func (s *Store) Name() string {
	return s.name
}

// Index returns an accessor for a named index of the store.
func (s *Store) Index(name string) *Index {
	return &Index{store: s, name: name}
}

// reader is the read surface shared by engine stores and indexes.
type reader interface {
	Get(query any) *engine.Request
	GetKey(query any) *engine.Request
	GetAll(query any, count int) *engine.Request
	GetAllKeys(query any, count int) *engine.Request
	Count(query any) *engine.Request
	OpenCursor(query any, dir engine.Direction) *engine.Request
	OpenKeyCursor(query any, dir engine.Direction) *engine.Request
}

// run issues one request and awaits it. Outside a Tx the request gets its
// own transaction, committed right after the request is issued.
func (s *Store) run(ctx context.Context, op string, mode engine.Mode, issue func(os *engine.ObjectStore) (*engine.Request, error)) (any, error) {
	stores := []string{s.name}
	if s.raw != nil {
		os, err := s.raw.ObjectStore(s.name)
		if err != nil {
			return nil, s.db.fail(ErrOperation, op, stores, err)
		}
		req, err := issue(os)
		if err != nil {
			return nil, s.db.fail(ErrOperation, op, stores, err)
		}
		return s.db.await(ctx, op, stores, req)
	}

	raw, err := s.db.conn.Transaction(stores, mode)
	if err != nil {
		return nil, s.db.fail(ErrOperation, op, stores, err)
	}
	os, err := raw.ObjectStore(s.name)
	if err != nil {
		_ = raw.Abort()
		return nil, s.db.fail(ErrOperation, op, stores, err)
	}
	req, err := issue(os)
	if err != nil {
		_ = raw.Abort()
		return nil, s.db.fail(ErrOperation, op, stores, err)
	}
	return s.db.awaitCommitted(ctx, op, stores, raw, req)
}

func (s *Store) read(ctx context.Context, op string, fn func(r reader) *engine.Request) (any, error) {
	return s.run(ctx, op, engine.ReadOnly, func(os *engine.ObjectStore) (*engine.Request, error) {
		return fn(os), nil
	})
}

func (s *Store) write(ctx context.Context, op string, fn func(os *engine.ObjectStore) *engine.Request) (any, error) {
	return s.run(ctx, op, engine.ReadWrite, func(os *engine.ObjectStore) (*engine.Request, error) {
		return fn(os), nil
	})
}

// Add inserts value and returns its primary key. key must be nil for stores
// with a key path.
func (s *Store) Add(ctx context.Context, value any, key engine.Key) (engine.Key, error) {
	return s.write(ctx, "add", func(os *engine.ObjectStore) *engine.Request {
		return os.Add(value, key)
	})
}

// Put inserts or replaces value and returns its primary key.
func (s *Store) Put(ctx context.Context, value any, key engine.Key) (engine.Key, error) {
	return s.write(ctx, "put", func(os *engine.ObjectStore) *engine.Request {
		return os.Put(value, key)
	})
}

// Get returns the first record matching query, or nil.
func (s *Store) Get(ctx context.Context, query any) (any, error) {
	return s.read(ctx, "get", func(r reader) *engine.Request { return r.Get(query) })
}

// GetAll returns up to count records matching query; count <= 0 means all.
func (s *Store) GetAll(ctx context.Context, query any, count int) ([]any, error) {
	return list(s.read(ctx, "getAll", func(r reader) *engine.Request { return r.GetAll(query, count) }))
}

// GetKey returns the primary key of the first record matching query, or nil.
func (s *Store) GetKey(ctx context.Context, query any) (engine.Key, error) {
	return s.read(ctx, "getKey", func(r reader) *engine.Request { return r.GetKey(query) })
}

// GetAllKeys returns up to count primary keys matching query.
func (s *Store) GetAllKeys(ctx context.Context, query any, count int) ([]engine.Key, error) {
	return list(s.read(ctx, "getAllKeys", func(r reader) *engine.Request { return r.GetAllKeys(query, count) }))
}

// Count returns the number of records matching query.
func (s *Store) Count(ctx context.Context, query any) (int, error) {
	return count(s.read(ctx, "count", func(r reader) *engine.Request { return r.Count(query) }))
}

// Delete removes the records matching query.
func (s *Store) Delete(ctx context.Context, query any) error {
	_, err := s.write(ctx, "delete", func(os *engine.ObjectStore) *engine.Request {
		return os.Delete(query)
	})
	return err
}

// Clear removes every record of the store.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.write(ctx, "clear", func(os *engine.ObjectStore) *engine.Request {
		return os.Clear()
	})
	return err
}

// OpenCursor walks the records matching query and collects fn's results.
func (s *Store) OpenCursor(ctx context.Context, query any, dir engine.Direction, fn func(c *engine.Cursor) (any, bool)) ([]any, error) {
	return s.cursor(ctx, "openCursor", fn, func(r reader) *engine.Request { return r.OpenCursor(query, dir) })
}

// OpenKeyCursor is OpenCursor without record values.
func (s *Store) OpenKeyCursor(ctx context.Context, query any, dir engine.Direction, fn func(c *engine.Cursor) (any, bool)) ([]any, error) {
	return s.cursor(ctx, "openKeyCursor", fn, func(r reader) *engine.Request { return r.OpenKeyCursor(query, dir) })
}

// cursor collects a cursor inside the bound transaction, or inside a fresh
// read-only Tx whose timeout bounds the whole walk.
func (s *Store) cursor(ctx context.Context, op string, fn func(c *engine.Cursor) (any, bool), open func(r reader) *engine.Request) ([]any, error) {
	return s.collect(ctx, op, fn, func(os *engine.ObjectStore) (reader, error) { return os, nil }, open)
}

func (s *Store) collect(ctx context.Context, op string, fn func(c *engine.Cursor) (any, bool), source func(os *engine.ObjectStore) (reader, error), open func(r reader) *engine.Request) ([]any, error) {
	stores := []string{s.name}
	if s.raw != nil {
		os, err := s.raw.ObjectStore(s.name)
		if err != nil {
			return nil, s.db.fail(ErrOperation, op, stores, err)
		}
		r, err := source(os)
		if err != nil {
			return nil, s.db.fail(ErrOperation, op, stores, err)
		}
		out, err := Collect(ctx, open(r), fn)
		if err != nil {
			return nil, s.db.fail(ErrOperation, op, stores, err)
		}
		return out, nil
	}

	tx, err := s.db.transaction(stores, engine.ReadOnly, false)
	if err != nil {
		return nil, err
	}
	os, err := tx.raw.ObjectStore(s.name)
	if err != nil {
		_ = tx.raw.Abort()
		return nil, s.db.fail(ErrOperation, op, stores, err)
	}
	r, err := source(os)
	if err != nil {
		_ = tx.raw.Abort()
		return nil, s.db.fail(ErrOperation, op, stores, err)
	}
	out, err := Collect(ctx, open(r), fn)
	if err != nil {
		_ = tx.raw.Abort()
		<-tx.finished
		if tx.result.how == settledTimeout {
			return nil, s.db.timedOut(op, stores)
		}
		return nil, s.db.fail(ErrOperation, op, stores, err)
	}
	if err := tx.Done(ctx); err != nil {
		if tx.result.how == settledTimeout {
			return nil, s.db.timedOut(op, stores)
		}
		return nil, s.db.fail(ErrOperation, op, stores, err)
	}
	return out, nil
}

// Index runs reads against one index of a store.
type Index struct {
	store *Store
	name  string
}

// Name returns the index name.
func (ix *Index) Name() string {
	return ix.name
}

func (ix *Index) read(ctx context.Context, op string, fn func(r reader) *engine.Request) (any, error) {
	return ix.store.run(ctx, op, engine.ReadOnly, func(os *engine.ObjectStore) (*engine.Request, error) {
		eix, err := os.Index(ix.name)
		if err != nil {
			return nil, err
		}
		return fn(eix), nil
	})
}

func (ix *Index) source(os *engine.ObjectStore) (reader, error) {
	return os.Index(ix.name)
}

// Get returns the first record whose index key matches query, or nil.
func (ix *Index) Get(ctx context.Context, query any) (any, error) {
	return ix.read(ctx, "index.get", func(r reader) *engine.Request { return r.Get(query) })
}

// GetAll returns up to count records whose index key matches query.
func (ix *Index) GetAll(ctx context.Context, query any, count int) ([]any, error) {
	return list(ix.read(ctx, "index.getAll", func(r reader) *engine.Request { return r.GetAll(query, count) }))
}

// GetKey returns the primary key of the first match, or nil.
func (ix *Index) GetKey(ctx context.Context, query any) (engine.Key, error) {
	return ix.read(ctx, "index.getKey", func(r reader) *engine.Request { return r.GetKey(query) })
}

// GetAllKeys returns the primary keys of up to count matches.
func (ix *Index) GetAllKeys(ctx context.Context, query any, count int) ([]engine.Key, error) {
	return list(ix.read(ctx, "index.getAllKeys", func(r reader) *engine.Request { return r.GetAllKeys(query, count) }))
}

// Count returns the number of index entries matching query.
func (ix *Index) Count(ctx context.Context, query any) (int, error) {
	return count(ix.read(ctx, "index.count", func(r reader) *engine.Request { return r.Count(query) }))
}

// OpenCursor walks the matching records in index order.
func (ix *Index) OpenCursor(ctx context.Context, query any, dir engine.Direction, fn func(c *engine.Cursor) (any, bool)) ([]any, error) {
	return ix.store.collect(ctx, "index.openCursor", fn, ix.source, func(r reader) *engine.Request { return r.OpenCursor(query, dir) })
}

// OpenKeyCursor walks the matching index entries without loading records.
func (ix *Index) OpenKeyCursor(ctx context.Context, query any, dir engine.Direction, fn func(c *engine.Cursor) (any, bool)) ([]any, error) {
	return ix.store.collect(ctx, "index.openKeyCursor", fn, ix.source, func(r reader) *engine.Request { return r.OpenKeyCursor(query, dir) })
}

func list(v any, err error) ([]any, error) {
	if err != nil {
		return nil, err
	}
	out, _ := v.([]any)
	return out, nil
}

func count(v any, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	n, ok := v.(int)
	if !ok {
		return 0, errors.New("engine returned a non-integer count")
	}
	return n, nil
}
