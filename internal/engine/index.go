package engine

import (
	"fmt"

	"github.com/maloquacious/goobkv/internal/store"
)

// Index is a handle on a secondary index within a transaction. Queries match
// index keys; results are ordered by index key, then primary key.
type Index struct {
	store *ObjectStore
	name  string
}

// Name returns the index name.
func (ix *Index) Name() string {
	return ix.name
}

// ObjectStore returns the store the index belongs to.
func (ix *Index) ObjectStore() *ObjectStore {
	return ix.store
}

func (ix *Index) meta() (*storeMeta, *indexMeta, error) {
	m, err := ix.store.meta()
	if err != nil {
		return nil, nil, err
	}
	im, ok := m.Indexes[ix.name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: index %s has been deleted", ErrInvalidState, ix.name)
	}
	return m, im, nil
}

// KeyPath returns the index key path.
func (ix *Index) KeyPath() KeyPath {
	if _, im, err := ix.meta(); err == nil {
		return append(KeyPath(nil), im.KeyPath...)
	}
	return nil
}

// Unique reports whether the index rejects duplicate keys.
func (ix *Index) Unique() bool {
	_, im, err := ix.meta()
	return err == nil && im.Unique
}

// MultiEntry reports whether array keys produce one entry per element.
func (ix *Index) MultiEntry() bool {
	_, im, err := ix.meta()
	return err == nil && im.MultiEntry
}

func (ix *Index) scan(tx store.Tx, rng *KeyRange, limit int) ([]kv, error) {
	if _, _, err := ix.meta(); err != nil {
		return nil, err
	}
	return scanRange(tx, indexBucket(ix.store.name, ix.name), rng, false, limit)
}

// record loads the record an index entry points at.
func (ix *Index) record(tx store.Tx, e kv) (any, error) {
	data, err := tx.Get(recordBucket(ix.store.name), e.v)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: index %s points at a missing record", ErrData, ix.name)
	}
	return decodeValue(data)
}

func primaryKey(e kv) (any, error) {
	k, _, err := decodeKey(e.v)
	return k, err
}

// Get returns the first record whose index key matches query, or nil.
func (ix *Index) Get(query any) *Request {
	return ix.first(query, ix.record)
}

// GetKey returns the primary key of the first matching record, or nil.
func (ix *Index) GetKey(query any) *Request {
	return ix.first(query, func(_ store.Tx, e kv) (any, error) {
		return primaryKey(e)
	})
}

func (ix *Index) first(query any, fn func(tx store.Tx, e kv) (any, error)) *Request {
	t := ix.store.tx
	rng, err := toRange(query)
	if err != nil {
		return t.failed(ix, err)
	}
	return t.issue(ix, func(tx store.Tx) (any, error) {
		entries, err := ix.scan(tx, rng, 1)
		if err != nil || len(entries) == 0 {
			return nil, err
		}
		return fn(tx, entries[0])
	})
}

// GetAll returns up to count matching records as []any.
func (ix *Index) GetAll(query any, count int) *Request {
	return ix.all(query, count, ix.record)
}

// GetAllKeys returns the primary keys of up to count matching records.
func (ix *Index) GetAllKeys(query any, count int) *Request {
	return ix.all(query, count, func(_ store.Tx, e kv) (any, error) {
		return primaryKey(e)
	})
}

func (ix *Index) all(query any, count int, fn func(tx store.Tx, e kv) (any, error)) *Request {
	t := ix.store.tx
	rng, err := toRange(query)
	if err != nil {
		return t.failed(ix, err)
	}
	return t.issue(ix, func(tx store.Tx) (any, error) {
		entries, err := ix.scan(tx, rng, count)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(entries))
		for _, e := range entries {
			v, err := fn(tx, e)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	})
}

// Count returns the number of index entries matching query.
func (ix *Index) Count(query any) *Request {
	t := ix.store.tx
	rng, err := toRange(query)
	if err != nil {
		return t.failed(ix, err)
	}
	return t.issue(ix, func(tx store.Tx) (any, error) {
		if _, _, err := ix.meta(); err != nil {
			return nil, err
		}
		return countRange(tx, indexBucket(ix.store.name, ix.name), rng)
	})
}

// OpenCursor iterates the records matching query in index order.
func (ix *Index) OpenCursor(query any, dir Direction) *Request {
	return ix.store.openCursor(ix, query, dir, false)
}

// OpenKeyCursor iterates index and primary keys without loading records.
func (ix *Index) OpenKeyCursor(query any, dir Direction) *Request {
	return ix.store.openCursor(ix, query, dir, true)
}
