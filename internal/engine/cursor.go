package engine

import (
	"bytes"
	"fmt"

	"github.com/maloquacious/goobkv/internal/store"
)

// Direction is a cursor traversal direction.
type Direction int

const (
	Next Direction = iota
	Prev
)

func (d Direction) String() string {
	if d == Prev {
		return "prev"
	}
	return "next"
}

// Cursor walks the records of a store or index. Its accessors reflect the
// current step and are meant to be read from the request's success callback.
type Cursor struct {
	store    *ObjectStore
	index    *Index
	rng      *KeyRange
	dir      Direction
	keysOnly bool
	req      *Request

	pos     []byte
	key     Key
	pk      Key
	encPK   []byte
	value   any
	pending bool
	done    bool
}

// Source returns the *ObjectStore or *Index being iterated.
func (c *Cursor) Source() any {
	if c.index != nil {
		return c.index
	}
	return c.store
}

// Direction returns the traversal direction.
func (c *Cursor) Direction() Direction {
	return c.dir
}

// Key returns the current key: the index key for index cursors, the primary
// key otherwise.
func (c *Cursor) Key() Key {
	return c.key
}

// PrimaryKey returns the primary key of the current record.
func (c *Cursor) PrimaryKey() Key {
	return c.pk
}

// Value returns the current record; it is nil for key cursors.
func (c *Cursor) Value() any {
	return c.value
}

// Continue advances the cursor. The cursor's request fires again with the
// next step, or with nil once the range is exhausted.
func (c *Cursor) Continue() error {
	if c.done {
		return fmt.Errorf("%w: cursor is exhausted", ErrInvalidState)
	}
	if c.pending {
		return fmt.Errorf("%w: cursor is already advancing", ErrInvalidState)
	}
	return c.step()
}

func (c *Cursor) step() error {
	c.pending = true
	err := c.store.tx.enqueue(c.req, c.advance)
	if err != nil {
		c.pending = false
	}
	return err
}

func (c *Cursor) bucket() string {
	if c.index != nil {
		return indexBucket(c.store.name, c.index.name)
	}
	return recordBucket(c.store.name)
}

func (c *Cursor) advance(tx store.Tx) (any, error) {
	c.pending = false
	if c.index != nil {
		if _, _, err := c.index.meta(); err != nil {
			return nil, err
		}
	} else if _, err := c.store.meta(); err != nil {
		return nil, err
	}

	start, end := c.rng.bounds()
	if c.pos != nil {
		if c.dir == Next {
			if next := successor(c.pos); start == nil || bytes.Compare(next, start) > 0 {
				start = next
			}
		} else if end == nil || bytes.Compare(c.pos, end) < 0 {
			end = c.pos
		}
	}

	var found *kv
	err := tx.Scan(c.bucket(), start, end, c.dir == Prev, func(k, v []byte) (bool, error) {
		found = &kv{k, v}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		c.done = true
		c.key, c.pk, c.encPK, c.value = nil, nil, nil, nil
		return nil, nil
	}

	c.pos = found.k
	if c.key, _, err = decodeKey(found.k); err != nil {
		return nil, err
	}
	if c.index != nil {
		c.encPK = found.v
		if c.pk, _, err = decodeKey(found.v); err != nil {
			return nil, err
		}
		c.value = nil
		if !c.keysOnly {
			if c.value, err = c.index.record(tx, *found); err != nil {
				return nil, err
			}
		}
		return c, nil
	}
	c.encPK = found.k
	c.pk = c.key
	c.value = nil
	if !c.keysOnly {
		if c.value, err = decodeValue(found.v); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Update replaces the current record with value.
func (c *Cursor) Update(value any) *Request {
	t := c.store.tx
	if t.mode == ReadOnly {
		return t.failed(c, ErrReadOnly)
	}
	if c.keysOnly || c.encPK == nil {
		return t.failed(c, fmt.Errorf("%w: cursor has no current record", ErrInvalidState))
	}
	v, err := cloneValue(value)
	if err != nil {
		return t.failed(c, err)
	}
	encPK, pk := c.encPK, c.pk
	return t.issue(c, func(tx store.Tx) (any, error) {
		m, err := c.store.meta()
		if err != nil {
			return nil, err
		}
		if m.KeyPath.IsZero() {
			return putRecord(tx, m, v, pk, false)
		}
		k, ok, err := m.KeyPath.extract(v)
		if err != nil {
			return nil, err
		}
		if !ok || !bytes.Equal(encodeKey(k), encPK) {
			return nil, fmt.Errorf("%w: update must keep the record's primary key", ErrData)
		}
		return putRecord(tx, m, v, nil, false)
	})
}

// Delete removes the current record.
func (c *Cursor) Delete() *Request {
	t := c.store.tx
	if t.mode == ReadOnly {
		return t.failed(c, ErrReadOnly)
	}
	if c.keysOnly || c.encPK == nil {
		return t.failed(c, fmt.Errorf("%w: cursor has no current record", ErrInvalidState))
	}
	encPK := c.encPK
	return t.issue(c, func(tx store.Tx) (any, error) {
		m, err := c.store.meta()
		if err != nil {
			return nil, err
		}
		return nil, deleteRecord(tx, m, encPK)
	})
}
