// Package bbolt implements the ordered key/value backend on go.etcd.io/bbolt.
// Each engine bucket maps onto one top-level bolt bucket.
package bbolt

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/maloquacious/goobkv/internal/store"
	bolt "go.etcd.io/bbolt"
)

// Driver registers the bbolt backend with the engine.
var Driver = store.Driver{
	Name: "bbolt",
	Ext:  ".bolt",
	Open: func(path string) (store.Backend, error) {
		return Open(path)
	},
}

// BoltStore wraps bolt.DB with transaction adapters.
type BoltStore struct {
	db *bolt.DB
}

// Open opens a bolt database, creating it if it doesn't exist.
func Open(path string) (*BoltStore, error) {
	opts := &bolt.Options{Timeout: 10 * time.Second}
	db, err := bolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Begin starts a transaction.
func (b *BoltStore) Begin(writable bool) (store.Tx, error) {
	btx, err := b.db.Begin(writable)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &boltTx{tx: btx}, nil
}

// Close closes the database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

type boltTx struct {
	tx     *bolt.Tx
	closed bool
}

func (b *boltTx) Writable() bool {
	return b.tx.Writable()
}

func (b *boltTx) bucket(name string, write bool) (*bolt.Bucket, error) {
	if b.closed {
		return nil, store.ErrTxClosed
	}
	if write && !b.tx.Writable() {
		return nil, store.ErrReadOnly
	}
	buck := b.tx.Bucket([]byte(name))
	if buck == nil {
		return nil, fmt.Errorf("%s: %w", name, store.ErrBucketNotFound)
	}
	return buck, nil
}

func (b *boltTx) CreateBucket(name string) error {
	if b.closed {
		return store.ErrTxClosed
	}
	if !b.tx.Writable() {
		return store.ErrReadOnly
	}
	if _, err := b.tx.CreateBucketIfNotExists([]byte(name)); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return nil
}

func (b *boltTx) DeleteBucket(name string) error {
	if b.closed {
		return store.ErrTxClosed
	}
	if !b.tx.Writable() {
		return store.ErrReadOnly
	}
	err := b.tx.DeleteBucket([]byte(name))
	if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return fmt.Errorf("failed to delete bucket %s: %w", name, err)
	}
	return nil
}

func (b *boltTx) Get(bucket string, key []byte) ([]byte, error) {
	buck, err := b.bucket(bucket, false)
	if err != nil {
		return nil, err
	}
	value := buck.Get(key)
	if value == nil {
		return nil, nil
	}
	return clone(value), nil
}

func (b *boltTx) Put(bucket string, key, value []byte) error {
	buck, err := b.bucket(bucket, true)
	if err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	return buck.Put(key, value)
}

func (b *boltTx) Delete(bucket string, key []byte) error {
	buck, err := b.bucket(bucket, true)
	if err != nil {
		return err
	}
	return buck.Delete(key)
}

func (b *boltTx) Scan(bucket string, start, end []byte, reverse bool, fn store.ScanFunc) error {
	buck, err := b.bucket(bucket, false)
	if err != nil {
		return err
	}
	c := buck.Cursor()

	if !reverse {
		var k, v []byte
		if start == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(start)
		}
		for ; k != nil; k, v = c.Next() {
			if end != nil && bytes.Compare(k, end) >= 0 {
				return nil
			}
			more, err := fn(clone(k), clone(v))
			if err != nil || !more {
				return err
			}
		}
		return nil
	}

	var k, v []byte
	if end == nil {
		k, v = c.Last()
	} else if k, v = c.Seek(end); k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	for ; k != nil; k, v = c.Prev() {
		if start != nil && bytes.Compare(k, start) < 0 {
			return nil
		}
		more, err := fn(clone(k), clone(v))
		if err != nil || !more {
			return err
		}
	}
	return nil
}

func (b *boltTx) Commit() error {
	if b.closed {
		return store.ErrTxClosed
	}
	b.closed = true
	if !b.tx.Writable() {
		return b.tx.Rollback()
	}
	return b.tx.Commit()
}

func (b *boltTx) Rollback() error {
	if b.closed {
		return store.ErrTxClosed
	}
	b.closed = true
	return b.tx.Rollback()
}

func clone(p []byte) []byte {
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
