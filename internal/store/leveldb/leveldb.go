// Package leveldb implements the ordered key/value backend on goleveldb.
//
// LevelDB has a single keyspace, so every bucket is a key prefix made of the
// uvarint length of the bucket name followed by the name. The bucket registry
// lives under keys that start with a zero byte, which no prefix can produce
// because bucket names are never empty.
package leveldb

import (
	"encoding/binary"

	"github.com/maloquacious/goobkv/internal/logger"
	"github.com/maloquacious/goobkv/internal/store"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Driver registers the LevelDB backend with the engine.
var Driver = store.Driver{
	Name: "leveldb",
	Ext:  ".ldb",
	Dir:  true,
	Open: func(path string) (store.Backend, error) {
		return NewLevelDB(path)
	},
}

type LevelDB struct {
	ldb *leveldb.DB
}

// NewLevelDB opens the database at path. If it doesn't exist, it is created.
func NewLevelDB(path string) (*LevelDB, error) {
	ldb, err := leveldb.OpenFile(path, nil)

	// If the database is corrupted, attempt to recover.
	if _, corrupted := err.(*lerrors.ErrCorrupted); corrupted {
		logger.Default.Warn("LevelDB corruption detected for path %s: %s", path, err)
		ldb, err = leveldb.RecoverFile(path, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to recover leveldb at %s", path)
		}
		logger.Default.Warn("LevelDB recovered from corruption for path %s", path)
	}

	// If the database cannot be opened for any other
	// reason, return the error as-is.
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open leveldb at %s", path)
	}
	return &LevelDB{ldb: ldb}, nil
}

func (db *LevelDB) Close() error {
	return db.ldb.Close()
}

// reader is satisfied by both *leveldb.Transaction and *leveldb.Snapshot.
type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

// Begin starts a transaction. Writable transactions hold the LevelDB
// transaction lock until they are committed or discarded; read-only ones
// read from a snapshot.
func (db *LevelDB) Begin(writable bool) (store.Tx, error) {
	if writable {
		ltx, err := db.ldb.OpenTransaction()
		if err != nil {
			return nil, errors.Wrap(err, "failed to open transaction")
		}
		return &LevelDBTransaction{r: ltx, ltx: ltx}, nil
	}
	snapshot, err := db.ldb.GetSnapshot()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get snapshot")
	}
	return &LevelDBTransaction{r: snapshot, snapshot: snapshot}, nil
}

type LevelDBTransaction struct {
	r        reader
	ltx      *leveldb.Transaction
	snapshot *leveldb.Snapshot

	isClosed bool
}

func bucketPrefix(name string) []byte {
	prefix := binary.AppendUvarint(nil, uint64(len(name)))
	return append(prefix, name...)
}

func registryKey(name string) []byte {
	return append([]byte{0}, name...)
}

func (tx *LevelDBTransaction) Writable() bool {
	return tx.ltx != nil
}

func (tx *LevelDBTransaction) check(write bool) error {
	if tx.isClosed {
		return store.ErrTxClosed
	}
	if write && tx.ltx == nil {
		return store.ErrReadOnly
	}
	return nil
}

func (tx *LevelDBTransaction) has(key []byte) (bool, error) {
	_, err := tx.r.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}

func (tx *LevelDBTransaction) requireBucket(name string) error {
	ok, err := tx.has(registryKey(name))
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(store.ErrBucketNotFound, name)
	}
	return nil
}

func (tx *LevelDBTransaction) CreateBucket(name string) error {
	if err := tx.check(true); err != nil {
		return err
	}
	if name == "" {
		return errors.New("bucket name must not be empty")
	}
	return errors.WithStack(tx.ltx.Put(registryKey(name), []byte{1}, nil))
}

func (tx *LevelDBTransaction) DeleteBucket(name string) error {
	if err := tx.check(true); err != nil {
		return err
	}
	prefix := bucketPrefix(name)
	var keys [][]byte
	iter := tx.r.NewIterator(util.BytesPrefix(prefix), nil)
	for iter.Next() {
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return errors.Wrapf(err, "failed to delete bucket %s", name)
	}
	for _, k := range keys {
		if err := tx.ltx.Delete(k, nil); err != nil {
			return errors.Wrapf(err, "failed to delete bucket %s", name)
		}
	}
	return errors.WithStack(tx.ltx.Delete(registryKey(name), nil))
}

func (tx *LevelDBTransaction) Get(bucket string, key []byte) ([]byte, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	if err := tx.requireBucket(bucket); err != nil {
		return nil, err
	}
	value, err := tx.r.Get(append(bucketPrefix(bucket), key...), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get from %s", bucket)
	}
	return value, nil
}

func (tx *LevelDBTransaction) Put(bucket string, key, value []byte) error {
	if err := tx.check(true); err != nil {
		return err
	}
	if err := tx.requireBucket(bucket); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	return errors.WithStack(tx.ltx.Put(append(bucketPrefix(bucket), key...), value, nil))
}

func (tx *LevelDBTransaction) Delete(bucket string, key []byte) error {
	if err := tx.check(true); err != nil {
		return err
	}
	if err := tx.requireBucket(bucket); err != nil {
		return err
	}
	return errors.WithStack(tx.ltx.Delete(append(bucketPrefix(bucket), key...), nil))
}

func (tx *LevelDBTransaction) Scan(bucket string, start, end []byte, reverse bool, fn store.ScanFunc) error {
	if err := tx.check(false); err != nil {
		return err
	}
	if err := tx.requireBucket(bucket); err != nil {
		return err
	}
	prefix := bucketPrefix(bucket)
	rng := util.BytesPrefix(prefix)
	if start != nil {
		rng.Start = append(append([]byte(nil), prefix...), start...)
	}
	if end != nil {
		rng.Limit = append(append([]byte(nil), prefix...), end...)
	}

	iter := tx.r.NewIterator(rng, nil)
	defer iter.Release()

	ok := iter.First()
	if reverse {
		ok = iter.Last()
	}
	for ; ok; ok = step(iter, reverse) {
		k := append([]byte(nil), iter.Key()[len(prefix):]...)
		v := append([]byte{}, iter.Value()...)
		more, err := fn(k, v)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return errors.WithStack(iter.Error())
}

func step(iter iterator.Iterator, reverse bool) bool {
	if reverse {
		return iter.Prev()
	}
	return iter.Next()
}

func (tx *LevelDBTransaction) Commit() error {
	if tx.isClosed {
		return store.ErrTxClosed
	}
	tx.isClosed = true
	if tx.snapshot != nil {
		tx.snapshot.Release()
		return nil
	}
	return errors.Wrap(tx.ltx.Commit(), "failed to commit transaction")
}

func (tx *LevelDBTransaction) Rollback() error {
	if tx.isClosed {
		return store.ErrTxClosed
	}
	tx.isClosed = true
	if tx.snapshot != nil {
		tx.snapshot.Release()
		return nil
	}
	tx.ltx.Discard()
	return nil
}
