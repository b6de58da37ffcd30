package store

import "errors"

// StoreState represents the state of a stored database relative to the
// configuration that opens it.
type StoreState int

const (
	StateMissing  StoreState = iota // File doesn't exist
	StateOutdated                   // Stored version is behind the configured one
	StateAhead                      // Stored version is ahead of the configured one
	StateDrift                      // Versions match but the structure differs
	StateReady                      // Configured version and structure
)

func (s StoreState) String() string {
	switch s {
	case StateMissing:
		return "missing"
	case StateOutdated:
		return "outdated"
	case StateAhead:
		return "ahead"
	case StateDrift:
		return "drift"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// MarshalText encodes the state by name.
func (s StoreState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrBucketNotFound = errors.New("bucket not found")
	ErrReadOnly       = errors.New("transaction is read-only")
	ErrTxClosed       = errors.New("transaction is closed")
)

// Backend defines the ordered key/value contract the engine is built on.
// Keys within a bucket are kept in bytewise order.
// Implementations must be safe for concurrent use; a single Tx is not.
type Backend interface {
	// Begin starts a read-only or read-write transaction.
	Begin(writable bool) (Tx, error)

	// Close closes the backend.
	Close() error
}

// ScanFunc is called for each entry visited by Tx.Scan. Returning false
// stops the scan. The callback must not modify the bucket being scanned.
type ScanFunc func(key, value []byte) (more bool, err error)

// Tx is a single backend transaction.
// Slices returned by a Tx are owned by the caller.
type Tx interface {
	Writable() bool

	// CreateBucket creates the bucket if it does not exist.
	CreateBucket(name string) error

	// DeleteBucket removes the bucket and all of its entries. Deleting a
	// missing bucket is not an error.
	DeleteBucket(name string) error

	// Get returns nil, nil when the key is absent.
	Get(bucket string, key []byte) ([]byte, error)
	Put(bucket string, key, value []byte) error
	Delete(bucket string, key []byte) error

	// Scan visits the entries with start <= key < end, ascending or, when
	// reverse is set, descending. A nil bound is unbounded.
	Scan(bucket string, start, end []byte, reverse bool, fn ScanFunc) error

	Commit() error
	Rollback() error
}

// Driver opens backends of one kind.
type Driver struct {
	Name string

	// Ext is appended to the database name to form its path.
	Ext string

	// Dir is set when the backend keeps a directory rather than a file.
	Dir bool

	Open func(path string) (Backend, error)
}
