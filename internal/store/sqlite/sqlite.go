package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/maloquacious/goobkv/internal/store"
	_ "modernc.org/sqlite"
)

// Driver registers the SQLite backend with the engine.
var Driver = store.Driver{
	Name: "sqlite",
	Ext:  ".sqlite",
	Open: func(path string) (store.Backend, error) {
		return Open(path)
	},
}

// SQLiteStore implements store.Backend using modernc.org/sqlite.
type SQLiteStore struct {
	dbPath string
	db     *sql.DB
}

// New creates a new SQLiteStore.
func New(dbPath string) *SQLiteStore {
	return &SQLiteStore{
		dbPath: dbPath,
	}
}

// Open creates a SQLiteStore for dbPath, opens it and initializes the schema.
func Open(dbPath string) (*SQLiteStore, error) {
	s := New(dbPath)
	if err := s.Open(); err != nil {
		return nil, err
	}
	if err := s.InitSchema(layoutVersion); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Open opens the SQLite database with safe defaults.
func (s *SQLiteStore) Open() error {
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time; per-connection pragmas
	// below also require a single pooled connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Apply safe defaults
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// InitSchema creates the tables and records the layout version. It refuses
// files written with a different layout.
func (s *SQLiteStore) InitSchema(version string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(initialSchema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	var current string
	err = tx.QueryRow(`SELECT version FROM schema_migrations ORDER BY applied_at DESC LIMIT 1`).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, strftime('%s', 'now'))`, version)
		if err != nil {
			return fmt.Errorf("failed to insert schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to query schema version: %w", err)
	case current != version:
		return fmt.Errorf("unsupported layout version %q, expected %q", current, version)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetSchemaVersion returns the layout version recorded in the database.
func (s *SQLiteStore) GetSchemaVersion() (string, error) {
	if s.db == nil {
		return "", fmt.Errorf("database not opened")
	}

	var version string
	err := s.db.QueryRow(`SELECT version FROM schema_migrations ORDER BY applied_at DESC LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query schema version: %w", err)
	}

	return version, nil
}

// Begin starts a transaction. Read-only transactions are enforced here, not
// by SQLite.
func (s *SQLiteStore) Begin(writable bool) (store.Tx, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqliteTx{tx: tx, writable: writable}, nil
}

type sqliteTx struct {
	tx       *sql.Tx
	writable bool
	closed   bool
}

func (t *sqliteTx) Writable() bool {
	return t.writable
}

func (t *sqliteTx) check(write bool) error {
	if t.closed {
		return store.ErrTxClosed
	}
	if write && !t.writable {
		return store.ErrReadOnly
	}
	return nil
}

func (t *sqliteTx) bucketExists(name string) error {
	var n int
	if err := t.tx.QueryRow(`SELECT COUNT(*) FROM buckets WHERE name = ?`, name).Scan(&n); err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", name, store.ErrBucketNotFound)
	}
	return nil
}

func (t *sqliteTx) CreateBucket(name string) error {
	if err := t.check(true); err != nil {
		return err
	}
	if _, err := t.tx.Exec(`INSERT OR IGNORE INTO buckets (name) VALUES (?)`, name); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return nil
}

func (t *sqliteTx) DeleteBucket(name string) error {
	if err := t.check(true); err != nil {
		return err
	}
	if _, err := t.tx.Exec(`DELETE FROM kv WHERE bucket = ?`, name); err != nil {
		return fmt.Errorf("failed to delete bucket %s: %w", name, err)
	}
	if _, err := t.tx.Exec(`DELETE FROM buckets WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete bucket %s: %w", name, err)
	}
	return nil
}

func (t *sqliteTx) Get(bucket string, key []byte) ([]byte, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	if err := t.bucketExists(bucket); err != nil {
		return nil, err
	}
	var value []byte
	err := t.tx.QueryRow(`SELECT v FROM kv WHERE bucket = ? AND k = ?`, bucket, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from %s: %w", bucket, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (t *sqliteTx) Put(bucket string, key, value []byte) error {
	if err := t.check(true); err != nil {
		return err
	}
	if err := t.bucketExists(bucket); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := t.tx.Exec(`INSERT INTO kv (bucket, k, v) VALUES (?, ?, ?)
		ON CONFLICT (bucket, k) DO UPDATE SET v = excluded.v`, bucket, key, value)
	if err != nil {
		return fmt.Errorf("failed to put into %s: %w", bucket, err)
	}
	return nil
}

func (t *sqliteTx) Delete(bucket string, key []byte) error {
	if err := t.check(true); err != nil {
		return err
	}
	if err := t.bucketExists(bucket); err != nil {
		return err
	}
	if _, err := t.tx.Exec(`DELETE FROM kv WHERE bucket = ? AND k = ?`, bucket, key); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", bucket, err)
	}
	return nil
}

func (t *sqliteTx) Scan(bucket string, start, end []byte, reverse bool, fn store.ScanFunc) error {
	if err := t.check(false); err != nil {
		return err
	}
	if err := t.bucketExists(bucket); err != nil {
		return err
	}

	var q strings.Builder
	args := []any{bucket}
	q.WriteString(`SELECT k, v FROM kv WHERE bucket = ?`)
	if start != nil {
		q.WriteString(` AND k >= ?`)
		args = append(args, start)
	}
	if end != nil {
		q.WriteString(` AND k < ?`)
		args = append(args, end)
	}
	if reverse {
		q.WriteString(` ORDER BY k DESC`)
	} else {
		q.WriteString(` ORDER BY k ASC`)
	}

	rows, err := t.tx.Query(q.String(), args...)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", bucket, err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("failed to scan %s: %w", bucket, err)
		}
		more, err := fn(k, v)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return rows.Err()
}

func (t *sqliteTx) Commit() error {
	if t.closed {
		return store.ErrTxClosed
	}
	t.closed = true
	if !t.writable {
		return t.tx.Rollback()
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if t.closed {
		return store.ErrTxClosed
	}
	t.closed = true
	return t.tx.Rollback()
}
