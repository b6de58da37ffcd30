// Package config loads a database definition from a YAML file.
package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/maloquacious/goobkv/internal/db"
	"github.com/maloquacious/goobkv/internal/engine"
	"github.com/maloquacious/goobkv/internal/logger"
	"github.com/maloquacious/goobkv/internal/store"
	"github.com/maloquacious/goobkv/internal/store/bbolt"
	"github.com/maloquacious/goobkv/internal/store/leveldb"
	"github.com/maloquacious/goobkv/internal/store/sqlite"
	"gopkg.in/yaml.v3"
)

// File is the YAML configuration file.
type File struct {
	// Name identifies the database.
	Name string `yaml:"name"`

	// Version is the schema version to open the database at.
	Version int `yaml:"version"`

	// Directory holds the database files. Defaults to "data".
	Directory string `yaml:"directory,omitempty"`

	// Backend is one of bbolt, sqlite or leveldb. Defaults to bbolt.
	Backend string `yaml:"backend,omitempty"`

	// TransactionTimeoutMs bounds every operation and transaction.
	TransactionTimeoutMs int `yaml:"transactionTimeoutMs,omitempty"`

	LogLevel string `yaml:"logLevel,omitempty"`
	LogFile  string `yaml:"logFile,omitempty"`

	Stores     []Store     `yaml:"stores,omitempty"`
	Migrations []Migration `yaml:"migrations,omitempty"`
}

// Store declares an object store.
type Store struct {
	Name          string  `yaml:"name"`
	KeyPath       KeyPath `yaml:"keyPath,omitempty"`
	AutoIncrement bool    `yaml:"autoIncrement,omitempty"`
	Indexes       []Index `yaml:"indexes,omitempty"`
}

// Index declares an index.
type Index struct {
	Name       string  `yaml:"name"`
	KeyPath    KeyPath `yaml:"keyPath"`
	Unique     bool    `yaml:"unique,omitempty"`
	MultiEntry bool    `yaml:"multiEntry,omitempty"`
}

// Migration is a declarative upgrade step list for one version.
type Migration struct {
	Version int    `yaml:"version"`
	Steps   []Step `yaml:"steps"`
}

// Step is one structural change. Exactly one field is set.
type Step struct {
	CreateStore *Store    `yaml:"createStore,omitempty"`
	DeleteStore *StoreRef `yaml:"deleteStore,omitempty"`
	CreateIndex *IndexOp  `yaml:"createIndex,omitempty"`
	DeleteIndex *IndexRef `yaml:"deleteIndex,omitempty"`
}

// StoreRef names a store.
type StoreRef struct {
	Name string `yaml:"name"`
}

// IndexOp creates an index on a store.
type IndexOp struct {
	Store string `yaml:"store"`
	Index `yaml:",inline"`
}

// IndexRef names an index of a store.
type IndexRef struct {
	Store string `yaml:"store"`
	Name  string `yaml:"name"`
}

// KeyPath accepts a single path or a list of paths.
type KeyPath []string

func (k *KeyPath) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*k = KeyPath{node.Value}
		return nil
	case yaml.SequenceNode:
		var paths []string
		if err := node.Decode(&paths); err != nil {
			return err
		}
		*k = paths
		return nil
	}
	return fmt.Errorf("line %d: keyPath must be a string or a list of strings", node.Line)
}

func (k KeyPath) MarshalYAML() (any, error) {
	if len(k) == 1 {
		return k[0], nil
	}
	return []string(k), nil
}

// Load reads and validates a configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration. Unknown fields are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	f.applyDefaults()
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &f, nil
}

func (f *File) applyDefaults() {
	if f.Directory == "" {
		f.Directory = store.DefaultDataDir
	}
	if f.Backend == "" {
		f.Backend = bbolt.Driver.Name
	}
	if f.LogLevel == "" {
		f.LogLevel = "info"
	}
}

// Validate checks required fields and references.
func (f *File) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("name is required")
	}
	if f.Version < 1 {
		return fmt.Errorf("version must be a positive integer")
	}
	if f.TransactionTimeoutMs < 0 {
		return fmt.Errorf("transactionTimeoutMs must not be negative")
	}
	if _, err := f.Driver(); err != nil {
		return err
	}
	if _, err := logger.ParseLevel(f.LogLevel); err != nil {
		return err
	}
	if err := f.DB(nil).Validate(); err != nil {
		return err
	}
	for i, m := range f.Migrations {
		if len(m.Steps) == 0 {
			return fmt.Errorf("migrations[%d]: steps list is required", i)
		}
		for j, s := range m.Steps {
			if err := s.validate(); err != nil {
				return fmt.Errorf("migrations[%d].steps[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

func (s Step) validate() error {
	n := 0
	if s.CreateStore != nil {
		n++
		if s.CreateStore.Name == "" {
			return fmt.Errorf("createStore: name is required")
		}
	}
	if s.DeleteStore != nil {
		n++
		if s.DeleteStore.Name == "" {
			return fmt.Errorf("deleteStore: name is required")
		}
	}
	if s.CreateIndex != nil {
		n++
		if s.CreateIndex.Store == "" || s.CreateIndex.Name == "" || len(s.CreateIndex.KeyPath) == 0 {
			return fmt.Errorf("createIndex: store, name and keyPath are required")
		}
	}
	if s.DeleteIndex != nil {
		n++
		if s.DeleteIndex.Store == "" || s.DeleteIndex.Name == "" {
			return fmt.Errorf("deleteIndex: store and name are required")
		}
	}
	if n != 1 {
		return fmt.Errorf("exactly one of createStore, deleteStore, createIndex or deleteIndex is required")
	}
	return nil
}

// Driver returns the storage backend named by Backend.
func (f *File) Driver() (store.Driver, error) {
	for _, d := range []store.Driver{bbolt.Driver, sqlite.Driver, leveldb.Driver} {
		if d.Name == f.Backend {
			return d, nil
		}
	}
	return store.Driver{}, fmt.Errorf("unknown backend %q", f.Backend)
}

// Timeout returns the transaction timeout, zero meaning the default.
func (f *File) Timeout() time.Duration {
	return time.Duration(f.TransactionTimeoutMs) * time.Millisecond
}

// DB converts the file into a db.Config.
func (f *File) DB(log logger.Logger) db.Config {
	cfg := db.Config{
		Name:               f.Name,
		Version:            f.Version,
		TransactionTimeout: f.Timeout(),
		Logger:             log,
	}
	for _, s := range f.Stores {
		cfg.Stores = append(cfg.Stores, s.schema())
	}
	for _, m := range f.Migrations {
		cfg.Migrations = append(cfg.Migrations, db.Migration{Version: m.Version, Migrate: m.compile()})
	}
	return cfg
}

func (s Store) schema() db.StoreSchema {
	out := db.StoreSchema{
		Name:    s.Name,
		Options: engine.StoreOptions{KeyPath: engine.KeyPath(s.KeyPath), AutoIncrement: s.AutoIncrement},
	}
	for _, ix := range s.Indexes {
		out.Indexes = append(out.Indexes, ix.schema())
	}
	return out
}

func (ix Index) schema() db.IndexSchema {
	return db.IndexSchema{
		Name:    ix.Name,
		KeyPath: engine.KeyPath(ix.KeyPath),
		Options: engine.IndexOptions{Unique: ix.Unique, MultiEntry: ix.MultiEntry},
	}
}

// compile turns the declarative steps into a migration func.
func (m Migration) compile() func(ctx context.Context, mc db.MigrationContext) error {
	steps := m.Steps
	return func(ctx context.Context, mc db.MigrationContext) error {
		for i, s := range steps {
			if err := s.apply(mc); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		}
		return nil
	}
}

func (s Step) apply(mc db.MigrationContext) error {
	switch {
	case s.CreateStore != nil:
		schema := s.CreateStore.schema()
		st, err := mc.Conn.CreateObjectStore(schema.Name, schema.Options)
		if err != nil {
			return err
		}
		for _, ix := range schema.Indexes {
			if _, err := st.CreateIndex(ix.Name, ix.KeyPath, ix.Options); err != nil {
				return err
			}
		}
		return nil
	case s.DeleteStore != nil:
		return mc.Conn.DeleteObjectStore(s.DeleteStore.Name)
	case s.CreateIndex != nil:
		st, err := mc.Transaction.ObjectStore(s.CreateIndex.Store)
		if err != nil {
			return err
		}
		ix := s.CreateIndex.schema()
		_, err = st.CreateIndex(ix.Name, ix.KeyPath, ix.Options)
		return err
	case s.DeleteIndex != nil:
		st, err := mc.Transaction.ObjectStore(s.DeleteIndex.Store)
		if err != nil {
			return err
		}
		return st.DeleteIndex(s.DeleteIndex.Name)
	}
	return fmt.Errorf("empty migration step")
}
