package db

import (
	"context"
	"fmt"
	"time"

	"github.com/maloquacious/goobkv/internal/engine"
	"github.com/maloquacious/goobkv/internal/logger"
)

// DefaultTransactionTimeout bounds every operation and transaction when
// Config.TransactionTimeout is zero.
const DefaultTransactionTimeout = 5 * time.Second

// Config describes a database and how to open it.
type Config struct {
	Name    string
	Version int

	// Stores is the desired schema. Without migrations the synchronizer
	// reconciles the database against it on every upgrade.
	Stores []StoreSchema

	// Migrations replace the synchronizer when present.
	Migrations []Migration

	TransactionTimeout time.Duration
	Events             Events
	Logger             logger.Logger
}

// StoreSchema describes one object store.
type StoreSchema struct {
	Name    string
	Options engine.StoreOptions
	Indexes []IndexSchema
}

// IndexSchema describes one index of a store.
type IndexSchema struct {
	Name    string
	KeyPath engine.KeyPath
	Options engine.IndexOptions
}

// Migration is one upgrade step. Migrate runs when the database is upgraded
// across Version, that is when oldVersion < Version <= newVersion.
type Migration struct {
	Version int
	Migrate func(ctx context.Context, mc MigrationContext) error
}

func (c Config) withDefaults() Config {
	if c.TransactionTimeout <= 0 {
		c.TransactionTimeout = DefaultTransactionTimeout
	}
	if c.Logger == nil {
		c.Logger = logger.Default
	}
	return c
}

// Validate checks the configuration for errors the engine would only report
// halfway through an upgrade.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Version < 1 {
		return fmt.Errorf("version must be a positive integer, got %d", c.Version)
	}
	stores := map[string]bool{}
	for _, s := range c.Stores {
		if s.Name == "" {
			return fmt.Errorf("store name is required")
		}
		if stores[s.Name] {
			return fmt.Errorf("duplicate store %q", s.Name)
		}
		stores[s.Name] = true
		indexes := map[string]bool{}
		for _, ix := range s.Indexes {
			if ix.Name == "" {
				return fmt.Errorf("store %q: index name is required", s.Name)
			}
			if indexes[ix.Name] {
				return fmt.Errorf("store %q: duplicate index %q", s.Name, ix.Name)
			}
			if ix.KeyPath.IsZero() {
				return fmt.Errorf("store %q: index %q needs a key path", s.Name, ix.Name)
			}
			indexes[ix.Name] = true
		}
	}
	versions := map[int]bool{}
	for _, m := range c.Migrations {
		if m.Version < 1 {
			return fmt.Errorf("migration version must be a positive integer, got %d", m.Version)
		}
		if versions[m.Version] {
			return fmt.Errorf("duplicate migration for version %d", m.Version)
		}
		if m.Migrate == nil {
			return fmt.Errorf("migration %d has no Migrate func", m.Version)
		}
		versions[m.Version] = true
	}
	return nil
}

// StoreNames returns the configured store names in configuration order.
func (c Config) StoreNames() []string {
	names := make([]string, 0, len(c.Stores))
	for _, s := range c.Stores {
		names = append(names, s.Name)
	}
	return names
}
