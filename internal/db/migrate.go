package db

import (
	"context"
	"fmt"
	"sort"

	"github.com/maloquacious/goobkv/internal/engine"
)

// MigrationContext is passed to Migration.Migrate.
type MigrationContext struct {
	Conn        *engine.Connection
	Transaction *engine.Transaction
	OldVersion  int
	NewVersion  int

	// Version is the version of the running migration.
	Version int

	db *DB
}

// Store returns an accessor bound to the upgrade transaction.
func (mc MigrationContext) Store(name string) *Store {
	return &Store{db: mc.db, name: name, raw: mc.Transaction}
}

// Pending returns the migrations that apply to an upgrade from oldVersion to
// newVersion, in ascending version order.
func Pending(migrations []Migration, oldVersion, newVersion int) []Migration {
	var out []Migration
	for _, m := range migrations {
		if oldVersion < m.Version && m.Version <= newVersion {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// runMigrations runs the pending migrations one after another. The first
// failure stops the pipeline.
func (d *DB) runMigrations(ctx context.Context, ev engine.UpgradeEvent) error {
	for _, m := range Pending(d.cfg.Migrations, ev.OldVersion, ev.NewVersion) {
		d.log.Info("db: %s: running migration %d", d.cfg.Name, m.Version)
		mc := MigrationContext{
			Conn:        ev.Conn,
			Transaction: ev.Transaction,
			OldVersion:  ev.OldVersion,
			NewVersion:  ev.NewVersion,
			Version:     m.Version,
			db:          d,
		}
		if err := m.Migrate(ctx, mc); err != nil {
			return fmt.Errorf("migration %d: %w", m.Version, err)
		}
	}
	return nil
}
