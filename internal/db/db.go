// Package db gives awaitable, timeout-bounded access to an engine database.
//
// Open negotiates the version, upgrading the schema either with the
// synchronizer (declared stores and indexes) or with an ordered migration
// pipeline. The resulting DB hands out per-store accessors that run each
// call in its own transaction, multi-store transactions, and whole-database
// clear and delete.
package db

import (
	"context"
	"errors"
	"sync"

	"github.com/maloquacious/goobkv/internal/engine"
	"github.com/maloquacious/goobkv/internal/logger"
)

// DB is an open database.
type DB struct {
	cfg  Config
	f    *engine.Factory
	conn *engine.Connection
	log  logger.Logger

	closeOnce sync.Once
}

// Name returns the database name.
func (d *DB) Name() string {
	return d.cfg.Name
}

// Version returns the version the database was opened at.
func (d *DB) Version() int {
	return d.conn.Version()
}

// Config returns the configuration the database was opened with.
func (d *DB) Config() Config {
	return d.cfg
}

// Conn returns the engine connection.
func (d *DB) Conn() *engine.Connection {
	return d.conn
}

// Closed reports whether the connection has been closed, by Close or by a
// version change.
func (d *DB) Closed() bool {
	return d.conn.Closed()
}

// Close closes the connection. Later operations fail.
func (d *DB) Close() {
	d.closeOnce.Do(func() {
		d.conn.Close()
		d.log.Debug("db: %s: closed", d.cfg.Name)
	})
}

// Clear empties every configured store, one after another. Without
// configured stores it empties every store of the database.
func (d *DB) Clear(ctx context.Context) error {
	names := d.cfg.StoreNames()
	if len(names) == 0 {
		names = d.conn.ObjectStoreNames()
	}
	for _, name := range names {
		if err := d.Store(name).Clear(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Delete closes the connection and deletes the database. If other
// connections keep the database open the delete is abandoned and reported as
// blocked.
func (d *DB) Delete(ctx context.Context) error {
	d.Close()
	blocked := make(chan [2]int, 1)
	req := d.f.DeleteDatabase(d.cfg.Name, engine.DeleteHandlers{
		OnBlocked: func(oldVersion, newVersion int) {
			select {
			case blocked <- [2]int{oldVersion, newVersion}:
			default:
			}
		},
	})
	var versions [2]int
	select {
	case <-req.Done():
	case versions = <-blocked:
		req.Abandon()
	case <-ctx.Done():
		req.Abandon()
	}
	if _, err := req.Wait(); err != nil {
		if errors.Is(err, engine.ErrBlocked) && ctx.Err() == nil {
			return d.blockedError("delete", versions[0], versions[1])
		}
		return d.fail(ErrOperation, "delete", nil, err)
	}
	d.log.Info("db: %s: deleted", d.cfg.Name)
	return nil
}
