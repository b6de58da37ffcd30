package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/maloquacious/goobkv/internal/engine"
)

// strategy is the reconciliation an upgrade runs.
type strategy int

const (
	synchronize strategy = iota
	migrate
)

func (s strategy) String() string {
	if s == migrate {
		return "migrations"
	}
	return "synchronizer"
}

// strategy picks the synchronizer or the migration pipeline, never both.
func (c Config) strategy() strategy {
	if len(c.Migrations) > 0 {
		return migrate
	}
	return synchronize
}

// Open opens the configured database, upgrading it first when cfg.Version
// is higher than the stored version. When other connections block the
// upgrade, Open fails with ErrBlocked instead of waiting for them.
func Open(ctx context.Context, f *engine.Factory, cfg Config) (*DB, error) {
	cfg = cfg.withDefaults()
	d := &DB{cfg: cfg, f: f, log: cfg.Logger}
	if err := cfg.Validate(); err != nil {
		return nil, d.fail(ErrOpen, "open", nil, err)
	}

	var (
		upgrading  bool
		oldVersion int
		versions   [2]int
		blocked    = make(chan [2]int, 1)
	)
	req := f.Open(cfg.Name, cfg.Version, engine.OpenHandlers{
		OnBlocked: func(oldVersion, newVersion int) {
			select {
			case blocked <- [2]int{oldVersion, newVersion}:
			default:
			}
		},
		OnUpgradeNeeded: func(ev engine.UpgradeEvent) error {
			upgrading, oldVersion = true, ev.OldVersion
			return d.upgrade(ctx, ev)
		},
	})

	select {
	case <-req.Done():
	case versions = <-blocked:
		req.Abandon()
	case <-ctx.Done():
		req.Abandon()
	}
	conn, err := req.Wait()

	switch {
	case err == nil:
	case errors.Is(err, engine.ErrBlocked):
		if ctx.Err() != nil {
			return nil, d.fail(ErrOpen, "open", nil, ctx.Err())
		}
		return nil, d.blockedError("open", versions[0], versions[1])
	case upgrading:
		return nil, d.fail(ErrUpgrade, "upgrade", nil, err)
	default:
		return nil, d.fail(ErrOpen, "open", nil, err)
	}

	d.conn = conn
	conn.OnVersionChange(d.versionChange)
	if upgrading {
		d.log.Info("db: %s: opened at version %d (upgraded from %d)", cfg.Name, cfg.Version, oldVersion)
	} else {
		d.log.Info("db: %s: opened at version %d", cfg.Name, cfg.Version)
	}
	return d, nil
}

// blockedError reports a version change blocked by other connections. The
// blocked callback may supply the error.
func (d *DB) blockedError(op string, oldVersion, newVersion int) error {
	var err error = fmt.Errorf("version change from %d to %d is blocked by open connections", oldVersion, newVersion)
	if cb := d.cfg.Events.OnBlocked; cb != nil {
		if custom := cb(oldVersion, newVersion); custom != nil {
			err = custom
		}
	}
	return d.fail(ErrBlocked, op, nil, err)
}

// upgrade runs inside the engine's version-change transaction.
func (d *DB) upgrade(ctx context.Context, ev engine.UpgradeEvent) error {
	d.conn = ev.Conn
	ev.Conn.OnVersionChange(d.versionChange)
	if cb := d.cfg.Events.OnUpgradeStart; cb != nil {
		if err := cb(ev.OldVersion, ev.NewVersion); err != nil {
			return fmt.Errorf("upgrade start callback: %w", err)
		}
	}

	s := d.cfg.strategy()
	d.log.Info("db: %s: upgrading %d -> %d with %s", d.cfg.Name, ev.OldVersion, ev.NewVersion, s)
	var err error
	switch s {
	case synchronize:
		err = Synchronize(ev.Conn, ev.Transaction, d.cfg.Stores)
	case migrate:
		err = d.runMigrations(ctx, ev)
	}
	if err != nil {
		return err
	}

	if cb := d.cfg.Events.OnUpgradeEnd; cb != nil {
		if err := cb(ev.OldVersion, ev.NewVersion); err != nil {
			return fmt.Errorf("upgrade end callback: %w", err)
		}
	}
	return nil
}

// versionChange closes the connection so that another open or a delete can
// proceed. The callback's failure is reported but does not keep it open.
func (d *DB) versionChange(oldVersion, newVersion int) {
	d.log.Info("db: %s: version change %d -> %d, closing", d.cfg.Name, oldVersion, newVersion)
	if cb := d.cfg.Events.OnVersionChange; cb != nil {
		if err := cb(oldVersion, newVersion); err != nil {
			_ = d.cfg.Events.reportError(d.log, &Error{Kind: ErrOperation, Op: "versionchange", Err: err})
		}
	}
	d.Close()
}
