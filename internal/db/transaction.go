package db

import (
	"context"
	"errors"
	"sync"

	"github.com/maloquacious/goobkv/internal/engine"
)

// Tx groups operations on several stores in one engine transaction. The
// transaction timeout starts when the Tx is created; if it elapses before
// the transaction finishes, the transaction is aborted.
//
// The outcome is reported to the event callbacks when the transaction
// settles, whether or not Done is ever called.
type Tx struct {
	db     *DB
	raw    *engine.Transaction
	names  []string
	stores map[string]*Store
	c      *cell
	report bool

	commit   sync.Once
	once     sync.Once
	finished chan struct{}
	result   settlement
	err      error
}

// Transaction starts a transaction over the named stores. mode is
// engine.ReadOnly or engine.ReadWrite.
func (d *DB) Transaction(ctx context.Context, names []string, mode engine.Mode) (*Tx, error) {
	return d.transaction(names, mode, true)
}

// transaction starts a Tx. A Tx that does not report leaves the event
// callbacks to its caller.
func (d *DB) transaction(names []string, mode engine.Mode, report bool) (*Tx, error) {
	raw, err := d.conn.Transaction(names, mode)
	if err != nil {
		return nil, d.fail(ErrTransaction, "begin", names, err)
	}
	tx := &Tx{
		db:       d,
		raw:      raw,
		names:    raw.Scope(),
		stores:   map[string]*Store{},
		c:        newCell(),
		report:   report,
		finished: make(chan struct{}),
	}
	for _, name := range tx.names {
		tx.stores[name] = &Store{db: d, name: name, raw: raw}
	}
	tx.c.arm(d.cfg.TransactionTimeout, func() {
		_ = raw.Abort()
		tx.finish(settlement{how: settledTimeout})
	})
	raw.OnComplete(func() { tx.settle(settlement{how: settledOK}) })
	raw.OnError(func(err error) { tx.settle(settlement{how: settledErr, err: err}) })
	raw.OnAbort(func(err error) { tx.settle(settlement{how: settledErr, err: err}) })
	return tx, nil
}

// Raw returns the engine transaction.
func (tx *Tx) Raw() *engine.Transaction {
	return tx.raw
}

// Stores returns the stores of the transaction by name.
func (tx *Tx) Stores() map[string]*Store {
	return tx.stores
}

// Store returns one store of the transaction, or nil if it is out of scope.
func (tx *Tx) Store(name string) *Store {
	return tx.stores[name]
}

// Abort rolls the transaction back. Done then reports a transaction error.
func (tx *Tx) Abort() error {
	return tx.raw.Abort()
}

// Finished is closed once the outcome of the transaction is known.
func (tx *Tx) Finished() <-chan struct{} {
	return tx.finished
}

// Done commits the transaction once its queued operations have run and
// returns the outcome. Calling it again returns the same outcome. If ctx
// ends first the transaction is aborted and reported as failed.
func (tx *Tx) Done(ctx context.Context) error {
	tx.commit.Do(func() {
		if err := tx.raw.Commit(); err != nil && !errors.Is(err, engine.ErrInvalidState) {
			tx.settle(settlement{how: settledErr, err: err})
		}
	})
	select {
	case <-tx.finished:
	case <-ctx.Done():
		if tx.settle(settlement{how: settledErr, err: ctx.Err()}) {
			_ = tx.raw.Abort()
		}
		<-tx.finished
	}
	return tx.err
}

// settle records the first outcome and reports it. The timer path goes
// through arm instead.
func (tx *Tx) settle(s settlement) bool {
	if !tx.c.settle(s) {
		return false
	}
	tx.finish(s)
	return true
}

func (tx *Tx) finish(s settlement) {
	tx.once.Do(func() {
		tx.result = s
		tx.err = s.err
		if tx.report {
			tx.err = tx.outcome(s)
		}
		close(tx.finished)
	})
}

func (tx *Tx) outcome(s settlement) error {
	switch s.how {
	case settledOK:
		return nil
	case settledTimeout:
		return tx.db.timedOut("transaction", tx.names)
	}
	return tx.db.fail(ErrTransaction, "transaction", tx.names, s.err)
}
