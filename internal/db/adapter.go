package db

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maloquacious/goobkv/internal/engine"
)

// terminal is how a cell settled.
type terminal int

const (
	settledOK terminal = iota
	settledErr
	settledTimeout
)

type settlement struct {
	how   terminal
	value any
	err   error
}

// cell is a single-assignment result. The first settle wins; later ones are
// dropped, and the timer is stopped as soon as the cell settles.
type cell struct {
	settled atomic.Bool
	timer   atomic.Pointer[time.Timer]
	ch      chan settlement
}

func newCell() *cell {
	return &cell{ch: make(chan settlement, 1)}
}

// arm starts the timeout. onTimeout runs only if the timer settles the cell.
func (c *cell) arm(d time.Duration, onTimeout func()) {
	t := time.AfterFunc(d, func() {
		if c.settle(settlement{how: settledTimeout}) && onTimeout != nil {
			onTimeout()
		}
	})
	c.timer.Store(t)
	if c.settled.Load() {
		t.Stop()
	}
}

func (c *cell) settle(s settlement) bool {
	if !c.settled.CompareAndSwap(false, true) {
		return false
	}
	if t := c.timer.Load(); t != nil {
		t.Stop()
	}
	c.ch <- s
	return true
}

func (c *cell) resolve(v any) {
	c.settle(settlement{how: settledOK, value: v})
}

func (c *cell) reject(err error) {
	c.settle(settlement{how: settledErr, err: err})
}

// wait blocks until the cell settles or ctx is done.
func (c *cell) wait(ctx context.Context) settlement {
	stop := context.AfterFunc(ctx, func() {
		c.reject(ctx.Err())
	})
	defer stop()
	return <-c.ch
}

// await races one engine request against the transaction timeout. A timeout
// does not abort the request; if it completes later the result is dropped.
func (d *DB) await(ctx context.Context, op string, stores []string, req *engine.Request) (any, error) {
	c := newCell()
	c.arm(d.cfg.TransactionTimeout, nil)
	req.OnSuccess(c.resolve)
	req.OnError(c.reject)
	return d.settle(op, stores, c.wait(ctx))
}

// awaitCommitted is await for a request that owns its transaction: it
// resolves only once the transaction has committed.
func (d *DB) awaitCommitted(ctx context.Context, op string, stores []string, tx *engine.Transaction, req *engine.Request) (any, error) {
	c := newCell()
	c.arm(d.cfg.TransactionTimeout, nil)
	var result any
	req.OnSuccess(func(v any) { result = v })
	req.OnError(c.reject)
	tx.OnComplete(func() { c.resolve(result) })
	tx.OnAbort(c.reject)
	if err := tx.Commit(); err != nil {
		c.reject(err)
	}
	return d.settle(op, stores, c.wait(ctx))
}

// settle turns a settlement into the caller's result, running the matching
// callback exactly once.
func (d *DB) settle(op string, stores []string, s settlement) (any, error) {
	switch s.how {
	case settledOK:
		return s.value, nil
	case settledTimeout:
		return nil, d.timedOut(op, stores)
	}
	return nil, d.fail(ErrOperation, op, stores, s.err)
}

func (d *DB) fail(kind error, op string, stores []string, err error) error {
	e := &Error{Kind: kind, Op: op, Stores: stores, Err: err}
	d.log.Debug("db: %s: %v", d.cfg.Name, e)
	return d.cfg.Events.reportError(d.log, e)
}

func (d *DB) timedOut(op string, stores []string) error {
	timeout := d.cfg.TransactionTimeout
	e := &Error{Kind: ErrTimeout, Op: op, Stores: stores, Err: fmt.Errorf("no outcome within %s", timeout)}
	d.log.Debug("db: %s: %v", d.cfg.Name, e)
	return d.cfg.Events.reportTimeout(d.log, e, TimeoutInfo{Conn: d.conn, Op: op, Stores: stores, Timeout: timeout})
}
