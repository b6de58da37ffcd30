package engine

import (
	"fmt"
	"sync"

	"github.com/maloquacious/goobkv/internal/store"
)

// Mode is a transaction mode.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
	VersionChange
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case VersionChange:
		return "versionchange"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

type op struct {
	req *Request
	run func(tx store.Tx) (any, error)
}

// Transaction groups requests against a fixed set of object stores. Requests
// execute in issuance order on a worker goroutine that holds the backend
// transaction. The transaction commits once Commit has been called and its
// queue has drained; a failing request aborts it.
//
// Read-write and version-change transactions exclude every other transaction
// on the database for their lifetime; read-only transactions share. The
// backend transaction is begun lazily, on the first request.
type Transaction struct {
	conn  *Connection
	mode  Mode
	scope []string
	sc    *schema

	mu              sync.Mutex
	cond            *sync.Cond
	queue           []op
	wantBegin       bool
	commitRequested bool
	abortErr        error
	abortExplicit   bool
	finished        bool
	outcome         error
	errorFired      bool
	onComplete      func()
	onError         func(error)
	onAbort         func(error)

	execMu   sync.Mutex
	btx      store.Tx
	beginErr error
	ready    chan struct{}
	done     chan struct{}
}

func newTransaction(conn *Connection, mode Mode, scope []string, sc *schema) *Transaction {
	t := &Transaction{
		conn:  conn,
		mode:  mode,
		scope: scope,
		sc:    sc,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	t.wantBegin = mode == VersionChange
	go t.run()
	return t
}

// Mode returns the transaction mode.
func (t *Transaction) Mode() Mode {
	return t.mode
}

// Scope returns the names of the stores the transaction covers.
func (t *Transaction) Scope() []string {
	if t.mode == VersionChange {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.sc.names()
	}
	return append([]string(nil), t.scope...)
}

// Connection returns the connection the transaction belongs to.
func (t *Transaction) Connection() *Connection {
	return t.conn
}

// ObjectStore returns a handle on a store within the transaction's scope.
func (t *Transaction) ObjectStore(name string) (*ObjectStore, error) {
	t.mu.Lock()
	finished := t.finished
	t.mu.Unlock()
	if finished {
		return nil, fmt.Errorf("%w: transaction has finished", ErrInvalidState)
	}
	if t.mode != VersionChange && !contains(t.scope, name) {
		return nil, fmt.Errorf("%w: store %s is not in the transaction scope", ErrNotFound, name)
	}
	if t.storeMeta(name) == nil {
		return nil, fmt.Errorf("%w: store %s", ErrNotFound, name)
	}
	return &ObjectStore{tx: t, name: name}, nil
}

func (t *Transaction) storeMeta(name string) *storeMeta {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sc.stores[name]
}

// Commit asks the transaction to commit once every queued request has run.
// No request may be issued afterwards.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished || t.abortErr != nil || t.commitRequested {
		return fmt.Errorf("%w: transaction is not active", ErrInvalidState)
	}
	t.commitRequested = true
	t.cond.Broadcast()
	return nil
}

// Abort rolls the transaction back. Queued requests fail with ErrAborted.
func (t *Transaction) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished || t.abortErr != nil {
		return fmt.Errorf("%w: transaction has finished", ErrInvalidState)
	}
	t.abortErr = ErrAborted
	t.abortExplicit = true
	t.cond.Broadcast()
	return nil
}

// abortWith aborts because of err; the error event fires before the abort event.
func (t *Transaction) abortWith(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished || t.abortErr != nil {
		return
	}
	t.abortErr = err
	t.cond.Broadcast()
}

// OnComplete sets the callback fired after a successful commit.
func (t *Transaction) OnComplete(fn func()) {
	t.mu.Lock()
	if !t.finished {
		t.onComplete = fn
		t.mu.Unlock()
		return
	}
	ok := t.outcome == nil
	t.mu.Unlock()
	if ok {
		fn()
	}
}

// OnError sets the callback fired when a request or the commit fails.
func (t *Transaction) OnError(fn func(err error)) {
	t.mu.Lock()
	if !t.finished {
		t.onError = fn
		t.mu.Unlock()
		return
	}
	fire, err := t.errorFired, t.outcome
	t.mu.Unlock()
	if fire {
		fn(err)
	}
}

// OnAbort sets the callback fired when the transaction rolls back.
func (t *Transaction) OnAbort(fn func(err error)) {
	t.mu.Lock()
	if !t.finished {
		t.onAbort = fn
		t.mu.Unlock()
		return
	}
	err := t.outcome
	t.mu.Unlock()
	if err != nil {
		fn(err)
	}
}

// Done is closed once the transaction has committed or aborted.
func (t *Transaction) Done() <-chan struct{} {
	return t.done
}

// Err returns nil after a commit and the abort cause otherwise. It is only
// meaningful once Done is closed.
func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// issue queues a request, failing it at once when the transaction no longer
// accepts requests.
func (t *Transaction) issue(source any, run func(tx store.Tx) (any, error)) *Request {
	req := newRequest(t, source)
	if err := t.enqueue(req, run); err != nil {
		req.fire(outcome{err: err})
	}
	return req
}

func (t *Transaction) enqueue(req *Request, run func(tx store.Tx) (any, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished || t.abortErr != nil || t.commitRequested {
		return ErrTransactionInactive
	}
	t.queue = append(t.queue, op{req: req, run: run})
	t.cond.Broadcast()
	return nil
}

func (t *Transaction) failed(source any, err error) *Request {
	req := newRequest(t, source)
	req.fire(outcome{err: err})
	return req
}

// direct runs fn against the backend transaction on the caller's goroutine.
// Schema changes use it so they take effect synchronously.
func (t *Transaction) direct(fn func(tx store.Tx) error) error {
	t.mu.Lock()
	if t.finished || t.abortErr != nil {
		t.mu.Unlock()
		return ErrTransactionInactive
	}
	t.wantBegin = true
	t.cond.Broadcast()
	t.mu.Unlock()

	<-t.ready
	if t.beginErr != nil {
		return t.beginErr
	}
	t.execMu.Lock()
	defer t.execMu.Unlock()
	return fn(t.btx)
}

// awaitWork blocks until the worker has something to do. It reports whether
// the backend transaction is needed at all.
func (t *Transaction) awaitWork() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.queue) == 0 && !t.wantBegin && !t.commitRequested && t.abortErr == nil {
		t.cond.Wait()
	}
	return len(t.queue) > 0 || t.wantBegin
}

// next pops the next request, or returns false when the transaction should end.
func (t *Transaction) next() (op, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if t.abortErr != nil {
			return op{}, false
		}
		if len(t.queue) > 0 {
			o := t.queue[0]
			t.queue = t.queue[1:]
			return o, true
		}
		if t.commitRequested {
			return op{}, false
		}
		t.cond.Wait()
	}
}

func (t *Transaction) run() {
	defer close(t.done)

	if !t.awaitWork() {
		t.beginErr = ErrTransactionInactive
		close(t.ready)
		t.finish(t.currentAbort())
		return
	}

	h := t.conn.h
	unlock := h.acquire(t.mode)
	btx, err := h.backend.Begin(t.mode != ReadOnly)
	if err != nil {
		unlock()
		t.beginErr = fmt.Errorf("failed to begin transaction: %w", err)
		close(t.ready)
		t.abortWith(t.beginErr)
		t.finish(t.beginErr)
		return
	}
	t.btx = btx
	close(t.ready)

	for {
		o, ok := t.next()
		if !ok {
			break
		}
		t.execMu.Lock()
		v, err := o.run(btx)
		t.execMu.Unlock()
		if err != nil {
			o.req.fire(outcome{err: err})
			t.abortWith(err)
			continue
		}
		o.req.fire(outcome{value: v})
	}

	result := t.currentAbort()
	t.execMu.Lock()
	if result != nil {
		btx.Rollback()
	} else if err := btx.Commit(); err != nil {
		result = fmt.Errorf("failed to commit transaction: %w", err)
		t.abortWith(result)
	}
	t.execMu.Unlock()
	if t.mode == VersionChange && result == nil {
		h.publish(t.conn.Version(), t.sc)
	}
	unlock()
	t.finish(result)
}

func (t *Transaction) currentAbort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortErr
}

// finish fails leftover requests and fires the transaction's events.
func (t *Transaction) finish(result error) {
	t.mu.Lock()
	pending := t.queue
	t.queue = nil
	t.finished = true
	t.outcome = result
	t.errorFired = result != nil && !t.abortExplicit
	onComplete, onError, onAbort := t.onComplete, t.onError, t.onAbort
	errorFired := t.errorFired
	t.mu.Unlock()

	for _, o := range pending {
		o.req.fire(outcome{err: ErrAborted})
	}

	if result == nil {
		if onComplete != nil {
			onComplete()
		}
		return
	}
	if errorFired && onError != nil {
		onError(result)
	}
	if onAbort != nil {
		onAbort(result)
	}
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// setStoreMeta replaces a store's metadata in the working schema of a
// version-change transaction.
func (t *Transaction) setStoreMeta(m *storeMeta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sc.stores[m.Name] = m
}

func (t *Transaction) removeStoreMeta(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sc.stores, name)
}
