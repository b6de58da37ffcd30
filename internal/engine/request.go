package engine

import "sync"

type outcome struct {
	value any
	err   error
}

// Request is one pending engine operation. Its outcome is delivered to the
// OnSuccess or OnError callback on the transaction's worker goroutine.
// Outcomes that arrive before a callback is attached are delivered when it is.
// Cursor requests succeed once per cursor step.
type Request struct {
	tx     *Transaction
	source any

	mu        sync.Mutex
	onSuccess func(any)
	onError   func(error)
	queued    []outcome
	result    any
	err       error
	settled   bool
	done      chan struct{}
}

func newRequest(tx *Transaction, source any) *Request {
	return &Request{tx: tx, source: source, done: make(chan struct{})}
}

// OnSuccess sets the success callback.
func (r *Request) OnSuccess(fn func(result any)) *Request {
	r.mu.Lock()
	r.onSuccess = fn
	pending := r.take(false)
	r.mu.Unlock()
	for _, o := range pending {
		fn(o.value)
	}
	return r
}

// OnError sets the error callback.
func (r *Request) OnError(fn func(err error)) *Request {
	r.mu.Lock()
	r.onError = fn
	pending := r.take(true)
	r.mu.Unlock()
	for _, o := range pending {
		fn(o.err)
	}
	return r
}

// take removes the queued outcomes of one kind. r.mu must be held.
func (r *Request) take(errs bool) []outcome {
	var out, keep []outcome
	for _, o := range r.queued {
		if (o.err != nil) == errs {
			out = append(out, o)
		} else {
			keep = append(keep, o)
		}
	}
	r.queued = keep
	return out
}

// Done is closed when the request first settles.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Result returns the most recent successful result.
func (r *Request) Result() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Err returns the error the request failed with, if any.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Transaction returns the transaction the request was issued against.
func (r *Request) Transaction() *Transaction {
	return r.tx
}

// Source returns the *ObjectStore, *Index or *Cursor that issued the request.
func (r *Request) Source() any {
	return r.source
}

func (r *Request) fire(o outcome) {
	r.mu.Lock()
	r.result, r.err = o.value, o.err
	first := !r.settled
	r.settled = true
	var call func()
	switch {
	case o.err != nil && r.onError != nil:
		fn := r.onError
		call = func() { fn(o.err) }
	case o.err == nil && r.onSuccess != nil:
		fn := r.onSuccess
		call = func() { fn(o.value) }
	default:
		r.queued = append(r.queued, o)
	}
	r.mu.Unlock()

	if first {
		close(r.done)
	}
	if call != nil {
		call()
	}
}
