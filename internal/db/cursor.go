package db

import (
	"context"
	"sync"

	"github.com/maloquacious/goobkv/internal/engine"
)

// Collect drives a cursor request to exhaustion. fn maps each step to a
// result; steps for which fn returns false are skipped. The results keep
// cursor order. On error no partial result is returned.
//
// Collect has no timeout of its own; the enclosing transaction's timeout
// aborts it.
func Collect[T any](ctx context.Context, req *engine.Request, fn func(c *engine.Cursor) (T, bool)) ([]T, error) {
	var (
		out  []T
		once sync.Once
		err  error
		done = make(chan struct{})
	)
	finish := func(e error) {
		once.Do(func() {
			err = e
			close(done)
		})
	}
	req.OnSuccess(func(result any) {
		select {
		case <-done:
			return
		default:
		}
		if result == nil {
			finish(nil)
			return
		}
		c := result.(*engine.Cursor)
		if v, ok := fn(c); ok {
			out = append(out, v)
		}
		if e := c.Continue(); e != nil {
			finish(e)
		}
	})
	req.OnError(finish)

	select {
	case <-done:
	case <-ctx.Done():
		finish(ctx.Err())
		<-done
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Values is a Collect transform that keeps every record value.
func Values(c *engine.Cursor) (any, bool) {
	return c.Value(), true
}

// Keys is a Collect transform that keeps every cursor key.
func Keys(c *engine.Cursor) (any, bool) {
	return c.Key(), true
}
