package engine

import (
	"fmt"
	"sync"

	"github.com/maloquacious/goobkv/internal/store"
)

// handle is the shared state of one open database.
type handle struct {
	f       *Factory
	name    string
	path    string
	backend store.Backend

	// rw gives read-write and version-change transactions exclusive use of
	// the backend.
	rw sync.RWMutex

	// queue serializes opens and deletes.
	queue sync.Mutex

	mu      sync.Mutex
	cond    *sync.Cond
	conns   map[*Connection]struct{}
	version int
	sc      *schema
	dead    bool
}

func newHandle(f *Factory, name, path string, backend store.Backend, version int, sc *schema) *handle {
	h := &handle{
		f:       f,
		name:    name,
		path:    path,
		backend: backend,
		conns:   map[*Connection]struct{}{},
		version: version,
		sc:      sc,
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *handle) acquire(mode Mode) (unlock func()) {
	if mode == ReadOnly {
		h.rw.RLock()
		return h.rw.RUnlock
	}
	h.rw.Lock()
	return h.rw.Unlock
}

func (h *handle) current() (int, *schema) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version, h.sc
}

func (h *handle) publish(version int, sc *schema) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.version, h.sc = version, sc
}

func (h *handle) isDead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dead
}

func (h *handle) markDead() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dead = true
}

func (h *handle) add(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *handle) remove(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
	h.cond.Broadcast()
}

func (h *handle) connections() []*Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

// drain notifies every open connection of a version change and waits for
// them to close. onBlocked fires once if any connection stays open. The wait
// ends early with ErrBlocked when the request is abandoned.
func (h *handle) drain(req *OpenRequest, oldVersion, newVersion int, onBlocked func(oldVersion, newVersion int)) error {
	for _, c := range h.connections() {
		c.versionChange(oldVersion, newVersion)
	}
	if len(h.connections()) == 0 {
		return nil
	}
	h.f.log.Debug("engine: %s: version change %d -> %d is blocked", h.name, oldVersion, newVersion)
	if onBlocked != nil {
		onBlocked(oldVersion, newVersion)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-req.abandon:
			h.mu.Lock()
			h.cond.Broadcast()
			h.mu.Unlock()
		case <-stop:
		}
	}()

	h.mu.Lock()
	defer h.mu.Unlock()
	for len(h.conns) > 0 {
		select {
		case <-req.abandon:
			return fmt.Errorf("%w: version change of %s to %d", ErrBlocked, h.name, newVersion)
		default:
		}
		h.cond.Wait()
	}
	return nil
}
