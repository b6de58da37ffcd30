package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/maloquacious/goobkv/internal/logger"
	"github.com/maloquacious/goobkv/internal/store/leveldb"
	"github.com/maloquacious/goobkv/internal/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFactory(t *testing.T, opts ...Option) *Factory {
	t.Helper()
	opts = append([]Option{WithLogger(logger.Nop)}, opts...)
	f, err := NewFactory(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func open(t *testing.T, f *Factory, name string, version int, upgrade func(ev UpgradeEvent) error) *Connection {
	t.Helper()
	conn, err := f.Open(name, version, OpenHandlers{OnUpgradeNeeded: upgrade}).Wait()
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func await(t *testing.T, req *Request) (any, error) {
	t.Helper()
	select {
	case <-req.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("request did not settle")
	}
	return req.Result(), req.Err()
}

func awaitTx(t *testing.T, tx *Transaction) error {
	t.Helper()
	select {
	case <-tx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("transaction did not finish")
	}
	return tx.Err()
}

// peopleSchema creates an auto-increment "people" store keyed by id with a
// unique email index and a multi-entry tags index.
func peopleSchema(ev UpgradeEvent) error {
	s, err := ev.Conn.CreateObjectStore("people", StoreOptions{KeyPath: KeyPath{"id"}, AutoIncrement: true})
	if err != nil {
		return err
	}
	if _, err := s.CreateIndex("email", KeyPath{"email"}, IndexOptions{Unique: true}); err != nil {
		return err
	}
	_, err = s.CreateIndex("tags", KeyPath{"tags"}, IndexOptions{MultiEntry: true})
	return err
}

// objectStore starts a transaction over one store. The transaction is
// committed at cleanup unless the test finished it.
func objectStore(t *testing.T, conn *Connection, name string, mode Mode) (*Transaction, *ObjectStore) {
	t.Helper()
	tx, err := conn.Transaction([]string{name}, mode)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Commit() })
	s, err := tx.ObjectStore(name)
	require.NoError(t, err)
	return tx, s
}

func TestOpenCreatesAndUpgrades(t *testing.T) {
	f := newFactory(t)

	var events []UpgradeEvent
	conn := open(t, f, "app", 1, func(ev UpgradeEvent) error {
		events = append(events, ev)
		return peopleSchema(ev)
	})
	require.Len(t, events, 1)
	assert.Equal(t, 0, events[0].OldVersion)
	assert.Equal(t, 1, events[0].NewVersion)
	assert.Equal(t, 1, conn.Version())
	assert.Equal(t, []string{"people"}, conn.ObjectStoreNames())
	conn.Close()

	called := false
	again := open(t, f, "app", 1, func(UpgradeEvent) error {
		called = true
		return nil
	})
	assert.False(t, called, "same version must not upgrade")
	assert.Equal(t, []string{"people"}, again.ObjectStoreNames())
	stores := again.Stores()
	require.Len(t, stores, 1)
	assert.Equal(t, []string{"email", "tags"}, []string{stores[0].Indexes[0].Name, stores[0].Indexes[1].Name})
	assert.True(t, stores[0].Indexes[0].Unique)
	assert.True(t, stores[0].Indexes[1].MultiEntry)

	info, err := f.Inspect("app")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Version)

	names, err := f.Databases()
	require.NoError(t, err)
	assert.Equal(t, []string{"app"}, names)
}

func TestOpenRejectsBadVersions(t *testing.T) {
	f := newFactory(t)
	_, err := f.Open("app", 0, OpenHandlers{}).Wait()
	assert.ErrorIs(t, err, ErrData)

	conn := open(t, f, "app", 2, nil)
	conn.Close()

	var got error
	_, err = f.Open("app", 1, OpenHandlers{OnError: func(err error) { got = err }}).Wait()
	assert.ErrorIs(t, err, ErrVersion)
	assert.ErrorIs(t, got, ErrVersion)
}

func TestFailedUpgradeRollsBack(t *testing.T) {
	f := newFactory(t)
	conn := open(t, f, "app", 1, peopleSchema)
	conn.Close()

	boom := assert.AnError
	_, err := f.Open("app", 2, OpenHandlers{OnUpgradeNeeded: func(ev UpgradeEvent) error {
		if _, err := ev.Conn.CreateObjectStore("extra", StoreOptions{}); err != nil {
			return err
		}
		return boom
	}}).Wait()
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, boom)

	info, err := f.Inspect("app")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Version)
	require.Len(t, info.Stores, 1)
	assert.Equal(t, "people", info.Stores[0].Name)
}

func TestUpgradeWritesAreVisible(t *testing.T) {
	f := newFactory(t)
	conn := open(t, f, "app", 1, func(ev UpgradeEvent) error {
		if err := peopleSchema(ev); err != nil {
			return err
		}
		s, err := ev.Transaction.ObjectStore("people")
		if err != nil {
			return err
		}
		s.Add(map[string]any{"email": "seed@example.com"}, nil)
		return nil
	})

	_, s := objectStore(t, conn, "people", ReadOnly)
	n, err := await(t, s.Count(nil))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAddPutGet(t *testing.T) {
	f := newFactory(t)
	conn := open(t, f, "app", 1, peopleSchema)

	tx, s := objectStore(t, conn, "people", ReadWrite)
	k1, err := await(t, s.Add(map[string]any{"email": "ada@example.com", "tags": []any{"math", "math", "code"}}, nil))
	require.NoError(t, err)
	assert.Equal(t, float64(1), k1)
	k2, err := await(t, s.Add(map[string]any{"id": 10, "email": "alan@example.com", "tags": []any{"code"}}, nil))
	require.NoError(t, err)
	assert.Equal(t, float64(10), k2)
	k3, err := await(t, s.Add(map[string]any{"email": "grace@example.com"}, nil))
	require.NoError(t, err)
	assert.Equal(t, float64(11), k3, "generator moves past explicit keys")
	require.NoError(t, tx.Commit())
	require.NoError(t, awaitTx(t, tx))

	tx, s = objectStore(t, conn, "people", ReadOnly)
	v, err := await(t, s.Get(1))
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", v.(map[string]any)["email"])
	assert.Equal(t, float64(1), v.(map[string]any)["id"])

	missing, err := await(t, s.Get(99))
	require.NoError(t, err)
	assert.Nil(t, missing)

	keys, err := await(t, s.GetAllKeys(nil, 0))
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(10), float64(11)}, keys)

	rng, err := LowerBound(5, false)
	require.NoError(t, err)
	all, err := await(t, s.GetAll(rng, 1))
	require.NoError(t, err)
	assert.Len(t, all, 1)

	ix, err := s.Index("email")
	require.NoError(t, err)
	pk, err := await(t, ix.GetKey("alan@example.com"))
	require.NoError(t, err)
	assert.Equal(t, float64(10), pk)

	tags, err := s.Index("tags")
	require.NoError(t, err)
	n, err := await(t, tags.Count("code"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = await(t, tags.Count("math"))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "multi-entry keys are deduplicated")

	require.NoError(t, tx.Commit())
	require.NoError(t, awaitTx(t, tx))
}

func TestConstraintErrorAbortsTransaction(t *testing.T) {
	f := newFactory(t)
	conn := open(t, f, "app", 1, peopleSchema)

	tx, s := objectStore(t, conn, "people", ReadWrite)
	var mu sync.Mutex
	var order []string
	tx.OnError(func(error) {
		mu.Lock()
		order = append(order, "error")
		mu.Unlock()
	})
	tx.OnAbort(func(error) {
		mu.Lock()
		order = append(order, "abort")
		mu.Unlock()
	})
	s.Add(map[string]any{"email": "dup@example.com"}, nil)
	_, err := await(t, s.Add(map[string]any{"email": "dup@example.com"}, nil))
	assert.ErrorIs(t, err, ErrConstraint)

	assert.ErrorIs(t, awaitTx(t, tx), ErrConstraint)
	mu.Lock()
	assert.Equal(t, []string{"error", "abort"}, order)
	mu.Unlock()

	_, s = objectStore(t, conn, "people", ReadOnly)
	n, err := await(t, s.Count(nil))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "the first add was rolled back")
}

func TestExplicitAbort(t *testing.T) {
	f := newFactory(t)
	conn := open(t, f, "app", 1, peopleSchema)

	tx, s := objectStore(t, conn, "people", ReadWrite)
	_, err := await(t, s.Put(map[string]any{"email": "x@example.com"}, nil))
	require.NoError(t, err)
	errorFired := false
	tx.OnError(func(error) { errorFired = true })
	require.NoError(t, tx.Abort())
	assert.ErrorIs(t, awaitTx(t, tx), ErrAborted)
	assert.False(t, errorFired)

	var abortErr error
	tx.OnAbort(func(err error) { abortErr = err })
	assert.ErrorIs(t, abortErr, ErrAborted, "abort is replayed to late subscribers")

	_, err = await(t, s.Get(1))
	assert.ErrorIs(t, err, ErrTransactionInactive)
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	f := newFactory(t)
	conn := open(t, f, "app", 1, peopleSchema)
	tx, s := objectStore(t, conn, "people", ReadOnly)
	_, err := await(t, s.Add(map[string]any{"email": "x@example.com"}, nil))
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = await(t, s.Clear())
	assert.ErrorIs(t, err, ErrReadOnly)
	require.NoError(t, tx.Commit())
	require.NoError(t, awaitTx(t, tx))
}

func TestRequestsAfterCommitFail(t *testing.T) {
	f := newFactory(t)
	conn := open(t, f, "app", 1, peopleSchema)
	tx, s := objectStore(t, conn, "people", ReadWrite)
	require.NoError(t, tx.Commit())
	_, err := await(t, s.Count(nil))
	assert.ErrorIs(t, err, ErrTransactionInactive)
	require.NoError(t, awaitTx(t, tx))
	assert.ErrorIs(t, tx.Commit(), ErrInvalidState)
}

func TestTransactionScope(t *testing.T) {
	f := newFactory(t)
	conn := open(t, f, "app", 1, func(ev UpgradeEvent) error {
		if _, err := ev.Conn.CreateObjectStore("a", StoreOptions{}); err != nil {
			return err
		}
		_, err := ev.Conn.CreateObjectStore("b", StoreOptions{})
		return err
	})

	_, err := conn.Transaction(nil, ReadOnly)
	assert.ErrorIs(t, err, ErrData)
	_, err = conn.Transaction([]string{"missing"}, ReadOnly)
	assert.ErrorIs(t, err, ErrNotFound)

	tx, err := conn.Transaction([]string{"b", "a", "b"}, ReadOnly)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tx.Scope())
	require.NoError(t, tx.Commit())

	_, err = conn.CreateObjectStore("c", StoreOptions{})
	assert.ErrorIs(t, err, ErrInvalidState)

	conn.Close()
	_, err = conn.Transaction([]string{"a"}, ReadOnly)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOutOfLineKeys(t *testing.T) {
	f := newFactory(t)
	conn := open(t, f, "app", 1, func(ev UpgradeEvent) error {
		_, err := ev.Conn.CreateObjectStore("kv", StoreOptions{})
		return err
	})
	tx, s := objectStore(t, conn, "kv", ReadWrite)
	_, err := await(t, s.Put("one", "k1"))
	require.NoError(t, err)
	_, err = await(t, s.Put(map[string]any{"n": 2}, []any{"compound", 2}))
	require.NoError(t, err)
	v, err := await(t, s.Get([]any{"compound", 2}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": int64(2)}, v)

	_, err = await(t, s.Delete("k1"))
	require.NoError(t, err)
	n, err := await(t, s.Count(nil))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = await(t, s.Add("no key", nil))
	assert.ErrorIs(t, err, ErrData)
	assert.ErrorIs(t, awaitTx(t, tx), ErrData)
}

func TestCursor(t *testing.T) {
	f := newFactory(t)
	conn := open(t, f, "app", 1, peopleSchema)

	tx, s := objectStore(t, conn, "people", ReadWrite)
	for _, email := range []string{"c@x", "a@x", "b@x", "d@x"} {
		s.Add(map[string]any{"email": email}, nil)
	}
	require.NoError(t, tx.Commit())
	require.NoError(t, awaitTx(t, tx))

	walk := func(req *Request) []any {
		var out []any
		done := make(chan struct{})
		req.OnSuccess(func(result any) {
			if result == nil {
				close(done)
				return
			}
			c := result.(*Cursor)
			out = append(out, c.Key())
			assert.NoError(t, c.Continue())
		})
		req.OnError(func(err error) {
			t.Error(err)
			close(done)
		})
		<-done
		return out
	}

	tx, s = objectStore(t, conn, "people", ReadOnly)
	assert.Equal(t, []any{float64(1), float64(2), float64(3), float64(4)}, walk(s.OpenCursor(nil, Next)))
	rng, err := Bound(2, 3, false, false)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(3), float64(2)}, walk(s.OpenKeyCursor(rng, Prev)))

	ix, err := s.Index("email")
	require.NoError(t, err)
	assert.Equal(t, []any{"a@x", "b@x", "c@x", "d@x"}, walk(ix.OpenCursor(nil, Next)))
	assert.Equal(t, []any{"d@x", "c@x", "b@x", "a@x"}, walk(ix.OpenKeyCursor(nil, Prev)))
	require.NoError(t, tx.Commit())
	require.NoError(t, awaitTx(t, tx))

	// delete every other record through a cursor
	tx, s = objectStore(t, conn, "people", ReadWrite)
	req := s.OpenCursor(nil, Next)
	done := make(chan struct{})
	i := 0
	req.OnSuccess(func(result any) {
		if result == nil {
			close(done)
			return
		}
		c := result.(*Cursor)
		if i%2 == 0 {
			c.Delete()
		} else {
			v := c.Value().(map[string]any)
			v["seen"] = true
			c.Update(v)
		}
		i++
		assert.NoError(t, c.Continue())
	})
	<-done
	require.NoError(t, tx.Commit())
	require.NoError(t, awaitTx(t, tx))

	_, s = objectStore(t, conn, "people", ReadOnly)
	all, err := await(t, s.GetAll(nil, 0))
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, v := range all.([]any) {
		assert.Equal(t, true, v.(map[string]any)["seen"])
	}
}

func TestVersionChangeAndBlocked(t *testing.T) {
	f := newFactory(t)
	old := open(t, f, "app", 1, peopleSchema)
	stubborn := open(t, f, "app", 1, nil)

	var changes []int
	old.OnVersionChange(func(oldVersion, newVersion int) {
		changes = append(changes, oldVersion, newVersion)
		old.Close()
	})

	blocked := make(chan struct{})
	req := f.Open("app", 2, OpenHandlers{
		OnBlocked: func(oldVersion, newVersion int) {
			assert.Equal(t, 1, oldVersion)
			assert.Equal(t, 2, newVersion)
			close(blocked)
		},
		OnUpgradeNeeded: func(ev UpgradeEvent) error {
			_, err := ev.Conn.CreateObjectStore("v2", StoreOptions{})
			return err
		},
	})
	<-blocked
	assert.Equal(t, []int{1, 2}, changes)
	assert.True(t, old.Closed())

	stubborn.Close()
	conn, err := req.Wait()
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, 2, conn.Version())
	assert.Equal(t, []string{"people", "v2"}, conn.ObjectStoreNames())
}

func TestAbandonBlockedOpen(t *testing.T) {
	f := newFactory(t)
	open(t, f, "app", 1, nil)

	req := f.Open("app", 2, OpenHandlers{OnBlocked: func(int, int) {}})
	req.Abandon()
	_, err := req.Wait()
	assert.ErrorIs(t, err, ErrBlocked)

	info, err := f.Inspect("app")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Version)
}

func TestDeleteDatabase(t *testing.T) {
	f := newFactory(t)
	conn := open(t, f, "app", 3, peopleSchema)
	conn.OnVersionChange(func(oldVersion, newVersion int) {
		assert.Equal(t, 0, newVersion)
		conn.Close()
	})

	var deleted int
	_, err := f.DeleteDatabase("app", DeleteHandlers{OnSuccess: func(v int) { deleted = v }}).Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	_, err = f.Inspect("app")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.DeleteDatabase("app", DeleteHandlers{}).Wait()
	require.NoError(t, err, "deleting a missing database succeeds")

	again := open(t, f, "app", 1, nil)
	assert.Empty(t, again.ObjectStoreNames())
}

func TestDirectoryLock(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFactory(dir, WithLogger(logger.Nop))
	require.NoError(t, err)
	_, err = NewFactory(dir, WithLogger(logger.Nop))
	assert.Error(t, err)
	require.NoError(t, f.Close())

	f, err = NewFactory(dir, WithLogger(logger.Nop))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestUniqueIndexOnExistingData(t *testing.T) {
	f := newFactory(t)
	conn := open(t, f, "app", 1, func(ev UpgradeEvent) error {
		_, err := ev.Conn.CreateObjectStore("users", StoreOptions{KeyPath: KeyPath{"id"}})
		return err
	})
	tx, s := objectStore(t, conn, "users", ReadWrite)
	s.Put(map[string]any{"id": 1, "team": "red"}, nil)
	s.Put(map[string]any{"id": 2, "team": "red"}, nil)
	require.NoError(t, tx.Commit())
	require.NoError(t, awaitTx(t, tx))
	conn.Close()

	_, err := f.Open("app", 2, OpenHandlers{OnUpgradeNeeded: func(ev UpgradeEvent) error {
		s, err := ev.Transaction.ObjectStore("users")
		if err != nil {
			return err
		}
		_, err = s.CreateIndex("team", KeyPath{"team"}, IndexOptions{Unique: true})
		return err
	}}).Wait()
	assert.ErrorIs(t, err, ErrConstraint)
}

func TestBackends(t *testing.T) {
	for _, tt := range []struct {
		name string
		opt  Option
	}{
		{"sqlite", WithDriver(sqlite.Driver)},
		{"leveldb", WithDriver(leveldb.Driver)},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFactory(t, tt.opt)
			conn := open(t, f, "app", 1, peopleSchema)
			tx, s := objectStore(t, conn, "people", ReadWrite)
			s.Add(map[string]any{"email": "a@x", "tags": []any{"t"}}, nil)
			s.Add(map[string]any{"email": "b@x"}, nil)
			require.NoError(t, tx.Commit())
			require.NoError(t, awaitTx(t, tx))

			_, s = objectStore(t, conn, "people", ReadOnly)
			ix, err := s.Index("email")
			require.NoError(t, err)
			v, err := await(t, ix.Get("b@x"))
			require.NoError(t, err)
			assert.Equal(t, float64(2), v.(map[string]any)["id"])
		})
	}
}
