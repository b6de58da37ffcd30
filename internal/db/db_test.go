package db

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maloquacious/goobkv/internal/engine"
	"github.com/maloquacious/goobkv/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFactory(t *testing.T) *engine.Factory {
	t.Helper()
	f, err := engine.NewFactory(t.TempDir(), engine.WithLogger(logger.Nop))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func usersConfig() Config {
	return Config{
		Name:    "d1",
		Version: 1,
		Stores: []StoreSchema{
			{Name: "users", Options: engine.StoreOptions{KeyPath: engine.KeyPath{"id"}}},
		},
		Logger: logger.Nop,
	}
}

func openDB(t *testing.T, f *engine.Factory, cfg Config) *DB {
	t.Helper()
	d, err := Open(context.Background(), f, cfg)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func TestAddThenGet(t *testing.T) {
	ctx := context.Background()
	d := openDB(t, newFactory(t), usersConfig())

	key, err := d.Store("users").Add(ctx, map[string]any{"id": 1, "name": "Alice"}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), key)

	v, err := d.Store("users").Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": int64(1), "name": "Alice"}, v)

	var alice struct {
		ID   int    `cbor:"id"`
		Name string `cbor:"name"`
	}
	require.NoError(t, engine.DecodeValue(v, &alice))
	assert.Equal(t, 1, alice.ID)
	assert.Equal(t, "Alice", alice.Name)
}

func TestDuplicateAddIsOperationError(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	cfg := usersConfig()
	cfg.Events.OnError = func(error) error {
		calls.Add(1)
		return nil
	}
	d := openDB(t, newFactory(t), cfg)

	_, err := d.Store("users").Add(ctx, map[string]any{"id": 1, "name": "Alice"}, nil)
	require.NoError(t, err)
	_, err = d.Store("users").Add(ctx, map[string]any{"id": 1, "name": "Bob"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOperation)
	assert.ErrorIs(t, err, engine.ErrConstraint)
	var dbErr *Error
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, "add", dbErr.Op)
	assert.Equal(t, []string{"users"}, dbErr.Stores)
	assert.Equal(t, int32(1), calls.Load())
}

func TestErrorCallbackFailureChains(t *testing.T) {
	ctx := context.Background()
	cbErr := errors.New("callback exploded")
	cfg := usersConfig()
	cfg.Events.OnError = func(error) error { return cbErr }
	d := openDB(t, newFactory(t), cfg)

	_, err := d.Store("missing").Count(ctx, nil)
	assert.ErrorIs(t, err, ErrOperation)
	assert.ErrorIs(t, err, engine.ErrNotFound)
	assert.ErrorIs(t, err, cbErr)
}

func TestOperationTimeout(t *testing.T) {
	ctx := context.Background()
	var infos []TimeoutInfo
	var errorCalls atomic.Int32
	cfg := usersConfig()
	cfg.TransactionTimeout = time.Millisecond
	cfg.Events.OnTimeout = func(info TimeoutInfo) error {
		infos = append(infos, info)
		return nil
	}
	cfg.Events.OnError = func(error) error {
		errorCalls.Add(1)
		return nil
	}
	d := openDB(t, newFactory(t), cfg)

	// a running read-write transaction delays every other transaction
	holder, err := d.Conn().Transaction([]string{"users"}, engine.ReadWrite)
	require.NoError(t, err)
	os, err := holder.ObjectStore("users")
	require.NoError(t, err)
	<-os.Count(nil).Done()

	_, err = d.Store("users").Add(ctx, map[string]any{"id": 7}, nil)
	assert.ErrorIs(t, err, ErrTimeout)
	require.Len(t, infos, 1)
	assert.Equal(t, []string{"users"}, infos[0].Stores)
	assert.Equal(t, time.Millisecond, infos[0].Timeout)
	assert.Equal(t, "add", infos[0].Op)
	assert.Same(t, d.Conn(), infos[0].Conn)
	assert.Zero(t, errorCalls.Load())

	// the abandoned add still lands once the holder commits
	require.NoError(t, holder.Commit())
	<-holder.Done()
	assert.Eventually(t, func() bool {
		tx, err := d.Conn().Transaction([]string{"users"}, engine.ReadOnly)
		if err != nil {
			return false
		}
		os, _ := tx.ObjectStore("users")
		req := os.Count(nil)
		_ = tx.Commit()
		<-req.Done()
		return req.Result() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTransactionCommits(t *testing.T) {
	ctx := context.Background()
	cfg := usersConfig()
	cfg.Stores = append(cfg.Stores, StoreSchema{Name: "audit", Options: engine.StoreOptions{AutoIncrement: true}})
	d := openDB(t, newFactory(t), cfg)

	tx, err := d.Transaction(ctx, []string{"users", "audit"}, engine.ReadWrite)
	require.NoError(t, err)
	assert.Len(t, tx.Stores(), 2)
	_, err = tx.Store("users").Put(ctx, map[string]any{"id": 1}, nil)
	require.NoError(t, err)
	_, err = tx.Store("audit").Add(ctx, "created user 1", nil)
	require.NoError(t, err)
	require.NoError(t, tx.Done(ctx))
	require.NoError(t, tx.Done(ctx), "done is idempotent")

	n, err := d.Store("audit").Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTransactionFailureSurfacesThroughDone(t *testing.T) {
	ctx := context.Background()
	d := openDB(t, newFactory(t), usersConfig())
	_, err := d.Store("users").Add(ctx, map[string]any{"id": 1}, nil)
	require.NoError(t, err)

	tx, err := d.Transaction(ctx, []string{"users"}, engine.ReadWrite)
	require.NoError(t, err)
	os, err := tx.Raw().ObjectStore("users")
	require.NoError(t, err)
	os.Put(map[string]any{"id": 2}, nil)
	os.Add(map[string]any{"id": 1}, nil) // never awaited
	err = tx.Done(ctx)
	assert.ErrorIs(t, err, ErrTransaction)
	assert.ErrorIs(t, err, engine.ErrConstraint)

	n, err := d.Store("users").Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tx, err = d.Transaction(ctx, []string{"users"}, engine.ReadWrite)
	require.NoError(t, err)
	require.NoError(t, tx.Abort())
	assert.ErrorIs(t, tx.Done(ctx), engine.ErrAborted)
}

func TestTransactionTimeoutAborts(t *testing.T) {
	ctx := context.Background()
	var timeouts atomic.Int32
	cfg := usersConfig()
	cfg.TransactionTimeout = 20 * time.Millisecond
	cfg.Events.OnTimeout = func(TimeoutInfo) error {
		timeouts.Add(1)
		return nil
	}
	d := openDB(t, newFactory(t), cfg)

	tx, err := d.Transaction(ctx, []string{"users"}, engine.ReadWrite)
	require.NoError(t, err)
	select {
	case <-tx.Raw().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("transaction was not aborted")
	}
	assert.ErrorIs(t, tx.Raw().Err(), engine.ErrAborted)
	select {
	case <-tx.Finished():
	case <-time.After(5 * time.Second):
		t.Fatal("transaction outcome was not reported")
	}
	assert.Equal(t, int32(1), timeouts.Load(), "reported without Done")

	_, err = tx.Store("users").Put(ctx, map[string]any{"id": 1}, nil)
	assert.ErrorIs(t, err, ErrOperation)
	assert.ErrorIs(t, err, engine.ErrInvalidState)

	err = tx.Done(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int32(1), timeouts.Load())
}

func TestClearIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := usersConfig()
	cfg.Stores = append(cfg.Stores, StoreSchema{Name: "notes", Options: engine.StoreOptions{AutoIncrement: true}})
	d := openDB(t, newFactory(t), cfg)

	for i := 0; i < 3; i++ {
		_, err := d.Store("users").Put(ctx, map[string]any{"id": i}, nil)
		require.NoError(t, err)
		_, err = d.Store("notes").Add(ctx, "note", nil)
		require.NoError(t, err)
	}
	for round := 0; round < 2; round++ {
		require.NoError(t, d.Clear(ctx))
		for _, name := range []string{"users", "notes"} {
			n, err := d.Store(name).Count(ctx, nil)
			require.NoError(t, err)
			assert.Zero(t, n, "%s after clear %d", name, round+1)
		}
	}
}

func TestCursorAndIndex(t *testing.T) {
	ctx := context.Background()
	cfg := usersConfig()
	cfg.Stores[0].Indexes = []IndexSchema{
		{Name: "age", KeyPath: engine.KeyPath{"age"}},
	}
	d := openDB(t, newFactory(t), cfg)
	users := d.Store("users")
	for i, age := range []int{40, 25, 33, 25} {
		_, err := users.Put(ctx, map[string]any{"id": i + 1, "age": age}, nil)
		require.NoError(t, err)
	}

	ids, err := users.OpenKeyCursor(ctx, nil, engine.Prev, Keys)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(4), float64(3), float64(2), float64(1)}, ids)

	// keep the ids of users older than 30
	older, err := users.OpenCursor(ctx, nil, engine.Next, func(c *engine.Cursor) (any, bool) {
		v := c.Value().(map[string]any)
		if v["age"].(int64) > 30 {
			return c.PrimaryKey(), true
		}
		return nil, false
	})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(3)}, older)

	byAge := users.Index("age")
	ages, err := byAge.OpenKeyCursor(ctx, nil, engine.Next, Keys)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(25), float64(25), float64(33), float64(40)}, ages)

	n, err := byAge.Count(ctx, 25)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rng, err := engine.Bound(30, 50, false, false)
	require.NoError(t, err)
	keys, err := byAge.GetAllKeys(ctx, rng, 0)
	require.NoError(t, err)
	assert.Equal(t, []engine.Key{float64(3), float64(1)}, keys)

	_, err = users.Index("missing").Get(ctx, 1)
	assert.ErrorIs(t, err, engine.ErrNotFound)
	_, err = users.Index("missing").OpenCursor(ctx, nil, engine.Next, Values)
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestSynchronizerReplacesStores(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)
	cfg := Config{Name: "d1", Version: 1, Logger: logger.Nop, Stores: []StoreSchema{{Name: "A"}}}
	d, err := Open(ctx, f, cfg)
	require.NoError(t, err)
	d.Close()

	cfg.Version = 2
	cfg.Stores = []StoreSchema{{Name: "B"}}
	d = openDB(t, f, cfg)
	assert.Equal(t, []string{"B"}, d.Conn().ObjectStoreNames())
}

func TestSynchronizerReconcilesIndexes(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)
	cfg := usersConfig()
	cfg.Stores[0].Indexes = []IndexSchema{
		{Name: "email", KeyPath: engine.KeyPath{"email"}, Options: engine.IndexOptions{Unique: true}},
		{Name: "old", KeyPath: engine.KeyPath{"old"}},
	}
	d, err := Open(ctx, f, cfg)
	require.NoError(t, err)
	assert.Empty(t, Verify(d.Conn().Stores(), cfg.Stores))
	_, err = d.Store("users").Put(ctx, map[string]any{"id": 1, "email": "a@x", "tags": []any{"x", "y"}}, nil)
	require.NoError(t, err)
	d.Close()

	cfg.Version = 2
	cfg.Stores[0].Indexes = []IndexSchema{
		{Name: "email", KeyPath: engine.KeyPath{"email"}, Options: engine.IndexOptions{Unique: true}},
		{Name: "tags", KeyPath: engine.KeyPath{"tags"}, Options: engine.IndexOptions{MultiEntry: true}},
	}
	cfg.Stores = append(cfg.Stores, StoreSchema{Name: "extra"})
	d = openDB(t, f, cfg)
	assert.Empty(t, Verify(d.Conn().Stores(), cfg.Stores))

	n, err := d.Store("users").Index("tags").Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "new index is populated from existing records")
}

func TestMigrations(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)

	var (
		mu  sync.Mutex
		ran []int
	)
	step := func(version int, fn func(mc MigrationContext) error) Migration {
		return Migration{Version: version, Migrate: func(ctx context.Context, mc MigrationContext) error {
			mu.Lock()
			ran = append(ran, mc.Version)
			mu.Unlock()
			assert.Equal(t, version, mc.Version)
			return fn(mc)
		}}
	}
	migrations := []Migration{
		step(3, func(mc MigrationContext) error {
			_, err := mc.Conn.CreateObjectStore("posts", engine.StoreOptions{AutoIncrement: true})
			return err
		}),
		step(1, func(mc MigrationContext) error {
			_, err := mc.Conn.CreateObjectStore("users", engine.StoreOptions{KeyPath: engine.KeyPath{"id"}})
			return err
		}),
		step(2, func(mc MigrationContext) error {
			_, err := mc.Store("users").Put(ctx, map[string]any{"id": "root"}, nil)
			return err
		}),
	}

	cfg := Config{
		Name:       "m",
		Version:    2,
		Migrations: migrations,
		// ignored while migrations are configured
		Stores: []StoreSchema{{Name: "never-created"}},
		Logger: logger.Nop,
	}
	d, err := Open(ctx, f, cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, ran)
	assert.Equal(t, []string{"users"}, d.Conn().ObjectStoreNames())
	v, err := d.Store("users").Get(ctx, "root")
	require.NoError(t, err)
	assert.NotNil(t, v)
	d.Close()

	ran = nil
	cfg.Version = 3
	d = openDB(t, f, cfg)
	assert.Equal(t, []int{3}, ran)
	assert.Equal(t, []string{"posts", "users"}, d.Conn().ObjectStoreNames())
}

func TestFailingMigrationStopsPipeline(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)
	boom := errors.New("boom")
	third := false
	cfg := Config{
		Name:    "m",
		Version: 3,
		Logger:  logger.Nop,
		Migrations: []Migration{
			{Version: 1, Migrate: func(ctx context.Context, mc MigrationContext) error {
				_, err := mc.Conn.CreateObjectStore("users", engine.StoreOptions{})
				return err
			}},
			{Version: 2, Migrate: func(context.Context, MigrationContext) error { return boom }},
			{Version: 3, Migrate: func(context.Context, MigrationContext) error {
				third = true
				return nil
			}},
		},
	}
	_, err := Open(ctx, f, cfg)
	assert.ErrorIs(t, err, ErrUpgrade)
	assert.ErrorIs(t, err, boom)
	assert.False(t, third)

	info, err := f.Inspect("m")
	require.NoError(t, err)
	assert.Equal(t, 0, info.Version)
	assert.Empty(t, info.Stores)
}

func TestPending(t *testing.T) {
	all := []Migration{{Version: 4}, {Version: 1}, {Version: 3}, {Version: 2}, {Version: 5}}
	tests := []struct {
		old, new int
		want     []int
	}{
		{0, 5, []int{1, 2, 3, 4, 5}},
		{0, 1, []int{1}},
		{1, 3, []int{2, 3}},
		{3, 3, nil},
		{5, 9, nil},
		{2, 4, []int{3, 4}},
	}
	for _, tt := range tests {
		var got []int
		for _, m := range Pending(all, tt.old, tt.new) {
			got = append(got, m.Version)
		}
		assert.Equal(t, tt.want, got, "%d -> %d", tt.old, tt.new)
	}
}

func TestUpgradeCallbacks(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)
	var events []string
	cfg := usersConfig()
	cfg.Events.OnUpgradeStart = func(o, n int) error {
		events = append(events, "start")
		return nil
	}
	cfg.Events.OnUpgradeEnd = func(o, n int) error {
		events = append(events, "end")
		return nil
	}
	d := openDB(t, f, cfg)
	assert.Equal(t, []string{"start", "end"}, events)
	d.Close()

	events = nil
	d = openDB(t, f, cfg)
	assert.Empty(t, events, "no upgrade at the same version")
	d.Close()

	startErr := errors.New("not today")
	var reported error
	cfg.Version = 2
	cfg.Events.OnUpgradeStart = func(int, int) error { return startErr }
	cfg.Events.OnError = func(err error) error {
		reported = err
		return nil
	}
	_, err := Open(ctx, f, cfg)
	assert.ErrorIs(t, err, ErrUpgrade)
	assert.ErrorIs(t, err, startErr)
	assert.Equal(t, err, reported)
}

func TestBlockedUpgrade(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)
	d := openDB(t, f, usersConfig())
	d.Close()

	// a raw connection without a version-change handler never gives way
	blocker, err := f.Open("d1", 1, engine.OpenHandlers{}).Wait()
	require.NoError(t, err)
	defer blocker.Close()

	cfg := usersConfig()
	cfg.Version = 2
	_, err = Open(ctx, f, cfg)
	assert.ErrorIs(t, err, ErrBlocked)

	custom := errors.New("close the other tab")
	var versions []int
	cfg.Events.OnBlocked = func(o, n int) error {
		versions = append(versions, o, n)
		return custom
	}
	_, err = Open(ctx, f, cfg)
	assert.ErrorIs(t, err, ErrBlocked)
	assert.ErrorIs(t, err, custom)
	assert.Equal(t, []int{1, 2}, versions)

	info, err := f.Inspect("d1")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Version)
}

func TestVersionChangeClosesConnection(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)

	var changes []int
	cfg := usersConfig()
	cfg.Events.OnVersionChange = func(o, n int) error {
		changes = append(changes, o, n)
		return nil
	}
	old := openDB(t, f, cfg)

	cfg.Version = 2
	cfg.Events = Events{}
	d := openDB(t, f, cfg)
	assert.Equal(t, 2, d.Version())
	assert.Equal(t, []int{1, 2}, changes)
	assert.True(t, old.Closed())

	_, err := old.Store("users").Count(ctx, nil)
	assert.ErrorIs(t, err, engine.ErrClosed)
}

func TestVersionChangeCallbackFailure(t *testing.T) {
	f := newFactory(t)

	cbErr := errors.New("cannot save drafts")
	var reported []error
	cfg := usersConfig()
	cfg.Events.OnVersionChange = func(o, n int) error { return cbErr }
	cfg.Events.OnError = func(err error) error {
		reported = append(reported, err)
		return nil
	}
	old := openDB(t, f, cfg)

	cfg.Version = 2
	cfg.Events = Events{}
	d := openDB(t, f, cfg)
	assert.Equal(t, 2, d.Version())
	assert.True(t, old.Closed())
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], ErrOperation)
	assert.ErrorIs(t, reported[0], cbErr)
}

func TestOpenLowerVersion(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)
	cfg := usersConfig()
	cfg.Version = 2
	d, err := Open(ctx, f, cfg)
	require.NoError(t, err)
	d.Close()

	var reported []error
	cfg.Version = 1
	cfg.Events.OnError = func(err error) error {
		reported = append(reported, err)
		return nil
	}
	_, err = Open(ctx, f, cfg)
	assert.ErrorIs(t, err, ErrOpen)
	assert.ErrorIs(t, err, engine.ErrVersion)
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], ErrOpen)

	info, err := f.Inspect("d1")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Version)
}

func TestCursorFailureMidWalk(t *testing.T) {
	seed := func(t *testing.T, cfg Config) *DB {
		d := openDB(t, newFactory(t), cfg)
		for i := 1; i <= 5; i++ {
			_, err := d.Store("users").Put(context.Background(), map[string]any{"id": i}, nil)
			require.NoError(t, err)
		}
		return d
	}

	t.Run("cancelled", func(t *testing.T) {
		var errs, timeouts atomic.Int32
		cfg := usersConfig()
		cfg.Events.OnError = func(error) error {
			errs.Add(1)
			return nil
		}
		cfg.Events.OnTimeout = func(TimeoutInfo) error {
			timeouts.Add(1)
			return nil
		}
		d := seed(t, cfg)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		steps := 0
		out, err := d.Store("users").OpenCursor(ctx, nil, engine.Next, func(c *engine.Cursor) (any, bool) {
			steps++
			if steps == 2 {
				cancel()
				// let the caller see the cancellation before the walk moves on
				time.Sleep(50 * time.Millisecond)
			}
			return c.Key(), true
		})
		assert.Nil(t, out)
		assert.ErrorIs(t, err, ErrOperation)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(1), errs.Load())
		assert.Zero(t, timeouts.Load())

		n, err := d.Store("users").Count(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
	})

	t.Run("timed out", func(t *testing.T) {
		var errs, timeouts atomic.Int32
		cfg := usersConfig()
		cfg.TransactionTimeout = 30 * time.Millisecond
		cfg.Events.OnError = func(error) error {
			errs.Add(1)
			return nil
		}
		cfg.Events.OnTimeout = func(TimeoutInfo) error {
			timeouts.Add(1)
			return nil
		}
		d := seed(t, cfg)

		steps := 0
		out, err := d.Store("users").OpenCursor(context.Background(), nil, engine.Next, func(c *engine.Cursor) (any, bool) {
			steps++
			if steps == 2 {
				time.Sleep(150 * time.Millisecond)
			}
			return c.Key(), true
		})
		assert.Nil(t, out)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, 2, steps)
		assert.Equal(t, int32(1), timeouts.Load())
		assert.Zero(t, errs.Load())
	})
}

func TestDeleteBlocked(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)

	var reported []error
	cfg := usersConfig()
	cfg.Events.OnError = func(err error) error {
		reported = append(reported, err)
		return nil
	}
	d := openDB(t, f, cfg)

	blocker, err := f.Open("d1", 1, engine.OpenHandlers{}).Wait()
	require.NoError(t, err)
	defer blocker.Close()

	done := make(chan error, 1)
	go func() { done <- d.Delete(ctx) }()
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delete waited on the blocking connection")
	}
	assert.ErrorIs(t, err, ErrBlocked)
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], ErrBlocked)

	info, err := f.Inspect("d1")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Version)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)
	d := openDB(t, f, usersConfig())
	_, err := d.Store("users").Put(ctx, map[string]any{"id": 1}, nil)
	require.NoError(t, err)

	require.NoError(t, d.Delete(ctx))
	assert.True(t, d.Closed())
	_, err = f.Inspect("d1")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	d = openDB(t, f, usersConfig())
	n, err := d.Store("users").Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpenValidatesConfig(t *testing.T) {
	f := newFactory(t)
	for name, cfg := range map[string]Config{
		"no name":          {Version: 1},
		"zero version":     {Name: "x"},
		"duplicate stores": {Name: "x", Version: 1, Stores: []StoreSchema{{Name: "a"}, {Name: "a"}}},
		"duplicate index": {Name: "x", Version: 1, Stores: []StoreSchema{{Name: "a", Indexes: []IndexSchema{
			{Name: "i", KeyPath: engine.KeyPath{"k"}}, {Name: "i", KeyPath: engine.KeyPath{"k"}},
		}}}},
		"nil migration": {Name: "x", Version: 1, Migrations: []Migration{{Version: 1}}},
	} {
		t.Run(name, func(t *testing.T) {
			cfg.Logger = logger.Nop
			_, err := Open(context.Background(), f, cfg)
			assert.ErrorIs(t, err, ErrOpen)
		})
	}
}
