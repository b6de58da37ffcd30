// Package storetest holds the conformance suite every store.Backend must pass.
package storetest

import (
	"testing"

	"github.com/maloquacious/goobkv/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Opener returns a fresh, empty backend. The suite closes it.
type Opener func(t *testing.T) store.Backend

// Run exercises the backend contract against backends produced by open.
func Run(t *testing.T, open Opener) {
	t.Run("buckets", func(t *testing.T) { testBuckets(t, open(t)) })
	t.Run("put get delete", func(t *testing.T) { testPutGetDelete(t, open(t)) })
	t.Run("scan", func(t *testing.T) { testScan(t, open(t)) })
	t.Run("rollback", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("read only", func(t *testing.T) { testReadOnly(t, open(t)) })
	t.Run("closed", func(t *testing.T) { testClosed(t, open(t)) })
}

func update(t *testing.T, b store.Backend, fn func(tx store.Tx)) {
	t.Helper()
	tx, err := b.Begin(true)
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func view(t *testing.T, b store.Backend, fn func(tx store.Tx)) {
	t.Helper()
	tx, err := b.Begin(false)
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Rollback())
}

func testBuckets(t *testing.T, b store.Backend) {
	defer b.Close()

	view(t, b, func(tx store.Tx) {
		_, err := tx.Get("missing", []byte("k"))
		assert.ErrorIs(t, err, store.ErrBucketNotFound)
	})

	update(t, b, func(tx store.Tx) {
		require.NoError(t, tx.CreateBucket("a"))
		require.NoError(t, tx.CreateBucket("a"))
		require.NoError(t, tx.CreateBucket("ab"))
		require.NoError(t, tx.Put("a", []byte("k"), []byte("v")))
		require.NoError(t, tx.Put("ab", []byte("k"), []byte("w")))
	})

	update(t, b, func(tx store.Tx) {
		require.NoError(t, tx.DeleteBucket("a"))
		require.NoError(t, tx.DeleteBucket("never-created"))
	})

	view(t, b, func(tx store.Tx) {
		_, err := tx.Get("a", []byte("k"))
		assert.ErrorIs(t, err, store.ErrBucketNotFound)
		v, err := tx.Get("ab", []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("w"), v)
	})

	// a recreated bucket starts empty
	update(t, b, func(tx store.Tx) {
		require.NoError(t, tx.CreateBucket("a"))
		v, err := tx.Get("a", []byte("k"))
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func testPutGetDelete(t *testing.T, b store.Backend) {
	defer b.Close()

	update(t, b, func(tx store.Tx) {
		require.NoError(t, tx.CreateBucket("s"))
		require.NoError(t, tx.Put("s", []byte{0x10, 0x01}, []byte("one")))
		require.NoError(t, tx.Put("s", []byte{0x10, 0x02}, []byte("two")))

		// reads see the transaction's own writes
		v, err := tx.Get("s", []byte{0x10, 0x01})
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), v)

		require.NoError(t, tx.Put("s", []byte{0x10, 0x01}, []byte("uno")))
	})

	view(t, b, func(tx store.Tx) {
		v, err := tx.Get("s", []byte{0x10, 0x01})
		require.NoError(t, err)
		assert.Equal(t, []byte("uno"), v)

		v, err = tx.Get("s", []byte{0x10, 0x03})
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	update(t, b, func(tx store.Tx) {
		require.NoError(t, tx.Delete("s", []byte{0x10, 0x01}))
		require.NoError(t, tx.Delete("s", []byte{0x10, 0x09}))
	})

	view(t, b, func(tx store.Tx) {
		v, err := tx.Get("s", []byte{0x10, 0x01})
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func testScan(t *testing.T, b store.Backend) {
	defer b.Close()

	keys := [][]byte{{0x01}, {0x02}, {0x02, 0x00}, {0x03}, {0x05, 0xff}}
	update(t, b, func(tx store.Tx) {
		require.NoError(t, tx.CreateBucket("s"))
		require.NoError(t, tx.CreateBucket("t"))
		for _, k := range keys {
			require.NoError(t, tx.Put("s", k, k))
		}
		require.NoError(t, tx.Put("t", []byte{0x02}, []byte("other")))
	})

	collect := func(t *testing.T, start, end []byte, reverse bool, limit int) [][]byte {
		var out [][]byte
		view(t, b, func(tx store.Tx) {
			err := tx.Scan("s", start, end, reverse, func(k, v []byte) (bool, error) {
				assert.Equal(t, k, v)
				out = append(out, k)
				return limit == 0 || len(out) < limit, nil
			})
			require.NoError(t, err)
		})
		return out
	}

	tests := []struct {
		name    string
		start   []byte
		end     []byte
		reverse bool
		limit   int
		want    [][]byte
	}{
		{"all ascending", nil, nil, false, 0, keys},
		{"all descending", nil, nil, true, 0, [][]byte{{0x05, 0xff}, {0x03}, {0x02, 0x00}, {0x02}, {0x01}}},
		{"half open", []byte{0x02}, []byte{0x03}, false, 0, [][]byte{{0x02}, {0x02, 0x00}}},
		{"half open descending", []byte{0x02}, []byte{0x03}, true, 0, [][]byte{{0x02, 0x00}, {0x02}}},
		{"end past last descending", []byte{0x03}, []byte{0x09}, true, 0, [][]byte{{0x05, 0xff}, {0x03}}},
		{"limit", nil, nil, false, 2, [][]byte{{0x01}, {0x02}}},
		{"limit descending", nil, []byte{0x03}, true, 1, [][]byte{{0x02, 0x00}}},
		{"empty range", []byte{0x04}, []byte{0x05}, false, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, collect(t, tt.start, tt.end, tt.reverse, tt.limit))
		})
	}
}

func testRollback(t *testing.T, b store.Backend) {
	defer b.Close()

	update(t, b, func(tx store.Tx) {
		require.NoError(t, tx.CreateBucket("s"))
	})

	tx, err := b.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Put("s", []byte("k"), []byte("v")))
	require.NoError(t, tx.CreateBucket("gone"))
	require.NoError(t, tx.Rollback())

	view(t, b, func(tx store.Tx) {
		v, err := tx.Get("s", []byte("k"))
		require.NoError(t, err)
		assert.Nil(t, v)
		_, err = tx.Get("gone", []byte("k"))
		assert.ErrorIs(t, err, store.ErrBucketNotFound)
	})
}

func testReadOnly(t *testing.T, b store.Backend) {
	defer b.Close()

	update(t, b, func(tx store.Tx) {
		require.NoError(t, tx.CreateBucket("s"))
	})

	view(t, b, func(tx store.Tx) {
		assert.False(t, tx.Writable())
		assert.ErrorIs(t, tx.Put("s", []byte("k"), []byte("v")), store.ErrReadOnly)
		assert.ErrorIs(t, tx.Delete("s", []byte("k")), store.ErrReadOnly)
		assert.ErrorIs(t, tx.CreateBucket("x"), store.ErrReadOnly)
		assert.ErrorIs(t, tx.DeleteBucket("s"), store.ErrReadOnly)
	})
}

func testClosed(t *testing.T, b store.Backend) {
	defer b.Close()

	tx, err := b.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.CreateBucket("s"))
	require.NoError(t, tx.Commit())

	assert.ErrorIs(t, tx.Commit(), store.ErrTxClosed)
	assert.ErrorIs(t, tx.Rollback(), store.ErrTxClosed)
	_, err = tx.Get("s", []byte("k"))
	assert.ErrorIs(t, err, store.ErrTxClosed)
}
