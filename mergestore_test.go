package kvview

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	a0 = ID{writerA, 0}
	a1 = ID{writerA, 1}
	a2 = ID{writerA, 2}
	b0 = ID{writerB, 0}
	b1 = ID{writerB, 1}
)

func heads(t testing.TB, m MergeStore, key string) []ID {
	t.Helper()
	ids, err := m.Get(context.Background(), key)
	require.NoError(t, err)
	return ids
}

func TestMergeStore_linkRetires(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		m := NewMergeStore(s)

		require.NoError(t, m.Batch(ctx, []Op{{Key: "x", ID: a0}}))
		assert.Equal(t, []ID{a0}, heads(t, m, "x"))

		require.NoError(t, m.Batch(ctx, []Op{{Key: "x", ID: a1, Links: []ID{a0}}}))
		assert.Equal(t, []ID{a1}, heads(t, m, "x"))

		assert.Nil(t, heads(t, m, "absent"))
	})
}

func TestMergeStore_concurrentWritersKept(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		m := NewMergeStore(s)

		require.NoError(t, m.Batch(ctx, []Op{{Key: "x", ID: a0}}))
		require.NoError(t, m.Batch(ctx, []Op{
			{Key: "x", ID: a1, Links: []ID{a0}},
			{Key: "x", ID: b0, Links: []ID{a0}},
		}))
		assert.ElementsMatch(t, []ID{a1, b0}, heads(t, m, "x"))

		// a merge resolves the conflict
		require.NoError(t, m.Batch(ctx, []Op{{Key: "x", ID: b1, Links: []ID{a1, b0}}}))
		assert.Equal(t, []ID{b1}, heads(t, m, "x"))
	})
}

func TestMergeStore_orderIndependent(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		m := NewMergeStore(s)

		// the linking op lands before the op it retires
		require.NoError(t, m.Batch(ctx, []Op{{Key: "x", ID: a1, Links: []ID{a0}}}))
		require.NoError(t, m.Batch(ctx, []Op{{Key: "x", ID: a0}}))
		assert.Equal(t, []ID{a1}, heads(t, m, "x"))

		// same within one batch
		require.NoError(t, m.Batch(ctx, []Op{
			{Key: "y", ID: a2},
			{Key: "y", ID: b0, Links: []ID{a2}},
		}))
		assert.Equal(t, []ID{b0}, heads(t, m, "y"))
	})
}

func TestMergeStore_replayIsIdempotent(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		m := NewMergeStore(s)
		ops := []Op{
			{Key: "x", ID: a0},
			{Key: "x", ID: a1, Links: []ID{a0}},
			{Key: "y", ID: b0},
		}

		require.NoError(t, m.Batch(ctx, ops))
		before, err := m.Stats(ctx)
		require.NoError(t, err)

		require.NoError(t, m.Batch(ctx, ops))
		require.NoError(t, m.Batch(ctx, ops[:1]))
		assert.Equal(t, []ID{a1}, heads(t, m, "x"))
		assert.Equal(t, []ID{b0}, heads(t, m, "y"))

		after, err := m.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, before, after)
		assert.Equal(t, MergeStats{Keys: 2, Heads: 2, Retired: 1}, after)
	})
}

func TestMergeStore_linksAreScopedToKey(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		m := NewMergeStore(s)
		require.NoError(t, m.Batch(ctx, []Op{
			{Key: "x", ID: a0},
			{Key: "y", ID: a0},
			{Key: "y", ID: a1, Links: []ID{a0}},
		}))
		assert.Equal(t, []ID{a0}, heads(t, m, "x"))
		assert.Equal(t, []ID{a1}, heads(t, m, "y"))
	})
}

func TestMergeStore_selfLinkRemovesKey(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		m := NewMergeStore(s)
		require.NoError(t, m.Batch(ctx, []Op{{Key: "x", ID: a0}}))
		require.NoError(t, m.Batch(ctx, []Op{{Key: "x", ID: a1, Links: []ID{a0, a1}}}))
		assert.Nil(t, heads(t, m, "x"))

		var keys []string
		require.NoError(t, m.Scan(ctx, func(key string, ids []ID) error {
			keys = append(keys, key)
			return nil
		}))
		assert.Empty(t, keys)
	})
}

func TestMergeStore_scan(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		m := NewMergeStore(s)

		require.NoError(t, m.Scan(ctx, func(key string, ids []ID) error {
			t.Fatal("scan of an empty store called fn")
			return nil
		}))

		require.NoError(t, m.Batch(ctx, []Op{
			{Key: "b", ID: a0},
			{Key: "a", ID: a1},
			{Key: "c", ID: b0},
			{Key: "c", ID: b1},
		}))

		got := make(map[string][]ID)
		var order []string
		require.NoError(t, m.Scan(ctx, func(key string, ids []ID) error {
			order = append(order, key)
			got[key] = ids
			return nil
		}))
		assert.Equal(t, []string{"a", "b", "c"}, order)
		assert.ElementsMatch(t, []ID{b0, b1}, got["c"])

		stop := errors.New("stop")
		var n int
		err := m.Scan(ctx, func(key string, ids []ID) error {
			n++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, n)
	})
}

func TestMergeStore_cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMergeStore(NewMemory())
	assert.ErrorIs(t, m.Batch(ctx, []Op{{Key: "x", ID: a0}}), context.Canceled)
	_, err := m.Get(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMergeStore_corruptedHeads(t *testing.T) {
	s := NewMemory()
	require.NoError(t, writeTx(s, func(tx StorageTx) error {
		return must(tx.CreateBucket(headsBucket)).Put([]byte("x"), []byte("aa@1,garbage"))
	}))
	_, err := NewMergeStore(s).Get(context.Background(), "x")
	var de *DataError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 1, de.Off)
}
