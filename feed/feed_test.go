package feed_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/kvview"
	"github.com/andreyvit/kvview/feed"
)

func TestNewWriterID(t *testing.T) {
	a, b := feed.NewWriterID(), feed.NewWriterID()
	assert.Len(t, a.Bytes(), 16)
	assert.NotEqual(t, a, b)
	assert.Len(t, a.String(), 32)
}

func TestLog_appendGet(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w := feed.NewWriterID()

	l, err := feed.OpenLog(dir, w, true, feed.Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), l.Len())

	seq, err := l.Append([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)
	seq, err = l.Append([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, uint64(2), l.Len())

	e, err := l.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, kvview.Entry{Writer: w, Seq: 1, Value: []byte("world")}, e)

	_, err = l.Get(ctx, 2)
	assert.ErrorIs(t, err, feed.ErrNotFound)
	require.NoError(t, l.Close())

	ro, err := feed.OpenLog(dir, w, false, feed.Options{})
	require.NoError(t, err)
	defer ro.Close()
	assert.Equal(t, uint64(2), ro.Len())
	e, err = ro.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(e.Value))

	_, err = ro.Append([]byte("nope"))
	assert.ErrorIs(t, err, feed.ErrNotLocal)
}

func TestLog_reopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()
	w := feed.NewWriterID()
	o := feed.Options{MaxFileSize: 1}

	l, err := feed.OpenLog(dir, w, true, o)
	require.NoError(t, err)
	for _, v := range []string{"a", "b", "c"} {
		_, err := l.Append([]byte(v))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	l, err = feed.OpenLog(dir, w, true, o)
	require.NoError(t, err)
	defer l.Close()
	seq, err := l.Append([]byte("d"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)

	for i, v := range []string{"a", "b", "c", "d"} {
		e, err := l.Get(context.Background(), uint64(i))
		require.NoError(t, err)
		assert.Equal(t, v, string(e.Value))
	}
}

func TestSet_localWriters(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := feed.OpenSet(dir, feed.Options{})
	require.NoError(t, err)

	alice, err := s.Writer("alice")
	require.NoError(t, err)
	again, err := s.Writer("alice")
	require.NoError(t, err)
	assert.Same(t, alice, again)

	bob, err := s.Writer("bob")
	require.NoError(t, err)
	assert.NotEqual(t, alice.Writer(), bob.Writer())

	_, err = alice.Append([]byte("a0"))
	require.NoError(t, err)
	select {
	case <-s.Changes():
	default:
		t.Fatal("no change signalled after append")
	}
	_, err = bob.Append([]byte("b0"))
	require.NoError(t, err)
	_, err = bob.Append([]byte("b1"))
	require.NoError(t, err)

	writers := s.Writers()
	require.Len(t, writers, 2)
	assert.Less(t, string(writers[0]), string(writers[1]))
	assert.Equal(t, uint64(1), s.Len(alice.Writer()))
	assert.Equal(t, uint64(2), s.Len(bob.Writer()))
	assert.Equal(t, uint64(0), s.Len(feed.NewWriterID()))

	e, err := s.Get(ctx, bob.Writer(), 1)
	require.NoError(t, err)
	assert.Equal(t, "b1", string(e.Value))

	_, err = s.Get(ctx, feed.NewWriterID(), 0)
	assert.ErrorIs(t, err, feed.ErrUnknownWriter)

	names := s.LocalWriters()
	require.NoError(t, s.Close())

	s, err = feed.OpenSet(dir, feed.Options{})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, names, s.LocalWriters())
	assert.Equal(t, uint64(2), s.Len(names["bob"]))

	bob, err = s.Writer("bob")
	require.NoError(t, err)
	seq, err := bob.Append([]byte("b2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestSet_refreshPicksUpForeignLogs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := feed.OpenSet(dir, feed.Options{})
	require.NoError(t, err)
	defer s.Close()
	assert.Empty(t, s.Writers())

	// another process writing into the same directory
	w := feed.NewWriterID()
	foreign, err := feed.OpenLog(filepath.Join(dir, "logs", w.String()), w, true, feed.Options{})
	require.NoError(t, err)
	defer foreign.Close()
	_, err = foreign.Append([]byte("x0"))
	require.NoError(t, err)

	require.NoError(t, s.Refresh())
	assert.Equal(t, []kvview.WriterID{w}, s.Writers())
	assert.Equal(t, uint64(1), s.Len(w))
	<-s.Changes()

	_, err = foreign.Append([]byte("x1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Len(w))
	require.NoError(t, s.Refresh())
	assert.Equal(t, uint64(2), s.Len(w))

	e, err := s.Get(ctx, w, 1)
	require.NoError(t, err)
	assert.Equal(t, "x1", string(e.Value))

	l, ok := s.Log(w)
	require.True(t, ok)
	_, err = l.Append([]byte("x2"))
	assert.ErrorIs(t, err, feed.ErrNotLocal)
}
