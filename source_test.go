package kvview

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
)

// memSource is an in-memory Source for tests.
type memSource struct {
	mu      sync.Mutex
	logs    map[WriterID][][]byte
	missing map[ID]bool
	changes chan struct{}
	gets    atomic.Int64
}

func newMemSource() *memSource {
	return &memSource{
		logs:    make(map[WriterID][][]byte),
		missing: make(map[ID]bool),
		changes: make(chan struct{}, 1),
	}
}

func (s *memSource) Append(w WriterID, value []byte) Entry {
	s.mu.Lock()
	seq := uint64(len(s.logs[w]))
	s.logs[w] = append(s.logs[w], value)
	s.mu.Unlock()
	select {
	case s.changes <- struct{}{}:
	default:
	}
	return Entry{Writer: w, Seq: seq, Value: value}
}

// Forget makes id unreadable, as if the log had lost it.
func (s *memSource) Forget(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missing[id] = true
}

func (s *memSource) Get(ctx context.Context, w WriterID, seq uint64) (Entry, error) {
	s.gets.Add(1)
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[w]
	if seq >= uint64(len(log)) || s.missing[ID{w, seq}] {
		return Entry{}, fmt.Errorf("no entry %v", ID{w, seq})
	}
	return Entry{Writer: w, Seq: seq, Value: log[seq]}, nil
}

func (s *memSource) Writers() []WriterID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ws []WriterID
	for w := range s.logs {
		ws = append(ws, w)
	}
	slices.Sort(ws)
	return ws
}

func (s *memSource) Len(w WriterID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.logs[w]))
}

func (s *memSource) Changes() <-chan struct{} {
	return s.changes
}

var _ Source = (*memSource)(nil)

const (
	writerA = WriterID("\xaa")
	writerB = WriterID("\xbb")
)

func doc(id string, links ...ID) []byte {
	d := &Document{ID: id}
	for _, l := range links {
		d.Links = append(d.Links, l.String())
	}
	return must(EncodeDocument(d))
}

func testLogger(t testing.TB) *slog.Logger {
	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testIndex struct {
	*Index
	src *memSource
	ix  *Indexer
}

// setupIndex returns a DocMapper index over a fresh memSource, driven by an
// Indexer.
func setupIndex(t testing.TB, s Storage, o Options) *testIndex {
	if s == nil {
		s = NewMemory()
	}
	if o.Logger == nil {
		o.Logger = testLogger(t)
	}
	src := newMemSource()
	idx, err := New(s, src, DocMapper(), o)
	if err != nil {
		t.Fatal(err)
	}
	ix := NewIndexer(src, idx, IndexerOptions{})
	t.Cleanup(func() {
		ix.Close()
		idx.Close()
	})
	return &testIndex{Index: idx, src: src, ix: ix}
}

func sortedEntries(entries []Entry) []Entry {
	return slices.SortedFunc(slices.Values(entries), func(a, b Entry) int {
		return a.ID().Compare(b.ID())
	})
}
