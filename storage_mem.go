package kvview

import (
	"maps"
	"slices"
	"sort"
	"sync"
)

// memStorage keeps copy-on-write tables. A committed table is never modified;
// a writable tx copies a table the first time it touches it.
type memStorage struct {
	writeMu sync.Mutex // held by the active writable tx

	mu     sync.RWMutex
	tables map[string]*memTable
	closed bool
}

type memTable struct {
	keys []string // sorted
	vals map[string][]byte
}

func (t *memTable) clone() *memTable {
	return &memTable{keys: slices.Clone(t.keys), vals: maps.Clone(t.vals)}
}

// NewMemory returns transient in-memory storage, for tests and throwaway
// indexes.
func NewMemory() Storage {
	return &memStorage{tables: make(map[string]*memTable)}
}

func (s *memStorage) snapshot() (map[string]*memTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStorageClosed
	}
	return s.tables, nil
}

func (s *memStorage) BeginTx(writable bool) (StorageTx, error) {
	if !writable {
		tables, err := s.snapshot()
		if err != nil {
			return nil, err
		}
		return &memTx{s: s, tables: tables}, nil
	}

	s.writeMu.Lock()
	tables, err := s.snapshot()
	if err != nil {
		s.writeMu.Unlock()
		return nil, err
	}
	return &memTx{
		s:        s,
		writable: true,
		tables:   maps.Clone(tables),
		owned:    make(map[string]bool),
	}, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tables = nil
	return nil
}

type memTx struct {
	s        *memStorage
	writable bool
	tables   map[string]*memTable
	owned    map[string]bool // tables already copied by this tx
	done     bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) Bucket(name string) Bucket {
	if tx.done {
		panic("kvview: tx is closed")
	}
	if tx.tables[name] == nil {
		return nil
	}
	return &memBucket{tx: tx, name: name}
}

func (tx *memTx) CreateBucket(name string) (Bucket, error) {
	if tx.done {
		panic("kvview: tx is closed")
	}
	if !tx.writable {
		return nil, errTxReadOnly
	}
	if tx.tables[name] == nil {
		tx.tables[name] = &memTable{vals: make(map[string][]byte)}
		tx.owned[name] = true
	}
	return &memBucket{tx: tx, name: name}, nil
}

// own returns a table of this tx that is safe to modify.
func (tx *memTx) own(name string) *memTable {
	t := tx.tables[name]
	if !tx.owned[name] {
		t = t.clone()
		tx.tables[name] = t
		tx.owned[name] = true
	}
	return t
}

func (tx *memTx) Commit() error {
	if tx.done {
		return nil
	}
	if !tx.writable {
		return errTxReadOnly
	}
	defer tx.finish()
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	if tx.s.closed {
		return errStorageClosed
	}
	tx.s.tables = tx.tables
	return nil
}

func (tx *memTx) Rollback() error {
	tx.finish()
	return nil
}

func (tx *memTx) finish() {
	if tx.done {
		return
	}
	tx.done = true
	if tx.writable {
		tx.s.writeMu.Unlock()
	}
}

type memBucket struct {
	tx   *memTx
	name string
}

func (b *memBucket) table() *memTable {
	return b.tx.tables[b.name]
}

func (b *memBucket) Get(key []byte) []byte {
	return b.table().vals[string(key)]
}

func (b *memBucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return errTxReadOnly
	}
	t := b.tx.own(b.name)
	k := string(key)
	if _, found := t.vals[k]; !found {
		i := sort.SearchStrings(t.keys, k)
		t.keys = slices.Insert(t.keys, i, k)
	}
	t.vals[k] = append([]byte{}, value...)
	return nil
}

func (b *memBucket) Delete(key []byte) error {
	if !b.tx.writable {
		return errTxReadOnly
	}
	k := string(key)
	if _, found := b.table().vals[k]; !found {
		return nil
	}
	t := b.tx.own(b.name)
	i := sort.SearchStrings(t.keys, k)
	t.keys = slices.Delete(t.keys, i, i+1)
	delete(t.vals, k)
	return nil
}

func (b *memBucket) Cursor() Cursor {
	return &memCursor{b: b}
}

func (b *memBucket) KeyCount() int {
	return len(b.table().keys)
}

// memCursor remembers the last key rather than an index, so it stays valid
// while the tx keeps writing to the bucket.
type memCursor struct {
	b       *memBucket
	last    string
	started bool
}

func (c *memCursor) at(i int) ([]byte, []byte) {
	t := c.b.table()
	if i >= len(t.keys) {
		c.started = false
		return nil, nil
	}
	c.last, c.started = t.keys[i], true
	return []byte(c.last), t.vals[c.last]
}

func (c *memCursor) First() ([]byte, []byte) {
	return c.at(0)
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	return c.at(sort.SearchStrings(c.b.table().keys, string(seek)))
}

func (c *memCursor) Next() ([]byte, []byte) {
	if !c.started {
		return c.First()
	}
	keys := c.b.table().keys
	i := sort.SearchStrings(keys, c.last)
	if i < len(keys) && keys[i] == c.last {
		i++
	}
	return c.at(i)
}

func (c *memCursor) Close() error { return nil }
