package kvview

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

type PebbleOptions struct {
	// InMemory keeps the database in memory (for tests); dir is ignored.
	InMemory bool
	NoSync   bool
}

// Pebble has no buckets, so every bucket is a key prefix:
//
//	'b' name        bucket marker
//	'd' name 0 key  data
const (
	pebbleBucketTag = 'b'
	pebbleDataTag   = 'd'
)

type pebbleStorage struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	writeLock sync.Mutex
}

// OpenPebble opens (creating if needed) a Pebble database directory as index
// storage.
func OpenPebble(dir string, opt PebbleOptions) (Storage, error) {
	popt := &pebble.Options{}
	if opt.InMemory {
		popt.FS = vfs.NewMem()
		dir = ""
	}
	db, err := pebble.Open(dir, popt)
	if err != nil {
		return nil, fmt.Errorf("kvview: pebble: %w", err)
	}
	s := &pebbleStorage{db: db, writeOpts: pebble.Sync}
	if opt.NoSync {
		s.writeOpts = pebble.NoSync
	}
	return s, nil
}

func (s *pebbleStorage) BeginTx(writable bool) (StorageTx, error) {
	if writable {
		s.writeLock.Lock()
		return &pebbleTx{s: s, r: s.db.NewIndexedBatch(), writable: true}, nil
	}
	return &pebbleTx{s: s, r: s.db.NewSnapshot()}, nil
}

func (s *pebbleStorage) Close() error {
	return s.db.Close()
}

type pebbleTx struct {
	s        *pebbleStorage
	r        pebble.Reader
	writable bool
	closed   bool
}

func (tx *pebbleTx) Writable() bool { return tx.writable }

func (tx *pebbleTx) batch() *pebble.Batch {
	return tx.r.(*pebble.Batch)
}

func (tx *pebbleTx) Bucket(name string) Bucket {
	if tx.closed {
		panic("tx is closed")
	}
	v, err := pebbleGet(tx.r, pebbleBucketKey(name))
	if err != nil || v == nil {
		return nil
	}
	return &pebbleBucket{tx: tx, prefix: pebbleDataPrefix(name)}
}

func (tx *pebbleTx) CreateBucket(name string) (Bucket, error) {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return nil, errTxReadOnly
	}
	if strings.IndexByte(name, 0) >= 0 {
		return nil, fmt.Errorf("invalid bucket name %q", name)
	}
	err := tx.batch().Set(pebbleBucketKey(name), []byte{1}, nil)
	if err != nil {
		return nil, err
	}
	return &pebbleBucket{tx: tx, prefix: pebbleDataPrefix(name)}, nil
}

func (tx *pebbleTx) Commit() error {
	if tx.closed {
		return nil
	}
	if !tx.writable {
		return errTxReadOnly
	}
	err := tx.batch().Commit(tx.s.writeOpts)
	tx.close()
	return err
}

func (tx *pebbleTx) Rollback() error {
	if tx.closed {
		return nil
	}
	tx.close()
	return nil
}

func (tx *pebbleTx) close() {
	tx.closed = true
	_ = tx.r.Close()
	if tx.writable {
		tx.s.writeLock.Unlock()
	}
}

func pebbleBucketKey(name string) []byte {
	return append([]byte{pebbleBucketTag}, name...)
}

func pebbleDataPrefix(name string) []byte {
	k := append([]byte{pebbleDataTag}, name...)
	return append(k, 0)
}

func pebbleGet(r pebble.Reader, key []byte) ([]byte, error) {
	v, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer closer.Close()
	if v == nil {
		v = []byte{}
	}
	return slices.Clone(v), nil
}

type pebbleBucket struct {
	tx     *pebbleTx
	prefix []byte
}

func (b *pebbleBucket) key(k []byte) []byte {
	return append(slices.Clip(b.prefix), k...)
}

func (b *pebbleBucket) Get(key []byte) []byte {
	v, err := pebbleGet(b.tx.r, b.key(key))
	if err != nil {
		panic(fmt.Errorf("pebble get: %w", err))
	}
	return v
}

func (b *pebbleBucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return errTxReadOnly
	}
	return b.tx.batch().Set(b.key(key), value, nil)
}

func (b *pebbleBucket) Delete(key []byte) error {
	if !b.tx.writable {
		return errTxReadOnly
	}
	return b.tx.batch().Delete(b.key(key), nil)
}

func (b *pebbleBucket) Cursor() Cursor {
	upper := slices.Clone(b.prefix)
	inc(upper)
	it, err := b.tx.r.NewIter(&pebble.IterOptions{
		LowerBound: b.prefix,
		UpperBound: upper,
	})
	if err != nil {
		panic(fmt.Errorf("pebble iter: %w", err))
	}
	return &pebbleCursor{it: it, prefix: b.prefix}
}

func (b *pebbleBucket) KeyCount() int {
	c := b.Cursor()
	defer c.Close()
	var n int
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

type pebbleCursor struct {
	it     *pebble.Iterator
	prefix []byte
}

func (c *pebbleCursor) current(valid bool) ([]byte, []byte) {
	if !valid {
		return nil, nil
	}
	k := c.it.Key()[len(c.prefix):]
	v := c.it.Value()
	if v == nil {
		v = []byte{}
	}
	return k, v
}

func (c *pebbleCursor) First() ([]byte, []byte) {
	return c.current(c.it.First())
}

func (c *pebbleCursor) Seek(seek []byte) ([]byte, []byte) {
	return c.current(c.it.SeekGE(append(slices.Clip(c.prefix), seek...)))
}

func (c *pebbleCursor) Next() ([]byte, []byte) {
	return c.current(c.it.Next())
}

func (c *pebbleCursor) Close() error {
	return c.it.Close()
}
