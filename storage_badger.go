package kvview

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

type BadgerOptions struct {
	// InMemory keeps the database in memory (for tests); dir is ignored.
	InMemory bool
	NoSync   bool
}

type badgerStorage struct {
	db        *badger.DB
	writeLock sync.Mutex
}

// OpenBadger opens (creating if needed) a Badger database directory as index
// storage. Buckets are key prefixes, laid out the same way as with Pebble.
func OpenBadger(dir string, opt BadgerOptions) (Storage, error) {
	var bopt badger.Options
	if opt.InMemory {
		bopt = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopt = badger.DefaultOptions(dir).WithSyncWrites(!opt.NoSync)
	}
	bopt = bopt.WithLogger(nil)
	db, err := badger.Open(bopt)
	if err != nil {
		return nil, fmt.Errorf("kvview: badger: %w", err)
	}
	return &badgerStorage{db: db}, nil
}

func (s *badgerStorage) BeginTx(writable bool) (StorageTx, error) {
	if writable {
		// Badger transactions are optimistic; serializing writers up front
		// avoids ErrConflict on commit.
		s.writeLock.Lock()
	}
	return &badgerTx{s: s, txn: s.db.NewTransaction(writable), writable: writable}, nil
}

func (s *badgerStorage) Close() error {
	return s.db.Close()
}

type badgerTx struct {
	s        *badgerStorage
	txn      *badger.Txn
	writable bool
	closed   bool
}

func (tx *badgerTx) Writable() bool { return tx.writable }

func (tx *badgerTx) Bucket(name string) Bucket {
	if tx.closed {
		panic("tx is closed")
	}
	v, err := badgerGet(tx.txn, pebbleBucketKey(name))
	if err != nil || v == nil {
		return nil
	}
	return &badgerBucket{tx: tx, prefix: pebbleDataPrefix(name)}
}

func (tx *badgerTx) CreateBucket(name string) (Bucket, error) {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return nil, errTxReadOnly
	}
	if strings.IndexByte(name, 0) >= 0 {
		return nil, fmt.Errorf("invalid bucket name %q", name)
	}
	if err := tx.txn.Set(pebbleBucketKey(name), []byte{1}); err != nil {
		return nil, err
	}
	return &badgerBucket{tx: tx, prefix: pebbleDataPrefix(name)}, nil
}

func (tx *badgerTx) Commit() error {
	if tx.closed {
		return nil
	}
	if !tx.writable {
		return errTxReadOnly
	}
	err := tx.txn.Commit()
	tx.close()
	return err
}

func (tx *badgerTx) Rollback() error {
	if tx.closed {
		return nil
	}
	tx.close()
	return nil
}

func (tx *badgerTx) close() {
	tx.closed = true
	tx.txn.Discard()
	if tx.writable {
		tx.s.writeLock.Unlock()
	}
}

func badgerGet(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

type badgerBucket struct {
	tx     *badgerTx
	prefix []byte
}

func (b *badgerBucket) key(k []byte) []byte {
	return append(slices.Clip(b.prefix), k...)
}

func (b *badgerBucket) Get(key []byte) []byte {
	v, err := badgerGet(b.tx.txn, b.key(key))
	if err != nil {
		panic(fmt.Errorf("badger get: %w", err))
	}
	return v
}

func (b *badgerBucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return errTxReadOnly
	}
	return b.tx.txn.Set(b.key(key), slices.Clone(value))
}

func (b *badgerBucket) Delete(key []byte) error {
	if !b.tx.writable {
		return errTxReadOnly
	}
	return b.tx.txn.Delete(b.key(key))
}

func (b *badgerBucket) Cursor() Cursor {
	opt := badger.DefaultIteratorOptions
	opt.Prefix = b.prefix
	return &badgerCursor{it: b.tx.txn.NewIterator(opt), prefix: b.prefix}
}

func (b *badgerBucket) KeyCount() int {
	opt := badger.DefaultIteratorOptions
	opt.Prefix = b.prefix
	opt.PrefetchValues = false
	it := b.tx.txn.NewIterator(opt)
	defer it.Close()
	var n int
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}

type badgerCursor struct {
	it     *badger.Iterator
	prefix []byte
}

func (c *badgerCursor) current() ([]byte, []byte) {
	if !c.it.ValidForPrefix(c.prefix) {
		return nil, nil
	}
	item := c.it.Item()
	k := item.KeyCopy(nil)[len(c.prefix):]
	v, err := item.ValueCopy(nil)
	if err != nil {
		panic(fmt.Errorf("badger value: %w", err))
	}
	if v == nil {
		v = []byte{}
	}
	return k, v
}

func (c *badgerCursor) First() ([]byte, []byte) {
	c.it.Rewind()
	return c.current()
}

func (c *badgerCursor) Seek(seek []byte) ([]byte, []byte) {
	c.it.Seek(append(slices.Clip(c.prefix), seek...))
	return c.current()
}

func (c *badgerCursor) Next() ([]byte, []byte) {
	c.it.Next()
	return c.current()
}

func (c *badgerCursor) Close() error {
	c.it.Close()
	return nil
}
