package kvview

import "errors"

var (
	errStorageClosed = errors.New("kvview: storage closed")
	errTxReadOnly    = errors.New("kvview: tx not writable")
)

// Storage is the key-value backend holding the index state (Bolt, in-memory,
// Pebble, Badger).
type Storage interface {
	// BeginTx starts a new transaction. Only one writable transaction is
	// active at a time.
	BeginTx(writable bool) (StorageTx, error)
	// Close closes the storage.
	Close() error
}

// StorageTx is a storage transaction. Writes become visible atomically on
// Commit.
type StorageTx interface {
	Writable() bool

	// Bucket returns nil if the bucket doesn't exist.
	Bucket(name string) Bucket

	// CreateBucket creates a bucket if it doesn't exist.
	CreateBucket(name string) (Bucket, error)

	Commit() error

	// Rollback aborts the transaction. It is safe to call after Commit and
	// multiple times.
	Rollback() error
}

// Bucket is a sorted key-value namespace.
type Bucket interface {
	// Get returns nil if the key is absent. The returned slice is only valid
	// until the end of the transaction.
	Get(key []byte) []byte

	Put(key, value []byte) error

	Delete(key []byte) error

	Cursor() Cursor

	// KeyCount returns the number of keys in the bucket (best effort).
	KeyCount() int
}

// Cursor iterates over a bucket in key order. A nil key means the cursor is
// exhausted. Returned slices may be reused once the cursor moves.
type Cursor interface {
	First() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	Next() (key, value []byte)

	// Close releases backend resources. Bolt and in-memory cursors need none.
	Close() error
}

func readTx(s Storage, f func(tx StorageTx) error) error {
	tx, err := s.BeginTx(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return f(tx)
}

func writeTx(s Storage, f func(tx StorageTx) error) error {
	tx, err := s.BeginTx(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	err = f(tx)
	if err != nil {
		return err
	}
	return tx.Commit()
}
