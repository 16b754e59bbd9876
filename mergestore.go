package kvview

import (
	"context"
	"encoding/binary"
	"errors"
)

// MergeStore keeps, per key, the set of ids that are not causally superseded
// by a link from another op of the same key.
type MergeStore interface {
	// Batch applies ops atomically. Applying the same op again is a no-op.
	Batch(ctx context.Context, ops []Op) error

	// Get returns the current ids of key, or nil if the key is absent.
	Get(ctx context.Context, key string) ([]ID, error)

	// Scan calls fn for every key in lexicographic order. Returning an error
	// from fn stops the scan and returns that error.
	Scan(ctx context.Context, fn func(key string, ids []ID) error) error
}

const (
	headsBucket = "heads"
	linksBucket = "links"
	metaBucket  = "meta"
)

var linkMarker = []byte{1}

// KVMergeStore is a MergeStore kept in two buckets of a Storage:
//
//	heads: key -> comma-joined current ids
//	links: len(key) key id -> marker, for every id some op of key links to
//
// Once linked, an id never becomes current for that key again, no matter the
// order in which the linking and the linked ops arrive.
type KVMergeStore struct {
	s Storage
}

var _ MergeStore = (*KVMergeStore)(nil)

func NewMergeStore(s Storage) *KVMergeStore {
	return &KVMergeStore{s: s}
}

func linkKey(key string, id ID) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(key)+len(id.Writer)*2+21)
	buf = binary.AppendUvarint(buf, uint64(len(key)))
	buf = append(buf, key...)
	return id.AppendText(buf)
}

func (m *KVMergeStore) Batch(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeTx(m.s, func(tx StorageTx) error {
		heads, err := tx.CreateBucket(headsBucket)
		if err != nil {
			return err
		}
		links, err := tx.CreateBucket(linksBucket)
		if err != nil {
			return err
		}

		// Links first, so that ops of the same batch retire each other
		// regardless of their order.
		var keys []string
		added := make(map[string][]ID)
		for _, op := range ops {
			for _, l := range op.Links {
				if err := links.Put(linkKey(op.Key, l), linkMarker); err != nil {
					return err
				}
			}
			if _, found := added[op.Key]; !found {
				keys = append(keys, op.Key)
			}
			added[op.Key] = append(added[op.Key], op.ID)
		}

		for _, key := range keys {
			kb := []byte(key)
			cur, err := parseIDList(heads.Get(kb))
			if err != nil {
				return err
			}
			next := make([]ID, 0, len(cur)+len(added[key]))
			for _, id := range cur {
				if links.Get(linkKey(key, id)) == nil {
					next = append(next, id)
				}
			}
			for _, id := range added[key] {
				if links.Get(linkKey(key, id)) == nil && !containsID(next, id) {
					next = append(next, id)
				}
			}
			if len(next) == 0 {
				err = heads.Delete(kb)
			} else {
				err = heads.Put(kb, formatIDList(next))
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *KVMergeStore) Get(ctx context.Context, key string) ([]ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []ID
	err := readTx(m.s, func(tx StorageTx) error {
		heads := tx.Bucket(headsBucket)
		if heads == nil {
			return nil
		}
		var err error
		ids, err = parseIDList(heads.Get([]byte(key)))
		return err
	})
	return ids, err
}

var errStopScan = errors.New("stop scan")

func (m *KVMergeStore) Scan(ctx context.Context, fn func(key string, ids []ID) error) error {
	return readTx(m.s, func(tx StorageTx) error {
		heads := tx.Bucket(headsBucket)
		if heads == nil {
			return nil
		}
		c := heads.Cursor()
		defer c.Close()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			ids, err := parseIDList(v)
			if err != nil {
				return err
			}
			if err := fn(string(k), ids); err != nil {
				return err
			}
		}
		return nil
	})
}

// MergeStats describes the persisted merge state.
type MergeStats struct {
	Keys    int
	Heads   int
	Retired int
}

func (m *KVMergeStore) Stats(ctx context.Context) (MergeStats, error) {
	var st MergeStats
	err := m.Scan(ctx, func(key string, ids []ID) error {
		st.Keys++
		st.Heads += len(ids)
		return nil
	})
	if err != nil {
		return st, err
	}
	err = readTx(m.s, func(tx StorageTx) error {
		if links := tx.Bucket(linksBucket); links != nil {
			st.Retired = links.KeyCount()
		}
		return nil
	})
	return st, err
}
