package kvview

import (
	"context"
	"maps"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
)

var stateKey = []byte("state")

// Checkpoints persists the single opaque checkpoint token of an index in the
// meta bucket of its storage.
type Checkpoints struct {
	s Storage
}

func NewCheckpoints(s Storage) *Checkpoints {
	return &Checkpoints{s: s}
}

func (c *Checkpoints) Store(ctx context.Context, token []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeTx(c.s, func(tx StorageTx) error {
		meta, err := tx.CreateBucket(metaBucket)
		if err != nil {
			return err
		}
		return meta.Put(stateKey, token)
	})
}

// Fetch returns ok == false if no checkpoint has been stored yet.
func (c *Checkpoints) Fetch(ctx context.Context) (token []byte, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	err = readTx(c.s, func(tx StorageTx) error {
		meta := tx.Bucket(metaBucket)
		if meta == nil {
			return nil
		}
		if v := meta.Get(stateKey); v != nil {
			token, ok = slices.Clone(v), true
		}
		return nil
	})
	return token, ok, err
}

// Cursor is the checkpoint token written by Indexer: for every writer, the
// sequence number of the first entry not yet indexed.
type Cursor map[WriterID]uint64

func (c Cursor) Next(w WriterID) uint64 {
	return c[w]
}

func (c Cursor) Advance(e Entry) {
	if e.Seq+1 > c[e.Writer] {
		c[e.Writer] = e.Seq + 1
	}
}

func (c Cursor) Clone() Cursor {
	if c == nil {
		return make(Cursor)
	}
	return maps.Clone(c)
}

// Writers returns the writers in ascending order.
func (c Cursor) Writers() []WriterID {
	return slices.Sorted(maps.Keys(c))
}

func (c Cursor) Marshal() ([]byte, error) {
	m := make(map[string]uint64, len(c))
	for w, seq := range c {
		m[w.String()] = seq
	}
	return msgpack.Marshal(m)
}

func UnmarshalCursor(data []byte) (Cursor, error) {
	var m map[string]uint64
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, dataErrf(data, 0, err, "invalid checkpoint")
	}
	c := make(Cursor, len(m))
	for s, seq := range m {
		w, err := ParseWriterID(s)
		if err != nil {
			return nil, dataErrf(data, 0, err, "invalid checkpoint")
		}
		c[w] = seq
	}
	return c, nil
}
