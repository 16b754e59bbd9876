package kvview

import (
	"context"
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpHeader = DumpFlags(1 << iota)
	DumpStats
	DumpKeys
	DumpCheckpoint

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var dumpSep = strings.Repeat("=", 80)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the persisted state of the index for debugging: one line per
// key with its current ids, without resolving them.
func (idx *Index) Dump(ctx context.Context, f DumpFlags) (string, error) {
	var buf strings.Builder
	if f.Contains(DumpHeader) {
		fmt.Fprintln(&buf, dumpSep)
		fmt.Fprintf(&buf, "%s\n", idx.name)
	}
	if f.Contains(DumpStats) {
		st, err := idx.Stats(ctx)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&buf, "%s.stats: keys = %d, heads = %d, retired = %d, handlers = %d, cached = %d\n", idx.name, st.Keys, st.Heads, st.Retired, st.Handlers, st.CachedEntries)
	}
	if f.Contains(DumpCheckpoint) {
		token, ok, err := idx.FetchState(ctx)
		if err != nil {
			return "", err
		}
		if !ok {
			fmt.Fprintf(&buf, "%s.checkpoint: <none>\n", idx.name)
		} else if c, err := UnmarshalCursor(token); err != nil {
			fmt.Fprintf(&buf, "%s.checkpoint: opaque %s\n", idx.name, hexstr(token))
		} else {
			for _, w := range c.Writers() {
				fmt.Fprintf(&buf, "%s.checkpoint: %v next %d\n", idx.name, w, c.Next(w))
			}
		}
	}
	if f.Contains(DumpKeys) {
		err := idx.merge.Scan(ctx, func(key string, ids []ID) error {
			fmt.Fprintf(&buf, "%q = %s\n", key, formatIDList(ids))
			return nil
		})
		if err != nil {
			return "", storeErrf("scan", "", err)
		}
	}
	return buf.String(), nil
}
