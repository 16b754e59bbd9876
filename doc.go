/*
Package kvview maintains a materialized key-value index over a set of
append-only logs, one log per writer.

Every log entry is addressed by its writer id and sequence number; the
compact text form of that address is an ID, writer@seq, with the writer in
hex. A user-supplied Mapper turns each entry into zero or more ops
{key, id, links}. For every key the index keeps the ids that no other op of
the same key links to: linking to an id supersedes it, and ids written
concurrently by different writers without linking to each other are all
kept. Reads resolve the surviving ids back into full entries.

We implement:

1. Batch processing (Index.Map): the mapper runs concurrently over a batch,
and all ops of the batch are applied to the merge store at once, or none.

2. Checkpoints (Index.StoreState, Index.FetchState): an opaque token per
index recording how far the logs have been folded in.

3. Notifications (Index.Indexed, Index.OnUpdateKey, Index.OnUpdate): after a
batch lands, every entry with ops notifies the key of its first op.

4. Reads (Index.Get, Index.ReadStream): point lookups that wait for the index
to catch up, and a lazy scan of the whole index in key order.

5. A driver (Indexer) playing the hosting framework: it chunks new entries
into batches, applies and checkpoints them strictly in order, and resumes from
the last checkpoint after a restart.

# Technical Details

**Storage.**
Index state lives in a Storage: Bolt, Pebble, Badger or memory. Bolt has
native buckets; Pebble and Badger simulate them with key prefixes.

**Merge state.**
Bucket heads maps each key to its comma-joined current ids. Bucket links
records, per key, every id that some op has linked to. An id recorded there
never becomes current again, so ops may arrive in any order and may be
replayed.

**Checkpoint.**
Bucket meta holds the token under "state". Indexer stores a msgpack-encoded
Cursor, the next sequence number to index for every writer.

**Logs.**
Package feed provides logs kept in journal segment files (package journal);
anything implementing LogSource (and Source, for Indexer) works.
*/
package kvview
