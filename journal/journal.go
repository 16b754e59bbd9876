// Package journal implements append-only segmented log files.
//
// Features:
//
//  1. Records of any size, from empty to very long. Several records can be
//     grouped into one commit with an 8-byte overhead per commit.
//
//  2. Crash resistance. Every commit carries a running xxhash checksum of the
//     segment so far; readers only see committed records, and StartWriting
//     cuts off whatever follows the last valid commit.
//
//  3. Rotation: a new segment file starts once the current one grows past
//     MaxFileSize.
//
//  4. Segment file naming, ordering and lookup.
//
// # File format
//
//   - segment = segmentHeader (record* commit)*
//   - segmentHeader = magic:64 version:8 pad:8 flags:16 pad:32 ordinal:32 timestamp:32 prevChecksum:64 journalInvariant:256 segmentInvariant:256 reserved:192 checksum:64
//   - record = (size << 1):uvarint timestampDelta:uvarint data
//   - commit = checksum:64 with the lowest bit set
//
// The lowest bit of the first byte tells a commit from a record header.
//
// Segment files are named <prefix><ordinal>-<timestamp>-<first record id><suffix>,
// where record ids count records across the whole journal starting from 1.
package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible       = fmt.Errorf("incompatible journal")
	ErrUnsupportedVersion = fmt.Errorf("unsupported journal version")
	ErrCorrupted          = fmt.Errorf("corrupted journal")
	ErrReadOnly           = fmt.Errorf("journal is not writable")
	ErrClosed             = fmt.Errorf("journal is closed")
	errCorruptedFile      = fmt.Errorf("corrupted journal segment file")
)

type Options struct {
	Context          context.Context
	FileName         string // e.g. "mydb-*.bin"
	MaxFileSize      int64  // new segment after this size
	DebugName        string
	Now              func() time.Time
	JournalInvariant [32]byte
	SegmentInvariant [32]byte

	// Sync makes every Commit wait for the data to reach the disk.
	Sync bool

	Logger  *slog.Logger
	Verbose bool
}

const DefaultMaxFileSize = 4 * 1024 * 1024

const (
	magic          = 0x54414c4e52554f4a // "JOURNLAT" as little-endian uint64
	version0 uint8 = 0
)

const segmentHeaderSize = 16 * 8

type segmentHeader struct {
	Magic            uint64
	Version          uint8
	_                uint8
	Flags            uint16
	_                uint32
	SegmentOrdinal   uint32
	Timestamp        uint32
	PrevChecksum     uint64
	JournalInvariant [32]byte
	SegmentInvariant [32]byte
	_                [3]uint64
	Checksum         uint64
}

const (
	recordFlagCommit byte = 1
	recordFlagShift       = 1
	timestampFmt          = "20060102T150405"
)

// Pos locates the data of a committed record.
type Pos struct {
	Segment uint32
	Offset  int64
	Size    int
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d+%d", p.Segment, p.Offset, p.Size)
}

// Record is a committed record read back from the journal.
type Record struct {
	ID        uint64
	Timestamp uint32
	Pos
	Data []byte
}

// Journal represents a set of segment files in one directory.
type Journal struct {
	context          context.Context
	maxFileSize      int64
	fileNamePrefix   string
	fileNameSuffix   string
	debugName        string
	dir              string
	now              func() time.Time
	logger           *slog.Logger
	sync             bool
	verbose          bool
	journalInvariant [32]byte
	segmentInvariant [32]byte

	writeLock sync.Mutex
	writable  bool
	writeErr  error
	writeSeg  uint32
	writeRec  uint64
	segWriter *segmentWriter

	readLock sync.Mutex
	readers  map[uint32]*os.File
	closed   bool
}

func New(dir string, o Options) *Journal {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.FileName == "" {
		o.FileName = "*"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Journal{
		context:          o.Context,
		maxFileSize:      o.MaxFileSize,
		fileNamePrefix:   prefix,
		fileNameSuffix:   suffix,
		debugName:        o.DebugName,
		dir:              dir,
		now:              o.Now,
		sync:             o.Sync,
		verbose:          o.Verbose,
		journalInvariant: o.JournalInvariant,
		segmentInvariant: o.SegmentInvariant,
		logger:           o.Logger,
		readers:          make(map[uint32]*os.File),
	}
}

func (j *Journal) Now() uint32 {
	v := j.now().Unix()
	if v < 0 {
		panic("time travel disallowed")
	}
	u := uint64(v)
	if u&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed both ways")
	}
	return uint32(u)
}

func (j *Journal) String() string {
	return j.debugName
}

// StartWriting prepares the journal for appending: it cuts off any
// uncommitted or corrupted tail of the last segment and positions the record
// counter after the last committed record. Writes go to a fresh segment.
func (j *Journal) StartWriting() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.writeErr != nil {
		return j.writeErr
	}
	if j.writable {
		return nil
	}
	if err := j.prepareToWrite_locked(); err != nil {
		return j.fail(err)
	}
	j.writable = true
	return nil
}

func (j *Journal) prepareToWrite_locked() error {
	ds, err := os.Stat(j.dir)
	if err != nil {
		return err
	}
	if !ds.IsDir() {
		return fmt.Errorf("%v: not a directory", j.debugName)
	}

	segs, err := j.listSegments()
	if err != nil {
		return err
	}

	for len(segs) > 0 {
		last := segs[len(segs)-1]
		segs = segs[:len(segs)-1]

		f, err := j.openFile(last.name, true)
		if err != nil {
			return err
		}
		stat, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}

		res, err := j.scanSegment(f, last, nil)
		if err == errCorruptedFile && res.end == 0 {
			f.Close()
			j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: deleting corrupted file", slog.String("jrnl", j.debugName), slog.String("file", last.name), slog.Int64("size", stat.Size()))
			if err := os.Remove(filepath.Join(j.dir, last.name)); err != nil {
				return fmt.Errorf("journal: failed to delete corrupted file: %w", err)
			}
			continue
		} else if err != nil && err != errCorruptedFile {
			f.Close()
			return err
		}

		if res.count == 0 {
			f.Close()
			if err := os.Remove(filepath.Join(j.dir, last.name)); err != nil {
				return err
			}
			j.writeSeg = last.seq - 1
			j.writeRec = last.firstRec - 1
			return nil
		}

		if res.end < stat.Size() {
			j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: truncating uncommitted tail", slog.String("jrnl", j.debugName), slog.String("file", last.name), slog.Int64("size", stat.Size()), slog.Int64("committed", res.end))
			if err := f.Truncate(res.end); err != nil {
				f.Close()
				return err
			}
		}
		j.writeSeg = last.seq
		j.writeRec = last.firstRec + uint64(res.count) - 1
		return f.Close()
	}
	j.writeSeg = 0
	j.writeRec = 0
	return nil
}

// FinishWriting closes the current segment. Uncommitted records are left
// in the file and dropped by the next StartWriting.
func (j *Journal) FinishWriting() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	j.finishWriting_locked()
	return j.writeErr
}

func (j *Journal) finishWriting_locked() {
	j.writable = false
	if j.segWriter != nil {
		j.segWriter.close()
		j.segWriter = nil
	}
}

func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}

	j.logger.LogAttrs(j.context, slog.LevelError, "journal: failed", slog.String("jrnl", j.debugName), slog.Any("err", err))

	j.finishWriting_locked()

	if j.writeErr == nil {
		j.writeErr = err
	}
	return err
}

func (j *Journal) openFile(name string, writable bool) (*os.File, error) {
	fn := filepath.Join(j.dir, name)
	if writable {
		return os.OpenFile(fn, os.O_RDWR, 0)
	} else {
		return os.Open(fn)
	}
}

func (j *Journal) createFile(name string) (*os.File, error) {
	return os.OpenFile(filepath.Join(j.dir, name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
}

type segmentFile struct {
	name     string
	seq      uint32
	ts       uint32
	firstRec uint64
}

// listSegments returns the segment files in ordinal order.
func (j *Journal) listSegments() ([]segmentFile, error) {
	ents, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	var segs []segmentFile
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		core, ok := strings.CutPrefix(name, j.fileNamePrefix)
		if !ok {
			continue
		}
		core, ok = strings.CutSuffix(core, j.fileNameSuffix)
		if !ok {
			continue
		}
		seg, err := parseSegmentFile(name, core)
		if err != nil {
			j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: ignoring file", slog.String("jrnl", j.debugName), slog.String("file", name), slog.Any("err", err))
			continue
		}
		segs = append(segs, seg)
	}
	// os.ReadDir sorts by name, and ordinals are zero-padded
	return segs, nil
}

// WriteRecord appends a record to the current segment, starting a new one
// if needed. The record becomes visible to readers after Commit.
func (j *Journal) WriteRecord(timestamp uint32, data []byte) (Pos, error) {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()

	if j.writeErr != nil {
		return Pos{}, j.writeErr
	}
	if !j.writable {
		return Pos{}, ErrReadOnly
	}

	if timestamp == 0 {
		timestamp = j.Now()
	}

	if j.segWriter == nil {
		sw, err := startSegment(j, j.writeSeg+1, timestamp, j.writeRec+1)
		if err != nil {
			return Pos{}, j.fail(err)
		}
		j.writeSeg++
		j.segWriter = sw
		if j.verbose {
			j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: new segment", slog.String("jrnl", j.debugName), slog.Uint64("seg", uint64(j.writeSeg)), slog.Uint64("rec", j.writeRec+1))
		}
	}

	off, err := j.segWriter.writeRecord(timestamp, data)
	if err != nil {
		return Pos{}, j.fail(err)
	}
	j.writeRec++
	return Pos{Segment: j.writeSeg, Offset: off, Size: len(data)}, nil
}

// Commit makes the records written so far durable and visible.
func (j *Journal) Commit() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.writeErr != nil {
		return j.writeErr
	}
	sw := j.segWriter
	if sw == nil {
		return nil
	}
	if err := sw.commit(); err != nil {
		return j.fail(err)
	}
	if j.sync {
		if err := fdatasync(sw.f); err != nil {
			return j.fail(err)
		}
	}
	if sw.size >= j.maxFileSize {
		sw.close()
		j.segWriter = nil
	}
	return nil
}

// LastID is the id of the last record written, zero if none.
func (j *Journal) LastID() uint64 {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	return j.writeRec
}

func (j *Journal) readHeader(buf []byte, h *segmentHeader, expectedSeq uint32) error {
	n, err := binary.Decode(buf[:segmentHeaderSize], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}

	checksum := xxhash.Sum64(buf[:segmentHeaderSize-8])
	if checksum != h.Checksum || h.Magic != magic {
		return errCorruptedFile
	}
	if expectedSeq != h.SegmentOrdinal {
		return errCorruptedFile
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.JournalInvariant != j.journalInvariant {
		return ErrIncompatible
	}
	if h.Flags != 0 {
		// no flags are defined yet
		return ErrIncompatible
	}

	return nil
}

type scanResult struct {
	end   int64 // offset just past the last valid commit, 0 if the header is bad
	count int   // committed records
}

// scanSegment reads committed records of one segment, handing them to emit
// (which may be nil) one commit at a time. It returns errCorruptedFile along
// with the valid prefix when it finds garbage; a torn tail is not an error.
func (j *Journal) scanSegment(f *os.File, seg segmentFile, emit func(Record) bool) (scanResult, error) {
	var res scanResult
	stat, err := f.Stat()
	if err != nil {
		return res, err
	}
	size := stat.Size()

	r := bufio.NewReaderSize(f, 64*1024)
	var hbuf [segmentHeaderSize]byte
	_, err = io.ReadFull(r, hbuf[:])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return res, errCorruptedFile
	} else if err != nil {
		return res, err
	}
	var h segmentHeader
	if err := j.readHeader(hbuf[:], &h, seg.seq); err != nil {
		return res, err
	}

	var hash xxhash.Digest
	hash.Reset()
	hash.Write(hbuf[:])

	off := int64(segmentHeaderSize)
	res.end = off
	ts := h.Timestamp
	var pending []Record
	var vbuf [2 * binary.MaxVarintLen64]byte
	for {
		first, err := r.Peek(1)
		if err == io.EOF {
			return res, nil
		} else if err != nil {
			return res, err
		}

		if first[0]&recordFlagCommit != 0 {
			var tbuf, expected [8]byte
			if _, err := io.ReadFull(r, tbuf[:]); err != nil {
				return res, tornOrErr(err)
			}
			binary.LittleEndian.PutUint64(expected[:], hash.Sum64())
			expected[0] |= recordFlagCommit
			if tbuf != expected {
				return res, errCorruptedFile
			}
			hash.Write(tbuf[:])
			off += 8
			res.end = off
			for _, rec := range pending {
				res.count++
				if emit != nil && !emit(rec) {
					return res, errStop
				}
			}
			pending = pending[:0]
			continue
		}

		sizeAndFlags, err := binary.ReadUvarint(r)
		if err != nil {
			return res, tornOrErr(err)
		}
		tsDelta, err := binary.ReadUvarint(r)
		if err != nil {
			return res, tornOrErr(err)
		}
		hdr := binary.AppendUvarint(vbuf[:0], sizeAndFlags)
		hdr = binary.AppendUvarint(hdr, tsDelta)
		off += int64(len(hdr))

		n := int64(sizeAndFlags >> recordFlagShift)
		if n > size-off || tsDelta > 0xFFFF_FFFF {
			// either torn or garbage; the checksum can't tell without the data
			return res, nil
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return res, tornOrErr(err)
		}
		hash.Write(hdr)
		hash.Write(data)
		ts += uint32(tsDelta)

		pending = append(pending, Record{
			ID:        seg.firstRec + uint64(res.count+len(pending)),
			Timestamp: ts,
			Pos:       Pos{Segment: seg.seq, Offset: off, Size: int(n)},
			Data:      data,
		})
		off += n
	}
}

var errStop = errors.New("stop")

func tornOrErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil
	}
	return err
}

// Records iterates over all committed records in order. Corruption anywhere
// but the tail of the last segment is reported as ErrCorrupted.
func (j *Journal) Records() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		segs, err := j.listSegments()
		if err != nil {
			yield(Record{}, err)
			return
		}
		var nextRec uint64
		for i, seg := range segs {
			if err := j.context.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			if nextRec != 0 && seg.firstRec != nextRec {
				yield(Record{}, fmt.Errorf("%w: %s starts at record %d, expected %d", ErrCorrupted, seg.name, seg.firstRec, nextRec))
				return
			}
			f, err := j.openFile(seg.name, false)
			if err != nil {
				yield(Record{}, err)
				return
			}
			stopped := false
			res, err := j.scanSegment(f, seg, func(rec Record) bool {
				if !yield(rec, nil) {
					stopped = true
					return false
				}
				return true
			})
			f.Close()
			if stopped {
				return
			}
			isLast := i == len(segs)-1
			if err == errCorruptedFile {
				if !isLast || res.end == 0 {
					yield(Record{}, fmt.Errorf("%w: %s at offset %d", ErrCorrupted, seg.name, res.end))
					return
				}
				j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: corrupted tail", slog.String("jrnl", j.debugName), slog.String("file", seg.name), slog.Int64("committed", res.end))
			} else if err != nil {
				yield(Record{}, err)
				return
			}
			nextRec = seg.firstRec + uint64(res.count)
		}
	}
}

// ReadAt reads the data of a committed record. Safe for concurrent use.
func (j *Journal) ReadAt(pos Pos) ([]byte, error) {
	f, err := j.reader(pos.Segment)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, pos.Size)
	if _, err := f.ReadAt(buf, pos.Offset); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%v: reading %v: %w", j.debugName, pos, err)
	}
	return buf, nil
}

func (j *Journal) reader(seq uint32) (*os.File, error) {
	j.readLock.Lock()
	defer j.readLock.Unlock()
	if j.closed {
		return nil, ErrClosed
	}
	if f := j.readers[seq]; f != nil {
		return f, nil
	}
	segs, err := j.listSegments()
	if err != nil {
		return nil, err
	}
	for _, seg := range segs {
		if seg.seq == seq {
			f, err := j.openFile(seg.name, false)
			if err != nil {
				return nil, err
			}
			j.readers[seq] = f
			return f, nil
		}
	}
	return nil, fmt.Errorf("%v: segment %d: %w", j.debugName, seq, os.ErrNotExist)
}

// Close finishes writing and releases read handles.
func (j *Journal) Close() error {
	err := j.FinishWriting()
	j.readLock.Lock()
	defer j.readLock.Unlock()
	j.closed = true
	for seq, f := range j.readers {
		f.Close()
		delete(j.readers, seq)
	}
	return err
}

type segmentWriter struct {
	f           *os.File
	seg         uint32
	ts          uint32
	size        int64
	hash        xxhash.Digest
	uncommitted bool
}

func startSegment(j *Journal, seg, ts uint32, rec uint64) (*segmentWriter, error) {
	name := segmentFile{seq: seg, ts: ts, firstRec: rec}.fileName(j.fileNamePrefix, j.fileNameSuffix)

	f, err := j.createFile(name)
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	sw := &segmentWriter{
		f:    f,
		seg:  seg,
		ts:   ts,
		size: segmentHeaderSize,
	}
	sw.hash.Reset()

	hbuf := j.encodeHeader(seg, ts)
	sw.hash.Write(hbuf[:])
	if _, err := f.Write(hbuf[:]); err != nil {
		return nil, err
	}

	ok = true
	return sw, nil
}

const maxRecHeaderLen = 2 * binary.MaxVarintLen64

// writeRecord returns the offset of data within the segment.
func (sw *segmentWriter) writeRecord(ts uint32, data []byte) (int64, error) {
	var tsDelta uint32
	if ts > sw.ts {
		tsDelta = ts - sw.ts
		sw.ts = ts
	}
	sw.uncommitted = true

	var hbuf [maxRecHeaderLen]byte
	h := appendRecordHeader(hbuf[:0], len(data), tsDelta)

	sw.hash.Write(h)
	_, err := sw.f.Write(h)
	if err != nil {
		return 0, err
	}
	sw.size += int64(len(h))
	off := sw.size

	sw.hash.Write(data)
	_, err = sw.f.Write(data)
	if err != nil {
		return 0, err
	}
	sw.size += int64(len(data))

	return off, nil
}

func (sw *segmentWriter) commit() error {
	if !sw.uncommitted {
		return nil
	}
	sw.uncommitted = false

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], sw.hash.Sum64())
	buf[0] |= recordFlagCommit

	sw.hash.Write(buf[:])
	_, err := sw.f.Write(buf[:])
	if err != nil {
		return err
	}
	sw.size += 8

	return nil
}

func (sw *segmentWriter) close() {
	if sw.f == nil {
		return
	}
	sw.f.Close()
	sw.f = nil
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

// encodeHeader builds the header of a new segment, checksum included.
func (j *Journal) encodeHeader(seg, ts uint32) [segmentHeaderSize]byte {
	var buf [segmentHeaderSize]byte
	_, err := binary.Encode(buf[:], binary.LittleEndian, segmentHeader{
		Magic:            magic,
		Version:          version0,
		SegmentOrdinal:   seg,
		Timestamp:        ts,
		JournalInvariant: j.journalInvariant,
		SegmentInvariant: j.segmentInvariant,
	})
	if err != nil {
		panic(err)
	}
	sum := xxhash.Sum64(buf[:segmentHeaderSize-8])
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], sum)
	return buf
}

func appendRecordHeader(b []byte, size int, tsDelta uint32) []byte {
	b = binary.AppendUvarint(b, uint64(size)<<recordFlagShift)
	b = binary.AppendUvarint(b, uint64(tsDelta))
	return b
}

func (s segmentFile) fileName(prefix, suffix string) string {
	created := time.Unix(int64(s.ts), 0).UTC().Format(timestampFmt)
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, s.seq, created, s.firstRec, suffix)
}

// parseSegmentFile parses core, the part of a file name between the
// configured prefix and suffix.
func parseSegmentFile(name, core string) (segmentFile, error) {
	parts := strings.Split(core, "-")
	if len(parts) != 3 {
		return segmentFile{}, fmt.Errorf("invalid segment file name %q", name)
	}
	seq, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil || seq == 0 {
		return segmentFile{}, fmt.Errorf("invalid segment file name %q: bad ordinal", name)
	}
	created, err := time.ParseInLocation(timestampFmt, parts[1], time.UTC)
	if err != nil {
		return segmentFile{}, fmt.Errorf("invalid segment file name %q: bad timestamp", name)
	}
	firstRec, err := strconv.ParseUint(parts[2], 16, 64)
	if err != nil || firstRec == 0 {
		return segmentFile{}, fmt.Errorf("invalid segment file name %q: bad record id", name)
	}
	return segmentFile{
		name:     name,
		seq:      uint32(seq),
		ts:       uint32(created.Unix()),
		firstRec: firstRec,
	}, nil
}
