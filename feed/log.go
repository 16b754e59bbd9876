// Package feed stores writer logs on disk, one journal per writer, and
// serves them to kvview indexes.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andreyvit/kvview"
	"github.com/andreyvit/kvview/journal"
)

var (
	ErrNotFound      = errors.New("feed: no such entry")
	ErrUnknownWriter = errors.New("feed: unknown writer")
	ErrNotLocal      = errors.New("feed: writer is not local")
)

type Options struct {
	// MaxFileSize is passed on to every journal.
	MaxFileSize int64

	// Sync makes every append durable before it returns.
	Sync bool

	Now     func() time.Time
	Logger  *slog.Logger
	Verbose bool
}

func (o *Options) fill() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// NewWriterID mints a random 16-byte writer id.
func NewWriterID() kvview.WriterID {
	u := uuid.New()
	return kvview.WriterIDFromBytes(u[:])
}

// Log is the log of one writer: the records of its journal, numbered from 0.
type Log struct {
	writer   kvview.WriterID
	dir      string
	j        *journal.Journal
	logger   *slog.Logger
	writable bool

	mu        sync.RWMutex
	positions []journal.Pos

	onAppend func()
}

const journalFileName = "log-*.wal"

// OpenLog opens (creating if needed) the log of w kept in dir. Only a
// writable log accepts Append.
func OpenLog(dir string, w kvview.WriterID, writable bool, o Options) (*Log, error) {
	o.fill()
	if writable {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return nil, err
		}
	}
	l := &Log{
		writer:   w,
		dir:      dir,
		logger:   o.Logger,
		writable: writable,
	}
	l.j = journal.New(dir, journal.Options{
		FileName:    journalFileName,
		MaxFileSize: o.MaxFileSize,
		DebugName:   "feed:" + w.String(),
		Now:         o.Now,
		Sync:        o.Sync,
		Logger:      o.Logger,
		Verbose:     o.Verbose,
	})
	if writable {
		if err := l.j.StartWriting(); err != nil {
			return nil, fmt.Errorf("feed %v: %w", w, err)
		}
	}
	if err := l.load(); err != nil {
		l.j.Close()
		return nil, err
	}
	return l, nil
}

// load picks up records committed since the last load.
func (l *Log) load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	known := uint64(len(l.positions))
	for rec, err := range l.j.Records() {
		if err != nil {
			return fmt.Errorf("feed %v: %w", l.writer, err)
		}
		if rec.ID <= known {
			continue
		}
		if rec.ID != uint64(len(l.positions))+1 {
			return fmt.Errorf("feed %v: %w: record %d follows %d", l.writer, journal.ErrCorrupted, rec.ID, len(l.positions))
		}
		l.positions = append(l.positions, rec.Pos)
	}
	return nil
}

func (l *Log) Writer() kvview.WriterID {
	return l.writer
}

func (l *Log) Writable() bool {
	return l.writable
}

// Len is the number of entries; the next Append gets seq Len().
func (l *Log) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.positions))
}

// Append adds value as the next entry and returns its sequence number.
func (l *Log) Append(value []byte) (uint64, error) {
	if !l.writable {
		return 0, fmt.Errorf("%w: %v", ErrNotLocal, l.writer)
	}
	l.mu.Lock()
	pos, err := l.j.WriteRecord(0, value)
	if err == nil {
		err = l.j.Commit()
	}
	if err != nil {
		l.mu.Unlock()
		return 0, fmt.Errorf("feed %v: append: %w", l.writer, err)
	}
	seq := uint64(len(l.positions))
	l.positions = append(l.positions, pos)
	onAppend := l.onAppend
	l.mu.Unlock()

	if onAppend != nil {
		onAppend()
	}
	return seq, nil
}

// Get reads entry seq back.
func (l *Log) Get(ctx context.Context, seq uint64) (kvview.Entry, error) {
	if err := ctx.Err(); err != nil {
		return kvview.Entry{}, err
	}
	l.mu.RLock()
	if seq >= uint64(len(l.positions)) {
		l.mu.RUnlock()
		return kvview.Entry{}, fmt.Errorf("%w: %v", ErrNotFound, kvview.ID{Writer: l.writer, Seq: seq})
	}
	pos := l.positions[seq]
	l.mu.RUnlock()

	data, err := l.j.ReadAt(pos)
	if err != nil {
		return kvview.Entry{}, fmt.Errorf("feed %v: %w", l.writer, err)
	}
	return kvview.Entry{Writer: l.writer, Seq: seq, Value: data}, nil
}

func (l *Log) Close() error {
	return l.j.Close()
}
