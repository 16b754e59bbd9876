package feed

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"gopkg.in/yaml.v3"

	"github.com/andreyvit/kvview"
)

const (
	logsDir      = "logs"
	manifestFile = "writers.yaml"
)

type manifest struct {
	// Local maps writer names to hex ids of the writers this directory may
	// append to.
	Local map[string]string `yaml:"local"`
}

// Set is a directory of writer logs:
//
//	<dir>/writers.yaml       names of local writers
//	<dir>/logs/<hex id>/     one journal per writer
//
// Local writers are opened for appending; any other log directory found
// under logs/ is opened read-only. Set implements kvview.Source.
type Set struct {
	dir    string
	opt    Options
	logger *slog.Logger

	logs    *xsync.MapOf[kvview.WriterID, *Log]
	changes chan struct{}

	mu    sync.Mutex // guards local and opening logs
	local map[string]kvview.WriterID
}

var _ kvview.Source = (*Set)(nil)

// OpenSet opens (creating if needed) the log set rooted at dir.
func OpenSet(dir string, o Options) (*Set, error) {
	o.fill()
	if err := os.MkdirAll(filepath.Join(dir, logsDir), 0o777); err != nil {
		return nil, err
	}
	s := &Set{
		dir:     dir,
		opt:     o,
		logger:  o.Logger,
		logs:    xsync.NewMapOf[kvview.WriterID, *Log](),
		changes: make(chan struct{}, 1),
		local:   make(map[string]kvview.WriterID),
	}
	if err := s.loadManifest(); err != nil {
		return nil, err
	}
	if err := s.Refresh(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Set) loadManifest() error {
	data, err := os.ReadFile(filepath.Join(s.dir, manifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("feed: %s: %w", manifestFile, err)
	}
	for name, hex := range m.Local {
		w, err := kvview.ParseWriterID(hex)
		if err != nil {
			return fmt.Errorf("feed: %s: writer %q: %w", manifestFile, name, err)
		}
		s.local[name] = w
	}
	return nil
}

func (s *Set) saveManifest_locked() error {
	m := manifest{Local: make(map[string]string, len(s.local))}
	for name, w := range s.local {
		m.Local[name] = w.String()
	}
	data, err := yaml.Marshal(&m)
	if err != nil {
		return err
	}
	fn := filepath.Join(s.dir, manifestFile)
	tmp := fn + ".tmp"
	if err := os.WriteFile(tmp, data, 0o666); err != nil {
		return err
	}
	return os.Rename(tmp, fn)
}

func (s *Set) isLocal_locked(w kvview.WriterID) bool {
	for _, lw := range s.local {
		if lw == w {
			return true
		}
	}
	return false
}

// Refresh opens log directories that appeared since the last call and picks
// up entries committed to read-only logs by other processes.
func (s *Set) Refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ents, err := os.ReadDir(filepath.Join(s.dir, logsDir))
	if err != nil {
		return err
	}
	grew := false
	for _, ent := range ents {
		if !ent.IsDir() {
			continue
		}
		w, err := kvview.ParseWriterID(ent.Name())
		if err != nil {
			s.logger.LogAttrs(context.Background(), slog.LevelWarn, "feed: ignoring directory", slog.String("dir", ent.Name()), slog.Any("err", err))
			continue
		}
		if l, ok := s.logs.Load(w); ok {
			if !l.Writable() {
				before := l.Len()
				if err := l.load(); err != nil {
					return err
				}
				grew = grew || l.Len() > before
			}
			continue
		}
		l, err := s.open_locked(w, s.isLocal_locked(w))
		if err != nil {
			return err
		}
		grew = grew || l.Len() > 0
	}
	if grew {
		s.notify()
	}
	return nil
}

func (s *Set) open_locked(w kvview.WriterID, writable bool) (*Log, error) {
	l, err := OpenLog(filepath.Join(s.dir, logsDir, w.String()), w, writable, s.opt)
	if err != nil {
		return nil, err
	}
	l.onAppend = s.notify
	s.logs.Store(w, l)
	return l, nil
}

// Writer returns the local log called name, creating a writer with a fresh
// id the first time the name is used.
func (s *Set) Writer(name string) (*Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.local[name]; ok {
		if l, ok := s.logs.Load(w); ok {
			return l, nil
		}
		return s.open_locked(w, true)
	}

	w := NewWriterID()
	s.local[name] = w
	if err := s.saveManifest_locked(); err != nil {
		delete(s.local, name)
		return nil, err
	}
	if s.opt.Verbose {
		s.logger.LogAttrs(context.Background(), slog.LevelDebug, "feed: new writer", slog.String("name", name), slog.String("writer", w.String()))
	}
	return s.open_locked(w, true)
}

// LocalWriters maps local writer names to their ids.
func (s *Set) LocalWriters() map[string]kvview.WriterID {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]kvview.WriterID, len(s.local))
	for name, w := range s.local {
		result[name] = w
	}
	return result
}

// Log returns the log of w, if known.
func (s *Set) Log(w kvview.WriterID) (*Log, bool) {
	return s.logs.Load(w)
}

// Writers lists every known writer in ascending id order.
func (s *Set) Writers() []kvview.WriterID {
	var result []kvview.WriterID
	s.logs.Range(func(w kvview.WriterID, _ *Log) bool {
		result = append(result, w)
		return true
	})
	slices.Sort(result)
	return result
}

func (s *Set) Len(w kvview.WriterID) uint64 {
	l, ok := s.logs.Load(w)
	if !ok {
		return 0
	}
	return l.Len()
}

func (s *Set) Get(ctx context.Context, w kvview.WriterID, seq uint64) (kvview.Entry, error) {
	l, ok := s.logs.Load(w)
	if !ok {
		return kvview.Entry{}, fmt.Errorf("%w: %v", ErrUnknownWriter, w)
	}
	return l.Get(ctx, seq)
}

// Changes is signalled after every append to a local log and whenever
// Refresh finds new entries. Signals coalesce.
func (s *Set) Changes() <-chan struct{} {
	return s.changes
}

func (s *Set) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Set) Close() error {
	var errs []error
	s.logs.Range(func(w kvview.WriterID, l *Log) bool {
		errs = append(errs, l.Close())
		s.logs.Delete(w)
		return true
	})
	return errors.Join(errs...)
}
