package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/andreyvit/kvview"
	"github.com/andreyvit/kvview/feed"
)

// app is an opened data directory: the writer logs plus one DocMapper index
// over them.
type app struct {
	cfg    Config
	logger *slog.Logger
	logs   *feed.Set
	store  kvview.Storage
	idx    *kvview.Index
	ix     *kvview.Indexer
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func openApp(cfg Config, logw io.Writer) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: newLogger(logw, cfg.Verbose),
	}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.Dir, 0o777); err != nil {
		return nil, err
	}
	var err error
	a.logs, err = feed.OpenSet(filepath.Join(cfg.Dir, "logs"), feed.Options{
		Sync:    cfg.Sync,
		Logger:  a.logger,
		Verbose: cfg.Verbose,
	})
	if err != nil {
		return nil, err
	}

	a.store, err = openStorage(cfg)
	if err != nil {
		return nil, err
	}

	a.idx, err = kvview.New(a.store, a.logs, kvview.DocMapper(), kvview.Options{
		Name:     "docs",
		MaxBatch: cfg.MaxBatch,
		Logger:   a.logger,
		Verbose:  cfg.Verbose,
	})
	if err != nil {
		return nil, err
	}
	a.ix = kvview.NewIndexer(a.logs, a.idx, kvview.IndexerOptions{Logger: a.logger})
	ok = true
	return a, nil
}

func openStorage(cfg Config) (kvview.Storage, error) {
	switch cfg.Backend {
	case backendBolt:
		return kvview.OpenBolt(filepath.Join(cfg.Dir, "index.db"), kvview.BoltOptions{NoSync: !cfg.Sync})
	case backendPebble:
		return kvview.OpenPebble(filepath.Join(cfg.Dir, "index.pebble"), kvview.PebbleOptions{NoSync: !cfg.Sync})
	case backendBadger:
		return kvview.OpenBadger(filepath.Join(cfg.Dir, "index.badger"), kvview.BadgerOptions{NoSync: !cfg.Sync})
	case backendMemory:
		return kvview.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func (a *app) Close() error {
	var errs []error
	if a.ix != nil {
		errs = append(errs, a.ix.Close())
	}
	if a.idx != nil {
		errs = append(errs, a.idx.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}
