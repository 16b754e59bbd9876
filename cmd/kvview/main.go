// Command kvview appends JSON documents to a local writer log and queries the
// key-value index built over all logs in a data directory.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"

	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/kvview"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	dir        string
	backend    string
	writer     string
	maxBatch   int
	verbose    bool
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:           "kvview",
		Short:         "Materialized key-value view over append-only document logs",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "YAML config file (default ./"+defaultConfigFile+" if present)")
	pf.StringVar(&f.dir, "dir", "", "data directory")
	pf.StringVar(&f.backend, "backend", "", "index storage: bolt, pebble, badger or memory")
	pf.StringVar(&f.writer, "writer", "", "name of the local writer to append as")
	pf.IntVar(&f.maxBatch, "max-batch", 0, "entries per indexing batch")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")

	// run opens the data directory, runs fn and closes it again.
	run := func(fn func(ctx context.Context, a *app, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, &f)
			if err != nil {
				return err
			}
			a, err := openApp(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			err = fn(cmd.Context(), a, cmd.OutOrStdout(), args)
			if cerr := a.Close(); err == nil {
				err = cerr
			}
			return err
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "append <json>",
			Short: "Append a JSON document (with \"id\" and optional \"links\") to the local writer",
			Args:  cobra.ExactArgs(1),
			RunE:  run(runAppend),
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print the current versions of a key",
			Args:  cobra.ExactArgs(1),
			RunE:  run(runGet),
		},
		&cobra.Command{
			Use:   "dump",
			Short: "Print every current version of every key",
			Args:  cobra.NoArgs,
			RunE:  run(runDump),
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Print index statistics and the checkpoint",
			Args:  cobra.NoArgs,
			RunE:  run(runStats),
		},
		&cobra.Command{
			Use:   "writers",
			Short: "List writer logs",
			Args:  cobra.NoArgs,
			RunE:  run(runWriters),
		},
	)
	return root
}

func resolveConfig(cmd *cobra.Command, f *flags) (Config, error) {
	path, explicit := f.configPath, true
	if path == "" {
		path, explicit = defaultConfigFile, false
	}
	cfg, err := loadConfig(path, explicit)
	if err != nil {
		return cfg, err
	}
	fs := cmd.Flags()
	if fs.Changed("dir") {
		cfg.Dir = f.dir
	}
	if fs.Changed("backend") {
		cfg.Backend = f.backend
	}
	if fs.Changed("writer") {
		cfg.Writer = f.writer
	}
	if fs.Changed("max-batch") {
		cfg.MaxBatch = f.maxBatch
	}
	if fs.Changed("verbose") {
		cfg.Verbose = f.verbose
	}
	return cfg, cfg.fill()
}

func runAppend(ctx context.Context, a *app, out io.Writer, args []string) error {
	var doc map[string]any
	if err := json.Unmarshal([]byte(args[0]), &doc); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}
	if id, _ := doc["id"].(string); id == "" {
		return fmt.Errorf("document needs a non-empty string \"id\"")
	}
	value, err := msgpack.Marshal(doc)
	if err != nil {
		return err
	}
	// validate links before they hit the log
	if _, err := kvview.DocMapper().Map(ctx, kvview.Entry{Value: value}); err != nil {
		return err
	}

	w, err := a.logs.Writer(a.cfg.Writer)
	if err != nil {
		return err
	}
	seq, err := w.Append(value)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, kvview.ID{Writer: w.Writer(), Seq: seq})
	return nil
}

func runGet(ctx context.Context, a *app, out io.Writer, args []string) error {
	entries, err := a.idx.Get(ctx, args[0])
	if err != nil {
		return err
	}
	slices.SortFunc(entries, func(x, y kvview.Entry) int {
		return x.ID().Compare(y.ID())
	})
	for _, e := range entries {
		fmt.Fprintf(out, "%v\t%s\n", e.ID(), formatValue(e.Value))
	}
	return nil
}

func runDump(ctx context.Context, a *app, out io.Writer, args []string) error {
	if err := a.ix.CatchUp(ctx); err != nil {
		return err
	}
	for rec, err := range a.idx.ReadStream(ctx) {
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%v\t%s\n", rec.Key, rec.Entry.ID(), formatValue(rec.Entry.Value))
	}
	return nil
}

func runStats(ctx context.Context, a *app, out io.Writer, args []string) error {
	if err := a.ix.CatchUp(ctx); err != nil {
		return err
	}
	s, err := a.idx.Dump(ctx, kvview.DumpStats|kvview.DumpCheckpoint)
	if err != nil {
		return err
	}
	_, err = io.WriteString(out, s)
	return err
}

func runWriters(ctx context.Context, a *app, out io.Writer, args []string) error {
	names := make(map[kvview.WriterID]string)
	for name, w := range a.logs.LocalWriters() {
		names[w] = name
	}
	for _, w := range a.logs.Writers() {
		name := names[w]
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(out, "%v\t%s\t%d\n", w, name, a.logs.Len(w))
	}
	return nil
}

// formatValue renders a msgpack document as JSON, or hex if it isn't one.
func formatValue(value []byte) string {
	var v any
	if err := msgpack.Unmarshal(value, &v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}
	return "0x" + hex.EncodeToString(value)
}
