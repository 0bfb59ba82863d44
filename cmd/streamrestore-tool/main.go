// Command streamrestore-tool inspects and edits the stream restore databases
// while the daemon is stopped.
//
// Usage:
//
//	streamrestore-tool [-config file] [-state-dir dir] <command> [args]
//
// Commands:
//
//	dump                     print every entry as JSON
//	import [-mode m] [file]  write entries read from file (or stdin)
//	delete name...           delete entries by name
//	clean                    drop undecodable entries, convert legacy ones
//	backup                   write one snapshot to the backup directory
//	restore file             replace the databases with a snapshot
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/micro-nova/streamrestore-go/internal/config"
	"github.com/micro-nova/streamrestore-go/internal/database"
	"github.com/micro-nova/streamrestore-go/internal/logging"
	"github.com/micro-nova/streamrestore-go/internal/maintenance"
	"github.com/micro-nova/streamrestore-go/internal/models"
	"github.com/micro-nova/streamrestore-go/internal/restore"
)

var errUsage = errors.New("usage: streamrestore-tool [-config file] [-state-dir dir] [-debug] dump|import|delete|clean|backup|restore [args]")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// tool holds the opened databases for one command.
type tool struct {
	cfg     config.Config
	entries *database.Cache
	routes  *database.Cache
	logger  *zap.SugaredLogger
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("streamrestore-tool", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "YAML config file")
	stateDir := fs.String("state-dir", "", "state directory (overrides state_dir)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errUsage
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	logger, err := logging.New(*debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	overrides := map[string]any{}
	if *stateDir != "" {
		overrides["state_dir"] = *stateDir
	}
	mgr, err := config.Load(*cfgPath, overrides, logger)
	if err != nil {
		return err
	}

	t := &tool{cfg: mgr.Current(), logger: logger}
	if err := os.MkdirAll(t.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if t.entries, err = database.Open(ctx, t.cfg.Database, database.StreamVolumes); err != nil {
		return fmt.Errorf("open %s: %w", database.StreamVolumes, err)
	}
	defer t.entries.Close()
	if t.routes, err = database.Open(ctx, t.cfg.Database, database.RouteVolumes); err != nil {
		return fmt.Errorf("open %s: %w", database.RouteVolumes, err)
	}
	defer t.routes.Close()

	switch cmd {
	case "dump":
		return t.dump(stdout)
	case "import":
		return t.importEntries(ctx, rest, stdin)
	case "delete":
		return t.delete(rest)
	case "clean":
		return t.clean(stdout)
	case "backup":
		return t.backup(ctx, stdout)
	case "restore":
		return t.restore(rest)
	}
	return fmt.Errorf("unknown command %q\n%w", cmd, errUsage)
}

// openStore loads the entry store without an audio server. Tables are not
// loaded so the databases only change as the command asks.
func (t *tool) openStore() (*restore.Store, error) {
	return restore.New(restore.Options{
		Entries:      t.entries,
		Routes:       t.routes,
		Logger:       t.logger,
		Flags:        t.cfg.Restore.Flags,
		SaveInterval: t.cfg.Restore.SaveInterval,
	})
}

func (t *tool) dump(w io.Writer) error {
	store, err := t.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(store.Read())
}

func (t *tool) importEntries(ctx context.Context, args []string, stdin io.Reader) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	modeName := fs.String("mode", "merge", "update mode: merge, replace or set")
	if err := fs.Parse(args); err != nil {
		return err
	}
	mode, err := models.ParseUpdateMode(*modeName)
	if err != nil {
		return err
	}

	in := stdin
	if fs.NArg() > 0 && fs.Arg(0) != "-" {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	var infos []models.EntryInfo
	if err := json.NewDecoder(in).Decode(&infos); err != nil {
		return fmt.Errorf("decode entries: %w", err)
	}

	store, err := t.openStore()
	if err != nil {
		return err
	}
	if err := store.Write(ctx, mode, false, infos); err != nil {
		_ = store.Close()
		return err
	}
	t.logger.Infow("imported entries", "count", len(infos), "mode", mode.String())
	return store.Close()
}

func (t *tool) delete(names []string) error {
	if len(names) == 0 {
		return errors.New("delete: no entry names given")
	}
	store, err := t.openStore()
	if err != nil {
		return err
	}
	if err := store.Delete(names); err != nil {
		_ = store.Close()
		return err
	}
	return store.Close()
}

func (t *tool) clean(w io.Writer) error {
	converted, removed := restore.CleanDatabase(t.entries, t.logger)
	if err := t.entries.Sync(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "converted %d, removed %d\n", converted, removed)
	return err
}

func (t *tool) backup(ctx context.Context, w io.Writer) error {
	svc := maintenance.New(maintenance.Options{
		Dir:  t.cfg.Backup.Dir,
		Keep: t.cfg.Backup.Keep,
		Sources: map[string]maintenance.Source{
			database.StreamVolumes: t.entries,
			database.RouteVolumes:  t.routes,
		},
		Logger: t.logger,
	})
	path, err := svc.RunBackupNow(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, path)
	return err
}

func (t *tool) restore(args []string) error {
	if len(args) != 1 {
		return errors.New("restore: expected one snapshot file")
	}
	snap, err := maintenance.ReadSnapshot(args[0])
	if err != nil {
		return err
	}
	return maintenance.Restore(snap, map[string]maintenance.Target{
		database.StreamVolumes: t.entries,
		database.RouteVolumes:  t.routes,
	})
}
