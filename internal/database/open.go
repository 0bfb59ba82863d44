package database

import (
	"context"
	"fmt"
	"path/filepath"
)

// Database names used by the entry store.
const (
	StreamVolumes = "stream-volumes"
	RouteVolumes  = "x-maemo-route-volumes"
)

// Drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	StateDir string `mapstructure:"-"`
}

// Open returns a loaded cache for the named database. For sqlite the file is
// <StateDir>/<name>.db; for postgres name is the bucket.
func Open(ctx context.Context, opts Options, name string) (*Cache, error) {
	var backend Backend
	switch opts.Driver {
	case DriverSQLite, "":
		b, err := NewSQLite(ctx, filepath.Join(opts.StateDir, name+".db"))
		if err != nil {
			return nil, err
		}
		backend = b
	case DriverPostgres:
		b, err := NewPostgres(ctx, opts.DSN, name)
		if err != nil {
			return nil, err
		}
		backend = b
	case DriverMemory:
		backend = NewMemory()
	default:
		return nil, fmt.Errorf("unknown database driver %q", opts.Driver)
	}
	c, err := NewCache(ctx, name, backend)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return c, nil
}
