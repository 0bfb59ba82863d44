// Command streamrestored is the stream restore daemon. It remembers per
// stream volume, mute and device, exports the entries and the main volume
// controller on D-Bus and serves the admin HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/micro-nova/streamrestore-go/internal/api"
	"github.com/micro-nova/streamrestore-go/internal/auth"
	"github.com/micro-nova/streamrestore-go/internal/config"
	"github.com/micro-nova/streamrestore-go/internal/database"
	"github.com/micro-nova/streamrestore-go/internal/dbusapi"
	"github.com/micro-nova/streamrestore-go/internal/events"
	"github.com/micro-nova/streamrestore-go/internal/identity"
	"github.com/micro-nova/streamrestore-go/internal/logging"
	"github.com/micro-nova/streamrestore-go/internal/maintenance"
	"github.com/micro-nova/streamrestore-go/internal/mainvolume"
	"github.com/micro-nova/streamrestore-go/internal/metrics"
	"github.com/micro-nova/streamrestore-go/internal/models"
	"github.com/micro-nova/streamrestore-go/internal/proxy"
	"github.com/micro-nova/streamrestore-go/internal/pulse"
	"github.com/micro-nova/streamrestore-go/internal/restore"
	"github.com/micro-nova/streamrestore-go/internal/shared"
	"github.com/micro-nova/streamrestore-go/internal/zeroconf"
)

func main() {
	var (
		cfgPath  = flag.String("config", "", "YAML config file")
		addr     = flag.String("addr", "", "HTTP listen address (overrides http.addr)")
		stateDir = flag.String("state-dir", "", "state directory (overrides state_dir)")
		debug    = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logger, err := logging.New(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	overrides := map[string]any{}
	if *addr != "" {
		overrides["http.addr"] = *addr
	}
	if *stateDir != "" {
		overrides["state_dir"] = *stateDir
	}
	if *debug {
		overrides["debug"] = true
	}

	if err := run(*cfgPath, overrides, logger); err != nil {
		logger.Errorw("streamrestored failed", "error", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfgPath string, overrides map[string]any, logger *zap.SugaredLogger) error {
	mgr, err := config.Load(cfgPath, overrides, logger)
	if err != nil {
		return err
	}
	cfg := mgr.Current()
	if cfg.Debug {
		// debug may come from the file or the environment.
		if l, err := logging.New(true); err == nil {
			logger = l
		}
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	// Graceful shutdown context
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()

	entriesDB, err := database.Open(ctx, cfg.Database, database.StreamVolumes)
	if err != nil {
		return fmt.Errorf("open %s: %w", database.StreamVolumes, err)
	}
	defer entriesDB.Close()
	routesDB, err := database.Open(ctx, cfg.Database, database.RouteVolumes)
	if err != nil {
		return fmt.Errorf("open %s: %w", database.RouteVolumes, err)
	}
	defer routesDB.Close()

	registry := shared.NewRegistry(logger, m.PropertyChanged)
	props := registry.Acquire()
	defer props.Release()
	volumes := proxy.New(logger)

	// Without an audio server the store still serves the databases.
	var (
		host   restore.Host = restore.NopHost{}
		muter  mainvolume.Muter
		client *pulse.Client
	)
	client, err = pulse.Dial(cfg.Pulse.Server, logger, m)
	if err != nil {
		logger.Warnw("running without an audio server", "error", err)
	} else {
		client.MediaRoles = mainvolume.MediaRoles
		host = client
		muter = client
		defer client.Close()
	}

	store, err := restore.New(restore.Options{
		Entries:         entriesDB,
		Routes:          routesDB,
		Host:            host,
		Proxy:           volumes,
		Logger:          logger,
		Metrics:         m,
		Flags:           cfg.Restore.Flags,
		SaveInterval:    cfg.Restore.SaveInterval,
		FallbackTable:   cfg.Tables.Fallback,
		RouteTable:      cfg.Tables.Route,
		SinkVolumeTable: cfg.Tables.SinkVolume,
	})
	if err != nil {
		return fmt.Errorf("start stream restore: %w", err)
	}

	mv, err := mainvolume.New(mainvolume.Options{
		Registry:    registry,
		Proxy:       volumes,
		Muter:       muter,
		Logger:      logger,
		Steps:       cfg.MainVolume.Steps,
		TuningMode:  cfg.MainVolume.TuningMode,
		MuteRouting: cfg.MainVolume.MuteRouting,
		UnmuteDelay: cfg.MainVolume.UnmuteDelay,
	})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("start main volume: %w", err)
	}
	defer mv.Close()

	bus := events.NewBus()
	store.Listen(bus.Publish)
	mv.Listen(bus.Publish)

	pulseDone := make(chan struct{})
	if client != nil {
		go func() {
			defer close(pulseDone)
			if err := client.Run(ctx, store, mv); err != nil && ctx.Err() == nil {
				logger.Errorw("audio server connection lost", "error", err)
				cancel()
			}
		}()
	} else {
		close(pulseDone)
		if err := store.Start(ctx); err != nil {
			logger.Warnw("failed to replay streams", "error", err)
		}
	}

	var dbusSvc *dbusapi.Service
	if cfg.DBus.Bus != config.BusNone {
		conn, err := dbusapi.Connect(cfg.DBus.Bus, cfg.DBus.Name)
		if err != nil {
			logger.Warnw("D-Bus export disabled", "bus", cfg.DBus.Bus, "error", err)
		} else if dbusSvc, err = dbusapi.New(conn, store, mv, logger); err != nil {
			conn.Close()
			logger.Warnw("D-Bus export failed", "error", err)
			dbusSvc = nil
		}
	}

	authSvc, err := auth.NewService(cfg.StateDir, logger)
	if err != nil {
		return fmt.Errorf("start auth: %w", err)
	}
	defer authSvc.Close()

	backups, err := newBackups(ctx, cfg, entriesDB, routesDB, logger)
	if err != nil {
		return err
	}
	go backups.Start(ctx)

	version := identity.GetVersion(cfg.StateDir)
	hostname := identity.GetHostname()
	router := api.NewRouter(api.Options{
		Entries:    store,
		Properties: props,
		MainVolume: mv,
		Events:     bus,
		Backups:    backups,
		Info: func() models.Info {
			return models.Info{
				Version:  version,
				Hostname: hostname,
				Route:    store.Mode(),
				Entries:  store.Len(),
				DBDriver: cfg.Database.Driver,
			}
		},
		Auth:        authSvc,
		Metrics:     m,
		Logger:      logger,
		RateLimit:   cfg.HTTP.RateLimit,
		Burst:       cfg.HTTP.Burst,
		CORSOrigins: cfg.HTTP.CORSOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout (needed for SSE)
		IdleTimeout:  120 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.HTTP.Addr, err)
	}
	go func() {
		logger.Infow("admin API listening", "addr", ln.Addr().String(), "version", version)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("server error", "error", err)
		}
	}()

	if cfg.Zeroconf.Enabled {
		zc := zeroconf.New(hostname, listenPort(ln.Addr()), logger)
		busName := ""
		if dbusSvc != nil {
			busName = cfg.DBus.Name
		}
		zc.SetTXT(zeroconf.TXT(version, busName))
		go func() {
			if err := zc.Start(ctx); err != nil {
				logger.Warnw("zeroconf failed", "error", err)
			}
		}()
	}

	mgr.Watch(func(next config.Config) {
		store.SetFlags(next.Restore.Flags)
		if err := store.ReloadTables(ctx, next.Tables.Fallback, next.Tables.Route, next.Tables.SinkVolume); err != nil {
			logger.Warnw("failed to reload tables", "error", err)
		}
	})

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Infow("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()

	if dbusSvc != nil {
		if err := dbusSvc.Close(); err != nil {
			logger.Warnw("D-Bus close error", "error", err)
		}
	}
	if client != nil {
		_ = client.Close()
	}
	<-pulseDone

	// Flush pending entry writes before the API goes away.
	if err := store.Close(); err != nil {
		logger.Warnw("failed to sync databases", "error", err)
	}
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warnw("server shutdown error", "error", err)
	}

	logger.Infow("shutdown complete")
	return nil
}

func newBackups(ctx context.Context, cfg config.Config, entries, routes database.DB, logger *zap.SugaredLogger) (*maintenance.Service, error) {
	s3opts := maintenance.S3Options{
		Bucket:    cfg.Backup.S3.Bucket,
		Region:    cfg.Backup.S3.Region,
		Endpoint:  cfg.Backup.S3.Endpoint,
		Prefix:    cfg.Backup.S3.Prefix,
		PathStyle: cfg.Backup.S3.PathStyle,
	}
	opts := maintenance.Options{
		Dir:      cfg.Backup.Dir,
		Keep:     cfg.Backup.Keep,
		Interval: cfg.Backup.Interval,
		Sources: map[string]maintenance.Source{
			database.StreamVolumes: entries,
			database.RouteVolumes:  routes,
		},
		S3:     s3opts,
		Logger: logger,
	}
	if s3opts.Bucket != "" {
		client, err := maintenance.NewS3Uploader(ctx, s3opts)
		if err != nil {
			return nil, fmt.Errorf("configure backup upload: %w", err)
		}
		opts.Uploader = client
	}
	return maintenance.New(opts), nil
}

func listenPort(addr net.Addr) int {
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}
