// Package config loads the daemon configuration from defaults, a YAML file,
// STREAMRESTORE_* environment variables and command line overrides, in
// increasing precedence.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/micro-nova/streamrestore-go/internal/database"
	"github.com/micro-nova/streamrestore-go/internal/mainvolume"
	"github.com/micro-nova/streamrestore-go/internal/restore"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STREAMRESTORE"

// DefaultStateDir holds the databases, keys.json and backups.
const DefaultStateDir = "/var/lib/streamrestore"

// D-Bus bus selections.
const (
	BusSession = "session"
	BusSystem  = "system"
	BusNone    = "none"
)

// Config is the decoded configuration.
type Config struct {
	StateDir   string           `mapstructure:"state_dir"`
	Debug      bool             `mapstructure:"debug"`
	Database   database.Options `mapstructure:"database"`
	Restore    RestoreConfig    `mapstructure:"restore"`
	Tables     TablesConfig     `mapstructure:"tables"`
	MainVolume MainVolumeConfig `mapstructure:"mainvolume"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	DBus       DBusConfig       `mapstructure:"dbus"`
	Pulse      PulseConfig      `mapstructure:"pulse"`
	Zeroconf   ZeroconfConfig   `mapstructure:"zeroconf"`
	Backup     BackupConfig     `mapstructure:"backup"`
}

// RestoreConfig carries the restore flags and the flush delay.
type RestoreConfig struct {
	restore.Flags `mapstructure:",squash"`

	SaveInterval time.Duration `mapstructure:"save_interval"`
}

// TablesConfig names the table files. Empty paths are skipped.
type TablesConfig struct {
	Fallback   string `mapstructure:"fallback"`
	Route      string `mapstructure:"route"`
	SinkVolume string `mapstructure:"sink_volume"`
}

// MainVolumeConfig configures the step controller.
type MainVolumeConfig struct {
	UnmuteDelay time.Duration                    `mapstructure:"unmute_delay"`
	MuteRouting bool                             `mapstructure:"mute_routing"`
	TuningMode  bool                             `mapstructure:"tuning_mode"`
	Steps       map[string]mainvolume.StepConfig `mapstructure:"steps"`
}

// HTTPConfig configures the admin API.
type HTTPConfig struct {
	Addr        string   `mapstructure:"addr"`
	RateLimit   float64  `mapstructure:"rate_limit"`
	Burst       int      `mapstructure:"burst"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// DBusConfig selects the bus the objects are exported on.
type DBusConfig struct {
	Bus  string `mapstructure:"bus"`
	Name string `mapstructure:"name"`
}

// PulseConfig locates the audio server. An empty server uses the
// default socket.
type PulseConfig struct {
	Server string `mapstructure:"server"`
}

// ZeroconfConfig toggles mDNS registration.
type ZeroconfConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// BackupConfig configures database snapshots.
type BackupConfig struct {
	Dir      string        `mapstructure:"dir"`
	Keep     int           `mapstructure:"keep"`
	Interval time.Duration `mapstructure:"interval"`
	S3       S3Config      `mapstructure:"s3"`
}

// S3Config enables off-box upload when Bucket is set.
type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	Prefix    string `mapstructure:"prefix"`
	PathStyle bool   `mapstructure:"path_style"`
}

func setDefaults(v *viper.Viper) {
	flags := restore.DefaultFlags()
	v.SetDefault("state_dir", DefaultStateDir)
	v.SetDefault("debug", false)
	v.SetDefault("database.driver", database.DriverSQLite)
	v.SetDefault("database.dsn", "")
	v.SetDefault("restore.device", flags.RestoreDevice)
	v.SetDefault("restore.volume", flags.RestoreVolume)
	v.SetDefault("restore.muted", flags.RestoreMuted)
	v.SetDefault("restore.on_rescue", flags.OnRescue)
	v.SetDefault("restore.route_volume", flags.RestoreRouteVolume)
	v.SetDefault("restore.use_voice", flags.UseVoice)
	v.SetDefault("restore.save_interval", restore.DefaultSaveInterval)
	v.SetDefault("tables.fallback", "")
	v.SetDefault("tables.route", "")
	v.SetDefault("tables.sink_volume", "")
	v.SetDefault("mainvolume.unmute_delay", mainvolume.DefaultUnmuteDelay)
	v.SetDefault("mainvolume.mute_routing", true)
	v.SetDefault("mainvolume.tuning_mode", false)
	v.SetDefault("mainvolume.steps", map[string]any{})
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rate_limit", 20.0)
	v.SetDefault("http.burst", 40)
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("dbus.bus", BusSession)
	v.SetDefault("dbus.name", "org.pulseaudio.StreamRestore")
	v.SetDefault("pulse.server", "")
	v.SetDefault("zeroconf.enabled", true)
	v.SetDefault("backup.dir", "")
	v.SetDefault("backup.keep", 7)
	v.SetDefault("backup.interval", 24*time.Hour)
	v.SetDefault("backup.s3.bucket", "")
	v.SetDefault("backup.s3.region", "")
	v.SetDefault("backup.s3.endpoint", "")
	v.SetDefault("backup.s3.prefix", "streamrestore/")
	v.SetDefault("backup.s3.path_style", false)
}

// Manager owns the viper instance and the last decoded Config.
type Manager struct {
	logger *zap.SugaredLogger
	v      *viper.Viper
	path   string

	mu      sync.Mutex
	current Config
}

// Load reads path (skipped when empty), applies the environment and then
// overrides, and decodes the result. Override keys use the dotted form, e.g.
// "http.addr".
func Load(path string, overrides map[string]any, logger *zap.SugaredLogger) (*Manager, error) {
	logger = logger.Named("config")

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	for k, val := range overrides {
		v.Set(k, val)
	}

	m := &Manager{logger: logger, v: v, path: path}
	cfg, err := m.decode()
	if err != nil {
		return nil, err
	}
	m.current = cfg
	logger.Infow("loaded config", "path", path, "state_dir", cfg.StateDir,
		"database", cfg.Database.Driver, "dbus", cfg.DBus.Bus, "http", cfg.HTTP.Addr)
	return m, nil
}

func (m *Manager) decode() (Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := m.v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Database.StateDir = cfg.StateDir
	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = filepath.Join(cfg.StateDir, "backups")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values decoding cannot.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case database.DriverSQLite, database.DriverPostgres, database.DriverMemory:
	default:
		return fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver)
	}
	switch c.DBus.Bus {
	case BusSession, BusSystem, BusNone:
	default:
		return fmt.Errorf("dbus.bus: must be %s, %s or %s", BusSession, BusSystem, BusNone)
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir: must not be empty")
	}
	if c.Restore.SaveInterval <= 0 {
		return fmt.Errorf("restore.save_interval: must be positive")
	}
	if c.MainVolume.UnmuteDelay < 0 {
		return fmt.Errorf("mainvolume.unmute_delay: must not be negative")
	}
	if c.HTTP.RateLimit <= 0 || c.HTTP.Burst < 1 {
		return fmt.Errorf("http: rate_limit and burst must be positive")
	}
	if c.Backup.Keep < 1 {
		return fmt.Errorf("backup.keep: must be at least 1")
	}
	return nil
}

// Current returns the last successfully decoded configuration.
func (m *Manager) Current() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Path returns the config file in use, or "".
func (m *Manager) Path() string { return m.path }

const (
	minTimeBetweenReloads      = 500 * time.Millisecond
	delayBetweenEventAndReload = 50 * time.Millisecond
)

// Watch calls fn with the new configuration whenever the config file is
// rewritten and still decodes. It does nothing without a config file.
func (m *Manager) Watch(fn func(Config)) {
	if m.path == "" {
		return
	}
	m.logger.Debugw("watching config file", "path", m.path)

	var lastReload time.Time
	m.v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		now := time.Now()
		if now.Sub(lastReload) < minTimeBetweenReloads {
			return
		}
		lastReload = now

		// Editors often write twice; read again once the file settles.
		<-time.After(delayBetweenEventAndReload)

		m.mu.Lock()
		if err := m.v.ReadInConfig(); err != nil {
			m.mu.Unlock()
			m.logger.Warnw("failed to read config", "path", m.path, "error", err)
			return
		}
		cfg, err := m.decode()
		if err != nil {
			m.mu.Unlock()
			m.logger.Warnw("failed to reload config", "path", m.path, "error", err)
			return
		}
		m.current = cfg
		m.mu.Unlock()

		m.logger.Infow("reloaded config", "path", m.path)
		fn(cfg)
	})
	m.v.WatchConfig()
}
