// Package config loads anvil settings from defaults, an optional YAML
// file and ANVIL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/anvil/internal/daemon"
	"github.com/seantiz/anvil/internal/daemon/microvm"
	"github.com/seantiz/anvil/internal/tracing"
	"github.com/seantiz/anvil/internal/tracker"
)

// EnvPrefix prefixes every environment override, e.g. ANVIL_LOG_LEVEL or
// ANVIL_DAEMON_IDLE_TIMEOUT.
const EnvPrefix = "ANVIL"

// Daemon launcher kinds.
const (
	LauncherProcess = "process"
	LauncherInline  = "inline"
	LauncherMicroVM = "microvm"
)

// Config holds application configuration.
type Config struct {
	Log     LogConfig      `mapstructure:"log"`
	Queue   QueueConfig    `mapstructure:"queue"`
	Sandbox SandboxConfig  `mapstructure:"sandbox"`
	Tracker TrackerConfig  `mapstructure:"tracker"`
	Daemon  DaemonConfig   `mapstructure:"daemon"`
	MicroVM microvm.Config `mapstructure:"microvm"`
	Store   StoreConfig    `mapstructure:"store"`
	API     APIConfig      `mapstructure:"api"`
	Tracing tracing.Config `mapstructure:"tracing"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// QueueConfig bounds work parallelism.
type QueueConfig struct {
	// MaxWorkers is the number of work items run at once. Zero selects
	// the number of CPUs.
	MaxWorkers int `mapstructure:"max_workers"`
}

// SandboxConfig controls classloader-isolated sandboxes.
type SandboxConfig struct {
	// TTL is how long an unused sandbox is cached.
	TTL time.Duration `mapstructure:"ttl"`
}

// TrackerConfig controls operation tracking.
type TrackerConfig struct {
	// Retention is how long a drained operation that nobody waits on is
	// kept before it is forgotten.
	Retention time.Duration `mapstructure:"retention"`
}

// DaemonConfig controls the worker daemon pool.
type DaemonConfig struct {
	// Launcher is one of process, inline or microvm.
	Launcher string `mapstructure:"launcher"`
	// Binary is the executable re-run in daemon mode. Empty means the
	// running binary.
	Binary          string        `mapstructure:"binary"`
	WorkDir         string        `mapstructure:"work_dir"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	StartupTimeout  time.Duration `mapstructure:"startup_timeout"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout"`
	MinFreeMemoryMB int           `mapstructure:"min_free_memory_mb"`
	ProcPath        string        `mapstructure:"proc_path"` // read for free memory
}

// Pool returns the pool settings.
func (d DaemonConfig) Pool() daemon.Config {
	return daemon.Config{
		IdleTimeout:     d.IdleTimeout,
		SweepInterval:   d.SweepInterval,
		StartupTimeout:  d.StartupTimeout,
		StopTimeout:     d.StopTimeout,
		MinFreeMemoryMB: d.MinFreeMemoryMB,
	}
}

// StoreConfig locates the work history database.
type StoreConfig struct {
	// Path is the SQLite file. ":memory:" keeps history for the process
	// lifetime only.
	Path string `mapstructure:"path"`
}

// APIConfig configures the inspection server.
type APIConfig struct {
	ListenAddr  string   `mapstructure:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info", Format: "json"},
		Queue:   QueueConfig{MaxWorkers: runtime.NumCPU()},
		Sandbox: SandboxConfig{TTL: 10 * time.Minute},
		Tracker: TrackerConfig{Retention: tracker.DefaultRetention},
		Daemon: DaemonConfig{
			Launcher:        LauncherProcess,
			IdleTimeout:     daemon.DefaultIdleTimeout,
			SweepInterval:   30 * time.Second,
			StartupTimeout:  daemon.DefaultStartupTimeout,
			StopTimeout:     daemon.DefaultStopTimeout,
			MinFreeMemoryMB: 0,
			ProcPath:        "/proc",
		},
		MicroVM: microvm.DefaultConfig(),
		Store:   StoreConfig{Path: "anvil.db"},
		API:     APIConfig{ListenAddr: ":8080", CORSOrigins: []string{"*"}},
		Tracing: tracing.DefaultConfig(),
	}
}

// defaults registers every key with viper so env overrides apply during
// Unmarshal.
func defaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("queue.max_workers", d.Queue.MaxWorkers)
	v.SetDefault("sandbox.ttl", d.Sandbox.TTL)
	v.SetDefault("tracker.retention", d.Tracker.Retention)

	v.SetDefault("daemon.launcher", d.Daemon.Launcher)
	v.SetDefault("daemon.binary", d.Daemon.Binary)
	v.SetDefault("daemon.work_dir", d.Daemon.WorkDir)
	v.SetDefault("daemon.idle_timeout", d.Daemon.IdleTimeout)
	v.SetDefault("daemon.sweep_interval", d.Daemon.SweepInterval)
	v.SetDefault("daemon.startup_timeout", d.Daemon.StartupTimeout)
	v.SetDefault("daemon.stop_timeout", d.Daemon.StopTimeout)
	v.SetDefault("daemon.min_free_memory_mb", d.Daemon.MinFreeMemoryMB)
	v.SetDefault("daemon.proc_path", d.Daemon.ProcPath)

	v.SetDefault("microvm.kernel_path", d.MicroVM.KernelPath)
	v.SetDefault("microvm.rootfs_path", d.MicroVM.RootfsPath)
	v.SetDefault("microvm.firecracker_bin", d.MicroVM.FirecrackerBin)
	v.SetDefault("microvm.networking", d.MicroVM.Networking)
	v.SetDefault("microvm.cni_config_dir", d.MicroVM.CNIConfigDir)
	v.SetDefault("microvm.cni_bin_dir", d.MicroVM.CNIBinDir)
	v.SetDefault("microvm.vsock_port", d.MicroVM.VsockPort)
	v.SetDefault("microvm.cid_base", d.MicroVM.CIDBase)
	v.SetDefault("microvm.vcpus", d.MicroVM.VCPUs)
	v.SetDefault("microvm.mem_mb", d.MicroVM.MemMB)
	v.SetDefault("microvm.max_vms", d.MicroVM.MaxVMs)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("api.listen_addr", d.API.ListenAddr)
	v.SetDefault("api.cors_origins", d.API.CORSOrigins)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

func newViper() *viper.Viper {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Short aliases.
	_ = v.BindEnv("queue.max_workers", "ANVIL_QUEUE_MAX_WORKERS", "ANVIL_MAX_WORKERS")
	_ = v.BindEnv("store.path", "ANVIL_STORE_PATH", "ANVIL_DB_PATH")
	_ = v.BindEnv("api.listen_addr", "ANVIL_API_LISTEN_ADDR", "ANVIL_LISTEN_ADDR")
	return v
}

// Load reads configuration. An explicit path must exist; without one,
// ./anvil.yaml and ~/.config/anvil/config.yaml are tried and a missing
// file is not an error.
func Load(path string) (Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("anvil")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "anvil"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot work.
func (c Config) Validate() error {
	var errs []error
	switch c.Daemon.Launcher {
	case LauncherProcess, LauncherInline, LauncherMicroVM:
	default:
		errs = append(errs, fmt.Errorf("daemon.launcher: unknown launcher %q", c.Daemon.Launcher))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.Queue.MaxWorkers < 0 {
		errs = append(errs, errors.New("queue.max_workers must not be negative"))
	}
	if c.Tracker.Retention < 0 {
		errs = append(errs, errors.New("tracker.retention must not be negative"))
	}
	if c.Daemon.MinFreeMemoryMB < 0 {
		errs = append(errs, errors.New("daemon.min_free_memory_mb must not be negative"))
	}
	return errors.Join(errs...)
}

// WriteDefault writes the built-in configuration as YAML to path. An
// existing file is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}

	data, err := yaml.Marshal(humanize(newDefaultsOnly().AllSettings()))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func newDefaultsOnly() *viper.Viper {
	v := viper.New()
	defaults(v)
	return v
}

// humanize renders durations as strings like "5m0s" so the written file
// reads back through viper's duration decoding.
func humanize(m map[string]any) map[string]any {
	for k, val := range m {
		switch x := val.(type) {
		case time.Duration:
			m[k] = x.String()
		case map[string]any:
			m[k] = humanize(x)
		}
	}
	return m
}

// ParseLogLevel converts a level name; unknown names map to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w. Format "text" selects
// the text handler; anything else is JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Logger builds the logger described by c.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	return NewLogger(w, ParseLogLevel(c.Level), c.Format)
}
