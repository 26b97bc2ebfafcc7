// Package config loads and persists the engine's optional JSON configuration
// (spec §6.1), layered under CLI flags and environment overrides the way the
// control-plane service's other settings are loaded.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Data is the storage-root half of the persisted config.
type Data struct {
	StorageRoot string `json:"storageRoot"`
}

// Audio is the device/sample-rate half of the persisted config.
type Audio struct {
	SampleRate uint32 `json:"sampleRate"`
	LastDevice string `json:"lastDevice"`
	LowLatency bool   `json:"lowLatency"`
	BufferSize uint32 `json:"bufferSize"` // 0 = auto
}

// Performance holds the stem-cache and riff-pool sizing knobs.
type Performance struct {
	StemCacheAutoPruneAtMemoryUsageMb int32 `json:"stemCacheAutoPruneAtMemoryUsageMb"`
	LiveRiffInstancePoolSize          int32 `json:"liveRiffInstancePoolSize"`
}

// Auth is opaque to the engine; a host-level layer may leave it null.
type Auth struct {
	Token     string `json:"token,omitempty"`
	Password  string `json:"password,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	ExpiresMs int64  `json:"expires,omitempty"`
}

// Persisted is the on-disk JSON document (spec §6.1); every field is
// optional and falls back to its default when absent.
type Persisted struct {
	Data        Data        `json:"data"`
	Audio       Audio       `json:"audio"`
	Performance Performance `json:"performance"`
	Auth        *Auth       `json:"auth,omitempty"`
}

// Config is the fully-resolved runtime configuration: the persisted document
// plus the process-level settings (listen port, log format) that only ever
// come from flags/env, never from the JSON file.
type Config struct {
	Persisted

	ConfigPath string
	HTTPPort   int
	LogLevel   string
	LogFormat  string
}

const (
	defaultConfigPath       = "./beamd.json"
	defaultStorageRoot      = "./data"
	defaultSampleRate       = 44100
	defaultHTTPPort         = 8080
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultAutoPruneAtMb    = 512
	defaultLiveRiffPoolSize = 4
)

const envPrefix = "BEAMD_"

// Defaults returns the zero-config baseline, used whenever no persisted
// document exists and nothing overrides a given field.
func Defaults() Persisted {
	return Persisted{
		Data:  Data{StorageRoot: defaultStorageRoot},
		Audio: Audio{SampleRate: defaultSampleRate},
		Performance: Performance{
			StemCacheAutoPruneAtMemoryUsageMb: defaultAutoPruneAtMb,
			LiveRiffInstancePoolSize:          defaultLiveRiffPoolSize,
		},
	}
}

// Load resolves configuration in the order: defaults, persisted JSON file
// (if present), environment variables, then CLI flags — each layer
// overriding only the fields it actually sets.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional .env; absence is not an error

	cfg := &Config{
		Persisted:  Defaults(),
		ConfigPath: defaultConfigPath,
		HTTPPort:   defaultHTTPPort,
		LogLevel:   defaultLogLevel,
		LogFormat:  defaultLogFormat,
	}

	fs := flag.NewFlagSet("beamd", flag.ContinueOnError)
	fs.StringVar(&cfg.ConfigPath, "config", defaultConfigPath, "path to the persisted JSON config file")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "control-plane HTTP listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.Data.StorageRoot, "storage-root", defaultStorageRoot, "root of caches and recorded output")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}
	flagStorageRoot := cfg.Data.StorageRoot

	if persisted, err := loadPersisted(cfg.ConfigPath); err != nil {
		slog.Warn("config: failed to read persisted config, using defaults", "path", cfg.ConfigPath, "err", err)
	} else if persisted != nil {
		mergePersisted(&cfg.Persisted, *persisted)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["storage-root"] {
		cfg.Data.StorageRoot = flagStorageRoot // an explicit flag outranks the file
	}
	applyEnvOverrides(set, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadPersisted(path string) (*Persisted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var p Persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshalling %s: %w", path, err)
	}
	return &p, nil
}

// mergePersisted overlays non-zero fields of override onto base; every field
// in the JSON document is optional (spec §6.1), so zero values are treated
// as "not specified" rather than an explicit reset to zero.
func mergePersisted(base *Persisted, override Persisted) {
	if override.Data.StorageRoot != "" {
		base.Data.StorageRoot = override.Data.StorageRoot
	}
	if override.Audio.SampleRate != 0 {
		base.Audio.SampleRate = override.Audio.SampleRate
	}
	if override.Audio.LastDevice != "" {
		base.Audio.LastDevice = override.Audio.LastDevice
	}
	base.Audio.LowLatency = override.Audio.LowLatency
	if override.Audio.BufferSize != 0 {
		base.Audio.BufferSize = override.Audio.BufferSize
	}
	if override.Performance.StemCacheAutoPruneAtMemoryUsageMb != 0 {
		base.Performance.StemCacheAutoPruneAtMemoryUsageMb = override.Performance.StemCacheAutoPruneAtMemoryUsageMb
	}
	if override.Performance.LiveRiffInstancePoolSize != 0 {
		base.Performance.LiveRiffInstancePoolSize = override.Performance.LiveRiffInstancePoolSize
	}
	if override.Auth != nil {
		base.Auth = override.Auth
	}
}

func applyEnvOverrides(set map[string]bool, cfg *Config) {
	if !set["storage-root"] {
		if v, ok := os.LookupEnv(envPrefix + "STORAGE_ROOT"); ok && v != "" {
			cfg.Data.StorageRoot = v
		}
	}
	if !set["http-port"] {
		if v, ok := os.LookupEnv(envPrefix + "HTTP_PORT"); ok && v != "" {
			if port, err := strconv.Atoi(v); err == nil {
				cfg.HTTPPort = port
			}
		}
	}
	if !set["log-level"] {
		if v, ok := os.LookupEnv(envPrefix + "LOG_LEVEL"); ok && v != "" {
			cfg.LogLevel = v
		}
	}
	if !set["log-format"] {
		if v, ok := os.LookupEnv(envPrefix + "LOG_FORMAT"); ok && v != "" {
			cfg.LogFormat = v
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "SAMPLE_RATE"); ok && v != "" {
		if rate, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Audio.SampleRate = uint32(rate)
		}
	}
}

func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	if c.Performance.StemCacheAutoPruneAtMemoryUsageMb < 200 {
		return fmt.Errorf("performance.stemCacheAutoPruneAtMemoryUsageMb must be >= 200, got %d", c.Performance.StemCacheAutoPruneAtMemoryUsageMb)
	}
	if c.Performance.LiveRiffInstancePoolSize < 1 {
		return fmt.Errorf("performance.liveRiffInstancePoolSize must be >= 1, got %d", c.Performance.LiveRiffInstancePoolSize)
	}
	return nil
}

// Save writes the persisted half of cfg back to cfg.ConfigPath, creating its
// parent directory if needed.
func (c *Config) Save() error {
	if err := os.MkdirAll(filepath.Dir(c.ConfigPath), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(c.Persisted, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	return os.WriteFile(c.ConfigPath, data, 0o644)
}

// StemCacheDir returns the content-addressed stem cache root (spec §6.2).
func (c *Config) StemCacheDir() string {
	return filepath.Join(c.Data.StorageRoot, "cache", "common", "stems")
}

// AppCacheDir returns the per-app durable metadata directory (spec §6.2).
func (c *Config) AppCacheDir(app string) string {
	return filepath.Join(c.Data.StorageRoot, "cache", app)
}

// OutputDir returns the per-app disk-recording output directory (spec §6.2).
func (c *Config) OutputDir(app string) string {
	return filepath.Join(c.Data.StorageRoot, "output", app)
}

// SlogHandler returns a slog.Handler configured for the resolved log format
// and level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
