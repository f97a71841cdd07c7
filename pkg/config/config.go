package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"lsmkit/pkg/compression"

	"github.com/goccy/go-yaml"
)

var (
	ErrInvalid = errors.New("config: invalid")
)

// Config is the root of the application config file.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	DB     `yaml:"db"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type DB struct {
	Memtable MemtableConfig `yaml:"memtable"`
	Journal  JournalConfig  `yaml:"journal"`
	Lock     LockConfig     `yaml:"lock"`
	// CapacityBytes is the size of the device the allocator hands out.
	CapacityBytes uint64 `yaml:"capacity_bytes"`
}

type MemtableConfig struct {
	// SealThreshold is the number of items after which the mutable layer of a
	// tree is sealed.
	SealThreshold      int  `yaml:"seal_threshold"`
	MaxImmutableLayers int  `yaml:"max_immutable_layers"`
	TraceMerges        bool `yaml:"trace_merges"`
}

type JournalConfig struct {
	Path        string `yaml:"path"`
	Compression string `yaml:"compression"`
	QueueSize   int    `yaml:"queue_size"`
}

type LockConfig struct {
	Trace bool `yaml:"trace"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		DB: DB{
			Memtable: MemtableConfig{
				SealThreshold:      1024,
				MaxImmutableLayers: 4,
			},
			Journal: JournalConfig{
				Path:        "./data",
				Compression: "zstd",
				QueueSize:   16,
			},
			CapacityBytes: 1 << 30,
		},
	}
}

// Load reads a YAML config from path on top of Default. A missing file yields
// the default config.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error

	if _, err := c.Logger.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("http-server.port %d out of range: %w", c.Server.Port, ErrInvalid))
	}
	if c.Memtable.SealThreshold < 1 {
		errs = append(errs, fmt.Errorf("db.memtable.seal_threshold must be positive: %w", ErrInvalid))
	}
	if c.Memtable.MaxImmutableLayers < 0 {
		errs = append(errs, fmt.Errorf("db.memtable.max_immutable_layers must not be negative: %w", ErrInvalid))
	}
	if c.Journal.Path == "" {
		errs = append(errs, fmt.Errorf("db.journal.path is empty: %w", ErrInvalid))
	}
	if _, err := compression.ParseCodec(c.Journal.Compression); err != nil {
		errs = append(errs, fmt.Errorf("db.journal.compression: %w", err))
	}
	if c.Journal.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("db.journal.queue_size must be positive: %w", ErrInvalid))
	}
	if c.CapacityBytes == 0 {
		errs = append(errs, fmt.Errorf("db.capacity_bytes must be positive: %w", ErrInvalid))
	}

	return errors.Join(errs...)
}

// SlogLevel maps the configured level name onto slog.
func (c LoggerConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToUpper(c.Level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logger.level %q: %w", c.Level, ErrInvalid)
	}
}
