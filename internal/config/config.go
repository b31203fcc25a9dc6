// Package config loads cmisfs configuration from an optional YAML file,
// environment variables and command-line flags, in that order of
// increasing precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all client configuration.
type Config struct {
	// Repository
	URL          string `yaml:"url"`
	RepositoryID string `yaml:"repository_id"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Token        string `yaml:"token"`
	TokenFile    string `yaml:"token_file"`

	// Mount
	MountPoint  string        `yaml:"mount_point"`
	Backend     string        `yaml:"backend"`
	AllowOther  bool          `yaml:"allow_other"`
	Debug       bool          `yaml:"debug"`
	AttrTimeout time.Duration `yaml:"attr_timeout"`

	// Caching and buffering
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	CacheCapacity  int           `yaml:"cache_capacity"`
	WriteThreshold int64         `yaml:"write_threshold"`
	SpillDir       string        `yaml:"spill_dir"`

	// Transport
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	PageSize      int           `yaml:"page_size"`

	// Logging and metrics
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	LogFile     string `yaml:"log_file"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Backend:        "auto",
		CacheTTL:       600 * time.Second,
		CacheCapacity:  16384,
		WriteThreshold: 8 << 20,
		SpillDir:       os.TempDir(),
		Timeout:        60 * time.Second,
		RetryAttempts:  1,
		PageSize:       100,
		LogLevel:       "info",
		LogFormat:      "console",
	}
}

// Load builds the configuration for a sub-command. The YAML file named by
// -config or CMISFS_CONFIG is applied first, then CMISFS_* variables, then
// the flags in args. The remaining positional arguments are returned.
func Load(name string, args []string) (*Config, []string, error) {
	cfg := Default()

	path := configPath(args)
	if path == "" {
		path = os.Getenv("CMISFS_CONFIG")
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, nil, err
		}
	}
	cfg.applyEnv()

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", path, "YAML configuration file")
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

// LoadFile merges the YAML file at path into c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// configPath finds the -config flag value without parsing the other flags.
func configPath(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func (c *Config) applyEnv() {
	c.URL = envOr("CMISFS_URL", c.URL)
	c.RepositoryID = envOr("CMISFS_REPOSITORY", c.RepositoryID)
	c.User = envOr("CMISFS_USER", c.User)
	c.Password = envOr("CMISFS_PASSWORD", c.Password)
	c.Token = envOr("CMISFS_TOKEN", c.Token)
	c.TokenFile = envOr("CMISFS_TOKEN_FILE", c.TokenFile)
	c.MountPoint = envOr("CMISFS_MOUNT", c.MountPoint)
	c.Backend = envOr("CMISFS_BACKEND", c.Backend)
	c.AllowOther = envBool("CMISFS_ALLOW_OTHER", c.AllowOther)
	c.Debug = envBool("CMISFS_DEBUG", c.Debug)
	c.AttrTimeout = envDuration("CMISFS_ATTR_TIMEOUT", c.AttrTimeout)
	c.CacheTTL = envDuration("CMISFS_CACHE_TTL", c.CacheTTL)
	c.CacheCapacity = envInt("CMISFS_CACHE_CAPACITY", c.CacheCapacity)
	c.WriteThreshold = envInt64("CMISFS_WRITE_THRESHOLD", c.WriteThreshold)
	c.SpillDir = envOr("CMISFS_SPILL_DIR", c.SpillDir)
	c.Timeout = envDuration("CMISFS_TIMEOUT", c.Timeout)
	c.RetryAttempts = envInt("CMISFS_RETRIES", c.RetryAttempts)
	c.PageSize = envInt("CMISFS_PAGE_SIZE", c.PageSize)
	c.LogLevel = envOr("CMISFS_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("CMISFS_LOG_FORMAT", c.LogFormat)
	c.LogFile = envOr("CMISFS_LOG_FILE", c.LogFile)
	c.MetricsAddr = envOr("CMISFS_METRICS_ADDR", c.MetricsAddr)
}

// RegisterFlags binds every field to fs, using the current values as
// defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.URL, "url", c.URL, "CMIS browser binding URL (required)")
	fs.StringVar(&c.RepositoryID, "repository", c.RepositoryID, "Repository id (default: first repository)")
	fs.StringVar(&c.User, "user", c.User, "User for basic authentication")
	fs.StringVar(&c.Password, "password", c.Password, "Password (prompted when -user is set without one)")
	fs.StringVar(&c.Token, "token", c.Token, "Bearer token")
	fs.StringVar(&c.TokenFile, "token-file", c.TokenFile, "Saved token file (default: per-user config dir)")
	fs.StringVar(&c.MountPoint, "mount", c.MountPoint, "Mount point")
	fs.StringVar(&c.Backend, "backend", c.Backend, "FUSE backend: auto, fuse, cgofuse")
	fs.BoolVar(&c.AllowOther, "allow-other", c.AllowOther, "Allow other users to access the mount")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Log FUSE protocol traffic")
	fs.DurationVar(&c.AttrTimeout, "attr-timeout", c.AttrTimeout, "Kernel attribute cache timeout")
	fs.DurationVar(&c.CacheTTL, "cache-ttl", c.CacheTTL, "Lifetime of cached objects and listings")
	fs.IntVar(&c.CacheCapacity, "cache-capacity", c.CacheCapacity, "Maximum cached objects")
	fs.Int64Var(&c.WriteThreshold, "write-threshold", c.WriteThreshold, "Bytes buffered in memory before spilling to disk")
	fs.StringVar(&c.SpillDir, "spill-dir", c.SpillDir, "Directory for write spill files")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "Repository request timeout")
	fs.IntVar(&c.RetryAttempts, "retries", c.RetryAttempts, "Attempts for read requests (1 disables retry)")
	fs.IntVar(&c.PageSize, "page-size", c.PageSize, "Children page size")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: console, json")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "Log file (rotated); empty logs to stderr")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Serve Prometheus metrics on this address")
}

// Validate checks the fields every sub-command needs.
func (c *Config) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("url is required"))
	}
	switch c.Backend {
	case "auto", "fuse", "cgofuse":
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("cache_ttl must be positive"))
	}
	if c.WriteThreshold < 0 {
		errs = append(errs, errors.New("write_threshold must not be negative"))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, errors.New("retry_attempts must be at least 1"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// ValidateMount additionally requires a mount point.
func (c *Config) ValidateMount() error {
	err := c.Validate()
	if c.MountPoint == "" {
		err = errors.Join(err, errors.New("mount point is required"))
	}
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
