// Package config loads the offline layer configuration from a YAML file and
// OFFLINE_* environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/mipyme/offline/internal/errors"
	"github.com/mipyme/offline/internal/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OFFLINE_"

// Cache backends.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// Config is the full configuration of the offline layer and the desktop
// gateway.
type Config struct {
	// Namespace isolates the stores of one deployment or user under DataDir.
	Namespace string `yaml:"namespace"`
	DataDir   string `yaml:"data_dir"`
	// BaseURL is the REST backend origin, e.g. https://erp.example.com.
	BaseURL  string `yaml:"base_url"`
	LogLevel string `yaml:"log_level"`

	CacheableResourcePatterns []string            `yaml:"cacheable_resource_patterns"`
	CriticalResourcePatterns  []string            `yaml:"critical_resource_patterns"`
	InvalidationMap           map[string][]string `yaml:"invalidation_map"`
	MaxCacheAge               time.Duration       `yaml:"max_cache_age"`
	NetworkTimeout            time.Duration       `yaml:"network_timeout"`

	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Queue        QueueConfig        `yaml:"queue"`
	Sync         SyncConfig         `yaml:"sync"`
	Cache        CacheConfig        `yaml:"cache"`
	Server       ServerConfig       `yaml:"server"`
}

// ConnectivityConfig configures health probing.
type ConnectivityConfig struct {
	// ProbeURL is a path joined to BaseURL, or an absolute URL.
	ProbeURL      string        `yaml:"probe_url"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// QueueConfig configures the pending-operation queue.
type QueueConfig struct {
	MaxRetries int `yaml:"max_retries"`
	// MaxSize bounds pending operations; 0 means unbounded.
	MaxSize int `yaml:"max_size"`
	// HeaderKey seals captured request headers at rest when set.
	HeaderKey     string `yaml:"header_key"`
	PreserveOrder bool   `yaml:"preserve_order"`
}

// SyncConfig configures replay scheduling.
type SyncConfig struct {
	Interval             time.Duration `yaml:"interval"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	ReresolveCredentials bool          `yaml:"reresolve_credentials"`
}

// CacheConfig configures the cache store.
type CacheConfig struct {
	Backend string `yaml:"backend"`
	// MaxBytes bounds stored values; 0 means bounded only by the disk.
	MaxBytes      int64         `yaml:"max_bytes"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ServerConfig configures the desktop gateway listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration of the original deployment.
func Default() *Config {
	return &Config{
		Namespace: "default",
		DataDir:   "./data",
		BaseURL:   "http://localhost:8000",
		LogLevel:  "INFO",
		CacheableResourcePatterns: []string{
			"/api/productos/",
			"/api/clientes/",
			"/api/proveedores/",
			"/api/ventas/",
			"/api/compras/",
		},
		CriticalResourcePatterns: []string{
			"/api/ventas/",
			"/api/productos/",
			"/api/clientes/",
			"/api/finanzas/movimientos/",
		},
		InvalidationMap: map[string][]string{
			"/api/ventas/": {"/api/finanzas/movimientos/"},
		},
		MaxCacheAge:    7 * 24 * time.Hour,
		NetworkTimeout: 15 * time.Second,
		Connectivity: ConnectivityConfig{
			ProbeURL:      "/api/health/",
			ProbeTimeout:  5 * time.Second,
			ProbeInterval: 30 * time.Second,
		},
		Queue: QueueConfig{
			MaxRetries:    5,
			PreserveOrder: true,
		},
		Sync: SyncConfig{
			Interval:             time.Minute,
			MaxBackoff:           15 * time.Minute,
			ReresolveCredentials: true,
		},
		Cache: CacheConfig{
			Backend:       BackendSQLite,
			SweepInterval: time.Hour,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8090",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped
// when path is empty) and then with environment overrides. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, fmt.Sprintf("read config file %s", path), err)
		}
		// maps would otherwise merge into the defaults
		defaultMap := cfg.InvalidationMap
		cfg.InvalidationMap = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, fmt.Sprintf("parse config file %s", path), err)
		}
		if cfg.InvalidationMap == nil {
			cfg.InvalidationMap = defaultMap
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = splitList(v)
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfig, fmt.Sprintf("%s%s: invalid duration %q", EnvPrefix, name, v), err)
		}
		*dst = d
		return nil
	}
	integer := func(name string, dst *int64) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfig, fmt.Sprintf("%s%s: invalid integer %q", EnvPrefix, name, v), err)
		}
		*dst = n
		return nil
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfig, fmt.Sprintf("%s%s: invalid boolean %q", EnvPrefix, name, v), err)
		}
		*dst = b
		return nil
	}

	str("NAMESPACE", &c.Namespace)
	str("DATA_DIR", &c.DataDir)
	str("BASE_URL", &c.BaseURL)
	str("LOG_LEVEL", &c.LogLevel)
	str("PROBE_URL", &c.Connectivity.ProbeURL)
	str("QUEUE_HEADER_KEY", &c.Queue.HeaderKey)
	str("CACHE_BACKEND", &c.Cache.Backend)
	str("SERVER_ADDR", &c.Server.Addr)
	list("CACHEABLE_PATTERNS", &c.CacheableResourcePatterns)
	list("CRITICAL_PATTERNS", &c.CriticalResourcePatterns)

	var maxRetries, maxSize int64 = int64(c.Queue.MaxRetries), int64(c.Queue.MaxSize)
	for _, err := range []error{
		dur("MAX_CACHE_AGE", &c.MaxCacheAge),
		dur("NETWORK_TIMEOUT", &c.NetworkTimeout),
		dur("PROBE_TIMEOUT", &c.Connectivity.ProbeTimeout),
		dur("PROBE_INTERVAL", &c.Connectivity.ProbeInterval),
		dur("SYNC_INTERVAL", &c.Sync.Interval),
		dur("SYNC_MAX_BACKOFF", &c.Sync.MaxBackoff),
		dur("CACHE_SWEEP_INTERVAL", &c.Cache.SweepInterval),
		integer("CACHE_MAX_BYTES", &c.Cache.MaxBytes),
		integer("QUEUE_MAX_RETRIES", &maxRetries),
		integer("QUEUE_MAX_SIZE", &maxSize),
		boolean("QUEUE_PRESERVE_ORDER", &c.Queue.PreserveOrder),
		boolean("SYNC_RERESOLVE_CREDENTIALS", &c.Sync.ReresolveCredentials),
	} {
		if err != nil {
			return err
		}
	}
	c.Queue.MaxRetries = int(maxRetries)
	c.Queue.MaxSize = int(maxSize)
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for values the components cannot use.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Namespace == "" || strings.ContainsAny(c.Namespace, `/\`) || c.Namespace == "." || c.Namespace == ".." {
		add("namespace %q must be a single non-empty path element", c.Namespace)
	}
	if c.DataDir == "" {
		add("data_dir must not be empty")
	}
	if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("base_url %q must be an absolute http(s) URL", c.BaseURL)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		add("log_level %q is not a known level", c.LogLevel)
	}
	if c.MaxCacheAge <= 0 {
		add("max_cache_age must be positive")
	}
	if c.NetworkTimeout <= 0 {
		add("network_timeout must be positive")
	}
	if c.Connectivity.ProbeTimeout <= 0 {
		add("connectivity.probe_timeout must be positive")
	}
	if c.Connectivity.ProbeInterval <= 0 {
		add("connectivity.probe_interval must be positive")
	}
	if c.Queue.MaxRetries < 1 {
		add("queue.max_retries must be at least 1")
	}
	if c.Queue.MaxSize < 0 {
		add("queue.max_size must not be negative")
	}
	if c.Sync.Interval <= 0 {
		add("sync.interval must be positive")
	}
	if c.Sync.MaxBackoff < c.Sync.Interval {
		add("sync.max_backoff must not be shorter than sync.interval")
	}
	if c.Cache.Backend != BackendSQLite && c.Cache.Backend != BackendFile {
		add("cache.backend %q must be %q or %q", c.Cache.Backend, BackendSQLite, BackendFile)
	}
	if c.Cache.MaxBytes < 0 {
		add("cache.max_bytes must not be negative")
	}
	if c.Cache.SweepInterval <= 0 {
		add("cache.sweep_interval must be positive")
	}
	for prefix, targets := range c.InvalidationMap {
		if prefix == "" {
			add("invalidation_map has an empty key")
		}
		for _, t := range targets {
			if t == "" {
				add("invalidation_map[%q] has an empty target", prefix)
			}
		}
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrConfig, "invalid configuration: "+strings.Join(problems, "; "))
	}
	return nil
}

// StoreDir is where this namespace keeps its stores.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, c.Namespace)
}

// ProbeURL resolves the probe target against BaseURL.
func (c *Config) ProbeURL() string {
	p := c.Connectivity.ProbeURL
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimSuffix(c.BaseURL, "/") + p
}
