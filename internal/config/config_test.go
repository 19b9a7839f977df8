package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/mipyme/offline/internal/errors"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 7*24*time.Hour, cfg.MaxCacheAge)
	assert.Equal(t, 15*time.Second, cfg.NetworkTimeout)
	assert.Equal(t, 5*time.Second, cfg.Connectivity.ProbeTimeout)
	assert.Equal(t, "/api/health/", cfg.Connectivity.ProbeURL)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.True(t, cfg.Queue.PreserveOrder)
	assert.True(t, cfg.Sync.ReresolveCredentials)
	assert.Equal(t, BackendSQLite, cfg.Cache.Backend)
	assert.Equal(t, "127.0.0.1:8090", cfg.Server.Addr)
	assert.Contains(t, cfg.CriticalResourcePatterns, "/api/finanzas/movimientos/")
	assert.Equal(t, []string{"/api/finanzas/movimientos/"}, cfg.InvalidationMap["/api/ventas/"])
}

func TestLoad_noFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().CacheableResourcePatterns, cfg.CacheableResourcePatterns)
}

func TestLoad_missingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))
}

func TestLoad_yamlOverlay(t *testing.T) {
	path := writeFile(t, `
namespace: sucursal-2
base_url: https://erp.example.com
log_level: debug
cacheable_resource_patterns:
  - /api/productos/
critical_resource_patterns: []
invalidation_map:
  /api/compras/:
    - /api/proveedores/
    - /api/finanzas/movimientos/
max_cache_age: 72h
network_timeout: 8s
queue:
  max_retries: 3
  header_key: s3cret
  preserve_order: false
cache:
  backend: file
  max_bytes: 1048576
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sucursal-2", cfg.Namespace)
	assert.Equal(t, "https://erp.example.com", cfg.BaseURL)
	assert.Equal(t, []string{"/api/productos/"}, cfg.CacheableResourcePatterns)
	assert.Empty(t, cfg.CriticalResourcePatterns)
	assert.Equal(t, map[string][]string{
		"/api/compras/": {"/api/proveedores/", "/api/finanzas/movimientos/"},
	}, cfg.InvalidationMap, "map replaces the defaults")
	assert.Equal(t, 72*time.Hour, cfg.MaxCacheAge)
	assert.Equal(t, 8*time.Second, cfg.NetworkTimeout)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, "s3cret", cfg.Queue.HeaderKey)
	assert.False(t, cfg.Queue.PreserveOrder)
	assert.Equal(t, BackendFile, cfg.Cache.Backend)
	assert.Equal(t, int64(1048576), cfg.Cache.MaxBytes)

	// untouched sections keep defaults
	assert.Equal(t, 5*time.Second, cfg.Connectivity.ProbeTimeout)
	assert.True(t, cfg.Sync.ReresolveCredentials)
}

func TestLoad_invalidYAML(t *testing.T) {
	path := writeFile(t, "namespace: [unclosed")
	_, err := Load(path)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))
}

func TestLoad_envOverrides(t *testing.T) {
	t.Setenv("OFFLINE_NAMESPACE", "caja-1")
	t.Setenv("OFFLINE_NETWORK_TIMEOUT", "3s")
	t.Setenv("OFFLINE_CACHEABLE_PATTERNS", " /api/ventas/ , ,/api/compras/")
	t.Setenv("OFFLINE_QUEUE_MAX_RETRIES", "9")
	t.Setenv("OFFLINE_QUEUE_PRESERVE_ORDER", "false")
	t.Setenv("OFFLINE_CACHE_MAX_BYTES", "2048")

	path := writeFile(t, "namespace: from-file\nnetwork_timeout: 20s\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "caja-1", cfg.Namespace, "env wins over the file")
	assert.Equal(t, 3*time.Second, cfg.NetworkTimeout)
	assert.Equal(t, []string{"/api/ventas/", "/api/compras/"}, cfg.CacheableResourcePatterns)
	assert.Equal(t, 9, cfg.Queue.MaxRetries)
	assert.False(t, cfg.Queue.PreserveOrder)
	assert.Equal(t, int64(2048), cfg.Cache.MaxBytes)
}

func TestLoad_badEnv(t *testing.T) {
	tests := map[string]string{
		"OFFLINE_NETWORK_TIMEOUT":      "soon",
		"OFFLINE_QUEUE_MAX_RETRIES":    "many",
		"OFFLINE_QUEUE_PRESERVE_ORDER": "maybe",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load("")
			assert.True(t, apperrors.Is(err, apperrors.ErrConfig), "got %v", err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty namespace", func(c *Config) { c.Namespace = "" }},
		{"namespace with slash", func(c *Config) { c.Namespace = "a/b" }},
		{"dot namespace", func(c *Config) { c.Namespace = ".." }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"relative base url", func(c *Config) { c.BaseURL = "/api" }},
		{"ftp base url", func(c *Config) { c.BaseURL = "ftp://erp" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"zero max age", func(c *Config) { c.MaxCacheAge = 0 }},
		{"zero timeout", func(c *Config) { c.NetworkTimeout = 0 }},
		{"zero probe timeout", func(c *Config) { c.Connectivity.ProbeTimeout = 0 }},
		{"zero retries", func(c *Config) { c.Queue.MaxRetries = 0 }},
		{"negative queue size", func(c *Config) { c.Queue.MaxSize = -1 }},
		{"backoff below interval", func(c *Config) { c.Sync.MaxBackoff = time.Second }},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "redis" }},
		{"negative max bytes", func(c *Config) { c.Cache.MaxBytes = -5 }},
		{"empty map target", func(c *Config) { c.InvalidationMap["/api/ventas/"] = []string{""} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.True(t, apperrors.Is(err, apperrors.ErrConfig), "got %v", err)
		})
	}
}

func TestStoreDir(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/mipyme"
	cfg.Namespace = "tienda"
	assert.Equal(t, filepath.Join("/var/lib/mipyme", "tienda"), cfg.StoreDir())
}

func TestProbeURL(t *testing.T) {
	cfg := Default()
	cfg.BaseURL = "https://erp.example.com/"

	assert.Equal(t, "https://erp.example.com/api/health/", cfg.ProbeURL())

	cfg.Connectivity.ProbeURL = "health/"
	assert.Equal(t, "https://erp.example.com/health/", cfg.ProbeURL())

	cfg.Connectivity.ProbeURL = "https://status.example.com/ping"
	assert.Equal(t, "https://status.example.com/ping", cfg.ProbeURL())
}
