package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/mipyme/offline/internal/errors"
)

func testRouter(t *testing.T) *Router {
	t.Helper()
	r, err := New(Config{
		CacheablePatterns: []string{"/api/productos/", "/api/clientes/", "/api/proveedores/", "/api/ventas/", "/api/compras/"},
		CriticalPatterns:  []string{"/api/ventas/", "/api/productos/", "/api/clientes/", "/api/finanzas/movimientos/"},
		InvalidationMap: map[string][]string{
			"/api/ventas/": {"/api/finanzas/movimientos/"},
		},
	})
	require.NoError(t, err)
	return r
}

func TestClassify(t *testing.T) {
	r := testRouter(t)

	tests := []struct {
		name     string
		method   string
		target   string
		kind     Kind
		critical bool
	}{
		{"critical read", http.MethodGet, "/api/ventas/?page=1", KindCacheableRead, true},
		{"cacheable non-critical read", http.MethodGet, "/api/compras/", KindCacheableRead, false},
		{"critical only read", http.MethodGet, "/api/finanzas/movimientos/", KindCacheableRead, true},
		{"head read", http.MethodHead, "/api/proveedores/", KindCacheableRead, false},
		{"unmatched read", http.MethodGet, "/api/auth/me/", KindPassthrough, false},
		{"post write", http.MethodPost, "/api/ventas/", KindWrite, false},
		{"put write", http.MethodPut, "/api/clientes/3/", KindWrite, false},
		{"patch write", http.MethodPatch, "/api/clientes/3/", KindWrite, false},
		{"delete write", http.MethodDelete, "/api/productos/9/", KindWrite, false},
		{"write outside patterns", http.MethodPost, "/api/auth/login/", KindWrite, false},
		{"options passthrough", http.MethodOptions, "/api/ventas/", KindPassthrough, false},
		{"lowercase method", "get", "/api/ventas/", KindCacheableRead, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := r.ClassifyTarget(tt.method, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, c.Kind)
			assert.Equal(t, tt.critical, c.Critical)
		})
	}
}

func TestClassify_request(t *testing.T) {
	r := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "http://erp.local/api/clientes/?b=2&a=1", nil)

	c := r.Classify(req)
	assert.True(t, c.IsRead())
	assert.False(t, c.IsWrite())
	assert.Equal(t, "/api/clientes/?a=1&b=2", c.Key)
	assert.Equal(t, http.MethodGet, c.Method)
	assert.Empty(t, c.Families)
}

func TestClassify_emptyMethodIsGet(t *testing.T) {
	r := testRouter(t)
	c, err := r.ClassifyTarget("", "/api/ventas/")
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, c.Method)
	assert.True(t, c.IsRead())
}

func TestFamilies(t *testing.T) {
	r := testRouter(t)

	t.Run("sale invalidates sales and movements", func(t *testing.T) {
		c, err := r.ClassifyTarget(http.MethodPost, "/api/ventas/")
		require.NoError(t, err)
		assert.Equal(t, []string{"/api/ventas/", "/api/finanzas/movimientos/"}, c.Families)
	})

	t.Run("item write invalidates its family", func(t *testing.T) {
		assert.Equal(t, []string{"/api/clientes/"}, r.Families("/api/clientes/12/"))
	})

	t.Run("query string ignored", func(t *testing.T) {
		assert.Equal(t, []string{"/api/compras/"}, r.Families("/api/compras/?x=1"))
	})

	t.Run("unmatched falls back to own path", func(t *testing.T) {
		assert.Equal(t, []string{"/api/auth/login/"}, r.Families("/api/auth/login/?next=/"))
	})
}

func TestGlobPatterns(t *testing.T) {
	r, err := New(Config{
		CacheablePatterns: []string{"/api/clientes/*/historial/"},
		CriticalPatterns:  []string{"/api/*/resumen/"},
	})
	require.NoError(t, err)

	c, err := r.ClassifyTarget(http.MethodGet, "/api/clientes/5/historial/?page=2")
	require.NoError(t, err)
	assert.Equal(t, KindCacheableRead, c.Kind)
	assert.False(t, c.Critical)

	c, err = r.ClassifyTarget(http.MethodGet, "/api/ventas/resumen/")
	require.NoError(t, err)
	assert.True(t, c.Critical)

	c, err = r.ClassifyTarget(http.MethodGet, "/api/clientes/historial/")
	require.NoError(t, err)
	assert.Equal(t, KindPassthrough, c.Kind)

	assert.Equal(t, []string{"/api/clientes/5/historial/"}, r.Families("/api/clientes/5/historial/3/"))
	assert.Equal(t, []string{"/api/"}, r.CriticalPrefixes())
}

func TestCriticalPrefixes(t *testing.T) {
	r := testRouter(t)
	assert.Equal(t,
		[]string{"/api/ventas/", "/api/productos/", "/api/clientes/", "/api/finanzas/movimientos/"},
		r.CriticalPrefixes())
}

func TestNew_rootsPatterns(t *testing.T) {
	r, err := New(Config{
		CacheablePatterns: []string{"api/productos/"},
		InvalidationMap:   map[string][]string{"api/ventas/": {"api/finanzas/movimientos/"}},
	})
	require.NoError(t, err)

	c, err := r.ClassifyTarget(http.MethodGet, "/api/productos/")
	require.NoError(t, err)
	assert.True(t, c.IsRead())
	assert.Equal(t, []string{"/api/ventas/", "/api/finanzas/movimientos/"}, r.Families("/api/ventas/1/"))
}

func TestNew_invalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty pattern", Config{CacheablePatterns: []string{""}}},
		{"bad glob", Config{CriticalPatterns: []string{"/api/[/"}}},
		{"empty map key", Config{InvalidationMap: map[string][]string{"": {"/api/x/"}}}},
		{"empty map target", Config{InvalidationMap: map[string][]string{"/api/x/": {""}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.True(t, apperrors.Is(err, apperrors.ErrConfig), "got %v", err)
		})
	}
}

func TestClassifyTarget_invalid(t *testing.T) {
	r := testRouter(t)
	_, err := r.ClassifyTarget(http.MethodGet, "http://[::1")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}
