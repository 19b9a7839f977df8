package cache

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain path", "/api/ventas/", "/api/ventas/"},
		{"absolute URL drops host", "https://erp.example.com/api/ventas/", "/api/ventas/"},
		{"query sorted", "/api/ventas/?page=2&estado=pagada", "/api/ventas/?estado=pagada&page=2"},
		{"empty query dropped", "/api/ventas/?", "/api/ventas/"},
		{"dot segments cleaned", "/api/./ventas/../clientes/", "/api/clientes/"},
		{"duplicate slashes", "/api//productos/", "/api/productos/"},
		{"no trailing slash kept", "/api/productos/7", "/api/productos/7"},
		{"empty path", "https://erp.example.com", "/"},
		{"relative path", "api/compras/", "/api/compras/"},
		{"fragment ignored", "/api/clientes/#top", "/api/clientes/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, NormalizeKey(u))
		})
	}
}

func TestNormalizeKey_methodIndependent(t *testing.T) {
	a, _ := url.Parse("/api/clientes/?b=2&a=1")
	b, _ := url.Parse("http://localhost:8000/api/clientes/?a=1&b=2")
	assert.Equal(t, NormalizeKey(a), NormalizeKey(b))
}

func TestNormalizeTarget(t *testing.T) {
	key, err := NormalizeTarget("/api/ventas/?page=1")
	require.NoError(t, err)
	assert.Equal(t, "/api/ventas/?page=1", key)

	_, err = NormalizeTarget("http://[::1")
	assert.Error(t, err)
}
