package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleDef(t *testing.T, stream, version string) *Definition {
	t.Helper()
	def, err := New(stream, version).Start("start").End("end").Build()
	require.NoError(t, err)
	return def
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	v1 := simpleDef(t, "orders", "1")
	v2 := simpleDef(t, "orders", "2")

	require.NoError(t, r.Register(v1))
	require.NoError(t, r.Register(v2))

	got, err := r.Get("orders", "1")
	require.NoError(t, err)
	assert.Same(t, v1, got)

	latest, err := r.Latest("orders")
	require.NoError(t, err)
	assert.Same(t, v2, latest)

	assert.Equal(t, []string{"1", "2"}, r.Versions("orders"))
	assert.Equal(t, []string{"orders"}, r.Streams())
}

func TestRegistry_DuplicateVersion(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(simpleDef(t, "orders", "1")))

	err := r.Register(simpleDef(t, "orders", "1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistry_DefaultVersion(t *testing.T) {
	r := NewRegistry()
	def := simpleDef(t, "orders", "")
	require.NoError(t, r.Register(def))
	assert.Equal(t, "v1", def.Version)
}

func TestRegistry_NotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Latest("missing")
	assert.ErrorIs(t, err, ErrFlowNotFound)

	require.NoError(t, r.Register(simpleDef(t, "orders", "1")))
	_, err = r.Get("orders", "9")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestRegistry_SetActive(t *testing.T) {
	r := NewRegistry()
	def := simpleDef(t, "orders", "1")
	require.NoError(t, r.Register(def))

	require.NoError(t, r.SetActive("orders", "1", false))
	assert.False(t, def.Active())
	assert.ErrorIs(t, r.SetActive("nope", "1", true), ErrFlowNotFound)
}
