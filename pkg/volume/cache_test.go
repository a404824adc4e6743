package volume

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := NewCache(t.TempDir(), clockwork.NewFakeClock())
	require.NoError(t, err)
	return c
}

func TestCache_GetCreatesInstance(t *testing.T) {
	c := newTestCache(t)

	inst, err := c.Get("npm")
	require.NoError(t, err)

	assert.DirExists(t, inst.Path)
	assert.Equal(t, filepath.Join(c.Root(), "npm"), filepath.Dir(inst.Path))

	total, mounted := c.Stats()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, mounted)
}

func TestCache_ConcurrentGetsAreExclusive(t *testing.T) {
	c := newTestCache(t)

	const n = 16
	var wg sync.WaitGroup
	keys := make([]string, n)
	paths := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := c.Get("shared")
			assert.NoError(t, err)
			keys[i], paths[i] = inst.Key, inst.Path
		}(i)
	}
	wg.Wait()

	seenKeys := map[string]bool{}
	seenPaths := map[string]bool{}
	for i := 0; i < n; i++ {
		assert.False(t, seenKeys[keys[i]], "key handed out twice")
		assert.False(t, seenPaths[paths[i]], "path handed out twice")
		seenKeys[keys[i]] = true
		seenPaths[paths[i]] = true
	}
}

func TestCache_ReleaseReusesPathWithNewKey(t *testing.T) {
	c := newTestCache(t)

	first, err := c.Get("x")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(first.Path, "warm"), []byte("1"), 0644))
	require.NoError(t, c.Release(first.Key))

	second, err := c.Get("x")
	require.NoError(t, err)

	assert.Equal(t, first.Path, second.Path)
	assert.NotEqual(t, first.Key, second.Key)
	assert.FileExists(t, filepath.Join(second.Path, "warm"))
}

func TestCache_LIFOReuse(t *testing.T) {
	c := newTestCache(t)

	a, err := c.Get("x")
	require.NoError(t, err)
	b, err := c.Get("x")
	require.NoError(t, err)

	require.NoError(t, c.Release(a.Key))
	require.NoError(t, c.Release(b.Key))

	// b was released last so it carries the newest id
	got, err := c.Get("x")
	require.NoError(t, err)
	assert.Equal(t, b.Path, got.Path)

	got, err = c.Get("x")
	require.NoError(t, err)
	assert.Equal(t, a.Path, got.Path)
}

func TestCache_ReleaseErrors(t *testing.T) {
	c := newTestCache(t)

	inst, err := c.Get("x")
	require.NoError(t, err)
	require.NoError(t, c.Release(inst.Key))

	err = c.Release(inst.Key)
	assert.True(t, errors.Is(err, ErrUnknownInstance))

	err = c.Release("nope::1")
	assert.True(t, errors.Is(err, ErrUnknownInstance))
}

func TestCache_InvalidNames(t *testing.T) {
	c := newTestCache(t)

	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "a::b"} {
		_, err := c.Get(name)
		assert.True(t, errors.Is(err, ErrInvalidCacheName), "name %q", name)
	}
}

func TestCache_ClearRemovesOnlyUnmounted(t *testing.T) {
	c := newTestCache(t)

	held, err := c.Get("x")
	require.NoError(t, err)
	freed, err := c.Get("x")
	require.NoError(t, err)
	require.NoError(t, c.Release(freed.Key))

	require.NoError(t, c.Clear(false))
	assert.DirExists(t, freed.Path, "clear without disk pressure is a no-op")

	require.NoError(t, c.Clear(true))
	assert.NoDirExists(t, freed.Path)
	assert.DirExists(t, held.Path)

	total, mounted := c.Stats()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, mounted)

	// the held instance can still be released
	assert.NoError(t, c.Release(held.Key))
}

func TestCache_LoadAdoptsExistingDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "npm", "0000000000000000005"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "npm", "0000000000000000009"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "npm", "garbage"), 0755))

	c, err := NewCache(root, clockwork.NewFakeClockAt(clockwork.NewRealClock().Now()))
	require.NoError(t, err)
	require.NoError(t, c.Load())

	total, mounted := c.Stats()
	assert.Equal(t, 2, total)
	assert.Equal(t, 0, mounted)

	inst, err := c.Get("npm")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "npm", "0000000000000000009"), inst.Path)
}
