package modelcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type mockLoader struct {
	mu        sync.Mutex
	loadCalls int32
	loadFn    func(path string) (uint64, error)
}

func (m *mockLoader) LoadModel(path string, gpuLayers int) (NativeModel, uint64, error) {
	atomic.AddInt32(&m.loadCalls, 1)
	size := uint64(1000)
	var err error
	if m.loadFn != nil {
		size, err = m.loadFn(path)
	}
	if err != nil {
		return nil, 0, err
	}
	return path, size, nil
}

func (m *mockLoader) CreateContext(model NativeModel, nCtx, nBatch int) (NativeContext, error) {
	return model, nil
}

func (m *mockLoader) ReleaseContext(ctx NativeContext) {}
func (m *mockLoader) ReleaseModel(model NativeModel)   {}

func writeGGUF(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("GGUF"), 0o644))
}

func TestLoadIfNeededIdempotent(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.gguf")
	writeGGUF(t, p)

	loader := &mockLoader{}
	c := New(loader, nil)

	ok, err := c.LoadIfNeeded(p)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.LoadIfNeeded(p)
	require.NoError(t, err)
	require.True(t, ok)

	require.EqualValues(t, 1, atomic.LoadInt32(&loader.loadCalls))
	require.Equal(t, 1, c.LoadedCount())
}

func TestRejectsNonGGUFExtensionExceptOllamaBlob(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hi"), 0o644))

	c := New(&mockLoader{}, nil)
	_, err := c.LoadIfNeeded(txt)
	require.Error(t, err)
	require.True(t, IsInvalidFormat(err))
}

func TestAcceptsOllamaBlobNaming(t *testing.T) {
	dir := t.TempDir()
	digest := fmt.Sprintf("sha256-%064d", 7)
	p := filepath.Join(dir, digest)
	require.NoError(t, os.WriteFile(p, []byte("GGUF"), 0o644))

	c := New(&mockLoader{}, nil)
	ok, err := c.LoadIfNeeded(p)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRejectsMissingFile(t *testing.T) {
	c := New(&mockLoader{}, nil)
	_, err := c.LoadIfNeeded(filepath.Join(t.TempDir(), "missing.gguf"))
	require.Error(t, err)
	require.True(t, IsNotFound(err))
}

func TestMaxLoadedEvictsLRU(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.gguf")
	b := filepath.Join(dir, "b.gguf")
	writeGGUF(t, a)
	writeGGUF(t, b)

	c := New(&mockLoader{}, nil)
	c.SetMaxLoaded(1)

	_, err := c.LoadIfNeeded(a)
	require.NoError(t, err)
	_, err = c.LoadIfNeeded(b)
	require.NoError(t, err)

	require.Equal(t, 1, c.LoadedCount())
	require.False(t, c.IsLoaded(a))
	require.True(t, c.IsLoaded(b))
}

func TestMaxLoadedOneAcquireAThenBThenA(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.gguf")
	b := filepath.Join(dir, "b.gguf")
	writeGGUF(t, a)
	writeGGUF(t, b)

	c := New(&mockLoader{}, nil)
	c.SetMaxLoaded(1)

	_, _ = c.LoadIfNeeded(a)
	_, _ = c.LoadIfNeeded(b)
	_, _ = c.LoadIfNeeded(a)

	require.Equal(t, []string{canonicalMust(t, a)}, c.LoadedModels())
}

func canonicalMust(t *testing.T, p string) string {
	t.Helper()
	c, err := canonicalize(p)
	require.NoError(t, err)
	return c
}

func TestMaxMemoryEvictsUntilFits(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.gguf")
	b := filepath.Join(dir, "b.gguf")
	// Admission estimates a model's size from its on-disk file, so each
	// file is as large as the 600 bytes the loader reports.
	body := append([]byte("GGUF"), make([]byte, 596)...)
	require.NoError(t, os.WriteFile(a, body, 0o644))
	require.NoError(t, os.WriteFile(b, body, 0o644))

	loader := &mockLoader{loadFn: func(path string) (uint64, error) { return 600, nil }}
	c := New(loader, nil)
	c.SetMaxMemory(1000)

	_, err := c.LoadIfNeeded(a)
	require.NoError(t, err)
	_, err = c.LoadIfNeeded(b)
	require.NoError(t, err)

	require.Equal(t, 1, c.LoadedCount())
	require.LessOrEqual(t, c.MemoryBytes(), uint64(1000))
}

func TestIdleEviction(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.gguf")
	writeGGUF(t, a)

	c := New(&mockLoader{}, nil)
	c.SetIdleTimeout(10 * time.Millisecond)

	_, err := c.LoadIfNeeded(a)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	n := c.UnloadIdle()
	require.Equal(t, 1, n)
	require.Equal(t, 0, c.LoadedCount())
	require.EqualValues(t, 0, c.MemoryBytes())
}

func TestConcurrentLoadIfNeededForSamePathLoadsOnce(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.gguf")
	writeGGUF(t, p)

	loader := &mockLoader{loadFn: func(path string) (uint64, error) {
		time.Sleep(30 * time.Millisecond)
		return 500, nil
	}}
	c := New(loader, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.LoadIfNeeded(p)
			require.NoError(t, err)
			require.True(t, ok)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&loader.loadCalls))
	require.Equal(t, 1, c.LoadedCount())
}

func TestUnloadRemovesEntry(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.gguf")
	writeGGUF(t, p)

	c := New(&mockLoader{}, nil)
	_, err := c.LoadIfNeeded(p)
	require.NoError(t, err)

	require.True(t, c.Unload(p))
	require.False(t, c.IsLoaded(p))
	require.False(t, c.Unload(p))
}
