package modelstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeModel(t *testing.T, modelsDir, dirName string, body []byte) {
	t.Helper()
	dir := filepath.Join(modelsDir, dirName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.gguf"), body, 0o644))
}

func TestResolveAndValidate(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "gpt-oss_7b", append([]byte("GGUF"), []byte("...body...")...))

	s := New(dir, nil)
	require.NotEmpty(t, s.Resolve("gpt-oss:7b"))
	require.True(t, s.Validate("gpt-oss:7b"))
	require.Empty(t, s.Resolve("missing:latest"))
	require.False(t, s.Validate("missing:latest"))
}

func TestListAvailableOnlyIncludesDirsWithGGUF(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "llama_latest", append([]byte("GGUF"), []byte("x")...))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty_dir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("hi"), 0o644))

	s := New(dir, nil)
	entries, err := s.ListAvailable()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "llama:latest", entries[0].Name)
	require.True(t, entries[0].Valid)
}

func TestListAvailableFlagsBadMagicAsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "broken_latest", []byte("NOPE"))

	s := New(dir, nil)
	entries, err := s.ListAvailable()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, entries[0].Valid)
}

func TestListAvailableMissingDirIsEmptyNotError(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	entries, err := s.ListAvailable()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestLoadMetadataMissingReturnsNilNil(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "llama_latest", []byte("GGUF"))
	s := New(dir, nil)

	meta, err := s.LoadMetadata("llama:latest")
	require.NoError(t, err)
	require.Nil(t, meta)
}

func TestLoadMetadataPresent(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "llama_latest", []byte("GGUF"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "llama_latest", "metadata.json"), []byte(`{"chat_template":"{{x}}"}`), 0o644))

	s := New(dir, nil)
	meta, err := s.LoadMetadata("llama:latest")
	require.NoError(t, err)
	require.Equal(t, "{{x}}", meta["chat_template"])
}

func TestHasValidHeader(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.gguf")
	bad := filepath.Join(dir, "bad.gguf")
	require.NoError(t, os.WriteFile(good, []byte("GGUFrest"), 0o644))
	require.NoError(t, os.WriteFile(bad, []byte("NOPErest"), 0o644))

	require.True(t, HasValidHeader(good))
	require.False(t, HasValidHeader(bad))
	require.False(t, HasValidHeader(filepath.Join(dir, "missing.gguf")))
}
