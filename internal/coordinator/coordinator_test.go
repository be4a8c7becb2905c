package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"noded/internal/inference"
	"noded/internal/modelcache"
	"noded/internal/modelstore"
	"noded/internal/modelsync"
	"noded/internal/repair"
	"noded/internal/router"
	"noded/pkg/types"
)

type fakeSyncer struct {
	mu    sync.Mutex
	hits  int
	path  string
	write func(path string)
	fail  bool
}

func (f *fakeSyncer) DownloadModel(ctx context.Context, name string) error {
	f.mu.Lock()
	f.hits++
	f.mu.Unlock()
	if f.fail {
		return errFakeSync
	}
	if f.write != nil {
		f.write(f.path)
	}
	return nil
}

var errFakeSync = &fakeSyncErr{}

type fakeSyncErr struct{}

func (e *fakeSyncErr) Error() string { return "sync failed" }

func writeGGUF(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data := append([]byte("GGUF"), make([]byte, 2000)...)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func newCoordinator(t *testing.T, modelsDir string, syncer repair.Syncer) *Coordinator {
	store := modelstore.New(modelsDir, nil)
	repairer := repair.New(syncer, nil)
	cache := modelcache.New(inference.NewStubEngine(), nil)
	c := New(store, repairer, cache, inference.NewStubEngine(), nil, nil)
	c.SetRepairTimeout(2 * time.Second)
	return c
}

func TestChatCompletionLoadsAndRunsWhenHealthy(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "m_latest", "model.gguf")
	writeGGUF(t, p)

	c := newCoordinator(t, dir, &fakeSyncer{})
	out, err := c.ChatCompletion(context.Background(), "m", []inference.Message{
		{Role: "user", Content: "hello"},
	}, inference.Params{MaxTokens: 100})
	require.NoError(t, err)
	require.Equal(t, "hello", out)
}

func TestChatCompletionRepairsCorruptFileThenRuns(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "m_latest", "model.gguf")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("bad"), 0o644))

	syncer := &fakeSyncer{path: p, write: func(path string) { writeGGUF(t, path) }}
	c := newCoordinator(t, dir, syncer)

	out, err := c.ChatCompletion(context.Background(), "m", []inference.Message{
		{Role: "user", Content: "hi there"},
	}, inference.Params{MaxTokens: 100})
	require.NoError(t, err)
	require.Equal(t, "hi there", out)
	require.Equal(t, 1, syncer.hits)
}

func TestChatCompletionSurfacesRepairFailure(t *testing.T) {
	dir := t.TempDir()

	syncer := &fakeSyncer{fail: true}
	c := newCoordinator(t, dir, syncer)

	_, err := c.ChatCompletion(context.Background(), "m", []inference.Message{
		{Role: "user", Content: "hi"},
	}, inference.Params{MaxTokens: 100})
	require.Error(t, err)
	require.True(t, IsRepairFailed(err))
}

func TestChatCompletionReturnsErrRepairingImmediatelyWhenAlreadyInFlight(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "m_latest", "model.gguf")

	started := make(chan struct{})
	blocker := make(chan struct{})
	syncer := &fakeSyncer{path: p, write: func(path string) {
		close(started)
		<-blocker
		writeGGUF(t, path)
	}}
	store := modelstore.New(dir, nil)
	repairer := repair.New(syncer, nil)
	cache := modelcache.New(inference.NewStubEngine(), nil)
	c := New(store, repairer, cache, inference.NewStubEngine(), nil, nil)
	c.SetRepairTimeout(300 * time.Second)

	go func() {
		_, _ = c.ChatCompletion(context.Background(), "m", []inference.Message{
			{Role: "user", Content: "first"},
		}, inference.Params{MaxTokens: 100})
	}()
	<-started

	// The second call must observe IsRepairing and return ErrRepairing
	// without blocking on the (very long) repair timeout at all.
	done := make(chan struct{})
	var err error
	go func() {
		_, err = c.ChatCompletion(context.Background(), "m", []inference.Message{
			{Role: "user", Content: "second"},
		}, inference.Params{MaxTokens: 100})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second ChatCompletion blocked instead of returning ErrRepairing immediately")
	}
	require.ErrorIs(t, err, ErrRepairing)
	close(blocker)
}

type fakeRegistryClient struct {
	manifest modelsync.Manifest
}

func (f *fakeRegistryClient) FetchCatalog(ctx context.Context) ([]modelsync.RemoteModel, error) {
	return nil, nil
}

func (f *fakeRegistryClient) FetchManifest(ctx context.Context, name string) (modelsync.Manifest, error) {
	return f.manifest, nil
}

type fakeRouterClient struct {
	mu       sync.Mutex
	reports  int
	lastTask string
}

func (f *fakeRouterClient) Register(ctx context.Context, req router.RegisterRequest) (router.RegisterResponse, error) {
	return router.RegisterResponse{}, nil
}

func (f *fakeRouterClient) Heartbeat(ctx context.Context, token string, req router.HeartbeatRequest) error {
	return nil
}

func (f *fakeRouterClient) ReportProgress(ctx context.Context, token, taskID string, progress, speed float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports++
	f.lastTask = taskID
	return nil
}

func TestPullReportsTaskProgressAndPersistsChatTemplate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("GGUF-pulled-model-bytes"))
	}))
	defer srv.Close()

	reg := &fakeRegistryClient{manifest: modelsync.Manifest{
		Files: []modelsync.ManifestFile{{Name: "model.gguf", URL: srv.URL}},
	}}
	dir := t.TempDir()
	syncEngine := modelsync.New(dir, modelsync.DefaultConfig(), reg, nil)

	store := modelstore.New(dir, nil)
	repairer := repair.New(NewSyncerAdapter(syncEngine), nil)
	cache := modelcache.New(inference.NewStubEngine(), nil)
	c := New(store, repairer, cache, inference.NewStubEngine(), syncEngine, nil)

	rc := &fakeRouterClient{}
	c.SetRouter(rc, "agent-tok")

	err := c.Pull(context.Background(), types.PullRequest{
		Model:        "m:latest",
		TaskID:       "task-1",
		ChatTemplate: "{{custom}}",
	})
	require.NoError(t, err)

	rc.mu.Lock()
	reports, lastTask := rc.reports, rc.lastTask
	rc.mu.Unlock()
	require.Greater(t, reports, 0)
	require.Equal(t, "task-1", lastTask)

	meta, err := store.LoadMetadata("m:latest")
	require.NoError(t, err)
	require.Equal(t, "{{custom}}", meta["chat_template"])
	require.EqualValues(t, 1, c.PullCount())
}

func TestPullHonorsPathHintOverManifest(t *testing.T) {
	sharedDir := t.TempDir()
	shared := filepath.Join(sharedDir, "shared.gguf")
	require.NoError(t, os.WriteFile(shared, []byte("GGUF-shared"), 0o644))

	modelsDir := t.TempDir()
	reg := &fakeRegistryClient{}
	syncEngine := modelsync.New(modelsDir, modelsync.DefaultConfig(), reg, nil)

	store := modelstore.New(modelsDir, nil)
	repairer := repair.New(NewSyncerAdapter(syncEngine), nil)
	cache := modelcache.New(inference.NewStubEngine(), nil)
	c := New(store, repairer, cache, inference.NewStubEngine(), syncEngine, nil)

	err := c.Pull(context.Background(), types.PullRequest{Model: "m:latest", Path: shared})
	require.NoError(t, err)

	got, err := os.ReadFile(store.GGUFPath("m:latest"))
	require.NoError(t, err)
	require.Equal(t, "GGUF-shared", string(got))
}
