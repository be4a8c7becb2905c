// Package modelsync diffs the router's model catalog against the local
// model directory and drives internal/downloader to fetch what's missing,
// honoring per-file priority classes and persisting an ETag/size cache
// across restarts.
package modelsync

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"noded/internal/downloader"
	"noded/internal/modelpath"
	"noded/internal/modelstore"
)

// Config carries the subset of spec.md §6 knobs that affect scheduling.
type Config struct {
	MaxConcurrency int
	DownloaderCfg  downloader.Config
}

// DefaultConfig mirrors spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrency: 4, DownloaderCfg: downloader.DefaultConfig()}
}

// Sync diffs and fetches models for one node.
type Sync struct {
	modelsDir string
	cfg       Config
	registry  RegistryClient
	dl        *downloader.Downloader
	store     *modelstore.Store
	cache     *etagCache
	log       *zerolog.Logger

	mu     sync.Mutex
	status Status
}

// New returns a Sync rooted at modelsDir, talking to registry for catalog
// and manifest data.
func New(modelsDir string, cfg Config, registry RegistryClient, logger *zerolog.Logger) *Sync {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	s := &Sync{
		modelsDir: modelsDir,
		cfg:       cfg,
		registry:  registry,
		dl:        downloader.New(modelsDir, cfg.DownloaderCfg, logger),
		store:     modelstore.New(modelsDir, logger),
		cache:     newEtagCache(modelsDir),
		log:       logger,
		status:    StatusIdle,
	}
	s.cache.load()
	return s
}

// Status returns the current lifecycle state.
func (s *Sync) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Sync) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// GetCachedETag returns the persisted ETag for a model name, if any.
func (s *Sync) GetCachedETag(name string) (string, bool) {
	e, ok := s.cache.get(name)
	if !ok {
		return "", false
	}
	return e.ETag, true
}

// GetCachedSize returns the persisted size for a model name, if any.
func (s *Sync) GetCachedSize(name string) (uint64, bool) {
	e, ok := s.cache.get(name)
	if !ok {
		return 0, false
	}
	return e.Size, true
}

// FetchRemote pulls the router's catalog and updates the in-memory
// ETag/size cache for every entry that carries one.
func (s *Sync) FetchRemote(ctx context.Context) ([]RemoteModel, error) {
	remote, err := s.registry.FetchCatalog(ctx)
	if err != nil {
		return nil, &syncFailedError{reason: err.Error()}
	}
	for _, m := range remote {
		if m.ETag != "" || m.Size != 0 {
			s.cache.set(m.ID, cacheEntry{ETag: m.ETag, Size: m.Size})
		}
	}
	return remote, nil
}

// Diff computes the symmetric difference between the remote catalog and
// the locally available model directories.
func (s *Sync) Diff(remote []RemoteModel) (Diff, error) {
	local, err := s.store.ListAvailable()
	if err != nil {
		return Diff{}, err
	}
	localSet := make(map[string]bool, len(local))
	for _, e := range local {
		localSet[e.Name] = true
	}
	remoteSet := make(map[string]bool, len(remote))
	for _, m := range remote {
		remoteSet[m.ID] = true
	}

	var diff Diff
	for name := range remoteSet {
		if !localSet[name] {
			diff.ToDownload = append(diff.ToDownload, name)
		}
	}
	for name := range localSet {
		if !remoteSet[name] {
			diff.ToDelete = append(diff.ToDelete, name)
		}
	}
	sort.Strings(diff.ToDownload)
	sort.Strings(diff.ToDelete)
	return diff, nil
}

// RunSync performs one full sync() pass: fetch, diff, eager download,
// persist the ETag cache, and report the resulting status. Local
// directories named in the diff's ToDelete are reported but never removed
// automatically — deleting a user's model files is not undertaken without
// an explicit, separate operation.
func (s *Sync) RunSync(ctx context.Context) (Diff, error) {
	s.setStatus(StatusRunning)

	remote, err := s.FetchRemote(ctx)
	if err != nil {
		s.setStatus(StatusFailed)
		return Diff{}, err
	}

	diff, err := s.Diff(remote)
	if err != nil {
		s.setStatus(StatusFailed)
		return Diff{}, err
	}

	byID := make(map[string]RemoteModel, len(remote))
	for _, m := range remote {
		byID[m.ID] = m
	}

	var firstErr error
	for _, name := range diff.ToDownload {
		m := byID[name]
		if m.Path != "" {
			if err := s.copyFromSharedPath(name, m.Path); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, err := s.DownloadModel(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.cache.persist(); err != nil && firstErr == nil {
		firstErr = err
	}

	if firstErr != nil {
		s.setStatus(StatusFailed)
		return diff, firstErr
	}
	s.setStatus(StatusSuccess)
	return diff, nil
}

// copyFromSharedPath satisfies a RemoteModel whose catalog entry points at
// a shared-filesystem source, preferred over HTTP per spec.md §3.
func (s *Sync) copyFromSharedPath(name, srcPath string) error {
	dst := s.store.GGUFPath(name)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, src)
	return err
}

// DownloadModel fetches a model's manifest and schedules each file per the
// priority-class rules in spec.md §4.5.
func (s *Sync) DownloadModel(ctx context.Context, name string) (Manifest, error) {
	return s.downloadModel(ctx, name, nil)
}

// DownloadModelWithProgress is DownloadModel with a progress callback
// threaded through to every file's download, for callers (a /pull
// request naming a task_id) that report progress upstream as the fetch
// proceeds rather than only on completion.
func (s *Sync) DownloadModelWithProgress(ctx context.Context, name string, progress downloader.ProgressFunc) (Manifest, error) {
	return s.downloadModel(ctx, name, progress)
}

func (s *Sync) downloadModel(ctx context.Context, name string, progress downloader.ProgressFunc) (Manifest, error) {
	manifest, err := s.registry.FetchManifest(ctx, name)
	if err != nil {
		return Manifest{}, &manifestFetchError{model: name, err: err}
	}

	var high, low []ManifestFile
	for _, f := range manifest.Files {
		if f.Priority >= 0 {
			high = append(high, f)
		} else {
			low = append(low, f)
		}
	}
	sort.SliceStable(high, func(i, j int) bool { return high[i].Priority > high[j].Priority })
	sort.SliceStable(low, func(i, j int) bool { return low[i].Priority > low[j].Priority })

	if err := s.runClass(ctx, name, high, s.cfg.MaxConcurrency, 1, progress); err != nil {
		return manifest, err
	}

	lowConcurrency, bwDivisorBase := lowClassParams(low, s.cfg.MaxConcurrency)
	if err := s.runClass(ctx, name, low, lowConcurrency, bwDivisorBase, progress); err != nil {
		return manifest, err
	}
	return manifest, nil
}

// FetchDirect satisfies a /pull request's path or download_url hint
// directly, bypassing the registry manifest entirely: path is preferred
// (a shared-filesystem copy, the same mechanism RunSync uses for a
// catalog entry carrying a Path), falling back to a direct HTTP fetch of
// downloadURL when only that is set. It takes no chat template; the
// caller persists one separately through modelstore's SaveChatTemplate.
func (s *Sync) FetchDirect(ctx context.Context, name, path, downloadURL string, progress downloader.ProgressFunc) error {
	switch {
	case path != "":
		return s.copyFromSharedPath(name, path)
	case downloadURL != "":
		outName := filepath.Join(modelpath.NameToDir(name), "model.gguf")
		_, err := s.dl.Download(ctx, downloadURL, outName, progress, "", "")
		return err
	default:
		return errNoDirectSource
	}
}

// lowClassParams derives the low-class concurrency cap (divided by
// 1+|most negative priority|, minimum 1). The per-file bandwidth divisor
// is computed per file from its own priority in runClass, so the second
// return value here is unused by callers today but kept for symmetry.
func lowClassParams(low []ManifestFile, maxConcurrency int) (concurrency, bwDivisorBase int) {
	mostNegative := 0
	for _, f := range low {
		if f.Priority < mostNegative {
			mostNegative = f.Priority
		}
	}
	divisor := 1 + abs(mostNegative)
	c := maxConcurrency / divisor
	if c < 1 {
		c = 1
	}
	return c, divisor
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// runClass runs files concurrently, bounded by concurrency, launching in
// the slice's (already priority-descending) order. One failing task
// cancels the remaining tasks in this class only. progress, if non-nil,
// is passed through to every file's download unchanged — it reports
// per-file byte counts, not an aggregate across the class.
func (s *Sync) runClass(ctx context.Context, modelName string, files []ManifestFile, concurrency, _ int, progress downloader.ProgressFunc) error {
	if len(files) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(concurrency))

	for _, f := range files {
		f := f
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			_, err := s.downloadWithHint(gctx, modelName, f, progress)
			return err
		})
	}
	return g.Wait()
}

// downloadWithHint implements spec.md §4.5's download_with_hint: consult
// the cache, short-circuit on a size match, and only pass If-None-Match
// when a local file already exists.
func (s *Sync) downloadWithHint(ctx context.Context, modelName string, f ManifestFile, progress downloader.ProgressFunc) (string, error) {
	outName := filepath.Join(modelpath.NameToDir(modelName), fileNameFor(f))
	localPath := filepath.Join(s.modelsDir, outName)

	cached, hasCached := s.cache.get(modelName)
	if hasCached {
		if fi, err := os.Stat(localPath); err == nil && fi.Mode().IsRegular() && uint64(fi.Size()) == cached.Size {
			return localPath, nil
		}
	}

	ifNoneMatch := ""
	if hasCached {
		if _, err := os.Stat(localPath); err == nil {
			ifNoneMatch = cached.ETag
		}
	}

	cfg := s.cfg.DownloaderCfg
	if f.Priority < 0 && cfg.MaxBytesPerSec > 0 {
		cfg.MaxBytesPerSec = cfg.MaxBytesPerSec / int64(1+abs(f.Priority))
	}
	dl := s.dl
	if cfg != s.cfg.DownloaderCfg {
		dl = downloader.New(s.modelsDir, cfg, s.log)
	}

	url := f.URL
	if url == "" {
		url = modelpath.NameToDir(modelName) + "/" + f.Name
	}
	return dl.Download(ctx, url, outName, progress, f.Digest, ifNoneMatch)
}

func fileNameFor(f ManifestFile) string {
	if f.Name != "" {
		return f.Name
	}
	return "model.gguf"
}
