// Package coordinator implements the Request Coordinator of spec.md §4.9:
// a stateless, one-page orchestrator that resolves a model name to a path,
// gates on repair, loads it into the cache, and hands it to the inference
// pipeline — translating an in-progress repair into a distinct, non-error
// outcome the transport layer can turn into an accepted-but-deferred
// response instead of blocking a worker goroutine on it.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"noded/internal/inference"
	"noded/internal/modelcache"
	"noded/internal/modelstore"
	"noded/internal/modelsync"
	"noded/internal/repair"
	"noded/internal/router"
	"noded/pkg/types"
)

// Coordinator wires C3 (Storage), C6 (Repair), C7 (Cache) and C8 (Pipeline)
// together for one request. It holds no per-request state; the only
// mutable state it owns is the per-context serialization locks required
// because concurrent inference against the same loaded context is not
// permitted (spec.md §5, "Shared resources").
type Coordinator struct {
	store  *modelstore.Store
	repair *repair.Coordinator
	cache  *modelcache.Cache
	engine inference.Engine
	pipe   *inference.Pipeline
	sync   *modelsync.Sync
	log    *zerolog.Logger

	routerClient router.Client
	agentToken   string

	repairTimeout time.Duration
	startedAt     time.Time
	pullCount     atomic.Int64

	ctxLocksMu sync.Mutex
	ctxLocks   map[string]*sync.Mutex
}

// New returns a Coordinator. engine is used both as the cache's
// NativeLoader and as the inference pipeline's backend, so a model loaded
// once by the Cache is the exact model instance Generate runs against.
// syncer is optional: a nil syncer means Pull always fails, which is fine
// for tests that only exercise inference.
func New(store *modelstore.Store, repairer *repair.Coordinator, cache *modelcache.Cache, engine inference.Engine, syncer *modelsync.Sync, logger *zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:         store,
		repair:        repairer,
		cache:         cache,
		engine:        engine,
		pipe:          inference.NewPipeline(engine),
		sync:          syncer,
		log:           logger,
		repairTimeout: 300 * time.Second,
		startedAt:     time.Now(),
		ctxLocks:      make(map[string]*sync.Mutex),
	}
}

// SetRepairTimeout overrides the default wait bound used when a request
// triggers or joins a repair, per the config knob "repair_timeout_secs".
func (c *Coordinator) SetRepairTimeout(d time.Duration) {
	if d > 0 {
		c.repairTimeout = d
	}
}

// SetRouter wires the router client and agent token Pull uses to report
// task progress via POST /api/tasks/<id>/progress. A Coordinator with no
// router set simply skips progress reporting; the pull itself still runs.
func (c *Coordinator) SetRouter(client router.Client, agentToken string) {
	c.routerClient = client
	c.agentToken = agentToken
}

// ChatCompletion resolves name, repairs it if needed, loads it, and runs
// messages through the inference pipeline, returning the final text.
func (c *Coordinator) ChatCompletion(ctx context.Context, name string, messages []inference.Message, params inference.Params) (string, error) {
	path, meta, err := c.prepare(ctx, name)
	if err != nil {
		return "", err
	}

	lock := c.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	model := c.cache.ModelOf(path)
	nativeCtx := c.cache.ContextOf(path)
	if nativeCtx == nil {
		return "", &notLoadedError{name: name}
	}

	return c.pipe.ChatCompletion(ctx, model, nativeCtx, meta, messages, params)
}

// ChatCompletionStream is the streaming counterpart of ChatCompletion.
func (c *Coordinator) ChatCompletionStream(ctx context.Context, name string, messages []inference.Message, params inference.Params, fn inference.StreamFunc) error {
	path, meta, err := c.prepare(ctx, name)
	if err != nil {
		return err
	}

	lock := c.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	model := c.cache.ModelOf(path)
	nativeCtx := c.cache.ContextOf(path)
	if nativeCtx == nil {
		return &notLoadedError{name: name}
	}

	return c.pipe.ChatCompletionStream(ctx, model, nativeCtx, meta, messages, params, fn)
}

// prepare resolves name to an on-disk path, gates on repair, and ensures
// the model is loaded into the cache. It returns ErrRepairing (not a
// normal error) at once, without waiting, when another call is already
// repairing the model, and also when this call's own repair wait ended
// with the repair still in progress — the caller should map that to an
// accepted-but-deferred transport response rather than a hard failure.
func (c *Coordinator) prepare(ctx context.Context, name string) (string, map[string]any, error) {
	path := c.store.GGUFPath(name)

	if repair.NeedsRepair(path) {
		if c.repair.IsRepairing(name) {
			return "", nil, ErrRepairing
		}

		result := c.repair.Repair(ctx, name, c.repairTimeout, nil)
		switch result.Status {
		case repair.StatusSuccess:
			// fall through to load
		case repair.StatusFailed:
			if c.repair.IsRepairing(name) {
				return "", nil, ErrRepairing
			}
			return "", nil, &repairFailedError{name: name, reason: result.Message}
		default:
			return "", nil, ErrRepairing
		}
	}

	if !c.store.Validate(name) {
		return "", nil, &notFoundError{name: name}
	}

	if _, err := c.cache.LoadIfNeeded(path); err != nil {
		return "", nil, &loadFailedError{name: name, err: err}
	}

	meta, err := c.store.LoadMetadata(name)
	if err != nil {
		meta = nil
	}
	return c.store.GGUFPath(name), meta, nil
}

// ListModels reports every model with a valid model.gguf under the models
// directory, for GET /v1/models.
func (c *Coordinator) ListModels() ([]types.ModelObject, error) {
	entries, err := c.store.ListAvailable()
	if err != nil {
		return nil, err
	}
	out := make([]types.ModelObject, 0, len(entries))
	for _, e := range entries {
		out = append(out, types.ModelObject{ID: e.Name, Path: e.Path})
	}
	return out, nil
}

// Pull fetches req.Model via the configured Sync, for POST /pull. Intended
// to be run in a detached goroutine by the transport layer; it increments
// PullCount regardless of outcome so /metrics reflects attempts made, not
// just successes.
//
// req.Path and req.DownloadURL, when set, bypass the registry manifest
// entirely (the same shared-path-over-HTTP preference RunSync applies to
// a catalog entry). req.TaskID, when set, is reported to the router's
// task-progress endpoint as the download proceeds. req.ChatTemplate, when
// set, is persisted once the model lands so family detection can see it.
func (c *Coordinator) Pull(ctx context.Context, req types.PullRequest) error {
	defer c.pullCount.Add(1)
	if c.sync == nil {
		return &notConfiguredError{op: "pull"}
	}

	progress := c.progressReporter(ctx, req.TaskID)

	var err error
	if req.Path != "" || req.DownloadURL != "" {
		err = c.sync.FetchDirect(ctx, req.Model, req.Path, req.DownloadURL, progress)
	} else {
		_, err = c.sync.DownloadModelWithProgress(ctx, req.Model, progress)
	}
	if err != nil {
		return err
	}

	return c.store.SaveChatTemplate(req.Model, req.ChatTemplate)
}

// progressReporter builds a download progress callback that reports to
// the router's task-progress endpoint, throttled to once per second so a
// fast local sync doesn't flood the router with updates. It is a no-op
// when no taskID or router client is configured.
func (c *Coordinator) progressReporter(ctx context.Context, taskID string) func(downloaded, total int64) {
	if taskID == "" || c.routerClient == nil {
		return nil
	}
	var lastReport time.Time
	return func(downloaded, total int64) {
		if total <= 0 {
			return
		}
		now := time.Now()
		if !lastReport.IsZero() && now.Sub(lastReport) < time.Second {
			return
		}
		lastReport = now
		_ = c.routerClient.ReportProgress(ctx, c.agentToken, taskID, float64(downloaded)/float64(total), 0)
	}
}

// Ready reports whether the node is ready to serve inference traffic. The
// node has no separate warm-up phase of its own (models load lazily on
// first request per spec.md §4.7), so readiness here reduces to "the
// models directory is reachable."
func (c *Coordinator) Ready() bool {
	_, err := c.store.ListAvailable()
	return err == nil
}

// Uptime reports seconds since the Coordinator was constructed, which
// happens once at process startup.
func (c *Coordinator) Uptime() float64 {
	return time.Since(c.startedAt).Seconds()
}

// PullCount reports the number of pull attempts served since startup.
func (c *Coordinator) PullCount() int64 {
	return c.pullCount.Load()
}

func (c *Coordinator) lockFor(path string) *sync.Mutex {
	c.ctxLocksMu.Lock()
	defer c.ctxLocksMu.Unlock()
	l, ok := c.ctxLocks[path]
	if !ok {
		l = &sync.Mutex{}
		c.ctxLocks[path] = l
	}
	return l
}
