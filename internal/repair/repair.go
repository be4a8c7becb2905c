// Package repair coordinates re-downloading models whose local copy fails
// a corruption check, deduplicating concurrent repair attempts for the
// same model. The mutex-plus-condition-variable structure of spec.md §4.6
// is expressed with Go's idiomatic substitute for a condvar with a
// timeout: a per-task channel that is closed exactly once, on completion.
package repair

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"noded/internal/modelstore"
)

// Status is the lifecycle state of a repair attempt.
type Status int

const (
	StatusIdle Status = iota
	StatusInProgress
	StatusSuccess
	StatusFailed
)

// Result is the outcome of a repair() call.
type Result struct {
	Status  Status
	Message string
}

// Syncer is the one capability the repair coordinator needs: re-fetching a
// model's files. It deliberately knows nothing about the Cache (spec.md
// §9's "compose via small interfaces; do not let layers reach back up").
type Syncer interface {
	DownloadModel(ctx context.Context, name string) error
}

// ProgressFunc is the type of Repair's progress argument. Repair does not
// call it: Syncer.DownloadModel takes no progress callback.
type ProgressFunc func(downloaded, total int64)

type task struct {
	startedAt time.Time
	done      chan struct{}
	result    Result
}

func (t *task) isCompleted() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Coordinator deduplicates repair(name) calls (invariant I4: at most one
// RepairTask per ModelName is !completed).
type Coordinator struct {
	mu     sync.Mutex
	tasks  map[string]*task
	syncer Syncer
	log    *zerolog.Logger
}

// New returns a Coordinator that repairs models via syncer.
func New(syncer Syncer, logger *zerolog.Logger) *Coordinator {
	return &Coordinator{
		tasks:  make(map[string]*task),
		syncer: syncer,
		log:    logger,
	}
}

// NeedsRepair reports whether path fails any corruption check in spec.md
// §4.6 / invariant P6: missing, smaller than 1024 bytes, or a bad magic.
func NeedsRepair(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return true
	}
	if fi.Size() < 1024 {
		return true
	}
	return !modelstore.HasValidHeader(path)
}

// IsRepairing reports whether name currently has an in-flight repair task.
func (c *Coordinator) IsRepairing(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[name]
	return ok && !t.isCompleted()
}

// Repair runs (or joins) a repair for name, per spec.md §4.6. timeout
// bounds only the wait when joining an in-flight task; a call that starts
// the repair runs DownloadModel until it returns or ctx ends. No elapsed
// time is measured or reported in the Result.
func (c *Coordinator) Repair(ctx context.Context, name string, timeout time.Duration, progress ProgressFunc) Result {
	c.mu.Lock()
	if t, ok := c.tasks[name]; ok && !t.isCompleted() {
		c.mu.Unlock()
		return c.wait(ctx, t, timeout)
	}

	t := &task{startedAt: time.Now(), done: make(chan struct{})}
	c.tasks[name] = t
	c.mu.Unlock()

	err := c.syncer.DownloadModel(ctx, name)

	result := Result{Status: StatusSuccess}
	if err != nil {
		result = Result{Status: StatusFailed, Message: err.Error()}
	}

	c.mu.Lock()
	t.result = result
	close(t.done)
	c.mu.Unlock()

	return result
}

// WaitForRepair waits for an in-flight repair of name to complete, or
// reports that none is running.
func (c *Coordinator) WaitForRepair(ctx context.Context, name string, timeout time.Duration) (Result, bool) {
	c.mu.Lock()
	t, ok := c.tasks[name]
	c.mu.Unlock()
	if !ok {
		return Result{}, false
	}
	return c.wait(ctx, t, timeout), true
}

func (c *Coordinator) wait(ctx context.Context, t *task, timeout time.Duration) Result {
	select {
	case <-t.done:
		return t.result
	case <-time.After(timeout):
		return Result{Status: StatusFailed, Message: "Repair timeout while waiting for existing repair"}
	case <-ctx.Done():
		return Result{Status: StatusFailed, Message: ctx.Err().Error()}
	}
}
