package repair

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNeedsRepairBoundaryCases(t *testing.T) {
	dir := t.TempDir()

	missing := filepath.Join(dir, "missing.gguf")
	require.True(t, NeedsRepair(missing))

	tooSmall := filepath.Join(dir, "small.gguf")
	body := append([]byte("GGUF"), make([]byte, 1023-4)...)
	require.NoError(t, os.WriteFile(tooSmall, body, 0o644))
	require.Len(t, body, 1023)
	require.True(t, NeedsRepair(tooSmall))

	exact := filepath.Join(dir, "exact.gguf")
	body2 := append([]byte("GGUF"), make([]byte, 1024-4)...)
	require.NoError(t, os.WriteFile(exact, body2, 0o644))
	require.Len(t, body2, 1024)
	require.False(t, NeedsRepair(exact))

	badMagic := filepath.Join(dir, "bad.gguf")
	require.NoError(t, os.WriteFile(badMagic, make([]byte, 2000), 0o644))
	require.True(t, NeedsRepair(badMagic))
}

type mockSyncer struct {
	hits  int32
	delay time.Duration
	fail  bool
}

func (m *mockSyncer) DownloadModel(ctx context.Context, name string) error {
	atomic.AddInt32(&m.hits, 1)
	time.Sleep(m.delay)
	if m.fail {
		return &fakeErr{}
	}
	return nil
}

type fakeErr struct{}

func (e *fakeErr) Error() string { return "simulated failure" }

func TestRepairDeduplicatesConcurrentCallers(t *testing.T) {
	syncer := &mockSyncer{delay: 200 * time.Millisecond}
	c := New(syncer, nil)

	var wg sync.WaitGroup
	results := make([]Result, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Repair(context.Background(), "concurrent-model", 2*time.Second, nil)
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.Equal(t, StatusSuccess, r.Status)
	}
	require.LessOrEqual(t, atomic.LoadInt32(&syncer.hits), int32(2))
}

func TestRepairTimeoutWhileWaitingDoesNotCancelInFlight(t *testing.T) {
	syncer := &mockSyncer{delay: 150 * time.Millisecond}
	c := New(syncer, nil)

	go c.Repair(context.Background(), "slow-model", time.Second, nil)
	time.Sleep(10 * time.Millisecond) // let the first call install the task

	result := c.Repair(context.Background(), "slow-model", 20*time.Millisecond, nil)
	require.Equal(t, StatusFailed, result.Status)
	require.Contains(t, result.Message, "timeout")

	require.True(t, c.IsRepairing("slow-model"))
	time.Sleep(200 * time.Millisecond)
	require.False(t, c.IsRepairing("slow-model"))
}

func TestRepairSurfacesSyncerFailure(t *testing.T) {
	syncer := &mockSyncer{fail: true}
	c := New(syncer, nil)

	result := c.Repair(context.Background(), "broken-model", time.Second, nil)
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, "simulated failure", result.Message)
}

func TestWaitForRepairReportsAbsence(t *testing.T) {
	c := New(&mockSyncer{}, nil)
	_, ok := c.WaitForRepair(context.Background(), "never-started", time.Millisecond)
	require.False(t, ok)
}
