package coordinator

import (
	"context"

	"noded/internal/modelsync"
	"noded/internal/repair"
)

// syncerAdapter satisfies repair.Syncer by discarding the Manifest that
// modelsync.Sync.DownloadModel returns — the repair coordinator only ever
// cares whether the re-download succeeded.
type syncerAdapter struct {
	sync *modelsync.Sync
}

// NewSyncerAdapter adapts sync to the repair.Syncer capability the repair
// coordinator needs, per spec.md §9's "compose via small interfaces" rule.
func NewSyncerAdapter(sync *modelsync.Sync) repair.Syncer {
	return &syncerAdapter{sync: sync}
}

func (a *syncerAdapter) DownloadModel(ctx context.Context, name string) error {
	_, err := a.sync.DownloadModel(ctx, name)
	return err
}
