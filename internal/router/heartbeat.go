package router

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Snapshot is the node-local state a HeartbeatLoop samples on each tick.
// Supplying it as a function (rather than a struct) lets the caller read
// live values (loaded models, active requests) without the router package
// needing to know about the cache or coordinator.
type Snapshot func() HeartbeatRequest

// HeartbeatLoop periodically calls Client.Heartbeat until ctx is canceled,
// per spec.md §6's heartbeat_interval_sec knob and the node-control
// surface's "process-global running flag... checked by long-lived
// background loops" convention.
type HeartbeatLoop struct {
	client   Client
	token    string
	interval time.Duration
	snapshot Snapshot
	log      *zerolog.Logger
}

// NewHeartbeatLoop returns a loop that reports snapshot() to client every
// interval using token as the agent credential.
func NewHeartbeatLoop(client Client, token string, interval time.Duration, snapshot Snapshot, logger *zerolog.Logger) *HeartbeatLoop {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HeartbeatLoop{client: client, token: token, interval: interval, snapshot: snapshot, log: logger}
}

// Run blocks, sending heartbeats until ctx is canceled. A failed heartbeat
// is logged and retried on the next tick rather than stopping the loop —
// a transient router outage must not take the node itself down.
func (h *HeartbeatLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req := h.snapshot()
			if err := h.client.Heartbeat(ctx, h.token, req); err != nil && h.log != nil {
				h.log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}
