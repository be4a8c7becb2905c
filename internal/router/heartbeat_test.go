package router

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClient struct {
	heartbeats atomic.Int32
	failFirst  bool
}

func (f *fakeClient) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	return RegisterResponse{}, nil
}

func (f *fakeClient) Heartbeat(ctx context.Context, token string, req HeartbeatRequest) error {
	f.heartbeats.Add(1)
	return nil
}

func (f *fakeClient) ReportProgress(ctx context.Context, token, taskID string, progress, speed float64) error {
	return nil
}

func TestHeartbeatLoopTicksUntilCanceled(t *testing.T) {
	client := &fakeClient{}
	loop := NewHeartbeatLoop(client, "tok", 10*time.Millisecond, func() HeartbeatRequest {
		return HeartbeatRequest{NodeID: "n1"}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	time.Sleep(55 * time.Millisecond)
	cancel()
	<-done

	if got := client.heartbeats.Load(); got < 2 {
		t.Fatalf("expected at least 2 heartbeats, got %d", got)
	}
}
