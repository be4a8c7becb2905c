// Package router implements the node's outbound contracts with the
// external router: registration, periodic heartbeats, and per-task pull
// progress reporting, per spec.md §6's "Router/catalog contracts".
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// Client is the capability internal/coordinator's wiring code and the
// heartbeat loop need from the router. Kept minimal and interface-shaped
// so nothing downstream needs to know about HTTP.
type Client interface {
	Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error)
	Heartbeat(ctx context.Context, token string, req HeartbeatRequest) error
	ReportProgress(ctx context.Context, token, taskID string, progress float64, speed float64) error
}

// httpClient is the HTTP implementation of Client.
type httpClient struct {
	baseURL string
	http    *http.Client
	log     *zerolog.Logger
}

// New returns a router Client talking to baseURL (the configured
// router_url).
func New(baseURL string, logger *zerolog.Logger) Client {
	return &httpClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     logger,
	}
}

// Register posts the node's registration payload, retrying with backoff.
// Exhaustion is fatal per spec.md §6's exit-code table and is left to the
// caller to act on (cmd/noded exits 1).
func (c *httpClient) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	op := func() (RegisterResponse, error) {
		var out RegisterResponse
		if err := c.post(ctx, "/api/nodes", "", req, &out); err != nil {
			return RegisterResponse{}, err
		}
		return out, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(2*time.Second)),
		backoff.WithMaxTries(5),
	)
}

// Heartbeat posts a liveness/status update carrying the agent token
// issued at registration.
func (c *httpClient) Heartbeat(ctx context.Context, token string, req HeartbeatRequest) error {
	return c.post(ctx, "/api/health", token, req, nil)
}

// ReportProgress posts a pull-task progress update.
func (c *httpClient) ReportProgress(ctx context.Context, token, taskID string, progress, speed float64) error {
	path, err := url.JoinPath("/api/tasks", taskID, "progress")
	if err != nil {
		return err
	}
	return c.post(ctx, path, token, ProgressRequest{TaskID: taskID, Progress: progress, Speed: speed}, nil)
}

func (c *httpClient) post(ctx context.Context, path, token string, body, out any) error {
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Agent-Token", token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("router: %s returned %d", path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
