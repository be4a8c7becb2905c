package modelsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// RegistryClient is the object-capability the Sync Engine holds to talk to
// the router's catalog and the registry's per-model manifests. Kept small
// and interface-shaped per spec.md §9 ("compose via small interfaces; do
// not let layers reach back up") so tests can supply a fake without an
// HTTP server.
type RegistryClient interface {
	FetchCatalog(ctx context.Context) ([]RemoteModel, error)
	FetchManifest(ctx context.Context, name string) (Manifest, error)
}

// httpRegistryClient is the production RegistryClient, talking to the
// router for the catalog and a registry base URL for manifests.
type httpRegistryClient struct {
	routerURL    string
	registryBase string
	client       *http.Client
}

// NewHTTPRegistryClient returns a RegistryClient backed by the router and
// registry HTTP endpoints named in spec.md §6.
func NewHTTPRegistryClient(routerURL, registryBase string) RegistryClient {
	return &httpRegistryClient{
		routerURL:    routerURL,
		registryBase: registryBase,
		client:       &http.Client{},
	}
}

func (c *httpRegistryClient) FetchCatalog(ctx context.Context) ([]RemoteModel, error) {
	endpoint, err := url.JoinPath(c.routerURL, "v1", "models")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog fetch: status %d", resp.StatusCode)
	}
	var cat catalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&cat); err != nil {
		return nil, err
	}
	return cat.Data, nil
}

func (c *httpRegistryClient) FetchManifest(ctx context.Context, name string) (Manifest, error) {
	endpoint, err := url.JoinPath(c.registryBase, name, "manifest.json")
	if err != nil {
		return Manifest{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Manifest{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Manifest{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Manifest{}, fmt.Errorf("manifest fetch for %s: status %d", name, resp.StatusCode)
	}
	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}
