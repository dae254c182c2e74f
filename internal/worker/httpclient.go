package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"modelplane/internal/store"
	"modelplane/pkg/types"
)

// HTTPClient drives workers over their HTTP surface. Node base URLs come
// from coordinator snapshots.
type HTTPClient struct {
	hc *http.Client
}

// NewHTTPClient builds a worker client. Load calls can run for the full
// duration of a checkpoint pull, so the underlying client carries no
// timeout; callers bound them with contexts.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{hc: &http.Client{}}
}

func (c *HTTPClient) post(ctx context.Context, node types.NodeInfo, path string, body any) (*http.Response, error) {
	base := strings.TrimRight(node.BaseURL, "/")
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, ErrUnreachable(string(node.ID), err)
	}
	return resp, nil
}

// Load instructs the worker to pull and verify the artifact.
func (c *HTTPClient) Load(ctx context.Context, node types.NodeInfo, id types.ArtifactID) error {
	resp, err := c.post(ctx, node, "/v1/load", types.LoadRequest{Artifact: id})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnprocessableEntity:
		return store.ErrIntegrity(string(id), -1)
	case http.StatusNotFound:
		return store.ErrArtifactNotFound(string(id))
	case http.StatusInsufficientStorage:
		return ErrCapacity(string(node.ID), string(id), 0)
	default:
		return fmt.Errorf("worker load: unexpected status %d", resp.StatusCode)
	}
}

// Evict instructs the worker to drop the artifact.
func (c *HTTPClient) Evict(ctx context.Context, node types.NodeInfo, id types.ArtifactID) error {
	resp, err := c.post(ctx, node, "/v1/evict", types.EvictRequest{Artifact: id})
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker evict: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Dispatch forwards a request and returns the worker's result.
func (c *HTTPClient) Dispatch(ctx context.Context, node types.NodeInfo, req types.DispatchRequest) (types.DispatchResult, error) {
	resp, err := c.post(ctx, node, "/v1/dispatch", req)
	if err != nil {
		return types.DispatchResult{}, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		var out types.DispatchResult
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return types.DispatchResult{}, err
		}
		return out, nil
	case resp.StatusCode == http.StatusConflict:
		return types.DispatchResult{}, ErrNotResident(string(node.ID), string(req.Model))
	case resp.StatusCode >= 500:
		return types.DispatchResult{}, ErrUnreachable(string(node.ID), fmt.Errorf("status %d", resp.StatusCode))
	default:
		return types.DispatchResult{}, fmt.Errorf("worker dispatch: unexpected status %d", resp.StatusCode)
	}
}
