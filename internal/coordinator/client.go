package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"modelplane/pkg/types"
)

// Client talks to a remote coordinator over its HTTP RPC surface. Its
// method set matches *Coordinator so gateway and orchestrator code can run
// against either an in-process coordinator or a remote one.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient builds a coordinator client for the given base URL.
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Heartbeat reports the node's capacity and resident set.
func (c *Client) Heartbeat(ctx context.Context, hb types.HeartbeatRequest) error {
	code, err := c.postJSON(ctx, "/v1/heartbeat", hb, nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("coordinator heartbeat: unexpected status %d", code)
	}
	return nil
}

// ResolveResidency returns the live workers hosting the artifact.
func (c *Client) ResolveResidency(ctx context.Context, id types.ArtifactID) ([]types.NodeID, error) {
	var out types.ResolveResponse
	code, err := c.getJSON(ctx, "/v1/resolve/"+url.PathEscape(string(id)), &out)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("coordinator resolve: unexpected status %d", code)
	}
	return out.Nodes, nil
}

// RecordLoad acknowledges a completed, verified load.
func (c *Client) RecordLoad(ctx context.Context, node types.NodeID, id types.ArtifactID, sizeMB int64) error {
	code, err := c.postJSON(ctx, "/v1/loads", types.RecordLoadRequest{NodeID: node, Artifact: id, SizeMB: sizeMB}, nil)
	if err != nil {
		return err
	}
	switch code {
	case http.StatusOK:
		return nil
	case http.StatusGone:
		return ErrNodeLost(string(node))
	default:
		return fmt.Errorf("coordinator record load: unexpected status %d", code)
	}
}

// RecordEvict acknowledges an eviction.
func (c *Client) RecordEvict(ctx context.Context, node types.NodeID, id types.ArtifactID) error {
	code, err := c.postJSON(ctx, "/v1/evictions", types.RecordEvictRequest{NodeID: node, Artifact: id}, nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("coordinator record evict: unexpected status %d", code)
	}
	return nil
}

// PickEviction asks for an eviction victim able to help host requiredMB.
func (c *Client) PickEviction(ctx context.Context, requiredMB int64) (types.NodeID, types.ArtifactID, bool, error) {
	var out types.PickEvictionResponse
	code, err := c.postJSON(ctx, "/v1/evictions/pick", types.PickEvictionRequest{RequiredMB: requiredMB}, &out)
	if err != nil {
		return "", "", false, err
	}
	if code != http.StatusOK {
		return "", "", false, fmt.Errorf("coordinator pick eviction: unexpected status %d", code)
	}
	return out.NodeID, out.Artifact, out.Found, nil
}

// Candidates lists nodes able to host requiredMB, most free first.
func (c *Client) Candidates(ctx context.Context, requiredMB int64) ([]types.NodeInfo, error) {
	var out types.NodesResponse
	code, err := c.getJSON(ctx, "/v1/candidates?required_mb="+strconv.FormatInt(requiredMB, 10), &out)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("coordinator candidates: unexpected status %d", code)
	}
	return out.Nodes, nil
}

// Pin protects an artifact from eviction.
func (c *Client) Pin(ctx context.Context, id types.ArtifactID) error {
	code, err := c.postJSON(ctx, "/v1/pins/"+url.PathEscape(string(id)), nil, nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("coordinator pin: unexpected status %d", code)
	}
	return nil
}

// Unpin releases a pin.
func (c *Client) Unpin(ctx context.Context, id types.ArtifactID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/v1/pins/"+url.PathEscape(string(id)), nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coordinator unpin: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Node fetches a single node snapshot.
func (c *Client) Node(ctx context.Context, id types.NodeID) (types.NodeInfo, bool, error) {
	var out types.NodeInfo
	code, err := c.getJSON(ctx, "/v1/nodes/"+url.PathEscape(string(id)), &out)
	if err != nil {
		return types.NodeInfo{}, false, err
	}
	switch code {
	case http.StatusOK:
		return out, true, nil
	case http.StatusNotFound:
		return types.NodeInfo{}, false, nil
	default:
		return types.NodeInfo{}, false, fmt.Errorf("coordinator node: unexpected status %d", code)
	}
}

// Nodes fetches the membership snapshot.
func (c *Client) Nodes(ctx context.Context) ([]types.NodeInfo, error) {
	var out types.NodesResponse
	code, err := c.getJSON(ctx, "/v1/nodes", &out)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("coordinator nodes: unexpected status %d", code)
	}
	return out.Nodes, nil
}
