package store

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

// Client talks to a remote store over its HTTP RPC surface. It mirrors the
// Store method set so that in-process and remote callers are
// interchangeable.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient builds a store client for the given base URL.
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *Client) artifactURL(id types.ArtifactID, suffix string) string {
	return c.base + "/v1/artifacts/" + url.PathEscape(string(id)) + suffix
}

// Put registers the manifest and streams the artifact bytes.
func (c *Client) Put(ctx context.Context, m types.ArtifactManifest, r io.Reader) error {
	mj, err := json.Marshal(m)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/artifacts", bytes.NewReader(mj))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusCreated:
	case http.StatusOK:
		// Already stored; nothing to upload.
		return nil
	default:
		return fmt.Errorf("store put manifest: unexpected status %d", resp.StatusCode)
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodPut, c.artifactURL(m.ID, "/data"), r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err = c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(m.ID, resp)
}

// Get fetches a byte range. length < 0 means "to the end".
func (c *Client) Get(ctx context.Context, id types.ArtifactID, off, length int64) ([]byte, error) {
	u := c.artifactURL(id, "/data") + "?offset=" + strconv.FormatInt(off, 10) +
		"&length=" + strconv.FormatInt(length, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.checkError(id, resp)
	}
	return io.ReadAll(resp.Body)
}

// Manifest fetches the manifest for a committed artifact.
func (c *Client) Manifest(ctx context.Context, id types.ArtifactID) (types.ArtifactManifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.artifactURL(id, ""), nil)
	if err != nil {
		return types.ArtifactManifest{}, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return types.ArtifactManifest{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.ArtifactManifest{}, c.checkError(id, resp)
	}
	var m types.ArtifactManifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return types.ArtifactManifest{}, err
	}
	return m, nil
}

// Exists probes for a committed artifact.
func (c *Client) Exists(ctx context.Context, id types.ArtifactID) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.artifactURL(id, ""), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("store exists: unexpected status %d", resp.StatusCode)
	}
}

// List fetches all committed manifests.
func (c *Client) List(ctx context.Context) ([]types.ArtifactManifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/artifacts", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("store list: unexpected status %d", resp.StatusCode)
	}
	var out types.ArtifactsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Artifacts, nil
}

// checkError translates a non-OK store response back into the package's
// typed errors so remote and local callers fail the same way.
func (c *Client) checkError(id types.ArtifactID, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var er types.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&er)
	switch er.Kind {
	case "not_found":
		return ErrArtifactNotFound(string(id))
	case "integrity_error":
		return ErrIntegrity(string(id), -1)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrArtifactNotFound(string(id))
	}
	msg := er.Error
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("store: %s", msg)
}
