package store

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

// startTestServer serves the store's RPC surface over a real listener.
func startTestServer(t *testing.T) *Client {
	t.Helper()
	s, err := Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	srv := httptest.NewServer(NewMux(s))
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return NewClient(srv.URL)
}

func TestClientPutGetRoundtrip(t *testing.T) {
	c := startTestServer(t)
	ctx := context.Background()

	data := randomBytes(t, 256<<10)
	m := buildManifest(t, "remote-model@v1", data, 128<<10, 128<<10)

	if err := c.Put(ctx, m, bytes.NewReader(data)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := c.Get(ctx, m.ID, 0, -1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("roundtrip bytes differ")
	}

	got, err = c.Get(ctx, m.ID, 100, 50)
	if err != nil {
		t.Fatalf("range get: %v", err)
	}
	if !bytes.Equal(got, data[100:150]) {
		t.Fatalf("range bytes differ")
	}

	rm, err := c.Manifest(ctx, m.ID)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if rm.ID != m.ID || rm.TotalBytes != m.TotalBytes || len(rm.Shards) != 2 {
		t.Fatalf("manifest mismatch: %+v", rm)
	}

	ok, err := c.Exists(ctx, m.ID)
	if err != nil || !ok {
		t.Fatalf("exists: ok=%v err=%v", ok, err)
	}

	all, err := c.List(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("list: %d err=%v", len(all), err)
	}
}

func TestClientDuplicatePutIsNoOp(t *testing.T) {
	c := startTestServer(t)
	ctx := context.Background()

	data := randomBytes(t, 1024)
	m := buildManifest(t, "dup@1", data, 1024)
	if err := c.Put(ctx, m, bytes.NewReader(data)); err != nil {
		t.Fatalf("first put: %v", err)
	}
	// Second put acks without uploading; the client sees success.
	if err := c.Put(ctx, m, bytes.NewReader(data)); err != nil {
		t.Fatalf("duplicate put: %v", err)
	}
}

func TestClientErrorsKeepTheirKind(t *testing.T) {
	c := startTestServer(t)
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing@1", 0, -1); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := c.Manifest(ctx, "missing@1"); !IsNotFound(err) {
		t.Fatalf("expected not found manifest, got %v", err)
	}
	ok, err := c.Exists(ctx, "missing@1")
	if err != nil || ok {
		t.Fatalf("exists on missing: ok=%v err=%v", ok, err)
	}

	data := randomBytes(t, 2048)
	m := buildManifest(t, "corrupt@1", data, 2048)
	bad := append([]byte(nil), data...)
	bad[99] ^= 0xff
	if err := c.Put(ctx, m, bytes.NewReader(bad)); !IsIntegrity(err) {
		t.Fatalf("expected integrity error over HTTP, got %v", err)
	}

	good := buildManifest(t, "ranged@1", data, 2048)
	if err := c.Put(ctx, good, bytes.NewReader(data)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := c.Get(ctx, good.ID, 0, 4096); err == nil {
		t.Fatalf("expected range error")
	}
}
