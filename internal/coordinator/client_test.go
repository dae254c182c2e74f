package coordinator

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"modelplane/pkg/types"
)

func startTestServer(t *testing.T) (*Client, *Coordinator) {
	t.Helper()
	c := New(Config{HeartbeatTTL: time.Hour}, zerolog.Nop())
	srv := httptest.NewServer(NewMux(c))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL), c
}

func TestClientRoundtrip(t *testing.T) {
	client, _ := startTestServer(t)
	ctx := context.Background()

	err := client.Heartbeat(ctx, types.HeartbeatRequest{
		NodeID:   "w1",
		BaseURL:  "http://w1",
		Capacity: types.NodeCapacity{CapacityMB: 1000},
	})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	if err := client.RecordLoad(ctx, "w1", "remote@1", 200); err != nil {
		t.Fatalf("record load: %v", err)
	}
	nodes, err := client.ResolveResidency(ctx, "remote@1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(nodes) != 1 || nodes[0] != "w1" {
		t.Fatalf("resolve got %v", nodes)
	}

	cands, err := client.Candidates(ctx, 500)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(cands) != 1 || cands[0].FreeMB != 800 {
		t.Fatalf("candidates: %+v", cands)
	}

	info, ok, err := client.Node(ctx, "w1")
	if err != nil || !ok {
		t.Fatalf("node: ok=%v err=%v", ok, err)
	}
	if info.BaseURL != "http://w1" {
		t.Fatalf("node info: %+v", info)
	}

	if err := client.Pin(ctx, "remote@1"); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if _, _, found, err := client.PickEviction(ctx, 100); err != nil || found {
		t.Fatalf("pinned artifact offered for eviction: found=%v err=%v", found, err)
	}
	if err := client.Unpin(ctx, "remote@1"); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	node, artifact, found, err := client.PickEviction(ctx, 100)
	if err != nil || !found {
		t.Fatalf("pick: found=%v err=%v", found, err)
	}
	if node != "w1" || artifact != "remote@1" {
		t.Fatalf("pick got %s/%s", node, artifact)
	}

	if err := client.RecordEvict(ctx, "w1", "remote@1"); err != nil {
		t.Fatalf("record evict: %v", err)
	}
	nodes, _ = client.ResolveResidency(ctx, "remote@1")
	if len(nodes) != 0 {
		t.Fatalf("evicted artifact still resolves: %v", nodes)
	}
}

func TestClientRecordLoadOnUnknownNode(t *testing.T) {
	client, _ := startTestServer(t)
	err := client.RecordLoad(context.Background(), "ghost", "m@1", 100)
	if !IsNodeLost(err) {
		t.Fatalf("expected node-lost over HTTP, got %v", err)
	}
}

func TestClientUnknownNodeLookup(t *testing.T) {
	client, _ := startTestServer(t)
	_, ok, err := client.Node(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	if ok {
		t.Fatalf("unknown node reported present")
	}
}
