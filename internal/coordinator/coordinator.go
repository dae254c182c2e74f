package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modelplane/pkg/types"
)

// Defaults applied when Config fields are unset.
const (
	defaultHeartbeatTTL = 10 * time.Second
)

// Config holds coordinator tunables.
type Config struct {
	// Nodes without a heartbeat within this window are removed and their
	// residency invalidated.
	HeartbeatTTL time.Duration
}

// workerNode is the coordinator's record of a live worker.
type workerNode struct {
	id            types.NodeID
	baseURL       string
	capacity      types.NodeCapacity
	lastHeartbeat time.Time
	resident      map[types.ArtifactID]struct{}
}

// residencyRecord tracks which workers host an artifact. lastAccess orders
// eviction; pins protect artifacts with dispatched in-flight requests.
type residencyRecord struct {
	nodes      map[types.NodeID]struct{}
	lastAccess time.Time
	sizeMB     int64
	pins       int
}

// Coordinator owns cluster membership and the residency table. All state is
// guarded by a single mutex: readers receive point-in-time snapshots, and
// residency never becomes partially visible.
type Coordinator struct {
	mu        sync.Mutex
	nodes     map[types.NodeID]*workerNode
	residency map[types.ArtifactID]*residencyRecord

	ttl time.Duration
	log zerolog.Logger
	now func() time.Time

	onNodeLost []func(types.NodeID, []types.ArtifactID)
}

// New constructs a Coordinator, applying defaults for unset config.
func New(cfg Config, log zerolog.Logger) *Coordinator {
	ttl := cfg.HeartbeatTTL
	if ttl <= 0 {
		ttl = defaultHeartbeatTTL
	}
	return &Coordinator{
		nodes:     make(map[types.NodeID]*workerNode),
		residency: make(map[types.ArtifactID]*residencyRecord),
		ttl:       ttl,
		log:       log,
		now:       time.Now,
	}
}

// OnNodeLost registers a callback fired (outside the lock) when a node is
// removed by the heartbeat sweep. The slice holds the artifacts that were
// resident on the node at removal time.
func (c *Coordinator) OnNodeLost(fn func(types.NodeID, []types.ArtifactID)) {
	c.mu.Lock()
	c.onNodeLost = append(c.onNodeLost, fn)
	c.mu.Unlock()
}

// Heartbeat upserts the node and reconciles its resident set. The resident
// set carried in the heartbeat is the worker's own acknowledgment, so
// reconciliation goes through the same idempotent load/evict paths that
// the orchestrator uses.
func (c *Coordinator) Heartbeat(ctx context.Context, req types.HeartbeatRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[req.NodeID]
	if !ok {
		n = &workerNode{
			id:       req.NodeID,
			resident: make(map[types.ArtifactID]struct{}),
		}
		c.nodes[req.NodeID] = n
		c.log.Info().Str("node", string(req.NodeID)).Str("base_url", req.BaseURL).Msg("node joined")
	}
	n.baseURL = req.BaseURL
	n.capacity = req.Capacity
	n.lastHeartbeat = c.now()

	reported := make(map[types.ArtifactID]struct{}, len(req.Resident))
	for _, a := range req.Resident {
		reported[a] = struct{}{}
		if _, ok := n.resident[a]; !ok {
			c.recordLoadLocked(req.NodeID, a, 0)
		}
	}
	for a := range n.resident {
		if _, ok := reported[a]; !ok {
			c.recordEvictLocked(req.NodeID, a)
		}
	}
	return nil
}

// ResolveResidency returns the live workers hosting the artifact and bumps
// the record's last-access time. The returned slice is a snapshot.
func (c *Coordinator) ResolveResidency(ctx context.Context, id types.ArtifactID) ([]types.NodeID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.residency[id]
	if !ok {
		return nil, nil
	}
	now := c.now()
	rec.lastAccess = now
	out := make([]types.NodeID, 0, len(rec.nodes))
	for nid := range rec.nodes {
		// Defensive liveness filter: a node past its TTL never resolves,
		// even before the sweep gets to it.
		if n, ok := c.nodes[nid]; ok && now.Sub(n.lastHeartbeat) <= c.ttl {
			out = append(out, nid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// RecordLoad marks an artifact resident on a node after its checksum-
// verified load completed. Duplicate acks are no-ops.
func (c *Coordinator) RecordLoad(ctx context.Context, node types.NodeID, id types.ArtifactID, sizeMB int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[node]; !ok {
		return ErrNodeLost(string(node))
	}
	c.recordLoadLocked(node, id, sizeMB)
	return nil
}

func (c *Coordinator) recordLoadLocked(node types.NodeID, id types.ArtifactID, sizeMB int64) {
	n := c.nodes[node]
	if n == nil {
		return
	}
	n.resident[id] = struct{}{}
	rec, ok := c.residency[id]
	if !ok {
		rec = &residencyRecord{nodes: make(map[types.NodeID]struct{}), lastAccess: c.now()}
		c.residency[id] = rec
	}
	if sizeMB > 0 {
		rec.sizeMB = sizeMB
	}
	if _, dup := rec.nodes[node]; dup {
		return
	}
	rec.nodes[node] = struct{}{}
	c.log.Info().Str("node", string(node)).Str("artifact", string(id)).
		Int64("size_mb", rec.sizeMB).Msg("residency recorded")
}

// RecordEvict removes an artifact from a node's resident set. Unknown
// pairs are no-ops.
func (c *Coordinator) RecordEvict(ctx context.Context, node types.NodeID, id types.ArtifactID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordEvictLocked(node, id)
	return nil
}

func (c *Coordinator) recordEvictLocked(node types.NodeID, id types.ArtifactID) {
	if n := c.nodes[node]; n != nil {
		delete(n.resident, id)
	}
	rec, ok := c.residency[id]
	if !ok {
		return
	}
	if _, had := rec.nodes[node]; !had {
		return
	}
	delete(rec.nodes, node)
	if len(rec.nodes) == 0 && rec.pins == 0 {
		delete(c.residency, id)
	}
	c.log.Info().Str("node", string(node)).Str("artifact", string(id)).Msg("residency evicted")
}

// Pin protects an artifact from eviction while a request is dispatched
// against it. Pins nest.
func (c *Coordinator) Pin(ctx context.Context, id types.ArtifactID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.residency[id]
	if !ok {
		rec = &residencyRecord{nodes: make(map[types.NodeID]struct{}), lastAccess: c.now()}
		c.residency[id] = rec
	}
	rec.pins++
	return nil
}

// Unpin releases a prior Pin.
func (c *Coordinator) Unpin(ctx context.Context, id types.ArtifactID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.residency[id]
	if !ok {
		return nil
	}
	if rec.pins > 0 {
		rec.pins--
	}
	if len(rec.nodes) == 0 && rec.pins == 0 {
		delete(c.residency, id)
	}
	return nil
}

// freeMBLocked returns capacity minus the known sizes of resident artifacts.
func (c *Coordinator) freeMBLocked(n *workerNode) int64 {
	free := n.capacity.CapacityMB
	for a := range n.resident {
		if rec, ok := c.residency[a]; ok {
			free -= rec.sizeMB
		}
	}
	return free
}

// Candidates returns live nodes whose free capacity covers requiredMB,
// most free first.
func (c *Coordinator) Candidates(ctx context.Context, requiredMB int64) ([]types.NodeInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var out []types.NodeInfo
	for _, n := range c.nodes {
		if now.Sub(n.lastHeartbeat) > c.ttl {
			continue
		}
		if c.freeMBLocked(n) < requiredMB {
			continue
		}
		out = append(out, c.nodeInfoLocked(n))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FreeMB != out[j].FreeMB {
			return out[i].FreeMB > out[j].FreeMB
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PickEviction chooses an eviction victim: the least-recently-accessed
// unpinned artifact on the live worker with the least free capacity,
// breaking last-access ties by artifact size descending (largest first
// frees the most with one operation). Only workers whose total capacity
// could ever host requiredMB are considered.
func (c *Coordinator) PickEviction(ctx context.Context, requiredMB int64) (types.NodeID, types.ArtifactID, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	var victims []*workerNode
	for _, n := range c.nodes {
		if now.Sub(n.lastHeartbeat) > c.ttl {
			continue
		}
		if n.capacity.CapacityMB < requiredMB {
			continue
		}
		if len(n.resident) == 0 {
			continue
		}
		victims = append(victims, n)
	}
	sort.Slice(victims, func(i, j int) bool {
		fi, fj := c.freeMBLocked(victims[i]), c.freeMBLocked(victims[j])
		if fi != fj {
			return fi < fj
		}
		return victims[i].id < victims[j].id
	})

	for _, n := range victims {
		var (
			best    types.ArtifactID
			bestRec *residencyRecord
			found   bool
		)
		for a := range n.resident {
			rec, ok := c.residency[a]
			if !ok || rec.pins > 0 {
				continue
			}
			if !found {
				best, bestRec, found = a, rec, true
				continue
			}
			switch {
			case rec.lastAccess.Before(bestRec.lastAccess):
				best, bestRec = a, rec
			case rec.lastAccess.Equal(bestRec.lastAccess) && rec.sizeMB > bestRec.sizeMB:
				best, bestRec = a, rec
			case rec.lastAccess.Equal(bestRec.lastAccess) && rec.sizeMB == bestRec.sizeMB && a < best:
				best, bestRec = a, rec
			}
		}
		if found {
			return n.id, best, true, nil
		}
	}
	return "", "", false, nil
}

// Node returns a snapshot of one worker.
func (c *Coordinator) Node(ctx context.Context, id types.NodeID) (types.NodeInfo, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return types.NodeInfo{}, false, nil
	}
	return c.nodeInfoLocked(n), true, nil
}

// Nodes returns a snapshot of all tracked workers.
func (c *Coordinator) Nodes(ctx context.Context) ([]types.NodeInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.NodeInfo, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, c.nodeInfoLocked(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Coordinator) nodeInfoLocked(n *workerNode) types.NodeInfo {
	resident := make([]types.ArtifactID, 0, len(n.resident))
	for a := range n.resident {
		resident = append(resident, a)
	}
	sort.Slice(resident, func(i, j int) bool { return resident[i] < resident[j] })
	return types.NodeInfo{
		ID:            n.id,
		BaseURL:       n.baseURL,
		Capacity:      n.capacity,
		FreeMB:        c.freeMBLocked(n),
		Resident:      resident,
		LastHeartbeat: n.lastHeartbeat.Unix(),
	}
}

// Run drives the stale-node sweep until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := c.ttl / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep removes nodes past the heartbeat TTL, invalidates their residency
// records, and fires node-lost callbacks.
func (c *Coordinator) Sweep() {
	type lost struct {
		node     types.NodeID
		resident []types.ArtifactID
	}
	var losses []lost

	c.mu.Lock()
	now := c.now()
	for id, n := range c.nodes {
		if now.Sub(n.lastHeartbeat) <= c.ttl {
			continue
		}
		resident := make([]types.ArtifactID, 0, len(n.resident))
		for a := range n.resident {
			resident = append(resident, a)
		}
		for _, a := range resident {
			c.recordEvictLocked(id, a)
		}
		delete(c.nodes, id)
		losses = append(losses, lost{node: id, resident: resident})
		c.log.Warn().Str("node", string(id)).Int("resident", len(resident)).
			Msg("node lost: heartbeat timeout")
	}
	handlers := append(([]func(types.NodeID, []types.ArtifactID))(nil), c.onNodeLost...)
	c.mu.Unlock()

	for _, l := range losses {
		for _, fn := range handlers {
			fn(l.node, l.resident)
		}
	}
}
