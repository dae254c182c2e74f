package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modelplane/internal/store"
	"modelplane/pkg/types"
)

// Beater is the heartbeat sink a worker reports to. Both the in-process
// coordinator and its HTTP client satisfy it.
type Beater interface {
	Heartbeat(ctx context.Context, hb types.HeartbeatRequest) error
}

// SimConfig holds tunables for a simulated worker.
type SimConfig struct {
	ID                types.NodeID
	BaseURL           string
	Capacity          types.NodeCapacity
	HeartbeatInterval time.Duration
}

// Sim is a worker node that holds checkpoint bytes in memory. It pulls
// artifacts shard by shard from the store, re-verifying every checksum,
// and answers dispatches by echoing the payload. It stands in for a real
// inference runtime behind the same RPC contract.
type Sim struct {
	cfg  SimConfig
	src  ArtifactSource
	beat Beater
	log  zerolog.Logger

	mu       sync.Mutex
	resident map[types.ArtifactID]simArtifact
	usedMB   int64
}

type simArtifact struct {
	sizeMB int64
	data   []byte
}

// NewSim constructs a simulated worker.
func NewSim(cfg SimConfig, src ArtifactSource, beat Beater, log zerolog.Logger) *Sim {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	return &Sim{
		cfg:      cfg,
		src:      src,
		beat:     beat,
		log:      log,
		resident: make(map[types.ArtifactID]simArtifact),
	}
}

// SetBaseURL overrides the advertised base URL, for callers that only know
// the listen address after binding.
func (s *Sim) SetBaseURL(u string) {
	s.mu.Lock()
	s.cfg.BaseURL = u
	s.mu.Unlock()
}

// ID returns the worker's node id.
func (s *Sim) ID() types.NodeID { return s.cfg.ID }

// heartbeatRequest snapshots the worker state for the coordinator.
func (s *Sim) heartbeatRequest() types.HeartbeatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	resident := make([]types.ArtifactID, 0, len(s.resident))
	for id := range s.resident {
		resident = append(resident, id)
	}
	return types.HeartbeatRequest{
		NodeID:   s.cfg.ID,
		BaseURL:  s.cfg.BaseURL,
		Capacity: s.cfg.Capacity,
		Resident: resident,
	}
}

// Run heartbeats until ctx is canceled. The first beat goes out
// immediately so the node is routable as soon as it starts.
func (s *Sim) Run(ctx context.Context) error {
	beat := func() {
		if err := s.beat.Heartbeat(ctx, s.heartbeatRequest()); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Str("node", string(s.cfg.ID)).Msg("heartbeat failed")
		}
	}
	beat()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			beat()
		}
	}
}

// Load pulls the artifact from the store, verifying each shard's checksum
// against the manifest. Already-resident loads are no-ops.
func (s *Sim) Load(ctx context.Context, id types.ArtifactID) error {
	s.mu.Lock()
	if _, ok := s.resident[id]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	m, err := s.src.Manifest(ctx, id)
	if err != nil {
		return err
	}
	sizeMB := m.SizeMB()

	s.mu.Lock()
	if s.usedMB+sizeMB > s.cfg.Capacity.CapacityMB {
		used := s.usedMB
		s.mu.Unlock()
		s.log.Warn().Str("artifact", string(id)).Int64("used_mb", used).
			Int64("size_mb", sizeMB).Msg("load rejected: over capacity")
		return ErrCapacity(string(s.cfg.ID), string(id), sizeMB)
	}
	s.mu.Unlock()

	data := make([]byte, 0, m.TotalBytes)
	for i, shard := range m.Shards {
		b, err := s.src.Get(ctx, id, shard.Offset, shard.Length)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(b)
		if hex.EncodeToString(sum[:]) != shard.Checksum {
			return store.ErrIntegrity(string(id), i)
		}
		data = append(data, b...)
	}

	// Re-check under the commit lock: another load may have landed while
	// this one was fetching shards.
	s.mu.Lock()
	if _, ok := s.resident[id]; !ok {
		if s.usedMB+sizeMB > s.cfg.Capacity.CapacityMB {
			used := s.usedMB
			s.mu.Unlock()
			s.log.Warn().Str("artifact", string(id)).Int64("used_mb", used).
				Int64("size_mb", sizeMB).Msg("load rejected: over capacity")
			return ErrCapacity(string(s.cfg.ID), string(id), sizeMB)
		}
		s.resident[id] = simArtifact{sizeMB: sizeMB, data: data}
		s.usedMB += sizeMB
	}
	s.mu.Unlock()
	s.log.Info().Str("node", string(s.cfg.ID)).Str("artifact", string(id)).
		Int64("size_mb", sizeMB).Msg("artifact loaded")
	return nil
}

// Evict drops a resident artifact. Unknown ids are no-ops.
func (s *Sim) Evict(ctx context.Context, id types.ArtifactID) error {
	s.mu.Lock()
	if a, ok := s.resident[id]; ok {
		s.usedMB -= a.sizeMB
		delete(s.resident, id)
	}
	s.mu.Unlock()
	return nil
}

// Dispatch executes a request against a resident model. The simulated
// execution echoes the payload along with model and node identity.
func (s *Sim) Dispatch(ctx context.Context, req types.DispatchRequest) (types.DispatchResult, error) {
	s.mu.Lock()
	a, ok := s.resident[req.Model]
	s.mu.Unlock()
	if !ok {
		return types.DispatchResult{}, ErrNotResident(string(s.cfg.ID), string(req.Model))
	}
	result, err := json.Marshal(map[string]any{
		"model":       string(req.Model),
		"node":        string(s.cfg.ID),
		"model_bytes": len(a.data),
		"echo":        json.RawMessage(req.Payload),
	})
	if err != nil {
		return types.DispatchResult{}, err
	}
	return types.DispatchResult{RequestID: req.RequestID, Node: s.cfg.ID, Result: result}, nil
}

// Resident returns the ids currently held, for tests and status.
func (s *Sim) Resident() []types.ArtifactID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ArtifactID, 0, len(s.resident))
	for id := range s.resident {
		out = append(out, id)
	}
	return out
}
