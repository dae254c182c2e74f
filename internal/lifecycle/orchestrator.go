// Package lifecycle drives cold starts and evictions: it picks a capable
// worker, frees memory when none fits, streams the artifact from the store
// through the worker, and records residency only after the worker's
// checksum-verified ack.
package lifecycle

import (
	"context"

	"github.com/rs/zerolog"

	"modelplane/internal/worker"
	"modelplane/pkg/types"
)

// Directory is the coordinator surface the orchestrator and gateway need.
// Satisfied by both the in-process coordinator and its HTTP client.
type Directory interface {
	ResolveResidency(ctx context.Context, id types.ArtifactID) ([]types.NodeID, error)
	RecordLoad(ctx context.Context, node types.NodeID, id types.ArtifactID, sizeMB int64) error
	RecordEvict(ctx context.Context, node types.NodeID, id types.ArtifactID) error
	PickEviction(ctx context.Context, requiredMB int64) (types.NodeID, types.ArtifactID, bool, error)
	Candidates(ctx context.Context, requiredMB int64) ([]types.NodeInfo, error)
	Pin(ctx context.Context, id types.ArtifactID) error
	Unpin(ctx context.Context, id types.ArtifactID) error
	Node(ctx context.Context, id types.NodeID) (types.NodeInfo, bool, error)
}

// ManifestSource is the store surface needed for placement sizing.
type ManifestSource interface {
	Manifest(ctx context.Context, id types.ArtifactID) (types.ArtifactManifest, error)
}

// Defaults applied when Config fields are unset.
const defaultMaxEvictions = 32

// Config holds orchestrator tunables.
type Config struct {
	// Upper bound on evictions attempted for a single cold start before
	// giving up with a capacity error.
	MaxEvictions int
}

// Orchestrator drives cold starts.
type Orchestrator struct {
	dir     Directory
	store   ManifestSource
	workers worker.Client
	log     zerolog.Logger
	maxEv   int
}

// New constructs an Orchestrator, applying defaults for unset config.
func New(cfg Config, dir Directory, store ManifestSource, workers worker.Client, log zerolog.Logger) *Orchestrator {
	maxEv := cfg.MaxEvictions
	if maxEv <= 0 {
		maxEv = defaultMaxEvictions
	}
	return &Orchestrator{dir: dir, store: store, workers: workers, log: log, maxEv: maxEv}
}

// ColdStart makes the artifact resident somewhere and returns the hosting
// node. Placement: the live node with the most free capacity; when none
// fits, evict per the coordinator's tie-break until one does. The worker's
// load is checksum-verified end to end; residency is recorded only after
// its ack.
func (o *Orchestrator) ColdStart(ctx context.Context, id types.ArtifactID) (types.NodeID, error) {
	m, err := o.store.Manifest(ctx, id)
	if err != nil {
		return "", err
	}
	required := m.SizeMB()

	node, err := o.place(ctx, id, required)
	if err != nil {
		return "", err
	}

	if err := o.workers.Load(ctx, node, id); err != nil {
		return "", err
	}
	if err := o.dir.RecordLoad(ctx, node.ID, id, required); err != nil {
		return "", err
	}
	o.log.Info().Str("artifact", string(id)).Str("node", string(node.ID)).
		Int64("size_mb", required).Msg("cold start complete")
	return node.ID, nil
}

// place finds a node with enough free capacity, evicting per the
// coordinator tie-break when necessary.
func (o *Orchestrator) place(ctx context.Context, id types.ArtifactID, requiredMB int64) (types.NodeInfo, error) {
	for evictions := 0; ; {
		cands, err := o.dir.Candidates(ctx, requiredMB)
		if err != nil {
			return types.NodeInfo{}, err
		}
		if len(cands) > 0 {
			return cands[0], nil
		}
		if evictions >= o.maxEv {
			return types.NodeInfo{}, ErrCapacity(string(id), requiredMB)
		}
		victimNode, victim, found, err := o.dir.PickEviction(ctx, requiredMB)
		if err != nil {
			return types.NodeInfo{}, err
		}
		if !found {
			return types.NodeInfo{}, ErrCapacity(string(id), requiredMB)
		}
		info, ok, err := o.dir.Node(ctx, victimNode)
		if err != nil {
			return types.NodeInfo{}, err
		}
		if ok {
			if err := o.workers.Evict(ctx, info, victim); err != nil {
				o.log.Warn().Err(err).Str("node", string(victimNode)).
					Str("artifact", string(victim)).Msg("worker evict failed")
			}
		}
		// Record regardless: a node that vanished mid-evict is swept by
		// the coordinator anyway, and the record must not linger.
		if err := o.dir.RecordEvict(ctx, victimNode, victim); err != nil {
			return types.NodeInfo{}, err
		}
		evictions++
		o.log.Info().Str("artifact", string(victim)).Str("node", string(victimNode)).
			Msg("evicted for cold start")
	}
}
