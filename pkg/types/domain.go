package types

import (
	"encoding/hex"
	"fmt"
)

// ArtifactID identifies a stored model weight bundle, "name@versionhash".
type ArtifactID string

func (id ArtifactID) String() string { return string(id) }

// ShardDescriptor describes one contiguous slice of an artifact's byte stream.
type ShardDescriptor struct {
	// Byte offset of the shard within the artifact.
	Offset int64 `json:"offset"`
	// Length of the shard in bytes.
	Length int64 `json:"length"`
	// Hex-encoded SHA-256 of the shard bytes.
	Checksum string `json:"checksum"`
}

// ArtifactManifest is the immutable description of a stored artifact.
// It is created on first successful store write and never mutated.
type ArtifactManifest struct {
	ID         ArtifactID        `json:"id"`
	Shards     []ShardDescriptor `json:"shards"`
	TotalBytes int64             `json:"total_bytes"`
}

// Validate checks that the manifest describes a contiguous, checksummed
// byte sequence. Shards must start at offset 0 and abut exactly.
func (m ArtifactManifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest: empty artifact id")
	}
	if len(m.Shards) == 0 {
		return fmt.Errorf("manifest %s: no shards", m.ID)
	}
	var next int64
	for i, s := range m.Shards {
		if s.Offset != next {
			return fmt.Errorf("manifest %s: shard %d offset %d, want %d", m.ID, i, s.Offset, next)
		}
		if s.Length <= 0 {
			return fmt.Errorf("manifest %s: shard %d has non-positive length", m.ID, i)
		}
		if b, err := hex.DecodeString(s.Checksum); err != nil || len(b) != 32 {
			return fmt.Errorf("manifest %s: shard %d checksum is not sha256 hex", m.ID, i)
		}
		next += s.Length
	}
	if next != m.TotalBytes {
		return fmt.Errorf("manifest %s: shards sum to %d bytes, total says %d", m.ID, next, m.TotalBytes)
	}
	return nil
}

// SizeMB returns the artifact size rounded up to whole megabytes, as used
// for capacity accounting.
func (m ArtifactManifest) SizeMB() int64 {
	const mb = 1 << 20
	return (m.TotalBytes + mb - 1) / mb
}

// NodeID identifies a worker node.
type NodeID string

func (id NodeID) String() string { return string(id) }

// NodeCapacity is what a worker advertises in its heartbeat.
type NodeCapacity struct {
	// Accelerator memory available for resident artifacts, in MB.
	CapacityMB int64 `json:"capacity_mb"`
	// Number of CPUs on the node.
	CPUCount int `json:"cpu_count"`
}

// NodeInfo is a point-in-time view of a worker as tracked by the
// coordinator. FreeMB is derived from capacity minus resident sizes.
type NodeInfo struct {
	ID            NodeID       `json:"id"`
	BaseURL       string       `json:"base_url"`
	Capacity      NodeCapacity `json:"capacity"`
	FreeMB        int64        `json:"free_mb"`
	Resident      []ArtifactID `json:"resident,omitempty"`
	LastHeartbeat int64        `json:"last_heartbeat_unix"`
}
