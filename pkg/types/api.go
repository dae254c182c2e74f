package types

import "encoding/json"

// InferRequest is the gateway ingress payload.
type InferRequest struct {
	// Artifact id of the model to run.
	// example: tinyllama@q4-8f3a
	Model string `json:"model" example:"tinyllama@q4-8f3a"`
	// Opaque payload forwarded to the hosting worker.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Per-request deadline in milliseconds. Omitted means the server
	// default; an explicit 0 expires immediately.
	// example: 30000
	DeadlineMs *int64 `json:"deadline_ms,omitempty" example:"30000"`
}

// InferResponse is returned on a completed request.
type InferResponse struct {
	// Server-assigned request id.
	RequestID string `json:"request_id"`
	// Model the request ran against.
	Model string `json:"model"`
	// Worker node that served the request.
	Node string `json:"node"`
	// Worker result payload.
	Result json.RawMessage `json:"result"`
}

// ErrorResponse is the consistent JSON error payload across all services.
type ErrorResponse struct {
	// Human-readable message.
	// example: artifact not found: tinyllama@q4-8f3a
	Error string `json:"error"`
	// Machine-readable kind: not_found, timeout, capacity_exceeded,
	// integrity_error, unavailable, conflict, invalid, internal.
	// example: not_found
	Kind string `json:"kind"`
	// HTTP status code.
	// example: 404
	Code int `json:"code"`
}

// HeartbeatRequest is sent by a worker to the coordinator.
type HeartbeatRequest struct {
	NodeID   NodeID       `json:"node_id"`
	BaseURL  string       `json:"base_url"`
	Capacity NodeCapacity `json:"capacity"`
	Resident []ArtifactID `json:"resident"`
}

// ResolveResponse lists the workers currently hosting an artifact.
type ResolveResponse struct {
	Nodes []NodeID `json:"nodes"`
}

// RecordLoadRequest marks an artifact resident on a node after a
// checksum-verified load completed.
type RecordLoadRequest struct {
	NodeID   NodeID     `json:"node_id"`
	Artifact ArtifactID `json:"artifact"`
	SizeMB   int64      `json:"size_mb"`
}

// RecordEvictRequest removes an artifact from a node's resident set.
type RecordEvictRequest struct {
	NodeID   NodeID     `json:"node_id"`
	Artifact ArtifactID `json:"artifact"`
}

// PickEvictionRequest asks the coordinator for an eviction target that
// would help free the given amount of memory.
type PickEvictionRequest struct {
	RequiredMB int64 `json:"required_mb"`
}

// PickEvictionResponse names the chosen victim, if any.
type PickEvictionResponse struct {
	Found    bool       `json:"found"`
	NodeID   NodeID     `json:"node_id,omitempty"`
	Artifact ArtifactID `json:"artifact,omitempty"`
}

// DispatchRequest is forwarded from the gateway to a hosting worker.
type DispatchRequest struct {
	RequestID string          `json:"request_id"`
	Model     ArtifactID      `json:"model"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DispatchResult is the worker's answer to a dispatch.
type DispatchResult struct {
	RequestID string          `json:"request_id"`
	Node      NodeID          `json:"node"`
	Result    json.RawMessage `json:"result"`
}

// LoadRequest instructs a worker to pull an artifact from the store.
type LoadRequest struct {
	Artifact ArtifactID `json:"artifact"`
}

// EvictRequest instructs a worker to drop a resident artifact.
type EvictRequest struct {
	Artifact ArtifactID `json:"artifact"`
}

// ArtifactsResponse wraps the store listing returned by GET /v1/models.
type ArtifactsResponse struct {
	Artifacts []ArtifactManifest `json:"artifacts"`
}

// GatewayStatus is returned by the gateway's GET /status.
type GatewayStatus struct {
	// Requests currently in a non-terminal state.
	Inflight int `json:"inflight"`
	// Cold-start loads currently in flight.
	ColdStarts int `json:"cold_starts"`
	// Totals since process start.
	CompletedTotal uint64 `json:"completed_total"`
	TimeoutsTotal  uint64 `json:"timeouts_total"`
	FailedTotal    uint64 `json:"failed_total"`
	RequeuesTotal  uint64 `json:"requeues_total"`
	// Uptime of the gateway in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}

// NodesResponse is returned by the coordinator's GET /v1/nodes.
type NodesResponse struct {
	Nodes []NodeInfo `json:"nodes"`
}
