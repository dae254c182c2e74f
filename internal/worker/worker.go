// Package worker holds the gateway/orchestrator side of the worker RPC
// surface and an in-process worker implementation that pulls checkpoints
// from the store. Real inference runtimes sit behind the same HTTP
// contract; the plane only cares about load, evict, and dispatch.
package worker

import (
	"context"
	"fmt"

	"modelplane/pkg/types"
)

// ArtifactSource is where a worker pulls checkpoint bytes from. Both the
// in-process store and the store HTTP client satisfy it.
type ArtifactSource interface {
	Manifest(ctx context.Context, id types.ArtifactID) (types.ArtifactManifest, error)
	Get(ctx context.Context, id types.ArtifactID, off, length int64) ([]byte, error)
}

// Client is how the control plane drives a worker node.
type Client interface {
	// Load instructs the worker to pull the artifact from the store and
	// verify it. Returns only after the checksum-verified load completed.
	Load(ctx context.Context, node types.NodeInfo, id types.ArtifactID) error
	// Evict instructs the worker to free the artifact's memory.
	Evict(ctx context.Context, node types.NodeInfo, id types.ArtifactID) error
	// Dispatch forwards a request to the worker for execution.
	Dispatch(ctx context.Context, node types.NodeInfo, req types.DispatchRequest) (types.DispatchResult, error)
}

// unreachableError marks transport-level dispatch failures. The gateway
// retries these once against an alternate resident worker.
type unreachableError struct {
	node string
	err  error
}

func (e unreachableError) Error() string {
	return fmt.Sprintf("worker %s unreachable: %v", e.node, e.err)
}

func (e unreachableError) Unwrap() error { return e.err }

// ErrUnreachable wraps a transport failure against a node.
func ErrUnreachable(node string, err error) error { return unreachableError{node: node, err: err} }

// IsUnreachable reports whether err is a transport-level worker failure.
func IsUnreachable(err error) bool {
	_, ok := err.(unreachableError)
	return ok
}

// notResidentError marks a dispatch that raced an eviction: the worker no
// longer holds the model. Retryable against an alternate worker.
type notResidentError struct {
	node  string
	model string
}

func (e notResidentError) Error() string {
	return fmt.Sprintf("model %s not resident on worker %s", e.model, e.node)
}

// ErrNotResident constructs a not-resident dispatch error.
func ErrNotResident(node, model string) error { return notResidentError{node: node, model: model} }

// IsNotResident reports whether err indicates the worker lost the model.
func IsNotResident(err error) bool {
	_, ok := err.(notResidentError)
	return ok
}

// capacityError marks a load that does not fit the worker's memory.
type capacityError struct {
	node       string
	model      string
	requiredMB int64
}

func (e capacityError) Error() string {
	return fmt.Sprintf("worker %s cannot host %s (%d MB required)", e.node, e.model, e.requiredMB)
}

// ErrCapacity constructs a worker capacity error.
func ErrCapacity(node, model string, requiredMB int64) error {
	return capacityError{node: node, model: model, requiredMB: requiredMB}
}

// IsCapacity reports whether err indicates the worker is out of memory.
func IsCapacity(err error) bool {
	_, ok := err.(capacityError)
	return ok
}
