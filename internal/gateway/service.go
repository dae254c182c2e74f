package gateway

import (
	"context"

	"modelplane/pkg/types"
)

// Lister is the store surface backing GET /v1/models. Satisfied by both
// the in-process store and its HTTP client.
type Lister interface {
	List(ctx context.Context) ([]types.ArtifactManifest, error)
}

// Service bundles the router with the store listing for the HTTP layer.
type Service struct {
	*Router
	Store Lister
}

// Infer runs one request to completion.
func (s Service) Infer(ctx context.Context, req types.InferRequest) (types.InferResponse, error) {
	return s.Router.Handle(ctx, req)
}

// Models lists the artifacts known to the store.
func (s Service) Models(ctx context.Context) ([]types.ArtifactManifest, error) {
	return s.Store.List(ctx)
}
