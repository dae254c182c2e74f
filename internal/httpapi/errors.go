package httpapi

import (
	"encoding/json"
	"net/http"

	"modelplane/internal/coordinator"
	"modelplane/internal/gateway"
	"modelplane/internal/lifecycle"
	"modelplane/internal/store"
	"modelplane/internal/worker"
	"modelplane/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// mapError translates plane errors into an HTTP status and a
// machine-readable kind.
func mapError(err error) (int, string) {
	switch {
	case store.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case gateway.IsTimeout(err):
		return http.StatusGatewayTimeout, "timeout"
	case lifecycle.IsCapacity(err), worker.IsCapacity(err):
		return http.StatusServiceUnavailable, "capacity_exceeded"
	case store.IsIntegrity(err):
		return http.StatusBadGateway, "integrity_error"
	case gateway.IsUnavailable(err), coordinator.IsNodeLost(err):
		return http.StatusServiceUnavailable, "unavailable"
	}
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode(), "internal"
	}
	return http.StatusInternalServerError, "internal"
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Kind: kind, Code: status})
}
