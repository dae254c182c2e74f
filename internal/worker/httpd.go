package worker

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"modelplane/internal/store"
	"modelplane/pkg/types"
)

// NewSimMux exposes a simulated worker over the worker RPC contract:
//
//	POST /v1/load       pull an artifact from the store
//	POST /v1/evict      drop a resident artifact
//	POST /v1/dispatch   execute a request
func NewSimMux(s *Sim) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/v1/load", func(w http.ResponseWriter, req *http.Request) {
		var body types.LoadRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeWorkerError(w, http.StatusBadRequest, "invalid", "invalid JSON body")
			return
		}
		if err := s.Load(req.Context(), body.Artifact); err != nil {
			switch {
			case store.IsIntegrity(err):
				writeWorkerError(w, http.StatusUnprocessableEntity, "integrity_error", err.Error())
			case store.IsNotFound(err):
				writeWorkerError(w, http.StatusNotFound, "not_found", err.Error())
			case IsCapacity(err):
				writeWorkerError(w, http.StatusInsufficientStorage, "capacity_exceeded", err.Error())
			default:
				writeWorkerError(w, http.StatusInternalServerError, "internal", err.Error())
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Post("/v1/evict", func(w http.ResponseWriter, req *http.Request) {
		var body types.EvictRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeWorkerError(w, http.StatusBadRequest, "invalid", "invalid JSON body")
			return
		}
		if err := s.Evict(req.Context(), body.Artifact); err != nil {
			writeWorkerError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Post("/v1/dispatch", func(w http.ResponseWriter, req *http.Request) {
		var body types.DispatchRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeWorkerError(w, http.StatusBadRequest, "invalid", "invalid JSON body")
			return
		}
		res, err := s.Dispatch(req.Context(), body)
		if err != nil {
			if IsNotResident(err) {
				writeWorkerError(w, http.StatusConflict, "conflict", err.Error())
				return
			}
			writeWorkerError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	})

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}

func writeWorkerError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Kind: kind, Code: status})
}
