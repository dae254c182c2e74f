package store

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelplane/pkg/types"
)

var (
	putsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelplane",
			Subsystem: "store",
			Name:      "puts_total",
			Help:      "Artifact put attempts by outcome",
		},
		[]string{"outcome"},
	)

	getBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modelplane",
			Subsystem: "store",
			Name:      "get_bytes_total",
			Help:      "Total artifact bytes served",
		},
	)
)

func init() {
	prometheus.MustRegister(putsTotal, getBytesTotal)
}

// NewMux builds the store RPC surface:
//
//	POST /v1/artifacts                 register a manifest (pending upload)
//	PUT  /v1/artifacts/{id}/data       stream and commit the bytes
//	GET  /v1/artifacts/{id}/data       ranged read (?offset=&length=)
//	GET  /v1/artifacts/{id}            manifest
//	HEAD /v1/artifacts/{id}            existence probe
//	GET  /v1/artifacts                 listing
func NewMux(s *Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/v1/artifacts", func(w http.ResponseWriter, req *http.Request) {
		var m types.ArtifactManifest
		if err := json.NewDecoder(req.Body).Decode(&m); err != nil {
			writeStoreError(w, http.StatusBadRequest, "invalid", "invalid manifest JSON")
			return
		}
		if err := s.BeginUpload(req.Context(), m); err != nil {
			if IsAlreadyStored(err) {
				// Content addressed: duplicate put acks without work.
				w.WriteHeader(http.StatusOK)
				return
			}
			writeStoreError(w, http.StatusBadRequest, "invalid", err.Error())
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	r.Put("/v1/artifacts/{id}/data", func(w http.ResponseWriter, req *http.Request) {
		id := types.ArtifactID(chi.URLParam(req, "id"))
		if err := s.WriteData(req.Context(), id, req.Body); err != nil {
			switch {
			case IsAlreadyStored(err):
				putsTotal.WithLabelValues("duplicate").Inc()
				w.WriteHeader(http.StatusOK)
			case IsIntegrity(err):
				putsTotal.WithLabelValues("integrity_error").Inc()
				writeStoreError(w, http.StatusUnprocessableEntity, "integrity_error", err.Error())
			case IsNoUpload(err):
				writeStoreError(w, http.StatusConflict, "conflict", err.Error())
			default:
				putsTotal.WithLabelValues("error").Inc()
				writeStoreError(w, http.StatusInternalServerError, "internal", err.Error())
			}
			return
		}
		putsTotal.WithLabelValues("ok").Inc()
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/v1/artifacts/{id}/data", func(w http.ResponseWriter, req *http.Request) {
		id := types.ArtifactID(chi.URLParam(req, "id"))
		off := queryInt64(req, "offset", 0)
		length := queryInt64(req, "length", -1)
		b, err := s.Get(req.Context(), id, off, length)
		if err != nil {
			switch {
			case IsNotFound(err):
				writeStoreError(w, http.StatusNotFound, "not_found", err.Error())
			case IsInvalidRange(err):
				writeStoreError(w, http.StatusRequestedRangeNotSatisfiable, "invalid", err.Error())
			default:
				writeStoreError(w, http.StatusInternalServerError, "internal", err.Error())
			}
			return
		}
		getBytesTotal.Add(float64(len(b)))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(b)))
		_, _ = w.Write(b)
	})

	r.Get("/v1/artifacts/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := types.ArtifactID(chi.URLParam(req, "id"))
		m, err := s.Manifest(req.Context(), id)
		if err != nil {
			if IsNotFound(err) {
				writeStoreError(w, http.StatusNotFound, "not_found", err.Error())
				return
			}
			writeStoreError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m)
	})

	r.Head("/v1/artifacts/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := types.ArtifactID(chi.URLParam(req, "id"))
		ok, err := s.Exists(req.Context(), id)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/v1/artifacts", func(w http.ResponseWriter, req *http.Request) {
		all, err := s.List(req.Context())
		if err != nil {
			writeStoreError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.ArtifactsResponse{Artifacts: all})
	})

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

func queryInt64(req *http.Request, key string, def int64) int64 {
	v := req.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func writeStoreError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Kind: kind, Code: status})
}
