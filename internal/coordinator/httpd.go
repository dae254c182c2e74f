package coordinator

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
	heartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modelplane",
			Subsystem: "coordinator",
			Name:      "heartbeats_total",
			Help:      "Heartbeats received",
		},
	)

	nodesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "modelplane",
			Subsystem: "coordinator",
			Name:      "nodes",
			Help:      "Live worker nodes",
		},
	)
)

func init() {
	prometheus.MustRegister(heartbeatsTotal, nodesGauge)
}

// NewMux builds the coordinator RPC surface:
//
//	POST   /v1/heartbeat              membership + resident-set ack
//	GET    /v1/resolve/{artifact}     residency lookup
//	POST   /v1/loads                  record a completed load
//	POST   /v1/evictions              record an eviction
//	POST   /v1/evictions/pick         choose an eviction victim
//	GET    /v1/candidates             nodes able to host ?required_mb=
//	POST   /v1/pins/{artifact}        pin against eviction
//	DELETE /v1/pins/{artifact}        release a pin
//	GET    /v1/nodes, /v1/nodes/{id}  membership snapshots
func NewMux(c *Coordinator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/v1/heartbeat", func(w http.ResponseWriter, req *http.Request) {
		var hb types.HeartbeatRequest
		if err := json.NewDecoder(req.Body).Decode(&hb); err != nil {
			writeCoordError(w, http.StatusBadRequest, "invalid", "invalid heartbeat JSON")
			return
		}
		if hb.NodeID == "" {
			writeCoordError(w, http.StatusBadRequest, "invalid", "node_id is required")
			return
		}
		if err := c.Heartbeat(req.Context(), hb); err != nil {
			writeCoordError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		heartbeatsTotal.Inc()
		if nodes, err := c.Nodes(req.Context()); err == nil {
			nodesGauge.Set(float64(len(nodes)))
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/v1/resolve/{artifact}", func(w http.ResponseWriter, req *http.Request) {
		id := types.ArtifactID(chi.URLParam(req, "artifact"))
		nodes, err := c.ResolveResidency(req.Context(), id)
		if err != nil {
			writeCoordError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.ResolveResponse{Nodes: nodes})
	})

	r.Post("/v1/loads", func(w http.ResponseWriter, req *http.Request) {
		var body types.RecordLoadRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeCoordError(w, http.StatusBadRequest, "invalid", "invalid JSON body")
			return
		}
		if err := c.RecordLoad(req.Context(), body.NodeID, body.Artifact, body.SizeMB); err != nil {
			if IsNodeLost(err) {
				writeCoordError(w, http.StatusGone, "unavailable", err.Error())
				return
			}
			writeCoordError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Post("/v1/evictions", func(w http.ResponseWriter, req *http.Request) {
		var body types.RecordEvictRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeCoordError(w, http.StatusBadRequest, "invalid", "invalid JSON body")
			return
		}
		if err := c.RecordEvict(req.Context(), body.NodeID, body.Artifact); err != nil {
			writeCoordError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Post("/v1/evictions/pick", func(w http.ResponseWriter, req *http.Request) {
		var body types.PickEvictionRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeCoordError(w, http.StatusBadRequest, "invalid", "invalid JSON body")
			return
		}
		node, artifact, found, err := c.PickEviction(req.Context(), body.RequiredMB)
		if err != nil {
			writeCoordError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.PickEvictionResponse{Found: found, NodeID: node, Artifact: artifact})
	})

	r.Get("/v1/candidates", func(w http.ResponseWriter, req *http.Request) {
		required, _ := strconv.ParseInt(req.URL.Query().Get("required_mb"), 10, 64)
		nodes, err := c.Candidates(req.Context(), required)
		if err != nil {
			writeCoordError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.NodesResponse{Nodes: nodes})
	})

	r.Post("/v1/pins/{artifact}", func(w http.ResponseWriter, req *http.Request) {
		id := types.ArtifactID(chi.URLParam(req, "artifact"))
		if err := c.Pin(req.Context(), id); err != nil {
			writeCoordError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Delete("/v1/pins/{artifact}", func(w http.ResponseWriter, req *http.Request) {
		id := types.ArtifactID(chi.URLParam(req, "artifact"))
		if err := c.Unpin(req.Context(), id); err != nil {
			writeCoordError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/v1/nodes", func(w http.ResponseWriter, req *http.Request) {
		nodes, err := c.Nodes(req.Context())
		if err != nil {
			writeCoordError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.NodesResponse{Nodes: nodes})
	})

	r.Get("/v1/nodes/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := types.NodeID(chi.URLParam(req, "id"))
		info, ok, err := c.Node(req.Context(), id)
		if err != nil {
			writeCoordError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		if !ok {
			writeCoordError(w, http.StatusNotFound, "not_found", "unknown node: "+string(id))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(info)
	})

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

func writeCoordError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Kind: kind, Code: status})
}
