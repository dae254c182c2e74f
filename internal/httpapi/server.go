package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelplane/pkg/types"
)

// Service defines the methods required by the gateway HTTP layer.
type Service interface {
	Infer(ctx context.Context, req types.InferRequest) (types.InferResponse, error)
	Models(ctx context.Context) ([]types.ArtifactManifest, error)
	Status() types.GatewayStatus
	Ready() bool
}

// NewMux builds the external gateway API.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	// Infer godoc
	// @Summary      Run an inference request
	// @Accept       json
	// @Produce      json
	// @Param        request body types.InferRequest true "request"
	// @Success      200 {object} types.InferResponse
	// @Failure      404 {object} types.ErrorResponse
	// @Router       /v1/infer [post]
	r.Post("/v1/infer", func(w http.ResponseWriter, req *http.Request) {
		ct := req.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "invalid", "Content-Type must be application/json")
			return
		}
		req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
		var in types.InferRequest
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid", "invalid JSON body")
			return
		}
		if strings.TrimSpace(in.Model) == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid", "model is required")
			return
		}

		start := time.Now()
		lvl := requestLogLevel(req)
		if lvl >= LevelInfo {
			logInferStart(req, in.Model)
		}

		// Join server base context with request context so shutdown
		// cancels work too.
		joinedCtx, cancel := joinContexts(serverBaseCtx, req.Context())
		defer cancel()

		resp, err := svc.Infer(joinedCtx, in)
		if err != nil {
			// Client disconnect or shutdown: nothing useful to write.
			if req.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			status, kind := mapError(err)
			writeJSONError(w, status, kind, err.Error())
			if lvl >= LevelInfo {
				logInferEnd(req, status, time.Since(start), err)
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal", "failed to encode response")
			return
		}
		if lvl >= LevelInfo {
			logInferEnd(req, http.StatusOK, time.Since(start), nil)
		}
	})

	// Models godoc
	// @Summary      List stored model artifacts
	// @Produce      json
	// @Success      200 {object} types.ArtifactsResponse
	// @Router       /v1/models [get]
	r.Get("/v1/models", func(w http.ResponseWriter, req *http.Request) {
		all, err := svc.Models(req.Context())
		if err != nil {
			status, kind := mapError(err)
			writeJSONError(w, status, kind, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(types.ArtifactsResponse{Artifacts: all}); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal", "failed to encode response")
			return
		}
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.Status()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal", "failed to encode response")
			return
		}
	})

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}
