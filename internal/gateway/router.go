// Package gateway accepts inference requests, resolves which workers host
// the requested model, and dispatches with deadline control. Cold starts
// for the same artifact coalesce into a single load; followers wait on its
// completion instead of issuing duplicate fetches.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"modelplane/internal/lifecycle"
	"modelplane/internal/worker"
	"modelplane/pkg/types"
)

// State is the lifecycle state of an in-flight request.
type State string

const (
	StateReceived     State = "received"
	StateResolving    State = "resolving"
	StateColdStarting State = "cold_starting"
	StateDispatched   State = "dispatched"
	StateCompleted    State = "completed"
	StateTimedOut     State = "timed_out"
	StateFailed       State = "failed"
)

var (
	coldStartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modelplane",
			Subsystem: "gateway",
			Name:      "cold_starts_total",
			Help:      "Cold-start loads triggered (coalesced flights, not callers)",
		},
	)

	coalescedWaitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modelplane",
			Subsystem: "gateway",
			Name:      "coalesced_waits_total",
			Help:      "Requests that waited on an existing cold-start flight",
		},
	)

	dispatchRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modelplane",
			Subsystem: "gateway",
			Name:      "dispatch_retries_total",
			Help:      "Dispatches retried against an alternate resident worker",
		},
	)
)

func init() {
	prometheus.MustRegister(coldStartsTotal, coalescedWaitsTotal, dispatchRetriesTotal)
}

// ColdStarter triggers a load and returns the hosting node. Satisfied by
// the lifecycle orchestrator.
type ColdStarter interface {
	ColdStart(ctx context.Context, id types.ArtifactID) (types.NodeID, error)
}

// Defaults applied when Config fields are unset.
const (
	defaultDeadline    = 30 * time.Second
	defaultLoadTimeout = 5 * time.Minute
)

// Config holds router tunables.
type Config struct {
	// Deadline applied when a request omits deadline_ms.
	DefaultDeadline time.Duration
	// Upper bound on a coalesced cold-start load. Loads run detached from
	// any single caller's deadline so other followers can still benefit.
	LoadTimeout time.Duration
}

// request is one in-flight request's record. Created on ingress,
// destroyed on completion or timeout. node and abort are guarded by the
// router mutex so NodeLost can cut a dispatch short.
type request struct {
	id       string
	model    types.ArtifactID
	payload  json.RawMessage
	deadline time.Time
	node     types.NodeID
	state    State
	abort    context.CancelCauseFunc
}

// flight is a pending coalesced load, keyed by artifact id in the flights
// map and removed on completion or failure. node and err are written
// before done closes.
type flight struct {
	done chan struct{}
	node types.NodeID
	err  error
}

// Router is the request gateway.
type Router struct {
	cfg     Config
	dir     lifecycle.Directory
	cold    ColdStarter
	workers worker.Client
	log     zerolog.Logger

	baseCtx context.Context

	mu       sync.Mutex
	flights  map[types.ArtifactID]*flight
	inflight map[string]*request

	onTransition func(requestID string, st State)

	started        time.Time
	completedTotal atomic.Uint64
	timeoutsTotal  atomic.Uint64
	failedTotal    atomic.Uint64
	requeuesTotal  atomic.Uint64

	now func() time.Time
}

// New constructs a Router, applying defaults for unset config.
func New(cfg Config, dir lifecycle.Directory, cold ColdStarter, workers worker.Client, log zerolog.Logger) *Router {
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = defaultDeadline
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaultLoadTimeout
	}
	return &Router{
		cfg:      cfg,
		dir:      dir,
		cold:     cold,
		workers:  workers,
		log:      log,
		baseCtx:  context.Background(),
		flights:  make(map[types.ArtifactID]*flight),
		inflight: make(map[string]*request),
		started:  time.Now(),
		now:      time.Now,
	}
}

// SetBaseContext sets the process-level context cold-start loads run
// under, so shutdown cancels them.
func (r *Router) SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.baseCtx = ctx
}

// SetTransitionHook installs an observer for request state transitions.
func (r *Router) SetTransitionHook(fn func(requestID string, st State)) {
	r.mu.Lock()
	r.onTransition = fn
	r.mu.Unlock()
}

func (r *Router) transition(rec *request, st State) {
	r.mu.Lock()
	rec.state = st
	fn := r.onTransition
	r.mu.Unlock()
	if fn != nil {
		fn(rec.id, st)
	}
}

// Handle runs one request to a terminal state.
func (r *Router) Handle(ctx context.Context, req types.InferRequest) (types.InferResponse, error) {
	model := types.ArtifactID(req.Model)
	d := r.cfg.DefaultDeadline
	if req.DeadlineMs != nil {
		d = time.Duration(*req.DeadlineMs) * time.Millisecond
	}
	start := r.now()

	rec := &request{
		id:       uuid.NewString(),
		model:    model,
		payload:  req.Payload,
		deadline: start.Add(d),
	}
	r.mu.Lock()
	r.inflight[rec.id] = rec
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, rec.id)
		r.mu.Unlock()
	}()
	r.transition(rec, StateReceived)

	dctx, cancel := context.WithDeadline(ctx, rec.deadline)
	defer cancel()

	requeued := false
	for {
		r.transition(rec, StateResolving)
		if err := dctx.Err(); err != nil {
			return types.InferResponse{}, r.finish(rec, dctx, err)
		}

		nodes, err := r.dir.ResolveResidency(dctx, model)
		if err != nil {
			return types.InferResponse{}, r.finish(rec, dctx, err)
		}

		if len(nodes) == 0 {
			r.transition(rec, StateColdStarting)
			node, err := r.awaitLoad(dctx, model)
			if err != nil {
				return types.InferResponse{}, r.finish(rec, dctx, err)
			}
			nodes = []types.NodeID{node}
		}

		result, node, err := r.dispatch(dctx, rec, nodes)
		if err == nil {
			r.transition(rec, StateCompleted)
			r.completedTotal.Add(1)
			return types.InferResponse{
				RequestID: rec.id,
				Model:     string(model),
				Node:      string(node),
				Result:    result.Result,
			}, nil
		}
		if retryable(err) && !requeued {
			// The hosting worker went away under us: residency is already
			// invalidated coordinator-side, so requeue once through
			// Resolving and let a cold start or alternate node pick it up.
			requeued = true
			r.requeuesTotal.Add(1)
			r.log.Warn().Err(err).Str("request", rec.id).Str("model", string(model)).
				Msg("dispatch target lost, requeueing")
			continue
		}
		if retryable(err) {
			err = ErrUnavailable(string(model), err)
		}
		return types.InferResponse{}, r.finish(rec, dctx, err)
	}
}

// finish maps a failure to its terminal state and error.
func (r *Router) finish(rec *request, dctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || (dctx.Err() != nil && errors.Is(dctx.Err(), context.DeadlineExceeded)) {
		r.transition(rec, StateTimedOut)
		r.timeoutsTotal.Add(1)
		return ErrTimeout(rec.id, string(rec.model))
	}
	if errors.Is(err, context.Canceled) {
		r.transition(rec, StateFailed)
		r.failedTotal.Add(1)
		return err
	}
	r.transition(rec, StateFailed)
	r.failedTotal.Add(1)
	return err
}

// retryable reports dispatch failures worth another resolve pass.
func retryable(err error) bool {
	return worker.IsUnreachable(err) || worker.IsNotResident(err)
}

// errNodeLost is the cancel cause set by NodeLost; dispatch rewrites it to
// an unreachable error so the requeue pass fires.
var errNodeLost = errors.New("hosting node lost")

// NodeLost aborts dispatches in flight to the removed node so their
// requests requeue through Resolving at once instead of waiting out their
// deadlines. Wired to the coordinator's heartbeat sweep.
func (r *Router) NodeLost(node types.NodeID, resident []types.ArtifactID) {
	var aborted int
	r.mu.Lock()
	for _, rec := range r.inflight {
		if rec.node == node && rec.abort != nil {
			rec.abort(errNodeLost)
			aborted++
		}
	}
	r.mu.Unlock()
	r.log.Warn().Str("node", string(node)).Int("aborted_dispatches", aborted).
		Int("resident", len(resident)).Msg("node lost")
}

// awaitLoad joins or starts the coalesced load flight for the artifact.
// A follower whose deadline expires is released immediately; the load
// itself keeps running so remaining followers still benefit.
func (r *Router) awaitLoad(dctx context.Context, model types.ArtifactID) (types.NodeID, error) {
	r.mu.Lock()
	fl, ok := r.flights[model]
	if !ok {
		fl = &flight{done: make(chan struct{})}
		r.flights[model] = fl
		go r.runLoad(model, fl)
		coldStartsTotal.Inc()
	} else {
		coalescedWaitsTotal.Inc()
	}
	r.mu.Unlock()

	select {
	case <-fl.done:
		return fl.node, fl.err
	case <-dctx.Done():
		return "", dctx.Err()
	}
}

// runLoad executes one cold start on the router's base context, bounded by
// the load timeout, then retires the flight.
func (r *Router) runLoad(model types.ArtifactID, fl *flight) {
	ctx, cancel := context.WithTimeout(r.baseCtx, r.cfg.LoadTimeout)
	defer cancel()

	node, err := r.cold.ColdStart(ctx, model)
	fl.node, fl.err = node, err

	r.mu.Lock()
	delete(r.flights, model)
	r.mu.Unlock()
	close(fl.done)

	if err != nil {
		r.log.Warn().Err(err).Str("model", string(model)).Msg("cold start failed")
	}
}

// dispatch pins the artifact for the duration (eviction never removes an
// artifact with a dispatched in-flight request), then tries the first
// resident worker and at most one alternate on transient failure.
func (r *Router) dispatch(dctx context.Context, rec *request, nodes []types.NodeID) (types.DispatchResult, types.NodeID, error) {
	if err := r.dir.Pin(dctx, rec.model); err != nil {
		return types.DispatchResult{}, "", err
	}
	defer func() {
		// Unpin must succeed even after the deadline killed dctx.
		if err := r.dir.Unpin(context.WithoutCancel(dctx), rec.model); err != nil {
			r.log.Warn().Err(err).Str("model", string(rec.model)).Msg("unpin failed")
		}
	}()

	r.transition(rec, StateDispatched)

	tries := len(nodes)
	if tries > 2 {
		tries = 2
	}
	var lastErr error
	for i := 0; i < tries; i++ {
		if err := dctx.Err(); err != nil {
			return types.DispatchResult{}, "", err
		}
		info, ok, err := r.dir.Node(dctx, nodes[i])
		if err != nil {
			return types.DispatchResult{}, "", err
		}
		if !ok {
			lastErr = worker.ErrUnreachable(string(nodes[i]), errors.New("node no longer a member"))
			continue
		}
		actx, abort := context.WithCancelCause(dctx)
		r.mu.Lock()
		rec.node = info.ID
		rec.abort = abort
		r.mu.Unlock()
		res, err := r.workers.Dispatch(actx, info, types.DispatchRequest{
			RequestID: rec.id,
			Model:     rec.model,
			Payload:   rec.payload,
		})
		r.mu.Lock()
		rec.abort = nil
		r.mu.Unlock()
		abort(nil)
		if err == nil {
			return res, info.ID, nil
		}
		if errors.Is(context.Cause(actx), errNodeLost) {
			err = worker.ErrUnreachable(string(info.ID), errNodeLost)
		}
		if !retryable(err) {
			return types.DispatchResult{}, "", err
		}
		lastErr = err
		if i+1 < tries {
			dispatchRetriesTotal.Inc()
		}
	}
	if lastErr == nil {
		lastErr = worker.ErrUnreachable(string(rec.model), errors.New("no resident workers"))
	}
	return types.DispatchResult{}, "", lastErr
}

// Status summarizes the router for /status.
func (r *Router) Status() types.GatewayStatus {
	r.mu.Lock()
	inflight := len(r.inflight)
	flights := len(r.flights)
	r.mu.Unlock()
	now := r.now()
	return types.GatewayStatus{
		Inflight:       inflight,
		ColdStarts:     flights,
		CompletedTotal: r.completedTotal.Load(),
		TimeoutsTotal:  r.timeoutsTotal.Load(),
		FailedTotal:    r.failedTotal.Load(),
		RequeuesTotal:  r.requeuesTotal.Load(),
		UptimeSeconds:  int64(now.Sub(r.started).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
}

// Ready reports whether the router can serve: it is ready as soon as its
// collaborators are wired, which construction guarantees.
func (r *Router) Ready() bool { return r.dir != nil && r.workers != nil }
