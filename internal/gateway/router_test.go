package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"modelplane/internal/worker"
	"modelplane/pkg/types"
)

// fakeDir is an in-memory residency directory for router tests.
type fakeDir struct {
	mu        sync.Mutex
	residency map[types.ArtifactID][]types.NodeID
	members   map[types.NodeID]bool
	pins      map[types.ArtifactID]int
	pinTotal  int
	unpins    int
}

func newFakeDir() *fakeDir {
	return &fakeDir{
		residency: make(map[types.ArtifactID][]types.NodeID),
		members:   make(map[types.NodeID]bool),
		pins:      make(map[types.ArtifactID]int),
	}
}

func (d *fakeDir) setResidency(id types.ArtifactID, nodes ...types.NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.residency[id] = nodes
	for _, n := range nodes {
		d.members[n] = true
	}
}

func (d *fakeDir) ResolveResidency(ctx context.Context, id types.ArtifactID) ([]types.NodeID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.NodeID(nil), d.residency[id]...), nil
}

func (d *fakeDir) RecordLoad(ctx context.Context, node types.NodeID, id types.ArtifactID, sizeMB int64) error {
	d.setResidency(id, node)
	return nil
}

func (d *fakeDir) RecordEvict(ctx context.Context, node types.NodeID, id types.ArtifactID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.residency, id)
	return nil
}

func (d *fakeDir) PickEviction(ctx context.Context, requiredMB int64) (types.NodeID, types.ArtifactID, bool, error) {
	return "", "", false, nil
}

func (d *fakeDir) Candidates(ctx context.Context, requiredMB int64) ([]types.NodeInfo, error) {
	return nil, nil
}

func (d *fakeDir) Pin(ctx context.Context, id types.ArtifactID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pins[id]++
	d.pinTotal++
	return nil
}

func (d *fakeDir) Unpin(ctx context.Context, id types.ArtifactID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pins[id]--
	d.unpins++
	return nil
}

func (d *fakeDir) Node(ctx context.Context, id types.NodeID) (types.NodeInfo, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.members[id] {
		return types.NodeInfo{}, false, nil
	}
	return types.NodeInfo{ID: id, BaseURL: "http://" + string(id)}, true, nil
}

// fakeCold simulates the orchestrator: it counts flights, optionally
// delays, and registers residency on completion.
type fakeCold struct {
	dir   *fakeDir
	node  types.NodeID
	delay time.Duration
	err   error
	calls atomic.Int32
}

func (f *fakeCold) ColdStart(ctx context.Context, id types.ArtifactID) (types.NodeID, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	f.dir.setResidency(id, f.node)
	return f.node, nil
}

// fakeWorkers answers dispatches with per-node canned outcomes. Nodes in
// hang block until the dispatch context dies, like a silently dead peer.
type fakeWorkers struct {
	mu         sync.Mutex
	errs       map[types.NodeID]error
	hang       map[types.NodeID]bool
	started    chan types.NodeID
	dispatched []types.NodeID
	dir        *fakeDir
	sawPinned  bool
	clearOnErr bool
}

func newFakeWorkers() *fakeWorkers {
	return &fakeWorkers{
		errs:    make(map[types.NodeID]error),
		hang:    make(map[types.NodeID]bool),
		started: make(chan types.NodeID, 8),
	}
}

func (f *fakeWorkers) Load(ctx context.Context, node types.NodeInfo, id types.ArtifactID) error {
	return nil
}

func (f *fakeWorkers) Evict(ctx context.Context, node types.NodeInfo, id types.ArtifactID) error {
	return nil
}

func (f *fakeWorkers) Dispatch(ctx context.Context, node types.NodeInfo, req types.DispatchRequest) (types.DispatchResult, error) {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, node.ID)
	err := f.errs[node.ID]
	hang := f.hang[node.ID]
	f.mu.Unlock()
	select {
	case f.started <- node.ID:
	default:
	}
	if hang {
		<-ctx.Done()
		return types.DispatchResult{}, ctx.Err()
	}
	if f.dir != nil {
		f.dir.mu.Lock()
		if f.dir.pins[req.Model] > 0 {
			f.sawPinned = true
		}
		f.dir.mu.Unlock()
	}
	if err != nil {
		if f.clearOnErr && f.dir != nil {
			_ = f.dir.RecordEvict(ctx, node.ID, req.Model)
		}
		return types.DispatchResult{}, err
	}
	return types.DispatchResult{RequestID: req.RequestID, Result: req.Payload}, nil
}

func newTestRouter(dir *fakeDir, cold ColdStarter, workers worker.Client) *Router {
	return New(Config{DefaultDeadline: 2 * time.Second, LoadTimeout: 2 * time.Second}, dir, cold, workers, zerolog.Nop())
}

func int64p(v int64) *int64 { return &v }

func TestHandleDispatchesToResidentWorker(t *testing.T) {
	dir := newFakeDir()
	dir.setResidency("m@1", "w1")
	fw := newFakeWorkers()
	r := newTestRouter(dir, &fakeCold{dir: dir, node: "w1"}, fw)

	var states []State
	var mu sync.Mutex
	r.SetTransitionHook(func(id string, st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	resp, err := r.Handle(context.Background(), types.InferRequest{Model: "m@1", Payload: []byte(`{"x":1}`)})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Node != "w1" || resp.Model != "m@1" || resp.RequestID == "" {
		t.Fatalf("response: %+v", resp)
	}
	if string(resp.Result) != `{"x":1}` {
		t.Fatalf("payload not forwarded: %s", resp.Result)
	}

	want := []State{StateReceived, StateResolving, StateDispatched, StateCompleted}
	if len(states) != len(want) {
		t.Fatalf("transitions: %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transition %d: got %s want %s", i, states[i], want[i])
		}
	}
}

func TestHandleZeroDeadlineTimesOut(t *testing.T) {
	dir := newFakeDir()
	dir.setResidency("m@1", "w1")
	fw := newFakeWorkers()
	r := newTestRouter(dir, &fakeCold{dir: dir, node: "w1"}, fw)

	var last State
	r.SetTransitionHook(func(id string, st State) { last = st })

	_, err := r.Handle(context.Background(), types.InferRequest{Model: "m@1", DeadlineMs: int64p(0)})
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if last != StateTimedOut {
		t.Fatalf("final state: %s", last)
	}
	if len(fw.dispatched) != 0 {
		t.Fatalf("dispatched despite expired deadline: %v", fw.dispatched)
	}
}

func TestColdStartPathTransitions(t *testing.T) {
	dir := newFakeDir()
	fw := newFakeWorkers()
	r := newTestRouter(dir, &fakeCold{dir: dir, node: "w1"}, fw)

	var states []State
	var mu sync.Mutex
	r.SetTransitionHook(func(id string, st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	resp, err := r.Handle(context.Background(), types.InferRequest{Model: "cold@1"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Node != "w1" {
		t.Fatalf("node: %s", resp.Node)
	}
	want := []State{StateReceived, StateResolving, StateColdStarting, StateDispatched, StateCompleted}
	if len(states) != len(want) {
		t.Fatalf("transitions: %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transition %d: got %s want %s", i, states[i], want[i])
		}
	}
}

func TestConcurrentColdStartsCoalesce(t *testing.T) {
	dir := newFakeDir()
	fc := &fakeCold{dir: dir, node: "w1", delay: 100 * time.Millisecond}
	fw := newFakeWorkers()
	r := newTestRouter(dir, fc, fw)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Handle(context.Background(), types.InferRequest{Model: "hot@1"})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := fc.calls.Load(); got != 1 {
		t.Fatalf("expected 1 coalesced cold start, got %d", got)
	}
}

func TestFollowerDeadlineDoesNotAbortLoad(t *testing.T) {
	dir := newFakeDir()
	fc := &fakeCold{dir: dir, node: "w1", delay: 150 * time.Millisecond}
	fw := newFakeWorkers()
	r := newTestRouter(dir, fc, fw)

	// The first caller's deadline expires long before the load finishes.
	_, err := r.Handle(context.Background(), types.InferRequest{Model: "slow@1", DeadlineMs: int64p(30)})
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}

	// The load keeps running on the base context and lands residency.
	deadline := time.Now().Add(2 * time.Second)
	for {
		nodes, _ := dir.ResolveResidency(context.Background(), "slow@1")
		if len(nodes) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("load was aborted with its follower")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A later request finds the model resident; no second flight.
	if _, err := r.Handle(context.Background(), types.InferRequest{Model: "slow@1"}); err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if got := fc.calls.Load(); got != 1 {
		t.Fatalf("expected 1 cold start, got %d", got)
	}
}

func TestDispatchRetriesAlternateResident(t *testing.T) {
	dir := newFakeDir()
	dir.setResidency("m@1", "w1", "w2")
	fw := newFakeWorkers()
	fw.errs["w1"] = worker.ErrUnreachable("w1", errors.New("connection refused"))
	r := newTestRouter(dir, &fakeCold{dir: dir, node: "w2"}, fw)

	resp, err := r.Handle(context.Background(), types.InferRequest{Model: "m@1"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Node != "w2" {
		t.Fatalf("expected alternate worker, got %s", resp.Node)
	}
	if len(fw.dispatched) != 2 {
		t.Fatalf("dispatch attempts: %v", fw.dispatched)
	}
	if got := r.Status().RequeuesTotal; got != 0 {
		t.Fatalf("in-pass retry counted as requeue: %d", got)
	}
}

func TestRequeueOnceOnNodeLoss(t *testing.T) {
	dir := newFakeDir()
	dir.setResidency("m@1", "w1")
	fw := newFakeWorkers()
	// The first dispatch races w1's loss: it fails retryably, and by the
	// requeued resolve the coordinator has dropped w1's residency.
	fw.errs["w1"] = worker.ErrNotResident("w1", "m@1")
	fw.clearOnErr = true
	fw.dir = dir
	fc := &fakeCold{dir: dir, node: "w2"}
	r := newTestRouter(dir, fc, fw)

	resp, err := r.Handle(context.Background(), types.InferRequest{Model: "m@1"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Node != "w2" {
		t.Fatalf("expected recovery on w2, got %s", resp.Node)
	}
	if got := fc.calls.Load(); got != 1 {
		t.Fatalf("expected one recovery cold start, got %d", got)
	}
	if got := r.Status().RequeuesTotal; got != 1 {
		t.Fatalf("requeues: %d", got)
	}
}

func TestNodeLostAbortsHungDispatch(t *testing.T) {
	dir := newFakeDir()
	dir.setResidency("m@1", "w1")
	fw := newFakeWorkers()
	fw.hang["w1"] = true
	fc := &fakeCold{dir: dir, node: "w2"}
	r := newTestRouter(dir, fc, fw)

	done := make(chan struct{})
	var resp types.InferResponse
	var err error
	go func() {
		defer close(done)
		resp, err = r.Handle(context.Background(), types.InferRequest{Model: "m@1"})
	}()

	// Wait until the dispatch is blocked on the dead node, then play the
	// sweep: residency invalidated first, node-lost callback after.
	select {
	case <-fw.started:
	case <-time.After(time.Second):
		t.Fatalf("dispatch never started")
	}
	dir.mu.Lock()
	delete(dir.residency, "m@1")
	delete(dir.members, "w1")
	dir.mu.Unlock()
	r.NodeLost("w1", []types.ArtifactID{"m@1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("request still hung after node loss")
	}
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Node != "w2" {
		t.Fatalf("expected recovery on w2, got %s", resp.Node)
	}
	if got := fc.calls.Load(); got != 1 {
		t.Fatalf("expected one recovery cold start, got %d", got)
	}
	if got := r.Status().RequeuesTotal; got != 1 {
		t.Fatalf("requeues: %d", got)
	}
}

func TestRequeueHappensOnlyOnce(t *testing.T) {
	dir := newFakeDir()
	dir.setResidency("m@1", "w1")
	fw := newFakeWorkers()
	fw.errs["w1"] = worker.ErrNotResident("w1", "m@1")
	r := newTestRouter(dir, &fakeCold{dir: dir, node: "w1"}, fw)

	_, err := r.Handle(context.Background(), types.InferRequest{Model: "m@1"})
	if !IsUnavailable(err) {
		t.Fatalf("expected unavailable after exhausted requeue, got %v", err)
	}
	if got := r.Status().RequeuesTotal; got != 1 {
		t.Fatalf("requeues: %d", got)
	}
	// First pass dispatches to w1, requeue pass dispatches to w1 again.
	if len(fw.dispatched) != 2 {
		t.Fatalf("dispatch attempts: %v", fw.dispatched)
	}
}

func TestNonRetryableDispatchErrorFails(t *testing.T) {
	dir := newFakeDir()
	dir.setResidency("m@1", "w1")
	fw := newFakeWorkers()
	fw.errs["w1"] = errors.New("model exploded")
	r := newTestRouter(dir, &fakeCold{dir: dir, node: "w1"}, fw)

	var last State
	r.SetTransitionHook(func(id string, st State) { last = st })

	_, err := r.Handle(context.Background(), types.InferRequest{Model: "m@1"})
	if err == nil || IsUnavailable(err) || IsTimeout(err) {
		t.Fatalf("expected plain failure, got %v", err)
	}
	if last != StateFailed {
		t.Fatalf("final state: %s", last)
	}
}

func TestDispatchHoldsPin(t *testing.T) {
	dir := newFakeDir()
	dir.setResidency("m@1", "w1")
	fw := newFakeWorkers()
	fw.dir = dir
	r := newTestRouter(dir, &fakeCold{dir: dir, node: "w1"}, fw)

	if _, err := r.Handle(context.Background(), types.InferRequest{Model: "m@1"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !fw.sawPinned {
		t.Fatalf("artifact was not pinned during dispatch")
	}
	dir.mu.Lock()
	defer dir.mu.Unlock()
	if dir.pins["m@1"] != 0 {
		t.Fatalf("pin leaked: %d", dir.pins["m@1"])
	}
	if dir.pinTotal != 1 || dir.unpins != 1 {
		t.Fatalf("pin/unpin counts: %d/%d", dir.pinTotal, dir.unpins)
	}
}

func TestColdStartFailureSurfaces(t *testing.T) {
	dir := newFakeDir()
	boom := errors.New("no capacity anywhere")
	r := newTestRouter(dir, &fakeCold{dir: dir, err: boom}, newFakeWorkers())

	_, err := r.Handle(context.Background(), types.InferRequest{Model: "m@1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected cold start error, got %v", err)
	}
}

func TestStatusCountsTerminalStates(t *testing.T) {
	dir := newFakeDir()
	dir.setResidency("m@1", "w1")
	fw := newFakeWorkers()
	r := newTestRouter(dir, &fakeCold{dir: dir, node: "w1"}, fw)

	if _, err := r.Handle(context.Background(), types.InferRequest{Model: "m@1"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := r.Handle(context.Background(), types.InferRequest{Model: "m@1", DeadlineMs: int64p(0)}); !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}

	st := r.Status()
	if st.CompletedTotal != 1 || st.TimeoutsTotal != 1 {
		t.Fatalf("status: %+v", st)
	}
	if st.Inflight != 0 {
		t.Fatalf("inflight leaked: %d", st.Inflight)
	}
	if !r.Ready() {
		t.Fatalf("router not ready")
	}
}
