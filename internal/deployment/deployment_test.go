package deployment

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/isopool/isopool/internal/balancer"
	"github.com/isopool/isopool/internal/config"
	"github.com/isopool/isopool/internal/dispatch"
	"github.com/isopool/isopool/internal/events"
	"github.com/isopool/isopool/internal/isolate"
	"github.com/isopool/isopool/internal/metrics"
	"github.com/isopool/isopool/internal/registry"
)

type nopHandle struct {
	sends atomic.Int32
	fail  atomic.Bool
}

func (h *nopHandle) Start(context.Context) error { return nil }
func (h *nopHandle) Stop() error                 { return nil }
func (h *nopHandle) Send(context.Context, string) (string, error) {
	h.sends.Add(1)
	if h.fail.Load() {
		return "", errors.New("boom")
	}
	return "ok", nil
}

type testEnv struct {
	dep     *Deployment
	handles map[string]*nopHandle
}

func newTestEnv(t *testing.T, nodes int) *testEnv {
	t.Helper()
	env := &testEnv{handles: map[string]*nopHandle{}}
	sup := isolate.NewSupervisor(func(d registry.Descriptor) isolate.Handle {
		h := &nopHandle{}
		env.handles[d.ID] = h
		return h
	})
	var cfg config.Config
	cfg.SetDefaults()
	cfg.Strategy = string(balancer.RoundRobin)
	cfg.HealthCheckInterval = time.Hour // keep the monitor out of the way
	for i := 0; i < nodes; i++ {
		cfg.Nodes = append(cfg.Nodes, registry.Descriptor{
			ID:      fmt.Sprintf("seed-%d", i),
			Address: "127.0.0.1",
			Port:    7001 + i,
		})
	}
	dep, err := New(cfg, sup, events.NewBus(), nil)
	if err != nil {
		t.Fatalf("new deployment: %v", err)
	}
	t.Cleanup(func() { _ = dep.Shutdown(context.Background()) })
	env.dep = dep
	return env
}

func TestDeployMovesToRunning(t *testing.T) {
	env := newTestEnv(t, 3)
	if err := env.dep.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if got := env.dep.Status(); got != StatusRunning {
		t.Fatalf("status = %s; want running", got)
	}
	if got := len(env.dep.Nodes()); got != 3 {
		t.Fatalf("nodes = %d; want 3", got)
	}
}

func TestDeployOnlyFromStopped(t *testing.T) {
	env := newTestEnv(t, 1)
	if err := env.dep.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	err := env.dep.Deploy(context.Background())
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if ise.Current != StatusRunning || ise.Required != StatusStopped {
		t.Fatalf("error names wrong states: %v", ise)
	}
}

func TestDispatchRequiresRunning(t *testing.T) {
	env := newTestEnv(t, 1)
	_, err := env.dep.Dispatch(context.Background(), dispatch.Request{Prompt: "hi"})
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError while stopped, got %v", err)
	}

	if err := env.dep.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := env.dep.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, err = env.dep.Dispatch(context.Background(), dispatch.Request{Prompt: "hi"})
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError while paused, got %v", err)
	}
	// No send may have reached any node.
	for id, h := range env.handles {
		if h.sends.Load() != 0 {
			t.Fatalf("node %s saw %d sends during paused dispatch", id, h.sends.Load())
		}
	}
}

func TestPauseResumeCycle(t *testing.T) {
	env := newTestEnv(t, 1)
	if err := env.dep.Resume(); err == nil {
		t.Fatalf("resume from stopped must fail")
	}
	if err := env.dep.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := env.dep.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := env.dep.Pause(); err == nil {
		t.Fatalf("pause from paused must fail")
	}
	if err := env.dep.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := env.dep.Dispatch(context.Background(), dispatch.Request{Prompt: "hi"}); err != nil {
		t.Fatalf("dispatch after resume: %v", err)
	}
}

func TestScaleUpAssignsFreshIDsAndPorts(t *testing.T) {
	env := newTestEnv(t, 3)
	if err := env.dep.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := env.dep.ScaleTo(context.Background(), 5); err != nil {
		t.Fatalf("scale: %v", err)
	}
	nodes := env.dep.Nodes()
	if len(nodes) != 5 {
		t.Fatalf("nodes = %d; want 5", len(nodes))
	}
	ids := map[string]bool{}
	ports := map[int]bool{}
	for _, n := range nodes {
		if ids[n.ID] {
			t.Fatalf("duplicate id %s", n.ID)
		}
		if ports[n.Port] {
			t.Fatalf("duplicate port %d", n.Port)
		}
		ids[n.ID] = true
		ports[n.Port] = true
	}
}

func TestScaleDownRemovesMostRecentFirst(t *testing.T) {
	env := newTestEnv(t, 3)
	if err := env.dep.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := env.dep.ScaleTo(context.Background(), 1); err != nil {
		t.Fatalf("scale: %v", err)
	}
	nodes := env.dep.Nodes()
	if len(nodes) != 1 || nodes[0].ID != "seed-0" {
		t.Fatalf("expected only seed-0 to survive, got %+v", nodes)
	}
}

func TestScaleToCurrentIsNoOp(t *testing.T) {
	env := newTestEnv(t, 2)
	if err := env.dep.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	ch, cancel := env.dep.Events().Subscribe()
	defer cancel()
	if err := env.dep.ScaleTo(context.Background(), 2); err != nil {
		t.Fatalf("scale: %v", err)
	}
	select {
	case e := <-ch:
		t.Fatalf("no-op scale published %#v", e)
	default:
	}
}

// scalingOps reads the scaling counter from a registry the test registered
// the package collectors into. The collectors are process-global, so the
// test measures a delta rather than an absolute value.
func scalingOps(t *testing.T, preg *prometheus.Registry) float64 {
	t.Helper()
	mfs, err := preg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "isopool_scaling_operations_total" {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestScaleIncrementsScalingCounter(t *testing.T) {
	preg := prometheus.NewRegistry()
	metrics.Register(preg)
	env := newTestEnv(t, 1)
	if err := env.dep.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	before := scalingOps(t, preg)
	if err := env.dep.ScaleTo(context.Background(), 3); err != nil {
		t.Fatalf("scale up: %v", err)
	}
	if err := env.dep.ScaleTo(context.Background(), 1); err != nil {
		t.Fatalf("scale down: %v", err)
	}
	if got := scalingOps(t, preg) - before; got != 2 {
		t.Fatalf("scaling counter advanced by %v; want 2", got)
	}
	// A no-op scale publishes nothing and counts nothing.
	if err := env.dep.ScaleTo(context.Background(), 1); err != nil {
		t.Fatalf("no-op scale: %v", err)
	}
	if got := scalingOps(t, preg) - before; got != 2 {
		t.Fatalf("no-op scale moved the counter to %v", got+before)
	}
}

func TestScaleRequiresRunning(t *testing.T) {
	env := newTestEnv(t, 1)
	err := env.dep.ScaleTo(context.Background(), 3)
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestScaleUpDoesNotReuseIDsAfterScaleDown(t *testing.T) {
	env := newTestEnv(t, 0)
	if err := env.dep.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := env.dep.ScaleTo(context.Background(), 2); err != nil {
		t.Fatalf("scale up: %v", err)
	}
	if err := env.dep.ScaleTo(context.Background(), 0); err != nil {
		t.Fatalf("scale down: %v", err)
	}
	if err := env.dep.ScaleTo(context.Background(), 2); err != nil {
		t.Fatalf("scale up again: %v", err)
	}
	for _, n := range env.dep.Nodes() {
		if n.ID == "node-0" || n.ID == "node-1" {
			t.Fatalf("node id %s reused after removal", n.ID)
		}
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 2)
	if err := env.dep.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := env.dep.Shutdown(context.Background()); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if got := env.dep.Status(); got != StatusStopped {
		t.Fatalf("status = %s; want stopped", got)
	}
	if err := env.dep.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if got := env.dep.Status(); got != StatusStopped {
		t.Fatalf("status after repeat shutdown = %s; want stopped", got)
	}
	if got := len(env.dep.Nodes()); got != 0 {
		t.Fatalf("registry not cleared: %d nodes", got)
	}
}

func TestStatusChangedEvents(t *testing.T) {
	env := newTestEnv(t, 1)
	ch, cancel := env.dep.Events().Subscribe()
	defer cancel()
	if err := env.dep.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	var seq []string
	for done := false; !done; {
		select {
		case e := <-ch:
			if sc, ok := e.(events.StatusChanged); ok {
				seq = append(seq, sc.To)
			}
		default:
			done = true
		}
	}
	if len(seq) != 2 || seq[0] != string(StatusInitializing) || seq[1] != string(StatusRunning) {
		t.Fatalf("status transitions = %v", seq)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	var cfg config.Config
	cfg.SetDefaults()
	cfg.Strategy = "fastest"
	sup := isolate.NewSupervisor(func(registry.Descriptor) isolate.Handle { return &nopHandle{} })
	_, err := New(cfg, sup, nil, nil)
	var verr *config.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
