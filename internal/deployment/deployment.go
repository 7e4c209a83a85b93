// Package deployment owns the coordinator lifecycle: the state machine, the
// initial pool, elastic scaling, and the ordered shutdown sequence.
package deployment

import (
	"context"
	"fmt"
	"sync"

	"github.com/isopool/isopool/internal/balancer"
	"github.com/isopool/isopool/internal/config"
	"github.com/isopool/isopool/internal/dispatch"
	"github.com/isopool/isopool/internal/events"
	"github.com/isopool/isopool/internal/health"
	"github.com/isopool/isopool/internal/isolate"
	"github.com/isopool/isopool/internal/logx"
	"github.com/isopool/isopool/internal/metrics"
	"github.com/isopool/isopool/internal/registry"
)

// Deployment wires the registry, balancer, monitor and dispatcher together
// behind the lifecycle state machine.
type Deployment struct {
	cfg   config.Config
	reg   *registry.Registry
	sup   isolate.Supervisor
	bus   *events.Bus
	disp  *dispatch.Dispatcher
	mon   *health.Monitor
	store StatusStore

	// mu serializes lifecycle transitions and scaling; dispatch only reads
	// the status.
	mu sync.Mutex
	// nextIndex numbers scaled-up nodes. It only ever grows, so a node id is
	// never reused within a deployment session.
	nextIndex int
}

// New validates cfg and assembles a deployment. The status store defaults to
// memory; pass a Redis-backed store to expose status out-of-process.
func New(cfg config.Config, sup isolate.Supervisor, bus *events.Bus, store StatusStore) (*Deployment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategy, err := balancer.ParseStrategy(cfg.Strategy)
	if err != nil {
		// Unreachable after Validate; kept so a zero Config fails loudly.
		return nil, err
	}
	if bus == nil {
		bus = events.NewBus()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	reg := registry.NewRegistry()
	d := &Deployment{
		cfg:   cfg,
		reg:   reg,
		sup:   sup,
		bus:   bus,
		disp:  dispatch.NewDispatcher(reg, balancer.New(strategy), sup, bus, cfg.RequestTimeout, cfg.EnableFailover),
		mon:   health.NewMonitor(reg, sup, bus, cfg.HealthCheckInterval),
		store: store,
	}
	d.store.Store(State{Status: StatusStopped})
	return d, nil
}

// Status returns the current deployment state.
func (d *Deployment) Status() Status {
	return d.store.Load().Status
}

// Nodes returns a point-in-time copy of the pool.
func (d *Deployment) Nodes() []registry.NodeInfo {
	return d.reg.Snapshot(registry.All)
}

// Events exposes the notification bus.
func (d *Deployment) Events() *events.Bus {
	return d.bus
}

// setStatus stores the new state and publishes the transition. Callers hold
// d.mu.
func (d *Deployment) setStatus(to Status) {
	from := d.store.Load().Status
	if from == to {
		return
	}
	if !canTransition(from, to) {
		logx.Log.Error().Str("from", string(from)).Str("to", string(to)).Msg("illegal state transition suppressed")
		return
	}
	d.store.Store(State{Status: to})
	logx.Log.Info().Str("from", string(from)).Str("to", string(to)).Msg("deployment state changed")
	d.bus.Publish(events.StatusChanged{From: string(from), To: string(to)})
}

// require fails with InvalidStateError unless the current state is allowed.
func (d *Deployment) require(op string, allowed ...Status) error {
	cur := d.store.Load().Status
	for _, s := range allowed {
		if cur == s {
			return nil
		}
	}
	return &InvalidStateError{Op: op, Current: cur, Required: allowed[0]}
}

// Deploy starts the initial pool from the configured node list, launches the
// health monitor and moves to Running. Only valid from Stopped.
func (d *Deployment) Deploy(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.require("deploy", StatusStopped); err != nil {
		return err
	}
	d.setStatus(StatusInitializing)
	for _, desc := range d.cfg.Nodes {
		if err := d.addNode(ctx, desc); err != nil {
			d.fail(err)
			return err
		}
	}
	d.mon.Start(ctx)
	d.setStatus(StatusRunning)
	return nil
}

// Dispatch routes one request. Only valid from Running; in any other state it
// fails before any node selection or network side effect.
func (d *Deployment) Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Response, error) {
	if err := d.require("dispatch", StatusRunning); err != nil {
		return dispatch.Response{}, err
	}
	return d.disp.Dispatch(ctx, req)
}

// Pause suspends dispatching. Only valid from Running.
func (d *Deployment) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.require("pause", StatusRunning); err != nil {
		return err
	}
	d.setStatus(StatusPaused)
	return nil
}

// Resume re-enables dispatching. Only valid from Paused.
func (d *Deployment) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.require("resume", StatusPaused); err != nil {
		return err
	}
	d.setStatus(StatusRunning)
	return nil
}

// ScaleTo grows or shrinks the pool to target nodes. Only valid from Running.
// A failure mid-batch surfaces the first error and leaves the completed part
// of the batch in place; there is no rollback.
func (d *Deployment) ScaleTo(ctx context.Context, target int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.require("scale", StatusRunning); err != nil {
		return err
	}
	if target < 0 {
		return fmt.Errorf("scale target %d must be non-negative", target)
	}
	current := d.reg.Len()
	switch {
	case target == current:
		return nil
	case target > current:
		for i := 0; i < target-current; i++ {
			desc := registry.Descriptor{
				ID:      fmt.Sprintf("node-%d", d.nextIndex),
				Address: "127.0.0.1",
				Port:    d.cfg.BasePort + current + i,
			}
			d.nextIndex++
			if err := d.addNode(ctx, desc); err != nil {
				return fmt.Errorf("scale up to %d: %w", target, err)
			}
		}
	default:
		snap := d.reg.Snapshot(registry.All)
		// Remove from the tail: most-recently-added first.
		for i := len(snap) - 1; i >= target; i-- {
			if err := d.removeNode(snap[i].ID); err != nil {
				return fmt.Errorf("scale down to %d: %w", target, err)
			}
		}
	}
	logx.Log.Info().Int("from", current).Int("to", target).Msg("scaling completed")
	metrics.ScalingCompleted()
	d.bus.Publish(events.ScalingCompleted{From: current, To: target})
	return nil
}

// Shutdown stops the monitor, stops all isolates in parallel, clears the
// registry and moves to Stopped, in that order. Calling it when already
// stopped is a no-op.
func (d *Deployment) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store.Load().Status == StatusStopped {
		return nil
	}
	d.mon.Stop()
	d.sup.StopAll(ctx)
	d.reg.Clear()
	d.setStatus(StatusStopped)
	return nil
}

// fail transitions to Error and publishes the fatal event.
func (d *Deployment) fail(err error) {
	d.setStatus(StatusError)
	d.bus.Publish(events.FatalError{Message: err.Error()})
}

// addNode creates the isolate, starts it and registers the node. Callers
// hold d.mu.
func (d *Deployment) addNode(ctx context.Context, desc registry.Descriptor) error {
	h, err := d.sup.CreateIsolate(desc)
	if err != nil {
		return err
	}
	if err := h.Start(ctx); err != nil {
		_ = d.sup.RemoveIsolate(desc.ID)
		return fmt.Errorf("start isolate %s: %w", desc.ID, err)
	}
	if err := d.reg.Add(registry.NewNode(desc)); err != nil {
		_ = h.Stop()
		_ = d.sup.RemoveIsolate(desc.ID)
		return err
	}
	logx.Log.Info().Str("node_id", desc.ID).Str("address", desc.Address).Int("port", desc.Port).Msg("node deployed")
	d.bus.Publish(events.NodeDeployed{ID: desc.ID, Address: desc.Address, Port: desc.Port})
	return nil
}

// removeNode stops the isolate and unregisters the node. Callers hold d.mu.
func (d *Deployment) removeNode(id string) error {
	if h, ok := d.sup.GetIsolate(id); ok {
		_ = h.Stop()
		_ = d.sup.RemoveIsolate(id)
	}
	if err := d.reg.Remove(id); err != nil {
		return err
	}
	logx.Log.Info().Str("node_id", id).Msg("node removed")
	d.bus.Publish(events.NodeRemoved{ID: id})
	return nil
}
