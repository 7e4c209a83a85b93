// Package health runs the periodic liveness probe loop. The monitor is
// owned by the deployment lifecycle: started on deploy, stopped on shutdown,
// never a process-wide singleton.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/isopool/isopool/internal/envelope"
	"github.com/isopool/isopool/internal/events"
	"github.com/isopool/isopool/internal/isolate"
	"github.com/isopool/isopool/internal/logx"
	"github.com/isopool/isopool/internal/metrics"
	"github.com/isopool/isopool/internal/registry"
)

// DefaultInterval is used when the configuration does not set one.
const DefaultInterval = 30 * time.Second

// probeTimeout bounds a single liveness probe so one wedged isolate cannot
// stall the whole tick.
const probeTimeout = 5 * time.Second

// Monitor probes every registered node once per tick and flips the registry
// health flag from the result. It publishes node-unhealthy only on the
// healthy-to-unhealthy transition.
type Monitor struct {
	reg      *registry.Registry
	sup      isolate.Supervisor
	bus      *events.Bus
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(reg *registry.Registry, sup isolate.Supervisor, bus *events.Bus, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{reg: reg, sup: sup, bus: bus, interval: interval, log: logx.Component("health")}
}

// Start launches the probe loop. Starting an already-running monitor is a
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	done := make(chan struct{})
	m.done = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CheckOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the probe loop and waits for the in-flight tick to finish.
// Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// CheckOnce probes every registered node a single time. Nodes whose isolate
// handle is gone (concurrently removed) are skipped without touching the
// registry.
func (m *Monitor) CheckOnce(ctx context.Context) {
	healthy, unhealthy := 0, 0
	for _, n := range m.reg.Snapshot(registry.All) {
		h, ok := m.sup.GetIsolate(n.ID)
		if !ok {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		_, err := h.Send(probeCtx, envelope.Ping())
		cancel()
		if err == nil {
			healthy++
			m.reg.SetHealthy(n.ID, true)
			continue
		}
		unhealthy++
		changed, present := m.reg.SetHealthy(n.ID, false)
		if changed && present {
			m.log.Warn().Str("node_id", n.ID).Err(err).Msg("node failed liveness probe")
			m.bus.Publish(events.NodeUnhealthy{ID: n.ID, Reason: err.Error()})
		}
	}
	metrics.SetNodeCounts(healthy, unhealthy)
}
