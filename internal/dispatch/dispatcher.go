// Package dispatch routes one inference request to one node, with failover
// across the healthy pool when enabled.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/isopool/isopool/internal/balancer"
	"github.com/isopool/isopool/internal/envelope"
	"github.com/isopool/isopool/internal/events"
	"github.com/isopool/isopool/internal/isolate"
	"github.com/isopool/isopool/internal/logx"
	"github.com/isopool/isopool/internal/metrics"
	"github.com/isopool/isopool/internal/registry"
)

// Request is one inference request. The id stays the same across failover
// retries; retries are re-sends, not new requests.
type Request struct {
	RequestID string         `json:"request_id"`
	Prompt    string         `json:"prompt"`
	Options   map[string]any `json:"options,omitempty"`
}

// Response reports which node ultimately served the request.
type Response struct {
	RequestID string    `json:"request_id"`
	NodeID    string    `json:"node_id"`
	Result    string    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher orchestrates select, send and failover over the shared registry.
type Dispatcher struct {
	reg      *registry.Registry
	bal      *balancer.Balancer
	sup      isolate.Supervisor
	bus      *events.Bus
	timeout  time.Duration
	failover bool
}

func NewDispatcher(reg *registry.Registry, bal *balancer.Balancer, sup isolate.Supervisor, bus *events.Bus, timeout time.Duration, failover bool) *Dispatcher {
	return &Dispatcher{reg: reg, bal: bal, sup: sup, bus: bus, timeout: timeout, failover: failover}
}

// Dispatch routes req to a healthy node. With failover enabled, a failed send
// marks the node unhealthy and reroutes; the retry chain is bounded by the
// size of the healthy pool snapshotted when the dispatch began, so a node
// flapping back to healthy mid-dispatch cannot extend it. The terminal error
// after exhaustion is ErrNoHealthyNodes.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Response, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	payload, err := envelope.Request{
		Type:      envelope.TypeInference,
		RequestID: req.RequestID,
		Prompt:    req.Prompt,
		Options:   req.Options,
	}.Encode()
	if err != nil {
		return Response{}, fmt.Errorf("encode request %s: %w", req.RequestID, err)
	}

	budget := len(d.reg.Snapshot(registry.HealthyOnly))
	if budget == 0 {
		return Response{}, balancer.ErrNoHealthyNodes
	}

	metrics.DispatchStart()
	failed := make(map[string]bool)
	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		node, err := d.pick(failed)
		if err != nil {
			metrics.DispatchEnd(false)
			return Response{}, err
		}
		result, err := d.sendTo(ctx, node.ID, payload)
		if err == nil {
			metrics.DispatchEnd(true)
			return Response{
				RequestID: req.RequestID,
				NodeID:    node.ID,
				Result:    result,
				Timestamp: time.Now(),
			}, nil
		}
		lastErr = err
		if !d.failover {
			metrics.DispatchEnd(false)
			return Response{}, err
		}
		if changed, _ := d.reg.SetHealthy(node.ID, false); changed {
			d.bus.Publish(events.NodeUnhealthy{ID: node.ID, Reason: err.Error()})
		}
		failed[node.ID] = true
		metrics.Failover()
		logx.Log.Warn().
			Str("request_id", req.RequestID).
			Str("node_id", node.ID).
			Err(err).
			Msg("send failed; rerouting")
	}
	metrics.DispatchEnd(false)
	logx.Log.Error().Str("request_id", req.RequestID).Err(lastErr).Msg("healthy pool exhausted")
	return Response{}, balancer.ErrNoHealthyNodes
}

// pick selects one healthy node not already failed during this dispatch.
func (d *Dispatcher) pick(failed map[string]bool) (registry.NodeInfo, error) {
	snap := d.reg.Snapshot(registry.HealthyOnly)
	if len(failed) > 0 {
		filtered := snap[:0]
		for _, n := range snap {
			if !failed[n.ID] {
				filtered = append(filtered, n)
			}
		}
		snap = filtered
	}
	return d.bal.Pick(snap)
}

// sendTo holds the node's in-flight slot for exactly the duration of the
// send. The deferred release runs on every path, error included.
func (d *Dispatcher) sendTo(ctx context.Context, nodeID, payload string) (string, error) {
	h, ok := d.sup.GetIsolate(nodeID)
	if !ok {
		return "", fmt.Errorf("%w: %s", isolate.ErrNotFound, nodeID)
	}
	d.reg.IncConnections(nodeID)
	defer d.reg.DecConnections(nodeID)

	sendCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return h.Send(sendCtx, payload)
}
