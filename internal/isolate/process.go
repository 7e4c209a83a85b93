package isolate

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/isopool/isopool/internal/logx"
	"github.com/isopool/isopool/internal/registry"
)

// processHandle spawns one worker process and layers the websocket transport
// on top of it. This is the shim local deployments use; remote deployments
// talk to already-running workers through the plain websocket handle.
type processHandle struct {
	desc    registry.Descriptor
	command string

	mu  sync.Mutex
	cmd *exec.Cmd
	ws  Handle
}

// ProcessFactory returns a Factory that runs command for each node, passing
// the node's id and port as flags, then dials the worker's websocket.
func ProcessFactory(command string) Factory {
	return func(desc registry.Descriptor) Handle {
		return &processHandle{desc: desc, command: command, ws: NewWSHandle(desc)}
	}
}

func (h *processHandle) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd != nil {
		return nil
	}
	cmd := exec.Command(h.command, "--id", h.desc.ID, "--port", strconv.Itoa(h.desc.Port))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn worker %s: %w", h.desc.ID, err)
	}
	h.cmd = cmd
	go func() {
		// Reap the process so it never lingers as a zombie.
		_ = cmd.Wait()
	}()

	// The worker needs a moment to bind its port before the dial lands.
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	var err error
	for {
		if err = h.ws.Start(dialCtx); err == nil {
			return nil
		}
		select {
		case <-dialCtx.Done():
			_ = cmd.Process.Kill()
			h.cmd = nil
			return fmt.Errorf("worker %s never became reachable: %w", h.desc.ID, err)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (h *processHandle) Stop() error {
	h.mu.Lock()
	cmd := h.cmd
	h.cmd = nil
	h.mu.Unlock()
	_ = h.ws.Stop()
	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil {
			logx.Log.Warn().Err(err).Str("node_id", h.desc.ID).Msg("kill worker process")
		}
	}
	return nil
}

func (h *processHandle) Send(ctx context.Context, payload string) (string, error) {
	return h.ws.Send(ctx, payload)
}
