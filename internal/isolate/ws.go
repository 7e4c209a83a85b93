package isolate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/isopool/isopool/internal/registry"
)

// errNotStarted is returned by Send when the handle has not been started or
// has been stopped.
var errNotStarted = errors.New("isolate not started")

// wsHandle reaches a worker isolate over a websocket connection. Requests
// and replies alternate one at a time on the connection; sendMu serializes
// concurrent Send calls. A connection lost to a worker restart or a timed-out
// request is discarded and re-dialed on the next Send, so a node can pass its
// next liveness probe once the worker is reachable again.
type wsHandle struct {
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool

	sendMu sync.Mutex
}

// NewWSHandle returns a handle that dials ws://address:port/ws on Start.
func NewWSHandle(desc registry.Descriptor) Handle {
	return &wsHandle{url: fmt.Sprintf("ws://%s:%d/ws", desc.Address, desc.Port)}
}

// WSFactory builds websocket transport handles for node descriptors.
func WSFactory(desc registry.Descriptor) Handle { return NewWSHandle(desc) }

func (h *wsHandle) Start(ctx context.Context) error {
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
	_, err := h.ensureConn(ctx)
	return err
}

func (h *wsHandle) Stop() error {
	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.started = false
	h.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "stopped")
	}
	return nil
}

func (h *wsHandle) Send(ctx context.Context, payload string) (string, error) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	conn, err := h.ensureConn(ctx)
	if err != nil {
		return "", err
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		h.drop(conn)
		return "", fmt.Errorf("write %s: %w", h.url, err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		h.drop(conn)
		return "", fmt.Errorf("read %s: %w", h.url, err)
	}
	return string(data), nil
}

// ensureConn returns the live connection, dialing a fresh one when the
// previous connection was dropped. Fails with errNotStarted once Stop has
// been called or before the first Start.
func (h *wsHandle) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return nil, errNotStarted
	}
	if h.conn != nil {
		return h.conn, nil
	}
	conn, resp, err := websocket.Dial(ctx, h.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", h.url, err)
	}
	h.conn = conn
	return conn, nil
}

// drop discards a connection that failed mid-exchange so the next Send
// re-dials. A connection already replaced by a newer one is left alone.
func (h *wsHandle) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if h.conn == conn {
		h.conn = nil
	}
	h.mu.Unlock()
	_ = conn.CloseNow()
}

// DialTimeout bounds how long Start waits for the worker endpoint to appear
// when the isolate is a freshly spawned process.
const DialTimeout = 10 * time.Second
