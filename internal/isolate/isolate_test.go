package isolate

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/isopool/isopool/internal/registry"
)

type fakeHandle struct {
	started atomic.Bool
	stops   atomic.Int32
}

func (f *fakeHandle) Start(context.Context) error { f.started.Store(true); return nil }
func (f *fakeHandle) Stop() error                 { f.stops.Add(1); return nil }
func (f *fakeHandle) Send(context.Context, string) (string, error) {
	return "ok", nil
}

func fakeFactory(registry.Descriptor) Handle { return &fakeHandle{} }

func TestSupervisorDuplicateID(t *testing.T) {
	s := NewSupervisor(fakeFactory)
	desc := registry.Descriptor{ID: "n1", Address: "127.0.0.1", Port: 9001}
	if _, err := s.CreateIsolate(desc); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateIsolate(desc); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestSupervisorRejectsInvalidDescriptor(t *testing.T) {
	s := NewSupervisor(fakeFactory)
	if _, err := s.CreateIsolate(registry.Descriptor{ID: "n1"}); !errors.Is(err, registry.ErrInvalidDescriptor) {
		t.Fatalf("expected ErrInvalidDescriptor, got %v", err)
	}
}

func TestSupervisorRemove(t *testing.T) {
	s := NewSupervisor(fakeFactory)
	if _, err := s.CreateIsolate(registry.Descriptor{ID: "n1", Address: "127.0.0.1", Port: 9001}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.RemoveIsolate("n1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := s.GetIsolate("n1"); ok {
		t.Fatalf("handle still present after remove")
	}
	if err := s.RemoveIsolate("n1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStopAllStopsEveryHandleInParallel(t *testing.T) {
	s := NewSupervisor(fakeFactory)
	handles := make([]*fakeHandle, 0, 3)
	for _, id := range []string{"a", "b", "c"} {
		h, err := s.CreateIsolate(registry.Descriptor{ID: id, Address: "127.0.0.1", Port: 9001})
		if err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		handles = append(handles, h.(*fakeHandle))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.StopAll(ctx)
	for i, h := range handles {
		if h.stops.Load() != 1 {
			t.Fatalf("handle %d stopped %d times; want 1", i, h.stops.Load())
		}
	}
	// The supervisor forgets its handles once stopped.
	if _, ok := s.GetIsolate("a"); ok {
		t.Fatalf("handle survived StopAll")
	}
}

// wsEcho upper-cases incoming text frames so replies are distinguishable
// from the request payload.
type wsEcho struct{}

func (wsEcho) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	wsEcho{}.serve(r.Context(), c)
}

func (wsEcho) serve(ctx context.Context, c *websocket.Conn) {
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if err := c.Write(ctx, websocket.MessageText, []byte(strings.ToUpper(string(data)))); err != nil {
			return
		}
	}
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port %s: %v", portStr, err)
	}
	return host, port
}

func TestWSHandleSendRoundTrip(t *testing.T) {
	srv := httptest.NewServer(wsEcho{})
	defer srv.Close()

	host, port := splitHostPort(t, srv.Listener.Addr().String())
	h := NewWSHandle(registry.Descriptor{ID: "n1", Address: host, Port: port})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = h.Stop() }()

	got, err := h.Send(ctx, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got != "HELLO" {
		t.Fatalf("reply = %q; want %q", got, "HELLO")
	}
}

// flakyEcho drops its first connection as soon as it is accepted and
// behaves like wsEcho afterwards, the shape of a worker restarting under
// the coordinator.
type flakyEcho struct {
	conns atomic.Int32
}

func (f *flakyEcho) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	if f.conns.Add(1) == 1 {
		_ = c.Close(websocket.StatusInternalError, "restarting")
		return
	}
	wsEcho{}.serve(r.Context(), c)
}

func TestWSHandleRedialsAfterConnectionLoss(t *testing.T) {
	srv := httptest.NewServer(&flakyEcho{})
	defer srv.Close()
	host, port := splitHostPort(t, srv.Listener.Addr().String())
	h := NewWSHandle(registry.Descriptor{ID: "n1", Address: host, Port: port})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = h.Stop() }()

	// The first exchange rides the connection the server dropped and must
	// fail; a later Send must come back once it re-dials.
	var recovered bool
	for i := 0; i < 5; i++ {
		got, err := h.Send(ctx, "hello")
		if err != nil {
			continue
		}
		if got != "HELLO" {
			t.Fatalf("reply = %q; want HELLO", got)
		}
		recovered = true
		break
	}
	if !recovered {
		t.Fatalf("handle never recovered after losing its connection")
	}
	// The recovered connection keeps working.
	if got, err := h.Send(ctx, "again"); err != nil || got != "AGAIN" {
		t.Fatalf("send after recovery = %q, %v", got, err)
	}
}

func TestWSHandleSendBeforeStart(t *testing.T) {
	h := NewWSHandle(registry.Descriptor{ID: "n1", Address: "127.0.0.1", Port: 9001})
	if _, err := h.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error sending on unstarted handle")
	}
}

func TestWSHandleStopIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(wsEcho{})
	defer srv.Close()
	host, port := splitHostPort(t, srv.Listener.Addr().String())
	h := NewWSHandle(registry.Descriptor{ID: "n1", Address: host, Port: port})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestWSHandleSerializesConcurrentSends(t *testing.T) {
	srv := httptest.NewServer(wsEcho{})
	defer srv.Close()
	host, port := splitHostPort(t, srv.Listener.Addr().String())
	h := NewWSHandle(registry.Descriptor{ID: "n1", Address: host, Port: port})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = h.Stop() }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := h.Send(ctx, "ping")
			if err != nil {
				t.Errorf("send: %v", err)
				return
			}
			if got != "PING" {
				t.Errorf("reply = %q; want PING", got)
			}
		}()
	}
	wg.Wait()
}
