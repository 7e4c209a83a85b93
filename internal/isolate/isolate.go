// Package isolate holds the coordinator's view of worker processes: the
// Handle contract for one running isolate, the Supervisor that owns their
// lifecycles, and the concrete websocket and process-spawning adapters. The
// coordination core only ever sees these interfaces.
package isolate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/isopool/isopool/internal/registry"
)

var (
	// ErrDuplicateID is returned by CreateIsolate when the id already has a handle.
	ErrDuplicateID = errors.New("duplicate isolate id")
	// ErrNotFound is returned by RemoveIsolate when no handle exists for the id.
	ErrNotFound = errors.New("isolate not found")
)

// Handle is one running worker isolate. The payload handed to Send is an
// opaque serialized envelope; the returned string is the worker's reply,
// forwarded without inspection.
type Handle interface {
	Start(ctx context.Context) error
	// Stop is idempotent; stopping an already-stopped isolate is a no-op.
	Stop() error
	Send(ctx context.Context, payload string) (string, error)
}

// Factory builds a not-yet-started Handle for a node descriptor.
type Factory func(desc registry.Descriptor) Handle

// Supervisor owns the isolate handles, one per node id.
type Supervisor interface {
	CreateIsolate(desc registry.Descriptor) (Handle, error)
	GetIsolate(id string) (Handle, bool)
	RemoveIsolate(id string) error
	// StopAll stops every isolate best-effort in parallel and waits for all
	// stops to finish or ctx to end.
	StopAll(ctx context.Context)
}

// supervisor is the default Supervisor backed by a Factory.
type supervisor struct {
	mu       sync.Mutex
	factory  Factory
	isolates map[string]Handle
}

// NewSupervisor returns a Supervisor that builds handles with factory.
func NewSupervisor(factory Factory) Supervisor {
	return &supervisor{factory: factory, isolates: make(map[string]Handle)}
}

func (s *supervisor) CreateIsolate(desc registry.Descriptor) (Handle, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.isolates[desc.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, desc.ID)
	}
	h := s.factory(desc)
	s.isolates[desc.ID] = h
	return h, nil
}

func (s *supervisor) GetIsolate(id string) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.isolates[id]
	return h, ok
}

func (s *supervisor) RemoveIsolate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.isolates[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.isolates, id)
	return nil
}

func (s *supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	handles := make([]Handle, 0, len(s.isolates))
	for _, h := range s.isolates {
		handles = append(handles, h)
	}
	s.isolates = make(map[string]Handle)
	s.mu.Unlock()

	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			_ = h.Stop()
		}(h)
	}
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
