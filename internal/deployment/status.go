package deployment

import (
	"fmt"
	"sync/atomic"
)

// Status is the deployment lifecycle state.
type Status string

const (
	StatusStopped      Status = "stopped"
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusError        Status = "error"
)

// transitions lists the allowed next states for each state. Shutdown is
// handled separately since any non-stopped state may stop.
var transitions = map[Status][]Status{
	StatusStopped:      {StatusInitializing},
	StatusInitializing: {StatusRunning, StatusError, StatusStopped},
	StatusRunning:      {StatusPaused, StatusError, StatusStopped},
	StatusPaused:       {StatusRunning, StatusError, StatusStopped},
	StatusError:        {StatusStopped},
}

func canTransition(from, to Status) bool {
	if to == StatusError {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InvalidStateError reports an operation invoked outside its allowed state.
type InvalidStateError struct {
	Op       string
	Current  Status
	Required Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s requires state %q, current state is %q", e.Op, e.Required, e.Current)
}

// State is the persisted deployment status snapshot.
type State struct {
	Status Status `json:"status"`
}

// StatusStore persists the deployment status. Implementations may keep it in
// memory or in an external service such as Redis so monitors can read it
// without polling the coordinator.
type StatusStore interface {
	Load() State
	Store(State)
}

// memoryStore is the default StatusStore, backed by an atomic.Value.
type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed StatusStore initialized to stopped.
func NewMemoryStore() StatusStore {
	ms := &memoryStore{}
	ms.v.Store(State{Status: StatusStopped})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: StatusStopped}
}

func (m *memoryStore) Store(s State) {
	m.v.Store(s)
}
