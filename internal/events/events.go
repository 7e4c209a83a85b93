// Package events carries the coordinator's typed notifications. The bus
// fans events out to any number of subscribers; a slow subscriber loses
// events rather than blocking the publisher.
package events

import "sync"

// Event is implemented by every notification published on the Bus.
type Event interface {
	Kind() string
}

// StatusChanged reports a deployment state transition.
type StatusChanged struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (StatusChanged) Kind() string { return "status_changed" }

// NodeDeployed reports a node added to the pool.
type NodeDeployed struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

func (NodeDeployed) Kind() string { return "node_deployed" }

// NodeRemoved reports a node removed from the pool.
type NodeRemoved struct {
	ID string `json:"id"`
}

func (NodeRemoved) Kind() string { return "node_removed" }

// NodeUnhealthy reports a healthy-to-unhealthy transition.
type NodeUnhealthy struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func (NodeUnhealthy) Kind() string { return "node_unhealthy" }

// ScalingCompleted reports a finished scaling operation.
type ScalingCompleted struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (ScalingCompleted) Kind() string { return "scaling_completed" }

// FatalError reports an unrecoverable coordinator failure.
type FatalError struct {
	Message string `json:"message"`
}

func (FatalError) Kind() string { return "fatal_error" }

// subscriberBuffer is the per-subscriber channel depth before drops occur.
const subscriberBuffer = 16

// Bus is a fan-out event bus. Publish never blocks; each subscriber owns a
// buffered channel and misses events once its buffer is full.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener. The returned cancel func unregisters
// it and closes its channel; calling cancel more than once is safe.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers e to every subscriber that has buffer room.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
