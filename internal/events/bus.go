// Package events provides a fan-out pub/sub event bus used to push
// broadcasts from the deployment state and registry to connected admin
// WebSocket sessions (spec §4.8, §5 "collect actions while holding the
// lock and release before sending").
package events

import (
	"sync"
)

// EventType identifies the kind of broadcast sent to the web action gateway.
type EventType string

const (
	EventInitialState             EventType = "InitialState"
	EventObjectChanged            EventType = "ObjectChanged"
	EventSetDeploymentObjects     EventType = "SetDeploymentObjects"
	EventSetDeploymentStatus      EventType = "SetDeploymentStatus"
	EventSetDeploymentObjStatus   EventType = "SetDeploymentObjectStatus"
	EventAddDeploymentLog         EventType = "AddDeploymentLog"
	EventClearDeploymentLog       EventType = "ClearDeploymentLog"
	EventSetDeploymentMessage     EventType = "SetDeploymentMessage"
	EventHostUp                   EventType = "HostUp"
	EventHostDown                 EventType = "HostDown"
	EventAddMessage                EventType = "AddMessage"
	EventSetMessagesDismissed      EventType = "SetMessagesDismissed"
	EventDockerImageTagsChanged    EventType = "DockerImageTagsChanged"
	EventDockerDeploymentsChanged  EventType = "DockerDeploymentsChanged"
)

// Broadcast is a single server->client message published through the bus.
// Payload is whatever JSON-able value the event type calls for; the gateway
// writes it to each client as the JSON object {"type": Type, "payload": Payload}.
type Broadcast struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// subscriberBufferSize is the channel buffer for each subscriber, matching
// the per-client non-blocking send queue required by spec §5.
const subscriberBufferSize = 64

// Bus is a fan-out pub/sub event bus. Subscribers receive all events
// published after they subscribe. Slow subscribers that fall behind have
// events dropped rather than blocking publishers -- "each client has its own
// send queue and may lag without blocking others" (spec §5).
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Broadcast
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[uint64]chan Broadcast),
	}
}

// Publish sends an event to all current subscribers. If a subscriber's
// buffer is full, the event is dropped for that subscriber (non-blocking).
// Callers must never hold a state mutex while calling Publish; collect the
// broadcast value, release the lock, then publish.
func (b *Bus) Publish(evt Broadcast) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe returns a channel that receives all future events and a cancel
// function that unsubscribes and closes the channel. The caller must invoke
// cancel when done to avoid resource leaks.
func (b *Bus) Subscribe() (<-chan Broadcast, func()) {
	ch := make(chan Broadcast, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
