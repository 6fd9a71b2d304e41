/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package registry

import (
	"sync"
	"time"

	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/models"
)

// EventType discriminates registry domain events.
type EventType string

const (
	EventPeerDiscovered EventType = "peerDiscovered"
	EventPeerRemoved    EventType = "peerRemoved"
)

// PeerEvent is a discrete registry mutation notification. Events for
// one peer are delivered to each subscriber in publish order; no
// ordering is guaranteed across peers.
type PeerEvent struct {
	Type EventType
	Peer models.PeerRecord
	At   time.Time
}

const subscriberBuffer = 64

// EventBus fans registry events out to subscriber channels. A slow
// subscriber loses events rather than blocking registry mutations.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]chan PeerEvent
	nextID int
	logger logger.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(log logger.Logger) *EventBus {
	return &EventBus{
		subs:   make(map[int]chan PeerEvent),
		logger: log,
	}
}

// Subscribe returns a receive channel and an unsubscribe function. The
// channel is closed on unsubscribe.
func (b *EventBus) Subscribe() (<-chan PeerEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan PeerEvent, subscriberBuffer)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}

	return ch, unsubscribe
}

// Publish delivers the event to every subscriber without blocking.
func (b *EventBus) Publish(event PeerEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warn().
				Str("event", string(event.Type)).
				Str("peer_id", event.Peer.ID).
				Msg("Dropping registry event for slow subscriber")
		}
	}
}
