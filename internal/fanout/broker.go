// Package fanout relays room-scoped events between service instances.
// Delivery across instances is asynchronous and unordered.
package fanout

import (
	"context"
	"encoding/json"
	"sync"
)

const channelPrefix = "codepair:room:"

// Envelope carries one room event between instances.
type Envelope struct {
	Origin    string          `json:"origin"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Except    string          `json:"except,omitempty"` // connection id that must not receive it
	Payload   json.RawMessage `json:"payload"`
}

// Handler receives envelopes published by other instances.
type Handler func(Envelope)

// Broker publishes room events and delivers events from other instances.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// Channel returns the pub/sub channel for a session.
func Channel(sessionID string) string { return channelPrefix + sessionID }

// LocalBroker relays in process. A single LocalBroker never delivers anything
// to itself; brokers created with Peer share a hub and behave like separate
// instances.
type LocalBroker struct {
	instanceID string
	hub        *localHub
}

type localHub struct {
	mu       sync.RWMutex
	handlers map[string][]Handler // by instance id
}

func NewLocalBroker(instanceID string) *LocalBroker {
	return &LocalBroker{
		instanceID: instanceID,
		hub:        &localHub{handlers: make(map[string][]Handler)},
	}
}

// Peer returns a broker for another instance on the same hub.
func (b *LocalBroker) Peer(instanceID string) *LocalBroker {
	return &LocalBroker{instanceID: instanceID, hub: b.hub}
}

func (b *LocalBroker) Publish(_ context.Context, env Envelope) error {
	env.Origin = b.instanceID
	b.hub.mu.RLock()
	var targets []Handler
	for id, hs := range b.hub.handlers {
		if id == b.instanceID {
			continue
		}
		targets = append(targets, hs...)
	}
	b.hub.mu.RUnlock()

	for _, h := range targets {
		go h(env)
	}
	return nil
}

func (b *LocalBroker) Subscribe(_ context.Context, h Handler) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	b.hub.handlers[b.instanceID] = append(b.hub.handlers[b.instanceID], h)
	return nil
}

func (b *LocalBroker) Close() error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	delete(b.hub.handlers, b.instanceID)
	return nil
}
