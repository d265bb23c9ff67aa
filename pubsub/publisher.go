// File: pubsub/publisher.go
// Package pubsub fans WebSocket messages out to topic subscribers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Subscriptions are keyed by session id. Mutation and publication happen on
// the reactor goroutine; the mutex only keeps the probes honest.

package pubsub

import (
	"sync"

	"github.com/momentics/hioload-mux/api"
)

// DeliverFunc sends one message to one subscriber.
type DeliverFunc func(subscriberID string, op api.OpCode, payload []byte)

// Publisher maps topics to subscribers.
type Publisher struct {
	mu     sync.RWMutex
	topics map[string]map[string]bool // topic -> subscriber -> receives own publications
	subs   map[string]map[string]struct{}
}

// NewPublisher returns an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{
		topics: make(map[string]map[string]bool),
		subs:   make(map[string]map[string]struct{}),
	}
}

// Subscribe adds id to topic. With local set the subscriber also receives
// messages it publishes itself. Subscribing again updates the flag.
func (p *Publisher) Subscribe(topic, id string, local bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	members, ok := p.topics[topic]
	if !ok {
		members = make(map[string]bool)
		p.topics[topic] = members
	}
	members[id] = local
	mine, ok := p.subs[id]
	if !ok {
		mine = make(map[string]struct{})
		p.subs[id] = mine
	}
	mine[topic] = struct{}{}
}

// Unsubscribe removes id from topic.
func (p *Publisher) Unsubscribe(topic, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remove(topic, id)
}

// UnsubscribeAll removes id from every topic and returns how many it left.
func (p *Publisher) UnsubscribeAll(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	mine := p.subs[id]
	n := len(mine)
	for topic := range mine {
		p.remove(topic, id)
	}
	return n
}

func (p *Publisher) remove(topic, id string) {
	if members, ok := p.topics[topic]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(p.topics, topic)
		}
	}
	if mine, ok := p.subs[id]; ok {
		delete(mine, topic)
		if len(mine) == 0 {
			delete(p.subs, id)
		}
	}
}

// Publish delivers payload to every subscriber of topic. from is the
// publishing session, empty for server-side publications; it is skipped
// unless it subscribed with local set. Returns the number of deliveries.
func (p *Publisher) Publish(topic, from string, op api.OpCode, payload []byte, deliver DeliverFunc) int {
	p.mu.RLock()
	members := p.topics[topic]
	targets := make([]string, 0, len(members))
	for id, local := range members {
		if id == from && !local {
			continue
		}
		targets = append(targets, id)
	}
	p.mu.RUnlock()

	for _, id := range targets {
		deliver(id, op, payload)
	}
	return len(targets)
}

// Topics returns the number of topics with at least one subscriber.
func (p *Publisher) Topics() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.topics)
}

// Subscribers returns the subscriber count of topic.
func (p *Publisher) Subscribers(topic string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.topics[topic])
}
