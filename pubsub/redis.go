// File: pubsub/redis.go
// Package pubsub
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Redis bridge: local publications are mirrored to a Redis channel and
// publications from other nodes are delivered to local subscribers.

package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mux/api"
)

const (
	DefaultChannelPrefix = "hioload:topic:"
	defaultOutbox        = 1024
	maxBackoffDelay      = 30 * time.Second
)

// ErrOutboxFull is returned when the bridge cannot keep up with local publications.
var ErrOutboxFull = api.NewError(api.ErrCodeResourceExceeded, "redis outbox full")

type envelope struct {
	Node       string `json:"node"`
	Topic      string `json:"topic"`
	OpCode     byte   `json:"op"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// RemoteFunc receives a publication from another node. It is called on the
// bridge goroutine.
type RemoteFunc func(topic string, op api.OpCode, payload []byte)

// RedisBridge relays publications between nodes through Redis Pub/Sub.
type RedisBridge struct {
	client *redis.Client
	logger zerolog.Logger
	node   string
	prefix string
	outbox chan envelope
}

// NewRedisBridge creates a bridge. An empty prefix selects DefaultChannelPrefix.
func NewRedisBridge(client *redis.Client, prefix string, logger zerolog.Logger) *RedisBridge {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisBridge{
		client: client,
		logger: logger.With().Str("component", "redis-bridge").Logger(),
		node:   uuid.NewString(),
		prefix: prefix,
		outbox: make(chan envelope, defaultOutbox),
	}
}

// Node returns the id stamped on publications from this process.
func (b *RedisBridge) Node() string { return b.node }

// Publish queues a publication for Redis without blocking.
func (b *RedisBridge) Publish(topic string, op api.OpCode, payload []byte) error {
	env := envelope{
		Node:       b.node,
		Topic:      topic,
		OpCode:     byte(op),
		Payload:    payload,
		EnqueuedAt: time.Now().UTC().UnixNano(),
	}
	select {
	case b.outbox <- env:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Start runs the publish and subscribe loops until ctx ends.
func (b *RedisBridge) Start(ctx context.Context, remote RemoteFunc) {
	go b.publishLoop(ctx)
	go b.subscribeLoop(ctx, remote)
}

func (b *RedisBridge) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-b.outbox:
			if err := b.send(ctx, env); err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Warn().Err(err).Str("topic", env.Topic).Msg("redis publish dropped")
			}
		}
	}
}

func (b *RedisBridge) send(ctx context.Context, env envelope) error {
	encoded, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode redis payload: %w", err)
	}
	channel := b.prefix + env.Topic
	backoff := 100 * time.Millisecond
	for {
		err := b.client.Publish(ctx, channel, encoded).Err()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		b.logger.Warn().Err(err).Str("channel", channel).Dur("backoff", backoff).Msg("redis publish failed; retrying")
		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxBackoffDelay)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *RedisBridge) subscribeLoop(ctx context.Context, remote RemoteFunc) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		ps := b.client.PSubscribe(ctx, b.prefix+"*")
		if err := b.consume(ctx, ps, remote); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = min(backoff*2, maxBackoffDelay)
		}
	}
}

func (b *RedisBridge) consume(ctx context.Context, ps *redis.PubSub, remote RemoteFunc) error {
	defer ps.Close()
	ch := ps.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := b.process(msg.Channel, msg.Payload, remote); err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to process publication")
			}
		}
	}
}

// process decodes one Redis message and hands it to remote unless it
// originated here.
func (b *RedisBridge) process(channel, raw string, remote RemoteFunc) error {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if env.Node == b.node {
		return nil
	}
	topic := strings.TrimPrefix(channel, b.prefix)
	if env.Topic != "" && env.Topic != topic {
		return fmt.Errorf("topic mismatch: channel %q carries %q", topic, env.Topic)
	}
	op := api.OpCode(env.OpCode)
	if op != api.OpText && op != api.OpBinary {
		return fmt.Errorf("unexpected opcode %s", op)
	}
	remote(topic, op, env.Payload)
	return nil
}
