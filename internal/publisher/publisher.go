// Package publisher republishes live robot state to the broker without ever blocking
// the telemetry loop that produced it.
package publisher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nadmax/robofleet/internal/broker"
	"github.com/nadmax/robofleet/internal/metrics"
)

const (
	DefaultBufferSize = 1024

	writeTimeout = 2 * time.Second
	flushTimeout = time.Second
)

type opKind int

const (
	opSet opKind = iota
	opPublish
)

func (k opKind) String() string {
	if k == opSet {
		return "set"
	}
	return "publish"
}

type op struct {
	kind    opKind
	target  string
	payload []byte
}

type Publisher struct {
	broker  *broker.Broker
	ops     chan op
	logger  *slog.Logger
	dropped atomic.Int64
}

func NewPublisher(b *broker.Broker, size int, logger *slog.Logger) *Publisher {
	if size <= 0 {
		size = DefaultBufferSize
	}

	return &Publisher{
		broker: b,
		ops:    make(chan op, size),
		logger: logger.With("component", "publisher"),
	}
}

// Publish queues v for the pub/sub channel. Strings and json.RawMessage are sent as-is,
// anything else is JSON-encoded.
func (p *Publisher) Publish(channel string, v any) {
	p.enqueue(opPublish, channel, v)
}

// Set queues a write of v under key, encoded like Publish.
func (p *Publisher) Set(key string, v any) {
	p.enqueue(opSet, key, v)
}

func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

func (p *Publisher) enqueue(kind opKind, target string, v any) {
	payload, err := encode(v)
	if err != nil {
		p.logger.Error("failed to encode live update", "target", target, "error", err)
		return
	}

	select {
	case p.ops <- op{kind: kind, target: target, payload: payload}:
	default:
		p.dropped.Add(1)
		metrics.RecordPublishDropped()
	}
}

func encode(v any) ([]byte, error) {
	switch val := v.(type) {
	case string:
		return []byte(val), nil
	case json.RawMessage:
		return val, nil
	default:
		return json.Marshal(v)
	}
}

// Run writes queued updates in order until ctx is done, then flushes whatever is
// still queued within a short deadline.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case o := <-p.ops:
			p.write(ctx, o)
		case <-ctx.Done():
			p.flush(ctx)
			return
		}
	}
}

func (p *Publisher) flush(ctx context.Context) {
	deadline := time.Now().Add(flushTimeout)
	for time.Now().Before(deadline) {
		select {
		case o := <-p.ops:
			p.write(ctx, o)
		default:
			return
		}
	}

	if n := len(p.ops); n > 0 {
		p.logger.Warn("discarding live updates left after flush deadline", "count", n)
	}
}

func (p *Publisher) write(ctx context.Context, o op) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	var err error
	switch o.kind {
	case opSet:
		err = p.broker.Set(writeCtx, o.target, o.payload)
	case opPublish:
		err = p.broker.Publish(writeCtx, o.target, o.payload)
	}

	if err != nil {
		metrics.RecordBrokerError(o.kind.String())
		p.logger.Warn("failed to write live update", "op", o.kind.String(), "target", o.target, "error", err)
	}
}
