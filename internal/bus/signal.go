// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

// Package bus implements the typed broadcast signals that carry packet and
// connection-state events from the transport to handler modules.
//
// Every Signal owns one strand of the shared executor pool. Emit snapshots
// the subscriber list and posts one delivery per subscriber to that strand,
// so deliveries of a signal never overlap and follow snapshot order, while
// the producer returns immediately.
package bus

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/goodnet/goodnet/internal/executor"
	"github.com/goodnet/goodnet/internal/observability"
)

const tracerName = "github.com/goodnet/goodnet/internal/bus"

// Signal is a many-subscriber broadcast channel for events of type E.
type Signal[E any] struct {
	name   string
	strand *executor.Strand
	tracer trace.Tracer

	mu     sync.Mutex
	subs   []*subscriber[E]
	nextID uint64
}

type subscriber[E any] struct {
	id      uint64
	name    string
	fn      func(context.Context, E)
	gate    func() bool
	dropped func()
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	gate    func() bool
	dropped func()
}

// WithGate makes Emit skip the subscriber while gate reports false. The gate
// is evaluated when the event is emitted, not when it is delivered.
func WithGate(gate func() bool) SubscribeOption {
	return func(c *subscribeConfig) {
		c.gate = gate
	}
}

// WithDropped registers fn to run when a delivery the gate admitted could
// not be scheduled. A gate that reserves something per delivery releases
// it there.
func WithDropped(fn func()) SubscribeOption {
	return func(c *subscribeConfig) {
		c.dropped = fn
	}
}

// New creates a signal delivering on its own strand of pool.
func New[E any](name string, pool *executor.Pool) *Signal[E] {
	return &Signal[E]{
		name:   name,
		strand: pool.NewStrand(),
		tracer: otel.Tracer(tracerName),
	}
}

// Name returns the signal name used in logs and metrics.
func (s *Signal[E]) Name() string {
	return s.name
}

// Subscribe appends fn to the subscriber list. The name identifies the
// subscriber in logs when its callback panics.
func (s *Signal[E]) Subscribe(name string, fn func(context.Context, E), opts ...SubscribeOption) *Subscription {
	var cfg subscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	sub := &subscriber[E]{id: s.nextID, name: name, fn: fn, gate: cfg.gate, dropped: cfg.dropped}
	s.subs = append(s.subs, sub)

	id := sub.id
	return &Subscription{unsubscribe: func() { s.remove(id) }}
}

func (s *Signal[E]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// Emit schedules one delivery of e per current subscriber and returns the
// number scheduled. It never waits for subscribers. The context's values
// and span are carried to the deliveries; its cancellation is not.
func (s *Signal[E]) Emit(ctx context.Context, e E) int {
	s.mu.Lock()
	snapshot := make([]*subscriber[E], len(s.subs))
	copy(snapshot, s.subs)
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	scheduled := 0
	for _, sub := range snapshot {
		if sub.gate != nil && !sub.gate() {
			continue
		}
		if err := s.strand.Post(func() { s.deliver(ctx, sub, e) }); err != nil {
			slog.Warn("event dropped",
				"bus", s.name,
				"subscriber", sub.name,
				"error", err)
			if sub.dropped != nil {
				sub.dropped()
			}
			continue
		}
		scheduled++
	}
	return scheduled
}

func (s *Signal[E]) deliver(ctx context.Context, sub *subscriber[E], e E) {
	ctx, span := s.tracer.Start(ctx, "bus.deliver",
		trace.WithAttributes(
			attribute.String("goodnet.bus", s.name),
			attribute.String("goodnet.subscriber", sub.name),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			observability.RecordDelivery(s.name, "panic")
			slog.ErrorContext(ctx, "subscriber panicked",
				"bus", s.name,
				"subscriber", sub.name,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	sub.fn(ctx, e)
	observability.RecordDelivery(s.name, "ok")
}

// UnsubscribeAll clears the subscriber list. Deliveries already scheduled
// still run.
func (s *Signal[E]) UnsubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = nil
}

// Size returns the number of subscribers.
func (s *Signal[E]) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Subscription detaches one subscriber.
type Subscription struct {
	once        sync.Once
	unsubscribe func()
}

// Unsubscribe removes the subscriber. Later calls do nothing.
func (sub *Subscription) Unsubscribe() {
	if sub == nil {
		return
	}
	sub.once.Do(sub.unsubscribe)
}
