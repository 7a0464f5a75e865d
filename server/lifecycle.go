// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"log/slog"
	"sync"
)

// LifecycleKind identifies a session or subscription lifecycle event.
type LifecycleKind int

// Lifecycle event kinds.
const (
	SessionCreated LifecycleKind = iota
	SessionActivated
	SessionClosing
	SubscriptionCreated
	SubscriptionExpired
	SubscriptionDeleted
)

// String returns the string representation of a LifecycleKind.
func (k LifecycleKind) String() string {
	switch k {
	case SessionCreated:
		return "SessionCreated"
	case SessionActivated:
		return "SessionActivated"
	case SessionClosing:
		return "SessionClosing"
	case SubscriptionCreated:
		return "SubscriptionCreated"
	case SubscriptionExpired:
		return "SubscriptionExpired"
	case SubscriptionDeleted:
		return "SubscriptionDeleted"
	default:
		return "Unknown"
	}
}

// LifecycleEvent is delivered to handlers registered on a Dispatcher.
type LifecycleEvent struct {
	Kind                LifecycleKind
	SessionID           string
	SubscriptionID      uint32
	DeleteSubscriptions bool

	flushed chan struct{}
}

// LifecycleHandler handles one event. Handlers run on the dispatch goroutine
// and must not block.
type LifecycleHandler func(ctx context.Context, ev LifecycleEvent)

type registration struct {
	kinds   map[LifecycleKind]bool
	fn      LifecycleHandler
	control bool
}

func (r registration) wants(k LifecycleKind) bool {
	return r.kinds == nil || r.kinds[k]
}

// Dispatcher fans lifecycle events out to registered handlers. Observers
// are fed through a bounded queue: Publish never blocks, and when the queue
// is full the event is dropped and counted. Control handlers, which release
// engine state, are fed through an unbounded queue and never miss an event.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *EngineMetrics

	mu       sync.RWMutex
	handlers map[int]registration
	nextID   int
	closed   bool

	queue chan LifecycleEvent
	done  chan struct{}

	controlMu sync.Mutex
	control   []LifecycleEvent
	wake      chan struct{}
}

// NewDispatcher starts a dispatcher with a queue of the given size.
// logger and metrics may be nil.
func NewDispatcher(buffer int, logger *slog.Logger, metrics *EngineMetrics) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewEngineMetrics()
	}
	d := &Dispatcher{
		logger:   logger,
		metrics:  metrics,
		handlers: make(map[int]registration),
		queue:    make(chan LifecycleEvent, buffer),
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	go d.loop()
	return d
}

// Subscribe registers the observer fn for the given kinds, or for every kind
// when none are given. The returned function removes the registration.
func (d *Dispatcher) Subscribe(fn LifecycleHandler, kinds ...LifecycleKind) func() {
	return d.register(registration{fn: fn}, kinds)
}

// SubscribeControl registers fn like Subscribe, except that events for fn
// are never dropped.
func (d *Dispatcher) SubscribeControl(fn LifecycleHandler, kinds ...LifecycleKind) func() {
	return d.register(registration{fn: fn, control: true}, kinds)
}

func (d *Dispatcher) register(reg registration, kinds []LifecycleKind) func() {
	if len(kinds) > 0 {
		reg.kinds = make(map[LifecycleKind]bool, len(kinds))
		for _, k := range kinds {
			reg.kinds[k] = true
		}
	}

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.handlers[id] = reg
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.handlers, id)
		d.mu.Unlock()
	}
}

// Publish queues ev. It reports false when the event was dropped for
// observers; control handlers receive it regardless.
func (d *Dispatcher) Publish(ev LifecycleEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	for _, reg := range d.handlers {
		if reg.control && reg.wants(ev.Kind) {
			d.controlMu.Lock()
			d.control = append(d.control, ev)
			d.controlMu.Unlock()
			select {
			case d.wake <- struct{}{}:
			default:
			}
			break
		}
	}
	select {
	case d.queue <- ev:
		return true
	default:
		d.metrics.LifecycleDropped.Inc()
		d.logger.Warn("lifecycle event dropped", slog.String("kind", ev.Kind.String()))
		return false
	}
}

// Flush blocks until every event queued before the call has been handled,
// or ctx ends.
func (d *Dispatcher) Flush(ctx context.Context) error {
	marker := LifecycleEvent{flushed: make(chan struct{})}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil
	}
	select {
	case d.queue <- marker:
		d.mu.RUnlock()
	case <-ctx.Done():
		d.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-marker.flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, handles what is queued and returns.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	ctx := context.Background()
	for {
		select {
		case <-d.wake:
			d.runControl(ctx)
		case ev, ok := <-d.queue:
			d.runControl(ctx)
			if !ok {
				return
			}
			if ev.flushed != nil {
				close(ev.flushed)
				continue
			}
			d.deliver(ctx, ev, false)
		}
	}
}

// runControl handles every queued control event, including those queued by
// the handlers themselves.
func (d *Dispatcher) runControl(ctx context.Context) {
	for {
		d.controlMu.Lock()
		pending := d.control
		d.control = nil
		d.controlMu.Unlock()
		if len(pending) == 0 {
			return
		}
		for _, ev := range pending {
			d.deliver(ctx, ev, true)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev LifecycleEvent, control bool) {
	d.mu.RLock()
	var fns []LifecycleHandler
	for _, reg := range d.handlers {
		if reg.control == control && reg.wants(ev.Kind) {
			fns = append(fns, reg.fn)
		}
	}
	d.mu.RUnlock()

	for _, fn := range fns {
		fn(ctx, ev)
	}
}
