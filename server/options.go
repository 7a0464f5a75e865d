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
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/edgeo-scada/opcua-engine"
)

// Limits holds the server-wide configuration read once when a subscription
// or monitored item is created. Changing Limits afterwards has no effect on
// existing objects.
type Limits struct {
	DefaultQueueSize           uint32
	MaxQueueSize               uint32
	DefaultPublishingInterval  time.Duration
	MinPublishingInterval      time.Duration
	DefaultLifetimeCount       uint32
	DefaultMaxKeepAliveCount   uint32
	MaxNotificationsPerPublish uint32
	MaxSubscriptionsPerSession int
	MaxItemsPerSubscription    int
	MaxRetransmissionQueue     int
	LifecycleEventBuffer       int
	MinSamplingInterval        time.Duration
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		DefaultQueueSize:           1,
		MaxQueueSize:               1000,
		DefaultPublishingInterval:  time.Second,
		MinPublishingInterval:      10 * time.Millisecond,
		DefaultLifetimeCount:       10000,
		DefaultMaxKeepAliveCount:   10,
		MaxNotificationsPerPublish: 0, // unlimited
		MaxSubscriptionsPerSession: 100,
		MaxItemsPerSubscription:    10000,
		MaxRetransmissionQueue:     10,
		LifecycleEventBuffer:       256,
		MinSamplingInterval:        10 * time.Millisecond,
	}
}

// NodeManagerOption is a functional option for configuring the node manager.
type NodeManagerOption func(*nodeManagerOptions)

type nodeManagerOptions struct {
	logger     *slog.Logger
	clock      clock.Clock
	limits     Limits
	audit      AuditSink
	dispatcher *Dispatcher
	metrics    *EngineMetrics
	table      *NodeTable
	onOverflow func(*Subscription)
}

func defaultNodeManagerOptions() *nodeManagerOptions {
	return &nodeManagerOptions{
		logger: slog.Default(),
		clock:  clock.New(),
		limits: DefaultLimits(),
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) NodeManagerOption {
	return func(o *nodeManagerOptions) {
		o.logger = logger
	}
}

// WithClock sets the clock driving publishing timers and timestamps.
func WithClock(c clock.Clock) NodeManagerOption {
	return func(o *nodeManagerOptions) {
		o.clock = c
	}
}

// WithLimits sets the server-wide limits.
func WithLimits(l Limits) NodeManagerOption {
	return func(o *nodeManagerOptions) {
		o.limits = l
	}
}

// WithAuditSink sets where permission denials and overflows are reported.
func WithAuditSink(sink AuditSink) NodeManagerOption {
	return func(o *nodeManagerOptions) {
		o.audit = sink
	}
}

// WithDispatcher shares a lifecycle event dispatcher with other components,
// typically the SessionManager.
func WithDispatcher(d *Dispatcher) NodeManagerOption {
	return func(o *nodeManagerOptions) {
		o.dispatcher = d
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *EngineMetrics) NodeManagerOption {
	return func(o *nodeManagerOptions) {
		o.metrics = m
	}
}

// WithNodeTable uses an existing node table instead of a fresh one.
func WithNodeTable(t *NodeTable) NodeManagerOption {
	return func(o *nodeManagerOptions) {
		o.table = t
	}
}

// WithQueueOverflowHandler sets a callback invoked once per drain that
// observed an overflowed monitored item.
func WithQueueOverflowHandler(fn func(*Subscription)) NodeManagerOption {
	return func(o *nodeManagerOptions) {
		o.onOverflow = fn
	}
}

// SubscriptionOption is a functional option for configuring subscriptions.
type SubscriptionOption func(*subscriptionOptions)

type subscriptionOptions struct {
	publishingInterval time.Duration
	lifetimeCount      uint32
	maxKeepAliveCount  uint32
	maxNotifications   uint32
	publishingEnabled  bool
	priority           uint8
}

func defaultSubscriptionOptions(l Limits) *subscriptionOptions {
	return &subscriptionOptions{
		publishingInterval: l.DefaultPublishingInterval,
		lifetimeCount:      l.DefaultLifetimeCount,
		maxKeepAliveCount:  l.DefaultMaxKeepAliveCount,
		maxNotifications:   l.MaxNotificationsPerPublish,
		publishingEnabled:  true,
	}
}

// revise clamps the requested parameters to the server limits.
func (o *subscriptionOptions) revise(l Limits) {
	if o.publishingInterval < l.MinPublishingInterval {
		o.publishingInterval = l.MinPublishingInterval
	}
	if o.maxKeepAliveCount == 0 {
		o.maxKeepAliveCount = 1
	}
	// The lifetime must cover at least three keep-alive periods.
	if o.lifetimeCount < 3*o.maxKeepAliveCount {
		o.lifetimeCount = 3 * o.maxKeepAliveCount
	}
	if l.MaxNotificationsPerPublish > 0 &&
		(o.maxNotifications == 0 || o.maxNotifications > l.MaxNotificationsPerPublish) {
		o.maxNotifications = l.MaxNotificationsPerPublish
	}
}

// WithPublishingInterval sets the publishing interval.
func WithPublishingInterval(d time.Duration) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.publishingInterval = d
	}
}

// WithLifetimeCount sets the number of publishing cycles without a publish
// request after which the subscription expires.
func WithLifetimeCount(count uint32) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.lifetimeCount = count
	}
}

// WithMaxKeepAliveCount sets the max keep alive count.
func WithMaxKeepAliveCount(count uint32) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.maxKeepAliveCount = count
	}
}

// WithMaxNotificationsPerPublish sets the max notifications per publish.
// Zero means unlimited.
func WithMaxNotificationsPerPublish(count uint32) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.maxNotifications = count
	}
}

// WithPublishingEnabled sets whether publishing is enabled.
func WithPublishingEnabled(enabled bool) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.publishingEnabled = enabled
	}
}

// WithPriority sets the subscription priority.
func WithPriority(priority uint8) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.priority = priority
	}
}

// MonitoredItemOption is a functional option for configuring monitored items.
type MonitoredItemOption func(*monitoredItemOptions)

type monitoredItemOptions struct {
	clientHandle     uint32
	samplingInterval time.Duration
	queueSize        uint32
	discardOldest    bool
	monitoringMode   opcua.MonitoringMode
	trigger          opcua.DataChangeTrigger
	eventFilter      *EventFilter
}

func defaultMonitoredItemOptions(l Limits) *monitoredItemOptions {
	return &monitoredItemOptions{
		samplingInterval: -1, // use the publishing interval
		queueSize:        l.DefaultQueueSize,
		discardOldest:    true,
		monitoringMode:   opcua.MonitoringModeReporting,
		trigger:          opcua.DataChangeTriggerStatusValue,
	}
}

func (o *monitoredItemOptions) revise(l Limits, publishing time.Duration) {
	if o.queueSize == 0 {
		o.queueSize = 1
	}
	if l.MaxQueueSize > 0 && o.queueSize > l.MaxQueueSize {
		o.queueSize = l.MaxQueueSize
	}
	if o.samplingInterval < 0 {
		o.samplingInterval = publishing
	}
	if o.samplingInterval > 0 && o.samplingInterval < l.MinSamplingInterval {
		o.samplingInterval = l.MinSamplingInterval
	}
}

// MonitoringParametersOptions converts wire-level monitoring parameters
// into item options.
func MonitoringParametersOptions(p opcua.MonitoringParameters) []MonitoredItemOption {
	opts := []MonitoredItemOption{
		WithClientHandle(p.ClientHandle),
		WithQueueSize(p.QueueSize),
		WithDiscardOldest(p.DiscardOldest),
		WithSamplingInterval(time.Duration(p.SamplingInterval * float64(time.Millisecond))),
	}
	switch f := p.Filter.(type) {
	case *EventFilter:
		opts = append(opts, WithEventFilter(f))
	case opcua.DataChangeTrigger:
		opts = append(opts, WithDataChangeTrigger(f))
	}
	return opts
}

// WithClientHandle sets the handle echoed in every notification of the item.
func WithClientHandle(h uint32) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.clientHandle = h
	}
}

// WithSamplingInterval sets the sampling interval. Zero makes the item
// exception based: it is fed by writes only. A negative value uses the
// subscription's publishing interval.
func WithSamplingInterval(d time.Duration) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.samplingInterval = d
	}
}

// WithQueueSize sets the queue size.
func WithQueueSize(size uint32) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.queueSize = size
	}
}

// WithDiscardOldest sets whether to discard oldest values when queue is full.
func WithDiscardOldest(discard bool) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.discardOldest = discard
	}
}

// WithMonitoringMode sets the monitoring mode.
func WithMonitoringMode(mode opcua.MonitoringMode) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.monitoringMode = mode
	}
}

// WithDataChangeTrigger sets which changes of a sampled value are reported.
func WithDataChangeTrigger(t opcua.DataChangeTrigger) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.trigger = t
	}
}

// WithEventFilter sets the filter of an event item.
func WithEventFilter(f *EventFilter) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.eventFilter = f
	}
}
