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
	"reflect"
	"sync"
	"time"

	"github.com/edgeo-scada/opcua-engine"
	"github.com/edgeo-scada/opcua-engine/internal/queue"
)

// ChangeMask classifies structural and metadata changes of a node.
type ChangeMask uint8

// Change categories.
const (
	ChangeReferences ChangeMask = 1 << iota
	ChangeValueMetadata
	ChangeEventNotifier
	ChangeDeleted
)

// Notification is one queued entry of a monitored item. Exactly one of Value
// and Event is set.
type Notification struct {
	ClientHandle uint32
	Value        *opcua.DataValue
	Event        *EventFieldList
}

// EventFieldList carries the selected fields of one event.
type EventFieldList struct {
	ClientHandle uint32
	Fields       []*opcua.Variant
}

// MonitoredItem is one client subscription to one attribute, or to the
// events, of one node.
type MonitoredItem struct {
	id     uint32
	sub    *Subscription
	target opcua.ReadValueID
	event  bool

	// guarded by the node table lock
	monitored *MonitoredNode
	nodeIndex int

	mu               sync.Mutex
	clientHandle     uint32
	samplingInterval time.Duration
	trigger          opcua.DataChangeTrigger
	filter           *EventFilter
	mode             opcua.MonitoringMode
	queue            *queue.Ring[Notification]
	discardOldest    bool
	overflow         bool
	overflowReported bool
	ready            bool
	detached         bool
	last             *opcua.DataValue
	lastSample       time.Time
}

func newMonitoredItem(id uint32, sub *Subscription, target opcua.ReadValueID, o *monitoredItemOptions) *MonitoredItem {
	event := target.AttributeID == opcua.AttributeEventNotifier
	if event && o.eventFilter == nil {
		o.eventFilter = DefaultEventFilter()
	}
	return &MonitoredItem{
		id:               id,
		sub:              sub,
		target:           target,
		event:            event,
		nodeIndex:        -1,
		clientHandle:     o.clientHandle,
		samplingInterval: o.samplingInterval,
		trigger:          o.trigger,
		filter:           o.eventFilter,
		mode:             o.monitoringMode,
		queue:            queue.New[Notification](int(o.queueSize)),
		discardOldest:    o.discardOldest,
	}
}

// ID returns the server-unique item identifier.
func (m *MonitoredItem) ID() uint32 { return m.id }

// Subscription returns the owning subscription.
func (m *MonitoredItem) Subscription() *Subscription { return m.sub }

// Target returns the monitored node and attribute.
func (m *MonitoredItem) Target() opcua.ReadValueID { return m.target }

// IsEvent reports whether the item monitors events rather than an attribute.
func (m *MonitoredItem) IsEvent() bool { return m.event }

// interest returns the node change categories the item reacts to. Event
// items only follow reference changes, which they see as model change
// events.
func (m *MonitoredItem) interest() ChangeMask {
	switch {
	case m.event:
		return ChangeReferences
	case m.target.AttributeID == opcua.AttributeValue:
		return ChangeValueMetadata | ChangeDeleted
	default:
		return ChangeValueMetadata | ChangeEventNotifier | ChangeDeleted
	}
}

// ClientHandle returns the handle echoed in notifications.
func (m *MonitoredItem) ClientHandle() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientHandle
}

// MonitoringMode returns the current monitoring mode.
func (m *MonitoredItem) MonitoringMode() opcua.MonitoringMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SamplingInterval returns the revised sampling interval. Zero means the
// item is exception based.
func (m *MonitoredItem) SamplingInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samplingInterval
}

// QueueSize returns the queue capacity.
func (m *MonitoredItem) QueueSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Cap()
}

// DiscardOldest reports the overflow policy.
func (m *MonitoredItem) DiscardOldest() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discardOldest
}

// Len returns the number of queued notifications.
func (m *MonitoredItem) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// Overflowed reports whether entries were discarded since the queue was
// last drained to empty.
func (m *MonitoredItem) Overflowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overflow
}

// Detached reports whether the item has been removed from its node.
func (m *MonitoredItem) Detached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detached
}

// Queued returns a copy of the queued notifications.
func (m *MonitoredItem) Queued() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Items()
}

// enqueueValue queues a sampled or written value, subject to the data
// change trigger.
func (m *MonitoredItem) enqueueValue(dv opcua.DataValue) bool {
	if m.event {
		return false
	}
	return m.enqueue(func() (Notification, bool) {
		if m.last != nil && !dataChanged(m.trigger, *m.last, dv) {
			return Notification{}, false
		}
		last := dv
		m.last = &last
		v := dv
		return Notification{ClientHandle: m.clientHandle, Value: &v}, true
	})
}

// enqueueEvent queues the selected fields of ev if the filter accepts it.
func (m *MonitoredItem) enqueueEvent(ev *Event, isSubtype func(typeID, baseID opcua.NodeID) bool) bool {
	if !m.event {
		return false
	}
	return m.enqueue(func() (Notification, bool) {
		if !m.filter.accepts(ev, isSubtype) {
			return Notification{}, false
		}
		return Notification{
			ClientHandle: m.clientHandle,
			Event:        &EventFieldList{ClientHandle: m.clientHandle, Fields: m.filter.selectFields(ev)},
		}, true
	})
}

// enqueue runs build under the item lock and pushes its result. The owning
// subscription is notified after the lock is released.
func (m *MonitoredItem) enqueue(build func() (Notification, bool)) bool {
	if m.sub.isExpired() {
		return false
	}

	m.mu.Lock()
	if m.detached || m.mode == opcua.MonitoringModeDisabled {
		m.mu.Unlock()
		return false
	}
	n, ok := build()
	if !ok {
		m.mu.Unlock()
		return false
	}
	wasEmpty := m.queue.Len() == 0
	if m.queue.Push(n, m.discardOldest) {
		m.overflow = true
		m.markOverflowLocked()
	}
	becameAvailable := wasEmpty && m.queue.Len() > 0
	signal := m.mode == opcua.MonitoringModeReporting && !m.ready
	if signal {
		m.ready = true
	}
	m.mu.Unlock()

	m.sub.metrics.NotificationsQueued.Inc()
	if becameAvailable {
		m.sub.itemNotificationsAvailable(m)
	}
	if signal {
		m.sub.itemReadyToPublish(m)
	}
	return true
}

// markOverflowLocked sets the overflow info bits on the value next to the
// discarded one: the new head when the oldest was dropped, the tail when
// the incoming value was.
func (m *MonitoredItem) markOverflowLocked() {
	var n *Notification
	if m.discardOldest {
		n = m.queue.Front()
	} else {
		n = m.queue.Back()
	}
	if n != nil && n.Value != nil {
		n.Value.StatusCode = n.Value.StatusCode.WithOverflow()
	}
}

// drain removes up to max notifications (all when max <= 0) in FIFO order.
// overflow is true on the first drain after an overflow; the flag itself is
// cleared once the queue is empty. remaining is what is left queued.
func (m *MonitoredItem) drain(max int) (notes []Notification, overflow bool, remaining int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	notes = m.queue.PopN(max)
	if m.overflow && !m.overflowReported {
		overflow = true
		m.overflowReported = true
	}
	remaining = m.queue.Len()
	if remaining == 0 {
		m.overflow = false
		m.overflowReported = false
		m.ready = false
	}
	return notes, overflow, remaining
}

// detach marks the item removed and drops its queue. Further enqueues are
// no-ops.
func (m *MonitoredItem) detach() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.detached {
		return false
	}
	m.detached = true
	m.ready = false
	m.queue.Clear()
	return true
}

// setMonitoringMode changes the mode. Disabling drops the queue; leaving
// sampling for reporting publishes whatever was collected meanwhile.
func (m *MonitoredItem) setMonitoringMode(mode opcua.MonitoringMode) error {
	if mode > opcua.MonitoringModeReporting {
		return opcua.NewOPCUAError(opcua.ServiceSetMonitoringMode, opcua.StatusBadMonitoringModeInvalid, mode.String())
	}

	m.mu.Lock()
	if m.detached {
		m.mu.Unlock()
		return opcua.ErrItemDetached
	}
	m.mode = mode
	var signal, unready, cleared bool
	switch mode {
	case opcua.MonitoringModeDisabled:
		cleared = m.queue.Len() > 0
		m.queue.Clear()
		m.overflow = false
		m.overflowReported = false
		m.last = nil
		unready = m.ready
		m.ready = false
	case opcua.MonitoringModeSampling:
		unready = m.ready
		m.ready = false
	case opcua.MonitoringModeReporting:
		if m.queue.Len() > 0 && !m.ready {
			m.ready = true
			signal = true
		}
	}
	m.mu.Unlock()

	if unready {
		m.sub.itemNoLongerReady(m)
	}
	if cleared {
		m.sub.itemQueueCleared(m)
	}
	if signal {
		m.sub.itemReadyToPublish(m)
	}
	return nil
}

// modify applies new parameters. Shrinking the queue keeps the newest
// entries and counts as an overflow.
func (m *MonitoredItem) modify(o *monitoredItemOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.detached {
		return opcua.ErrItemDetached
	}
	m.clientHandle = o.clientHandle
	m.samplingInterval = o.samplingInterval
	m.trigger = o.trigger
	m.discardOldest = o.discardOldest
	if m.event && o.eventFilter != nil {
		m.filter = o.eventFilter
	}
	if m.queue.Resize(int(o.queueSize)) > 0 {
		m.overflow = true
		m.markOverflowLocked()
	}
	return nil
}

// due reports whether a sample should be taken at now, and records it.
func (m *MonitoredItem) due(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.event || m.detached || m.samplingInterval <= 0 || m.mode == opcua.MonitoringModeDisabled {
		return false
	}
	if !m.lastSample.IsZero() && now.Sub(m.lastSample) < m.samplingInterval {
		return false
	}
	m.lastSample = now
	return true
}

// exceptionBased reports whether the item is fed by writes instead of the
// sampler.
func (m *MonitoredItem) exceptionBased() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.event && m.samplingInterval == 0
}

func dataChanged(trigger opcua.DataChangeTrigger, prev, cur opcua.DataValue) bool {
	if prev.StatusCode.Code() != cur.StatusCode.Code() {
		return true
	}
	if trigger == opcua.DataChangeTriggerStatus {
		return false
	}
	if !variantEqual(prev.Value, cur.Value) {
		return true
	}
	if trigger == opcua.DataChangeTriggerStatusValueTimestamp {
		return !prev.SourceTimestamp.Equal(cur.SourceTimestamp)
	}
	return false
}

func variantEqual(a, b *opcua.Variant) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Type == b.Type && reflect.DeepEqual(a.Value, b.Value)
}
