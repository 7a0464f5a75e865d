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
	"time"

	"github.com/edgeo-scada/opcua-engine"
)

// modelChangeSeverity is the severity of generated model change events.
const modelChangeSeverity = 1

// MonitoredNode is the registry entry of a node with at least one monitored
// item. It exists only while items are attached.
//
// Every method requires the owning NodeTable's lock: the mutating ones the
// write lock, the others at least the read lock. Item lists keep insertion
// order until an item is removed; removal swaps the last item into the
// freed slot.
type MonitoredNode struct {
	node       *Node
	table      *NodeTable
	dataItems  []*MonitoredItem
	eventItems []*MonitoredItem
}

// Node returns the monitored node.
func (m *MonitoredNode) Node() *Node { return m.node }

// HasMonitoredItems reports whether any data or event item is attached.
func (m *MonitoredNode) HasMonitoredItems() bool {
	return m.hasMonitoredItemsLocked()
}

func (m *MonitoredNode) hasMonitoredItemsLocked() bool {
	return len(m.dataItems) > 0 || len(m.eventItems) > 0
}

// DataItems returns a copy of the attached data-change items.
func (m *MonitoredNode) DataItems() []*MonitoredItem {
	return append([]*MonitoredItem(nil), m.dataItems...)
}

// EventItems returns a copy of the attached event items.
func (m *MonitoredNode) EventItems() []*MonitoredItem {
	return append([]*MonitoredItem(nil), m.eventItems...)
}

func (m *MonitoredNode) addDataItem(item *MonitoredItem) error {
	return m.add(&m.dataItems, item)
}

func (m *MonitoredNode) addEventItem(item *MonitoredItem) error {
	return m.add(&m.eventItems, item)
}

func (m *MonitoredNode) removeDataItem(item *MonitoredItem) bool {
	return m.remove(&m.dataItems, item)
}

func (m *MonitoredNode) removeEventItem(item *MonitoredItem) bool {
	return m.remove(&m.eventItems, item)
}

func (m *MonitoredNode) add(list *[]*MonitoredItem, item *MonitoredItem) error {
	if item.monitored != nil {
		return opcua.ErrInvalidState
	}
	item.monitored = m
	item.nodeIndex = len(*list)
	*list = append(*list, item)
	return nil
}

// remove is a no-op returning false when item is not in list.
func (m *MonitoredNode) remove(list *[]*MonitoredItem, item *MonitoredItem) bool {
	l := *list
	i := item.nodeIndex
	if item.monitored != m || i < 0 || i >= len(l) || l[i] != item {
		return false
	}
	last := len(l) - 1
	if i != last {
		l[i] = l[last]
		l[i].nodeIndex = i
	}
	l[last] = nil
	*list = l[:last]
	item.monitored = nil
	item.nodeIndex = -1
	return true
}

// attach adds item to the data or event list according to its kind.
func (m *MonitoredNode) attach(item *MonitoredItem) error {
	if item.IsEvent() {
		return m.addEventItem(item)
	}
	return m.addDataItem(item)
}

// detach removes item from whichever list holds it.
func (m *MonitoredNode) detach(item *MonitoredItem) bool {
	if item.IsEvent() {
		return m.removeEventItem(item)
	}
	return m.removeDataItem(item)
}

// OnReportEvent offers ev to every event item of the node. allow, when not
// nil, is consulted per item before its filter; it is the permission hook.
// It returns the number of items that queued the event.
func (m *MonitoredNode) OnReportEvent(ctx context.Context, ev *Event, allow func(*MonitoredItem) bool) int {
	delivered := 0
	for _, item := range m.EventItems() {
		if allow != nil && !allow(item) {
			continue
		}
		if item.enqueueEvent(ev, m.table.isSubtypeOfLocked) {
			delivered++
		}
	}
	return delivered
}

// OnMonitoredNodeChanged tells the items interested in any category of mask
// that the node changed. Data items re-queue their attribute; after a
// deletion they queue BadNodeIdUnknown. Event items are offered a model
// change event sourced at the node. It returns the number of items
// notified.
func (m *MonitoredNode) OnMonitoredNodeChanged(ctx context.Context, mask ChangeMask) int {
	notified := 0
	for _, item := range m.DataItems() {
		if item.interest()&mask == 0 {
			continue
		}
		notified++
		if mask&ChangeDeleted != 0 {
			item.enqueueValue(opcua.DataValue{StatusCode: opcua.StatusBadNodeIdUnknown})
			continue
		}
		m.QueueValue(ctx, item)
	}
	var ev *Event
	for _, item := range m.EventItems() {
		if item.interest()&mask == 0 {
			continue
		}
		notified++
		if ev == nil {
			ev = m.modelChangeEvent(item.sub.clock.Now())
		}
		item.enqueueEvent(ev, m.table.isSubtypeOfLocked)
	}
	return notified
}

func (m *MonitoredNode) modelChangeEvent(now time.Time) *Event {
	ev := NewEvent(m.node.ID, modelChangeSeverity, "References changed")
	ev.EventType = opcua.BaseModelChangeEventType
	ev.SourceName = m.node.BrowseName.Name
	ev.Time = now
	ev.ReceiveTime = now
	return ev
}

// QueueValue reads the item's attribute from the node and pushes it into
// that item only. It is the sampling path.
func (m *MonitoredNode) QueueValue(ctx context.Context, item *MonitoredItem) bool {
	if item.IsEvent() || item.monitored != m {
		return false
	}
	dv := m.node.readAttributeLocked(item.Target().AttributeID)
	if dv.ServerTimestamp.IsZero() {
		dv.ServerTimestamp = item.sub.clock.Now()
	}
	return item.enqueueValue(dv)
}
