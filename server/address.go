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
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/edgeo-scada/opcua-engine"
)

// AddNode inserts n below parent and tells monitored neighbours.
func (nm *NodeManager) AddNode(ctx context.Context, n *Node, parent, refType opcua.NodeID) error {
	return nm.table.update(func() error {
		if err := nm.table.addNodeLocked(n, parent, refType); err != nil {
			return err
		}
		nm.notifyLocked(ctx, parent, ChangeReferences)
		return nil
	})
}

// AddReference links source to target and tells both ends.
func (nm *NodeManager) AddReference(ctx context.Context, source, refType, target opcua.NodeID) error {
	return nm.table.update(func() error {
		if _, ok := nm.table.lookupLocked(source); !ok {
			return fmt.Errorf("source %s: %w", source.Key(), opcua.ErrNodeNotFound)
		}
		if _, ok := nm.table.lookupLocked(target); !ok {
			return fmt.Errorf("target %s: %w", target.Key(), opcua.ErrNodeNotFound)
		}
		nm.table.addReferenceLocked(source, refType, target)
		nm.notifyLocked(ctx, source, ChangeReferences)
		nm.notifyLocked(ctx, target, ChangeReferences)
		return nil
	})
}

func (nm *NodeManager) notifyLocked(ctx context.Context, id opcua.NodeID, mask ChangeMask) {
	if n, ok := nm.table.lookupLocked(id); ok && n.monitored != nil {
		n.monitored.OnMonitoredNodeChanged(ctx, mask)
	}
}

// WriteValue stores a new value and queues it into the exception-based
// items monitoring the node's value. When ctx carries a session the write
// is subject to the Write permission and the CurrentWrite access level;
// without one it is a data source update.
func (nm *NodeManager) WriteValue(ctx context.Context, id opcua.NodeID, dv opcua.DataValue) error {
	start := nm.clock.Now()
	err := nm.writeValue(ctx, id, dv)
	nm.observe(opcua.ServiceWrite, start, err)
	return err
}

func (nm *NodeManager) writeValue(ctx context.Context, id opcua.NodeID, dv opcua.DataValue) error {
	_, fromSession := SessionFromContext(ctx)
	if fromSession {
		if err := nm.gate.ValidateRolePermissions(ctx, id, opcua.PermissionWrite, nil); err != nil {
			return err
		}
	}
	now := nm.clock.Now()
	if dv.SourceTimestamp.IsZero() {
		dv.SourceTimestamp = now
	}
	if dv.ServerTimestamp.IsZero() {
		dv.ServerTimestamp = now
	}

	return nm.table.view(func() error {
		n, err := nm.gate.nodeLocked(id)
		if err != nil {
			return err
		}
		if n.Class != opcua.NodeClassVariable {
			return opcua.NewOPCUAError(opcua.ServiceWrite, opcua.StatusBadNotWritable, n.ID.Key())
		}
		if fromSession && n.AccessLevel&opcua.AccessLevelCurrentWrite == 0 {
			return opcua.NewOPCUAError(opcua.ServiceWrite, opcua.StatusBadNotWritable, n.ID.Key())
		}
		n.setValue(dv)

		m := n.monitored
		if m == nil {
			return nil
		}
		for _, item := range m.dataItems {
			if item.target.AttributeID == opcua.AttributeValue && item.exceptionBased() {
				m.QueueValue(ctx, item)
			}
		}
		return nil
	})
}

// Sample reads every due sampled item and returns how many notifications
// were queued.
func (nm *NodeManager) Sample(ctx context.Context) int {
	now := nm.clock.Now()
	queued := 0
	nm.table.view(func() error {
		for _, m := range nm.table.monitored {
			for _, item := range m.dataItems {
				if item.due(now) && m.QueueValue(ctx, item) {
					queued++
				}
			}
		}
		return nil
	})
	return queued
}

// ReportEvent delivers ev to the event items of its source node and of
// every notifier reachable from it through inverse HasEventSource
// references, subtypes included. Items whose session may not receive events
// from the source are skipped. It returns the number of items that queued
// the event.
func (nm *NodeManager) ReportEvent(ctx context.Context, ev *Event) (int, error) {
	now := nm.clock.Now()
	if ev.Time.IsZero() {
		ev.Time = now
	}
	ev.ReceiveTime = now
	if len(ev.EventID) == 0 {
		id := uuid.New()
		ev.EventID = id[:]
	}
	if ev.EventType.IsNull() {
		ev.EventType = opcua.BaseEventType
	}

	delivered := 0
	err := nm.table.view(func() error {
		src, ok := nm.table.lookupLocked(ev.SourceNode)
		if !ok {
			return fmt.Errorf("event source %s: %w", ev.SourceNode.Key(), opcua.ErrNodeNotFound)
		}
		if ev.SourceName == "" {
			ev.SourceName = src.BrowseName.Name
		}

		cache := NewPermissionCache()
		allow := func(item *MonitoredItem) bool {
			return nm.gate.validateEventLocked(ctx, item, ev.SourceNode, cache) == nil
		}
		for _, n := range nm.notifiersLocked(src) {
			if m := n.monitored; m != nil {
				delivered += m.OnReportEvent(ctx, ev, allow)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	nm.logger.Debug("event reported",
		slog.String("source", ev.SourceNode.Key()),
		slog.Int("delivered", delivered),
	)
	return delivered, nil
}

// notifiersLocked returns src and every node reachable from it over inverse
// event source references.
func (nm *NodeManager) notifiersLocked(src *Node) []*Node {
	visited := map[string]bool{src.ID.Key(): true}
	out := []*Node{src}
	for i := 0; i < len(out); i++ {
		for _, r := range out[i].refs {
			if r.IsForward || visited[r.Target.Key()] || !nm.table.isSubtypeOfLocked(r.TypeID, opcua.RefHasEventSource) {
				continue
			}
			visited[r.Target.Key()] = true
			if parent, ok := nm.table.lookupLocked(r.Target); ok {
				out = append(out, parent)
			}
		}
	}
	return out
}

// ModifyNode runs fn on the node under the write lock and tells the items
// monitoring it. fn must not change the node's identity.
func (nm *NodeManager) ModifyNode(ctx context.Context, id opcua.NodeID, fn func(n *Node)) error {
	return nm.table.update(func() error {
		n, err := nm.gate.nodeLocked(id)
		if err != nil {
			return err
		}
		notifier := n.EventNotifier
		fn(n)

		mask := ChangeValueMetadata
		if n.EventNotifier != notifier {
			mask |= ChangeEventNotifier
		}
		if m := n.monitored; m != nil {
			m.OnMonitoredNodeChanged(ctx, mask)
		}
		return nil
	})
}

// DeleteNode removes a node of an owned namespace. Data items monitoring it
// receive a final BadNodeIdUnknown value and every item is detached from the
// node; the items stay in their subscriptions until deleted.
func (nm *NodeManager) DeleteNode(ctx context.Context, id opcua.NodeID) error {
	if !nm.resolver.Owns(id.Namespace) {
		return fmt.Errorf("%s: not owned: %w", id.Key(), opcua.ErrNodeNotFound)
	}
	return nm.table.update(func() error {
		n, err := nm.gate.nodeLocked(id)
		if err != nil {
			return err
		}
		if m := n.monitored; m != nil {
			m.OnMonitoredNodeChanged(ctx, ChangeDeleted)
			for _, it := range m.DataItems() {
				m.detach(it)
			}
			for _, it := range m.EventItems() {
				m.detach(it)
			}
			if nm.table.releaseMonitoredNodeLocked(m) {
				nm.metrics.MonitoredNodes.Dec()
			}
		}

		neighbours := make([]opcua.NodeID, 0, len(n.refs))
		for _, r := range n.refs {
			neighbours = append(neighbours, r.Target)
		}
		nm.table.removeNodeLocked(n)
		for _, nb := range neighbours {
			nm.notifyLocked(ctx, nb, ChangeReferences)
		}
		nm.logger.Info("node deleted", slog.String("node_id", n.ID.Key()))
		return nil
	})
}
