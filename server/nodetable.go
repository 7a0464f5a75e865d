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
	"fmt"
	"sync"

	"github.com/edgeo-scada/opcua-engine"
)

// Reference types that are only needed to build the standard hierarchy.
var (
	refNonHierarchical = opcua.NewNumericNodeID(0, 32)
	refHasChild        = opcua.NewNumericNodeID(0, 34)
	refAggregates      = opcua.NewNumericNodeID(0, 44)
)

// NodeTable is an in-memory address space together with the registry of
// monitored nodes. One RWMutex guards the node map, every node's references
// and descriptive fields, and every MonitoredNode.
type NodeTable struct {
	mu         sync.RWMutex
	nodes      map[string]*Node
	monitored  map[string]*MonitoredNode
	namespaces map[uint16]*Namespace
}

// NewNodeTable creates a table holding the standard namespace 0 nodes.
func NewNodeTable() *NodeTable {
	t := &NodeTable{
		nodes:      make(map[string]*Node),
		monitored:  make(map[string]*MonitoredNode),
		namespaces: make(map[uint16]*Namespace),
	}
	t.initDefaultNodes()
	return t
}

func (t *NodeTable) initDefaultNodes() {
	t.namespaces[0] = &Namespace{Index: 0, URI: "http://opcfoundation.org/UA/"}

	refTypes := []struct {
		id     opcua.NodeID
		name   string
		parent opcua.NodeID
	}{
		{opcua.RefReferences, "References", opcua.NodeID{}},
		{opcua.RefHierarchicalReferences, "HierarchicalReferences", opcua.RefReferences},
		{refNonHierarchical, "NonHierarchicalReferences", opcua.RefReferences},
		{refHasChild, "HasChild", opcua.RefHierarchicalReferences},
		{opcua.RefOrganizes, "Organizes", opcua.RefHierarchicalReferences},
		{opcua.RefHasEventSource, "HasEventSource", opcua.RefHierarchicalReferences},
		{opcua.RefHasNotifier, "HasNotifier", opcua.RefHasEventSource},
		{refAggregates, "Aggregates", refHasChild},
		{opcua.RefHasSubtype, "HasSubtype", refHasChild},
		{opcua.RefHasComponent, "HasComponent", refAggregates},
		{opcua.RefHasProperty, "HasProperty", refAggregates},
		{opcua.RefHasTypeDefinition, "HasTypeDefinition", refNonHierarchical},
		{opcua.RefHasModellingRule, "HasModellingRule", refNonHierarchical},
	}
	for _, rt := range refTypes {
		t.nodes[rt.id.Key()] = NewNode(rt.id, opcua.NodeClassReferenceType, rt.name)
	}
	for _, rt := range refTypes {
		if !rt.parent.IsNull() {
			t.addReferenceLocked(rt.parent, opcua.RefHasSubtype, rt.id)
		}
	}

	root := NewNode(opcua.RootFolder, opcua.NodeClassObject, "Root")
	objects := NewNode(opcua.ObjectsFolder, opcua.NodeClassObject, "Objects")
	views := NewNode(opcua.ViewsFolder, opcua.NodeClassObject, "Views")
	srv := NewNode(opcua.ServerObject, opcua.NodeClassObject, "Server")
	srv.EventNotifier = opcua.EventNotifierSubscribeToEvents
	baseEvent := NewNode(opcua.BaseEventType, opcua.NodeClassObjectType, "BaseEventType")
	modelChange := NewNode(opcua.BaseModelChangeEventType, opcua.NodeClassObjectType, "BaseModelChangeEventType")
	for _, n := range []*Node{root, objects, views, srv, baseEvent, modelChange} {
		t.nodes[n.ID.Key()] = n
	}
	t.addReferenceLocked(opcua.BaseEventType, opcua.RefHasSubtype, opcua.BaseModelChangeEventType)
	t.addReferenceLocked(opcua.RootFolder, opcua.RefOrganizes, opcua.ObjectsFolder)
	t.addReferenceLocked(opcua.RootFolder, opcua.RefOrganizes, opcua.ViewsFolder)
	t.addReferenceLocked(opcua.ObjectsFolder, opcua.RefOrganizes, opcua.ServerObject)
}

// view runs fn holding the read lock.
func (t *NodeTable) view(fn func() error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fn()
}

// update runs fn holding the write lock.
func (t *NodeTable) update(fn func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn()
}

// AddNamespace registers a namespace. It replaces an existing entry with the
// same index.
func (t *NodeTable) AddNamespace(ns *Namespace) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.namespaces[ns.Index] = ns
}

// AddNode inserts n and, when parent is not null, a forward reference of
// type refType from parent to n.
func (t *NodeTable) AddNode(n *Node, parent, refType opcua.NodeID) error {
	return t.update(func() error {
		return t.addNodeLocked(n, parent, refType)
	})
}

func (t *NodeTable) addNodeLocked(n *Node, parent, refType opcua.NodeID) error {
	key := n.ID.Key()
	if _, exists := t.nodes[key]; exists {
		return fmt.Errorf("opcua: node %s already exists", key)
	}
	if !parent.IsNull() {
		if _, ok := t.nodes[parent.Key()]; !ok {
			return fmt.Errorf("parent %s: %w", parent.Key(), opcua.ErrNodeNotFound)
		}
	}
	t.nodes[key] = n
	if !parent.IsNull() {
		t.addReferenceLocked(parent, refType, n.ID)
	}
	return nil
}

// AddReference adds a forward reference from source to target and the
// matching inverse reference on target.
func (t *NodeTable) AddReference(source, refType, target opcua.NodeID) error {
	return t.update(func() error {
		if _, ok := t.nodes[source.Key()]; !ok {
			return fmt.Errorf("source %s: %w", source.Key(), opcua.ErrNodeNotFound)
		}
		if _, ok := t.nodes[target.Key()]; !ok {
			return fmt.Errorf("target %s: %w", target.Key(), opcua.ErrNodeNotFound)
		}
		t.addReferenceLocked(source, refType, target)
		return nil
	})
}

func (t *NodeTable) addReferenceLocked(source, refType, target opcua.NodeID) {
	if src, ok := t.nodes[source.Key()]; ok {
		src.refs = append(src.refs, Reference{TypeID: refType, Target: target, IsForward: true})
	}
	if dst, ok := t.nodes[target.Key()]; ok {
		dst.refs = append(dst.refs, Reference{TypeID: refType, Target: source, IsForward: false})
	}
}

// removeNodeLocked deletes the node and every reference pointing at it.
func (t *NodeTable) removeNodeLocked(n *Node) {
	for _, r := range n.refs {
		other, ok := t.nodes[r.Target.Key()]
		if !ok {
			continue
		}
		kept := other.refs[:0]
		for _, or := range other.refs {
			if !or.Target.Equal(n.ID) {
				kept = append(kept, or)
			}
		}
		other.refs = kept
	}
	n.refs = nil
	delete(t.nodes, n.ID.Key())
}

// Lookup implements AddressSpace.
func (t *NodeTable) Lookup(id opcua.NodeID) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lookupLocked(id)
}

func (t *NodeTable) lookupLocked(id opcua.NodeID) (*Node, bool) {
	n, ok := t.nodes[id.Key()]
	return n, ok
}

// References implements AddressSpace. The result is a copy.
func (t *NodeTable) References(id opcua.NodeID, dir opcua.BrowseDirection) []Reference {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.referencesLocked(id, dir)
}

func (t *NodeTable) referencesLocked(id opcua.NodeID, dir opcua.BrowseDirection) []Reference {
	n, ok := t.nodes[id.Key()]
	if !ok {
		return nil
	}
	var out []Reference
	for _, r := range n.refs {
		if dir == opcua.BrowseDirectionBoth ||
			(dir == opcua.BrowseDirectionForward && r.IsForward) ||
			(dir == opcua.BrowseDirectionInverse && !r.IsForward) {
			out = append(out, r)
		}
	}
	return out
}

// IsSubtypeOf implements AddressSpace. A type is a subtype of itself.
func (t *NodeTable) IsSubtypeOf(typeID, baseID opcua.NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isSubtypeOfLocked(typeID, baseID)
}

func (t *NodeTable) isSubtypeOfLocked(typeID, baseID opcua.NodeID) bool {
	seen := make(map[string]bool)
	cur := typeID
	for !cur.IsNull() {
		if cur.Equal(baseID) {
			return true
		}
		key := cur.Key()
		if seen[key] {
			return false
		}
		seen[key] = true

		n, ok := t.nodes[key]
		if !ok {
			return false
		}
		next := opcua.NodeID{}
		for _, r := range n.refs {
			if !r.IsForward && r.TypeID.Equal(opcua.RefHasSubtype) {
				next = r.Target
				break
			}
		}
		cur = next
	}
	return false
}

// Namespace implements AddressSpace.
func (t *NodeTable) Namespace(index uint16) (*Namespace, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ns, ok := t.namespaces[index]
	return ns, ok
}

// SetValue stores a new value on a variable node without notifying monitored
// items. NodeManager.WriteValue notifies.
func (t *NodeTable) SetValue(id opcua.NodeID, dv opcua.DataValue) error {
	n, ok := t.Lookup(id)
	if !ok {
		return opcua.ErrNodeNotFound
	}
	if n.Class != opcua.NodeClassVariable {
		return opcua.NewOPCUAError(opcua.ServiceWrite, opcua.StatusBadNotWritable, id.Key())
	}
	n.setValue(dv)
	return nil
}

// Len returns the number of nodes.
func (t *NodeTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// MonitoredNodeCount returns the number of nodes with a registry entry.
func (t *NodeTable) MonitoredNodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.monitored)
}

// monitoredNodeLocked returns the registry entry of n, creating it when
// create is set.
func (t *NodeTable) monitoredNodeLocked(n *Node, create bool) *MonitoredNode {
	if n.monitored != nil || !create {
		return n.monitored
	}
	m := &MonitoredNode{node: n, table: t}
	n.monitored = m
	t.monitored[n.ID.Key()] = m
	return m
}

// releaseMonitoredNodeLocked drops the registry entry of m once it has no
// items left.
func (t *NodeTable) releaseMonitoredNodeLocked(m *MonitoredNode) bool {
	if m.hasMonitoredItemsLocked() {
		return false
	}
	if m.node.monitored == m {
		m.node.monitored = nil
	}
	delete(t.monitored, m.node.ID.Key())
	return true
}
