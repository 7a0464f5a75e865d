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
	"strings"

	"github.com/google/uuid"

	"github.com/edgeo-scada/opcua-engine"
)

// ParsedKind tags the variant held by a ParsedNodeID.
type ParsedKind uint8

// Parsed identifier variants.
const (
	ParsedNumeric ParsedKind = iota
	ParsedString
	ParsedGUID
	ParsedOpaque
	ParsedPath
)

// String returns the string representation of a ParsedKind.
func (k ParsedKind) String() string {
	switch k {
	case ParsedNumeric:
		return "Numeric"
	case ParsedString:
		return "String"
	case ParsedGUID:
		return "GUID"
	case ParsedOpaque:
		return "Opaque"
	case ParsedPath:
		return "Path"
	default:
		return "Unknown"
	}
}

// pathSeparator splits string identifiers into a root and browse names.
const pathSeparator = "."

// ParsedNodeID is an identifier parsed by the node manager owning its
// namespace. Only the fields of Kind are meaningful. A ParsedPath addresses
// a component of an object tree: Root names the tree and Path the browse
// names leading from it to the component.
type ParsedNodeID struct {
	Kind      ParsedKind
	Namespace uint16
	Numeric   uint32
	String    string
	GUID      uuid.UUID
	Opaque    []byte
	Root      opcua.NodeID
	Path      []string
}

func parseOwned(id opcua.NodeID) (*ParsedNodeID, error) {
	p := &ParsedNodeID{Namespace: id.Namespace}
	switch id.Type {
	case opcua.NodeIDTypeNumeric:
		p.Kind = ParsedNumeric
		p.Numeric = id.Numeric
	case opcua.NodeIDTypeString:
		if id.String == "" {
			return nil, opcua.ErrInvalidNodeID
		}
		parts := strings.Split(id.String, pathSeparator)
		if len(parts) > 1 && parts[0] != "" {
			p.Kind = ParsedPath
			p.String = id.String
			p.Root = opcua.NewStringNodeID(id.Namespace, parts[0])
			p.Path = parts[1:]
			break
		}
		p.Kind = ParsedString
		p.String = id.String
	case opcua.NodeIDTypeGUID:
		p.Kind = ParsedGUID
		p.GUID = uuid.UUID(id.GUID)
	case opcua.NodeIDTypeOpaque:
		p.Kind = ParsedOpaque
		p.Opaque = id.Opaque
	default:
		return nil, opcua.ErrInvalidNodeID
	}
	return p, nil
}

// NodeID returns the identifier the parsed form was produced from.
func (p *ParsedNodeID) NodeID() opcua.NodeID {
	switch p.Kind {
	case ParsedNumeric:
		return opcua.NewNumericNodeID(p.Namespace, p.Numeric)
	case ParsedString, ParsedPath:
		return opcua.NewStringNodeID(p.Namespace, p.String)
	case ParsedGUID:
		return opcua.NewGUIDNodeID(p.Namespace, p.GUID)
	default:
		return opcua.NewOpaqueNodeID(p.Namespace, p.Opaque)
	}
}

// NodeHandle describes one node reference of one service call item. It is
// built once per item and must not be retained after the call.
//
// Node and MonitoredNode are only set once the handle is validated.
type NodeHandle struct {
	Raw           opcua.NodeID
	Parsed        *ParsedNodeID
	RootID        opcua.NodeID
	ComponentPath []string
	Index         int
	Validated     bool

	node          *Node
	monitoredNode *MonitoredNode
}

// Node returns the resolved node, or nil for an unvalidated handle.
func (h *NodeHandle) Node() *Node {
	if !h.Validated {
		return nil
	}
	return h.node
}

// MonitoredNode returns the registry entry the node had when the handle was
// validated. It is nil for unvalidated handles and unmonitored nodes.
func (h *NodeHandle) MonitoredNode() *MonitoredNode {
	if !h.Validated {
		return nil
	}
	return h.monitoredNode
}

// NodeID returns the identifier of the resolved node, falling back to the
// raw identifier.
func (h *NodeHandle) NodeID() opcua.NodeID {
	if h.Validated && h.node != nil {
		return h.node.ID
	}
	return h.Raw
}

func (h *NodeHandle) bind(n *Node) {
	h.node = n
	h.monitoredNode = n.monitored
	h.Validated = true
}

// Resolver turns client-supplied identifiers into node handles.
type Resolver struct {
	table *NodeTable
	owned map[uint16]*Namespace
}

func newResolver(table *NodeTable, owned map[uint16]*Namespace) *Resolver {
	return &Resolver{table: table, owned: owned}
}

// Owns reports whether ns belongs to this node manager.
func (r *Resolver) Owns(ns uint16) bool {
	_, ok := r.owned[ns]
	return ok
}

// Resolve produces the handle of id. Identifiers in an owned namespace are
// parsed and returned unvalidated; call Validate to bind them. Other
// identifiers are looked up directly and returned validated, or fail with
// ErrNodeNotFound.
func (r *Resolver) Resolve(ctx context.Context, id opcua.NodeID, index int) (*NodeHandle, error) {
	h := &NodeHandle{Raw: id, Index: index, RootID: id}

	if r.Owns(id.Namespace) {
		p, err := parseOwned(id)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", id.Key(), err)
		}
		h.Parsed = p
		if p.Kind == ParsedPath {
			h.RootID = p.Root
			h.ComponentPath = p.Path
		}
		return h, nil
	}

	var found bool
	r.table.view(func() error {
		if n, ok := r.table.lookupLocked(id); ok {
			h.bind(n)
			found = true
		}
		return nil
	})
	if !found {
		return nil, fmt.Errorf("%s: %w", id.Key(), opcua.ErrNodeNotFound)
	}
	return h, nil
}

// ResolveString parses text and resolves it.
func (r *Resolver) ResolveString(ctx context.Context, text string, index int) (*NodeHandle, error) {
	id, err := opcua.ParseNodeID(text)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, id, index)
}

// Validate binds an unvalidated handle to its node. On failure the handle
// is left unbound and ErrNodeNotFound is returned.
func (r *Resolver) Validate(ctx context.Context, h *NodeHandle) error {
	if h.Validated {
		return nil
	}
	return r.table.view(func() error {
		return r.validateLocked(h)
	})
}

func (r *Resolver) validateLocked(h *NodeHandle) error {
	if h.Parsed == nil {
		return fmt.Errorf("%s: %w", h.Raw.Key(), opcua.ErrNodeNotFound)
	}
	if n, ok := r.table.lookupLocked(h.Parsed.NodeID()); ok {
		h.bind(n)
		return nil
	}
	if h.Parsed.Kind != ParsedPath {
		return fmt.Errorf("%s: %w", h.Raw.Key(), opcua.ErrNodeNotFound)
	}

	cur, ok := r.table.lookupLocked(h.Parsed.Root)
	if !ok {
		return fmt.Errorf("%s: %w", h.Raw.Key(), opcua.ErrNodeNotFound)
	}
	for _, name := range h.Parsed.Path {
		cur = r.childByNameLocked(cur, name)
		if cur == nil {
			return fmt.Errorf("%s: component %q: %w", h.Raw.Key(), name, opcua.ErrNodeNotFound)
		}
	}
	h.bind(cur)
	return nil
}

func (r *Resolver) childByNameLocked(parent *Node, name string) *Node {
	for _, ref := range parent.refs {
		if !ref.IsForward || !r.table.isSubtypeOfLocked(ref.TypeID, opcua.RefHierarchicalReferences) {
			continue
		}
		child, ok := r.table.lookupLocked(ref.Target)
		if ok && child.BrowseName.Name == name {
			return child
		}
	}
	return nil
}

// ResolveBatch resolves and validates every id. A failed entry keeps an
// unvalidated handle carrying the parsed identifier and gets a bad status;
// it never affects its siblings. Only identifiers that cannot be parsed at
// all yield a handle without a parsed form.
func (r *Resolver) ResolveBatch(ctx context.Context, ids []opcua.NodeID) ([]*NodeHandle, []opcua.StatusCode) {
	handles := make([]*NodeHandle, len(ids))
	results := make([]opcua.StatusCode, len(ids))
	for i, id := range ids {
		h, err := r.Resolve(ctx, id, i)
		if err == nil {
			err = r.Validate(ctx, h)
		}
		if err != nil {
			if h == nil {
				h = unresolvedHandle(id, i)
			}
			handles[i] = h
			results[i] = opcua.StatusOf(err)
			continue
		}
		handles[i] = h
		results[i] = opcua.StatusGood
	}
	return handles, results
}

// unresolvedHandle builds the unvalidated handle of an identifier Resolve
// rejected.
func unresolvedHandle(id opcua.NodeID, index int) *NodeHandle {
	h := &NodeHandle{Raw: id, Index: index, RootID: id}
	if p, err := parseOwned(id); err == nil {
		h.Parsed = p
		if p.Kind == ParsedPath {
			h.RootID = p.Root
			h.ComponentPath = p.Path
		}
	}
	return h
}
