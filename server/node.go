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
	"sync"

	"github.com/edgeo-scada/opcua-engine"
)

// Reference is a typed edge of the address space as seen from its source.
type Reference struct {
	TypeID    opcua.NodeID
	Target    opcua.NodeID
	IsForward bool
}

// Node is one address-space entry.
//
// The descriptive fields and the references are guarded by the owning
// NodeTable's lock. The value has its own lock so that samplers can read it
// while holding only a read lock on the table.
type Node struct {
	ID                 opcua.NodeID
	Class              opcua.NodeClass
	BrowseName         opcua.QualifiedName
	DisplayName        opcua.LocalizedText
	Description        opcua.LocalizedText
	TypeDefinition     opcua.NodeID
	ModellingRule      opcua.NodeID
	WriteMask          uint32
	EventNotifier      uint8
	AccessLevel        uint8
	Executable         bool
	DataType           opcua.NodeID
	ValueRank          int32
	ArrayDimensions    []uint32
	AccessRestrictions opcua.AccessRestrictionType
	RolePermissions    []opcua.RolePermission

	refs      []Reference
	monitored *MonitoredNode

	valueMu sync.RWMutex
	value   opcua.DataValue
}

// NewNode returns a node with the given identity. Display name defaults to
// the browse name.
func NewNode(id opcua.NodeID, class opcua.NodeClass, browseName string) *Node {
	return &Node{
		ID:          id,
		Class:       class,
		BrowseName:  opcua.QualifiedName{NamespaceIndex: id.Namespace, Name: browseName},
		DisplayName: opcua.LocalizedText{Text: browseName},
		ValueRank:   -1,
		value:       opcua.DataValue{StatusCode: opcua.StatusBadWaitingForInitialData},
	}
}

// Value returns a copy of the current value.
func (n *Node) Value() opcua.DataValue {
	n.valueMu.RLock()
	defer n.valueMu.RUnlock()
	return n.value
}

func (n *Node) setValue(dv opcua.DataValue) {
	n.valueMu.Lock()
	n.value = dv
	n.valueMu.Unlock()
}

// readAttributeLocked returns the attribute as a DataValue. The caller holds
// the table lock.
func (n *Node) readAttributeLocked(attr opcua.AttributeID) opcua.DataValue {
	if attr == opcua.AttributeValue {
		if n.Class != opcua.NodeClassVariable {
			return opcua.DataValue{StatusCode: opcua.StatusBadAttributeIdInvalid}
		}
		if n.AccessLevel&opcua.AccessLevelCurrentRead == 0 {
			return opcua.DataValue{StatusCode: opcua.StatusBadNotReadable}
		}
		return n.Value()
	}

	var v interface{}
	switch attr {
	case opcua.AttributeNodeID:
		v = n.ID
	case opcua.AttributeNodeClass:
		v = int32(n.Class)
	case opcua.AttributeBrowseName:
		v = n.BrowseName
	case opcua.AttributeDisplayName:
		v = n.DisplayName
	case opcua.AttributeDescription:
		v = n.Description
	case opcua.AttributeWriteMask:
		v = n.WriteMask
	case opcua.AttributeEventNotifier:
		if n.Class != opcua.NodeClassObject && n.Class != opcua.NodeClassView {
			return opcua.DataValue{StatusCode: opcua.StatusBadAttributeIdInvalid}
		}
		v = n.EventNotifier
	case opcua.AttributeDataType:
		v = n.DataType
	case opcua.AttributeValueRank:
		v = n.ValueRank
	case opcua.AttributeAccessLevel, opcua.AttributeUserAccessLevel:
		v = n.AccessLevel
	case opcua.AttributeExecutable:
		v = n.Executable
	case opcua.AttributeAccessRestrictions:
		v = uint16(n.AccessRestrictions)
	default:
		return opcua.DataValue{StatusCode: opcua.StatusBadAttributeIdInvalid}
	}
	return opcua.DataValue{Value: opcua.NewVariant(v), StatusCode: opcua.StatusGood}
}

// Namespace describes one namespace owned by a node manager.
type Namespace struct {
	Index                      uint16
	URI                        string
	DefaultRolePermissions     []opcua.RolePermission
	DefaultUserRolePermissions []opcua.RolePermission
	DefaultAccessRestrictions  opcua.AccessRestrictionType
}

// AddressSpace is the read side of the address space used by the engine.
type AddressSpace interface {
	Lookup(id opcua.NodeID) (*Node, bool)
	References(id opcua.NodeID, dir opcua.BrowseDirection) []Reference
	IsSubtypeOf(typeID, baseID opcua.NodeID) bool
	Namespace(index uint16) (*Namespace, bool)
}
