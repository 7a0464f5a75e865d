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

// Package opcua provides the value types, status codes and access-control
// primitives shared by the OPC UA subscription engine.
package opcua

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NodeIDType represents the type of a NodeID.
type NodeIDType uint8

// NodeID types.
const (
	NodeIDTypeNumeric NodeIDType = iota
	NodeIDTypeString
	NodeIDTypeGUID
	NodeIDTypeOpaque
)

// String returns the string representation of a NodeIDType.
func (t NodeIDType) String() string {
	switch t {
	case NodeIDTypeNumeric:
		return "Numeric"
	case NodeIDTypeString:
		return "String"
	case NodeIDTypeGUID:
		return "GUID"
	case NodeIDTypeOpaque:
		return "Opaque"
	default:
		return "Unknown"
	}
}

// NodeID represents an OPC UA NodeID. Only the field matching Type is
// meaningful.
type NodeID struct {
	Type      NodeIDType
	Namespace uint16
	Numeric   uint32
	String    string
	GUID      [16]byte
	Opaque    []byte
}

// NewNumericNodeID creates a new numeric NodeID.
func NewNumericNodeID(namespace uint16, id uint32) NodeID {
	return NodeID{
		Type:      NodeIDTypeNumeric,
		Namespace: namespace,
		Numeric:   id,
	}
}

// NewStringNodeID creates a new string NodeID.
func NewStringNodeID(namespace uint16, id string) NodeID {
	return NodeID{
		Type:      NodeIDTypeString,
		Namespace: namespace,
		String:    id,
	}
}

// NewGUIDNodeID creates a new GUID NodeID.
func NewGUIDNodeID(namespace uint16, id uuid.UUID) NodeID {
	return NodeID{
		Type:      NodeIDTypeGUID,
		Namespace: namespace,
		GUID:      id,
	}
}

// NewOpaqueNodeID creates a new opaque (ByteString) NodeID.
func NewOpaqueNodeID(namespace uint16, id []byte) NodeID {
	return NodeID{
		Type:      NodeIDTypeOpaque,
		Namespace: namespace,
		Opaque:    append([]byte(nil), id...),
	}
}

// IsNull reports whether n is the null NodeID (ns=0;i=0).
func (n NodeID) IsNull() bool {
	switch n.Type {
	case NodeIDTypeNumeric:
		return n.Namespace == 0 && n.Numeric == 0
	case NodeIDTypeString:
		return n.Namespace == 0 && n.String == ""
	case NodeIDTypeGUID:
		return n.Namespace == 0 && n.GUID == [16]byte{}
	case NodeIDTypeOpaque:
		return n.Namespace == 0 && len(n.Opaque) == 0
	}
	return false
}

// Equal reports whether n and o identify the same node.
func (n NodeID) Equal(o NodeID) bool {
	if n.Type != o.Type || n.Namespace != o.Namespace {
		return false
	}
	switch n.Type {
	case NodeIDTypeNumeric:
		return n.Numeric == o.Numeric
	case NodeIDTypeString:
		return n.String == o.String
	case NodeIDTypeGUID:
		return n.GUID == o.GUID
	case NodeIDTypeOpaque:
		return bytes.Equal(n.Opaque, o.Opaque)
	}
	return false
}

// Key returns the canonical text form of the NodeID. It is stable and
// unique per node and is used as the map key throughout the engine.
func (n NodeID) Key() string {
	var id string
	switch n.Type {
	case NodeIDTypeNumeric:
		id = fmt.Sprintf("i=%d", n.Numeric)
	case NodeIDTypeString:
		id = "s=" + n.String
	case NodeIDTypeGUID:
		id = "g=" + uuid.UUID(n.GUID).String()
	case NodeIDTypeOpaque:
		id = "b=" + base64.StdEncoding.EncodeToString(n.Opaque)
	default:
		id = fmt.Sprintf("?=%d", n.Type)
	}
	if n.Namespace == 0 {
		return id
	}
	return fmt.Sprintf("ns=%d;%s", n.Namespace, id)
}

// GoString implements fmt.GoStringer.
func (n NodeID) GoString() string {
	return "opcua.NodeID(" + n.Key() + ")"
}

// ServiceID represents an OPC UA service identifier.
type ServiceID uint32

// OPC UA Service IDs used by the engine.
const (
	ServiceCreateSession        ServiceID = 461
	ServiceActivateSession      ServiceID = 467
	ServiceCloseSession         ServiceID = 473
	ServiceBrowse               ServiceID = 527
	ServiceRead                 ServiceID = 631
	ServiceWrite                ServiceID = 673
	ServiceCreateMonitoredItems ServiceID = 751
	ServiceModifyMonitoredItems ServiceID = 763
	ServiceSetMonitoringMode    ServiceID = 769
	ServiceDeleteMonitoredItems ServiceID = 781
	ServiceCreateSubscription   ServiceID = 787
	ServiceModifySubscription   ServiceID = 793
	ServiceSetPublishingMode    ServiceID = 799
	ServicePublish              ServiceID = 826
	ServiceRepublish            ServiceID = 832
	ServiceDeleteSubscriptions  ServiceID = 847
)

// String returns the string representation of a ServiceID.
func (s ServiceID) String() string {
	switch s {
	case ServiceCreateSession:
		return "CreateSession"
	case ServiceActivateSession:
		return "ActivateSession"
	case ServiceCloseSession:
		return "CloseSession"
	case ServiceBrowse:
		return "Browse"
	case ServiceRead:
		return "Read"
	case ServiceWrite:
		return "Write"
	case ServiceCreateMonitoredItems:
		return "CreateMonitoredItems"
	case ServiceModifyMonitoredItems:
		return "ModifyMonitoredItems"
	case ServiceSetMonitoringMode:
		return "SetMonitoringMode"
	case ServiceDeleteMonitoredItems:
		return "DeleteMonitoredItems"
	case ServiceCreateSubscription:
		return "CreateSubscription"
	case ServiceModifySubscription:
		return "ModifySubscription"
	case ServiceSetPublishingMode:
		return "SetPublishingMode"
	case ServicePublish:
		return "Publish"
	case ServiceRepublish:
		return "Republish"
	case ServiceDeleteSubscriptions:
		return "DeleteSubscriptions"
	default:
		return "Unknown"
	}
}

// AttributeID represents an OPC UA attribute identifier.
type AttributeID uint32

// OPC UA Attribute IDs.
const (
	AttributeNodeID             AttributeID = 1
	AttributeNodeClass          AttributeID = 2
	AttributeBrowseName         AttributeID = 3
	AttributeDisplayName        AttributeID = 4
	AttributeDescription        AttributeID = 5
	AttributeWriteMask          AttributeID = 6
	AttributeEventNotifier      AttributeID = 12
	AttributeValue              AttributeID = 13
	AttributeDataType           AttributeID = 14
	AttributeValueRank          AttributeID = 15
	AttributeArrayDimensions    AttributeID = 16
	AttributeAccessLevel        AttributeID = 17
	AttributeUserAccessLevel    AttributeID = 18
	AttributeExecutable         AttributeID = 21
	AttributeRolePermissions    AttributeID = 24
	AttributeUserRolePermission AttributeID = 25
	AttributeAccessRestrictions AttributeID = 26
)

// String returns the string representation of an AttributeID.
func (a AttributeID) String() string {
	switch a {
	case AttributeNodeID:
		return "NodeId"
	case AttributeNodeClass:
		return "NodeClass"
	case AttributeBrowseName:
		return "BrowseName"
	case AttributeDisplayName:
		return "DisplayName"
	case AttributeDescription:
		return "Description"
	case AttributeWriteMask:
		return "WriteMask"
	case AttributeEventNotifier:
		return "EventNotifier"
	case AttributeValue:
		return "Value"
	case AttributeDataType:
		return "DataType"
	case AttributeValueRank:
		return "ValueRank"
	case AttributeArrayDimensions:
		return "ArrayDimensions"
	case AttributeAccessLevel:
		return "AccessLevel"
	case AttributeUserAccessLevel:
		return "UserAccessLevel"
	case AttributeExecutable:
		return "Executable"
	case AttributeRolePermissions:
		return "RolePermissions"
	case AttributeUserRolePermission:
		return "UserRolePermissions"
	case AttributeAccessRestrictions:
		return "AccessRestrictions"
	default:
		return "Unknown"
	}
}

// NodeClass represents the class of an OPC UA node.
type NodeClass uint32

// OPC UA Node Classes.
const (
	NodeClassUnspecified   NodeClass = 0
	NodeClassObject        NodeClass = 1
	NodeClassVariable      NodeClass = 2
	NodeClassMethod        NodeClass = 4
	NodeClassObjectType    NodeClass = 8
	NodeClassVariableType  NodeClass = 16
	NodeClassReferenceType NodeClass = 32
	NodeClassDataType      NodeClass = 64
	NodeClassView          NodeClass = 128
)

// String returns the string representation of a NodeClass.
func (n NodeClass) String() string {
	switch n {
	case NodeClassUnspecified:
		return "Unspecified"
	case NodeClassObject:
		return "Object"
	case NodeClassVariable:
		return "Variable"
	case NodeClassMethod:
		return "Method"
	case NodeClassObjectType:
		return "ObjectType"
	case NodeClassVariableType:
		return "VariableType"
	case NodeClassReferenceType:
		return "ReferenceType"
	case NodeClassDataType:
		return "DataType"
	case NodeClassView:
		return "View"
	default:
		return "Unknown"
	}
}

// ParseNodeClass returns the NodeClass named s.
func ParseNodeClass(s string) (NodeClass, bool) {
	for _, c := range []NodeClass{
		NodeClassObject, NodeClassVariable, NodeClassMethod, NodeClassObjectType,
		NodeClassVariableType, NodeClassReferenceType, NodeClassDataType, NodeClassView,
	} {
		if c.String() == s {
			return c, true
		}
	}
	return NodeClassUnspecified, false
}

// BrowseDirection represents the direction to follow references in.
type BrowseDirection uint32

// Browse directions.
const (
	BrowseDirectionForward BrowseDirection = 0
	BrowseDirectionInverse BrowseDirection = 1
	BrowseDirectionBoth    BrowseDirection = 2
)

// DataValue represents an OPC UA DataValue.
type DataValue struct {
	Value           *Variant
	StatusCode      StatusCode
	SourceTimestamp time.Time
	ServerTimestamp time.Time
}

// Variant represents an OPC UA Variant.
type Variant struct {
	Type  TypeID
	Value interface{}
}

// NewVariant wraps a Go value in a Variant, inferring the built-in type.
func NewVariant(v interface{}) *Variant {
	t := TypeNull
	switch v.(type) {
	case bool:
		t = TypeBoolean
	case int8:
		t = TypeSByte
	case uint8:
		t = TypeByte
	case int16:
		t = TypeInt16
	case uint16:
		t = TypeUInt16
	case int32:
		t = TypeInt32
	case uint32:
		t = TypeUInt32
	case int64, int:
		t = TypeInt64
	case uint64:
		t = TypeUInt64
	case float32:
		t = TypeFloat
	case float64:
		t = TypeDouble
	case string:
		t = TypeString
	case time.Time:
		t = TypeDateTime
	case []byte:
		t = TypeByteString
	case NodeID:
		t = TypeNodeID
	case StatusCode:
		t = TypeStatusCode
	case QualifiedName:
		t = TypeQualifiedName
	case LocalizedText:
		t = TypeLocalizedText
	}
	return &Variant{Type: t, Value: v}
}

// TypeID represents an OPC UA built-in type.
type TypeID uint8

// OPC UA Built-in Types.
const (
	TypeNull          TypeID = 0
	TypeBoolean       TypeID = 1
	TypeSByte         TypeID = 2
	TypeByte          TypeID = 3
	TypeInt16         TypeID = 4
	TypeUInt16        TypeID = 5
	TypeInt32         TypeID = 6
	TypeUInt32        TypeID = 7
	TypeInt64         TypeID = 8
	TypeUInt64        TypeID = 9
	TypeFloat         TypeID = 10
	TypeDouble        TypeID = 11
	TypeString        TypeID = 12
	TypeDateTime      TypeID = 13
	TypeGUID          TypeID = 14
	TypeByteString    TypeID = 15
	TypeNodeID        TypeID = 17
	TypeStatusCode    TypeID = 19
	TypeQualifiedName TypeID = 20
	TypeLocalizedText TypeID = 21
)

// StatusCode represents an OPC UA StatusCode.
type StatusCode uint32

// QualifiedName represents an OPC UA QualifiedName.
type QualifiedName struct {
	NamespaceIndex uint16
	Name           string
}

// LocalizedText represents an OPC UA LocalizedText.
type LocalizedText struct {
	Locale string
	Text   string
}

// ReadValueID represents a node attribute to read or monitor.
type ReadValueID struct {
	NodeID      NodeID
	AttributeID AttributeID
	IndexRange  string
}

// MonitoringMode represents the monitoring mode for a monitored item.
type MonitoringMode uint32

// Monitoring modes.
const (
	MonitoringModeDisabled  MonitoringMode = 0
	MonitoringModeSampling  MonitoringMode = 1
	MonitoringModeReporting MonitoringMode = 2
)

// String returns the string representation of a MonitoringMode.
func (m MonitoringMode) String() string {
	switch m {
	case MonitoringModeDisabled:
		return "Disabled"
	case MonitoringModeSampling:
		return "Sampling"
	case MonitoringModeReporting:
		return "Reporting"
	default:
		return "Unknown"
	}
}

// DataChangeTrigger selects which changes of a sampled value are reported.
type DataChangeTrigger uint32

// Data change triggers.
const (
	DataChangeTriggerStatus               DataChangeTrigger = 0
	DataChangeTriggerStatusValue          DataChangeTrigger = 1
	DataChangeTriggerStatusValueTimestamp DataChangeTrigger = 2
)

// MonitoringParameters contains the client-requested monitoring parameters.
type MonitoringParameters struct {
	ClientHandle     uint32
	SamplingInterval float64 // milliseconds; 0 means exception based
	Filter           interface{}
	QueueSize        uint32
	DiscardOldest    bool
}
