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

package opcua

import (
	"strings"
)

// PermissionType is a bit mask of operations a role may perform on a node.
type PermissionType uint32

// Permission bits.
const (
	PermissionBrowse               PermissionType = 0x00000001
	PermissionReadRolePermissions  PermissionType = 0x00000002
	PermissionWriteAttribute       PermissionType = 0x00000004
	PermissionWriteRolePermissions PermissionType = 0x00000008
	PermissionWriteHistorizing     PermissionType = 0x00000010
	PermissionRead                 PermissionType = 0x00000020
	PermissionWrite                PermissionType = 0x00000040
	PermissionReadHistory          PermissionType = 0x00000080
	PermissionInsertHistory        PermissionType = 0x00000100
	PermissionModifyHistory        PermissionType = 0x00000200
	PermissionDeleteHistory        PermissionType = 0x00000400
	PermissionReceiveEvents        PermissionType = 0x00000800
	PermissionCall                 PermissionType = 0x00001000
	PermissionAddReference         PermissionType = 0x00002000
	PermissionRemoveReference      PermissionType = 0x00004000
	PermissionDeleteNode           PermissionType = 0x00008000
	PermissionAddNode              PermissionType = 0x00010000

	PermissionNone PermissionType = 0
	PermissionAll  PermissionType = 0x0001FFFF
)

var permissionNames = []struct {
	bit  PermissionType
	name string
}{
	{PermissionBrowse, "Browse"},
	{PermissionReadRolePermissions, "ReadRolePermissions"},
	{PermissionWriteAttribute, "WriteAttribute"},
	{PermissionWriteRolePermissions, "WriteRolePermissions"},
	{PermissionWriteHistorizing, "WriteHistorizing"},
	{PermissionRead, "Read"},
	{PermissionWrite, "Write"},
	{PermissionReadHistory, "ReadHistory"},
	{PermissionInsertHistory, "InsertHistory"},
	{PermissionModifyHistory, "ModifyHistory"},
	{PermissionDeleteHistory, "DeleteHistory"},
	{PermissionReceiveEvents, "ReceiveEvents"},
	{PermissionCall, "Call"},
	{PermissionAddReference, "AddReference"},
	{PermissionRemoveReference, "RemoveReference"},
	{PermissionDeleteNode, "DeleteNode"},
	{PermissionAddNode, "AddNode"},
}

// Has reports whether p contains every bit of want.
func (p PermissionType) Has(want PermissionType) bool {
	return p&want == want
}

// String returns the set bits joined by '|'.
func (p PermissionType) String() string {
	if p == PermissionNone {
		return "None"
	}
	var parts []string
	for _, pn := range permissionNames {
		if p&pn.bit != 0 {
			parts = append(parts, pn.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParsePermissions parses a list of permission names ("Browse", "Read", ...)
// into a mask. Names are case-insensitive; "All" selects every bit.
func ParsePermissions(names []string) (PermissionType, bool) {
	var p PermissionType
	for _, n := range names {
		if strings.EqualFold(n, "all") {
			p |= PermissionAll
			continue
		}
		found := false
		for _, pn := range permissionNames {
			if strings.EqualFold(pn.name, n) {
				p |= pn.bit
				found = true
				break
			}
		}
		if !found {
			return PermissionNone, false
		}
	}
	return p, true
}

// RolePermission grants a set of permissions to a role.
type RolePermission struct {
	RoleID      NodeID
	Permissions PermissionType
}

// AccessRestrictionType is a bit mask of transport requirements for a node.
type AccessRestrictionType uint16

// Access restriction bits.
const (
	AccessRestrictionSigningRequired           AccessRestrictionType = 0x1
	AccessRestrictionEncryptionRequired        AccessRestrictionType = 0x2
	AccessRestrictionSessionRequired           AccessRestrictionType = 0x4
	AccessRestrictionApplyRestrictionsToBrowse AccessRestrictionType = 0x8
)

// AccessLevel bits of a variable node.
const (
	AccessLevelCurrentRead  uint8 = 0x01
	AccessLevelCurrentWrite uint8 = 0x02
	AccessLevelHistoryRead  uint8 = 0x04
	AccessLevelHistoryWrite uint8 = 0x08
)

// EventNotifier bits of an object or view node.
const (
	EventNotifierSubscribeToEvents uint8 = 0x01
	EventNotifierHistoryRead       uint8 = 0x04
	EventNotifierHistoryWrite      uint8 = 0x08
)

// Well-known role identifiers (namespace 0).
var (
	RoleAnonymous         = NewNumericNodeID(0, 15644)
	RoleAuthenticatedUser = NewNumericNodeID(0, 15656)
	RoleObserver          = NewNumericNodeID(0, 15668)
	RoleOperator          = NewNumericNodeID(0, 15680)
	RoleEngineer          = NewNumericNodeID(0, 16036)
	RoleSupervisor        = NewNumericNodeID(0, 15692)
	RoleConfigureAdmin    = NewNumericNodeID(0, 15716)
	RoleSecurityAdmin     = NewNumericNodeID(0, 15704)
)

var roleNames = map[string]NodeID{
	"Anonymous":         RoleAnonymous,
	"AuthenticatedUser": RoleAuthenticatedUser,
	"Observer":          RoleObserver,
	"Operator":          RoleOperator,
	"Engineer":          RoleEngineer,
	"Supervisor":        RoleSupervisor,
	"ConfigureAdmin":    RoleConfigureAdmin,
	"SecurityAdmin":     RoleSecurityAdmin,
}

// RoleByName returns the well-known role with the given browse name.
func RoleByName(name string) (NodeID, bool) {
	for n, id := range roleNames {
		if strings.EqualFold(n, name) {
			return id, true
		}
	}
	return NodeID{}, false
}

// RoleName returns the browse name of a well-known role, or its key.
func RoleName(id NodeID) string {
	for n, r := range roleNames {
		if r.Equal(id) {
			return n
		}
	}
	return id.Key()
}

// Reference type identifiers (namespace 0).
var (
	RefReferences             = NewNumericNodeID(0, 31)
	RefHierarchicalReferences = NewNumericNodeID(0, 33)
	RefOrganizes              = NewNumericNodeID(0, 35)
	RefHasEventSource         = NewNumericNodeID(0, 36)
	RefHasModellingRule       = NewNumericNodeID(0, 37)
	RefHasTypeDefinition      = NewNumericNodeID(0, 40)
	RefHasSubtype             = NewNumericNodeID(0, 45)
	RefHasProperty            = NewNumericNodeID(0, 46)
	RefHasComponent           = NewNumericNodeID(0, 47)
	RefHasNotifier            = NewNumericNodeID(0, 48)
)

// Standard object identifiers (namespace 0).
var (
	RootFolder    = NewNumericNodeID(0, 84)
	ObjectsFolder = NewNumericNodeID(0, 85)
	ViewsFolder   = NewNumericNodeID(0, 87)
	ServerObject  = NewNumericNodeID(0, 2253)

	BaseEventType            = NewNumericNodeID(0, 2041)
	BaseModelChangeEventType = NewNumericNodeID(0, 2132)
)
