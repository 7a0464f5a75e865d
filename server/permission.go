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
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/edgeo-scada/opcua-engine"
)

// ResultMask selects the NodeMetadata fields to populate.
type ResultMask uint32

// Result mask bits.
const (
	ResultNodeClass ResultMask = 1 << iota
	ResultBrowseName
	ResultDisplayName
	ResultDescription
	ResultTypeDefinition
	ResultModellingRule
	ResultWriteMask
	ResultEventNotifier
	ResultAccessLevel
	ResultExecutable
	ResultDataType
	ResultValueRank
	ResultArrayDimensions
	ResultAccessRestrictions
	ResultRolePermissions
	ResultUserRolePermissions

	ResultAll ResultMask = ResultUserRolePermissions<<1 - 1

	resultPermissionFields = ResultAccessRestrictions | ResultRolePermissions | ResultUserRolePermissions
)

// NodeMetadata is the descriptive and permission information of one node.
// The identity is fixed at construction.
type NodeMetadata struct {
	handle *NodeHandle
	nodeID opcua.NodeID

	NodeClass       opcua.NodeClass
	BrowseName      opcua.QualifiedName
	DisplayName     opcua.LocalizedText
	Description     opcua.LocalizedText
	TypeDefinition  opcua.NodeID
	ModellingRule   opcua.NodeID
	WriteMask       uint32
	EventNotifier   uint8
	AccessLevel     uint8
	Executable      bool
	DataType        opcua.NodeID
	ValueRank       int32
	ArrayDimensions []uint32

	AccessRestrictions         opcua.AccessRestrictionType
	DefaultAccessRestrictions  opcua.AccessRestrictionType
	RolePermissions            []opcua.RolePermission
	DefaultRolePermissions     []opcua.RolePermission
	UserRolePermissions        []opcua.RolePermission
	DefaultUserRolePermissions []opcua.RolePermission
}

// Handle returns the handle the metadata was produced for.
func (m *NodeMetadata) Handle() *NodeHandle { return m.handle }

// NodeID returns the canonical identifier of the node.
func (m *NodeMetadata) NodeID() opcua.NodeID { return m.nodeID }

// SourceKind tells where an AttributeSource comes from.
type SourceKind uint8

// Attribute source kinds.
const (
	SourceNode SourceKind = iota
	SourceNamespace
)

// AttributeSource is a snapshot of the permission data contributed by a node
// or by its namespace.
type AttributeSource struct {
	Kind                SourceKind
	NodeID              opcua.NodeID
	Namespace           uint16
	RolePermissions     []opcua.RolePermission
	UserRolePermissions []opcua.RolePermission
	AccessRestrictions  opcua.AccessRestrictionType
}

// MetadataCache stores attribute sources by node key. Entries are ordered
// node first, namespace second.
type MetadataCache interface {
	Get(key string) ([]AttributeSource, bool)
	Set(key string, sources []AttributeSource)
}

// PermissionCache is a cache scoped to one service call. It is not safe for
// concurrent use.
type PermissionCache struct {
	entries map[string][]AttributeSource
}

// NewPermissionCache returns an empty per-call cache.
func NewPermissionCache() *PermissionCache {
	return &PermissionCache{entries: make(map[string][]AttributeSource)}
}

// Get implements MetadataCache.
func (c *PermissionCache) Get(key string) ([]AttributeSource, bool) {
	s, ok := c.entries[key]
	return s, ok
}

// Set implements MetadataCache.
func (c *PermissionCache) Set(key string, sources []AttributeSource) {
	c.entries[key] = sources
}

// Len returns the number of cached nodes.
func (c *PermissionCache) Len() int { return len(c.entries) }

// SharedMetadataCache is a TTL-bounded cache that a caller may share across
// calls. Entries are not invalidated when nodes change; callers that modify
// permissions call Invalidate.
type SharedMetadataCache struct {
	cache *ttlcache.Cache[string, []AttributeSource]
}

// NewSharedMetadataCache starts a cache whose entries live for ttl.
func NewSharedMetadataCache(ttl time.Duration) *SharedMetadataCache {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []AttributeSource](ttl),
		ttlcache.WithDisableTouchOnHit[string, []AttributeSource](),
	)
	go cache.Start()
	return &SharedMetadataCache{cache: cache}
}

// Get implements MetadataCache.
func (c *SharedMetadataCache) Get(key string) ([]AttributeSource, bool) {
	item := c.cache.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Set implements MetadataCache.
func (c *SharedMetadataCache) Set(key string, sources []AttributeSource) {
	c.cache.Set(key, sources, ttlcache.DefaultTTL)
}

// Invalidate drops the entry of id.
func (c *SharedMetadataCache) Invalidate(id opcua.NodeID) {
	c.cache.Delete(id.Key())
}

// Purge drops every entry.
func (c *SharedMetadataCache) Purge() {
	c.cache.DeleteAll()
}

// Len returns the number of cached nodes.
func (c *SharedMetadataCache) Len() int {
	return c.cache.Len()
}

// Close stops the expiry goroutine.
func (c *SharedMetadataCache) Close() {
	c.cache.Stop()
}

// PermissionGate evaluates role permissions for the namespaces of one node
// manager.
type PermissionGate struct {
	table    *NodeTable
	resolver *Resolver
	owned    map[uint16]*Namespace
	audit    AuditSink
	metrics  *EngineMetrics
	logger   *slog.Logger

	lookups Counter
}

func newPermissionGate(table *NodeTable, resolver *Resolver, owned map[uint16]*Namespace, audit AuditSink, metrics *EngineMetrics, logger *slog.Logger) *PermissionGate {
	return &PermissionGate{
		table:    table,
		resolver: resolver,
		owned:    owned,
		audit:    audit,
		metrics:  metrics,
		logger:   logger,
	}
}

// Lookups returns how many times attribute sources were read from the
// address space instead of a cache.
func (g *PermissionGate) Lookups() int64 {
	return g.lookups.Value()
}

func (g *PermissionGate) owns(ns uint16) bool {
	_, ok := g.owned[ns]
	return ok
}

// GetPermissionMetadata returns the metadata of the handle's node selected
// by mask. It returns nil, nil when the node lies outside the gate's
// namespaces.
//
// With permissionsOnly only the permission fields are filled, and a session
// lacking ReadRolePermissions on the node gets ErrPermissionDenied. Without
// it, such a session gets every other field and no role permissions. A
// permissionsOnly call is answered from cache before any node lookup.
func (g *PermissionGate) GetPermissionMetadata(ctx context.Context, h *NodeHandle, mask ResultMask, cache MetadataCache, permissionsOnly bool) (*NodeMetadata, error) {
	if h == nil {
		return nil, opcua.ErrNodeNotFound
	}
	if !g.owns(h.Raw.Namespace) {
		return nil, nil
	}
	sessionID, roles := sessionRoles(ctx)

	if permissionsOnly && cache != nil {
		if sources, ok := cache.Get(h.Raw.Key()); ok {
			return g.buildMetadata(ctx, h, nil, sources, mask, sessionID, roles)
		}
	}

	var md *NodeMetadata
	err := g.table.view(func() error {
		if !h.Validated {
			if err := g.resolver.validateLocked(h); err != nil {
				return err
			}
		}
		n := h.Node()
		sources := g.sourcesLocked(n, h.Raw.Key(), cache)
		if permissionsOnly {
			n = nil
		}
		var err error
		md, err = g.buildMetadata(ctx, h, n, sources, mask, sessionID, roles)
		return err
	})
	if err != nil {
		return nil, err
	}
	return md, nil
}

// buildMetadata fills the fields selected by mask from sources. Descriptive
// fields are only filled when n is given.
func (g *PermissionGate) buildMetadata(ctx context.Context, h *NodeHandle, n *Node, sources []AttributeSource, mask ResultMask, sessionID string, roles []opcua.NodeID) (*NodeMetadata, error) {
	nodeSrc, nsSrc := sources[0], sources[1]

	granted := grantedPermissions(effectivePermissions(sources), roles)
	canReadRoles := granted.Has(opcua.PermissionReadRolePermissions)
	if n == nil && !canReadRoles {
		g.denied(ctx, sessionID, roles, nodeSrc.NodeID, opcua.PermissionReadRolePermissions)
		return nil, fmt.Errorf("%s: read role permissions: %w", nodeSrc.NodeID.Key(), opcua.ErrPermissionDenied)
	}

	md := &NodeMetadata{handle: h, nodeID: nodeSrc.NodeID}
	if n == nil {
		mask &= resultPermissionFields
	} else {
		fillDescriptive(md, n, mask)
	}
	if mask&ResultAccessRestrictions != 0 {
		md.AccessRestrictions = nodeSrc.AccessRestrictions
		md.DefaultAccessRestrictions = nsSrc.AccessRestrictions
	}
	if mask&ResultRolePermissions != 0 && canReadRoles {
		md.RolePermissions = cloneRolePermissions(nodeSrc.RolePermissions)
		md.DefaultRolePermissions = cloneRolePermissions(nsSrc.RolePermissions)
	}
	if mask&ResultUserRolePermissions != 0 {
		md.UserRolePermissions = filterRolePermissions(nodeSrc.RolePermissions, roles)
		defaults := nsSrc.UserRolePermissions
		if len(defaults) == 0 {
			defaults = nsSrc.RolePermissions
		}
		md.DefaultUserRolePermissions = filterRolePermissions(defaults, roles)
	}
	return md, nil
}

// ValidateRolePermissions checks that the session in ctx holds requested on
// nodeID. The effective permissions are the node's own, or the namespace
// defaults when the node declares none; an empty effective set denies
// everything. Nodes outside the gate's namespaces are not checked.
func (g *PermissionGate) ValidateRolePermissions(ctx context.Context, nodeID opcua.NodeID, requested opcua.PermissionType, cache MetadataCache) error {
	if !g.owns(nodeID.Namespace) {
		return nil
	}
	sessionID, roles := sessionRoles(ctx)
	return g.table.view(func() error {
		return g.validateLocked(ctx, sessionID, roles, nodeID, requested, cache)
	})
}

// ValidateEventRolePermissions checks that the session owning item may
// receive events from filterTarget, normally the event's source node.
func (g *PermissionGate) ValidateEventRolePermissions(ctx context.Context, item *MonitoredItem, filterTarget opcua.NodeID, cache MetadataCache) error {
	return g.table.view(func() error {
		return g.validateEventLocked(ctx, item, filterTarget, cache)
	})
}

func (g *PermissionGate) validateEventLocked(ctx context.Context, item *MonitoredItem, filterTarget opcua.NodeID, cache MetadataCache) error {
	if !g.owns(filterTarget.Namespace) {
		return nil
	}
	sessionID, roles := "", []opcua.NodeID{opcua.RoleAnonymous}
	if s := item.sub.Session(); s != nil {
		sessionID, roles = s.ID(), s.Roles()
	}
	return g.validateLocked(ctx, sessionID, roles, filterTarget, opcua.PermissionReceiveEvents, cache)
}

func (g *PermissionGate) validateLocked(ctx context.Context, sessionID string, roles []opcua.NodeID, nodeID opcua.NodeID, requested opcua.PermissionType, cache MetadataCache) error {
	if requested == opcua.PermissionNone {
		return nil
	}
	key := nodeID.Key()
	var sources []AttributeSource
	if cache != nil {
		sources, _ = cache.Get(key)
	}
	if sources == nil {
		n, err := g.nodeLocked(nodeID)
		if err != nil {
			return err
		}
		sources = g.sourcesLocked(n, key, cache)
	}

	granted := grantedPermissions(effectivePermissions(sources), roles)
	if granted.Has(requested) {
		return nil
	}
	g.denied(ctx, sessionID, roles, nodeID, requested)
	return fmt.Errorf("%s: %s: %w", key, requested, opcua.ErrPermissionDenied)
}

// nodeLocked finds the node of id, following component paths.
func (g *PermissionGate) nodeLocked(id opcua.NodeID) (*Node, error) {
	if n, ok := g.table.lookupLocked(id); ok {
		return n, nil
	}
	p, err := parseOwned(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id.Key(), err)
	}
	h := &NodeHandle{Raw: id, Parsed: p}
	if err := g.resolver.validateLocked(h); err != nil {
		return nil, err
	}
	return h.Node(), nil
}

// sourcesLocked returns the attribute sources of n, from cache when present.
// Misses are stored under the node's canonical key and under alias when it
// differs.
func (g *PermissionGate) sourcesLocked(n *Node, alias string, cache MetadataCache) []AttributeSource {
	key := n.ID.Key()
	if cache != nil {
		if s, ok := cache.Get(key); ok {
			return s
		}
	}

	g.lookups.Inc()
	sources := []AttributeSource{{
		Kind:               SourceNode,
		NodeID:             n.ID,
		Namespace:          n.ID.Namespace,
		RolePermissions:    cloneRolePermissions(n.RolePermissions),
		AccessRestrictions: n.AccessRestrictions,
	}, {
		Kind:      SourceNamespace,
		Namespace: n.ID.Namespace,
	}}
	if ns, ok := g.table.namespaces[n.ID.Namespace]; ok {
		sources[1].RolePermissions = cloneRolePermissions(ns.DefaultRolePermissions)
		sources[1].UserRolePermissions = cloneRolePermissions(ns.DefaultUserRolePermissions)
		sources[1].AccessRestrictions = ns.DefaultAccessRestrictions
	}

	if cache != nil {
		cache.Set(key, sources)
		if alias != "" && alias != key {
			cache.Set(alias, sources)
		}
	}
	return sources
}

func (g *PermissionGate) denied(ctx context.Context, sessionID string, roles []opcua.NodeID, nodeID opcua.NodeID, requested opcua.PermissionType) {
	g.metrics.PermissionDenials.Inc()
	g.logger.Debug("permission denied",
		slog.String("session_id", sessionID),
		slog.String("node_id", nodeID.Key()),
		slog.String("requested", requested.String()),
	)
	g.audit.PermissionDenied(ctx, PermissionDeniedRecord{
		SessionID: sessionID,
		NodeID:    nodeID,
		Requested: requested,
		Roles:     roles,
	})
}

// sessionRoles returns the id and roles of the session in ctx. Without a
// session the caller is treated as anonymous.
func sessionRoles(ctx context.Context) (string, []opcua.NodeID) {
	if s, ok := SessionFromContext(ctx); ok {
		return s.ID(), s.Roles()
	}
	return "", []opcua.NodeID{opcua.RoleAnonymous}
}

func effectivePermissions(sources []AttributeSource) []opcua.RolePermission {
	if len(sources[0].RolePermissions) > 0 {
		return sources[0].RolePermissions
	}
	if len(sources) > 1 {
		return sources[1].RolePermissions
	}
	return nil
}

// grantedPermissions unions the permissions of every role in roles.
func grantedPermissions(perms []opcua.RolePermission, roles []opcua.NodeID) opcua.PermissionType {
	var granted opcua.PermissionType
	for _, rp := range perms {
		if containsNodeID(roles, rp.RoleID) {
			granted |= rp.Permissions
		}
	}
	return granted
}

func filterRolePermissions(perms []opcua.RolePermission, roles []opcua.NodeID) []opcua.RolePermission {
	var out []opcua.RolePermission
	for _, rp := range perms {
		if containsNodeID(roles, rp.RoleID) {
			out = append(out, rp)
		}
	}
	return out
}

func cloneRolePermissions(perms []opcua.RolePermission) []opcua.RolePermission {
	if perms == nil {
		return nil
	}
	return append([]opcua.RolePermission(nil), perms...)
}

func fillDescriptive(md *NodeMetadata, n *Node, mask ResultMask) {
	if mask&ResultNodeClass != 0 {
		md.NodeClass = n.Class
	}
	if mask&ResultBrowseName != 0 {
		md.BrowseName = n.BrowseName
	}
	if mask&ResultDisplayName != 0 {
		md.DisplayName = n.DisplayName
	}
	if mask&ResultDescription != 0 {
		md.Description = n.Description
	}
	if mask&ResultTypeDefinition != 0 {
		md.TypeDefinition = n.TypeDefinition
	}
	if mask&ResultModellingRule != 0 {
		md.ModellingRule = n.ModellingRule
	}
	if mask&ResultWriteMask != 0 {
		md.WriteMask = n.WriteMask
	}
	if mask&ResultEventNotifier != 0 {
		md.EventNotifier = n.EventNotifier
	}
	if mask&ResultAccessLevel != 0 {
		md.AccessLevel = n.AccessLevel
	}
	if mask&ResultExecutable != 0 {
		md.Executable = n.Executable
	}
	if mask&ResultDataType != 0 {
		md.DataType = n.DataType
	}
	if mask&ResultValueRank != 0 {
		md.ValueRank = n.ValueRank
	}
	if mask&ResultArrayDimensions != 0 && n.ArrayDimensions != nil {
		md.ArrayDimensions = append([]uint32(nil), n.ArrayDimensions...)
	}
}
