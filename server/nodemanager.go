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
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/edgeo-scada/opcua-engine"
)

// BaseNodeManager is implemented by every node manager.
type BaseNodeManager interface {
	Namespaces() []*Namespace
	Resolve(ctx context.Context, id opcua.NodeID, index int) (*NodeHandle, error)
	IsNodeInView(ctx context.Context, viewID opcua.NodeID, h *NodeHandle) bool
	Close() error
}

// PermissionValidator is implemented by node managers that own role
// permission data for their namespaces.
type PermissionValidator interface {
	GetPermissionMetadata(ctx context.Context, h *NodeHandle, mask ResultMask, cache MetadataCache, permissionsOnly bool) (*NodeMetadata, error)
	ValidateRolePermissions(ctx context.Context, nodeID opcua.NodeID, requested opcua.PermissionType, cache MetadataCache) error
	ValidateEventRolePermissions(ctx context.Context, item *MonitoredItem, filterTarget opcua.NodeID, cache MetadataCache) error
}

// SessionCloser is implemented by node managers holding per-session state.
type SessionCloser interface {
	SessionClosing(ctx context.Context, sessionID string, deleteSubscriptions bool)
}

var (
	_ BaseNodeManager     = (*NodeManager)(nil)
	_ PermissionValidator = (*NodeManager)(nil)
	_ SessionCloser       = (*NodeManager)(nil)
)

// View restricts browsing to the nodes reachable from Root over the given
// reference types and their subtypes.
type View struct {
	ID   opcua.NodeID
	Name string
	Root opcua.NodeID
	// ReferenceTypes defaults to HierarchicalReferences.
	ReferenceTypes []opcua.NodeID
}

// NodeManager owns a set of namespaces and the subscriptions monitoring
// them.
//
// Lock order: node table, then the manager's own lock, then subscription,
// then item.
type NodeManager struct {
	opts       *nodeManagerOptions
	table      *NodeTable
	resolver   *Resolver
	gate       *PermissionGate
	namespaces []*Namespace
	owned      map[uint16]*Namespace

	logger  *slog.Logger
	clock   clock.Clock
	metrics *EngineMetrics
	audit   AuditSink
	events  *Dispatcher

	ownsEvents  bool
	unsubscribe func()

	nextSubID  atomic.Uint32
	nextItemID atomic.Uint32

	mu        sync.Mutex
	subs      map[uint32]*Subscription
	bySession map[string]map[uint32]*Subscription
	orphans   map[uint32]*Subscription
	views     map[string]*View
	closed    bool
}

// NewNodeManager creates a node manager owning namespaces. It fails with
// ErrFatalConfiguration when the namespace table is empty, claims namespace
// 0, claims an index twice or lacks a URI.
func NewNodeManager(namespaces []*Namespace, opts ...NodeManagerOption) (*NodeManager, error) {
	o := defaultNodeManagerOptions()
	for _, opt := range opts {
		opt(o)
	}

	if len(namespaces) == 0 {
		return nil, fmt.Errorf("%w: no namespaces", opcua.ErrFatalConfiguration)
	}
	owned := make(map[uint16]*Namespace, len(namespaces))
	for _, ns := range namespaces {
		switch {
		case ns == nil:
			return nil, fmt.Errorf("%w: nil namespace", opcua.ErrFatalConfiguration)
		case ns.Index == 0:
			return nil, fmt.Errorf("%w: namespace 0 is reserved", opcua.ErrFatalConfiguration)
		case ns.URI == "":
			return nil, fmt.Errorf("%w: namespace %d has no URI", opcua.ErrFatalConfiguration, ns.Index)
		}
		if _, dup := owned[ns.Index]; dup {
			return nil, fmt.Errorf("%w: namespace %d claimed twice", opcua.ErrFatalConfiguration, ns.Index)
		}
		owned[ns.Index] = ns
	}

	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.metrics == nil {
		o.metrics = NewEngineMetrics()
	}
	if o.audit == nil {
		o.audit = NewLogAuditSink(o.logger)
	}
	table := o.table
	if table == nil {
		table = NewNodeTable()
	}
	for _, ns := range namespaces {
		if existing, ok := table.Namespace(ns.Index); ok && existing.URI != ns.URI {
			return nil, fmt.Errorf("%w: namespace %d already registered as %s", opcua.ErrFatalConfiguration, ns.Index, existing.URI)
		}
	}
	for _, ns := range namespaces {
		table.AddNamespace(ns)
	}

	events, ownsEvents := o.dispatcher, false
	if events == nil {
		events = NewDispatcher(o.limits.LifecycleEventBuffer, o.logger, o.metrics)
		ownsEvents = true
	}

	nm := &NodeManager{
		opts:       o,
		table:      table,
		namespaces: append([]*Namespace(nil), namespaces...),
		owned:      owned,
		logger:     o.logger,
		clock:      o.clock,
		metrics:    o.metrics,
		audit:      o.audit,
		events:     events,
		ownsEvents: ownsEvents,
		subs:       make(map[uint32]*Subscription),
		bySession:  make(map[string]map[uint32]*Subscription),
		orphans:    make(map[uint32]*Subscription),
		views:      make(map[string]*View),
	}
	nm.resolver = newResolver(table, owned)
	nm.gate = newPermissionGate(table, nm.resolver, owned, o.audit, o.metrics, o.logger)
	nm.unsubscribe = events.SubscribeControl(nm.onLifecycle, SessionClosing, SubscriptionExpired)

	nm.logger.Info("node manager started", slog.Int("namespaces", len(namespaces)))
	return nm, nil
}

// Table returns the node table.
func (nm *NodeManager) Table() *NodeTable { return nm.table }

// Resolver returns the node handle resolver.
func (nm *NodeManager) Resolver() *Resolver { return nm.resolver }

// Gate returns the permission gate.
func (nm *NodeManager) Gate() *PermissionGate { return nm.gate }

// Metrics returns the metrics sink.
func (nm *NodeManager) Metrics() *EngineMetrics { return nm.metrics }

// Dispatcher returns the lifecycle event dispatcher.
func (nm *NodeManager) Dispatcher() *Dispatcher { return nm.events }

// Limits returns the server-wide limits.
func (nm *NodeManager) Limits() Limits { return nm.opts.limits }

// Namespaces implements BaseNodeManager.
func (nm *NodeManager) Namespaces() []*Namespace {
	return append([]*Namespace(nil), nm.namespaces...)
}

// Resolve implements BaseNodeManager.
func (nm *NodeManager) Resolve(ctx context.Context, id opcua.NodeID, index int) (*NodeHandle, error) {
	return nm.resolver.Resolve(ctx, id, index)
}

// GetPermissionMetadata implements PermissionValidator.
func (nm *NodeManager) GetPermissionMetadata(ctx context.Context, h *NodeHandle, mask ResultMask, cache MetadataCache, permissionsOnly bool) (*NodeMetadata, error) {
	return nm.gate.GetPermissionMetadata(ctx, h, mask, cache, permissionsOnly)
}

// ValidateRolePermissions implements PermissionValidator.
func (nm *NodeManager) ValidateRolePermissions(ctx context.Context, nodeID opcua.NodeID, requested opcua.PermissionType, cache MetadataCache) error {
	return nm.gate.ValidateRolePermissions(ctx, nodeID, requested, cache)
}

// ValidateEventRolePermissions implements PermissionValidator.
func (nm *NodeManager) ValidateEventRolePermissions(ctx context.Context, item *MonitoredItem, filterTarget opcua.NodeID, cache MetadataCache) error {
	return nm.gate.ValidateEventRolePermissions(ctx, item, filterTarget, cache)
}

// Subscription returns the subscription with the given id.
func (nm *NodeManager) Subscription(id uint32) (*Subscription, bool) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	sub, ok := nm.subs[id]
	return sub, ok
}

// Subscriptions returns the subscriptions of a session.
func (nm *NodeManager) Subscriptions(sessionID string) []*Subscription {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	out := make([]*Subscription, 0, len(nm.bySession[sessionID]))
	for _, sub := range nm.bySession[sessionID] {
		out = append(out, sub)
	}
	return out
}

// Orphans returns the subscriptions whose session closed without deleting
// them.
func (nm *NodeManager) Orphans() []*Subscription {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	out := make([]*Subscription, 0, len(nm.orphans))
	for _, sub := range nm.orphans {
		out = append(out, sub)
	}
	return out
}

// subscriptionFor returns subscription id if the session in ctx owns it.
// Without a session in ctx any subscription is returned.
func (nm *NodeManager) subscriptionFor(ctx context.Context, id uint32) (*Subscription, error) {
	nm.mu.Lock()
	sub, ok := nm.subs[id]
	nm.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("subscription %d: %w", id, opcua.ErrSubscriptionNotFound)
	}
	if s, ok := SessionFromContext(ctx); ok && sub.SessionID() != s.ID() {
		return nil, fmt.Errorf("subscription %d: %w", id, opcua.ErrSubscriptionNotFound)
	}
	return sub, nil
}

// forgetLocked drops sub from the manager's maps. The caller holds nm.mu.
func (nm *NodeManager) forgetLocked(sub *Subscription) bool {
	if _, ok := nm.subs[sub.id]; !ok {
		return false
	}
	delete(nm.subs, sub.id)
	delete(nm.orphans, sub.id)
	if m := nm.bySession[sub.SessionID()]; m != nil {
		delete(m, sub.id)
		if len(m) == 0 {
			delete(nm.bySession, sub.SessionID())
		}
	}
	return true
}

// detachItemLocked removes item from its node's registry entry and drops
// the entry once empty. The caller holds the node table write lock.
func (nm *NodeManager) detachItemLocked(item *MonitoredItem) {
	m := item.monitored
	if m == nil {
		return
	}
	m.detach(item)
	if nm.table.releaseMonitoredNodeLocked(m) {
		nm.metrics.MonitoredNodes.Dec()
	}
}

func (nm *NodeManager) onLifecycle(ctx context.Context, ev LifecycleEvent) {
	switch ev.Kind {
	case SessionClosing:
		nm.SessionClosing(ctx, ev.SessionID, ev.DeleteSubscriptions)
	case SubscriptionExpired:
		if sub, ok := nm.Subscription(ev.SubscriptionID); ok {
			nm.deleteSubscription(ctx, sub)
		}
	}
}

// SessionClosing implements SessionCloser. Under the node table lock it
// detaches every monitored item of the session's subscriptions, then deletes
// the subscriptions or, when deleteSubscriptions is false, keeps them as
// orphans. With deleteSubscriptions, orphans left by an earlier call for the
// same session are deleted too; otherwise a repeated call does nothing.
func (nm *NodeManager) SessionClosing(ctx context.Context, sessionID string, deleteSubscriptions bool) {
	var subs []*Subscription
	items := 0

	nm.table.update(func() error {
		nm.mu.Lock()
		for _, sub := range nm.bySession[sessionID] {
			subs = append(subs, sub)
			if deleteSubscriptions {
				delete(nm.subs, sub.id)
			} else {
				nm.orphans[sub.id] = sub
			}
		}
		delete(nm.bySession, sessionID)
		if deleteSubscriptions {
			for id, sub := range nm.orphans {
				if sub.SessionID() == sessionID {
					subs = append(subs, sub)
					delete(nm.orphans, id)
					delete(nm.subs, id)
				}
			}
		}
		nm.mu.Unlock()

		for _, sub := range subs {
			if deleteSubscriptions {
				detached := sub.close()
				for _, it := range detached {
					nm.detachItemLocked(it)
				}
				items += len(detached)
				continue
			}
			for _, it := range sub.Items() {
				nm.detachItemLocked(it)
				if sub.removeItem(it) {
					items++
				}
			}
		}
		return nil
	})

	if len(subs) == 0 {
		return
	}
	nm.metrics.MonitoredItems.Add(-int64(items))
	nm.logger.Info("session subscriptions released",
		slog.String("session_id", sessionID),
		slog.Int("subscriptions", len(subs)),
		slog.Int("monitored_items", items),
		slog.Bool("deleted", deleteSubscriptions),
	)
	if deleteSubscriptions {
		nm.metrics.ActiveSubscriptions.Add(-int64(len(subs)))
		for _, sub := range subs {
			nm.events.Publish(LifecycleEvent{Kind: SubscriptionDeleted, SessionID: sessionID, SubscriptionID: sub.id})
		}
	}
}

// RegisterView adds a view. The view node is created under the Views
// folder when the address space does not have it yet.
func (nm *NodeManager) RegisterView(ctx context.Context, v View) error {
	if v.ID.IsNull() {
		return fmt.Errorf("view: %w", opcua.ErrInvalidNodeID)
	}
	if len(v.ReferenceTypes) == 0 {
		v.ReferenceTypes = []opcua.NodeID{opcua.RefHierarchicalReferences}
	}
	err := nm.table.update(func() error {
		if _, ok := nm.table.lookupLocked(v.Root); !ok {
			return fmt.Errorf("view root %s: %w", v.Root.Key(), opcua.ErrNodeNotFound)
		}
		if _, ok := nm.table.lookupLocked(v.ID); ok {
			return nil
		}
		name := v.Name
		if name == "" {
			name = v.ID.Key()
		}
		return nm.table.addNodeLocked(NewNode(v.ID, opcua.NodeClassView, name), opcua.ViewsFolder, opcua.RefOrganizes)
	})
	if err != nil {
		return err
	}

	nm.mu.Lock()
	nm.views[v.ID.Key()] = &v
	nm.mu.Unlock()
	return nil
}

// IsNodeInView implements BaseNodeManager. The null view contains every
// node. An unknown view contains none.
func (nm *NodeManager) IsNodeInView(ctx context.Context, viewID opcua.NodeID, h *NodeHandle) bool {
	if h == nil {
		return false
	}
	if !h.Validated && nm.resolver.Validate(ctx, h) != nil {
		return false
	}
	if viewID.IsNull() {
		return true
	}

	nm.mu.Lock()
	v, ok := nm.views[viewID.Key()]
	nm.mu.Unlock()
	if !ok {
		return false
	}

	target := h.Node().ID
	var found bool
	nm.table.view(func() error {
		found = nm.reachableLocked(v, target)
		return nil
	})
	return found
}

// reachableLocked runs a breadth-first search from the view root.
func (nm *NodeManager) reachableLocked(v *View, target opcua.NodeID) bool {
	visited := map[string]bool{v.Root.Key(): true}
	queue := []opcua.NodeID{v.Root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.Equal(target) {
			return true
		}
		n, ok := nm.table.lookupLocked(cur)
		if !ok {
			continue
		}
		for _, r := range n.refs {
			if !r.IsForward || visited[r.Target.Key()] || !nm.permittedLocked(v, r.TypeID) {
				continue
			}
			visited[r.Target.Key()] = true
			queue = append(queue, r.Target)
		}
	}
	return false
}

func (nm *NodeManager) permittedLocked(v *View, refType opcua.NodeID) bool {
	for _, t := range v.ReferenceTypes {
		if nm.table.isSubtypeOfLocked(refType, t) {
			return true
		}
	}
	return false
}

// Close deletes every subscription and stops the manager.
func (nm *NodeManager) Close() error {
	nm.mu.Lock()
	if nm.closed {
		nm.mu.Unlock()
		return nil
	}
	nm.closed = true
	subs := make([]*Subscription, 0, len(nm.subs))
	for _, sub := range nm.subs {
		subs = append(subs, sub)
	}
	nm.subs = make(map[uint32]*Subscription)
	nm.bySession = make(map[string]map[uint32]*Subscription)
	nm.orphans = make(map[uint32]*Subscription)
	nm.mu.Unlock()

	nm.unsubscribe()
	nm.table.update(func() error {
		for _, sub := range subs {
			items := sub.close()
			for _, it := range items {
				nm.detachItemLocked(it)
			}
			nm.metrics.MonitoredItems.Add(-int64(len(items)))
		}
		return nil
	})
	nm.metrics.ActiveSubscriptions.Add(-int64(len(subs)))

	if nm.ownsEvents {
		nm.events.Close()
	}
	nm.logger.Info("node manager closed", slog.Int("subscriptions", len(subs)))
	return nil
}

func (nm *NodeManager) observe(svc opcua.ServiceID, start time.Time, err error) {
	nm.metrics.observe(svc, start, nm.clock.Now(), err)
}
