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

	"github.com/edgeo-scada/opcua-engine"
)

// MonitoredItemCreateRequest asks for one monitored item.
type MonitoredItemCreateRequest struct {
	ItemToMonitor  opcua.ReadValueID
	MonitoringMode opcua.MonitoringMode
	Parameters     opcua.MonitoringParameters
}

// MonitoredItemCreateResult is the outcome of one create request.
type MonitoredItemCreateResult struct {
	StatusCode              opcua.StatusCode
	MonitoredItemID         uint32
	RevisedSamplingInterval time.Duration
	RevisedQueueSize        uint32
	Item                    *MonitoredItem
}

// MonitoredItemModifyRequest asks for new parameters of one item.
type MonitoredItemModifyRequest struct {
	MonitoredItemID uint32
	Parameters      opcua.MonitoringParameters
}

// MonitoredItemModifyResult is the outcome of one modify request.
type MonitoredItemModifyResult struct {
	StatusCode              opcua.StatusCode
	RevisedSamplingInterval time.Duration
	RevisedQueueSize        uint32
}

// CreateSubscription creates a subscription owned by the session in ctx and
// starts its publishing timer.
func (nm *NodeManager) CreateSubscription(ctx context.Context, opts ...SubscriptionOption) (*Subscription, error) {
	start := nm.clock.Now()
	sub, err := nm.createSubscription(ctx, opts)
	nm.observe(opcua.ServiceCreateSubscription, start, err)
	return sub, err
}

func (nm *NodeManager) createSubscription(ctx context.Context, opts []SubscriptionOption) (*Subscription, error) {
	session, ok := SessionFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("create subscription: %w", opcua.ErrSessionNotFound)
	}
	limits := nm.opts.limits
	o := defaultSubscriptionOptions(limits)
	for _, opt := range opts {
		opt(o)
	}
	o.revise(limits)

	nm.mu.Lock()
	if nm.closed {
		nm.mu.Unlock()
		return nil, opcua.NewOPCUAError(opcua.ServiceCreateSubscription, opcua.StatusBadShutdown, "")
	}
	if max := limits.MaxSubscriptionsPerSession; max > 0 && len(nm.bySession[session.ID()]) >= max {
		nm.mu.Unlock()
		return nil, opcua.NewOPCUAError(opcua.ServiceCreateSubscription, opcua.StatusBadTooManySubscriptions, "")
	}
	id := nm.nextSubID.Add(1)
	sub := newSubscription(id, session, subscriptionDeps{
		logger:     nm.logger,
		clock:      nm.clock,
		metrics:    nm.metrics,
		audit:      nm.audit,
		events:     nm.events,
		limits:     limits,
		onOverflow: nm.opts.onOverflow,
	}, o)
	nm.subs[id] = sub
	if nm.bySession[session.ID()] == nil {
		nm.bySession[session.ID()] = make(map[uint32]*Subscription)
	}
	nm.bySession[session.ID()][id] = sub
	nm.mu.Unlock()

	nm.metrics.ActiveSubscriptions.Inc()
	sub.start()
	nm.logger.Info("subscription created",
		slog.Uint64("subscription_id", uint64(id)),
		slog.String("session_id", session.ID()),
		slog.Duration("publishing_interval", o.publishingInterval),
	)
	nm.events.Publish(LifecycleEvent{Kind: SubscriptionCreated, SessionID: session.ID(), SubscriptionID: id})
	return sub, nil
}

// ModifySubscription applies new parameters to a subscription.
func (nm *NodeManager) ModifySubscription(ctx context.Context, id uint32, opts ...SubscriptionOption) error {
	start := nm.clock.Now()
	sub, err := nm.subscriptionFor(ctx, id)
	if err == nil {
		err = sub.Modify(opts...)
	}
	nm.observe(opcua.ServiceModifySubscription, start, err)
	return err
}

// SetPublishingMode enables or disables publishing on each subscription.
func (nm *NodeManager) SetPublishingMode(ctx context.Context, enabled bool, ids ...uint32) []opcua.StatusCode {
	start := nm.clock.Now()
	results := make([]opcua.StatusCode, len(ids))
	for i, id := range ids {
		sub, err := nm.subscriptionFor(ctx, id)
		if err == nil {
			err = sub.SetPublishingEnabled(enabled)
		}
		results[i] = opcua.StatusOf(err)
	}
	nm.observe(opcua.ServiceSetPublishingMode, start, nil)
	return results
}

// DeleteSubscriptions deletes each subscription together with its items.
func (nm *NodeManager) DeleteSubscriptions(ctx context.Context, ids ...uint32) []opcua.StatusCode {
	start := nm.clock.Now()
	results := make([]opcua.StatusCode, len(ids))
	for i, id := range ids {
		sub, err := nm.subscriptionFor(ctx, id)
		if err == nil && !nm.deleteSubscription(ctx, sub) {
			err = fmt.Errorf("subscription %d: %w", id, opcua.ErrSubscriptionNotFound)
		}
		results[i] = opcua.StatusOf(err)
	}
	nm.observe(opcua.ServiceDeleteSubscriptions, start, nil)
	return results
}

func (nm *NodeManager) deleteSubscription(ctx context.Context, sub *Subscription) bool {
	nm.mu.Lock()
	removed := nm.forgetLocked(sub)
	nm.mu.Unlock()
	if !removed {
		return false
	}

	var items []*MonitoredItem
	nm.table.update(func() error {
		items = sub.close()
		for _, it := range items {
			nm.detachItemLocked(it)
		}
		return nil
	})

	nm.metrics.ActiveSubscriptions.Dec()
	nm.metrics.MonitoredItems.Add(-int64(len(items)))
	nm.logger.Info("subscription deleted",
		slog.Uint64("subscription_id", uint64(sub.id)),
		slog.Int("monitored_items", len(items)),
	)
	nm.events.Publish(LifecycleEvent{Kind: SubscriptionDeleted, SessionID: sub.SessionID(), SubscriptionID: sub.id})
	return true
}

// Publish waits for the next notification message of a subscription.
func (nm *NodeManager) Publish(ctx context.Context, id uint32) (*NotificationMessage, error) {
	start := nm.clock.Now()
	sub, err := nm.subscriptionFor(ctx, id)
	if err != nil {
		nm.observe(opcua.ServicePublish, start, err)
		return nil, err
	}
	msg, err := sub.Publish(ctx)
	nm.observe(opcua.ServicePublish, start, err)
	return msg, err
}

// Acknowledge releases retransmission entries of a subscription.
func (nm *NodeManager) Acknowledge(ctx context.Context, id uint32, seqs ...uint32) ([]opcua.StatusCode, error) {
	sub, err := nm.subscriptionFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return sub.Acknowledge(seqs...), nil
}

// Republish returns an unacknowledged message of a subscription again.
func (nm *NodeManager) Republish(ctx context.Context, id, seq uint32) (*NotificationMessage, error) {
	start := nm.clock.Now()
	sub, err := nm.subscriptionFor(ctx, id)
	var msg *NotificationMessage
	if err == nil {
		msg, err = sub.Republish(seq)
	}
	nm.observe(opcua.ServiceRepublish, start, err)
	return msg, err
}

// CreateMonitoredItems creates items on subscription id. Every request gets
// its own result; a failing request never affects the others. The returned
// error is set only when the subscription itself is unusable.
func (nm *NodeManager) CreateMonitoredItems(ctx context.Context, id uint32, reqs []MonitoredItemCreateRequest) ([]MonitoredItemCreateResult, error) {
	start := nm.clock.Now()
	sub, err := nm.subscriptionFor(ctx, id)
	if err != nil {
		nm.observe(opcua.ServiceCreateMonitoredItems, start, err)
		return nil, err
	}

	specs := make([]itemSpec, len(reqs))
	for i, r := range reqs {
		opts := MonitoringParametersOptions(r.Parameters)
		opts = append(opts, WithMonitoringMode(r.MonitoringMode))
		specs[i] = itemSpec{target: r.ItemToMonitor, opts: opts}
	}
	results := nm.createItems(ctx, sub, specs)
	nm.observe(opcua.ServiceCreateMonitoredItems, start, nil)
	return results, nil
}

// Monitor creates a single item on subscription id.
func (nm *NodeManager) Monitor(ctx context.Context, id uint32, target opcua.ReadValueID, opts ...MonitoredItemOption) (*MonitoredItem, error) {
	sub, err := nm.subscriptionFor(ctx, id)
	if err != nil {
		return nil, err
	}
	res := nm.createItems(ctx, sub, []itemSpec{{target: target, opts: opts}})[0]
	if !res.StatusCode.IsGood() {
		return nil, opcua.NewOPCUAError(opcua.ServiceCreateMonitoredItems, res.StatusCode, target.NodeID.Key())
	}
	return res.Item, nil
}

type itemSpec struct {
	target opcua.ReadValueID
	opts   []MonitoredItemOption
}

type itemCandidate struct {
	index  int
	handle *NodeHandle
	item   *MonitoredItem
}

// createItems resolves, validates and checks every spec outside the node
// table lock, then attaches the survivors in one write-locked pass and
// queues their initial value.
func (nm *NodeManager) createItems(ctx context.Context, sub *Subscription, specs []itemSpec) []MonitoredItemCreateResult {
	limits := nm.opts.limits
	publishing := sub.PublishingInterval()
	cache := NewPermissionCache()
	results := make([]MonitoredItemCreateResult, len(specs))
	var candidates []itemCandidate

	for i, sp := range specs {
		o := defaultMonitoredItemOptions(limits)
		for _, opt := range sp.opts {
			opt(o)
		}
		o.revise(limits, publishing)

		h, err := nm.resolver.Resolve(ctx, sp.target.NodeID, i)
		if err == nil {
			err = nm.resolver.Validate(ctx, h)
		}
		if err == nil {
			err = nm.checkItemTarget(ctx, h, sp.target, o, cache)
		}
		if err != nil {
			results[i].StatusCode = opcua.StatusOf(err)
			continue
		}

		item := newMonitoredItem(nm.nextItemID.Add(1), sub, sp.target, o)
		if err := sub.addItem(item); err != nil {
			results[i].StatusCode = opcua.StatusOf(err)
			continue
		}
		candidates = append(candidates, itemCandidate{index: i, handle: h, item: item})
		results[i] = MonitoredItemCreateResult{
			StatusCode:              opcua.StatusGood,
			MonitoredItemID:         item.id,
			RevisedSamplingInterval: o.samplingInterval,
			RevisedQueueSize:        o.queueSize,
			Item:                    item,
		}
	}

	nm.table.update(func() error {
		for _, c := range candidates {
			n := c.handle.Node()
			if cur, ok := nm.table.lookupLocked(n.ID); !ok || cur != n {
				// Deleted between validation and attach.
				sub.removeItem(c.item)
				results[c.index] = MonitoredItemCreateResult{StatusCode: opcua.StatusBadNodeIdUnknown}
				continue
			}
			created := n.monitored == nil
			m := nm.table.monitoredNodeLocked(n, true)
			if err := m.attach(c.item); err != nil {
				sub.removeItem(c.item)
				results[c.index] = MonitoredItemCreateResult{StatusCode: opcua.StatusOf(err)}
				continue
			}
			if created {
				nm.metrics.MonitoredNodes.Inc()
			}
			nm.metrics.MonitoredItems.Inc()
			if !c.item.IsEvent() {
				m.QueueValue(ctx, c.item)
			}
		}
		return nil
	})

	nm.logger.Debug("monitored items created",
		slog.Uint64("subscription_id", uint64(sub.id)),
		slog.Int("requested", len(specs)),
		slog.Int("created", len(candidates)),
	)
	return results
}

// checkItemTarget verifies the attribute can be monitored on the node and
// that the session may do so.
func (nm *NodeManager) checkItemTarget(ctx context.Context, h *NodeHandle, target opcua.ReadValueID, o *monitoredItemOptions, cache MetadataCache) error {
	if o.monitoringMode > opcua.MonitoringModeReporting {
		return opcua.NewOPCUAError(opcua.ServiceCreateMonitoredItems, opcua.StatusBadMonitoringModeInvalid, "")
	}

	n := h.Node()
	var (
		class    opcua.NodeClass
		notifier uint8
		access   uint8
	)
	nm.table.view(func() error {
		class, notifier, access = n.Class, n.EventNotifier, n.AccessLevel
		return nil
	})

	var requested opcua.PermissionType
	switch target.AttributeID {
	case opcua.AttributeEventNotifier:
		if class != opcua.NodeClassObject && class != opcua.NodeClassView {
			return opcua.NewOPCUAError(opcua.ServiceCreateMonitoredItems, opcua.StatusBadAttributeIdInvalid, n.ID.Key())
		}
		if notifier&opcua.EventNotifierSubscribeToEvents == 0 {
			return opcua.NewOPCUAError(opcua.ServiceCreateMonitoredItems, opcua.StatusBadNotSupported, "not an event notifier")
		}
		if err := o.eventFilter.validate(); err != nil {
			return err
		}
		requested = opcua.PermissionReceiveEvents
	case opcua.AttributeValue:
		if class != opcua.NodeClassVariable {
			return opcua.NewOPCUAError(opcua.ServiceCreateMonitoredItems, opcua.StatusBadAttributeIdInvalid, n.ID.Key())
		}
		if access&opcua.AccessLevelCurrentRead == 0 {
			return opcua.NewOPCUAError(opcua.ServiceCreateMonitoredItems, opcua.StatusBadNotReadable, n.ID.Key())
		}
		if o.eventFilter != nil {
			return opcua.NewOPCUAError(opcua.ServiceCreateMonitoredItems, opcua.StatusBadFilterNotAllowed, "")
		}
		requested = opcua.PermissionRead
	default:
		if o.eventFilter != nil {
			return opcua.NewOPCUAError(opcua.ServiceCreateMonitoredItems, opcua.StatusBadFilterNotAllowed, "")
		}
		requested = opcua.PermissionBrowse
	}
	return nm.gate.ValidateRolePermissions(ctx, n.ID, requested, cache)
}

// ModifyMonitoredItems applies new parameters to items of subscription id.
// The monitoring mode is not changed.
func (nm *NodeManager) ModifyMonitoredItems(ctx context.Context, id uint32, reqs []MonitoredItemModifyRequest) ([]MonitoredItemModifyResult, error) {
	start := nm.clock.Now()
	sub, err := nm.subscriptionFor(ctx, id)
	if err != nil {
		nm.observe(opcua.ServiceModifyMonitoredItems, start, err)
		return nil, err
	}

	limits := nm.opts.limits
	publishing := sub.PublishingInterval()
	results := make([]MonitoredItemModifyResult, len(reqs))
	for i, r := range reqs {
		item, ok := sub.Item(r.MonitoredItemID)
		if !ok {
			results[i].StatusCode = opcua.StatusBadMonitoredItemIdInvalid
			continue
		}
		o := defaultMonitoredItemOptions(limits)
		for _, opt := range MonitoringParametersOptions(r.Parameters) {
			opt(o)
		}
		o.revise(limits, publishing)
		if item.IsEvent() {
			if err := o.eventFilter.validate(); err != nil {
				results[i].StatusCode = opcua.StatusOf(err)
				continue
			}
		} else if o.eventFilter != nil {
			results[i].StatusCode = opcua.StatusBadFilterNotAllowed
			continue
		}
		if err := item.modify(o); err != nil {
			results[i].StatusCode = opcua.StatusOf(err)
			continue
		}
		results[i] = MonitoredItemModifyResult{
			StatusCode:              opcua.StatusGood,
			RevisedSamplingInterval: o.samplingInterval,
			RevisedQueueSize:        o.queueSize,
		}
	}
	nm.observe(opcua.ServiceModifyMonitoredItems, start, nil)
	return results, nil
}

// SetMonitoringMode changes the monitoring mode of items of subscription id.
func (nm *NodeManager) SetMonitoringMode(ctx context.Context, id uint32, mode opcua.MonitoringMode, itemIDs ...uint32) ([]opcua.StatusCode, error) {
	start := nm.clock.Now()
	sub, err := nm.subscriptionFor(ctx, id)
	if err != nil {
		nm.observe(opcua.ServiceSetMonitoringMode, start, err)
		return nil, err
	}

	results := make([]opcua.StatusCode, len(itemIDs))
	for i, itemID := range itemIDs {
		item, ok := sub.Item(itemID)
		if !ok {
			results[i] = opcua.StatusBadMonitoredItemIdInvalid
			continue
		}
		results[i] = opcua.StatusOf(item.setMonitoringMode(mode))
	}
	nm.observe(opcua.ServiceSetMonitoringMode, start, nil)
	return results, nil
}

// DeleteMonitoredItems removes items of subscription id from their nodes and
// from the subscription.
func (nm *NodeManager) DeleteMonitoredItems(ctx context.Context, id uint32, itemIDs ...uint32) ([]opcua.StatusCode, error) {
	start := nm.clock.Now()
	sub, err := nm.subscriptionFor(ctx, id)
	if err != nil {
		nm.observe(opcua.ServiceDeleteMonitoredItems, start, err)
		return nil, err
	}

	results := make([]opcua.StatusCode, len(itemIDs))
	nm.table.update(func() error {
		for i, itemID := range itemIDs {
			item, ok := sub.Item(itemID)
			if !ok {
				results[i] = opcua.StatusBadMonitoredItemIdInvalid
				continue
			}
			nm.detachItemLocked(item)
			if sub.removeItem(item) {
				nm.metrics.MonitoredItems.Dec()
			}
			results[i] = opcua.StatusGood
		}
		return nil
	})
	nm.observe(opcua.ServiceDeleteMonitoredItems, start, nil)
	return results, nil
}
