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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/edgeo-scada/opcua-engine"
)

// SubscriptionState is the publishing state of a subscription.
type SubscriptionState int32

// Subscription states.
const (
	StateIdle SubscriptionState = iota
	StateNotificationsAvailable
	StateWaitingForPublish
	StateExpired
)

// String returns the string representation of a SubscriptionState.
func (s SubscriptionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateNotificationsAvailable:
		return "NotificationsAvailable"
	case StateWaitingForPublish:
		return "WaitingForPublish"
	case StateExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// NotificationMessage is the payload of one publish response.
type NotificationMessage struct {
	SubscriptionID uint32
	// SequenceNumber of the message. Keep-alive and empty messages carry
	// the next number without consuming it.
	SequenceNumber    uint32
	PublishTime       time.Time
	DataChanges       []Notification
	Events            []Notification
	MoreNotifications bool
	// DataLoss is set when at least one drained item had overflowed.
	DataLoss  bool
	KeepAlive bool
}

// Len returns the number of notifications carried.
func (m *NotificationMessage) Len() int {
	return len(m.DataChanges) + len(m.Events)
}

type publishRequest struct {
	done     chan struct{}
	msg      *NotificationMessage
	err      error
	received time.Time
}

// Subscription groups monitored items whose notifications are delivered
// together, and runs the publishing state machine.
//
// Its lock guards the state, the ready set and the item map. It may be taken
// while holding the node table lock, never the other way round. Items
// release their own lock before calling into the subscription.
type Subscription struct {
	id      uint32
	session *Session
	logger  *slog.Logger
	clock   clock.Clock
	metrics *EngineMetrics
	audit   AuditSink
	events  *Dispatcher
	limits  Limits

	onOverflow func(*Subscription)

	expired atomic.Bool

	mu               sync.Mutex
	opts             subscriptionOptions
	state            SubscriptionState
	items            map[uint32]*MonitoredItem
	ready            []*MonitoredItem
	inReady          map[*MonitoredItem]struct{}
	pending          *publishRequest
	seq              uint32
	retransmit       []*NotificationMessage
	lifetimeCounter  uint32
	keepAliveCounter uint32
	withData         map[*MonitoredItem]struct{}

	resetCh   chan time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
}

type subscriptionDeps struct {
	logger     *slog.Logger
	clock      clock.Clock
	metrics    *EngineMetrics
	audit      AuditSink
	events     *Dispatcher
	limits     Limits
	onOverflow func(*Subscription)
}

func newSubscription(id uint32, session *Session, deps subscriptionDeps, opts *subscriptionOptions) *Subscription {
	if deps.logger == nil {
		deps.logger = slog.Default()
	}
	if deps.clock == nil {
		deps.clock = clock.New()
	}
	if deps.metrics == nil {
		deps.metrics = NewEngineMetrics()
	}
	if deps.audit == nil {
		deps.audit = NopAuditSink{}
	}
	return &Subscription{
		id:         id,
		session:    session,
		logger:     deps.logger.With(slog.Uint64("subscription_id", uint64(id))),
		clock:      deps.clock,
		metrics:    deps.metrics,
		audit:      deps.audit,
		events:     deps.events,
		limits:     deps.limits,
		onOverflow: deps.onOverflow,
		opts:       *opts,
		items:      make(map[uint32]*MonitoredItem),
		inReady:    make(map[*MonitoredItem]struct{}),
		withData:   make(map[*MonitoredItem]struct{}),
		resetCh:    make(chan time.Duration, 1),
		stopCh:     make(chan struct{}),
	}
}

// ID returns the server-unique subscription identifier.
func (s *Subscription) ID() uint32 { return s.id }

// Session returns the owning session.
func (s *Subscription) Session() *Session { return s.session }

// SessionID returns the id of the owning session.
func (s *Subscription) SessionID() string {
	if s.session == nil {
		return ""
	}
	return s.session.ID()
}

// State returns the current publishing state.
func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PublishingInterval returns the revised publishing interval.
func (s *Subscription) PublishingInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.publishingInterval
}

// LifetimeCount returns the revised lifetime count.
func (s *Subscription) LifetimeCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.lifetimeCount
}

// MaxKeepAliveCount returns the revised keep-alive count.
func (s *Subscription) MaxKeepAliveCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.maxKeepAliveCount
}

// PublishingEnabled reports whether notifications are being published.
func (s *Subscription) PublishingEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.publishingEnabled
}

// ItemCount returns the number of monitored items.
func (s *Subscription) ItemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Item returns the monitored item with the given id.
func (s *Subscription) Item(id uint32) (*MonitoredItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	return it, ok
}

// Items returns a copy of the monitored items.
func (s *Subscription) Items() []*MonitoredItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*MonitoredItem, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	return out
}

// ReadyCount returns the number of items with notifications to publish.
func (s *Subscription) ReadyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

// PendingCount returns the number of items holding queued notifications,
// including items in sampling mode that are not ready to publish.
func (s *Subscription) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.withData)
}

func (s *Subscription) isExpired() bool {
	return s.expired.Load()
}

func (s *Subscription) addItem(item *MonitoredItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateExpired {
		return opcua.ErrSubscriptionExpired
	}
	if s.limits.MaxItemsPerSubscription > 0 && len(s.items) >= s.limits.MaxItemsPerSubscription {
		return opcua.NewOPCUAError(opcua.ServiceCreateMonitoredItems, opcua.StatusBadTooManyMonitoredItems, "")
	}
	s.items[item.id] = item
	return nil
}

// removeItem forgets item and detaches it. Safe to call concurrently with a
// drain: the drain works on a copy of the ready set and a detached item
// yields nothing.
func (s *Subscription) removeItem(item *MonitoredItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.id]; !ok {
		return false
	}
	delete(s.items, item.id)
	s.removeReadyLocked(item)
	s.forgetDataLocked(item)
	item.detach()
	if s.state == StateNotificationsAvailable && len(s.ready) == 0 {
		s.state = StateIdle
	}
	return true
}

func (s *Subscription) removeReadyLocked(item *MonitoredItem) {
	if _, ok := s.inReady[item]; !ok {
		return
	}
	delete(s.inReady, item)
	for i, it := range s.ready {
		if it == item {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			break
		}
	}
}

// itemNotificationsAvailable is called when an item's queue goes from empty
// to non-empty.
func (s *Subscription) itemNotificationsAvailable(item *MonitoredItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateExpired {
		return
	}
	if _, ok := s.items[item.id]; !ok {
		return
	}
	if _, ok := s.withData[item]; ok || item.Len() == 0 {
		return
	}
	s.withData[item] = struct{}{}
	s.metrics.ItemsWithData.Inc()
	s.logger.Debug("notifications available", slog.Uint64("item_id", uint64(item.id)))
}

// itemQueueCleared is called when an item's queue was emptied without a
// drain.
func (s *Subscription) itemQueueCleared(item *MonitoredItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgetDataLocked(item)
}

func (s *Subscription) forgetDataLocked(item *MonitoredItem) {
	if _, ok := s.withData[item]; ok {
		delete(s.withData, item)
		s.metrics.ItemsWithData.Dec()
	}
}

func (s *Subscription) forgetAllDataLocked() {
	s.metrics.ItemsWithData.Add(-int64(len(s.withData)))
	s.withData = make(map[*MonitoredItem]struct{})
}

// itemNoLongerReady is called when an item leaves reporting mode.
func (s *Subscription) itemNoLongerReady(item *MonitoredItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeReadyLocked(item)
	if s.state == StateNotificationsAvailable && len(s.ready) == 0 {
		s.state = StateIdle
	}
}

// itemReadyToPublish registers item in the ready set. A parked publish
// request is serviced right away.
func (s *Subscription) itemReadyToPublish(item *MonitoredItem) {
	s.mu.Lock()
	if s.state == StateExpired {
		s.mu.Unlock()
		return
	}
	if _, ok := s.items[item.id]; !ok {
		s.mu.Unlock()
		return
	}
	if _, ok := s.inReady[item]; !ok {
		s.inReady[item] = struct{}{}
		s.ready = append(s.ready, item)
	}

	var dataLoss bool
	switch s.state {
	case StateIdle:
		s.state = StateNotificationsAvailable
	case StateWaitingForPublish:
		if s.opts.publishingEnabled {
			dataLoss = s.servicePendingLocked()
		}
	}
	s.mu.Unlock()

	if dataLoss {
		s.queueOverflowHandler()
	}
}

// servicePendingLocked answers the parked request with a drain.
func (s *Subscription) servicePendingLocked() bool {
	req := s.pending
	s.pending = nil
	msg := s.drainLocked()
	s.completeLocked(req, msg, nil)
	return msg.DataLoss
}

func (s *Subscription) completeLocked(req *publishRequest, msg *NotificationMessage, err error) {
	req.msg = msg
	req.err = err
	if err == nil {
		s.metrics.PublishResponses.Inc()
		s.metrics.NotificationsSent.Add(int64(msg.Len()))
		s.metrics.PublishLatency.Observe(s.clock.Since(req.received))
	}
	close(req.done)
}

// drainLocked drains the ready items into one message and settles the
// state to Idle or NotificationsAvailable.
func (s *Subscription) drainLocked() *NotificationMessage {
	items := append([]*MonitoredItem(nil), s.ready...)
	msg := &NotificationMessage{
		SubscriptionID: s.id,
		PublishTime:    s.clock.Now(),
	}

	budget := int(s.opts.maxNotifications)
	var still []*MonitoredItem
	count := 0
	for _, it := range items {
		if budget > 0 && count >= budget {
			still = append(still, it)
			continue
		}
		max := 0
		if budget > 0 {
			max = budget - count
		}
		notes, overflow, remaining := it.drain(max)
		if overflow {
			msg.DataLoss = true
		}
		for _, n := range notes {
			if n.Event != nil {
				msg.Events = append(msg.Events, n)
			} else {
				msg.DataChanges = append(msg.DataChanges, n)
			}
		}
		count += len(notes)
		if remaining > 0 {
			still = append(still, it)
		} else {
			delete(s.inReady, it)
			s.forgetDataLocked(it)
		}
	}
	s.ready = still
	msg.MoreNotifications = len(still) > 0

	if msg.Len() > 0 {
		s.seq++
		msg.SequenceNumber = s.seq
		s.retransmit = append(s.retransmit, msg)
		if max := s.limits.MaxRetransmissionQueue; max > 0 && len(s.retransmit) > max {
			s.retransmit = s.retransmit[len(s.retransmit)-max:]
		}
	} else {
		msg.SequenceNumber = s.seq + 1
	}

	if len(s.ready) > 0 {
		s.state = StateNotificationsAvailable
	} else {
		s.state = StateIdle
	}
	s.keepAliveCounter = 0
	return msg
}

// queueOverflowHandler is invoked once per drain that observed an overflow.
// It runs without the subscription lock.
func (s *Subscription) queueOverflowHandler() {
	s.metrics.QueueOverflows.Inc()
	s.logger.Warn("monitored item queue overflow")
	s.audit.QueueOverflow(context.Background(), s.id, s.SessionID())
	if s.onOverflow != nil {
		s.onOverflow(s)
	}
}

// Publish waits for the next notification message. It returns immediately
// when notifications are available. Otherwise the request is parked until an
// item becomes ready, a keep-alive is due, the subscription expires or ctx
// ends; in the last case the request is withdrawn. Only one request may be
// parked at a time.
func (s *Subscription) Publish(ctx context.Context) (*NotificationMessage, error) {
	s.metrics.PublishRequests.Inc()

	s.mu.Lock()
	if s.state == StateExpired {
		s.mu.Unlock()
		return nil, opcua.ErrSubscriptionExpired
	}
	if s.pending != nil {
		s.mu.Unlock()
		return nil, opcua.NewOPCUAError(opcua.ServicePublish, opcua.StatusBadTooManyPublishRequests, "")
	}
	s.lifetimeCounter = 0

	if s.state == StateNotificationsAvailable && s.opts.publishingEnabled {
		msg := s.drainLocked()
		s.mu.Unlock()
		s.metrics.PublishResponses.Inc()
		s.metrics.NotificationsSent.Add(int64(msg.Len()))
		if msg.DataLoss {
			s.queueOverflowHandler()
		}
		return msg, nil
	}

	req := &publishRequest{done: make(chan struct{}), received: s.clock.Now()}
	s.pending = req
	s.state = StateWaitingForPublish
	s.mu.Unlock()

	select {
	case <-req.done:
		return req.msg, req.err
	case <-ctx.Done():
	}

	s.mu.Lock()
	if s.pending == req {
		s.pending = nil
		if s.state == StateWaitingForPublish {
			if len(s.ready) > 0 {
				s.state = StateNotificationsAvailable
			} else {
				s.state = StateIdle
			}
		}
		s.mu.Unlock()
		return nil, ctx.Err()
	}
	s.mu.Unlock()

	// Serviced while we were withdrawing.
	<-req.done
	return req.msg, req.err
}

// Drain returns whatever is ready without waiting. With nothing ready it
// returns an empty message and leaves the state unchanged.
func (s *Subscription) Drain(ctx context.Context) (*NotificationMessage, error) {
	s.mu.Lock()
	if s.state == StateExpired {
		s.mu.Unlock()
		return nil, opcua.ErrSubscriptionExpired
	}
	if s.state != StateNotificationsAvailable {
		msg := &NotificationMessage{SubscriptionID: s.id, SequenceNumber: s.seq + 1, PublishTime: s.clock.Now()}
		s.mu.Unlock()
		return msg, nil
	}
	s.lifetimeCounter = 0
	msg := s.drainLocked()
	s.mu.Unlock()

	s.metrics.NotificationsSent.Add(int64(msg.Len()))
	if msg.DataLoss {
		s.queueOverflowHandler()
	}
	return msg, nil
}

// Acknowledge releases retransmission entries. The result holds one status
// per sequence number.
func (s *Subscription) Acknowledge(seqs ...uint32) []opcua.StatusCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]opcua.StatusCode, len(seqs))
	for i, seq := range seqs {
		results[i] = opcua.StatusBadSequenceNumberUnknown
		for j, m := range s.retransmit {
			if m.SequenceNumber == seq {
				s.retransmit = append(s.retransmit[:j], s.retransmit[j+1:]...)
				results[i] = opcua.StatusGood
				break
			}
		}
	}
	return results
}

// Republish returns an unacknowledged message again.
func (s *Subscription) Republish(seq uint32) (*NotificationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateExpired {
		return nil, opcua.ErrSubscriptionExpired
	}
	for _, m := range s.retransmit {
		if m.SequenceNumber == seq {
			return m, nil
		}
	}
	return nil, opcua.NewOPCUAError(opcua.ServiceRepublish, opcua.StatusBadMessageNotAvailable, "")
}

// AvailableSequenceNumbers lists the messages held for retransmission.
func (s *Subscription) AvailableSequenceNumbers() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, len(s.retransmit))
	for i, m := range s.retransmit {
		out[i] = m.SequenceNumber
	}
	return out
}

// SetPublishingEnabled turns publishing on or off. Re-enabling services a
// parked request if items are ready.
func (s *Subscription) SetPublishingEnabled(enabled bool) error {
	s.mu.Lock()
	if s.state == StateExpired {
		s.mu.Unlock()
		return opcua.ErrSubscriptionExpired
	}
	s.opts.publishingEnabled = enabled
	var dataLoss bool
	if enabled && s.pending != nil && len(s.ready) > 0 {
		dataLoss = s.servicePendingLocked()
	}
	s.mu.Unlock()

	if dataLoss {
		s.queueOverflowHandler()
	}
	return nil
}

// Modify applies new subscription parameters.
func (s *Subscription) Modify(opts ...SubscriptionOption) error {
	s.mu.Lock()
	if s.state == StateExpired {
		s.mu.Unlock()
		return opcua.ErrSubscriptionExpired
	}
	o := s.opts
	for _, opt := range opts {
		opt(&o)
	}
	o.revise(s.limits)
	changed := o.publishingInterval != s.opts.publishingInterval
	s.opts = o
	s.mu.Unlock()

	if changed {
		select {
		case s.resetCh <- o.publishingInterval:
		default:
			// A reset is already queued; the loop reads the interval from opts.
		}
	}
	return nil
}

// Expire moves the subscription to its terminal state. A parked publish
// request fails with ErrSubscriptionExpired. Calling Expire again is a no-op.
func (s *Subscription) Expire() {
	s.mu.Lock()
	changed := s.expireLocked()
	s.mu.Unlock()
	if changed {
		s.afterExpire()
	}
}

func (s *Subscription) expireLocked() bool {
	if s.state == StateExpired {
		return false
	}
	s.state = StateExpired
	s.expired.Store(true)
	s.ready = nil
	s.inReady = make(map[*MonitoredItem]struct{})
	s.forgetAllDataLocked()
	if s.pending != nil {
		req := s.pending
		s.pending = nil
		s.completeLocked(req, nil, opcua.ErrSubscriptionExpired)
	}
	return true
}

func (s *Subscription) afterExpire() {
	s.stop()
	s.metrics.SubscriptionsExpired.Inc()
	s.logger.Info("subscription expired")
	if s.events != nil {
		s.events.Publish(LifecycleEvent{Kind: SubscriptionExpired, SessionID: s.SessionID(), SubscriptionID: s.id})
	}
}

// start runs the publishing timer.
func (s *Subscription) start() {
	s.startOnce.Do(func() {
		go s.run(s.PublishingInterval())
	})
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *Subscription) run(interval time.Duration) {
	t := s.clock.Ticker(interval)
	defer func() { t.Stop() }()
	for {
		select {
		case <-t.C:
			s.tick()
		case <-s.resetCh:
			t.Stop()
			t = s.clock.Ticker(s.PublishingInterval())
		case <-s.stopCh:
			return
		}
	}
}

// tick runs one publishing cycle: it answers a parked request with data or,
// after maxKeepAliveCount idle cycles, with a keep-alive, and counts cycles
// without any request towards the lifetime.
func (s *Subscription) tick() {
	s.mu.Lock()
	if s.state == StateExpired {
		s.mu.Unlock()
		return
	}

	var dataLoss, expired bool
	switch {
	case s.pending != nil && len(s.ready) > 0 && s.opts.publishingEnabled:
		dataLoss = s.servicePendingLocked()
	case s.pending != nil:
		s.keepAliveCounter++
		if s.keepAliveCounter >= s.opts.maxKeepAliveCount {
			req := s.pending
			s.pending = nil
			s.keepAliveCounter = 0
			msg := &NotificationMessage{
				SubscriptionID: s.id,
				SequenceNumber: s.seq + 1,
				PublishTime:    s.clock.Now(),
				KeepAlive:      true,
			}
			if len(s.ready) > 0 {
				s.state = StateNotificationsAvailable
			} else {
				s.state = StateIdle
			}
			s.metrics.KeepAlives.Inc()
			s.completeLocked(req, msg, nil)
		}
	default:
		s.lifetimeCounter++
		if s.lifetimeCounter >= s.opts.lifetimeCount {
			expired = s.expireLocked()
		}
	}
	s.mu.Unlock()

	if dataLoss {
		s.queueOverflowHandler()
	}
	if expired {
		s.afterExpire()
	}
}

// close stops the timer and detaches every item. The caller holds the node
// table write lock and removes the items from their nodes.
func (s *Subscription) close() []*MonitoredItem {
	s.stop()
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]*MonitoredItem, 0, len(s.items))
	for _, it := range s.items {
		items = append(items, it)
		it.detach()
	}
	s.items = make(map[uint32]*MonitoredItem)
	s.ready = nil
	s.inReady = make(map[*MonitoredItem]struct{})
	s.forgetAllDataLocked()
	if s.pending != nil {
		req := s.pending
		s.pending = nil
		s.completeLocked(req, nil, opcua.NewOPCUAError(opcua.ServicePublish, opcua.StatusBadNoSubscription, ""))
	}
	if s.state != StateExpired {
		s.state = StateIdle
	}
	return items
}
