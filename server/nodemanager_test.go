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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/opcua-engine"
)

func TestNewNodeManager_FatalConfiguration(t *testing.T) {
	conflicting := NewNodeTable()
	conflicting.AddNamespace(&Namespace{Index: 2, URI: "urn:other"})

	tests := []struct {
		name       string
		namespaces []*Namespace
		opts       []NodeManagerOption
	}{
		{"empty", nil, nil},
		{"nil namespace", []*Namespace{nil}, nil},
		{"namespace zero", []*Namespace{{Index: 0, URI: "urn:zero"}}, nil},
		{"missing uri", []*Namespace{{Index: 2}}, nil},
		{"claimed twice", []*Namespace{{Index: 2, URI: "urn:a"}, {Index: 2, URI: "urn:b"}}, nil},
		{"conflicting table", []*Namespace{plantNamespace()}, []NodeManagerOption{WithNodeTable(conflicting)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]NodeManagerOption{WithLogger(discardLogger())}, tt.opts...)
			nm, err := NewNodeManager(tt.namespaces, opts...)
			require.ErrorIs(t, err, opcua.ErrFatalConfiguration)
			assert.Nil(t, nm)
			assert.Equal(t, opcua.StatusBadConfigurationError, opcua.StatusOf(err))
		})
	}
}

func TestNewNodeManager_SharedTable(t *testing.T) {
	table := NewNodeTable()
	table.AddNamespace(plantNamespace())

	nm, err := NewNodeManager([]*Namespace{plantNamespace()}, WithLogger(discardLogger()), WithNodeTable(table))
	require.NoError(t, err)
	defer nm.Close()

	assert.Same(t, table, nm.Table())
	require.Len(t, nm.Namespaces(), 1)
	assert.Equal(t, "urn:edgeo:test:plant", nm.Namespaces()[0].URI)
}

func TestCreateSubscription(t *testing.T) {
	t.Run("requires a session", func(t *testing.T) {
		p := newPlant(t)
		_, err := p.nm.CreateSubscription(context.Background())
		require.ErrorIs(t, err, opcua.ErrSessionNotFound)
		assert.Equal(t, int64(1), p.nm.Metrics().ForService(opcua.ServiceCreateSubscription).Errors.Value())
	})

	t.Run("revised parameters", func(t *testing.T) {
		p := newPlant(t)
		sub := p.subscribe(t, p.ctx,
			WithPublishingInterval(time.Millisecond),
			WithMaxKeepAliveCount(0),
			WithLifetimeCount(1),
		)
		assert.Equal(t, p.nm.Limits().MinPublishingInterval, sub.PublishingInterval())
		assert.Equal(t, uint32(1), sub.MaxKeepAliveCount())
		assert.Equal(t, uint32(3), sub.LifetimeCount())
		assert.Equal(t, p.observer.ID(), sub.SessionID())
		assert.Equal(t, int64(1), p.nm.Metrics().ActiveSubscriptions.Value())
	})

	t.Run("per session limit", func(t *testing.T) {
		limits := DefaultLimits()
		limits.MaxSubscriptionsPerSession = 1
		p := newPlant(t, WithLimits(limits))

		p.subscribe(t, p.ctx)
		_, err := p.nm.CreateSubscription(p.ctx)
		assert.Equal(t, opcua.StatusBadTooManySubscriptions, opcua.StatusOf(err))

		// The limit is per session.
		p.subscribe(t, p.as(p.operator))
	})

	t.Run("after close", func(t *testing.T) {
		p := newPlant(t)
		require.NoError(t, p.nm.Close())
		_, err := p.nm.CreateSubscription(p.ctx)
		assert.Equal(t, opcua.StatusBadShutdown, opcua.StatusOf(err))
	})
}

func TestCreateMonitoredItems_PerRequestResults(t *testing.T) {
	p := newPlant(t)
	writeOnly := NewNode(opcua.NewStringNodeID(2, "Setpoint"), opcua.NodeClassVariable, "Setpoint")
	writeOnly.AccessLevel = opcua.AccessLevelCurrentWrite
	require.NoError(t, p.nm.AddNode(p.ctx, writeOnly, boilerID, opcua.RefHasComponent))

	sub := p.subscribe(t, p.ctx)
	reporting := opcua.MonitoringModeReporting
	reqs := []MonitoredItemCreateRequest{
		{ItemToMonitor: valueItem(levelID), MonitoringMode: reporting, Parameters: opcua.MonitoringParameters{ClientHandle: 7, QueueSize: 2}},
		{ItemToMonitor: valueItem(opcua.NewStringNodeID(2, "Missing")), MonitoringMode: reporting},
		{ItemToMonitor: valueItem(secretID), MonitoringMode: reporting},
		{ItemToMonitor: valueItem(boilerID), MonitoringMode: reporting},
		{ItemToMonitor: valueItem(writeOnly.ID), MonitoringMode: reporting},
		{ItemToMonitor: eventItem(levelID), MonitoringMode: reporting},
		{ItemToMonitor: eventItem(valveID), MonitoringMode: reporting},
		{ItemToMonitor: eventItem(boilerID), MonitoringMode: reporting, Parameters: opcua.MonitoringParameters{QueueSize: 10}},
		{ItemToMonitor: valueItem(levelID), MonitoringMode: opcua.MonitoringMode(7)},
		{ItemToMonitor: valueItem(levelID), MonitoringMode: reporting, Parameters: opcua.MonitoringParameters{Filter: DefaultEventFilter()}},
		{ItemToMonitor: eventItem(boilerID), MonitoringMode: reporting, Parameters: opcua.MonitoringParameters{Filter: &EventFilter{}}},
		{ItemToMonitor: opcua.ReadValueID{NodeID: tempID, AttributeID: opcua.AttributeDisplayName}, MonitoringMode: reporting},
	}
	want := []opcua.StatusCode{
		opcua.StatusGood,
		opcua.StatusBadNodeIdUnknown,
		opcua.StatusBadUserAccessDenied,
		opcua.StatusBadAttributeIdInvalid,
		opcua.StatusBadNotReadable,
		opcua.StatusBadAttributeIdInvalid,
		opcua.StatusBadNotSupported,
		opcua.StatusGood,
		opcua.StatusBadMonitoringModeInvalid,
		opcua.StatusBadFilterNotAllowed,
		opcua.StatusBadEventFilterInvalid,
		opcua.StatusGood,
	}

	results, err := p.nm.CreateMonitoredItems(p.ctx, sub.ID(), reqs)
	require.NoError(t, err)
	require.Len(t, results, len(reqs))
	for i, r := range results {
		assert.Equal(t, want[i], r.StatusCode, "request %d", i)
		if r.StatusCode.IsGood() {
			assert.NotZero(t, r.MonitoredItemID, "request %d", i)
			assert.NotNil(t, r.Item, "request %d", i)
		} else {
			assert.Zero(t, r.MonitoredItemID, "request %d", i)
		}
	}

	assert.Equal(t, uint32(2), results[0].RevisedQueueSize)
	assert.Equal(t, time.Duration(0), results[0].RevisedSamplingInterval)
	assert.Equal(t, 3, sub.ItemCount())
	assert.Equal(t, int64(3), p.nm.Metrics().MonitoredItems.Value())
	assert.Equal(t, int64(3), p.nm.Metrics().MonitoredNodes.Value())
	assert.Equal(t, 3, p.nm.Table().MonitoredNodeCount())

	require.Len(t, p.audit.Denials(), 1)
	assert.True(t, p.audit.Denials()[0].NodeID.Equal(secretID))

	t.Run("initial values are queued", func(t *testing.T) {
		msg, err := p.nm.Publish(p.ctx, sub.ID())
		require.NoError(t, err)
		require.Len(t, msg.DataChanges, 2)
		assert.Empty(t, msg.Events)

		byHandle := map[uint32]Notification{}
		for _, n := range msg.DataChanges {
			byHandle[n.ClientHandle] = n
		}
		assert.Equal(t, int32(0), valueOf(t, byHandle[7]))
		assert.Equal(t, uint32(1), msg.SequenceNumber)
	})

	t.Run("unknown subscription", func(t *testing.T) {
		_, err := p.nm.CreateMonitoredItems(p.ctx, 999, reqs[:1])
		require.ErrorIs(t, err, opcua.ErrSubscriptionNotFound)
	})
}

func TestMonitor(t *testing.T) {
	p := newPlant(t)
	sub := p.subscribe(t, p.ctx)

	item, err := p.nm.Monitor(p.ctx, sub.ID(), valueItem(levelID), WithClientHandle(3))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), item.ClientHandle())
	assert.Same(t, sub, item.Subscription())
	assert.Equal(t, StateNotificationsAvailable, sub.State())

	_, err = p.nm.Monitor(p.ctx, sub.ID(), valueItem(secretID))
	require.Error(t, err)
	assert.Equal(t, opcua.StatusBadUserAccessDenied, opcua.StatusOf(err))
	assert.Contains(t, err.Error(), "BadUserAccessDenied")
}

func TestWriteValue(t *testing.T) {
	p := newPlant(t)
	sub := p.subscribe(t, p.ctx)

	exception, err := p.nm.Monitor(p.ctx, sub.ID(), valueItem(levelID), WithSamplingInterval(0), WithQueueSize(5), WithClientHandle(1))
	require.NoError(t, err)
	sampled, err := p.nm.Monitor(p.ctx, sub.ID(), valueItem(levelID), WithClientHandle(2))
	require.NoError(t, err)

	_, err = p.nm.Publish(p.ctx, sub.ID())
	require.NoError(t, err)

	t.Run("exception based items receive writes", func(t *testing.T) {
		require.NoError(t, p.nm.WriteValue(p.as(p.operator), levelID, intValue(5)))
		assert.Equal(t, 1, exception.Len())
		assert.Equal(t, 0, sampled.Len())

		n, ok := p.nm.Table().Lookup(levelID)
		require.True(t, ok)
		assert.Equal(t, int32(5), n.Value().Value.Value)
		assert.Equal(t, p.clock.Now(), n.Value().SourceTimestamp)

		msg, err := p.nm.Publish(p.ctx, sub.ID())
		require.NoError(t, err)
		require.Len(t, msg.DataChanges, 1)
		assert.Equal(t, uint32(1), msg.DataChanges[0].ClientHandle)
		assert.Equal(t, int32(5), valueOf(t, msg.DataChanges[0]))
	})

	t.Run("unchanged value is not queued", func(t *testing.T) {
		require.NoError(t, p.nm.WriteValue(p.as(p.operator), levelID, intValue(5)))
		assert.Equal(t, 0, exception.Len())
	})

	t.Run("write permission", func(t *testing.T) {
		err := p.nm.WriteValue(p.ctx, levelID, intValue(6))
		require.ErrorIs(t, err, opcua.ErrPermissionDenied)
		assert.Equal(t, 0, exception.Len())
	})

	t.Run("access level", func(t *testing.T) {
		err := p.nm.WriteValue(p.as(p.operator), tempID, intValue(21))
		assert.Equal(t, opcua.StatusBadNotWritable, opcua.StatusOf(err))

		// Data source updates ignore the access level.
		require.NoError(t, p.nm.WriteValue(context.Background(), tempID, intValue(21)))
	})

	t.Run("not a variable", func(t *testing.T) {
		err := p.nm.WriteValue(context.Background(), boilerID, intValue(1))
		assert.Equal(t, opcua.StatusBadNotWritable, opcua.StatusOf(err))
	})

	t.Run("unknown node", func(t *testing.T) {
		err := p.nm.WriteValue(context.Background(), opcua.NewStringNodeID(2, "Missing"), intValue(1))
		require.ErrorIs(t, err, opcua.ErrNodeNotFound)
	})
}

func TestSample(t *testing.T) {
	p := newPlant(t)
	sub := p.subscribe(t, p.ctx)
	item, err := p.nm.Monitor(p.ctx, sub.ID(), valueItem(levelID),
		WithSamplingInterval(100*time.Millisecond),
		WithQueueSize(10),
	)
	require.NoError(t, err)
	require.Equal(t, 1, item.Len())

	// The first sample reads the value already queued at creation.
	assert.Equal(t, 0, p.nm.Sample(p.ctx))

	require.NoError(t, p.nm.WriteValue(context.Background(), levelID, intValue(3)))
	assert.Equal(t, 1, item.Len(), "sampled items ignore writes")
	assert.Equal(t, 0, p.nm.Sample(p.ctx), "interval has not elapsed")

	p.clock.Add(100 * time.Millisecond)
	assert.Equal(t, 1, p.nm.Sample(p.ctx))
	assert.Equal(t, 2, item.Len())

	t.Run("disabled items are not sampled", func(t *testing.T) {
		_, err := p.nm.SetMonitoringMode(p.ctx, sub.ID(), opcua.MonitoringModeDisabled, item.ID())
		require.NoError(t, err)
		require.NoError(t, p.nm.WriteValue(context.Background(), levelID, intValue(4)))
		p.clock.Add(100 * time.Millisecond)
		assert.Equal(t, 0, p.nm.Sample(p.ctx))
	})
}

func TestReportEvent(t *testing.T) {
	p := newPlant(t)
	sub := p.subscribe(t, p.ctx)
	_, err := p.nm.Monitor(p.ctx, sub.ID(), eventItem(boilerID), WithClientHandle(1), WithQueueSize(10))
	require.NoError(t, err)
	_, err = p.nm.Monitor(p.ctx, sub.ID(), eventItem(opcua.ServerObject), WithClientHandle(2), WithQueueSize(10))
	require.NoError(t, err)

	anonymous := NewSession("anonymous", opcua.RoleAnonymous)
	anonSub := p.subscribe(t, p.as(anonymous))
	anonItem, err := p.nm.Monitor(p.as(anonymous), anonSub.ID(), eventItem(opcua.ServerObject))
	require.NoError(t, err)

	ev := NewEvent(valveID, 500, "valve stuck")
	delivered, err := p.nm.ReportEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, "Valve", ev.SourceName)
	assert.Equal(t, p.clock.Now(), ev.ReceiveTime)
	assert.Equal(t, 0, anonItem.Len())

	denials := p.audit.Denials()
	require.Len(t, denials, 1)
	assert.Equal(t, anonymous.ID(), denials[0].SessionID)
	assert.Equal(t, opcua.PermissionReceiveEvents, denials[0].Requested)

	msg, err := p.nm.Publish(p.ctx, sub.ID())
	require.NoError(t, err)
	require.Len(t, msg.Events, 2)
	for _, n := range msg.Events {
		require.NotNil(t, n.Event)
		require.Len(t, n.Event.Fields, len(DefaultEventFilter().SelectClauses))
		assert.Equal(t, valveID, n.Event.Fields[2].Value)
		assert.Equal(t, opcua.LocalizedText{Text: "valve stuck"}, n.Event.Fields[4].Value)
		assert.Equal(t, uint16(500), n.Event.Fields[5].Value)
	}

	t.Run("defaults are filled in", func(t *testing.T) {
		ev := &Event{SourceNode: boilerID}
		_, err := p.nm.ReportEvent(context.Background(), ev)
		require.NoError(t, err)
		assert.NotEmpty(t, ev.EventID)
		assert.Equal(t, opcua.BaseEventType, ev.EventType)
		assert.Equal(t, p.clock.Now(), ev.Time)
	})

	t.Run("unknown source", func(t *testing.T) {
		_, err := p.nm.ReportEvent(context.Background(), NewEvent(opcua.NewStringNodeID(2, "Missing"), 1, ""))
		require.ErrorIs(t, err, opcua.ErrNodeNotFound)
	})
}

func TestModifyAndSetMonitoringMode(t *testing.T) {
	p := newPlant(t)
	sub := p.subscribe(t, p.ctx)
	item, err := p.nm.Monitor(p.ctx, sub.ID(), valueItem(levelID))
	require.NoError(t, err)

	results, err := p.nm.ModifyMonitoredItems(p.ctx, sub.ID(), []MonitoredItemModifyRequest{
		{MonitoredItemID: item.ID(), Parameters: opcua.MonitoringParameters{QueueSize: 5, SamplingInterval: 250, DiscardOldest: true}},
		{MonitoredItemID: item.ID(), Parameters: opcua.MonitoringParameters{Filter: DefaultEventFilter()}},
		{MonitoredItemID: 999},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, opcua.StatusGood, results[0].StatusCode)
	assert.Equal(t, uint32(5), results[0].RevisedQueueSize)
	assert.Equal(t, 250*time.Millisecond, results[0].RevisedSamplingInterval)
	assert.Equal(t, opcua.StatusBadFilterNotAllowed, results[1].StatusCode)
	assert.Equal(t, opcua.StatusBadMonitoredItemIdInvalid, results[2].StatusCode)
	assert.Equal(t, 5, item.QueueSize())

	modes, err := p.nm.SetMonitoringMode(p.ctx, sub.ID(), opcua.MonitoringModeSampling, item.ID(), 999)
	require.NoError(t, err)
	assert.Equal(t, []opcua.StatusCode{opcua.StatusGood, opcua.StatusBadMonitoredItemIdInvalid}, modes)
	assert.Equal(t, opcua.MonitoringModeSampling, item.MonitoringMode())
}

func TestDeleteMonitoredItems(t *testing.T) {
	p := newPlant(t)
	sub := p.subscribe(t, p.ctx)
	first, err := p.nm.Monitor(p.ctx, sub.ID(), valueItem(levelID))
	require.NoError(t, err)
	second, err := p.nm.Monitor(p.ctx, sub.ID(), valueItem(levelID))
	require.NoError(t, err)
	require.Equal(t, 1, p.nm.Table().MonitoredNodeCount())

	results, err := p.nm.DeleteMonitoredItems(p.ctx, sub.ID(), first.ID(), 999)
	require.NoError(t, err)
	assert.Equal(t, []opcua.StatusCode{opcua.StatusGood, opcua.StatusBadMonitoredItemIdInvalid}, results)
	assert.Equal(t, 1, sub.ItemCount())
	assert.Equal(t, 1, p.nm.Table().MonitoredNodeCount())

	results, err = p.nm.DeleteMonitoredItems(p.ctx, sub.ID(), second.ID())
	require.NoError(t, err)
	assert.Equal(t, []opcua.StatusCode{opcua.StatusGood}, results)
	assert.Equal(t, 0, sub.ItemCount())
	assert.Equal(t, 0, p.nm.Table().MonitoredNodeCount())
	assert.Equal(t, int64(0), p.nm.Metrics().MonitoredItems.Value())
	assert.Equal(t, int64(0), p.nm.Metrics().MonitoredNodes.Value())

	// Deleted items no longer receive writes.
	require.NoError(t, p.nm.WriteValue(context.Background(), levelID, intValue(9)))
	assert.Equal(t, 0, second.Len())
}

func TestSubscriptionOwnership(t *testing.T) {
	p := newPlant(t)
	sub := p.subscribe(t, p.ctx)
	other := p.as(p.operator)

	_, err := p.nm.Publish(other, sub.ID())
	require.ErrorIs(t, err, opcua.ErrSubscriptionNotFound)

	_, err = p.nm.Monitor(other, sub.ID(), valueItem(levelID))
	require.ErrorIs(t, err, opcua.ErrSubscriptionNotFound)

	assert.Equal(t, []opcua.StatusCode{opcua.StatusBadSubscriptionIdInvalid}, p.nm.DeleteSubscriptions(other, sub.ID()))
	assert.Equal(t, []opcua.StatusCode{opcua.StatusBadSubscriptionIdInvalid}, p.nm.SetPublishingMode(other, false, sub.ID()))

	// Without a session every subscription is reachable.
	assert.Equal(t, []opcua.StatusCode{opcua.StatusGood}, p.nm.SetPublishingMode(context.Background(), false, sub.ID()))
	assert.False(t, sub.PublishingEnabled())
}

func TestDeleteSubscriptions(t *testing.T) {
	p := newPlant(t)
	sub := p.subscribe(t, p.ctx)
	item, err := p.nm.Monitor(p.ctx, sub.ID(), valueItem(levelID))
	require.NoError(t, err)

	results := p.nm.DeleteSubscriptions(p.ctx, sub.ID(), 999)
	assert.Equal(t, []opcua.StatusCode{opcua.StatusGood, opcua.StatusBadSubscriptionIdInvalid}, results)

	_, ok := p.nm.Subscription(sub.ID())
	assert.False(t, ok)
	assert.True(t, item.Detached())
	assert.Equal(t, 0, p.nm.Table().MonitoredNodeCount())
	assert.Equal(t, int64(0), p.nm.Metrics().ActiveSubscriptions.Value())
	assert.Equal(t, int64(0), p.nm.Metrics().MonitoredItems.Value())
	assert.Empty(t, p.nm.Subscriptions(p.observer.ID()))

	assert.Equal(t, []opcua.StatusCode{opcua.StatusBadSubscriptionIdInvalid}, p.nm.DeleteSubscriptions(p.ctx, sub.ID()))
}

func TestSessionClosing(t *testing.T) {
	t.Run("delete subscriptions", func(t *testing.T) {
		p := newPlant(t)
		a := p.subscribe(t, p.ctx)
		b := p.subscribe(t, p.ctx)
		kept := p.subscribe(t, p.as(p.operator))
		for _, sub := range []*Subscription{a, b} {
			_, err := p.nm.Monitor(p.ctx, sub.ID(), valueItem(levelID))
			require.NoError(t, err)
		}
		_, err := p.nm.Monitor(p.as(p.operator), kept.ID(), valueItem(tempID))
		require.NoError(t, err)

		a.Drain(p.ctx)
		done := parkPublish(t, p.ctx, a)

		p.nm.SessionClosing(context.Background(), p.observer.ID(), true)

		r := waitResult(t, done)
		assert.Equal(t, opcua.StatusBadNoSubscription, opcua.StatusOf(r.err))
		assert.Empty(t, p.nm.Subscriptions(p.observer.ID()))
		_, ok := p.nm.Subscription(a.ID())
		assert.False(t, ok)
		assert.Equal(t, 0, a.ItemCount())
		assert.Equal(t, 1, p.nm.Table().MonitoredNodeCount())
		assert.Equal(t, int64(1), p.nm.Metrics().ActiveSubscriptions.Value())
		assert.Equal(t, int64(1), p.nm.Metrics().MonitoredItems.Value())
		assert.Empty(t, p.nm.Orphans())

		// A second call finds nothing to do.
		p.nm.SessionClosing(context.Background(), p.observer.ID(), true)
		assert.Equal(t, int64(1), p.nm.Metrics().ActiveSubscriptions.Value())
		assert.Len(t, p.nm.Subscriptions(p.operator.ID()), 1)
	})

	t.Run("keep subscriptions as orphans", func(t *testing.T) {
		p := newPlant(t)
		sub := p.subscribe(t, p.ctx)
		item, err := p.nm.Monitor(p.ctx, sub.ID(), valueItem(levelID))
		require.NoError(t, err)

		p.nm.SessionClosing(context.Background(), p.observer.ID(), false)

		orphans := p.nm.Orphans()
		require.Len(t, orphans, 1)
		assert.Same(t, sub, orphans[0])
		assert.Equal(t, 0, sub.ItemCount())
		assert.True(t, item.Detached())
		assert.Equal(t, 0, p.nm.Table().MonitoredNodeCount())
		assert.Equal(t, int64(0), p.nm.Metrics().MonitoredItems.Value())
		assert.Equal(t, int64(1), p.nm.Metrics().ActiveSubscriptions.Value())

		_, ok := p.nm.Subscription(sub.ID())
		assert.True(t, ok)

		// Expiry removes the orphan.
		sub.Expire()
		require.NoError(t, p.nm.Dispatcher().Flush(context.Background()))
		_, ok = p.nm.Subscription(sub.ID())
		assert.False(t, ok)
		assert.Empty(t, p.nm.Orphans())
		assert.Equal(t, int64(0), p.nm.Metrics().ActiveSubscriptions.Value())
	})

	t.Run("driven by lifecycle events", func(t *testing.T) {
		p := newPlant(t)
		sub := p.subscribe(t, p.ctx)

		p.nm.Dispatcher().Publish(LifecycleEvent{Kind: SessionClosing, SessionID: p.observer.ID(), DeleteSubscriptions: true})
		require.NoError(t, p.nm.Dispatcher().Flush(context.Background()))

		_, ok := p.nm.Subscription(sub.ID())
		assert.False(t, ok)
	})

	t.Run("delete after orphaning", func(t *testing.T) {
		p := newPlant(t)
		sub := p.subscribe(t, p.ctx)
		kept := p.subscribe(t, p.as(p.operator))
		_, err := p.nm.Monitor(p.ctx, sub.ID(), valueItem(levelID))
		require.NoError(t, err)

		p.nm.SessionClosing(context.Background(), p.observer.ID(), false)
		require.Len(t, p.nm.Orphans(), 1)

		p.nm.SessionClosing(context.Background(), p.observer.ID(), true)
		assert.Empty(t, p.nm.Orphans())
		_, ok := p.nm.Subscription(sub.ID())
		assert.False(t, ok)
		_, ok = p.nm.Subscription(kept.ID())
		assert.True(t, ok)
		assert.Equal(t, int64(1), p.nm.Metrics().ActiveSubscriptions.Value())
	})
}

func TestSessionClosing_DuringDrainAndWrites(t *testing.T) {
	p := newPlant(t)
	var subs []*Subscription
	for i := 0; i < 3; i++ {
		sub := p.subscribe(t, p.ctx)
		for _, id := range []opcua.NodeID{levelID, tempID} {
			_, err := p.nm.Monitor(p.ctx, sub.ID(), valueItem(id), WithSamplingInterval(0), WithQueueSize(4))
			require.NoError(t, err)
		}
		subs = append(subs, sub)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				id := levelID
				if i%2 == 1 {
					id = tempID
				}
				_ = p.nm.WriteValue(context.Background(), id, intValue(int32(w*1000000+i)))
			}
		}(w)
	}
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, _ = sub.Drain(context.Background())
			}
		}(sub)
	}

	require.Eventually(t, func() bool {
		return p.nm.Metrics().NotificationsSent.Value() > 100
	}, 5*time.Second, time.Millisecond)
	p.nm.SessionClosing(context.Background(), p.observer.ID(), true)
	close(stop)
	wg.Wait()

	assert.Equal(t, 0, p.nm.Table().MonitoredNodeCount())
	assert.Equal(t, int64(0), p.nm.Metrics().MonitoredItems.Value())
	assert.Equal(t, int64(0), p.nm.Metrics().ItemsWithData.Value())
	assert.Equal(t, int64(0), p.nm.Metrics().ActiveSubscriptions.Value())
	for _, sub := range subs {
		assert.Equal(t, 0, sub.ItemCount())
		_, ok := p.nm.Subscription(sub.ID())
		assert.False(t, ok)
	}
}

func TestDeleteNode(t *testing.T) {
	p := newPlant(t)
	sub := p.subscribe(t, p.ctx)
	item, err := p.nm.Monitor(p.ctx, sub.ID(), valueItem(levelID), WithQueueSize(5))
	require.NoError(t, err)
	_, err = p.nm.Publish(p.ctx, sub.ID())
	require.NoError(t, err)

	require.NoError(t, p.nm.DeleteNode(p.ctx, levelID))

	_, ok := p.nm.Table().Lookup(levelID)
	assert.False(t, ok)
	assert.Equal(t, 0, p.nm.Table().MonitoredNodeCount())
	assert.Equal(t, 1, sub.ItemCount(), "items stay in their subscription")
	for _, r := range p.nm.Table().References(boilerID, opcua.BrowseDirectionForward) {
		assert.False(t, r.Target.Equal(levelID))
	}

	msg, err := p.nm.Publish(p.ctx, sub.ID())
	require.NoError(t, err)
	require.Len(t, msg.DataChanges, 1)
	assert.Equal(t, opcua.StatusBadNodeIdUnknown, msg.DataChanges[0].Value.StatusCode)

	// Writes to the deleted node fail and the item receives nothing more.
	require.ErrorIs(t, p.nm.WriteValue(context.Background(), levelID, intValue(1)), opcua.ErrNodeNotFound)
	assert.Equal(t, 0, item.Len())

	results, err := p.nm.DeleteMonitoredItems(p.ctx, sub.ID(), item.ID())
	require.NoError(t, err)
	assert.Equal(t, []opcua.StatusCode{opcua.StatusGood}, results)

	t.Run("foreign node", func(t *testing.T) {
		require.ErrorIs(t, p.nm.DeleteNode(p.ctx, opcua.ServerObject), opcua.ErrNodeNotFound)
	})
}

func TestAddReference_RaisesModelChangeEvent(t *testing.T) {
	p := newPlant(t)
	sub := p.subscribe(t, p.ctx)
	_, err := p.nm.Monitor(p.ctx, sub.ID(), eventItem(boilerID), WithQueueSize(10), WithEventFilter(&EventFilter{
		SelectClauses: []string{FieldEventType, FieldSourceName},
		EventTypes:    []opcua.NodeID{opcua.BaseModelChangeEventType},
	}))
	require.NoError(t, err)

	require.NoError(t, p.nm.AddReference(context.Background(), boilerID, opcua.RefOrganizes, tempID))

	msg, err := p.nm.Publish(p.ctx, sub.ID())
	require.NoError(t, err)
	require.Len(t, msg.Events, 1)
	fields := msg.Events[0].Event.Fields
	assert.Equal(t, opcua.BaseModelChangeEventType, fields[0].Value)
	assert.Equal(t, "Boiler", fields[1].Value)

	// A reported plain event does not pass the type filter.
	n, err := p.nm.ReportEvent(context.Background(), NewEvent(boilerID, 500, "alarm"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestModifyNode(t *testing.T) {
	p := newPlant(t)
	sub := p.subscribe(t, p.ctx)
	item, err := p.nm.Monitor(p.ctx, sub.ID(), opcua.ReadValueID{NodeID: boilerID, AttributeID: opcua.AttributeDisplayName})
	require.NoError(t, err)
	_, err = p.nm.Publish(p.ctx, sub.ID())
	require.NoError(t, err)

	require.NoError(t, p.nm.ModifyNode(p.ctx, boilerID, func(n *Node) {
		n.DisplayName = opcua.LocalizedText{Text: "Main boiler"}
	}))
	require.Equal(t, 1, item.Len())

	msg, err := p.nm.Publish(p.ctx, sub.ID())
	require.NoError(t, err)
	require.Len(t, msg.DataChanges, 1)
	assert.Equal(t, opcua.LocalizedText{Text: "Main boiler"}, msg.DataChanges[0].Value.Value.Value)

	require.ErrorIs(t, p.nm.ModifyNode(p.ctx, opcua.NewStringNodeID(2, "Missing"), func(*Node) {}), opcua.ErrNodeNotFound)
}

func TestViews(t *testing.T) {
	p := newPlant(t)
	boilerView := opcua.NewStringNodeID(2, "BoilerView")
	objectsView := opcua.NewStringNodeID(2, "ObjectsView")
	require.NoError(t, p.nm.RegisterView(p.ctx, View{ID: boilerView, Name: "Boiler", Root: boilerID}))
	require.NoError(t, p.nm.RegisterView(p.ctx, View{
		ID:             objectsView,
		Root:           opcua.ObjectsFolder,
		ReferenceTypes: []opcua.NodeID{opcua.RefOrganizes},
	}))

	n, ok := p.nm.Table().Lookup(boilerView)
	require.True(t, ok)
	assert.Equal(t, opcua.NodeClassView, n.Class)

	handle := func(id opcua.NodeID) *NodeHandle {
		h, err := p.nm.Resolve(p.ctx, id, 0)
		require.NoError(t, err)
		return h
	}

	tests := []struct {
		name string
		view opcua.NodeID
		node opcua.NodeID
		want bool
	}{
		{"root of view", boilerView, boilerID, true},
		{"component", boilerView, levelID, true},
		{"event source", boilerView, valveID, true},
		{"outside view", boilerView, opcua.ServerObject, false},
		{"organizes only reaches boiler", objectsView, boilerID, true},
		{"organizes only skips components", objectsView, levelID, false},
		{"null view", opcua.NodeID{}, levelID, true},
		{"unknown view", opcua.NewStringNodeID(2, "NoSuchView"), levelID, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.nm.IsNodeInView(p.ctx, tt.view, handle(tt.node)))
		})
	}

	t.Run("unresolvable handle", func(t *testing.T) {
		h := handle(opcua.NewStringNodeID(2, "Missing"))
		assert.False(t, p.nm.IsNodeInView(p.ctx, opcua.NodeID{}, h))
		assert.False(t, p.nm.IsNodeInView(p.ctx, opcua.NodeID{}, nil))
	})

	t.Run("unknown root", func(t *testing.T) {
		err := p.nm.RegisterView(p.ctx, View{ID: opcua.NewStringNodeID(2, "Broken"), Root: opcua.NewStringNodeID(2, "Missing")})
		require.ErrorIs(t, err, opcua.ErrNodeNotFound)
	})

	t.Run("null id", func(t *testing.T) {
		require.ErrorIs(t, p.nm.RegisterView(p.ctx, View{Root: boilerID}), opcua.ErrInvalidNodeID)
	})
}

func TestNodeManager_Close(t *testing.T) {
	p := newPlant(t)
	sub := p.subscribe(t, p.ctx)
	item, err := p.nm.Monitor(p.ctx, sub.ID(), valueItem(levelID))
	require.NoError(t, err)
	sub.Drain(p.ctx)
	done := parkPublish(t, p.ctx, sub)

	require.NoError(t, p.nm.Close())

	r := waitResult(t, done)
	assert.Equal(t, opcua.StatusBadNoSubscription, opcua.StatusOf(r.err))
	assert.True(t, item.Detached())
	_, ok := p.nm.Subscription(sub.ID())
	assert.False(t, ok)
	assert.Equal(t, int64(0), p.nm.Metrics().ActiveSubscriptions.Value())
	assert.Equal(t, int64(0), p.nm.Metrics().MonitoredItems.Value())
	assert.Equal(t, 0, p.nm.Table().MonitoredNodeCount())

	require.NoError(t, p.nm.Close())
}

func TestServiceMetrics(t *testing.T) {
	p := newPlant(t)
	sub := p.subscribe(t, p.ctx)
	_, err := p.nm.CreateMonitoredItems(p.ctx, sub.ID(), []MonitoredItemCreateRequest{
		{ItemToMonitor: valueItem(levelID), MonitoringMode: opcua.MonitoringModeReporting},
	})
	require.NoError(t, err)
	_, err = p.nm.Publish(p.ctx, sub.ID())
	require.NoError(t, err)
	_, err = p.nm.Publish(p.ctx, 999)
	require.Error(t, err)

	m := p.nm.Metrics()
	assert.Equal(t, int64(1), m.ForService(opcua.ServiceCreateSubscription).Requests.Value())
	assert.Equal(t, int64(1), m.ForService(opcua.ServiceCreateMonitoredItems).Requests.Value())
	assert.Equal(t, int64(2), m.ForService(opcua.ServicePublish).Requests.Value())
	assert.Equal(t, int64(1), m.ForService(opcua.ServicePublish).Errors.Value())
	assert.Equal(t, int64(1), m.NotificationsSent.Value())

	services, ok := m.Collect()["services"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, services, opcua.ServicePublish.String())
}
