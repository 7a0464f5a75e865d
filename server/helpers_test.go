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
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/opcua-engine"
)

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMockClock() *clock.Mock {
	m := clock.NewMock()
	m.Set(testEpoch)
	return m
}

type recordingAudit struct {
	mu        sync.Mutex
	denials   []PermissionDeniedRecord
	overflows []uint32
}

func (a *recordingAudit) PermissionDenied(_ context.Context, rec PermissionDeniedRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.denials = append(a.denials, rec)
}

func (a *recordingAudit) QueueOverflow(_ context.Context, subscriptionID uint32, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.overflows = append(a.overflows, subscriptionID)
}

func (a *recordingAudit) Denials() []PermissionDeniedRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]PermissionDeniedRecord(nil), a.denials...)
}

func (a *recordingAudit) Overflows() []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint32(nil), a.overflows...)
}

func intValue(v int32) opcua.DataValue {
	return opcua.DataValue{Value: opcua.NewVariant(v), StatusCode: opcua.StatusGood}
}

func valueOf(t *testing.T, n Notification) int32 {
	t.Helper()
	require.NotNil(t, n.Value)
	require.NotNil(t, n.Value.Value)
	v, ok := n.Value.Value.Value.(int32)
	require.True(t, ok, "value %#v is not int32", n.Value.Value.Value)
	return v
}

// newTestSubscription builds a subscription that is not attached to a node
// manager and whose timer is not running.
func newTestSubscription(t *testing.T, opts ...SubscriptionOption) (*Subscription, *clock.Mock) {
	t.Helper()
	mock := newMockClock()
	limits := DefaultLimits()
	o := defaultSubscriptionOptions(limits)
	for _, opt := range opts {
		opt(o)
	}
	o.revise(limits)
	sub := newSubscription(1, NewSession("test", opcua.RoleObserver), subscriptionDeps{
		logger: discardLogger(),
		clock:  mock,
		limits: limits,
	}, o)
	return sub, mock
}

func newTestItem(t *testing.T, sub *Subscription, id uint32, opts ...MonitoredItemOption) *MonitoredItem {
	t.Helper()
	o := defaultMonitoredItemOptions(sub.limits)
	for _, opt := range opts {
		opt(o)
	}
	o.revise(sub.limits, sub.PublishingInterval())
	target := opcua.ReadValueID{NodeID: opcua.NewNumericNodeID(2, id), AttributeID: opcua.AttributeValue}
	if o.eventFilter != nil {
		target.AttributeID = opcua.AttributeEventNotifier
	}
	it := newMonitoredItem(id, sub, target, o)
	require.NoError(t, sub.addItem(it))
	return it
}

// Plant address space used by the node manager tests:
//
//	Objects
//	  Boiler (notifier)          ns=2;s=Boiler
//	    Level                    ns=2;s=Level        read/write
//	    Temperature              ns=2;i=1001         read only
//	    Secret                   ns=2;s=Secret       SecurityAdmin only
//	    Valve (event source)     ns=2;s=Valve
//	Server -HasNotifier-> Boiler
var (
	boilerID = opcua.NewStringNodeID(2, "Boiler")
	levelID  = opcua.NewStringNodeID(2, "Level")
	tempID   = opcua.NewNumericNodeID(2, 1001)
	secretID = opcua.NewStringNodeID(2, "Secret")
	valveID  = opcua.NewStringNodeID(2, "Valve")
)

func plantNamespace() *Namespace {
	return &Namespace{
		Index: 2,
		URI:   "urn:edgeo:test:plant",
		DefaultRolePermissions: []opcua.RolePermission{
			{RoleID: opcua.RoleAnonymous, Permissions: opcua.PermissionBrowse},
			{RoleID: opcua.RoleObserver, Permissions: opcua.PermissionBrowse | opcua.PermissionRead | opcua.PermissionReceiveEvents},
			{RoleID: opcua.RoleOperator, Permissions: opcua.PermissionBrowse | opcua.PermissionRead | opcua.PermissionWrite |
				opcua.PermissionReceiveEvents | opcua.PermissionReadRolePermissions},
		},
	}
}

type plant struct {
	nm       *NodeManager
	clock    *clock.Mock
	audit    *recordingAudit
	observer *Session
	operator *Session
	ctx      context.Context
}

func newPlant(t *testing.T, opts ...NodeManagerOption) *plant {
	t.Helper()
	mock := newMockClock()
	audit := &recordingAudit{}
	base := []NodeManagerOption{
		WithLogger(discardLogger()),
		WithClock(mock),
		WithAuditSink(audit),
	}
	nm, err := NewNodeManager([]*Namespace{plantNamespace()}, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { nm.Close() })

	boiler := NewNode(boilerID, opcua.NodeClassObject, "Boiler")
	boiler.EventNotifier = opcua.EventNotifierSubscribeToEvents

	level := NewNode(levelID, opcua.NodeClassVariable, "Level")
	level.AccessLevel = opcua.AccessLevelCurrentRead | opcua.AccessLevelCurrentWrite
	level.setValue(intValue(0))

	temp := NewNode(tempID, opcua.NodeClassVariable, "Temperature")
	temp.AccessLevel = opcua.AccessLevelCurrentRead
	temp.setValue(intValue(20))

	secret := NewNode(secretID, opcua.NodeClassVariable, "Secret")
	secret.AccessLevel = opcua.AccessLevelCurrentRead
	secret.RolePermissions = []opcua.RolePermission{
		{RoleID: opcua.RoleSecurityAdmin, Permissions: opcua.PermissionRead | opcua.PermissionReadRolePermissions},
	}
	secret.setValue(intValue(42))

	valve := NewNode(valveID, opcua.NodeClassObject, "Valve")

	table := nm.Table()
	require.NoError(t, table.AddNode(boiler, opcua.ObjectsFolder, opcua.RefOrganizes))
	require.NoError(t, table.AddNode(level, boilerID, opcua.RefHasComponent))
	require.NoError(t, table.AddNode(temp, boilerID, opcua.RefHasComponent))
	require.NoError(t, table.AddNode(secret, boilerID, opcua.RefHasComponent))
	require.NoError(t, table.AddNode(valve, boilerID, opcua.RefHasComponent))
	require.NoError(t, table.AddReference(boilerID, opcua.RefHasEventSource, valveID))
	require.NoError(t, table.AddReference(opcua.ServerObject, opcua.RefHasNotifier, boilerID))

	observer := NewSession("observer", opcua.RoleAnonymous, opcua.RoleObserver)
	return &plant{
		nm:       nm,
		clock:    mock,
		audit:    audit,
		observer: observer,
		operator: NewSession("operator", opcua.RoleAnonymous, opcua.RoleOperator),
		ctx:      WithSession(context.Background(), observer),
	}
}

func (p *plant) as(s *Session) context.Context {
	return WithSession(context.Background(), s)
}

func (p *plant) subscribe(t *testing.T, ctx context.Context, opts ...SubscriptionOption) *Subscription {
	t.Helper()
	sub, err := p.nm.CreateSubscription(ctx, opts...)
	require.NoError(t, err)
	return sub
}

func valueItem(id opcua.NodeID) opcua.ReadValueID {
	return opcua.ReadValueID{NodeID: id, AttributeID: opcua.AttributeValue}
}

func eventItem(id opcua.NodeID) opcua.ReadValueID {
	return opcua.ReadValueID{NodeID: id, AttributeID: opcua.AttributeEventNotifier}
}
