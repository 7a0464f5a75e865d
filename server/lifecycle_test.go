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
)

type eventLog struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (l *eventLog) handle(_ context.Context, ev LifecycleEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []LifecycleKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LifecycleKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func TestDispatcher_KindFilter(t *testing.T) {
	d := NewDispatcher(16, discardLogger(), nil)
	defer d.Close()

	var all, expired eventLog
	d.Subscribe(all.handle)
	d.Subscribe(expired.handle, SubscriptionExpired)

	require.True(t, d.Publish(LifecycleEvent{Kind: SubscriptionCreated, SubscriptionID: 1}))
	require.True(t, d.Publish(LifecycleEvent{Kind: SubscriptionExpired, SubscriptionID: 1}))
	require.NoError(t, d.Flush(context.Background()))

	assert.Equal(t, []LifecycleKind{SubscriptionCreated, SubscriptionExpired}, all.kinds())
	assert.Equal(t, []LifecycleKind{SubscriptionExpired}, expired.kinds())
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	d := NewDispatcher(16, discardLogger(), nil)
	defer d.Close()

	var log eventLog
	unsubscribe := d.Subscribe(log.handle)
	d.Publish(LifecycleEvent{Kind: SessionCreated})
	require.NoError(t, d.Flush(context.Background()))

	unsubscribe()
	d.Publish(LifecycleEvent{Kind: SessionClosing})
	require.NoError(t, d.Flush(context.Background()))

	assert.Equal(t, []LifecycleKind{SessionCreated}, log.kinds())
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	metrics := NewEngineMetrics()
	d := NewDispatcher(1, discardLogger(), metrics)
	defer d.Close()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var log eventLog
	d.Subscribe(func(ctx context.Context, ev LifecycleEvent) {
		if ev.Kind == SessionCreated {
			entered <- struct{}{}
			<-release
		}
		log.handle(ctx, ev)
	})

	require.True(t, d.Publish(LifecycleEvent{Kind: SessionCreated}))
	<-entered

	require.True(t, d.Publish(LifecycleEvent{Kind: SessionActivated}))
	assert.False(t, d.Publish(LifecycleEvent{Kind: SessionClosing}))
	assert.Equal(t, int64(1), metrics.LifecycleDropped.Value())

	close(release)
	require.NoError(t, d.Flush(context.Background()))
	assert.Equal(t, []LifecycleKind{SessionCreated, SessionActivated}, log.kinds())
}

func TestDispatcher_ControlHandlersNeverDrop(t *testing.T) {
	metrics := NewEngineMetrics()
	d := NewDispatcher(1, discardLogger(), metrics)
	defer d.Close()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var observed, control eventLog
	d.Subscribe(func(ctx context.Context, ev LifecycleEvent) {
		if ev.Kind == SessionCreated {
			entered <- struct{}{}
			<-release
		}
		observed.handle(ctx, ev)
	})
	d.SubscribeControl(control.handle, SessionClosing, SubscriptionExpired)

	require.True(t, d.Publish(LifecycleEvent{Kind: SessionCreated}))
	<-entered
	require.True(t, d.Publish(LifecycleEvent{Kind: SessionActivated}))
	assert.False(t, d.Publish(LifecycleEvent{Kind: SessionClosing, SessionID: "s1"}))
	assert.False(t, d.Publish(LifecycleEvent{Kind: SubscriptionExpired, SubscriptionID: 7}))
	assert.False(t, d.Publish(LifecycleEvent{Kind: SubscriptionDeleted}))
	assert.Equal(t, int64(3), metrics.LifecycleDropped.Value())

	close(release)
	require.NoError(t, d.Flush(context.Background()))
	assert.Equal(t, []LifecycleKind{SessionCreated, SessionActivated}, observed.kinds())
	assert.Equal(t, []LifecycleKind{SessionClosing, SubscriptionExpired}, control.kinds())
}

func TestDispatcher_FlushHonoursContext(t *testing.T) {
	d := NewDispatcher(1, discardLogger(), nil)
	defer d.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	d.Subscribe(func(context.Context, LifecycleEvent) {
		close(entered)
		<-release
	})
	d.Publish(LifecycleEvent{Kind: SessionCreated})
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Flush(ctx), context.DeadlineExceeded)
	close(release)
}

func TestDispatcher_Close(t *testing.T) {
	d := NewDispatcher(4, discardLogger(), nil)

	var log eventLog
	d.Subscribe(log.handle)
	d.Publish(LifecycleEvent{Kind: SessionCreated})
	d.Close()

	// Queued events are handled before Close returns.
	assert.Equal(t, []LifecycleKind{SessionCreated}, log.kinds())
	assert.False(t, d.Publish(LifecycleEvent{Kind: SessionClosing}))
	assert.NoError(t, d.Flush(context.Background()))
	d.Close()
}

func TestLifecycleKind_String(t *testing.T) {
	assert.Equal(t, "SubscriptionExpired", SubscriptionExpired.String())
	assert.Equal(t, "Unknown", LifecycleKind(99).String())
}
