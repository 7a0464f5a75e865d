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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/opcua-engine"
)

type publishResult struct {
	msg *NotificationMessage
	err error
}

// parkPublish starts a Publish call and waits until it is parked.
func parkPublish(t *testing.T, ctx context.Context, sub *Subscription) <-chan publishResult {
	t.Helper()
	done := make(chan publishResult, 1)
	go func() {
		msg, err := sub.Publish(ctx)
		done <- publishResult{msg, err}
	}()
	require.Eventually(t, func() bool {
		return sub.State() == StateWaitingForPublish
	}, time.Second, time.Millisecond)
	return done
}

func waitResult(t *testing.T, done <-chan publishResult) publishResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not return")
		return publishResult{}
	}
}

func TestSubscription_PublishReturnsReadyNotifications(t *testing.T) {
	sub, _ := newTestSubscription(t)
	a := newTestItem(t, sub, 1, WithClientHandle(10))
	b := newTestItem(t, sub, 2, WithClientHandle(20))
	a.enqueueValue(intValue(1))
	b.enqueueValue(intValue(2))
	require.Equal(t, StateNotificationsAvailable, sub.State())

	msg, err := sub.Publish(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint32(1), msg.SequenceNumber)
	assert.Equal(t, sub.ID(), msg.SubscriptionID)
	require.Len(t, msg.DataChanges, 2)
	assert.Equal(t, uint32(10), msg.DataChanges[0].ClientHandle)
	assert.Equal(t, uint32(20), msg.DataChanges[1].ClientHandle)
	assert.False(t, msg.MoreNotifications)
	assert.False(t, msg.DataLoss)
	assert.Equal(t, StateIdle, sub.State())
	assert.Equal(t, []uint32{1}, sub.AvailableSequenceNumbers())
}

func TestSubscription_ParkedPublishServicedByNewData(t *testing.T) {
	sub, _ := newTestSubscription(t)
	item := newTestItem(t, sub, 1)

	done := parkPublish(t, context.Background(), sub)
	item.enqueueValue(intValue(5))

	r := waitResult(t, done)
	require.NoError(t, r.err)
	require.Len(t, r.msg.DataChanges, 1)
	assert.Equal(t, int32(5), valueOf(t, r.msg.DataChanges[0]))
	assert.Equal(t, StateIdle, sub.State())
	assert.Equal(t, int64(1), sub.metrics.PublishResponses.Value())
}

func TestSubscription_OnlyOneParkedPublish(t *testing.T) {
	sub, _ := newTestSubscription(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := parkPublish(t, ctx, sub)

	_, err := sub.Publish(context.Background())
	assert.Equal(t, opcua.StatusBadTooManyPublishRequests, opcua.StatusOf(err))

	cancel()
	r := waitResult(t, done)
	assert.ErrorIs(t, r.err, context.Canceled)
}

func TestSubscription_CancelledPublishIsWithdrawn(t *testing.T) {
	sub, _ := newTestSubscription(t)
	item := newTestItem(t, sub, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := parkPublish(t, ctx, sub)
	cancel()
	r := waitResult(t, done)
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, StateIdle, sub.State())

	// The withdrawn request does not swallow later data.
	item.enqueueValue(intValue(1))
	msg, err := sub.Publish(context.Background())
	require.NoError(t, err)
	assert.Len(t, msg.DataChanges, 1)
}

func TestSubscription_KeepAlive(t *testing.T) {
	sub, _ := newTestSubscription(t, WithMaxKeepAliveCount(2))
	newTestItem(t, sub, 1)

	done := parkPublish(t, context.Background(), sub)
	sub.tick()
	select {
	case <-done:
		t.Fatal("keep-alive sent before maxKeepAliveCount cycles")
	default:
	}
	sub.tick()

	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.True(t, r.msg.KeepAlive)
	assert.Equal(t, 0, r.msg.Len())
	assert.Equal(t, uint32(1), r.msg.SequenceNumber, "keep-alive carries the next number")
	assert.Empty(t, sub.AvailableSequenceNumbers())
	assert.Equal(t, int64(1), sub.metrics.KeepAlives.Value())
	assert.Equal(t, StateIdle, sub.State())
}

func TestSubscription_PublishingDisabledAnswersWithKeepAlive(t *testing.T) {
	sub, _ := newTestSubscription(t, WithMaxKeepAliveCount(1), WithPublishingEnabled(false))
	item := newTestItem(t, sub, 1)
	item.enqueueValue(intValue(1))
	require.Equal(t, StateNotificationsAvailable, sub.State())

	done := parkPublish(t, context.Background(), sub)
	sub.tick()
	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.True(t, r.msg.KeepAlive)
	assert.Equal(t, StateNotificationsAvailable, sub.State())

	require.NoError(t, sub.SetPublishingEnabled(true))
	msg, err := sub.Publish(context.Background())
	require.NoError(t, err)
	assert.Len(t, msg.DataChanges, 1)
}

func TestSubscription_ReenablingServicesParkedRequest(t *testing.T) {
	sub, _ := newTestSubscription(t, WithPublishingEnabled(false))
	item := newTestItem(t, sub, 1)

	done := parkPublish(t, context.Background(), sub)
	item.enqueueValue(intValue(3))
	require.Equal(t, StateWaitingForPublish, sub.State())

	require.NoError(t, sub.SetPublishingEnabled(true))
	r := waitResult(t, done)
	require.NoError(t, r.err)
	require.Len(t, r.msg.DataChanges, 1)
	assert.Equal(t, int32(3), valueOf(t, r.msg.DataChanges[0]))
}

func TestSubscription_LifetimeExpiry(t *testing.T) {
	sub, _ := newTestSubscription(t, WithMaxKeepAliveCount(1), WithLifetimeCount(1))
	require.Equal(t, uint32(3), sub.LifetimeCount(), "lifetime covers three keep-alive periods")
	item := newTestItem(t, sub, 1)

	sub.tick()
	sub.tick()
	item.enqueueValue(intValue(1))
	_, err := sub.Publish(context.Background())
	require.NoError(t, err)

	sub.tick()
	sub.tick()
	assert.Equal(t, StateIdle, sub.State(), "publish resets the lifetime counter")
	sub.tick()
	assert.Equal(t, StateExpired, sub.State())
	assert.Equal(t, int64(1), sub.metrics.SubscriptionsExpired.Value())

	_, err = sub.Publish(context.Background())
	assert.ErrorIs(t, err, opcua.ErrSubscriptionExpired)
	assert.False(t, item.enqueueValue(intValue(2)))
	assert.ErrorIs(t, sub.Modify(WithPriority(1)), opcua.ErrSubscriptionExpired)
	assert.ErrorIs(t, sub.SetPublishingEnabled(false), opcua.ErrSubscriptionExpired)
}

func TestSubscription_ExpireFailsParkedRequest(t *testing.T) {
	sub, _ := newTestSubscription(t)
	done := parkPublish(t, context.Background(), sub)

	sub.Expire()
	sub.Expire()

	r := waitResult(t, done)
	assert.ErrorIs(t, r.err, opcua.ErrSubscriptionExpired)
	assert.True(t, opcua.IsInvalidState(r.err))
	assert.Equal(t, int64(1), sub.metrics.SubscriptionsExpired.Value())
}

func TestSubscription_MaxNotificationsPerPublish(t *testing.T) {
	sub, _ := newTestSubscription(t, WithMaxNotificationsPerPublish(2))
	for id := uint32(1); id <= 3; id++ {
		it := newTestItem(t, sub, id)
		it.enqueueValue(intValue(int32(id)))
	}

	first, err := sub.Publish(context.Background())
	require.NoError(t, err)
	assert.Len(t, first.DataChanges, 2)
	assert.True(t, first.MoreNotifications)
	assert.Equal(t, StateNotificationsAvailable, sub.State())

	second, err := sub.Publish(context.Background())
	require.NoError(t, err)
	assert.Len(t, second.DataChanges, 1)
	assert.False(t, second.MoreNotifications)
	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
	assert.Equal(t, StateIdle, sub.State())
}

func TestSubscription_PartialDrainKeepsItemReady(t *testing.T) {
	sub, _ := newTestSubscription(t, WithMaxNotificationsPerPublish(2))
	item := newTestItem(t, sub, 1, WithQueueSize(5))
	for v := int32(1); v <= 5; v++ {
		item.enqueueValue(intValue(v))
	}

	var got []int32
	for i := 0; i < 3; i++ {
		msg, err := sub.Publish(context.Background())
		require.NoError(t, err)
		for _, n := range msg.DataChanges {
			got = append(got, valueOf(t, n))
		}
	}
	assert.Equal(t, []int32{1, 2, 3, 4, 5}, got)
	assert.Equal(t, StateIdle, sub.State())
}

func TestSubscription_OverflowHandler(t *testing.T) {
	limits := DefaultLimits()
	audit := &recordingAudit{}
	var calls int
	o := defaultSubscriptionOptions(limits)
	o.revise(limits)
	sub := newSubscription(7, NewSession("test"), subscriptionDeps{
		logger:     discardLogger(),
		clock:      newMockClock(),
		limits:     limits,
		audit:      audit,
		onOverflow: func(*Subscription) { calls++ },
	}, o)

	a := newTestItem(t, sub, 1, WithQueueSize(1))
	b := newTestItem(t, sub, 2, WithQueueSize(1))
	for v := int32(1); v <= 3; v++ {
		a.enqueueValue(intValue(v))
		b.enqueueValue(intValue(v))
	}

	msg, err := sub.Publish(context.Background())
	require.NoError(t, err)
	assert.True(t, msg.DataLoss)
	assert.Equal(t, 1, calls, "one call per drain")
	assert.Equal(t, []uint32{7}, audit.Overflows())
	assert.Equal(t, int64(1), sub.metrics.QueueOverflows.Value())

	a.enqueueValue(intValue(9))
	msg, err = sub.Publish(context.Background())
	require.NoError(t, err)
	assert.False(t, msg.DataLoss)
	assert.Equal(t, 1, calls)
}

func TestSubscription_AcknowledgeAndRepublish(t *testing.T) {
	sub, _ := newTestSubscription(t)
	item := newTestItem(t, sub, 1)

	for v := int32(1); v <= 2; v++ {
		item.enqueueValue(intValue(v))
		_, err := sub.Publish(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []uint32{1, 2}, sub.AvailableSequenceNumbers())

	msg, err := sub.Republish(1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), valueOf(t, msg.DataChanges[0]))

	results := sub.Acknowledge(1, 99)
	assert.Equal(t, []opcua.StatusCode{opcua.StatusGood, opcua.StatusBadSequenceNumberUnknown}, results)
	assert.Equal(t, []uint32{2}, sub.AvailableSequenceNumbers())

	_, err = sub.Republish(1)
	assert.Equal(t, opcua.StatusBadMessageNotAvailable, opcua.StatusOf(err))
}

func TestSubscription_RetransmissionQueueIsBounded(t *testing.T) {
	sub, _ := newTestSubscription(t)
	item := newTestItem(t, sub, 1)
	max := DefaultLimits().MaxRetransmissionQueue

	for v := 1; v <= max+2; v++ {
		item.enqueueValue(intValue(int32(v)))
		_, err := sub.Publish(context.Background())
		require.NoError(t, err)
	}

	seqs := sub.AvailableSequenceNumbers()
	require.Len(t, seqs, max)
	assert.Equal(t, uint32(3), seqs[0])
	assert.Equal(t, uint32(max+2), seqs[len(seqs)-1])
}

func TestSubscription_DrainWithoutData(t *testing.T) {
	sub, _ := newTestSubscription(t)

	msg, err := sub.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, msg.Len())
	assert.Equal(t, uint32(1), msg.SequenceNumber)
	assert.Equal(t, StateIdle, sub.State())
	assert.Empty(t, sub.AvailableSequenceNumbers())
}

func TestSubscription_RemoveItemSettlesState(t *testing.T) {
	sub, _ := newTestSubscription(t)
	item := newTestItem(t, sub, 1)
	item.enqueueValue(intValue(1))
	require.Equal(t, StateNotificationsAvailable, sub.State())

	assert.True(t, sub.removeItem(item))
	assert.False(t, sub.removeItem(item))
	assert.Equal(t, StateIdle, sub.State())
	assert.Equal(t, 0, sub.ItemCount())
	assert.True(t, item.Detached())
}

func TestSubscription_PendingCount(t *testing.T) {
	t.Run("counts the empty to non-empty transition once", func(t *testing.T) {
		sub, _ := newTestSubscription(t)
		item := newTestItem(t, sub, 1, WithQueueSize(1), WithDiscardOldest(true))

		for i := int32(1); i <= 3; i++ {
			require.True(t, item.enqueueValue(intValue(i)))
		}
		assert.True(t, item.Overflowed())
		assert.Equal(t, 1, sub.PendingCount())
		assert.Equal(t, int64(1), sub.metrics.ItemsWithData.Value())

		_, err := sub.Drain(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, sub.PendingCount())
		assert.Equal(t, int64(0), sub.metrics.ItemsWithData.Value())

		item.enqueueValue(intValue(4))
		assert.Equal(t, 1, sub.PendingCount())
		assert.Equal(t, int64(1), sub.metrics.ItemsWithData.Value())
	})

	t.Run("sampling items hold data without being ready", func(t *testing.T) {
		sub, _ := newTestSubscription(t)
		item := newTestItem(t, sub, 1, WithMonitoringMode(opcua.MonitoringModeSampling), WithQueueSize(4))

		item.enqueueValue(intValue(1))
		item.enqueueValue(intValue(2))
		assert.Equal(t, 1, sub.PendingCount())
		assert.Equal(t, 0, sub.ReadyCount())

		require.NoError(t, item.setMonitoringMode(opcua.MonitoringModeDisabled))
		assert.Equal(t, 0, sub.PendingCount())
		assert.Equal(t, int64(0), sub.metrics.ItemsWithData.Value())
	})

	t.Run("removal and expiry forget pending items", func(t *testing.T) {
		sub, _ := newTestSubscription(t)
		a := newTestItem(t, sub, 1)
		b := newTestItem(t, sub, 2)
		a.enqueueValue(intValue(1))
		b.enqueueValue(intValue(2))
		require.Equal(t, 2, sub.PendingCount())

		sub.removeItem(a)
		assert.Equal(t, 1, sub.PendingCount())

		sub.Expire()
		assert.Equal(t, 0, sub.PendingCount())
		assert.Equal(t, int64(0), sub.metrics.ItemsWithData.Value())
	})
}

func TestSubscription_Revise(t *testing.T) {
	sub, _ := newTestSubscription(t,
		WithPublishingInterval(time.Millisecond),
		WithMaxKeepAliveCount(0),
		WithLifetimeCount(0),
	)
	assert.Equal(t, DefaultLimits().MinPublishingInterval, sub.PublishingInterval())
	assert.Equal(t, uint32(1), sub.MaxKeepAliveCount())
	assert.Equal(t, uint32(3), sub.LifetimeCount())

	require.NoError(t, sub.Modify(WithPublishingInterval(250*time.Millisecond), WithMaxKeepAliveCount(5)))
	assert.Equal(t, 250*time.Millisecond, sub.PublishingInterval())
	assert.Equal(t, uint32(15), sub.LifetimeCount())
}

func TestSubscription_TimerDrivesKeepAlive(t *testing.T) {
	sub, mock := newTestSubscription(t, WithMaxKeepAliveCount(1))
	sub.start()
	t.Cleanup(sub.stop)

	done := parkPublish(t, context.Background(), sub)

	var r publishResult
	require.Eventually(t, func() bool {
		mock.Add(sub.PublishingInterval())
		select {
		case r = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.err)
	assert.True(t, r.msg.KeepAlive)
}
