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
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/opcua-engine"
)

// Counter is a simple atomic counter.
type Counter struct {
	value int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.value, delta)
}

// Inc adds one.
func (c *Counter) Inc() { c.Add(1) }

// Dec subtracts one.
func (c *Counter) Dec() { c.Add(-1) }

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Reset resets the counter to zero.
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.value, 0)
}

var latencyBounds = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000} // ms

// LatencyHistogram tracks latency distribution.
type LatencyHistogram struct {
	mu      sync.Mutex
	buckets []int64 // count per bucket, last one unbounded
	sum     float64
	count   int64
	min     float64
	max     float64
}

// NewLatencyHistogram creates a new latency histogram with default buckets.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{
		buckets: make([]int64, len(latencyBounds)+1),
		min:     -1,
		max:     -1,
	}
}

// Observe records a latency observation.
func (h *LatencyHistogram) Observe(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += ms
	h.count++
	if h.min < 0 || ms < h.min {
		h.min = ms
	}
	if ms > h.max {
		h.max = ms
	}
	for i, bound := range latencyBounds {
		if ms <= bound {
			h.buckets[i]++
			return
		}
	}
	h.buckets[len(h.buckets)-1]++
}

// Stats returns histogram statistics.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := LatencyStats{
		Count:      h.count,
		Sum:        h.sum,
		Cumulative: make(map[float64]uint64, len(latencyBounds)),
	}
	if h.count > 0 {
		stats.Avg = h.sum / float64(h.count)
		stats.Min = h.min
		stats.Max = h.max
	}
	var running uint64
	for i, bound := range latencyBounds {
		running += uint64(h.buckets[i])
		stats.Cumulative[bound] = running
	}
	return stats
}

// Reset resets the histogram.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.buckets {
		h.buckets[i] = 0
	}
	h.sum = 0
	h.count = 0
	h.min = -1
	h.max = -1
}

// LatencyStats holds latency statistics. Cumulative maps each bucket upper
// bound in milliseconds to the number of observations at or below it.
type LatencyStats struct {
	Count      int64
	Sum        float64
	Avg        float64
	Min        float64
	Max        float64
	Cumulative map[float64]uint64
}

// EngineMetrics holds the subscription engine metrics.
type EngineMetrics struct {
	ActiveSessions      Counter
	ActiveSubscriptions Counter
	MonitoredItems      Counter
	MonitoredNodes      Counter
	ItemsWithData       Counter

	NotificationsQueued  Counter
	NotificationsSent    Counter
	PublishRequests      Counter
	PublishResponses     Counter
	KeepAlives           Counter
	QueueOverflows       Counter
	SubscriptionsExpired Counter
	PermissionDenials    Counter
	LifecycleDropped     Counter

	PublishLatency *LatencyHistogram

	serviceMetrics sync.Map // opcua.ServiceID -> *ServiceMetrics
}

// ServiceMetrics holds metrics for a specific service.
type ServiceMetrics struct {
	Requests Counter
	Errors   Counter
	Latency  *LatencyHistogram
}

// NewEngineMetrics creates a new EngineMetrics instance.
func NewEngineMetrics() *EngineMetrics {
	return &EngineMetrics{
		PublishLatency: NewLatencyHistogram(),
	}
}

// ForService returns metrics for a specific service.
func (m *EngineMetrics) ForService(svc opcua.ServiceID) *ServiceMetrics {
	if val, ok := m.serviceMetrics.Load(svc); ok {
		return val.(*ServiceMetrics)
	}

	sm := &ServiceMetrics{
		Latency: NewLatencyHistogram(),
	}
	actual, _ := m.serviceMetrics.LoadOrStore(svc, sm)
	return actual.(*ServiceMetrics)
}

// observe records one call of svc that started at start.
func (m *EngineMetrics) observe(svc opcua.ServiceID, start time.Time, now time.Time, err error) {
	sm := m.ForService(svc)
	sm.Requests.Inc()
	if err != nil {
		sm.Errors.Inc()
	}
	sm.Latency.Observe(now.Sub(start))
}

func (m *EngineMetrics) rangeServices(fn func(opcua.ServiceID, *ServiceMetrics)) {
	m.serviceMetrics.Range(func(key, value interface{}) bool {
		fn(key.(opcua.ServiceID), value.(*ServiceMetrics))
		return true
	})
}

// Collect returns all metrics as a map.
func (m *EngineMetrics) Collect() map[string]interface{} {
	result := map[string]interface{}{
		"active_sessions":       m.ActiveSessions.Value(),
		"active_subscriptions":  m.ActiveSubscriptions.Value(),
		"monitored_items":       m.MonitoredItems.Value(),
		"monitored_nodes":       m.MonitoredNodes.Value(),
		"items_with_data":       m.ItemsWithData.Value(),
		"notifications_queued":  m.NotificationsQueued.Value(),
		"notifications_sent":    m.NotificationsSent.Value(),
		"publish_requests":      m.PublishRequests.Value(),
		"publish_responses":     m.PublishResponses.Value(),
		"keep_alives":           m.KeepAlives.Value(),
		"queue_overflows":       m.QueueOverflows.Value(),
		"subscriptions_expired": m.SubscriptionsExpired.Value(),
		"permission_denials":    m.PermissionDenials.Value(),
		"lifecycle_dropped":     m.LifecycleDropped.Value(),
		"publish_latency":       m.PublishLatency.Stats(),
	}

	serviceStats := make(map[string]interface{})
	m.rangeServices(func(svc opcua.ServiceID, sm *ServiceMetrics) {
		serviceStats[svc.String()] = map[string]interface{}{
			"requests": sm.Requests.Value(),
			"errors":   sm.Errors.Value(),
			"latency":  sm.Latency.Stats(),
		}
	})
	if len(serviceStats) > 0 {
		result["services"] = serviceStats
	}

	return result
}
