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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgeo-scada/opcua-engine"
)

// Collector exports EngineMetrics in Prometheus format.
type Collector struct {
	metrics *EngineMetrics

	gauges   []gaugeDesc
	counters []gaugeDesc

	serviceRequests *prometheus.Desc
	serviceErrors   *prometheus.Desc
	serviceLatency  *prometheus.Desc
	publishLatency  *prometheus.Desc
}

type gaugeDesc struct {
	desc  *prometheus.Desc
	value func() int64
}

// NewCollector returns a prometheus.Collector reading m. namespace prefixes
// every metric name.
func NewCollector(m *EngineMetrics, namespace string) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		metrics: m,
		gauges: []gaugeDesc{
			{desc("sessions_live_count", "Number of currently open sessions."), m.ActiveSessions.Value},
			{desc("subscriptions_live_count", "Number of live subscriptions."), m.ActiveSubscriptions.Value},
			{desc("monitored_items_live_count", "Number of attached monitored items."), m.MonitoredItems.Value},
			{desc("monitored_nodes_live_count", "Number of nodes with at least one monitored item."), m.MonitoredNodes.Value},
			{desc("monitored_items_with_data_count", "Number of monitored items holding queued notifications."), m.ItemsWithData.Value},
		},
		counters: []gaugeDesc{
			{desc("notifications_queued_total", "Notifications accepted into item queues."), m.NotificationsQueued.Value},
			{desc("notifications_sent_total", "Notifications delivered in publish responses."), m.NotificationsSent.Value},
			{desc("publish_requests_total", "Publish requests received."), m.PublishRequests.Value},
			{desc("publish_responses_total", "Publish responses returned, keep-alives included."), m.PublishResponses.Value},
			{desc("keep_alives_total", "Keep-alive publish responses."), m.KeepAlives.Value},
			{desc("queue_overflows_total", "Drains that observed at least one overflowed queue."), m.QueueOverflows.Value},
			{desc("subscriptions_expired_total", "Subscriptions that reached the expired state."), m.SubscriptionsExpired.Value},
			{desc("permission_denials_total", "Failed role-permission checks."), m.PermissionDenials.Value},
			{desc("lifecycle_events_dropped_total", "Lifecycle events dropped because the dispatch queue was full."), m.LifecycleDropped.Value},
		},
		serviceRequests: desc("service_requests_total", "Service calls by service.", "service"),
		serviceErrors:   desc("service_errors_total", "Failed service calls by service.", "service"),
		serviceLatency:  desc("service_latency_milliseconds", "Service call latency.", "service"),
		publishLatency:  desc("publish_latency_milliseconds", "Time a publish request waited for its response."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		ch <- g.desc
	}
	for _, g := range c.counters {
		ch <- g.desc
	}
	ch <- c.serviceRequests
	ch <- c.serviceErrors
	ch <- c.serviceLatency
	ch <- c.publishLatency
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, float64(g.value()))
	}
	for _, g := range c.counters {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.CounterValue, float64(g.value()))
	}

	c.metrics.rangeServices(func(svc opcua.ServiceID, sm *ServiceMetrics) {
		name := svc.String()
		ch <- prometheus.MustNewConstMetric(c.serviceRequests, prometheus.CounterValue, float64(sm.Requests.Value()), name)
		ch <- prometheus.MustNewConstMetric(c.serviceErrors, prometheus.CounterValue, float64(sm.Errors.Value()), name)
		st := sm.Latency.Stats()
		ch <- prometheus.MustNewConstHistogram(c.serviceLatency, uint64(st.Count), st.Sum, st.Cumulative, name)
	})

	st := c.metrics.PublishLatency.Stats()
	ch <- prometheus.MustNewConstHistogram(c.publishLatency, uint64(st.Count), st.Sum, st.Cumulative)
}
