// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the engine's counters and gauges to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/ackwatch/internal/sentinel"
)

// Exporter bridges sentinel events and status snapshots to Prometheus.
// Event counters tick as events arrive; gauges are read from a status
// snapshot at scrape time.
type Exporter struct {
	svc *sentinel.Service

	ActionsTotal    *prometheus.CounterVec
	SuspiciousTotal *prometheus.CounterVec
	BlockedTotal    prometheus.Counter

	packetsValidated *prometheus.Desc
	packetsRejected  *prometheus.Desc
	quarantinedIPs   *prometheus.Desc
	suspiciousConns  *prometheus.Desc
	trackedConns     *prometheus.Desc
	activeConns      *prometheus.Desc
	blockedIPs       *prometheus.Desc
	bytesTransferred *prometheus.Desc
	trackedFlows     *prometheus.Desc
}

// NewExporter creates the exporter and subscribes it to the service's
// event stream.
func NewExporter(svc *sentinel.Service) *Exporter {
	e := &Exporter{
		svc: svc,
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ackwatch_defense_actions_total",
			Help: "Total number of defense actions by type and severity",
		}, []string{"type", "severity"}),
		SuspiciousTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ackwatch_suspicious_activity_total",
			Help: "Total number of flagged suspicious activities by type and severity",
		}, []string{"type", "severity"}),
		BlockedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ackwatch_blocked_requests_total",
			Help: "Total number of requests rejected by the blocklist",
		}),
		packetsValidated: prometheus.NewDesc(
			"ackwatch_packets_validated_total",
			"Total number of packets run through the defense pipeline",
			nil, nil),
		packetsRejected: prometheus.NewDesc(
			"ackwatch_packets_rejected_total",
			"Total number of packets rejected by the defense pipeline",
			nil, nil),
		quarantinedIPs: prometheus.NewDesc(
			"ackwatch_quarantined_ips",
			"Number of currently quarantined source IPs",
			nil, nil),
		suspiciousConns: prometheus.NewDesc(
			"ackwatch_suspicious_connections",
			"Number of connections latched as suspicious",
			nil, nil),
		trackedConns: prometheus.NewDesc(
			"ackwatch_tracked_connections",
			"Number of connection states held by the defense system",
			nil, nil),
		activeConns: prometheus.NewDesc(
			"ackwatch_active_connections",
			"Number of open connections in the request analyzer",
			nil, nil),
		blockedIPs: prometheus.NewDesc(
			"ackwatch_blocked_ips",
			"Number of live blocklist entries",
			nil, nil),
		bytesTransferred: prometheus.NewDesc(
			"ackwatch_bytes_transferred_total",
			"Total bytes transferred across retained connections",
			nil, nil),
		trackedFlows: prometheus.NewDesc(
			"ackwatch_tracked_flows",
			"Number of flows in the retained traffic history",
			nil, nil),
	}

	svc.Subscribe(func(ev sentinel.Event) {
		switch ev.Kind {
		case sentinel.EventDefenseAction:
			if ev.Action != nil {
				e.ActionsTotal.WithLabelValues(ev.Action.Type, ev.Action.Severity).Inc()
			}
		case sentinel.EventSuspiciousActivity:
			if ev.Activity != nil {
				e.SuspiciousTotal.WithLabelValues(ev.Activity.Type, ev.Activity.Severity).Inc()
			}
		case sentinel.EventBlocked:
			e.BlockedTotal.Inc()
		}
	})
	return e
}

// Register registers the exporter with a Prometheus registry.
func (e *Exporter) Register(reg prometheus.Registerer) error {
	return reg.Register(e)
}

// Describe implements prometheus.Collector
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	e.ActionsTotal.Describe(ch)
	e.SuspiciousTotal.Describe(ch)
	e.BlockedTotal.Describe(ch)
	ch <- e.packetsValidated
	ch <- e.packetsRejected
	ch <- e.quarantinedIPs
	ch <- e.suspiciousConns
	ch <- e.trackedConns
	ch <- e.activeConns
	ch <- e.blockedIPs
	ch <- e.bytesTransferred
	ch <- e.trackedFlows
}

// Collect implements prometheus.Collector
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.ActionsTotal.Collect(ch)
	e.SuspiciousTotal.Collect(ch)
	e.BlockedTotal.Collect(ch)

	st := e.svc.Status()
	ch <- prometheus.MustNewConstMetric(e.packetsValidated, prometheus.CounterValue, float64(st.Defense.PacketsValidated))
	ch <- prometheus.MustNewConstMetric(e.packetsRejected, prometheus.CounterValue, float64(st.Defense.PacketsRejected))
	ch <- prometheus.MustNewConstMetric(e.quarantinedIPs, prometheus.GaugeValue, float64(st.Defense.QuarantinedIPs))
	ch <- prometheus.MustNewConstMetric(e.suspiciousConns, prometheus.GaugeValue, float64(st.Defense.SuspiciousConnections))
	ch <- prometheus.MustNewConstMetric(e.trackedConns, prometheus.GaugeValue, float64(st.Defense.TotalConnections))
	ch <- prometheus.MustNewConstMetric(e.activeConns, prometheus.GaugeValue, float64(st.Connections.ActiveConnections))
	ch <- prometheus.MustNewConstMetric(e.blockedIPs, prometheus.GaugeValue, float64(st.BlockedIPs))
	ch <- prometheus.MustNewConstMetric(e.bytesTransferred, prometheus.CounterValue, float64(st.Connections.TotalBytesTransferred))
	ch <- prometheus.MustNewConstMetric(e.trackedFlows, prometheus.GaugeValue, float64(st.Traffic.ConnectionCount))
}
