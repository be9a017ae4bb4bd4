// Package metrics holds the Prometheus collectors shared by the engine
// components. Each Metrics value owns its own registry so tests can
// create as many as they like.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "session_center"

type Metrics struct {
	reg *prometheus.Registry

	EventsIngested *prometheus.CounterVec
	EventsRejected *prometheus.CounterVec
	MatcherRules   *prometheus.CounterVec
	Transitions    *prometheus.CounterVec
	Sessions       *prometheus.GaugeVec
	Teams          prometheus.Gauge
	Detector       *prometheus.CounterVec

	ReaderOffset      prometheus.Gauge
	ReaderTruncations *prometheus.CounterVec
	ReaderResyncs     prometheus.Counter
	ReaderOversized   prometheus.Counter

	LivenessFailures prometheus.Counter
	ProcessDeaths    prometheus.Counter

	SnapshotWrites *prometheus.CounterVec

	BroadcastSeq     prometheus.Gauge
	BroadcastDropped *prometheus.CounterVec
	Viewers          prometheus.Gauge
	Replays          *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_ingested_total",
			Help: "Hook events accepted by the validator, by event type.",
		}, []string{"type"}),
		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_rejected_total",
			Help: "Hook lines rejected by the validator, by reason.",
		}, []string{"reason"}),
		MatcherRules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "matcher_resolutions_total",
			Help: "Unknown session ids resolved by each matcher rule.",
		}, []string{"rule"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "status_transitions_total",
			Help: "Accepted session status transitions.",
		}, []string{"from", "to"}),
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions",
			Help: "Sessions currently tracked, by status.",
		}, []string{"status"}),
		Teams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "teams",
			Help: "Teams currently tracked.",
		}),
		Detector: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "detector_fires_total",
			Help: "Approval detector timer outcomes, by category and outcome.",
		}, []string{"category", "outcome"}),
		ReaderOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "reader_offset_bytes",
			Help: "Byte offset of the last complete line read from the event log.",
		}),
		ReaderTruncations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reader_truncations_total",
			Help: "Event log truncations, by cause.",
		}, []string{"cause"}),
		ReaderResyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reader_health_resyncs_total",
			Help: "Health checks that found unread bytes no other wake source had picked up.",
		}),
		ReaderOversized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reader_oversized_lines_total",
			Help: "Event log lines skipped for exceeding the maximum line length.",
		}),
		LivenessFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "liveness_probe_failures_total",
			Help: "PID liveness probes that returned an error.",
		}),
		ProcessDeaths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "process_deaths_total",
			Help: "Sessions ended because their process disappeared.",
		}),
		SnapshotWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshot_writes_total",
			Help: "Snapshot write attempts, by result.",
		}, []string{"result"}),
		BroadcastSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "broadcast_seq",
			Help: "Latest broadcast sequence number.",
		}),
		BroadcastDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcast_dropped_total",
			Help: "Messages not delivered to a slow viewer, by message class.",
		}, []string{"class"}),
		Viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "viewers",
			Help: "Connected viewers.",
		}),
		Replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "replays_total",
			Help: "Reconnect replays served, by mode (delta or snapshot).",
		}, []string{"mode"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsIngested, m.EventsRejected, m.MatcherRules, m.Transitions,
		m.Sessions, m.Teams, m.Detector,
		m.ReaderOffset, m.ReaderTruncations, m.ReaderResyncs, m.ReaderOversized,
		m.LivenessFailures, m.ProcessDeaths,
		m.SnapshotWrites,
		m.BroadcastSeq, m.BroadcastDropped, m.Viewers, m.Replays,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// OrNew returns m, or a fresh Metrics when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New()
	}
	return m
}

// Total sums every series of the named counter family, for example
// "events_rejected_total". It returns 0 for unknown names.
func (m *Metrics) Total(name string) float64 {
	families, err := m.reg.Gather()
	if err != nil {
		return 0
	}
	full := namespace + "_" + name
	var sum float64
	for _, mf := range families {
		if mf.GetName() != full {
			continue
		}
		for _, metric := range mf.GetMetric() {
			sum += metric.GetCounter().GetValue()
		}
	}
	return sum
}
