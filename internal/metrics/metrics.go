// Package metrics exposes the pipeline's operational counters on a single
// prometheus registry, served by the dashboard at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesParsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_frames_parsed_total",
		Help: "Raw feed frames parsed, by event kind.",
	}, []string{"event"})

	FramesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_frames_rejected_total",
		Help: "Feed frames rejected at the normalisation seam, by reason.",
	}, []string{"reason"})

	BufferDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buffer_events_dropped_total",
		Help: "Buffer appends dropped, by kind and reason (cap, ordering).",
	}, []string{"kind", "reason"})

	AnalyzerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyzer_errors_total",
		Help: "Errors caught at the analyzer boundary.",
	}, []string{"analyzer"})

	SignalsMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signals_merged_total",
		Help: "Signals produced by the merger.",
	})

	SignalsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signals_dropped_total",
		Help: "Signals dropped before delivery, by reason.",
	}, []string{"reason"})

	SignalsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signals_delivered_total",
		Help: "Signals handed to a sink, by sink.",
	}, []string{"sink"})

	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delivery_failures_total",
		Help: "Signals whose messaging delivery exhausted all retries.",
	})

	PollFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "context_poll_failures_total",
		Help: "Context poller request failures, by endpoint.",
	}, []string{"endpoint"})

	Outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_outcomes_total",
		Help: "Outcome labels recorded by the tracker.",
	}, []string{"label"})

	PersistenceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "persistence_errors_total",
		Help: "Non-fatal database write failures (warn-and-continue).",
	})
)
