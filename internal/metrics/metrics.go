// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics registers the agent's Prometheus instrumentation.
package metrics // import "github.com/edgewatch/edgewatch/internal/metrics"

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts completed sampling cycles.
	CyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgewatch_cycles_total",
			Help: "Total number of completed sampling cycles",
		},
	)

	// AnomaliesTotal counts flagged anomalies by detector source.
	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_anomalies_total",
			Help: "Total number of anomalies flagged",
		},
		[]string{"source"},
	)

	// DispatchesTotal counts telemetry send outcomes.
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_dispatches_total",
			Help: "Total number of telemetry dispatch attempts",
		},
		[]string{"result"},
	)

	// DroppedPayloadsTotal counts payloads dropped at queue capacity.
	DroppedPayloadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgewatch_dropped_payloads_total",
			Help: "Total number of payloads dropped because the queue was full",
		},
	)

	// QueueDepth tracks the offline queue length.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgewatch_queue_depth",
			Help: "Current number of payloads in the offline queue",
		},
	)

	// ModelTrainingsTotal counts model (re)training runs by outcome.
	ModelTrainingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_model_trainings_total",
			Help: "Total number of local model training runs",
		},
		[]string{"result"},
	)

	// CycleDuration observes end-to-end cycle latency.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edgewatch_cycle_duration_seconds",
			Help:    "Duration of one sampling cycle in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// StageFailuresTotal counts per-stage failure boundary hits.
	StageFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_stage_failures_total",
			Help: "Total number of cycle stage failures absorbed",
		},
		[]string{"stage"},
	)
)
