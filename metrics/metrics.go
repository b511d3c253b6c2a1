// Package metrics holds the prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReadingsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "water_monitor_readings_accepted_total",
		Help: "Sensor readings accepted into the store, by transport.",
	}, []string{"source"})

	ReadingsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "water_monitor_readings_rejected_total",
		Help: "Sensor readings rejected at the ingestion boundary, by transport.",
	}, []string{"source"})

	ActiveSensors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "water_monitor_active_sensors",
		Help: "Sensors with a latest reading in the store.",
	})

	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "water_monitor_snapshot_duration_seconds",
		Help:    "Time spent writing a state snapshot.",
		Buckets: prometheus.DefBuckets,
	})

	SnapshotFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "water_monitor_snapshot_failures_total",
		Help: "Snapshot writes that failed and will be retried on the next cycle.",
	})

	ForwardFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "water_monitor_forward_failures_total",
		Help: "Accepted readings that could not be forwarded to the message broker.",
	})

	ReportsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "water_monitor_reports_generated_total",
		Help: "Reports generated, by kind.",
	}, []string{"kind"})
)
