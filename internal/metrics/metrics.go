// Package metrics provides Prometheus metrics collection for mkeyconform.
//
// The run command can expose these at /metrics while a run is in progress:
//
// Test Metrics:
//   - mkeyconform_tests_total: Test outcomes by suite and status
//   - mkeyconform_test_duration_seconds: Test latency histogram
//
// Device Metrics:
//   - mkeyconform_sig_errors_total: Signature errors latched on memory keys
//   - mkeyconform_work_requests_total: Completions by opcode and status
//   - mkeyconform_device_counter: Simulated device counters
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TestsTotal counts test outcomes
	TestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mkeyconform_tests_total",
			Help: "Total number of conformance tests by outcome",
		},
		[]string{"suite", "status"},
	)

	// TestDuration tracks test duration in seconds
	TestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mkeyconform_test_duration_seconds",
			Help:    "Conformance test duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"suite"},
	)

	// SigErrorsTotal counts signature errors reported by memory keys
	SigErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mkeyconform_sig_errors_total",
			Help: "Total number of signature errors latched on memory keys",
		},
		[]string{"type"},
	)

	// WorkRequestsTotal counts polled completions
	WorkRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mkeyconform_work_requests_total",
			Help: "Total number of work completions by opcode and status",
		},
		[]string{"opcode", "status"},
	)

	// DeviceCounter mirrors counters reported by the device backend
	DeviceCounter = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mkeyconform_device_counter",
			Help: "Counters reported by the device backend",
		},
		[]string{"counter"},
	)

	// RunInfo carries static run information
	RunInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mkeyconform_run_info",
			Help: "Run information",
		},
		[]string{"run_id", "device", "version"},
	)
)

// Version is set at build time
var Version = "dev"

// Init records the run identity
func Init(runID, device string) {
	RunInfo.WithLabelValues(runID, device, Version).Set(1)
}

// RecordTest records one test outcome
func RecordTest(suite, status string, duration time.Duration) {
	TestsTotal.WithLabelValues(suite, status).Inc()
	TestDuration.WithLabelValues(suite).Observe(duration.Seconds())
}

// RecordSigError records a signature error of the given type
func RecordSigError(errType string) {
	SigErrorsTotal.WithLabelValues(errType).Inc()
}

// RecordCompletion records a polled work completion
func RecordCompletion(opcode, status string) {
	WorkRequestsTotal.WithLabelValues(opcode, status).Inc()
}

// SetDeviceCounters copies numeric backend counters into DeviceCounter
func SetDeviceCounters(counters map[string]interface{}) {
	for name, v := range counters {
		switch n := v.(type) {
		case int64:
			DeviceCounter.WithLabelValues(name).Set(float64(n))
		case int:
			DeviceCounter.WithLabelValues(name).Set(float64(n))
		case float64:
			DeviceCounter.WithLabelValues(name).Set(n)
		}
	}
}
