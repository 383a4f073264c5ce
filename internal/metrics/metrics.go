// Package metrics provides Prometheus instrumentation for the E2EE services.
// Collectors are registered with the default registry on import and served
// from /metrics.
package metrics

import (
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"e2eed/internal/domain"
)

const (
	// Namespace is the Prometheus namespace for all metrics.
	Namespace = "e2eed"

	LabelComponent  = "component"
	LabelOperation  = "operation"
	LabelStatus     = "status"
	LabelSource     = "source"
	LabelReason     = "reason"
	LabelMethod     = "method"
	LabelRoute      = "route"
	LabelStatusCode = "status_code"

	StatusSuccess    = "success"
	StatusNotFound   = "not_found"
	StatusConflict   = "conflict"
	StatusValidation = "validation"
	StatusError      = "error"
)

var (
	// OperationsTotal counts service operations by component, operation and outcome.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of service operations by component, operation and status",
		},
		[]string{LabelComponent, LabelOperation, LabelStatus},
	)

	// OperationDuration tracks service operation latency in seconds.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of service operations in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{LabelComponent, LabelOperation},
	)

	// KeysClaimedTotal counts claim results: one_time, fallback or exhausted.
	KeysClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "keys_claimed_total",
			Help:      "One-time key claims by source",
		},
		[]string{LabelSource},
	)

	// MegolmRotationsTotal counts outbound group session rotations by reason.
	MegolmRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "megolm_rotations_total",
			Help:      "Outbound group session rotations by reason",
		},
		[]string{LabelReason},
	)

	// ToDeviceDroppedTotal counts to-device messages dropped for unknown devices.
	ToDeviceDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "to_device_dropped_total",
			Help:      "To-device messages dropped because the target device does not exist",
		},
	)

	// KeyRequestsPending is the size of the in-memory pending key request index.
	KeyRequestsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "key_requests_pending",
			Help:      "Number of pending room key requests",
		},
	)

	// KeyRequestsSweptTotal counts requests removed by the background sweep.
	KeyRequestsSweptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "key_requests_swept_total",
			Help:      "Key requests removed by the sweep, by reason",
		},
		[]string{LabelReason},
	)

	// HTTPRequestsTotal counts HTTP requests by method, route pattern and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route and status code",
		},
		[]string{LabelMethod, LabelRoute, LabelStatusCode},
	)

	// HTTPRequestDuration tracks HTTP request latency in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod, LabelRoute},
	)

	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// Observe records the outcome and latency of an operation started at start.
//
//	defer func(start time.Time) { metrics.Observe("olm", "encrypt", start, err) }(time.Now())
func Observe(component, operation string, start time.Time, err error) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(component, operation, StatusOf(err)).Inc()
	OperationDuration.WithLabelValues(component, operation).Observe(time.Since(start).Seconds())
}

// StatusOf maps an error onto a status label.
func StatusOf(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, domain.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return StatusConflict
	case errors.Is(err, domain.ErrValidation):
		return StatusValidation
	default:
		return StatusError
	}
}

// RecordClaim counts a claim result.
func RecordClaim(source string) {
	if !enabled.Load() {
		return
	}
	KeysClaimedTotal.WithLabelValues(source).Inc()
}

// RecordRotation counts an outbound session rotation.
func RecordRotation(reason string) {
	if !enabled.Load() {
		return
	}
	MegolmRotationsTotal.WithLabelValues(reason).Inc()
}

// RecordToDeviceDropped counts a dropped to-device message.
func RecordToDeviceDropped() {
	if !enabled.Load() {
		return
	}
	ToDeviceDroppedTotal.Inc()
}

// SetPendingKeyRequests sets the pending key request gauge.
func SetPendingKeyRequests(n int) {
	if !enabled.Load() {
		return
	}
	KeyRequestsPending.Set(float64(n))
}

// RecordSwept counts key requests removed by the sweep.
func RecordSwept(reason string, n int64) {
	if !enabled.Load() || n <= 0 {
		return
	}
	KeyRequestsSweptTotal.WithLabelValues(reason).Add(float64(n))
}

// RecordHTTPRequest records an HTTP request with its route pattern.
func RecordHTTPRequest(method, route string, statusCode int, d time.Duration) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Enable enables metrics collection.
func Enable() { enabled.Store(true) }

// Disable disables metrics collection.
func Disable() { enabled.Store(false) }

// IsEnabled returns whether metrics collection is enabled.
func IsEnabled() bool { return enabled.Load() }
