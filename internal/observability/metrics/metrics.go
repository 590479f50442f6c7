package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BookingMetrics exposes counters/histograms for booking operations and
// notification emission.
type BookingMetrics struct {
	operationsTotal    *prometheus.CounterVec
	operationLatency   *prometheus.HistogramVec
	notificationsTotal *prometheus.CounterVec
	relayTotal         *prometheus.CounterVec
	cascadeCancelled   prometheus.Counter
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "appointments",
			Name:      "operations_total",
			Help:      "Booking operations by outcome key",
		}, []string{"operation", "outcome"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "booking",
			Subsystem: "appointments",
			Name:      "operation_latency_seconds",
			Help:      "Latency of booking operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "notifications",
			Name:      "emitted_total",
			Help:      "Notification events handed to the sink",
		}, []string{"kind", "status"}),
		relayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "notifications",
			Name:      "relayed_total",
			Help:      "Outbox entries forwarded to a transport",
		}, []string{"transport", "status"}),
		cascadeCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "absences",
			Name:      "cascade_cancelled_total",
			Help:      "Appointments cancelled by absence cascades",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operationsTotal, m.operationLatency, m.notificationsTotal, m.relayTotal, m.cascadeCancelled)
	return m
}

func (m *BookingMetrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
	m.operationLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *BookingMetrics) ObserveNotification(kind string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.notificationsTotal.WithLabelValues(kind, status).Inc()
}

func (m *BookingMetrics) ObserveRelay(transport string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.relayTotal.WithLabelValues(transport, status).Inc()
}

func (m *BookingMetrics) AddCascadeCancelled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cascadeCancelled.Add(float64(n))
}
