package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics метрики Console API (серверная сторона переходов).
type Metrics struct {
	// Latency: обработка HTTP-запроса целиком
	RequestDuration *prometheus.HistogramVec

	// Traffic: подтверждённые переходы по типу сущности и новому состоянию
	Transitions *prometheus.CounterVec

	// Errors: классификация отказов (illegal_transition, unauthorized, missing_notes, conflict, internal)
	TransitionErrors *prometheus.CounterVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "console_request_duration_seconds",
			Help:    "Histogram of console API request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "route", "status"}),

		Transitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "review_transitions_total",
			Help: "Total number of confirmed review transitions.",
		}, []string{"kind", "state"}),

		TransitionErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "review_transition_errors_total",
			Help: "Total number of rejected transitions by reason.",
		}, []string{"reason"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "review_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
