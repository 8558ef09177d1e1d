package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Исходы: confirmed, in_flight, rejected, confirmation, failed
	Submissions *prometheus.CounterVec

	// Latency: только запросы, дошедшие до сети
	SubmitDuration *prometheus.HistogramVec

	InFlight prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Submissions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "review_submissions_total",
			Help: "Review transition submissions by outcome.",
		}, []string{"kind", "action", "outcome"}),

		SubmitDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "review_submission_duration_seconds",
			Help:    "Latency of status submissions sent to the entity store.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"kind", "action"}),

		InFlight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "review_submissions_in_flight",
			Help: "Number of entities with an unconfirmed submission.",
		}),
	}
}
