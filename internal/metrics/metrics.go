package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service collectors.
type Metrics struct {
	Requests          *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	Predictions       *prometheus.CounterVec
	InferenceDuration prometheus.Histogram
}

// Prediction outcomes.
const (
	OutcomeSuccess        = "success"
	OutcomeInvalidInput   = "invalid_input"
	OutcomeModelNotLoaded = "model_not_loaded"
	OutcomeError          = "error"
)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			}, []string{"path", "method", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"path"},
		),
		Predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flower_predictions_total",
				Help: "Prediction requests by outcome",
			}, []string{"outcome"},
		),
		InferenceDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flower_inference_duration_seconds",
				Help:    "Time spent decoding, preprocessing and scoring one image",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	reg.MustRegister(m.Requests, m.RequestDuration, m.Predictions, m.InferenceDuration)
	return m
}
