package metrics

import (
	"net/http"

	"image-shrinker/internal/batch"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for compression runs.
type Metrics struct {
	AssetsTotal          *prometheus.CounterVec
	BytesTotal           *prometheus.CounterVec
	AttemptsPerAsset     prometheus.Histogram
	ThresholdMissesTotal prometheus.Counter
	ReductionRatio       prometheus.Histogram
	RunsTotal            *prometheus.CounterVec
	RunInProgress        prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		AssetsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "image_shrinker_assets_total",
				Help: "Images handled, by outcome",
			},
			[]string{"action"},
		),

		BytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "image_shrinker_bytes_total",
				Help: "Bytes before and after compression",
			},
			[]string{"direction"},
		),

		AttemptsPerAsset: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "image_shrinker_attempts_per_asset",
				Help:    "Encode attempts needed per image",
				Buckets: []float64{1, 2, 3, 4, 5, 8},
			},
		),

		ThresholdMissesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "image_shrinker_threshold_misses_total",
				Help: "Images still above the size threshold after the last attempt",
			},
		),

		ReductionRatio: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "image_shrinker_reduction_ratio",
				Help:    "Share of the original size removed per compressed image",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		),

		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "image_shrinker_runs_total",
				Help: "Batch runs, by result",
			},
			[]string{"status"},
		),

		RunInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "image_shrinker_run_in_progress",
				Help: "1 while a batch run is active",
			},
		),

		registry: reg,
	}
}

// OnAsset records one finished asset.
func (m *Metrics) OnAsset(_, _ int, r batch.AssetResult) {
	m.AssetsTotal.WithLabelValues(string(r.Action)).Inc()

	if !r.Success() {
		return
	}
	m.BytesTotal.WithLabelValues("in").Add(float64(r.OriginalSize))
	m.BytesTotal.WithLabelValues("out").Add(float64(r.FinalSize))
	if r.Attempts > 0 {
		m.AttemptsPerAsset.Observe(float64(r.Attempts))
	}
	if r.ThresholdMissed() {
		m.ThresholdMissesTotal.Inc()
	}
	if r.Action == batch.ActionCompressed {
		m.ReductionRatio.Observe(r.Reduction() / 100)
	}
}

// RunStarted marks a run as active.
func (m *Metrics) RunStarted() {
	m.RunInProgress.Set(1)
}

// RunFinished records the end of a run.
func (m *Metrics) RunFinished(err error) {
	m.RunInProgress.Set(0)
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RunsTotal.WithLabelValues(status).Inc()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
