// Package metrics holds the Prometheus collectors of one map engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is registered on its own registry so several engines can live in
// one process.
type Metrics struct {
	Registry *prometheus.Registry

	FetchTotal   *prometheus.CounterVec
	FetchLatency prometheus.Histogram
	InFlight     prometheus.Gauge
	Tiles        prometheus.Gauge
	Evicted      prometheus.Counter
	Passes       *prometheus.CounterVec
	PassDuration prometheus.Histogram
	PassPanics   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		FetchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tilestream_fetch_total",
			Help: "Tile fetches by result",
		}, []string{"result"}),
		FetchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tilestream_fetch_latency_seconds",
			Help:    "Latency of tile fetches in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "tilestream_fetch_in_flight",
			Help: "Fetches currently running",
		}),
		Tiles: f.NewGauge(prometheus.GaugeOpts{
			Name: "tilestream_registry_tiles",
			Help: "Live tiles in the registry after the last sweep",
		}),
		Evicted: f.NewCounter(prometheus.CounterOpts{
			Name: "tilestream_evicted_total",
			Help: "Tiles disposed by eviction sweeps",
		}),
		Passes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tilestream_passes_total",
			Help: "Compositor passes by redraw scope",
		}, []string{"scope"}),
		PassDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tilestream_pass_duration_seconds",
			Help:    "Duration of compositor passes in seconds",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		PassPanics: f.NewCounter(prometheus.CounterOpts{
			Name: "tilestream_pass_panics_total",
			Help: "Compositor passes aborted by a recovered panic",
		}),
	}
}
