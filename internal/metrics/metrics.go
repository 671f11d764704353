package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ScansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wastesense_scans_total",
		Help: "Scans processed, by outcome",
	}, []string{"outcome"})
	PredictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wastesense_predictions_total",
		Help: "Classifier predictions, by waste type",
	}, []string{"waste_type"})
	ViolationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wastesense_violations_total",
		Help: "Wrong-disposal events, by predicted waste type",
	}, []string{"waste_type"})
	ClassifierDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wastesense_classifier_duration_ms",
		Help:    "Classifier call duration in milliseconds",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"transport"})
	ClassifierFailTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wastesense_classifier_fail_total",
		Help: "Classifier call failures",
	}, []string{"transport"})
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wastesense_cache_hits_total",
		Help: "Redis cache hits",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wastesense_cache_misses_total",
		Help: "Redis cache misses",
	})
	SupersededScansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wastesense_superseded_scans_total",
		Help: "In-flight scans cancelled by a newer scan from the same user",
	})
)

func init() {
	prometheus.MustRegister(ScansTotal)
	prometheus.MustRegister(PredictionsTotal)
	prometheus.MustRegister(ViolationsTotal)
	prometheus.MustRegister(ClassifierDurationMs)
	prometheus.MustRegister(ClassifierFailTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(SupersededScansTotal)
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler { return promhttp.Handler() }
