package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DetectionsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reid_detections_processed_total",
			Help: "Total detections ingested",
		},
		[]string{"camera_id", "status"},
	)

	MatchDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reid_match_decisions_total",
			Help: "Match attempt outcomes",
		},
		[]string{"decision"},
	)

	MatchScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reid_match_score",
			Help:    "Best candidate similarity per match attempt",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1.0},
		},
	)

	Handoffs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reid_handoffs_total",
			Help: "Total cross-camera session handoffs",
		},
	)

	OpenSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reid_open_sessions",
			Help: "Currently open tracking sessions",
		},
		[]string{"status"},
	)

	FeatureRecordsStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reid_feature_records_stored_total",
			Help: "Total feature records stored in the bank",
		},
	)

	IncidentsLogged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reid_incidents_logged_total",
			Help: "Total incidents logged",
		},
		[]string{"type", "severity"},
	)

	AnchorQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reid_anchor_queue_depth",
			Help: "Pending audit ledger submissions",
		},
	)

	AnchorSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reid_anchor_submissions_total",
			Help: "Ledger submission outcomes",
		},
		[]string{"status"},
	)

	IngestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reid_ingest_duration_seconds",
			Help:    "Detection ingest processing duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"camera_id"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reid_cache_hits_total",
			Help: "Total dashboard cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reid_cache_misses_total",
			Help: "Total dashboard cache misses",
		},
		[]string{"cache_type"},
	)
)

func Init() {
	prometheus.MustRegister(DetectionsProcessed)
	prometheus.MustRegister(MatchDecisions)
	prometheus.MustRegister(MatchScore)
	prometheus.MustRegister(Handoffs)
	prometheus.MustRegister(OpenSessions)
	prometheus.MustRegister(FeatureRecordsStored)
	prometheus.MustRegister(IncidentsLogged)
	prometheus.MustRegister(AnchorQueueDepth)
	prometheus.MustRegister(AnchorSubmissions)
	prometheus.MustRegister(IngestDuration)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
