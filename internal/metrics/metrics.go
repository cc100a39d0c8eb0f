package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "semtag"

// Extraction pipeline metrics.
var (
	ExtractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extractions_total",
			Help:      "Total number of processed posts by outcome",
		},
		[]string{"outcome"}, // "completed" / "fallback"
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each extraction stage in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"stage"},
	)

	EncoderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoder_requests_total",
			Help:      "Total number of image encoder calls",
		},
		[]string{"status"},
	)

	TilesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_total",
			Help:      "Total number of tiles labeled",
		},
	)

	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Total number of annotation publish attempts",
		},
		[]string{"status"},
	)
)

// Stage names used with StageDuration.
const (
	StageRegions = "regions"
	StageCaption = "caption"
	StagePrompt  = "prompt"
	StagePublish = "publish"
)

var registerOnce sync.Once

// Register registers every collector with the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ExtractionsTotal,
			StageDuration,
			EncoderRequestsTotal,
			TilesTotal,
			PublishTotal,
			httpRequestDuration,
			httpRequestsTotal,
		)
	})
}

// StatusLabel maps an error to the "ok"/"error" status label
func StatusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
