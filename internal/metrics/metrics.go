package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_submissions_total",
			Help: "Attendance batch submissions by result",
		},
		[]string{"result"},
	)

	MarksUpsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_marks_upserted_total",
			Help: "Marks written by submissions, split into created and updated",
		},
		[]string{"outcome"},
	)

	PhotosMirroredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_photos_mirrored_total",
			Help: "Evidence photo mirroring attempts by result",
		},
		[]string{"result"},
	)

	EncodeAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "capture_encode_attempts",
			Help:    "Encodings needed to fit a frame into the byte budget",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
	)

	EncodeOversizeTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capture_encode_oversize_total",
			Help: "Frames still above the byte budget at the quality floor",
		},
	)

	CameraAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_camera_acquire_total",
			Help: "Camera acquisitions by result",
		},
		[]string{"result"},
	)

	CameraAcquireDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "capture_camera_acquire_duration_seconds",
			Help:    "Time from acquire to first ready frame",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	CameraStreamsHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capture_camera_streams_held",
			Help: "Camera streams currently held by the station",
		},
	)

	SessionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_session_transitions_total",
			Help: "Session state machine transitions",
		},
		[]string{"from", "to"},
	)

	RosterCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roster_cache_lookups_total",
			Help: "Roster cache lookups by result",
		},
		[]string{"result"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)
)
