package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SegmentsTotal counts segment outcomes: done, retry or dropped.
	SegmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minyami_segments_total",
		Help: "Segment attempt outcomes by result",
	}, []string{"result"})

	// SegmentFailuresTotal counts failed attempts by failure class.
	SegmentFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minyami_segment_failures_total",
		Help: "Failed segment attempts by class (fetch, decrypt, key, other)",
	}, []string{"class"})

	SegmentFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "minyami_segment_fetch_duration_seconds",
		Help:    "Wall time of one successful segment attempt including decrypt",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40},
	})

	SegmentBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minyami_segment_bytes_total",
		Help: "Bytes downloaded for media segments",
	})

	InFlightSegments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "minyami_segments_in_flight",
		Help: "Segment attempts currently running",
	})

	QueuedUnits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "minyami_scheduler_queued_units",
		Help: "Segments and groups waiting in the scheduler queue",
	})

	// LivePollsTotal counts live playlist refreshes by result: ok, error.
	LivePollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minyami_live_polls_total",
		Help: "Live playlist refreshes by result",
	}, []string{"result"})

	LiveNewSegmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minyami_live_new_segments_total",
		Help: "Segments discovered by live polling after deduplication",
	})

	CheckpointSavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minyami_checkpoint_saves_total",
		Help: "Checkpoint writes by backend and result",
	}, []string{"backend", "result"})

	OutputBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minyami_output_bytes_total",
		Help: "Bytes appended to output files in sequence order",
	})

	OutputBreakpointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minyami_output_breakpoints_total",
		Help: "Output splits caused by permanently missing segments",
	})

	// ToolRunsTotal counts external tool invocations (openssl, ffmpeg).
	ToolRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minyami_tool_runs_total",
		Help: "External tool invocations by tool and result",
	}, []string{"tool", "result"})
)

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordSegment records one attempt outcome ("done", "retry", "dropped").
func RecordSegment(outcome string) {
	SegmentsTotal.WithLabelValues(outcome).Inc()
}

func RecordSegmentFailure(class string) {
	SegmentFailuresTotal.WithLabelValues(class).Inc()
}

func ObserveSegmentFetch(d time.Duration, bytes int64) {
	SegmentFetchDuration.Observe(d.Seconds())
	if bytes > 0 {
		SegmentBytesTotal.Add(float64(bytes))
	}
}

func SetSchedulerDepth(inFlight, queued int) {
	InFlightSegments.Set(float64(inFlight))
	QueuedUnits.Set(float64(queued))
}

func RecordLivePoll(ok bool, newSegments int) {
	if ok {
		LivePollsTotal.WithLabelValues("ok").Inc()
	} else {
		LivePollsTotal.WithLabelValues("error").Inc()
	}
	if newSegments > 0 {
		LiveNewSegmentsTotal.Add(float64(newSegments))
	}
}

func RecordCheckpointSave(backend string, ok bool) {
	CheckpointSavesTotal.WithLabelValues(backend, result(ok)).Inc()
}

func AddOutputBytes(n int64) {
	OutputBytesTotal.Add(float64(n))
}

func IncOutputBreakpoint() {
	OutputBreakpointsTotal.Inc()
}

func RecordToolRun(tool string, ok bool) {
	ToolRunsTotal.WithLabelValues(tool, result(ok)).Inc()
}

// ProcSignalsTotal counts signals sent to external tool process groups.
var ProcSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "minyami_proc_signals_total",
	Help: "Signals sent to tool process groups by signal and outcome",
}, []string{"signal", "outcome"})

func IncProcSignal(signal, outcome string) {
	ProcSignalsTotal.WithLabelValues(signal, outcome).Inc()
}
