package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "callsentry"

// PrometheusObserver turns pipeline events into Prometheus series.
type PrometheusObserver struct {
	SessionsTotal      prometheus.Counter
	SessionsActive     prometheus.Gauge
	MediaFrames        prometheus.Counter
	MediaBytes         prometheus.Counter
	MalformedEvents    prometheus.Counter
	Transcripts        *prometheus.CounterVec
	STTErrors          *prometheus.CounterVec
	CapturesSubmitted  *prometheus.CounterVec
	DetectionResults   *prometheus.CounterVec
	DetectionFailures  *prometheus.CounterVec
	DetectionDurations prometheus.Histogram
}

// NewPrometheusObserver registers the series on reg.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	f := promauto.With(reg)
	return &PrometheusObserver{
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Media stream sessions that reached the start event",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Media stream sessions currently active",
		}),
		MediaFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_frames_total",
			Help:      "Decoded inbound media frames",
		}),
		MediaBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_bytes_total",
			Help:      "Decoded inbound mu-law bytes",
		}),
		MalformedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_malformed_total",
			Help:      "Inbound events skipped as malformed",
		}),
		Transcripts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_total",
			Help:      "Transcript callbacks delivered",
		}, []string{"final"}),
		STTErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Transcription failures by reason",
		}, []string{"reason_code"}),
		CapturesSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_submitted_total",
			Help:      "Captures handed to the detection submitter",
		}, []string{"trigger"}),
		DetectionResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_results_total",
			Help:      "Detection verdicts by status",
		}, []string{"status"}),
		DetectionFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_failures_total",
			Help:      "Failed detection submissions by reason",
		}, []string{"reason_code"}),
		DetectionDurations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_duration_seconds",
			Help:      "Time from submission to verdict",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
	}
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	switch ev.Name {
	case EventSessionStart:
		p.SessionsTotal.Inc()
		p.SessionsActive.Inc()
	case EventSessionEnd:
		if ev.Tag("started") == "true" {
			p.SessionsActive.Dec()
		}
	case EventMediaFrame:
		p.MediaFrames.Inc()
		p.MediaBytes.Add(ev.Value)
	case EventMalformed:
		p.MalformedEvents.Inc()
	case EventTranscript:
		p.Transcripts.WithLabelValues(tag(ev, "final")).Inc()
	case EventSTTError:
		p.STTErrors.WithLabelValues(tag(ev, "reason_code")).Inc()
	case EventCaptureSubmitted:
		p.CapturesSubmitted.WithLabelValues(tag(ev, "trigger")).Inc()
	case EventDetectionResult:
		p.DetectionResults.WithLabelValues(tag(ev, "status")).Inc()
		p.DetectionDurations.Observe(ev.Value)
	case EventDetectionFailed:
		p.DetectionFailures.WithLabelValues(tag(ev, "reason_code")).Inc()
	}
}

func tag(ev MetricsEvent, key string) string {
	if v := ev.Tag(key); v != "" {
		return v
	}
	return "unknown"
}
