package metrics

import "time"

// Event names recorded by the ingest pipeline.
const (
	EventSessionStart     = "session_start"
	EventSessionEnd       = "session_end"
	EventMediaFrame       = "media_frame"
	EventMalformed        = "event_malformed"
	EventTranscript       = "transcript"
	EventSTTError         = "stt_error"
	EventCaptureSubmitted = "capture_submitted"
	EventDetectionResult  = "detection_result"
	EventDetectionFailed  = "detection_failed"
)

// MetricsEvent is one observation. Value carries the event's magnitude
// (bytes for media frames, seconds for detection latency, 1 otherwise).
type MetricsEvent struct {
	Name  string
	Time  time.Time
	Value float64
	Tags  map[string]string
}

// Tag returns the named tag or "".
func (ev MetricsEvent) Tag(key string) string {
	return ev.Tags[key]
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(MetricsEvent)

func (f ObserverFunc) RecordEvent(ev MetricsEvent) { f(ev) }

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record stamps and forwards an event; a nil observer is ignored.
func Record(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags})
}
