// Package session runs the per-connection media stream event loop.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/harunnryd/callsentry/pkg/adapters/stt"
	"github.com/harunnryd/callsentry/pkg/audio"
	"github.com/harunnryd/callsentry/pkg/capture"
	"github.com/harunnryd/callsentry/pkg/errorsx"
	"github.com/harunnryd/callsentry/pkg/logging"
	"github.com/harunnryd/callsentry/pkg/metrics"
	"github.com/harunnryd/callsentry/pkg/redact"
	"github.com/harunnryd/callsentry/pkg/transcription"
)

// MessageReader is the inbound half of a websocket connection.
type MessageReader interface {
	ReadMessage() (messageType int, p []byte, err error)
}

// Transcriber is the streaming transcription client as seen by a session.
type Transcriber interface {
	Start(ctx context.Context, cb transcription.Callback) error
	Write(chunk []byte)
	Close() error
}

// TranscriberFactory builds a transcriber for one call. Returning nil disables transcription.
type TranscriberFactory func(cfg stt.Config) Transcriber

type Submitter interface {
	Submit(req capture.Request) *capture.Task
}

// Transcript is one delivered hypothesis, tagged with its call.
type Transcript struct {
	CallSID   string
	StreamSID string
	TraceID   string
	Text      string
	IsFinal   bool
}

type Config struct {
	CaptureSeconds int
	Language       string
	Interim        bool
	Punctuation    bool
}

type Deps struct {
	NewTranscriber TranscriberFactory
	Submitter      Submitter
	// OnTranscript is called from the transcription goroutine, never the event loop.
	OnTranscript func(Transcript)
	Logger       *slog.Logger
	Observer     metrics.Observer
}

// Session is owned by the goroutine running its event loop.
type Session struct {
	cfg  Config
	deps Deps

	callSID   string
	streamSID string
	traceID   string
	params    map[string]string

	phase   Phase
	frames  uint64
	stt     Transcriber
	buffer  *capture.Buffer
	tasks   []*capture.Task
	runCtx  context.Context
	baseLog *slog.Logger
	logger  *slog.Logger
	obs     metrics.Observer
}

func New(cfg Config, deps Deps) *Session {
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	traceID := uuid.NewString()
	base := logging.NewComponentLogger(deps.Logger, "session")
	return &Session{
		cfg:     cfg,
		deps:    deps,
		traceID: traceID,
		phase:   PhaseIdle,
		runCtx:  context.Background(),
		baseLog: base,
		logger:  base.With(slog.String("trace_id", traceID)),
		obs:     deps.Observer,
	}
}

func (s *Session) TraceID() string   { return s.traceID }
func (s *Session) CallSID() string   { return s.callSID }
func (s *Session) StreamSID() string { return s.streamSID }
func (s *Session) Phase() Phase      { return s.phase }
func (s *Session) Frames() uint64    { return s.frames }

// Tasks returns the submissions dispatched by this session.
func (s *Session) Tasks() []*capture.Task { return s.tasks }

// Run reads messages until stop, a read error or ctx cancellation and always
// finalizes the session before returning.
func (s *Session) Run(ctx context.Context, r MessageReader) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.runCtx = ctx
	reason := "disconnect"
	defer func() {
		if rec := recover(); rec != nil {
			reason = "panic"
			err = fmt.Errorf("session panic: %v", rec)
			s.logger.Error("session_panic", slog.Any("panic", rec))
		}
		s.Close(reason)
	}()

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			reason = "canceled"
			return ctxErr
		}
		_, msg, readErr := r.ReadMessage()
		if readErr != nil {
			s.logger.Debug("session_read_ended",
				slog.String("error", readErr.Error()),
				slog.String("reason_code", string(errorsx.ReasonTransportRead)))
			return errorsx.Wrap(readErr, errorsx.ReasonTransportRead)
		}
		if done := s.HandleMessage(msg); done {
			reason = "stop"
			return nil
		}
	}
}

// HandleMessage applies one inbound message and reports whether the session is done.
func (s *Session) HandleMessage(raw []byte) bool {
	if s.phase == PhaseClosed {
		return true
	}
	evt, err := ParseEvent(raw)
	if err != nil {
		s.malformed(evt.Event, err)
		return false
	}
	switch evt.Event {
	case EventStart:
		s.onStart(evt.Start)
	case EventMedia:
		s.onMedia(evt.Media)
	case EventStop:
		s.Close("stop")
		return true
	default:
		s.logger.Debug("event_ignored", slog.String("event", evt.Event))
	}
	return false
}

func (s *Session) onStart(start *StartPayload) {
	if s.phase != PhaseIdle {
		s.logger.Debug("duplicate_start_ignored",
			slog.String("call_sid", start.CallSID),
			slog.String("stream_id", start.StreamSID))
		return
	}
	if err := s.transition(PhaseActive); err != nil {
		s.logger.Error("session_transition_failed", slog.String("error", err.Error()))
		return
	}
	s.callSID = start.CallSID
	s.streamSID = start.StreamSID
	s.params = start.CustomParameters
	s.logger = s.baseLog.With(
		slog.String("trace_id", s.traceID),
		slog.String("call_sid", s.callSID),
		slog.String("stream_id", s.streamSID),
	)
	s.buffer = capture.NewBuffer(capture.TargetBytes(s.cfg.CaptureSeconds, audio.MuLawSampleRate))

	s.logger.Info("media_start",
		slog.String("from", redact.Phone(s.params[ParamFrom])),
		slog.String("to", redact.Phone(s.params[ParamTo])),
		slog.Int("capture_target_bytes", s.buffer.Target()))
	metrics.Record(s.obs, metrics.EventSessionStart, 1, map[string]string{"call_sid": s.callSID})

	s.startTranscription()
}

func (s *Session) startTranscription() {
	if s.deps.NewTranscriber == nil {
		return
	}
	client := s.deps.NewTranscriber(stt.Config{
		StreamID:    s.streamSID,
		CallSID:     s.callSID,
		TraceID:     s.traceID,
		Language:    s.cfg.Language,
		SampleRate:  audio.MuLawSampleRate,
		Encoding:    stt.EncodingMuLaw,
		Interim:     s.cfg.Interim,
		Punctuation: s.cfg.Punctuation,
	})
	if client == nil {
		return
	}
	if err := client.Start(s.runCtx, s.transcriptCallback()); err != nil {
		s.logger.Error("stt_start_failed",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(err))))
		return
	}
	s.stt = client
}

// transcriptCallback captures only immutable identifiers.
func (s *Session) transcriptCallback() transcription.Callback {
	callSID, streamSID, traceID := s.callSID, s.streamSID, s.traceID
	logger := s.logger
	onTranscript := s.deps.OnTranscript
	return func(text string, isFinal bool) {
		msg := "transcript_interim"
		if isFinal {
			msg = "transcript_final"
		}
		logger.Info(msg, slog.String("text", redact.Text(text)))
		if onTranscript != nil {
			onTranscript(Transcript{
				CallSID:   callSID,
				StreamSID: streamSID,
				TraceID:   traceID,
				Text:      text,
				IsFinal:   isFinal,
			})
		}
	}
}

func (s *Session) onMedia(media *MediaPayload) {
	if s.phase != PhaseActive {
		s.logger.Debug("media_before_start_ignored")
		return
	}
	payload, err := media.Decode()
	if err != nil {
		s.malformed(EventMedia, err)
		return
	}
	if s.stt != nil {
		s.stt.Write(payload)
	}
	if snapshot, trigger := s.buffer.Append(payload); trigger {
		s.submit(snapshot, capture.TriggerThreshold)
	}
	s.frames++
	metrics.Record(s.obs, metrics.EventMediaFrame, float64(len(payload)), nil)
}

func (s *Session) submit(audioBytes []byte, trigger string) {
	if s.deps.Submitter == nil {
		s.logger.Warn("capture_dropped_no_submitter", slog.Int("bytes", len(audioBytes)))
		return
	}
	task := s.deps.Submitter.Submit(capture.Request{
		CallSID:   s.callSID,
		StreamSID: s.streamSID,
		TraceID:   s.traceID,
		From:      s.params[ParamFrom],
		To:        s.params[ParamTo],
		Trigger:   trigger,
		Audio:     audioBytes,
	})
	s.tasks = append(s.tasks, task)
}

func (s *Session) malformed(event string, err error) {
	s.logger.Warn("event_malformed",
		slog.String("event", event),
		slog.String("error", err.Error()),
		slog.String("reason_code", string(errorsx.Reason(err))))
	metrics.Record(s.obs, metrics.EventMalformed, 1, map[string]string{"event": event})
}

// Close finalizes the session once: flushes an unsubmitted capture, closes
// transcription and moves to CLOSED. Later calls do nothing.
func (s *Session) Close(reason string) {
	if s.phase == PhaseClosed {
		return
	}
	started := s.phase == PhaseActive
	if started {
		if rest := s.buffer.Flush(); len(rest) > 0 {
			s.submit(rest, capture.TriggerStop)
		}
		if s.stt != nil {
			if err := s.stt.Close(); err != nil {
				s.logger.Warn("stt_close_failed",
					slog.String("error", err.Error()),
					slog.String("reason_code", string(errorsx.Reason(err))))
			}
			s.stt = nil
		}
	}
	if err := s.transition(PhaseClosed); err != nil {
		s.logger.Error("session_transition_failed", slog.String("error", err.Error()))
	}
	s.logger.Info("media_stop",
		slog.String("reason", reason),
		slog.Uint64("frames", s.frames),
		slog.Int("submissions", len(s.tasks)))
	metrics.Record(s.obs, metrics.EventSessionEnd, float64(s.frames), map[string]string{
		"started": strconv.FormatBool(started),
		"reason":  reason,
	})
}

func (s *Session) transition(to Phase) error {
	if !transitionValid(s.phase, to) {
		return &InvalidTransitionError{From: s.phase, To: to}
	}
	s.phase = to
	return nil
}
