package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/harunnryd/callsentry/pkg/audio"
	"github.com/harunnryd/callsentry/pkg/detection"
	"github.com/harunnryd/callsentry/pkg/errorsx"
	"github.com/harunnryd/callsentry/pkg/logging"
	"github.com/harunnryd/callsentry/pkg/metrics"
	"github.com/harunnryd/callsentry/pkg/reporters"
)

const (
	TriggerThreshold = "threshold"
	TriggerStop      = "stop"
)

// Request is one capture handed off by a session. Audio is mu-law.
type Request struct {
	CallSID   string
	StreamSID string
	TraceID   string
	From      string
	To        string
	Trigger   string
	Audio     []byte
}

type Options struct {
	Dir      string
	Detector detection.Detector
	Reporter reporters.Reporter
	// Timeout bounds one submission end to end. Zero means no bound.
	Timeout  time.Duration
	Logger   *slog.Logger
	Observer metrics.Observer
	Now      func() time.Time
}

// Submitter runs captures through WAV encoding, detection and reporting in the
// background. Work is detached from the submitting session.
type Submitter struct {
	opts   Options
	logger *slog.Logger
	obs    metrics.Observer
	// gate keeps Submit's Add from overlapping Wait.
	gate   sync.RWMutex
	wg     conc.WaitGroup
	base   context.Context
	cancel context.CancelFunc
}

func NewSubmitter(opts Options) *Submitter {
	if opts.Dir == "" {
		opts.Dir = "captures"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Submitter{
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "capture"),
		obs:    opts.Observer,
		base:   base,
		cancel: cancel,
	}
}

// Task is the handle of one background submission.
type Task struct {
	done    chan struct{}
	outcome reporters.Outcome
}

// Wait blocks until the submission finished or ctx is done.
func (t *Task) Wait(ctx context.Context) (reporters.Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, nil
	case <-ctx.Done():
		return reporters.Outcome{}, ctx.Err()
	}
}

func (t *Task) Done() <-chan struct{} { return t.done }

// Submit starts a background submission and takes ownership of req.Audio.
func (s *Submitter) Submit(req Request) *Task {
	task := &Task{done: make(chan struct{})}
	metrics.Record(s.obs, metrics.EventCaptureSubmitted, float64(len(req.Audio)), map[string]string{
		"trigger": req.Trigger,
	})
	s.logger.Info("capture_submitted",
		slog.String("call_sid", req.CallSID),
		slog.String("trace_id", req.TraceID),
		slog.String("trigger", req.Trigger),
		slog.Int("bytes", len(req.Audio)))
	s.gate.RLock()
	defer s.gate.RUnlock()
	s.wg.Go(func() {
		defer close(task.done)
		task.outcome = s.run(req)
	})
	return task
}

// Wait blocks until every submission started so far has finished. A Submit
// issued meanwhile waits for Wait to return and then runs normally.
func (s *Submitter) Wait() {
	s.gate.Lock()
	defer s.gate.Unlock()
	s.wg.Wait()
}

// Abort cancels in-flight submissions; used when the drain deadline passes.
func (s *Submitter) Abort() {
	s.cancel()
}

func (s *Submitter) run(req Request) (out reporters.Outcome) {
	start := s.opts.Now()
	out = reporters.Outcome{
		CallSID:   req.CallSID,
		StreamSID: req.StreamSID,
		TraceID:   req.TraceID,
		From:      req.From,
		To:        req.To,
		Trigger:   req.Trigger,
	}
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("submission panic: %v", r)
			s.logger.Error("capture_panic",
				slog.String("call_sid", req.CallSID),
				slog.Any("panic", r))
		}
	}()

	ctx := s.base
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	path, err := s.writeWAV(req, start)
	out.Path = path
	if err != nil {
		out.Err = err
		s.finish(ctx, &out, start)
		return out
	}
	if s.opts.Detector != nil {
		out.Result, out.Err = detection.Analyze(ctx, s.opts.Detector, path)
	}
	s.finish(ctx, &out, start)
	return out
}

func (s *Submitter) finish(ctx context.Context, out *reporters.Outcome, start time.Time) {
	out.Duration = s.opts.Now().Sub(start)
	if out.Err != nil {
		reason := errorsx.Reason(out.Err)
		metrics.Record(s.obs, metrics.EventDetectionFailed, 1, map[string]string{
			"reason_code": string(reason),
		})
	} else if s.opts.Detector != nil {
		metrics.Record(s.obs, metrics.EventDetectionResult, out.Duration.Seconds(), map[string]string{
			"status": out.Result.Status,
		})
	}
	if s.opts.Reporter == nil {
		return
	}
	if err := s.opts.Reporter.Report(ctx, *out); err != nil {
		s.logger.Warn("report_failed",
			slog.String("call_sid", out.CallSID),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(err))))
	}
}

// writeWAV transcodes the capture and writes it with exclusive create.
func (s *Submitter) writeWAV(req Request, now time.Time) (string, error) {
	if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
		return "", errorsx.Errorf(errorsx.ReasonCaptureWrite, "create capture dir: %w", err)
	}
	pcm := audio.DecodeMuLaw(req.Audio)
	base := FileName(req.CallSID, now)
	for attempt := 0; attempt < 100; attempt++ {
		name := base
		if attempt > 0 {
			name = strings.TrimSuffix(base, ".wav") + fmt.Sprintf("_%d.wav", attempt)
		}
		path := filepath.Join(s.opts.Dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", errorsx.Errorf(errorsx.ReasonCaptureWrite, "create capture: %w", err)
		}
		werr := audio.WriteWAV(f, audio.CaptureFormat, pcm)
		cerr := f.Close()
		if err := errors.Join(werr, cerr); err != nil {
			_ = os.Remove(path)
			return "", errorsx.Errorf(errorsx.ReasonCaptureWrite, "write capture: %w", err)
		}
		s.logger.Info("capture_written",
			slog.String("call_sid", req.CallSID),
			slog.String("trace_id", req.TraceID),
			slog.String("path", path),
			slog.Int("pcm_bytes", len(pcm)))
		return path, nil
	}
	return "", errorsx.Errorf(errorsx.ReasonCaptureWrite, "create capture: no free name for %s", base)
}

// FileName is call_<callSid|unknown>_<unix>.wav.
func FileName(callSID string, at time.Time) string {
	if callSID == "" {
		callSID = "unknown"
	}
	return fmt.Sprintf("call_%s_%d.wav", sanitize(callSID), at.Unix())
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
