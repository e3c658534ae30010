// Package reporters fans detection outcomes out to logs, SMS and Kafka.
package reporters

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/harunnryd/callsentry/pkg/detection"
	"github.com/harunnryd/callsentry/pkg/errorsx"
	"github.com/harunnryd/callsentry/pkg/logging"
)

// Outcome is what a capture submission produced. Err is set when any step failed.
type Outcome struct {
	CallSID   string
	StreamSID string
	TraceID   string
	// From and To are the caller and callee numbers carried on the stream, if any.
	From     string
	To       string
	Path     string
	Trigger  string
	Result   detection.Result
	Err      error
	Duration time.Duration
}

func (o Outcome) Failed() bool { return o.Err != nil }

type Reporter interface {
	Name() string
	Report(ctx context.Context, o Outcome) error
}

// Multi calls every reporter and joins their errors.
type Multi []Reporter

func (m Multi) Name() string { return "multi" }

func (m Multi) Report(ctx context.Context, o Outcome) error {
	var errs error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, o); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// Log writes every outcome as a structured log line.
type Log struct {
	logger *slog.Logger
}

func NewLog(base *slog.Logger) *Log {
	return &Log{logger: logging.NewComponentLogger(base, "detection")}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Report(_ context.Context, o Outcome) error {
	attrs := []any{
		slog.String("call_sid", o.CallSID),
		slog.String("stream_id", o.StreamSID),
		slog.String("trace_id", o.TraceID),
		slog.String("path", o.Path),
		slog.String("trigger", o.Trigger),
		slog.Int64("duration_ms", o.Duration.Milliseconds()),
	}
	if o.Failed() {
		attrs = append(attrs,
			slog.String("error", o.Err.Error()),
			slog.String("reason_code", string(errorsx.Reason(o.Err))))
		if o.Result.RequestID != "" {
			attrs = append(attrs, slog.String("request_id", o.Result.RequestID))
		}
		l.logger.Warn("detection_failed", attrs...)
		return nil
	}
	attrs = append(attrs,
		slog.String("request_id", o.Result.RequestID),
		slog.String("status", o.Result.Status))
	if o.Result.Score != nil {
		attrs = append(attrs, slog.Float64("score", *o.Result.Score))
	}
	for _, m := range o.Result.Models {
		attrs = append(attrs, slog.Group("model_"+m.Name, slog.String("status", m.Status)))
	}
	l.logger.Info("detection_result", attrs...)
	return nil
}
