package callsentry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/callsentry/pkg/adapters/stt"
	"github.com/harunnryd/callsentry/pkg/capture"
	"github.com/harunnryd/callsentry/pkg/configutil"
	"github.com/harunnryd/callsentry/pkg/detection"
	"github.com/harunnryd/callsentry/pkg/logging"
	"github.com/harunnryd/callsentry/pkg/metrics"
	"github.com/harunnryd/callsentry/pkg/redact"
	"github.com/harunnryd/callsentry/pkg/reporters"
	"github.com/harunnryd/callsentry/pkg/runner"
	"github.com/harunnryd/callsentry/pkg/session"
	"github.com/harunnryd/callsentry/pkg/transcription"
	"github.com/harunnryd/callsentry/pkg/transports/twilio"
)

const (
	defaultDrainTimeout  = 30 * time.Second
	sessionPollInterval  = 200 * time.Millisecond
	finalizePollInterval = 10 * time.Millisecond
	transportStopTimeout = 5 * time.Second
	// Per-frame events are sampled before they reach the log observer.
	logSampleRate = 0.01
)

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Logger defaults to a process logger built from Config.LogLevel and Config.LogFormat.
	Logger *slog.Logger
	// Registry receives the Prometheus collectors. A fresh registry is used when nil.
	Registry *prometheus.Registry
	// Reporters are added after the log, SMS and Kafka reporters built from config.
	Reporters    []reporters.Reporter
	OnTranscript func(session.Transcript)
	// BannerOut receives the startup banner; stdout when nil.
	BannerOut io.Writer
}

// Engine owns every long-lived component of the ingest service.
type Engine struct {
	cfg        Config
	logger     *slog.Logger
	recognizer stt.Recognizer
	detector   detection.Detector
	submitter  *capture.Submitter
	sessions   *session.Registry
	toggle     *twilio.Toggle
	transport  *twilio.Transport
	asyncObs   *metrics.AsyncObserver
	observer   metrics.Observer
	closers    []io.Closer
	runner     *runner.LifecycleRunner
	runDone    chan struct{}
}

func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.InitLogger(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	logger.Info("callsentry_init",
		slog.String("environment", cfg.Environment),
		slog.String("stt_provider", cfg.STT.Provider),
		slog.String("detection_provider", cfg.Detection.Provider),
		slog.Bool("detection_enabled", cfg.Detection.Enabled),
		slog.Bool("sms_enabled", cfg.Notify.SMS.Enabled),
		slog.Bool("kafka_enabled", cfg.Notify.Kafka.Enabled),
	)

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	logObs := metrics.NewSamplingObserver(metrics.NewLoggerObserver(logger), logSampleRate,
		metrics.EventMediaFrame, metrics.EventTranscript)
	asyncObs := metrics.NewAsyncObserver(metrics.NewMultiObserver(metrics.NewPrometheusObserver(reg), logObs), 2048)

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		sessions: session.NewRegistry(),
		toggle:   twilio.NewToggle(cfg.Detection.Enabled),
		asyncObs: asyncObs,
		observer: asyncObs,
		runDone:  make(chan struct{}),
	}

	recognizer, err := providers.BuildRecognizer(ctx, cfg.STT.Provider, cfg)
	if err != nil {
		asyncObs.Close()
		return nil, fmt.Errorf("build recognizer: %w", err)
	}
	e.recognizer = recognizer
	if c, ok := recognizer.(io.Closer); ok {
		e.closers = append(e.closers, c)
	}

	detector, err := providers.BuildDetector(cfg.Detection.Provider, cfg)
	if err != nil {
		e.closeAll()
		return nil, fmt.Errorf("build detector: %w", err)
	}
	e.detector = detector

	reporter, err := e.buildReporters(opts.Reporters)
	if err != nil {
		e.closeAll()
		return nil, err
	}

	if days := cfg.Capture.RetentionDays; days > 0 {
		removed, err := capture.Purge(cfg.Capture.Dir, time.Duration(days)*24*time.Hour, time.Now())
		if err != nil {
			logger.Warn("capture_purge_failed", slog.String("dir", cfg.Capture.Dir), slog.String("error", err.Error()))
		} else if removed > 0 {
			logger.Info("capture_purged", slog.String("dir", cfg.Capture.Dir), slog.Int("removed", removed))
		}
	}

	e.submitter = capture.NewSubmitter(capture.Options{
		Dir:      cfg.Capture.Dir,
		Detector: detector,
		Reporter: reporter,
		Timeout:  configutil.DurationMS(cfg.Detection.TimeoutMS, 0),
		Logger:   logger,
		Observer: e.observer,
	})

	e.transport = twilio.New(twilio.Config{
		ServerAddr:        cfg.Server.Addr,
		PublicURL:         cfg.Server.PublicURL,
		AuthToken:         cfg.Twilio.AuthToken,
		AccountSID:        cfg.Twilio.AccountSID,
		PhoneNumber:       cfg.Twilio.PhoneNumber,
		ValidateSignature: cfg.Twilio.ValidateSignature,
		VoicePath:         cfg.Server.VoicePath,
		WebsocketPath:     cfg.Server.MediaPath,
		VoiceGreeting:     cfg.Server.VoiceGreeting,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}, twilio.Options{
		NewSession: e.sessionFactory(opts.OnTranscript),
		Registry:   e.sessions,
		Toggle:     e.toggle,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:     logger,
	})

	drainTimeout := configutil.DurationMS(cfg.Shutdown.DrainTimeoutMS, defaultDrainTimeout)
	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{slog.String("message", "CallSentry Ready")}
			for k, v := range e.transport.ReadyFields() {
				fields = append(fields, slog.Any(k, v))
			}
			logger.Info("engine_ready", fields...)
		},
		OnStop: func() {
			e.closeAll()
			logger.Info("shutdown",
				slog.Int("goroutines", runtime.NumGoroutine()),
				slog.Int64("active_calls", e.sessions.Count()),
				slog.Int64("metrics_dropped", asyncObs.Dropped()),
				slog.Any("metrics_dropped_by_name", asyncObs.DroppedByName()))
		},
	}
	// The runner's bound covers every drain phase plus slack so Drain can abort submissions first.
	e.runner = runner.NewLifecycleRunner(runner.DrainerFunc(func() error {
		return e.drain(drainTimeout)
	}), hooks, drainTimeout+transportStopTimeout+e.finalizeGrace()+time.Second).WithBanner(opts.BannerOut)
	return e, nil
}

func (e *Engine) buildReporters(extra []reporters.Reporter) (reporters.Reporter, error) {
	cfg := e.cfg
	list := reporters.Multi{reporters.NewLog(e.logger)}
	if cfg.Notify.SMS.Enabled {
		sms, err := reporters.NewSMS(reporters.SMSConfig{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			From:       cfg.Twilio.PhoneNumber,
			Recipient:  cfg.Notify.SMS.Recipient,
		})
		if err != nil {
			return nil, fmt.Errorf("build sms reporter: %w", err)
		}
		list = append(list, sms)
	}
	if cfg.Notify.Kafka.Enabled {
		k, err := reporters.NewKafka(reporters.KafkaConfig{
			Brokers: cfg.Notify.Kafka.Brokers,
			Topic:   cfg.Notify.Kafka.Topic,
		})
		if err != nil {
			return nil, fmt.Errorf("build kafka reporter: %w", err)
		}
		list = append(list, k)
		e.closers = append(e.closers, k)
	}
	list = append(list, extra...)
	return list, nil
}

func (e *Engine) sessionFactory(onTranscript func(session.Transcript)) twilio.SessionFactory {
	cfg := e.cfg
	closeTimeout := configutil.DurationMS(cfg.STT.CloseTimeoutMS, transcription.DefaultCloseTimeout)
	newTranscriber := func(sc stt.Config) session.Transcriber {
		return transcription.New(transcription.Options{
			Recognizer:   e.recognizer,
			Config:       sc,
			CloseTimeout: closeTimeout,
			Logger:       e.logger,
			Observer:     e.observer,
		})
	}
	return func() *session.Session {
		return session.New(session.Config{
			CaptureSeconds: cfg.Capture.Seconds,
			Language:       cfg.STT.Language,
			Interim:        cfg.STT.Interim,
			Punctuation:    cfg.STT.Punctuation,
		}, session.Deps{
			NewTranscriber: newTranscriber,
			Submitter:      e.submitter,
			OnTranscript:   onTranscript,
			Logger:         e.logger,
			Observer:       e.observer,
		})
	}
}

// drain refuses new media streams, lets live calls end on their own until the
// deadline, closes whatever is left and then waits for in-flight submissions.
func (e *Engine) drain(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	e.transport.Drain()
	if !e.sessions.WaitForEmpty(ctx, sessionPollInterval) {
		e.logger.Warn("drain_sessions_timeout", slog.Int64("active_calls", e.sessions.Count()))
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), transportStopTimeout)
	defer stopCancel()
	err := e.transport.Stop(stopCtx)

	// Closed sockets end their sessions on the handler goroutines, and each
	// finalizer may still hand a stop capture to the submitter. Wait for them
	// so no Submit races the submitter's Wait.
	finalCtx, finalCancel := context.WithTimeout(context.Background(), e.finalizeGrace())
	defer finalCancel()
	if !e.sessions.WaitForEmpty(finalCtx, finalizePollInterval) {
		e.logger.Warn("drain_finalizers_timeout", slog.Int64("active_calls", e.sessions.Count()))
	}

	done := make(chan struct{})
	go func() {
		e.submitter.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("drain_submissions_timeout")
		e.submitter.Abort()
		<-done
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// finalizeGrace bounds how long a closed session may take to finish its
// transcriber and flush its capture.
func (e *Engine) finalizeGrace() time.Duration {
	return configutil.DurationMS(e.cfg.STT.CloseTimeoutMS, transcription.DefaultCloseTimeout) + time.Second
}

func (e *Engine) closeAll() {
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			e.logger.Warn("close_failed", slog.String("error", err.Error()))
		}
	}
	e.closers = nil
	if e.asyncObs != nil {
		e.asyncObs.Close()
	}
}

// Start opens the listener and runs the lifecycle until ctx ends or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	go func() {
		defer close(e.runDone)
		_ = e.runner.Run(ctx)
	}()
	return nil
}

// Stop drains the engine and waits for the lifecycle to finish.
func (e *Engine) Stop() error {
	return e.runner.Stop()
}

// Handler exposes the HTTP routes without a listener.
func (e *Engine) Handler() http.Handler { return e.transport.Handler() }

func (e *Engine) Config() Config                { return e.cfg }
func (e *Engine) Sessions() *session.Registry   { return e.sessions }
func (e *Engine) Submitter() *capture.Submitter { return e.submitter }
func (e *Engine) Detector() detection.Detector  { return e.detector }
func (e *Engine) Toggle() *twilio.Toggle        { return e.toggle }
func (e *Engine) Transport() *twilio.Transport  { return e.transport }

// Done is closed once the lifecycle started by Start has fully stopped.
func (e *Engine) Done() <-chan struct{} { return e.runDone }
