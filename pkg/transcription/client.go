// Package transcription streams call audio to a recognizer and delivers
// de-duplicated hypotheses to a callback.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callsentry/pkg/adapters/stt"
	"github.com/harunnryd/callsentry/pkg/errorsx"
	"github.com/harunnryd/callsentry/pkg/logging"
	"github.com/harunnryd/callsentry/pkg/metrics"
)

// DefaultCloseTimeout bounds how long Close waits for the result reader.
const DefaultCloseTimeout = 2 * time.Second

// Callback receives transcript hypotheses in backend order.
type Callback func(text string, isFinal bool)

type Options struct {
	Recognizer   stt.Recognizer
	Config       stt.Config
	CloseTimeout time.Duration
	Logger       *slog.Logger
	Observer     metrics.Observer
}

type clientState int

const (
	stateIdle clientState = iota
	stateRunning
	stateFailed
	stateClosed
)

// Client owns one recognition stream. Start, Write and Close are meant to be
// called from the session loop; Close may also be called concurrently.
type Client struct {
	recognizer   stt.Recognizer
	cfg          stt.Config
	closeTimeout time.Duration
	logger       *slog.Logger
	obs          metrics.Observer

	mu       sync.Mutex
	state    clientState
	queue    *chunkQueue
	cancel   context.CancelFunc
	recvDone chan struct{}

	failed atomic.Bool
}

func New(opts Options) *Client {
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	logger := logging.NewComponentLogger(opts.Logger, "transcription").With(
		slog.String("call_sid", opts.Config.CallSID),
		slog.String("stream_id", opts.Config.StreamID),
	)
	return &Client{
		recognizer:   opts.Recognizer,
		cfg:          opts.Config,
		closeTimeout: opts.CloseTimeout,
		logger:       logger,
		obs:          opts.Observer,
	}
}

// Start opens the recognition stream and launches the sender and receiver.
// On failure nothing keeps running and later Write/Close calls are no-ops.
func (c *Client) Start(ctx context.Context, cb Callback) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateIdle {
		return errors.New("transcription client already started")
	}
	if c.recognizer == nil {
		c.state = stateFailed
		return errorsx.Errorf(errorsx.ReasonSTTConnect, "no recognizer configured")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := c.recognizer.Open(streamCtx, c.cfg)
	if err != nil {
		cancel()
		c.state = stateFailed
		return errorsx.Errorf(errorsx.ReasonSTTConnect, "open %s stream: %w", c.recognizer.Name(), err)
	}

	c.queue = newChunkQueue()
	c.cancel = cancel
	c.recvDone = make(chan struct{})
	c.state = stateRunning

	go c.sendLoop(streamCtx, stream, c.queue)
	go c.recvLoop(streamCtx, stream, cb, c.recvDone)

	c.logger.Info("stt_stream_started",
		slog.String("recognizer", c.recognizer.Name()),
		slog.String("language", c.cfg.Language),
		slog.String("encoding", string(c.cfg.Encoding)),
		slog.Int("sample_rate", c.cfg.SampleRate))
	return nil
}

// Write queues a copy of chunk for the recognizer and returns immediately.
func (c *Client) Write(chunk []byte) {
	if len(chunk) == 0 || c.failed.Load() {
		return
	}
	c.mu.Lock()
	q := c.queue
	running := c.state == stateRunning
	c.mu.Unlock()
	if !running {
		return
	}
	q.Push(append([]byte(nil), chunk...))
}

// Close ends the audio stream and waits at most the close timeout for the
// remaining results. It is idempotent and safe when Start failed or never ran.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state != stateRunning {
		c.state = stateClosed
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	q, cancel, recvDone := c.queue, c.cancel, c.recvDone
	c.mu.Unlock()

	q.Close()
	defer cancel()

	timer := time.NewTimer(c.closeTimeout)
	defer timer.Stop()
	select {
	case <-recvDone:
		c.logger.Info("stt_stream_closed")
		return nil
	case <-timer.C:
		err := errorsx.Errorf(errorsx.ReasonSTTCloseTimeout, "result reader still running after %s", c.closeTimeout)
		c.logger.Warn("stt_close_timeout",
			slog.String("reason_code", string(errorsx.ReasonSTTCloseTimeout)),
			slog.Int("pending_chunks", q.Len()))
		return err
	}
}

func (c *Client) sendLoop(ctx context.Context, stream stt.Stream, q *chunkQueue) {
	for {
		chunk, ok := q.Pop(ctx)
		if !ok {
			break
		}
		if err := stream.Send(chunk); err != nil {
			if ctx.Err() == nil {
				c.fail(errorsx.Errorf(errorsx.ReasonSTTSend, "send audio: %w", err))
			}
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	if err := stream.CloseSend(); err != nil {
		c.logger.Debug("stt_close_send_failed", slog.String("error", err.Error()))
	}
}

func (c *Client) recvLoop(ctx context.Context, stream stt.Stream, cb Callback, done chan struct{}) {
	defer close(done)
	var dedupe Deduper
	for {
		results, err := stream.Recv()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				c.logger.Debug("stt_stream_ended")
			case ctx.Err() != nil:
			default:
				c.fail(errorsx.Errorf(errorsx.ReasonSTTRecv, "receive results: %w", err))
			}
			c.failed.Store(true)
			c.cancel()
			return
		}
		for _, r := range results {
			text, ok := dedupe.Admit(r)
			if !ok {
				continue
			}
			metrics.Record(c.obs, metrics.EventTranscript, 0, map[string]string{
				"final":     fmt.Sprint(r.IsFinal),
				"call_sid":  c.cfg.CallSID,
				"stream_id": c.cfg.StreamID,
			})
			c.deliver(cb, text, r.IsFinal)
		}
	}
}

func (c *Client) deliver(cb Callback, text string, isFinal bool) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("stt_callback_panic", slog.Any("panic", r))
		}
	}()
	cb(text, isFinal)
}

// fail records the first runtime failure; transcription stops for the session.
func (c *Client) fail(err error) {
	if !c.failed.CompareAndSwap(false, true) {
		return
	}
	reason := errorsx.Reason(err)
	c.logger.Error("stt_stream_failed",
		slog.String("error", err.Error()),
		slog.String("reason_code", string(reason)))
	metrics.Record(c.obs, metrics.EventSTTError, 0, map[string]string{
		"reason_code": string(reason),
		"call_sid":    c.cfg.CallSID,
		"stream_id":   c.cfg.StreamID,
	})
	c.cancel()
}
