package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/harunnryd/callsentry/pkg/adapters/stt"
	"github.com/harunnryd/callsentry/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string
	Model          string
	UtteranceEndMS int
	SmartFormat    bool
}

// Recognizer opens one Deepgram live websocket per transcription stream.
type Recognizer struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Recognizer {
	if cfg.Model == "" {
		cfg.Model = "nova-2-phonecall"
	}
	return &Recognizer{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (r *Recognizer) Name() string { return "deepgram_streaming" }

func (r *Recognizer) Open(ctx context.Context, cfg stt.Config) (stt.Stream, error) {
	s := newLiveStream(ctx, cfg, r.logger)

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          r.cfg.Model,
		Language:       cfg.Language,
		Encoding:       encodingName(cfg.Encoding),
		SampleRate:     cfg.SampleRate,
		Channels:       1,
		InterimResults: cfg.Interim,
		Punctuate:      cfg.Punctuation,
		SmartFormat:    r.cfg.SmartFormat,
	}
	if r.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", r.cfg.UtteranceEndMS)
	}

	r.logger.Info("initializing deepgram connection",
		slog.String("stream_id", cfg.StreamID),
		slog.String("call_sid", cfg.CallSID),
		slog.String("model", r.cfg.Model),
		slog.Int("sample_rate", cfg.SampleRate))

	dgClient, err := client.NewWSUsingCallback(s.ctx, r.cfg.APIKey, clientOptions, transcriptOptions, &callback{stream: s})
	if err != nil {
		s.cancel()
		return nil, err
	}
	if connected := dgClient.Connect(); !connected {
		s.cancel()
		return nil, fmt.Errorf("deepgram connection failed")
	}
	s.dgClient = dgClient

	go func() {
		if err := dgClient.Stream(s.pipeReader); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("stream_id", cfg.StreamID))
			s.finish(err)
			return
		}
		s.finish(nil)
	}()
	return s, nil
}

// encodingName maps to Deepgram's query values.
func encodingName(enc stt.Encoding) string {
	switch stt.Encoding(strings.ToUpper(string(enc))) {
	case stt.EncodingMuLaw:
		return "mulaw"
	default:
		return "linear16"
	}
}

type liveStream struct {
	cfg    stt.Config
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	dgClient   *client.WSCallback
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter

	results chan stt.Result

	mu       sync.Mutex
	finished bool
	err      error
	stopOnce sync.Once
}

func newLiveStream(ctx context.Context, cfg stt.Config, logger *slog.Logger) *liveStream {
	if ctx == nil {
		ctx = context.Background()
	}
	sctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	// A cancelled stream unblocks any Send parked on the pipe.
	context.AfterFunc(sctx, func() {
		pr.CloseWithError(sctx.Err())
	})
	return &liveStream{
		cfg:        cfg,
		logger:     logger,
		ctx:        sctx,
		cancel:     cancel,
		pipeReader: pr,
		pipeWriter: pw,
		results:    make(chan stt.Result, 256),
	}
}

func (s *liveStream) Send(audio []byte) error {
	_, err := s.pipeWriter.Write(audio)
	return err
}

// Recv returns one result per call and io.EOF once the websocket is done.
func (s *liveStream) Recv() ([]stt.Result, error) {
	select {
	case r, ok := <-s.results:
		if !ok {
			s.mu.Lock()
			err := s.err
			s.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return []stt.Result{r}, nil
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

// CloseSend ends the audio pipe. Stream returns once the pipe drains.
func (s *liveStream) CloseSend() error {
	return s.pipeWriter.Close()
}

func (s *liveStream) push(r stt.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	select {
	case s.results <- r:
	default:
		s.logger.Warn("deepgram_results_full",
			slog.String("stream_id", s.cfg.StreamID))
	}
}

func (s *liveStream) finish(err error) {
	s.stopOnce.Do(func() {
		if s.dgClient != nil {
			s.dgClient.Stop()
		}
		closeErr := err
		if closeErr == nil {
			closeErr = io.ErrClosedPipe
		}
		s.pipeReader.CloseWithError(closeErr)
		s.mu.Lock()
		s.finished = true
		s.err = err
		close(s.results)
		s.mu.Unlock()
	})
}

type callback struct {
	stream *liveStream
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.stream.logger.Info("deepgram_connection_opened",
		slog.String("stream_id", c.stream.cfg.StreamID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	c.stream.push(stt.Result{Text: transcript, IsFinal: mr.IsFinal || mr.SpeechFinal})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.stream.logger.Debug("deepgram_metadata_received",
		slog.String("stream_id", c.stream.cfg.StreamID),
		slog.String("request_id", md.RequestID))
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error { return nil }

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.stream.logger.Info("deepgram_connection_closed",
		slog.String("stream_id", c.stream.cfg.StreamID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.stream.logger.Error("deepgram_error",
		slog.String("stream_id", c.stream.cfg.StreamID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.stream.logger.Debug("deepgram_unhandled_event",
		slog.String("stream_id", c.stream.cfg.StreamID),
		slog.String("data", string(byData)))
	return nil
}

var _ stt.Recognizer = (*Recognizer)(nil)
var _ msginterfaces.LiveMessageCallback = (*callback)(nil)
