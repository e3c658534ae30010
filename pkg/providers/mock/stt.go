package mock

import (
	"context"
	"io"
	"sync"

	"github.com/harunnryd/callsentry/pkg/adapters/stt"
)

type STTConfig struct {
	// Transcript is emitted as a final result once audio has been received.
	Transcript string
	// InterimTranscript is emitted first when the stream asks for interim results.
	InterimTranscript string
}

// Recognizer emits a scripted transcript for every stream. Useful for local runs without credentials.
type Recognizer struct {
	cfg STTConfig
}

func NewSTT(cfg STTConfig) *Recognizer {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &Recognizer{cfg: cfg}
}

func (r *Recognizer) Name() string { return "mock_stt" }

func (r *Recognizer) Open(ctx context.Context, cfg stt.Config) (stt.Stream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return &stream{
		ctx:     ctx,
		script:  r.cfg,
		interim: cfg.Interim,
		out:     make(chan stt.Result, 4),
		done:    make(chan struct{}),
	}, nil
}

type stream struct {
	ctx     context.Context
	script  STTConfig
	interim bool
	out     chan stt.Result

	mu      sync.Mutex
	emitted bool
	closed  bool
	done    chan struct{}
}

func (s *stream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	if s.emitted || len(audio) == 0 {
		return nil
	}
	s.emitted = true
	if s.interim {
		interim := s.script.InterimTranscript
		if interim == "" {
			interim = s.script.Transcript
		}
		s.out <- stt.Result{Text: interim}
	}
	s.out <- stt.Result{Text: s.script.Transcript, IsFinal: true}
	return nil
}

func (s *stream) Recv() ([]stt.Result, error) {
	select {
	case r := <-s.out:
		return []stt.Result{r}, nil
	default:
	}
	select {
	case r := <-s.out:
		return []stt.Result{r}, nil
	case <-s.done:
		select {
		case r := <-s.out:
			return []stt.Result{r}, nil
		default:
			return nil, io.EOF
		}
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

var _ stt.Recognizer = (*Recognizer)(nil)
