package transcription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/callsentry/pkg/adapters/stt"
	"github.com/harunnryd/callsentry/pkg/errorsx"
	"github.com/harunnryd/callsentry/pkg/metrics"
	"github.com/stretchr/testify/require"
)

type fakeRecognizer struct {
	openErr error
	stream  *fakeStream
	cfg     stt.Config
}

func (f *fakeRecognizer) Name() string { return "fake" }

func (f *fakeRecognizer) Open(ctx context.Context, cfg stt.Config) (stt.Stream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.cfg = cfg
	f.stream.ctx = ctx
	return f.stream, nil
}

// fakeStream replays scripted result batches and ends with io.EOF after
// CloseSend unless ignoreCloseSend is set.
type fakeStream struct {
	ctx             context.Context
	results         chan []stt.Result
	closeSend       chan struct{}
	closeOnce       sync.Once
	ignoreCloseSend bool
	recvErr         error
	sendGate        chan struct{}

	mu   sync.Mutex
	sent [][]byte
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		results:   make(chan []stt.Result, 16),
		closeSend: make(chan struct{}),
	}
}

func (s *fakeStream) Send(audio []byte) error {
	if s.sendGate != nil {
		select {
		case <-s.sendGate:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	s.mu.Lock()
	s.sent = append(s.sent, audio)
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Recv() ([]stt.Result, error) {
	if s.recvErr != nil {
		return nil, s.recvErr
	}
	closeSend := s.closeSend
	if s.ignoreCloseSend {
		closeSend = nil
	}
	select {
	case batch := <-s.results:
		return batch, nil
	case <-closeSend:
		select {
		case batch := <-s.results:
			return batch, nil
		default:
		}
		return nil, io.EOF
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *fakeStream) CloseSend() error {
	s.closeOnce.Do(func() { close(s.closeSend) })
	return nil
}

func (s *fakeStream) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

type transcriptLog struct {
	mu    sync.Mutex
	items []string
}

func (l *transcriptLog) callback(text string, isFinal bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, fmt.Sprintf("%s:%v", text, isFinal))
}

func (l *transcriptLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.items...)
}

func testConfig() stt.Config {
	return stt.Config{
		CallSID:     "CA1",
		StreamID:    "MZ1",
		Language:    "en-US",
		SampleRate:  8000,
		Encoding:    stt.EncodingMuLaw,
		Interim:     true,
		Punctuation: true,
	}
}

func TestClientDeliversDeduplicatedHypotheses(t *testing.T) {
	stream := newFakeStream()
	rec := &fakeRecognizer{stream: stream}
	c := New(Options{Recognizer: rec, Config: testConfig()})
	var got transcriptLog

	require.NoError(t, c.Start(context.Background(), got.callback))
	require.Equal(t, stt.EncodingMuLaw, rec.cfg.Encoding)

	stream.results <- []stt.Result{
		{Text: "foo", IsFinal: false},
		{Text: "foo ", IsFinal: false},
	}
	stream.results <- []stt.Result{{Text: "foo", IsFinal: true}}
	stream.results <- []stt.Result{{Text: "foo", IsFinal: false}}

	require.NoError(t, c.Close())
	require.Equal(t, []string{"foo:false", "foo:true", "foo:false"}, got.snapshot())
}

func TestClientWriteIsFIFOAndNonBlocking(t *testing.T) {
	stream := newFakeStream()
	stream.sendGate = make(chan struct{})
	c := New(Options{Recognizer: &fakeRecognizer{stream: stream}, Config: testConfig()})
	require.NoError(t, c.Start(context.Background(), nil))

	const n = 1000
	start := time.Now()
	for i := 0; i < n; i++ {
		c.Write([]byte{byte(i), byte(i >> 8)})
	}
	c.Write(nil)
	require.Less(t, time.Since(start), time.Second)
	require.Empty(t, stream.Sent())

	close(stream.sendGate)
	require.NoError(t, c.Close())

	sent := stream.Sent()
	require.Len(t, sent, n)
	for i, chunk := range sent {
		require.Equal(t, []byte{byte(i), byte(i >> 8)}, chunk)
	}
}

func TestClientWriteCopiesChunk(t *testing.T) {
	stream := newFakeStream()
	c := New(Options{Recognizer: &fakeRecognizer{stream: stream}, Config: testConfig()})
	require.NoError(t, c.Start(context.Background(), nil))

	buf := []byte{1, 2, 3}
	c.Write(buf)
	buf[0] = 9
	require.NoError(t, c.Close())
	require.Equal(t, [][]byte{{1, 2, 3}}, stream.Sent())
}

func TestClientStartFailureLeavesNoOps(t *testing.T) {
	c := New(Options{Recognizer: &fakeRecognizer{openErr: errors.New("dial refused")}, Config: testConfig()})

	err := c.Start(context.Background(), nil)
	require.Error(t, err)
	require.True(t, errorsx.HasReason(err, errorsx.ReasonSTTConnect))

	c.Write([]byte{0xFF})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Error(t, c.Start(context.Background(), nil))
}

func TestClientCloseWithoutStart(t *testing.T) {
	c := New(Options{Config: testConfig()})
	require.NoError(t, c.Close())
	c.Write([]byte{0xFF})
	require.NoError(t, c.Close())
}

func TestClientCloseIsIdempotent(t *testing.T) {
	stream := newFakeStream()
	c := New(Options{Recognizer: &fakeRecognizer{stream: stream}, Config: testConfig()})
	require.NoError(t, c.Start(context.Background(), nil))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	c.Write([]byte{0x01})
	require.Empty(t, stream.Sent())
}

func TestClientCloseIsBounded(t *testing.T) {
	stream := newFakeStream()
	stream.ignoreCloseSend = true
	c := New(Options{
		Recognizer:   &fakeRecognizer{stream: stream},
		Config:       testConfig(),
		CloseTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, c.Start(context.Background(), nil))

	start := time.Now()
	err := c.Close()
	require.Error(t, err)
	require.True(t, errorsx.HasReason(err, errorsx.ReasonSTTCloseTimeout))
	require.Less(t, time.Since(start), time.Second)
	require.Error(t, stream.ctx.Err())
}

func TestClientReceiveFailureStopsTranscription(t *testing.T) {
	stream := newFakeStream()
	stream.recvErr = errors.New("stream reset")
	obs := metrics.NewMemoryObserver()
	c := New(Options{Recognizer: &fakeRecognizer{stream: stream}, Config: testConfig(), Observer: obs})
	require.NoError(t, c.Start(context.Background(), nil))

	require.Eventually(t, func() bool { return obs.Count(metrics.EventSTTError) == 1 }, time.Second, 5*time.Millisecond)
	ev := obs.Find(metrics.EventSTTError)[0]
	require.Equal(t, string(errorsx.ReasonSTTRecv), ev.Tags["reason_code"])

	c.Write([]byte{0x01})
	require.NoError(t, c.Close())
	require.Empty(t, stream.Sent())
}

func TestClientCallbackPanicIsContained(t *testing.T) {
	stream := newFakeStream()
	c := New(Options{Recognizer: &fakeRecognizer{stream: stream}, Config: testConfig()})
	var got transcriptLog
	calls := 0
	require.NoError(t, c.Start(context.Background(), func(text string, isFinal bool) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		got.callback(text, isFinal)
	}))
	stream.results <- []stt.Result{{Text: "one", IsFinal: true}, {Text: "two", IsFinal: true}}
	require.NoError(t, c.Close())
	require.Equal(t, []string{"two:true"}, got.snapshot())
}
