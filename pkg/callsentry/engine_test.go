package callsentry

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/callsentry/pkg/adapters/stt"
	"github.com/harunnryd/callsentry/pkg/detection"
	"github.com/harunnryd/callsentry/pkg/providers/mock"
	"github.com/harunnryd/callsentry/pkg/reporters"
	"github.com/harunnryd/callsentry/pkg/session"
)

type collectingReporter struct {
	mu       sync.Mutex
	outcomes []reporters.Outcome
}

func (c *collectingReporter) Name() string { return "collect" }

func (c *collectingReporter) Report(_ context.Context, o reporters.Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, o)
	return nil
}

func (c *collectingReporter) all() []reporters.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]reporters.Outcome(nil), c.outcomes...)
}

type engineHarness struct {
	engine     *Engine
	detector   *detection.Mock
	reporter   *collectingReporter
	dir        string
	mu         sync.Mutex
	transcript []session.Transcript
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	return newEngineHarnessWithDrain(t, 2000)
}

func newEngineHarnessWithDrain(t *testing.T, drainMS int) *engineHarness {
	t.Helper()
	h := &engineHarness{
		detector: detection.NewMock(detection.StatusManipulated, 0.93),
		reporter: &collectingReporter{},
		dir:      t.TempDir(),
	}
	providers := NewProviderRegistry()
	providers.RegisterSTT("mock", func(context.Context, Config) (stt.Recognizer, error) {
		return mock.NewSTT(mock.STTConfig{Transcript: "hello there"}), nil
	})
	providers.RegisterDetector("mock", func(Config) (detection.Detector, error) {
		return h.detector, nil
	})

	cfg := DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Twilio.ValidateSignature = false
	cfg.STT.Provider = "mock"
	cfg.STT.Interim = false
	cfg.Detection.Provider = "mock"
	cfg.Capture.Dir = h.dir
	cfg.Shutdown.DrainTimeoutMS = drainMS

	e, err := NewEngine(context.Background(), EngineOptions{
		Config:    cfg,
		Providers: providers,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Reporters: []reporters.Reporter{h.reporter},
		OnTranscript: func(tr session.Transcript) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.transcript = append(h.transcript, tr)
		},
		BannerOut: io.Discard,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop() })
	h.engine = e
	return h
}

func (h *engineHarness) transcripts() []session.Transcript {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]session.Transcript(nil), h.transcript...)
}

func streamCall(t *testing.T, url, callSID string, frames int) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/media"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	start := fmt.Sprintf(`{"event":"start","start":{"callSid":%q,"streamSid":"MZ1","customParameters":{"from":"+15550001111","to":"+15552223333"}}}`, callSID)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(start)))
	payload := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("\xff", 160)))
	media := []byte(`{"event":"media","media":{"payload":"` + payload + `"}}`)
	for i := 0; i < frames; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, media))
	}
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop","stop":{"callSid":"`+callSID+`"}}`)))

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err, "server should close the stream after stop")
}

func TestEngineCallProducesCaptureAndVerdict(t *testing.T) {
	h := newEngineHarness(t)
	srv := httptest.NewServer(h.engine.Handler())
	defer srv.Close()

	streamCall(t, srv.URL, "CA1", 500)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.True(t, h.engine.Sessions().WaitForEmpty(ctx, 5*time.Millisecond))
	h.engine.Submitter().Wait()

	uploads := h.detector.Uploads()
	require.Len(t, uploads, 1)
	require.Equal(t, h.dir, filepath.Dir(uploads[0]))
	info, err := os.Stat(uploads[0])
	require.NoError(t, err)
	require.EqualValues(t, 44+160000, info.Size())

	outcomes := h.reporter.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, "CA1", outcomes[0].CallSID)
	require.Equal(t, "+15552223333", outcomes[0].To)
	require.True(t, outcomes[0].Result.Manipulated())

	require.Eventually(t, func() bool {
		for _, tr := range h.transcripts() {
			if tr.IsFinal && tr.Text == "hello there" && tr.CallSID == "CA1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineStopBelowThresholdSubmitsRemainder(t *testing.T) {
	h := newEngineHarness(t)
	srv := httptest.NewServer(h.engine.Handler())
	defer srv.Close()

	streamCall(t, srv.URL, "CA2", 3)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.True(t, h.engine.Sessions().WaitForEmpty(ctx, 5*time.Millisecond))
	h.engine.Submitter().Wait()

	outcomes := h.reporter.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, "stop", outcomes[0].Trigger)
}

func TestEngineControlAndMetrics(t *testing.T) {
	h := newEngineHarness(t)
	srv := httptest.NewServer(h.engine.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.False(t, h.engine.Toggle().Enabled())

	resp, err = http.Post(srv.URL+"/twilio/voice", "application/x-www-form-urlencoded", strings.NewReader("From=%2B1555&To=%2B1666"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Contains(t, string(body), "Streaming is currently disabled.")

	streamCall(t, srv.URL, "CA3", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.True(t, h.engine.Sessions().WaitForEmpty(ctx, 5*time.Millisecond))
	h.engine.Submitter().Wait()

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), "callsentry_sessions_total 1") &&
			strings.Contains(string(body), `callsentry_captures_submitted_total{trigger="stop"} 1`)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEngineStartStopDrains(t *testing.T) {
	h := newEngineHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.engine.Start(ctx))

	require.NoError(t, h.engine.Stop())
	select {
	case <-h.engine.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop")
	}
	require.True(t, h.engine.Sessions().Draining())
}

func TestEngineStopFlushesCallStillLiveAtDeadline(t *testing.T) {
	h := newEngineHarnessWithDrain(t, 100)
	srv := httptest.NewServer(h.engine.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/media", nil)
	require.NoError(t, err)
	defer conn.Close()
	start := `{"event":"start","start":{"callSid":"CA9","streamSid":"MZ9"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(start)))
	payload := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("\xff", 160)))
	media := []byte(`{"event":"media","media":{"payload":"` + payload + `"}}`)
	for i := 0; i < 5; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, media))
	}
	require.Eventually(t, func() bool { return h.engine.Sessions().Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	_ = h.engine.Stop()

	outcomes := h.reporter.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, "CA9", outcomes[0].CallSID)
	require.Equal(t, "stop", outcomes[0].Trigger)
	require.Zero(t, h.engine.Sessions().Count())
}

func TestNewEngineUnknownProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.STT.Provider = "nope"
	_, err := NewEngine(context.Background(), EngineOptions{
		Config:    cfg,
		Providers: NewProviderRegistry(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.ErrorContains(t, err, "stt provider not registered: nope")
}
