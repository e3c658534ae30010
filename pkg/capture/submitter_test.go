package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harunnryd/callsentry/pkg/audio"
	"github.com/harunnryd/callsentry/pkg/detection"
	"github.com/harunnryd/callsentry/pkg/errorsx"
	"github.com/harunnryd/callsentry/pkg/metrics"
	"github.com/harunnryd/callsentry/pkg/reporters"
)

type recordingReporter struct {
	mu       sync.Mutex
	outcomes []reporters.Outcome
}

func (r *recordingReporter) Name() string { return "recording" }

func (r *recordingReporter) Report(_ context.Context, o reporters.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func fixedNow() time.Time { return time.Unix(1700000000, 0) }

func TestSubmitWritesWAVAndReports(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "captures")
	det := detection.NewMock(detection.StatusManipulated, 0.91)
	rep := &recordingReporter{}
	obs := metrics.NewMemoryObserver()
	s := NewSubmitter(Options{Dir: dir, Detector: det, Reporter: rep, Observer: obs, Now: fixedNow})

	task := s.Submit(Request{CallSID: "CA42", Trigger: TriggerThreshold, Audio: frame(80000, 0xFF)})
	out, err := task.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, out.Err)
	require.Equal(t, filepath.Join(dir, "call_CA42_1700000000.wav"), out.Path)
	require.Equal(t, detection.StatusManipulated, out.Result.Status)

	f, err := os.Open(out.Path)
	require.NoError(t, err)
	defer f.Close()
	format, pcm, err := audio.ReadWAV(f)
	require.NoError(t, err)
	require.Equal(t, audio.CaptureFormat, format)
	require.Len(t, pcm, 160000)

	s.Wait()
	require.Len(t, rep.outcomes, 1)
	require.Equal(t, []string{out.Path}, det.Uploads())
	require.Equal(t, 1, obs.Count(metrics.EventCaptureSubmitted))
	require.Equal(t, 1, obs.Count(metrics.EventDetectionResult))
}

func TestSubmitUnknownCallSIDAndCollision(t *testing.T) {
	dir := t.TempDir()
	s := NewSubmitter(Options{Dir: dir, Now: fixedNow})

	first, _ := s.Submit(Request{Audio: frame(10, 0xFF)}).Wait(context.Background())
	second, _ := s.Submit(Request{Audio: frame(10, 0xFF)}).Wait(context.Background())
	require.NoError(t, first.Err)
	require.NoError(t, second.Err)
	require.Equal(t, "call_unknown_1700000000.wav", filepath.Base(first.Path))
	require.Equal(t, "call_unknown_1700000000_1.wav", filepath.Base(second.Path))
}

func TestSubmitCaptureWriteFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	rep := &recordingReporter{}
	obs := metrics.NewMemoryObserver()
	s := NewSubmitter(Options{Dir: filepath.Join(blocker, "sub"), Reporter: rep, Observer: obs, Detector: detection.NewMock("", 0)})

	out, err := s.Submit(Request{CallSID: "CA1", Audio: frame(10, 1)}).Wait(context.Background())
	require.NoError(t, err)
	require.True(t, errorsx.HasReason(out.Err, errorsx.ReasonCaptureWrite))
	require.Len(t, rep.outcomes, 1)
	require.Equal(t, 1, obs.Count(metrics.EventDetectionFailed))
}

func TestSubmitDetectionFailureIsReported(t *testing.T) {
	det := detection.NewMock("", 0)
	det.UploadErr = errors.New("403")
	rep := &recordingReporter{}
	s := NewSubmitter(Options{Dir: t.TempDir(), Detector: det, Reporter: rep})

	out, err := s.Submit(Request{CallSID: "CA1", Audio: frame(10, 1)}).Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, errorsx.ReasonDetectionUpload, errorsx.Reason(out.Err))
	require.FileExists(t, out.Path)
}

type blockingDetector struct {
	release chan struct{}
}

func (b *blockingDetector) Name() string { return "blocking" }
func (b *blockingDetector) Upload(ctx context.Context, path string) (string, error) {
	select {
	case <-b.release:
		return "req", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
func (b *blockingDetector) Poll(ctx context.Context, id string) (detection.Result, error) {
	return detection.Result{RequestID: id, Status: detection.StatusAuthentic}, nil
}

func TestTaskWaitHonoursContextAndSubmitterDrains(t *testing.T) {
	det := &blockingDetector{release: make(chan struct{})}
	s := NewSubmitter(Options{Dir: t.TempDir(), Detector: det})
	task := s.Submit(Request{CallSID: "CA1", Audio: frame(10, 1)})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := task.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(det.release)
	s.Wait()
	out, err := task.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, detection.StatusAuthentic, out.Result.Status)
}

func TestSubmitDuringWaitIsNotLost(t *testing.T) {
	det := &blockingDetector{release: make(chan struct{})}
	s := NewSubmitter(Options{Dir: t.TempDir(), Detector: det})
	first := s.Submit(Request{CallSID: "CA1", Audio: frame(10, 1)})

	waited := make(chan struct{})
	go func() {
		s.Wait()
		close(waited)
	}()
	late := make(chan *Task, 1)
	go func() { late <- s.Submit(Request{CallSID: "CA2", Trigger: TriggerStop, Audio: frame(10, 1)}) }()

	close(det.release)
	<-waited
	second := <-late
	s.Wait()

	for _, task := range []*Task{first, second} {
		out, err := task.Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, detection.StatusAuthentic, out.Result.Status)
	}
}

func TestAbortCancelsInFlight(t *testing.T) {
	det := &blockingDetector{release: make(chan struct{})}
	s := NewSubmitter(Options{Dir: t.TempDir(), Detector: det})
	task := s.Submit(Request{CallSID: "CA1", Audio: frame(10, 1)})
	s.Abort()
	s.Wait()
	out, _ := task.Wait(context.Background())
	require.ErrorIs(t, out.Err, context.Canceled)
}

func TestFileNameSanitizes(t *testing.T) {
	require.Equal(t, "call_CA_x_1700000000.wav", FileName("CA/x", fixedNow()))
}
