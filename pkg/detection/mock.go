package detection

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Mock returns a fixed verdict for every upload. Used for local runs and tests.
type Mock struct {
	Status string
	Score  *float64
	// UploadErr and PollErr force the corresponding step to fail.
	UploadErr error
	PollErr   error

	mu      sync.Mutex
	uploads []string
}

func NewMock(status string, score float64) *Mock {
	if status == "" {
		status = StatusAuthentic
	}
	return &Mock{Status: status, Score: &score}
}

func (m *Mock) Name() string { return "mock_detection" }

func (m *Mock) Upload(ctx context.Context, path string) (string, error) {
	if m.UploadErr != nil {
		return "", m.UploadErr
	}
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, path)
	return fmt.Sprintf("mock-%d", len(m.uploads)), nil
}

func (m *Mock) Poll(ctx context.Context, requestID string) (Result, error) {
	if m.PollErr != nil {
		return Result{}, m.PollErr
	}
	return Result{RequestID: requestID, Status: m.Status, Score: m.Score}, nil
}

// Uploads returns the paths received so far.
func (m *Mock) Uploads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.uploads...)
}

var _ Detector = (*Mock)(nil)
