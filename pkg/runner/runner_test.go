package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestLifecycleRunnerDrainsOnContextCancel(t *testing.T) {
	var drained, started, stopped atomic.Bool
	r := NewLifecycleRunner(DrainerFunc(func() error {
		drained.Store(true)
		return nil
	}), Hooks{
		OnStart: func() { started.Store(true) },
		OnStop:  func() { stopped.Store(true) },
	}, time.Second).WithBanner(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !started.Load() {
		t.Fatalf("expected OnStart to run")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("runner did not stop")
	}
	if !drained.Load() || !stopped.Load() {
		t.Fatalf("expected drain and OnStop, got drained=%v stopped=%v", drained.Load(), stopped.Load())
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped state, got %v", r.State())
	}
}

func TestLifecycleRunnerDrainTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := NewLifecycleRunner(DrainerFunc(func() error {
		<-block
		return nil
	}), Hooks{}, 20*time.Millisecond)

	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("second stop should report the same error, got %v", err)
	}
}

func TestLifecycleRunnerRejectsSecondRun(t *testing.T) {
	r := NewLifecycleRunner(nil, Hooks{}, 0).WithBanner(io.Discard)
	_ = r.Stop()
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("run after stop should return immediately")
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected invalid state transition")
	}
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf)
	if !strings.Contains(buf.String(), "Version: "+Version) {
		t.Fatalf("banner missing version: %q", buf.String())
	}
}

func TestStateString(t *testing.T) {
	if StateDraining.String() != "draining" {
		t.Fatalf("unexpected %q", StateDraining.String())
	}
	if State(42).String() != "state(42)" {
		t.Fatalf("unexpected %q", State(42).String())
	}
}
