package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDrainTimeout is returned by Stop when the drainer outlives the timeout.
var ErrDrainTimeout = errors.New("drain timeout")

// LifecycleRunner runs until its context ends, then drains once and stops.
type LifecycleRunner struct {
	state     atomic.Int32
	ctx       context.Context
	cancel    context.CancelFunc
	onceStop  sync.Once
	hooks     Hooks
	drainer   Drainer
	stopErr   error
	timeout   time.Duration
	bannerOut io.Writer
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LifecycleRunner{
		ctx:     ctx,
		cancel:  cancel,
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
	}
}

// WithBanner sends the startup banner to w instead of stdout. io.Discard silences it.
func (r *LifecycleRunner) WithBanner(w io.Writer) *LifecycleRunner {
	r.bannerOut = w
	return r
}

// Run blocks until ctx is cancelled or Stop is called.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return errors.New("invalid state transition")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	PrintBanner(r.bannerOut)
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.setState(StateRunning)
	select {
	case <-ctx.Done():
	case <-r.ctx.Done():
	}
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	r.cancel()
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		if !r.drainWithin(r.timeout) {
			r.stopErr = ErrDrainTimeout
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

// drainWithin reports whether the drainer returned before timeout. A drainer
// that overruns keeps running in the background; it owns its own abort path.
func (r *LifecycleRunner) drainWithin(timeout time.Duration) bool {
	if r.drainer == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.drainer.Drain()
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return r.state.CompareAndSwap(int32(from), int32(to))
}

var _ Runner = (*LifecycleRunner)(nil)

func (r *LifecycleRunner) setState(s State) {
	r.state.Store(int32(s))
}
