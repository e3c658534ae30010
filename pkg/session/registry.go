package session

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Registry tracks live connections so shutdown can stop intake and wait for
// sessions to finalize.
type Registry struct {
	conns    sync.Map
	count    atomic.Int64
	draining atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a connection under id. It refuses new entries while draining.
func (r *Registry) Add(id string, conn io.Closer) bool {
	if r.draining.Load() {
		return false
	}
	if _, loaded := r.conns.LoadOrStore(id, conn); loaded {
		return false
	}
	r.count.Add(1)
	return true
}

func (r *Registry) Remove(id string) {
	if _, ok := r.conns.LoadAndDelete(id); ok {
		r.count.Add(-1)
	}
}

// CloseAll closes every registered connection; their sessions finalize on the read error.
func (r *Registry) CloseAll() {
	r.conns.Range(func(_, value any) bool {
		if c, ok := value.(io.Closer); ok {
			_ = c.Close()
		}
		return true
	})
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
