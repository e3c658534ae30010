package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver moves event delivery off the session and submitter goroutines.
// A full buffer drops events instead of blocking the caller.
type AsyncObserver struct {
	inner   Observer
	events  chan MetricsEvent
	done    chan struct{}
	closing sync.RWMutex
	closed  bool
	once    sync.Once

	dropped  atomic.Int64
	dropMu   sync.Mutex
	dropName map[string]int64
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner:    inner,
		events:   make(chan MetricsEvent, buffer),
		done:     make(chan struct{}),
		dropName: make(map[string]int64),
	}
	go a.deliver()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.closing.RLock()
	defer a.closing.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	default:
		a.dropped.Add(1)
		a.dropMu.Lock()
		a.dropName[ev.Name]++
		a.dropMu.Unlock()
	}
}

// Dropped is the number of events lost to a full buffer.
func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

// DroppedByName breaks Dropped down by event name.
func (a *AsyncObserver) DroppedByName() map[string]int64 {
	a.dropMu.Lock()
	defer a.dropMu.Unlock()
	out := make(map[string]int64, len(a.dropName))
	for k, v := range a.dropName {
		out[k] = v
	}
	return out
}

// Close rejects further events and returns once the buffer has been delivered.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.closing.Lock()
		a.closed = true
		close(a.events)
		a.closing.Unlock()
	})
	<-a.done
}

func (a *AsyncObserver) deliver() {
	defer close(a.done)
	for ev := range a.events {
		a.inner.RecordEvent(ev)
	}
}
