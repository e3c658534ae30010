package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver thins out high-rate events before they reach inner.
// Each sampled name keeps its own counter so one chatty event cannot starve
// another; names not listed pass through untouched.
type SamplingObserver struct {
	inner    Observer
	every    uint64
	counters map[string]*atomic.Uint64
}

// NewSamplingObserver forwards roughly rate (0..1) of the events named in names.
// A rate of 0 drops them entirely.
func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	var every uint64
	if rate > 0 {
		every = max(uint64(math.Round(1/rate)), 1)
	}
	counters := make(map[string]*atomic.Uint64, len(names))
	for _, n := range names {
		counters[n] = new(atomic.Uint64)
	}
	return &SamplingObserver{inner: inner, every: every, counters: counters}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	counter, sampled := s.counters[ev.Name]
	if !sampled {
		s.inner.RecordEvent(ev)
		return
	}
	if s.every == 0 {
		return
	}
	if counter.Add(1)%s.every == 1%s.every {
		s.inner.RecordEvent(ev)
	}
}
