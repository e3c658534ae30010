package metrics

import "sync"

// MemoryObserver keeps every event in memory, grouped by name. Tests use it
// to assert on what a session emitted.
type MemoryObserver struct {
	mu     sync.Mutex
	byName map[string][]MetricsEvent
	total  int
}

func NewMemoryObserver() *MemoryObserver {
	return &MemoryObserver{byName: make(map[string][]MetricsEvent)}
}

func (m *MemoryObserver) RecordEvent(ev MetricsEvent) {
	m.mu.Lock()
	m.byName[ev.Name] = append(m.byName[ev.Name], ev)
	m.total++
	m.mu.Unlock()
}

func (m *MemoryObserver) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byName[name])
}

// Total counts events of every name.
func (m *MemoryObserver) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Find returns a copy of the events named name in arrival order.
func (m *MemoryObserver) Find(name string) []MetricsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MetricsEvent(nil), m.byName[name]...)
}
