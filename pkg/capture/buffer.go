// Package capture accumulates the opening seconds of a call and hands them to
// the detection pipeline exactly once.
package capture

// TargetBytes is the mu-law byte count for seconds of audio at sampleRate (one byte per sample).
func TargetBytes(seconds, sampleRate int) int {
	if seconds <= 0 || sampleRate <= 0 {
		return 0
	}
	return seconds * sampleRate
}

// Buffer is append-only and owned by a single session loop.
type Buffer struct {
	target   int
	data     []byte
	captured bool
}

func NewBuffer(target int) *Buffer {
	b := &Buffer{target: target}
	if target > 0 {
		b.data = make([]byte, 0, target)
	}
	return b
}

// Append adds p unless the buffer is already captured. When the length reaches
// the target the buffer becomes captured and the full contents are returned
// with trigger set.
func (b *Buffer) Append(p []byte) (snapshot []byte, trigger bool) {
	if b.captured || len(p) == 0 {
		return nil, false
	}
	b.data = append(b.data, p...)
	if len(b.data) < b.target {
		return nil, false
	}
	return b.take(), true
}

// Flush returns whatever was not yet submitted, once. Nil when empty or already captured.
func (b *Buffer) Flush() []byte {
	if b.captured {
		return nil
	}
	if len(b.data) == 0 {
		b.captured = true
		return nil
	}
	return b.take()
}

func (b *Buffer) take() []byte {
	b.captured = true
	out := b.data
	b.data = nil
	return out
}

func (b *Buffer) Len() int { return len(b.data) }

func (b *Buffer) Captured() bool { return b.captured }

func (b *Buffer) Target() int { return b.target }
