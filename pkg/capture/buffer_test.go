package capture

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func frame(n int, b byte) []byte { return bytes.Repeat([]byte{b}, n) }

func TestTargetBytes(t *testing.T) {
	require.Equal(t, 80000, TargetBytes(10, 8000))
	require.Equal(t, 0, TargetBytes(0, 8000))
	require.Equal(t, 0, TargetBytes(10, -1))
}

func TestBufferTriggersOnceAtThreshold(t *testing.T) {
	b := NewBuffer(800)
	triggers := 0
	var snap []byte
	for i := 0; i < 10; i++ {
		s, ok := b.Append(frame(160, byte(i)))
		if ok {
			triggers++
			snap = s
		}
	}
	require.Equal(t, 1, triggers)
	require.Len(t, snap, 800)
	require.True(t, b.Captured())
	require.Nil(t, b.Flush())
}

func TestBufferIncludesCrossingFrame(t *testing.T) {
	b := NewBuffer(300)
	_, ok := b.Append(frame(160, 1))
	require.False(t, ok)
	snap, ok := b.Append(frame(160, 2))
	require.True(t, ok)
	require.Len(t, snap, 320)
	require.Equal(t, byte(2), snap[319])

	_, ok = b.Append(frame(160, 3))
	require.False(t, ok)
	require.Zero(t, b.Len())
}

func TestBufferFlushBelowThreshold(t *testing.T) {
	b := NewBuffer(80000)
	b.Append(frame(160, 7))
	b.Append(frame(160, 8))
	got := b.Flush()
	require.Len(t, got, 320)
	require.True(t, b.Captured())
	require.Nil(t, b.Flush())

	_, ok := b.Append(frame(80000, 1))
	require.False(t, ok)
}

func TestBufferFlushEmpty(t *testing.T) {
	b := NewBuffer(10)
	require.Nil(t, b.Flush())
	require.True(t, b.Captured())
}

func TestBufferIgnoresEmptyAppend(t *testing.T) {
	b := NewBuffer(0)
	_, ok := b.Append(nil)
	require.False(t, ok)
	require.False(t, b.Captured())
}
