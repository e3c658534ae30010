package audio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteWAVHeader(t *testing.T) {
	pcm := DecodeMuLaw(bytes.Repeat([]byte{0xFF}, 8000))
	var buf bytes.Buffer
	require.NoError(t, WriteWAV(&buf, CaptureFormat, pcm))

	b := buf.Bytes()
	require.Len(t, b, wavHeaderSize+16000)
	require.Equal(t, "RIFF", string(b[0:4]))
	require.Equal(t, "WAVE", string(b[8:12]))
	require.Equal(t, "data", string(b[36:40]))

	format, data, err := ReadWAV(bytes.NewReader(b))
	require.NoError(t, err)
	require.Equal(t, CaptureFormat, format)
	require.Equal(t, pcm, data)
}

func TestWriteWAVRejectsPartialSample(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, WriteWAV(&buf, CaptureFormat, []byte{0x01}))
	require.Error(t, WriteWAV(&buf, WAVFormat{}, nil))
}

func TestReadWAVRejectsGarbage(t *testing.T) {
	_, _, err := ReadWAV(bytes.NewReader(bytes.Repeat([]byte{'x'}, 64)))
	require.Error(t, err)
}
