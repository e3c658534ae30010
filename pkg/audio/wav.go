package audio

import (
	"encoding/binary"
	"fmt"
	"io"
)

const wavHeaderSize = 44

// WAVFormat describes a PCM WAV stream.
type WAVFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// CaptureFormat is the container format used for detection captures.
var CaptureFormat = WAVFormat{SampleRate: MuLawSampleRate, Channels: 1, BitsPerSample: 16}

type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// WriteWAV writes a RIFF/WAVE container around little-endian PCM data.
func WriteWAV(w io.Writer, format WAVFormat, pcm []byte) error {
	if format.SampleRate <= 0 || format.Channels <= 0 || format.BitsPerSample <= 0 {
		return fmt.Errorf("invalid wav format %+v", format)
	}
	blockAlign := format.Channels * format.BitsPerSample / 8
	if blockAlign == 0 || len(pcm)%blockAlign != 0 {
		return fmt.Errorf("pcm length %d is not a multiple of block size %d", len(pcm), blockAlign)
	}
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(wavHeaderSize - 8 + len(pcm)),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(format.Channels),
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.SampleRate * blockAlign),
		BlockAlign:    uint16(blockAlign),
		BitsPerSample: uint16(format.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(len(pcm)),
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("write wav data: %w", err)
	}
	return nil
}

// ReadWAV parses a canonical 44-byte-header PCM WAV and returns its format and data.
func ReadWAV(r io.Reader) (WAVFormat, []byte, error) {
	var h wavHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return WAVFormat{}, nil, fmt.Errorf("read wav header: %w", err)
	}
	if string(h.ChunkID[:]) != "RIFF" || string(h.Format[:]) != "WAVE" || string(h.Subchunk2ID[:]) != "data" {
		return WAVFormat{}, nil, fmt.Errorf("not a canonical wav stream")
	}
	data := make([]byte, h.Subchunk2Size)
	if _, err := io.ReadFull(r, data); err != nil {
		return WAVFormat{}, nil, fmt.Errorf("read wav data: %w", err)
	}
	format := WAVFormat{
		SampleRate:    int(h.SampleRate),
		Channels:      int(h.NumChannels),
		BitsPerSample: int(h.BitsPerSample),
	}
	return format, data, nil
}
