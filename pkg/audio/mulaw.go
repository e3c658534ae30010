// Package audio converts telephony audio and writes capture containers.
package audio

import "encoding/binary"

const (
	// MuLawSampleRate is the sample rate of Twilio media streams.
	MuLawSampleRate = 8000

	muLawBias = 132
	muLawClip = 32635
)

// muLawExpLUT holds the segment base for each exponent with the bias removed.
var muLawExpLUT = func() (lut [8]int) {
	for e := range lut {
		lut[e] = (muLawBias << e) - muLawBias
	}
	return lut
}()

// DecodeMuLawSample expands one G.711 mu-law byte into a linear sample.
func DecodeMuLawSample(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := int(u & 0x0F)

	magnitude := muLawExpLUT[exponent] + (mantissa << (exponent + 3))
	if magnitude > muLawClip {
		magnitude = muLawClip
	}
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// DecodeMuLaw converts mu-law bytes to 16-bit little-endian PCM, one sample per input byte.
func DecodeMuLaw(codec []byte) []byte {
	out := make([]byte, len(codec)*2)
	for i, b := range codec {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(DecodeMuLawSample(b)))
	}
	return out
}
