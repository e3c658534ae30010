package stt

import "context"

// Encoding names the audio encoding sent to a recognizer.
type Encoding string

const (
	EncodingMuLaw    Encoding = "MULAW"
	EncodingLinear16 Encoding = "LINEAR16"
)

// Config contains vendor-agnostic recognition settings for one stream.
type Config struct {
	StreamID    string
	CallSID     string
	TraceID     string
	Language    string
	SampleRate  int
	Encoding    Encoding
	Interim     bool
	Punctuation bool
}

// Result is one recognition hypothesis as emitted by the backend.
type Result struct {
	Text    string
	IsFinal bool
}

// Recognizer opens streaming recognition sessions on a vendor backend.
type Recognizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Open starts a stream configured by cfg. The stream is bound to ctx.
	Open(ctx context.Context, cfg Config) (Stream, error)
}

// Stream is a bidirectional recognition session.
// Send and CloseSend are called from one goroutine, Recv from another.
type Stream interface {
	// Send forwards one audio chunk.
	Send(audio []byte) error
	// Recv blocks for the next batch of results and returns io.EOF once the backend is done.
	Recv() ([]Result, error)
	// CloseSend signals that no more audio follows.
	CloseSend() error
}
