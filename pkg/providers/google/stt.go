// Package google adapts Google Cloud Speech-to-Text streaming recognition.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"github.com/harunnryd/callsentry/pkg/adapters/stt"
	"github.com/harunnryd/callsentry/pkg/logging"
)

type Config struct {
	// CredentialsFile overrides GOOGLE_APPLICATION_CREDENTIALS when set.
	CredentialsFile string
	// Endpoint overrides the Speech API endpoint (host:port).
	Endpoint    string
	Model       string
	UseEnhanced bool
	// ClientOptions are appended after the options derived above.
	ClientOptions []option.ClientOption
}

// Recognizer opens StreamingRecognize calls on a shared Speech client.
type Recognizer struct {
	cfg    Config
	client *speech.Client
	logger *slog.Logger
}

// New dials the Speech API. Credentials are resolved by the Google client libraries.
func New(ctx context.Context, cfg Config) (*Recognizer, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	opts = append(opts, cfg.ClientOptions...)
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &Recognizer{
		cfg:    cfg,
		client: client,
		logger: logging.NewComponentLogger(nil, "google_stt"),
	}, nil
}

func (r *Recognizer) Name() string { return "google_speech" }

// Open starts a StreamingRecognize call and sends the streaming config as the first message.
func (r *Recognizer) Open(ctx context.Context, cfg stt.Config) (stt.Stream, error) {
	stream, err := r.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("streaming recognize: %w", err)
	}
	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: r.streamingConfig(cfg),
		},
	}
	if err := stream.Send(req); err != nil {
		return nil, fmt.Errorf("send streaming config: %w", err)
	}
	r.logger.Debug("google_stream_opened",
		slog.String("call_sid", cfg.CallSID),
		slog.String("stream_id", cfg.StreamID),
		slog.String("language", cfg.Language))
	return &recognizeStream{stream: stream}, nil
}

// Close releases the underlying gRPC connection.
func (r *Recognizer) Close() error {
	return r.client.Close()
}

func (r *Recognizer) streamingConfig(cfg stt.Config) *speechpb.StreamingRecognitionConfig {
	return &speechpb.StreamingRecognitionConfig{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   parseEncoding(cfg.Encoding),
			SampleRateHertz:            int32(cfg.SampleRate),
			LanguageCode:               cfg.Language,
			EnableAutomaticPunctuation: cfg.Punctuation,
			Model:                      r.cfg.Model,
			UseEnhanced:                r.cfg.UseEnhanced,
		},
		InterimResults:  cfg.Interim,
		SingleUtterance: false,
	}
}

func parseEncoding(enc stt.Encoding) speechpb.RecognitionConfig_AudioEncoding {
	switch stt.Encoding(strings.ToUpper(string(enc))) {
	case stt.EncodingMuLaw:
		return speechpb.RecognitionConfig_MULAW
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

type recognizeStream struct {
	stream speechpb.Speech_StreamingRecognizeClient
}

func (s *recognizeStream) Send(audio []byte) error {
	return s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
}

func (s *recognizeStream) Recv() ([]stt.Result, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	if st := resp.GetError(); st != nil && st.GetCode() != 0 {
		return nil, fmt.Errorf("speech api error %d: %s", st.GetCode(), st.GetMessage())
	}
	results := make([]stt.Result, 0, len(resp.GetResults()))
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		results = append(results, stt.Result{Text: alts[0].GetTranscript(), IsFinal: r.GetIsFinal()})
	}
	return results, nil
}

func (s *recognizeStream) CloseSend() error {
	return s.stream.CloseSend()
}

var _ stt.Recognizer = (*Recognizer)(nil)
