package google

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/harunnryd/callsentry/pkg/adapters/stt"
	"github.com/harunnryd/callsentry/pkg/transcription"
)

type fakeSpeechServer struct {
	speechpb.UnimplementedSpeechServer

	responses []*speechpb.StreamingRecognizeResponse

	mu     sync.Mutex
	config *speechpb.StreamingRecognitionConfig
	audio  [][]byte
}

func (s *fakeSpeechServer) StreamingRecognize(stream speechpb.Speech_StreamingRecognizeServer) error {
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		s.mu.Lock()
		if cfg := req.GetStreamingConfig(); cfg != nil {
			s.config = cfg
		} else {
			s.audio = append(s.audio, req.GetAudioContent())
		}
		s.mu.Unlock()
	}
	for _, resp := range s.responses {
		if err := stream.Send(resp); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSpeechServer) snapshot() (*speechpb.StreamingRecognitionConfig, [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config, append([][]byte(nil), s.audio...)
}

func startFakeSpeech(t *testing.T, srv *fakeSpeechServer) *Recognizer {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	grpcServer := grpc.NewServer()
	speechpb.RegisterSpeechServer(grpcServer, srv)
	go func() {
		_ = grpcServer.Serve(lis)
	}()
	t.Cleanup(grpcServer.Stop)

	rec, err := New(context.Background(), Config{
		Endpoint: lis.Addr().String(),
		ClientOptions: []option.ClientOption{
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })
	return rec
}

func result(text string, final bool) *speechpb.StreamingRecognitionResult {
	return &speechpb.StreamingRecognitionResult{
		IsFinal:      final,
		Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: text}},
	}
}

func TestRecognizerStreamsConfigThenAudio(t *testing.T) {
	srv := &fakeSpeechServer{
		responses: []*speechpb.StreamingRecognizeResponse{
			{Results: []*speechpb.StreamingRecognitionResult{result("hello wor", false)}},
			{Results: []*speechpb.StreamingRecognitionResult{{IsFinal: false}}},
			{Results: []*speechpb.StreamingRecognitionResult{result("hello world.", true)}},
		},
	}
	rec := startFakeSpeech(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := rec.Open(ctx, stt.Config{
		Language:    "en-US",
		SampleRate:  8000,
		Encoding:    stt.EncodingMuLaw,
		Interim:     true,
		Punctuation: true,
	})
	require.NoError(t, err)
	require.NoError(t, stream.Send([]byte{0xFF, 0x7F}))
	require.NoError(t, stream.Send([]byte{0x00}))
	require.NoError(t, stream.CloseSend())

	var got []stt.Result
	for {
		batch, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, batch...)
	}
	require.Equal(t, []stt.Result{
		{Text: "hello wor", IsFinal: false},
		{Text: "hello world.", IsFinal: true},
	}, got)

	cfg, audio := srv.snapshot()
	require.NotNil(t, cfg)
	require.Equal(t, speechpb.RecognitionConfig_MULAW, cfg.GetConfig().GetEncoding())
	require.Equal(t, int32(8000), cfg.GetConfig().GetSampleRateHertz())
	require.Equal(t, "en-US", cfg.GetConfig().GetLanguageCode())
	require.True(t, cfg.GetConfig().GetEnableAutomaticPunctuation())
	require.True(t, cfg.GetInterimResults())
	require.Equal(t, [][]byte{{0xFF, 0x7F}, {0x00}}, audio)
}

func TestRecognizerSurfacesResponseError(t *testing.T) {
	srv := &fakeSpeechServer{
		responses: []*speechpb.StreamingRecognizeResponse{
			{Error: &rpcstatus.Status{Code: 11, Message: "audio timeout"}},
		},
	}
	rec := startFakeSpeech(t, srv)

	stream, err := rec.Open(context.Background(), stt.Config{Language: "en-US", SampleRate: 8000})
	require.NoError(t, err)
	require.NoError(t, stream.CloseSend())
	_, err = stream.Recv()
	require.Error(t, err)
	require.Contains(t, err.Error(), "audio timeout")
}

func TestRecognizerWithTranscriptionClient(t *testing.T) {
	srv := &fakeSpeechServer{
		responses: []*speechpb.StreamingRecognizeResponse{
			{Results: []*speechpb.StreamingRecognitionResult{result("scam", false)}},
			{Results: []*speechpb.StreamingRecognitionResult{result("scam", false)}},
			{Results: []*speechpb.StreamingRecognitionResult{result("scam call", true)}},
		},
	}
	rec := startFakeSpeech(t, srv)

	var mu sync.Mutex
	var texts []string
	client := transcription.New(transcription.Options{
		Recognizer: rec,
		Config:     stt.Config{Language: "en-US", SampleRate: 8000, Encoding: stt.EncodingMuLaw, Interim: true},
	})
	require.NoError(t, client.Start(context.Background(), func(text string, isFinal bool) {
		mu.Lock()
		defer mu.Unlock()
		texts = append(texts, text)
	}))
	client.Write([]byte{0xFF})
	require.NoError(t, client.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"scam", "scam call"}, texts)
}

func TestParseEncoding(t *testing.T) {
	require.Equal(t, speechpb.RecognitionConfig_MULAW, parseEncoding("mulaw"))
	require.Equal(t, speechpb.RecognitionConfig_LINEAR16, parseEncoding(stt.EncodingLinear16))
	require.Equal(t, speechpb.RecognitionConfig_LINEAR16, parseEncoding(""))
}
