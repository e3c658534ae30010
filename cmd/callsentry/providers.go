package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/harunnryd/callsentry/pkg/adapters/stt"
	"github.com/harunnryd/callsentry/pkg/callsentry"
	"github.com/harunnryd/callsentry/pkg/configutil"
	"github.com/harunnryd/callsentry/pkg/detection"
	"github.com/harunnryd/callsentry/pkg/providers/deepgram"
	"github.com/harunnryd/callsentry/pkg/providers/google"
	"github.com/harunnryd/callsentry/pkg/providers/mock"
)

type googleSettings struct {
	CredentialsFile string `mapstructure:"credentials_file"`
	Endpoint        string `mapstructure:"endpoint"`
	Model           string `mapstructure:"model"`
	UseEnhanced     *bool  `mapstructure:"use_enhanced"`
}

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
	SmartFormat    *bool  `mapstructure:"smart_format"`
}

type mockSTTSettings struct {
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
}

type realityDefenderSettings struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type mockDetectionSettings struct {
	Status string   `mapstructure:"status"`
	Score  *float64 `mapstructure:"score"`
}

func registerProviders(reg *callsentry.ProviderRegistry) {
	reg.RegisterSTT("google", func(ctx context.Context, cfg callsentry.Config) (stt.Recognizer, error) {
		if err := validateSettings("stt.settings", cfg.STT.Settings, configutil.Schema{
			Optional: []string{"credentials_file", "endpoint", "model", "use_enhanced"},
		}); err != nil {
			return nil, err
		}
		var settings googleSettings
		if err := configutil.DecodeSettings(cfg.STT.Settings, &settings); err != nil {
			return nil, err
		}
		return google.New(ctx, google.Config{
			CredentialsFile: settings.CredentialsFile,
			Endpoint:        settings.Endpoint,
			Model:           settings.Model,
			UseEnhanced:     configutil.Or(settings.UseEnhanced, false),
		})
	})

	reg.RegisterSTT("deepgram", func(_ context.Context, cfg callsentry.Config) (stt.Recognizer, error) {
		if err := validateSettings("stt.settings", cfg.STT.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "utterance_end_ms", "smart_format"},
		}); err != nil {
			return nil, err
		}
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "stt.settings.api_key"); err != nil {
			return nil, err
		}
		utteranceEnd := configutil.Or(settings.UtteranceEndMS, 1000)
		if err := configutil.IntInRange(utteranceEnd, 0, 5000, "stt.settings.utterance_end_ms"); err != nil {
			return nil, err
		}
		return deepgram.New(deepgram.Config{
			APIKey:         settings.APIKey,
			Model:          settings.Model,
			UtteranceEndMS: utteranceEnd,
			SmartFormat:    configutil.Or(settings.SmartFormat, true),
		}), nil
	})

	reg.RegisterSTT("mock", func(_ context.Context, cfg callsentry.Config) (stt.Recognizer, error) {
		if err := validateSettings("stt.settings", cfg.STT.Settings, configutil.Schema{
			Optional: []string{"transcript", "interim_transcript"},
		}); err != nil {
			return nil, err
		}
		var settings mockSTTSettings
		if err := configutil.DecodeSettings(cfg.STT.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewSTT(mock.STTConfig{
			Transcript:        settings.Transcript,
			InterimTranscript: settings.InterimTranscript,
		}), nil
	})

	reg.RegisterDetector("reality_defender", func(cfg callsentry.Config) (detection.Detector, error) {
		if err := validateSettings("detection.settings", cfg.Detection.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"base_url"},
		}); err != nil {
			return nil, err
		}
		var settings realityDefenderSettings
		if err := configutil.DecodeSettings(cfg.Detection.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "detection.settings.api_key"); err != nil {
			return nil, err
		}
		return detection.NewRealityDefender(detection.RealityDefenderConfig{
			APIKey:       settings.APIKey,
			BaseURL:      settings.BaseURL,
			PollInterval: configutil.DurationMS(cfg.Detection.PollIntervalMS, detection.DefaultPollInterval),
			MaxAttempts:  cfg.Detection.MaxAttempts,
		}), nil
	})

	reg.RegisterDetector("mock", func(cfg callsentry.Config) (detection.Detector, error) {
		if err := validateSettings("detection.settings", cfg.Detection.Settings, configutil.Schema{
			Optional: []string{"status", "score"},
		}); err != nil {
			return nil, err
		}
		var settings mockDetectionSettings
		if err := configutil.DecodeSettings(cfg.Detection.Settings, &settings); err != nil {
			return nil, err
		}
		status := strings.ToUpper(strings.TrimSpace(settings.Status))
		switch status {
		case "", detection.StatusAuthentic, detection.StatusManipulated:
		default:
			return nil, fmt.Errorf("detection.settings.status must be one of [AUTHENTIC, MANIPULATED], got %s", settings.Status)
		}
		score := 0.1
		if settings.Score != nil {
			score = detection.NormalizeScore(*settings.Score)
		}
		return detection.NewMock(status, score), nil
	})
}

func validateSettings(path string, input map[string]any, schema configutil.Schema) error {
	if err := configutil.ValidateSettings(input, schema); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
