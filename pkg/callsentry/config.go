// Package callsentry wires the media ingest service together from configuration.
package callsentry

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	LogFormat   string          `mapstructure:"log_format"`
	Server      ServerConfig    `mapstructure:"server"`
	Twilio      TwilioConfig    `mapstructure:"twilio"`
	Detection   DetectionConfig `mapstructure:"detection"`
	Capture     CaptureConfig   `mapstructure:"capture"`
	STT         STTConfig       `mapstructure:"stt"`
	Notify      NotifyConfig    `mapstructure:"notify"`
	Privacy     PrivacyConfig   `mapstructure:"privacy"`
	Shutdown    ShutdownConfig  `mapstructure:"shutdown"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	PublicURL      string   `mapstructure:"public_url"`
	VoicePath      string   `mapstructure:"voice_path"`
	MediaPath      string   `mapstructure:"media_path"`
	VoiceGreeting  string   `mapstructure:"voice_greeting"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type TwilioConfig struct {
	AccountSID        string `mapstructure:"account_sid"`
	AuthToken         string `mapstructure:"auth_token"`
	PhoneNumber       string `mapstructure:"phone_number"`
	ValidateSignature bool   `mapstructure:"validate_signature"`
}

type DetectionConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	Provider       string         `mapstructure:"provider"`
	Settings       map[string]any `mapstructure:"settings"`
	PollIntervalMS int            `mapstructure:"poll_interval_ms"`
	MaxAttempts    int            `mapstructure:"max_attempts"`
	TimeoutMS      int            `mapstructure:"timeout_ms"`
}

type CaptureConfig struct {
	Dir           string `mapstructure:"dir"`
	Seconds       int    `mapstructure:"seconds"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type STTConfig struct {
	Provider       string         `mapstructure:"provider"`
	Language       string         `mapstructure:"language"`
	Interim        bool           `mapstructure:"interim"`
	Punctuation    bool           `mapstructure:"punctuation"`
	CloseTimeoutMS int            `mapstructure:"close_timeout_ms"`
	Settings       map[string]any `mapstructure:"settings"`
}

type NotifyConfig struct {
	SMS   SMSConfig   `mapstructure:"sms"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type SMSConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Recipient string `mapstructure:"recipient"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ShutdownConfig struct {
	DrainTimeoutMS int `mapstructure:"drain_timeout_ms"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.voice_path", "/twilio/voice")
	v.SetDefault("server.media_path", "/media")
	v.SetDefault("server.voice_greeting", "This call may be monitored and transcribed.")
	v.SetDefault("twilio.validate_signature", true)
	v.SetDefault("detection.enabled", true)
	v.SetDefault("detection.provider", "reality_defender")
	v.SetDefault("detection.poll_interval_ms", 5000)
	v.SetDefault("detection.max_attempts", 60)
	v.SetDefault("detection.timeout_ms", 0)
	v.SetDefault("capture.dir", "captures")
	v.SetDefault("capture.seconds", 10)
	v.SetDefault("capture.retention_days", 0)
	v.SetDefault("stt.provider", "google")
	v.SetDefault("stt.language", "en-US")
	v.SetDefault("stt.interim", true)
	v.SetDefault("stt.punctuation", true)
	v.SetDefault("stt.close_timeout_ms", 2000)
	v.SetDefault("notify.sms.enabled", false)
	v.SetDefault("notify.kafka.enabled", false)
	v.SetDefault("notify.kafka.topic", "call-verdicts")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("shutdown.drain_timeout_ms", 30000)
}

// LoadConfig reads a YAML file, applies defaults, expands ${ENV} references and validates.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the defaults without validating them.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	cfg, _ := decode(v)
	return cfg
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.STT.Provider) == "" {
		return fmt.Errorf("stt.provider is required")
	}
	if strings.TrimSpace(c.Detection.Provider) == "" {
		return fmt.Errorf("detection.provider is required")
	}
	if c.Capture.Seconds <= 0 {
		return fmt.Errorf("capture.seconds must be positive, got %d", c.Capture.Seconds)
	}
	if strings.TrimSpace(c.Capture.Dir) == "" {
		return fmt.Errorf("capture.dir is required")
	}
	if c.Twilio.ValidateSignature && c.Twilio.AuthToken == "" {
		return fmt.Errorf("twilio.auth_token is required when twilio.validate_signature is on")
	}
	if c.Notify.SMS.Enabled && (c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" || c.Twilio.PhoneNumber == "") {
		return fmt.Errorf("notify.sms requires twilio.account_sid, twilio.auth_token and twilio.phone_number")
	}
	if c.Notify.Kafka.Enabled && (len(c.Notify.Kafka.Brokers) == 0 || c.Notify.Kafka.Topic == "") {
		return fmt.Errorf("notify.kafka requires brokers and topic")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.STT.Settings = expandSettings(cfg.STT.Settings)
	cfg.Detection.Settings = expandSettings(cfg.Detection.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
