package reporters

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/harunnryd/callsentry/pkg/errorsx"
	"github.com/harunnryd/callsentry/pkg/logging"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Verdict is the JSON event published per analysis.
type Verdict struct {
	CallSID    string    `json:"call_sid"`
	StreamSID  string    `json:"stream_sid,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Status     string    `json:"status"`
	Score      *float64  `json:"score,omitempty"`
	Trigger    string    `json:"trigger,omitempty"`
	ReasonCode string    `json:"reason_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	At         time.Time `json:"at"`
}

// Kafka publishes verdicts keyed by call SID.
type Kafka struct {
	topic  string
	writer messageWriter
	logger *slog.Logger
	now    func() time.Time
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic required")
	}
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	logger := logging.NewComponentLogger(nil, "kafka_publisher")
	logger.Info("kafka_publisher_initialized",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic", cfg.Topic))
	return &Kafka{topic: cfg.Topic, writer: writer, logger: logger, now: time.Now}, nil
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Report(ctx context.Context, o Outcome) error {
	v := Verdict{
		CallSID:    o.CallSID,
		StreamSID:  o.StreamSID,
		TraceID:    o.TraceID,
		RequestID:  o.Result.RequestID,
		Status:     o.Result.Status,
		Score:      o.Result.Score,
		Trigger:    o.Trigger,
		DurationMS: o.Duration.Milliseconds(),
		At:         k.now().UTC(),
	}
	if o.Failed() {
		v.Status = "ERROR"
		v.ReasonCode = string(errorsx.Reason(o.Err))
		v.Error = o.Err.Error()
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonPublishSend)
	}
	msg := kafka.Message{
		Key:   []byte(o.CallSID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte("detection_verdict")},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.logger.Error("kafka_publish_failed",
			slog.String("topic", k.topic),
			slog.String("call_sid", o.CallSID),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonPublishSend)))
		return errorsx.Errorf(errorsx.ReasonPublishSend, "publish verdict: %w", err)
	}
	k.logger.Debug("kafka_verdict_published",
		slog.String("topic", k.topic),
		slog.String("call_sid", o.CallSID))
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
