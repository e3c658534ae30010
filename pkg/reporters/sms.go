package reporters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/callsentry/pkg/errorsx"
	"github.com/harunnryd/callsentry/pkg/logging"
	"github.com/harunnryd/callsentry/pkg/redact"
)

type messageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

type SMSConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	// Recipient overrides the callee number carried on the stream.
	Recipient string
}

// SMS texts the verdict for each completed analysis via the Twilio REST API.
type SMS struct {
	cfg    SMSConfig
	client messageCreator
	logger *slog.Logger
}

func NewSMS(cfg SMSConfig) (*SMS, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" {
		return nil, errors.New("missing twilio credentials")
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &SMS{
		cfg:    cfg,
		client: rest.Api,
		logger: logging.NewComponentLogger(nil, "sms_notifier"),
	}, nil
}

func (s *SMS) Name() string { return "sms" }

// Report skips failed analyses and outcomes without a recipient.
func (s *SMS) Report(_ context.Context, o Outcome) error {
	if o.Failed() {
		return nil
	}
	to := s.cfg.Recipient
	if to == "" {
		to = o.To
	}
	if to == "" {
		s.logger.Debug("sms_skipped_no_recipient", slog.String("call_sid", o.CallSID))
		return nil
	}
	params := &api.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.cfg.From)
	params.SetBody(MessageBody(o))
	resp, err := s.client.CreateMessage(params)
	if err != nil {
		s.logger.Error("sms_send_failed",
			slog.String("call_sid", o.CallSID),
			slog.String("to", redact.Phone(to)),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonNotifySend)))
		return errorsx.Errorf(errorsx.ReasonNotifySend, "send sms: %w", err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	s.logger.Info("sms_sent",
		slog.String("call_sid", o.CallSID),
		slog.String("to", redact.Phone(to)),
		slog.String("message_sid", sid))
	return nil
}

// MessageBody renders the notification text for an outcome.
func MessageBody(o Outcome) string {
	label := "Call appears authentic"
	if o.Result.Manipulated() {
		label = "Potential scam detected"
	}
	score := ""
	if o.Result.Score != nil {
		score = fmt.Sprintf(" (score %.2f)", *o.Result.Score)
	}
	return fmt.Sprintf("%s%s. Call SID: %s.", label, score, o.CallSID)
}
