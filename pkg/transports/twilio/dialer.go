package twilio

import (
	"context"
	"net"
	"strings"

	"github.com/harunnryd/callsentry/pkg/errorsx"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// callCreator is the slice of the Twilio REST client the dialer needs.
type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits string
	// TimeoutSeconds is how long Twilio lets the call ring.
	TimeoutSeconds int
	// StatusCallback receives Twilio call progress webhooks when set.
	StatusCallback string
}

// Dialer places test calls that route through the voice webhook, so a
// deployment can be exercised end to end without a real caller.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Dial places an outbound call. An empty webhook means the configured voice webhook.
func (d *Dialer) Dial(ctx context.Context, to, from, webhook string) (string, error) {
	return d.DialWithOptions(ctx, to, from, webhook, DialOptions{})
}

// DialWithOptions places an outbound call and returns the call SID.
func (d *Dialer) DialWithOptions(ctx context.Context, to, from, webhook string, opts DialOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params, err := d.callParams(to, from, webhook, opts)
	if err != nil {
		return "", err
	}
	creator, err := d.creator()
	if err != nil {
		return "", err
	}
	call, err := creator.CreateCall(params)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTransportDial)
	}
	if call == nil || call.Sid == nil || *call.Sid == "" {
		return "", errorsx.Errorf(errorsx.ReasonTransportDial, "twilio returned no call sid")
	}
	return *call.Sid, nil
}

func (d *Dialer) callParams(to, from, webhook string, opts DialOptions) (*api.CreateCallParams, error) {
	to = strings.TrimSpace(to)
	from = strings.TrimSpace(from)
	if from == "" {
		from = d.cfg.PhoneNumber
	}
	if to == "" || from == "" {
		return nil, errorsx.Errorf(errorsx.ReasonTransportDial, "dial needs both to and from numbers")
	}
	if webhook == "" {
		webhook = d.voiceWebhookURL()
	}

	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(webhook)
	params.SetMethod("POST")
	if digits := strings.TrimSpace(opts.SendDigits); digits != "" {
		params.SetSendDigits(digits)
	}
	if opts.TimeoutSeconds > 0 {
		params.SetTimeout(opts.TimeoutSeconds)
	}
	if opts.StatusCallback != "" {
		params.SetStatusCallback(opts.StatusCallback)
		params.SetStatusCallbackMethod("POST")
	}
	return params, nil
}

func (d *Dialer) creator() (callCreator, error) {
	if d.client != nil {
		return d.client, nil
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return nil, errorsx.Errorf(errorsx.ReasonTransportDial, "twilio account_sid and auth_token are required to dial")
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: d.cfg.AccountSID,
		Password: d.cfg.AuthToken,
	})
	return rest.Api, nil
}

func (d *Dialer) voiceWebhookURL() string {
	if d.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(d.cfg.PublicURL) + d.cfg.VoicePath
	}
	host, port, err := net.SplitHostPort(d.cfg.ServerAddr)
	if err != nil {
		return "http://" + d.cfg.ServerAddr + d.cfg.VoicePath
	}
	if host == "" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + d.cfg.VoicePath
}
