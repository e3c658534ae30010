package twilio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/harunnryd/callsentry/pkg/errorsx"
	"github.com/harunnryd/callsentry/pkg/logging"
	"github.com/harunnryd/callsentry/pkg/redact"
	"github.com/harunnryd/callsentry/pkg/session"
)

type Config struct {
	ServerAddr        string   `mapstructure:"addr"`
	PublicURL         string   `mapstructure:"public_url"`
	AuthToken         string   `mapstructure:"auth_token"`
	AccountSID        string   `mapstructure:"account_sid"`
	PhoneNumber       string   `mapstructure:"phone_number"`
	ValidateSignature bool     `mapstructure:"validate_signature"`
	VoicePath         string   `mapstructure:"voice_path"`
	WebsocketPath     string   `mapstructure:"media_path"`
	VoiceGreeting     string   `mapstructure:"voice_greeting"`
	PauseSeconds      int      `mapstructure:"pause_seconds"`
	AllowAnyOrigin    bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins    []string `mapstructure:"allowed_origins"`
}

const (
	defaultGreeting = "This call may be monitored and transcribed."
	disabledMessage = "Streaming is currently disabled."
)

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/twilio/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/media"
	}
	if strings.TrimSpace(c.VoiceGreeting) == "" {
		c.VoiceGreeting = defaultGreeting
	}
	if c.PauseSeconds <= 0 {
		c.PauseSeconds = 60
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// SessionFactory builds a fresh session for each accepted media connection.
type SessionFactory func() *session.Session

// Toggle is the process-wide detection switch consulted by the voice webhook.
type Toggle struct {
	enabled atomic.Bool
}

func NewToggle(v bool) *Toggle {
	t := &Toggle{}
	t.enabled.Store(v)
	return t
}

func (t *Toggle) Set(v bool)    { t.enabled.Store(v) }
func (t *Toggle) Enabled() bool { return t.enabled.Load() }

type Options struct {
	NewSession SessionFactory
	Registry   *session.Registry
	Toggle     *Toggle
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Transport serves the Twilio voice webhook, the media stream websocket and
// the detection control endpoints.
type Transport struct {
	cfg      Config
	opts     Options
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger
	baseCtx  context.Context
	draining atomic.Bool
}

func New(cfg Config, opts Options) *Transport {
	cfg = cfg.withDefaults()
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry()
	}
	if opts.Toggle == nil {
		opts.Toggle = NewToggle(true)
	}
	t := &Transport{
		cfg:  cfg,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:  logging.NewComponentLogger(opts.Logger, "twilio_transport"),
		baseCtx: context.Background(),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":   t.voiceWebhookURL(),
		"websocket_url": t.websocketURL(nil),
	}
}

// Handler returns the HTTP routes without starting a listener.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.HandleFunc(t.cfg.WebsocketPath, t.handleMedia)
	mux.HandleFunc("/start", t.handleToggle(true))
	mux.HandleFunc("/stop", t.handleToggle(false))
	mux.HandleFunc("/status", t.handleStatus)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if t.opts.Metrics != nil {
		mux.Handle("/metrics", t.opts.Metrics)
	}
	return mux
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.baseCtx = ctx
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.Handler(),
	}
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("twilio_transport_server_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Drain stops accepting new media connections. Live sessions keep running.
func (t *Transport) Drain() {
	t.draining.Store(true)
	t.opts.Registry.SetDraining(true)
}

// Stop closes the listener and every live media connection.
func (t *Transport) Stop(ctx context.Context) error {
	t.Drain()
	var err error
	if t.server != nil {
		err = t.server.Shutdown(ctx)
	}
	t.opts.Registry.CloseAll()
	return err
}

func (t *Transport) handleMedia(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess := t.opts.NewSession()
	id := sess.TraceID()
	if !t.opts.Registry.Add(id, conn) {
		return
	}
	defer t.opts.Registry.Remove(id)

	if err := sess.Run(t.baseCtx, conn); err != nil && !isNormalClose(err) {
		t.logger.Warn("media_session_ended",
			slog.String("trace_id", id),
			slog.String("call_sid", sess.CallSID()),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(err))))
	}
}

func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return true
		}
	}
	return errors.Is(err, io.EOF)
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.ValidateSignature && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature", slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	_ = r.ParseForm()
	from := r.FormValue("From")
	to := r.FormValue("To")

	var twiml string
	if t.opts.Toggle.Enabled() {
		twiml = t.streamTwiml(t.websocketURL(r), from, to)
	} else {
		twiml = `<Response><Say>` + disabledMessage + `</Say></Response>`
	}
	t.logger.Info("voice_webhook",
		slog.String("call_sid", r.FormValue("CallSid")),
		slog.String("from", redact.Phone(from)),
		slog.String("to", redact.Phone(to)),
		slog.Bool("streaming", t.opts.Toggle.Enabled()))
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (t *Transport) streamTwiml(wsURL, from, to string) string {
	var b strings.Builder
	b.WriteString(`<Response><Start><Stream url="`)
	b.WriteString(xmlEscape(wsURL))
	b.WriteString(`">`)
	if from != "" {
		b.WriteString(`<Parameter name="` + session.ParamFrom + `" value="` + xmlEscape(from) + `"/>`)
	}
	if to != "" {
		b.WriteString(`<Parameter name="` + session.ParamTo + `" value="` + xmlEscape(to) + `"/>`)
	}
	b.WriteString(`</Stream></Start><Say>`)
	b.WriteString(xmlEscape(strings.TrimSpace(t.cfg.VoiceGreeting)))
	b.WriteString(`</Say><Pause length="`)
	b.WriteString(strconv.Itoa(t.cfg.PauseSeconds))
	b.WriteString(`"/></Response>`)
	return b.String()
}

func (t *Transport) handleToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		t.opts.Toggle.Set(enable)
		t.logger.Info("detection_toggled", slog.Bool("enabled", enable))
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": enable})
	}
}

func (t *Transport) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": t.opts.Toggle.Enabled()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := ""
	if r != nil {
		host = r.Host
	}
	if host == "" {
		host = "localhost" + t.cfg.ServerAddr
		if !strings.HasPrefix(t.cfg.ServerAddr, ":") {
			host = t.cfg.ServerAddr
		}
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) voiceWebhookURL() string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.VoicePath
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + t.cfg.VoicePath
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
