package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/harunnryd/callsentry/pkg/errorsx"
)

// Twilio Media Streams event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
)

// Custom stream parameters set by the voice webhook.
const (
	ParamFrom = "from"
	ParamTo   = "to"
)

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type StartPayload struct {
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

type MediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type StopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type InboundEvent struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber"`
	StreamSID      string        `json:"streamSid"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
}

var (
	errMissingEvent      = errors.New("missing event type")
	errMissingIdentifier = errors.New("start without callSid or streamSid")
	errMissingPayload    = errors.New("media without payload")
)

// ParseEvent decodes one websocket message and checks the fields its event type requires.
func ParseEvent(raw []byte) (InboundEvent, error) {
	var evt InboundEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return InboundEvent{}, errorsx.Errorf(errorsx.ReasonEventDecode, "decode event: %w", err)
	}
	evt.Event = strings.ToLower(strings.TrimSpace(evt.Event))
	switch evt.Event {
	case "":
		return evt, errorsx.Wrap(errMissingEvent, errorsx.ReasonEventDecode)
	case EventStart:
		if evt.Start == nil || evt.Start.CallSID == "" || evt.Start.StreamSID == "" {
			return evt, errorsx.Wrap(errMissingIdentifier, errorsx.ReasonEventDecode)
		}
	case EventMedia:
		if evt.Media == nil || evt.Media.Payload == "" {
			return evt, errorsx.Wrap(errMissingPayload, errorsx.ReasonEventDecode)
		}
	}
	return evt, nil
}

// Decode returns the raw mu-law bytes carried by a media event.
func (m *MediaPayload) Decode() ([]byte, error) {
	if m == nil || m.Payload == "" {
		return nil, errorsx.Wrap(errMissingPayload, errorsx.ReasonEventDecode)
	}
	b, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, errorsx.Errorf(errorsx.ReasonEventDecode, "decode media payload: %w", err)
	}
	if len(b) == 0 {
		return nil, errorsx.Wrap(errMissingPayload, errorsx.ReasonEventDecode)
	}
	return b, nil
}
