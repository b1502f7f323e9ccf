package telephony

import (
	"encoding/json"
	"fmt"
)

// Event names used by the carrier's media-stream protocol.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

// Message is one frame of the carrier media-stream protocol. Exactly one of
// the payload fields matching Event is populated.
type Message struct {
	Event     string `json:"event"`
	StreamID  string `json:"streamSid,omitempty"`
	CallID    string `json:"callSid,omitempty"`
	Start     *Start `json:"start,omitempty"`
	Media     *Media `json:"media,omitempty"`
	Stop      *Stop  `json:"stop,omitempty"`
	Mark      *Mark  `json:"mark,omitempty"`
}

// Start is the payload of the "start" control event. CustomParameters carries
// tenant metadata injected by the carrier-side call configuration.
type Start struct {
	CallID           string            `json:"callSid"`
	StreamID         string            `json:"streamSid"`
	AccountID        string            `json:"accountSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat is the negotiated audio format. Payloads pass through untouched;
// this is recorded for logging only.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Media is the payload of a "media" event. Payload is opaque base64 audio.
type Media struct {
	Track     string `json:"track,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Stop is the payload of the "stop" control event.
type Stop struct {
	CallID    string `json:"callSid"`
	AccountID string `json:"accountSid,omitempty"`
}

// Mark is the carrier's playback acknowledgement for a mark we sent.
type Mark struct {
	Name string `json:"name"`
}

// TenantID returns the tenant identifier from the start payload's custom
// parameters, or "" when the carrier supplied none.
func (s *Start) TenantID() string {
	if s == nil || s.CustomParameters == nil {
		return ""
	}
	return s.CustomParameters["tenant_id"]
}

// ParseMessage decodes one carrier frame. A decode failure or an unknown event
// yields an error; callers drop the frame and keep the session alive.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed telephony message: %w", err)
	}

	switch msg.Event {
	case EventConnected, EventMark:
	case EventStart:
		if msg.Start == nil {
			return nil, fmt.Errorf("start event missing start payload")
		}
	case EventMedia:
		if msg.Media == nil || msg.Media.Payload == "" {
			return nil, fmt.Errorf("media event missing payload")
		}
	case EventStop:
		// stop payload is optional; callSid may ride on the envelope
	case "":
		return nil, fmt.Errorf("telephony message missing event field")
	default:
		return nil, fmt.Errorf("unknown telephony event %q", msg.Event)
	}

	return &msg, nil
}
