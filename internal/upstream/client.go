package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeTimeout     = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	eventBufferSize  = 100
)

// Leg is the session-facing surface of the upstream connection. *Client is
// the production implementation; tests substitute fakes.
type Leg interface {
	Events() <-chan *Event
	AppendAudio(payload string) error
	CreateUserMessage(text string) error
	SendToolResult(callID, output string) error
	RequestResponse() error
	Say(text string) error
	Close() error
}

// Dialer opens upstream legs; one per call, after tenant config resolution.
type Dialer struct {
	baseURL string
	apiKey  string
	logger  zerolog.Logger
}

// NewDialer creates a dialer for the speech-AI service.
func NewDialer(baseURL, apiKey string, logger zerolog.Logger) *Dialer {
	return &Dialer{baseURL: baseURL, apiKey: apiKey, logger: logger}
}

// Client is one live upstream connection. A read pump decodes server events
// into the Events channel; writes are serialized by a mutex. The client never
// reconnects: an upstream loss degrades the session until the telephony leg
// ends the call.
type Client struct {
	ws     *websocket.Conn
	events chan *Event
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Dial opens the WebSocket, sends the session configuration and waits for the
// service to acknowledge it before returning. The returned client is ready to
// relay audio.
func (d *Dialer) Dial(ctx context.Context, cfg *SessionConfig) (*Client, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("upstream dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("upstream dial failed: %w", err)
	}

	c := &Client{
		ws:     ws,
		events: make(chan *Event, eventBufferSize),
		logger: d.logger,
	}

	if err := c.writeEvent(&clientEvent{Type: ClientEventSessionUpdate, Session: cfg}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send session config: %w", err)
	}

	if err := c.awaitSessionAck(ctx); err != nil {
		_ = ws.Close()
		return nil, err
	}

	go c.readPump()

	return c, nil
}

// awaitSessionAck reads until the service acknowledges the session config.
// Events that arrive before the ack are not expected; the service sends
// session.created first on a fresh connection.
func (c *Client) awaitSessionAck(ctx context.Context) error {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return err
	}
	defer c.ws.SetReadDeadline(time.Time{})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("awaiting session ack: %w", err)
		}
		ev, err := ParseEvent(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed upstream event during handshake")
			continue
		}
		switch ev.Type {
		case ServerEventSessionUpdated:
			return nil
		case ServerEventSessionCreated:
			// precedes session.updated; keep waiting
		case ServerEventError:
			return fmt.Errorf("upstream rejected session config: %s", ev.Error.Message)
		}
	}
}

// Events returns the server event stream. The channel closes when the
// connection is lost or Close is called.
func (c *Client) Events() <-chan *Event {
	return c.events
}

func (c *Client) readPump() {
	defer close(c.events)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Warn().Err(err).Msg("Upstream connection lost")
			}
			return
		}

		ev, err := ParseEvent(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed upstream event")
			continue
		}

		select {
		case c.events <- ev:
		default:
			// Audio deltas dominate this channel; dropping one on overflow is
			// preferable to stalling the read pump.
			c.logger.Warn().Str("type", ev.Type).Msg("Upstream event channel full, dropping event")
		}
	}
}

// AppendAudio forwards one opaque base64 audio payload to the speech model.
func (c *Client) AppendAudio(payload string) error {
	return c.writeEvent(&clientEvent{Type: ClientEventAudioAppend, Audio: payload})
}

// CreateUserMessage injects text into the conversation as if the caller had
// spoken it; used by the text-input side channel.
func (c *Client) CreateUserMessage(text string) error {
	item := &ConversationItem{
		Type:    "message",
		Role:    "user",
		Content: []ContentPart{{Type: "input_text", Text: text}},
	}
	return c.writeEvent(&clientEvent{Type: ClientEventItemCreate, Item: item})
}

// SendToolResult returns a tool call's output to the speech model.
func (c *Client) SendToolResult(callID, output string) error {
	item := &ConversationItem{
		Type:   "function_call_output",
		CallID: callID,
		Output: output,
	}
	return c.writeEvent(&clientEvent{Type: ClientEventItemCreate, Item: item})
}

// RequestResponse asks the model to generate; the service never speaks
// unprompted, so this drives the initial greeting and post-tool replies.
func (c *Client) RequestResponse() error {
	return c.writeEvent(&clientEvent{Type: ClientEventResponseCreate})
}

// Say asks the model to speak a specific line out of turn; used for the
// still-working filler while a slow tool call runs.
func (c *Client) Say(text string) error {
	return c.writeEvent(&clientEvent{
		Type:     ClientEventResponseCreate,
		Response: &ResponseParams{Instructions: "Say exactly this to the caller: " + text},
	})
}

// Close tears down the connection; safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	return c.ws.Close()
}

func (c *Client) writeEvent(ev *clientEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("upstream connection is closed")
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(ev)
}
