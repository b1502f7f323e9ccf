package telephony

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Upgrader for inbound carrier connections.
// In production, validate origin against the carrier's IP ranges.
var Upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

const writeTimeout = 5 * time.Second

// Leg is the session-facing surface of the telephony connection. *Conn is the
// production implementation; tests substitute fakes.
type Leg interface {
	ReadMessage() ([]byte, error)
	WriteMedia(streamID, payload string) error
	WriteMark(streamID, name string) error
	Ping() error
	Close() error
}

// Conn wraps the carrier WebSocket. gorilla/websocket allows one concurrent
// writer, so all writes go through the mutex; the session's relay goroutines
// and the keep-alive timer share it.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// NewConn wraps an upgraded carrier WebSocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// ReadMessage blocks for the next raw frame from the carrier.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// WriteMedia sends one opaque base64 audio payload to the caller.
func (c *Conn) WriteMedia(streamID, payload string) error {
	msg := Message{
		Event:    EventMedia,
		StreamID: streamID,
		Media:    &Media{Payload: payload},
	}
	return c.writeJSON(&msg)
}

// WriteMark sends a named mark; the carrier echoes it back once the audio
// queued before it has been played out.
func (c *Conn) WriteMark(streamID, name string) error {
	msg := Message{
		Event:    EventMark,
		StreamID: streamID,
		Mark:     &Mark{Name: name},
	}
	return c.writeJSON(&msg)
}

// Ping sends a WebSocket ping control frame; used as the keep-alive while a
// session is active.
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Close closes the carrier connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	return c.ws.Close()
}

func (c *Conn) writeJSON(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return c.ws.WriteJSON(msg)
}
