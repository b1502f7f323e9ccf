package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// fakeService accepts one upstream connection, acknowledges the session
// config, and exposes what it received.
type fakeService struct {
	upgrader websocket.Upgrader
	received chan map[string]any
	conn     chan *websocket.Conn
}

func newFakeService() *fakeService {
	return &fakeService{
		received: make(chan map[string]any, 50),
		conn:     make(chan *websocket.Conn, 1),
	}
}

func (f *fakeService) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Expected bearer auth header, got '%s'", got)
		}
		if got := r.URL.Query().Get("model"); got != "test-model" {
			t.Errorf("Expected model 'test-model' on URL, got '%s'", got)
		}

		ws, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		f.conn <- ws

		// session.created precedes the ack for the config we receive
		_ = ws.WriteJSON(map[string]any{"type": ServerEventSessionCreated})

		for {
			var msg map[string]any
			if err := ws.ReadJSON(&msg); err != nil {
				close(f.received)
				return
			}
			if msg["type"] == ClientEventSessionUpdate {
				_ = ws.WriteJSON(map[string]any{"type": ServerEventSessionUpdated})
			}
			f.received <- msg
		}
	}
}

func dialFake(t *testing.T, f *fakeService) *Client {
	t.Helper()

	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	d := NewDialer(wsURL, "test-key", zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := d.Dial(ctx, &SessionConfig{
		Model:        "test-model",
		Instructions: "You book appointments.",
		Voice:        "alloy",
		Modalities:   []string{"audio", "text"},
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestDial_SendsSessionConfigAndAwaitsAck(t *testing.T) {
	f := newFakeService()
	client := dialFake(t, f)
	defer client.Close()

	msg := <-f.received
	if msg["type"] != ClientEventSessionUpdate {
		t.Fatalf("Expected first client event 'session.update', got '%v'", msg["type"])
	}
	session := msg["session"].(map[string]any)
	if session["instructions"] != "You book appointments." {
		t.Errorf("Expected instructions to be forwarded, got '%v'", session["instructions"])
	}
}

func TestClient_AppendAudioAndToolResult(t *testing.T) {
	f := newFakeService()
	client := dialFake(t, f)
	defer client.Close()

	<-f.received // session.update

	if err := client.AppendAudio("dGVzdA=="); err != nil {
		t.Fatalf("AppendAudio failed: %v", err)
	}
	msg := <-f.received
	if msg["type"] != ClientEventAudioAppend || msg["audio"] != "dGVzdA==" {
		t.Errorf("Expected audio append with payload, got %v", msg)
	}

	if err := client.SendToolResult("call-1", `{"ok":true}`); err != nil {
		t.Fatalf("SendToolResult failed: %v", err)
	}
	msg = <-f.received
	item := msg["item"].(map[string]any)
	if item["type"] != "function_call_output" || item["call_id"] != "call-1" {
		t.Errorf("Expected function_call_output for call-1, got %v", item)
	}

	if err := client.RequestResponse(); err != nil {
		t.Fatalf("RequestResponse failed: %v", err)
	}
	msg = <-f.received
	if msg["type"] != ClientEventResponseCreate {
		t.Errorf("Expected response.create, got %v", msg["type"])
	}

	if err := client.Say("One moment please."); err != nil {
		t.Fatalf("Say failed: %v", err)
	}
	msg = <-f.received
	if msg["type"] != ClientEventResponseCreate {
		t.Errorf("Expected response.create for Say, got %v", msg["type"])
	}
	resp := msg["response"].(map[string]any)
	if instr, _ := resp["instructions"].(string); !strings.Contains(instr, "One moment please.") {
		t.Errorf("Expected filler text in instructions, got %v", resp["instructions"])
	}
}

func TestClient_EventsDeliveredAndClosedOnDisconnect(t *testing.T) {
	f := newFakeService()
	client := dialFake(t, f)
	defer client.Close()

	ws := <-f.conn
	_ = ws.WriteJSON(map[string]any{"type": ServerEventAudioDelta, "delta": "xyz"})
	_ = ws.WriteJSON(map[string]any{
		"type":      ServerEventFunctionCallDone,
		"call_id":   "call-7",
		"name":      "find_open_slots",
		"arguments": `{"date":"2026-09-01"}`,
	})

	ev := <-client.Events()
	if ev.Type != ServerEventAudioDelta || ev.Delta != "xyz" {
		t.Errorf("Expected audio delta event, got %+v", ev)
	}

	ev = <-client.Events()
	if ev.Type != ServerEventFunctionCallDone || ev.Name != "find_open_slots" {
		t.Errorf("Expected function call event, got %+v", ev)
	}

	// Service-side close ends the event stream without reconnecting
	_ = ws.Close()
	select {
	case _, ok := <-waitClosed(client.Events()):
		if ok {
			t.Error("Expected events channel to close after disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Error("Timed out waiting for events channel to close")
	}
}

// waitClosed drains remaining events and returns the channel so the caller
// can observe closure.
func waitClosed(events <-chan *Event) <-chan *Event {
	out := make(chan *Event)
	go func() {
		defer close(out)
		for range events {
		}
	}()
	return out
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	f := newFakeService()
	client := dialFake(t, f)

	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
	if err := client.AppendAudio("x"); err == nil {
		t.Error("Expected write after close to fail")
	}
}

func TestParseEvent_Malformed(t *testing.T) {
	if _, err := ParseEvent([]byte(`{"type":`)); err == nil {
		t.Error("Expected error for malformed event")
	}

	ev, err := ParseEvent([]byte(`{"type":"error","error":{"code":"bad","message":"nope"}}`))
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}
	if ev.Error == nil || ev.Error.Message != "nope" {
		t.Errorf("Expected error payload, got %+v", ev.Error)
	}
}

func TestSessionConfigMarshal_OmitsModel(t *testing.T) {
	data, err := json.Marshal(&SessionConfig{Model: "m", Voice: "alloy"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if strings.Contains(string(data), `"m"`) {
		t.Errorf("Model must ride on the URL, not the payload: %s", data)
	}
}
