package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bookline-ai/voice-bridge/internal/upstream"
)

type scriptedReasoner struct {
	turns    []*Turn
	i        int
	lastMsgs []Message
}

func (s *scriptedReasoner) Generate(ctx context.Context, instructions string, msgs []Message, defs []upstream.ToolDefinition) (*Turn, error) {
	s.lastMsgs = msgs
	if s.i >= len(s.turns) {
		return s.turns[len(s.turns)-1], nil
	}
	t := s.turns[s.i]
	s.i++
	return t, nil
}

func newTestSupervisor(reasoner Reasoner, backend Backend) *Supervisor {
	registry := NewRegistry()
	executor := newTestExecutor(backend, nil, time.Second, 2*time.Second)
	return NewSupervisor(reasoner, registry, executor, zerolog.Nop())
}

func TestSupervisor_DirectReply(t *testing.T) {
	reasoner := &scriptedReasoner{turns: []*Turn{{Text: "We are open until six."}}}
	backend := &fakeBackend{}
	s := newTestSupervisor(reasoner, backend)

	reply, err := s.Handle(context.Background(), DelegateRequest{
		CallUID:  "CA1",
		TenantID: "T1",
		Request:  "What are your opening hours?",
	}, nil, NewAccumulator(), nil)

	if err != nil {
		t.Fatalf("Expected reply, got error %v", err)
	}
	if reply != "We are open until six." {
		t.Errorf("Expected reasoner text, got %q", reply)
	}
	if backend.calls != 0 {
		t.Errorf("Expected no tool calls, got %d", backend.calls)
	}
}

func TestSupervisor_ToolLoop(t *testing.T) {
	reasoner := &scriptedReasoner{turns: []*Turn{
		{Calls: []ReasonerCall{{Name: ToolLookupPatient, Arguments: json.RawMessage(`{"phone":"+34600111222"}`)}}},
		{Text: "I found your record, Ada."},
	}}
	backend := &fakeBackend{fn: func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"id":"P1","name":"Ada"}`), nil
	}}
	s := newTestSupervisor(reasoner, backend)
	acc := NewAccumulator()

	reply, err := s.Handle(context.Background(), DelegateRequest{
		CallUID:  "CA1",
		TenantID: "T1",
		Request:  "Look me up, my number is +34600111222",
	}, nil, acc, nil)

	if err != nil {
		t.Fatalf("Expected reply, got error %v", err)
	}
	if reply != "I found your record, Ada." {
		t.Errorf("Expected final text, got %q", reply)
	}
	if backend.calls != 1 {
		t.Errorf("Expected 1 tool execution, got %d", backend.calls)
	}
	if _, ok := acc.Get(EntityPatient); !ok {
		t.Error("Expected patient entity recorded during supervisor run")
	}

	// The second reasoning turn must see the tool call and its result.
	foundResult := false
	for _, m := range reasoner.lastMsgs {
		if m.Role == "tool" && m.ToolName == ToolLookupPatient && strings.Contains(string(m.ToolResult), "Ada") {
			foundResult = true
		}
	}
	if !foundResult {
		t.Errorf("Expected tool result in reasoner context, got %+v", reasoner.lastMsgs)
	}
}

func TestSupervisor_TurnLimit(t *testing.T) {
	reasoner := &scriptedReasoner{turns: []*Turn{
		{Calls: []ReasonerCall{{Name: ToolLookupPatient, Arguments: json.RawMessage(`{}`)}}},
	}}
	backend := &fakeBackend{}
	s := newTestSupervisor(reasoner, backend)

	_, err := s.Handle(context.Background(), DelegateRequest{CallUID: "CA1", TenantID: "T1", Request: "loop"}, nil, NewAccumulator(), nil)
	if err == nil {
		t.Fatal("Expected turn limit error")
	}
	if !strings.Contains(err.Error(), "reasoning turns") {
		t.Errorf("Expected turn limit error, got %v", err)
	}
}

func TestBuildDelegatePrompt(t *testing.T) {
	prompt := buildDelegatePrompt(DelegateRequest{
		Request:    "Book me in for Tuesday",
		Transcript: []string{"user: hi", "assistant: hello, how can I help?"},
		Entities:   json.RawMessage(`{"patient":{"id":"P1"}}`),
	})

	if !strings.Contains(prompt, "Book me in for Tuesday") {
		t.Error("Expected caller request in prompt")
	}
	if !strings.Contains(prompt, "assistant: hello") {
		t.Error("Expected transcript tail in prompt")
	}
	if !strings.Contains(prompt, `"patient"`) {
		t.Error("Expected entity snapshot in prompt")
	}
}

func TestToGenaiSchema(t *testing.T) {
	schema := reflectSchema(&BookAppointmentArgs{})

	s := toGenaiSchema(schema)
	if s == nil {
		t.Fatal("Expected schema")
	}
	if string(s.Type) != "OBJECT" {
		t.Errorf("Expected OBJECT type, got %s", s.Type)
	}
	if _, ok := s.Properties["slot_id"]; !ok {
		t.Error("Expected slot_id property")
	}
	found := false
	for _, r := range s.Required {
		if r == "slot_id" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected slot_id required, got %v", s.Required)
	}
}
