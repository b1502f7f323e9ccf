package recorder

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ToolInvocation is the audit record of one tool call, success or failure.
type ToolInvocation struct {
	Name        string          `json:"name"`
	Arguments   json.RawMessage `json:"arguments"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Store persists conversation records. CreateConversation is idempotent by
// call id: calling it twice for the same call returns the same record id and
// leaves a single persisted record.
type Store interface {
	CreateConversation(ctx context.Context, callID, tenantID string) (string, error)
	AppendTranscript(ctx context.Context, recordID, role, text string) error
	AppendToolInvocation(ctx context.Context, recordID string, inv ToolInvocation) error
}

// TranscriptLine is one persisted utterance.
type TranscriptLine struct {
	Role string
	Text string
}

// MemoryStore is the in-process Store used in development and tests.
type MemoryStore struct {
	mu          sync.Mutex
	byCall      map[string]string // callID -> recordID
	transcripts map[string][]TranscriptLine
	invocations map[string][]ToolInvocation
	creates     int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byCall:      make(map[string]string),
		transcripts: make(map[string][]TranscriptLine),
		invocations: make(map[string][]ToolInvocation),
	}
}

// CreateConversation returns the existing record id for a known call.
func (s *MemoryStore) CreateConversation(ctx context.Context, callID, tenantID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byCall[callID]; ok {
		return id, nil
	}
	id := uuid.New().String()
	s.byCall[callID] = id
	s.creates++
	return id, nil
}

// AppendTranscript stores one utterance.
func (s *MemoryStore) AppendTranscript(ctx context.Context, recordID, role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[recordID] = append(s.transcripts[recordID], TranscriptLine{Role: role, Text: text})
	return nil
}

// AppendToolInvocation stores one tool audit record.
func (s *MemoryStore) AppendToolInvocation(ctx context.Context, recordID string, inv ToolInvocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invocations[recordID] = append(s.invocations[recordID], inv)
	return nil
}

// Transcript returns the persisted transcript for a record.
func (s *MemoryStore) Transcript(recordID string) []TranscriptLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TranscriptLine(nil), s.transcripts[recordID]...)
}

// Invocations returns the persisted tool invocations for a record.
func (s *MemoryStore) Invocations(recordID string) []ToolInvocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ToolInvocation(nil), s.invocations[recordID]...)
}

// RecordIDFor returns the record id created for a call, or "".
func (s *MemoryStore) RecordIDFor(callID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byCall[callID]
}

// Creates returns how many distinct conversation records were created.
func (s *MemoryStore) Creates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}
