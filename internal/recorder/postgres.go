package recorder

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversation records with pgx. Schema (managed by
// the platform's migration pipeline, outside this service):
//
//	conversations(id uuid pk default gen_random_uuid(), call_id text unique,
//	              tenant_id text, started_at timestamptz default now())
//	transcript_lines(id bigserial pk, conversation_id uuid references
//	                 conversations, role text, text text,
//	                 created_at timestamptz default now())
//	tool_invocations(id bigserial pk, conversation_id uuid references
//	                 conversations, name text, arguments jsonb, result jsonb,
//	                 error text, started_at timestamptz,
//	                 completed_at timestamptz)
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the persistence store.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to persistence store: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// CreateConversation inserts the record, or returns the existing id when a
// duplicate start signal races in for the same call. The no-op DO UPDATE
// makes the insert return the surviving row's id either way.
func (s *PostgresStore) CreateConversation(ctx context.Context, callID, tenantID string) (string, error) {
	const q = `
		INSERT INTO conversations (call_id, tenant_id)
		VALUES ($1, $2)
		ON CONFLICT (call_id) DO UPDATE SET call_id = excluded.call_id
		RETURNING id`

	var id string
	if err := s.pool.QueryRow(ctx, q, callID, tenantID).Scan(&id); err != nil {
		return "", fmt.Errorf("create conversation for call %s: %w", callID, err)
	}
	return id, nil
}

// AppendTranscript appends one utterance to a conversation.
func (s *PostgresStore) AppendTranscript(ctx context.Context, recordID, role, text string) error {
	const q = `INSERT INTO transcript_lines (conversation_id, role, text) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, q, recordID, role, text); err != nil {
		return fmt.Errorf("append transcript to %s: %w", recordID, err)
	}
	return nil
}

// AppendToolInvocation appends one tool audit record to a conversation.
func (s *PostgresStore) AppendToolInvocation(ctx context.Context, recordID string, inv ToolInvocation) error {
	const q = `
		INSERT INTO tool_invocations (conversation_id, name, arguments, result, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	var errText any
	if inv.Error != "" {
		errText = inv.Error
	}
	if _, err := s.pool.Exec(ctx, q, recordID, inv.Name, inv.Arguments, inv.Result, errText, inv.StartedAt, inv.CompletedAt); err != nil {
		return fmt.Errorf("append tool invocation to %s: %w", recordID, err)
	}
	return nil
}

// Ping probes the persistence store for readiness checks.
func (s *PostgresStore) Ping(ctx context.Context) (bool, error) {
	if err := s.pool.Ping(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
