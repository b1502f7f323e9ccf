package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bookline-ai/voice-bridge/internal/observability"
)

const (
	queueCapacity = 256
	writeTimeout  = 5 * time.Second
)

// Recorder mirrors a call's transcript and tool invocations into the
// persistence store. Every method is fire-and-forget: writes run on a
// per-call worker goroutine, and a persistence failure is logged without
// ever touching session state or user-facing behaviour.
type Recorder struct {
	store  Store
	logger zerolog.Logger

	mu    sync.Mutex
	calls map[string]*callRecord
}

type callRecord struct {
	queue chan func(ctx context.Context, recordID string)
	done  chan struct{}

	mu       sync.Mutex
	recordID string
	closed   bool
}

// New creates a recorder over the given store.
func New(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger,
		calls:  make(map[string]*callRecord),
	}
}

// Begin ensures a conversation record exists for the call. Idempotent: a
// duplicate start signal for the same call id neither creates a second
// record nor spawns a second worker.
func (r *Recorder) Begin(callID, tenantID string) {
	r.mu.Lock()
	if _, ok := r.calls[callID]; ok {
		r.mu.Unlock()
		return
	}
	cr := &callRecord{
		queue: make(chan func(ctx context.Context, recordID string), queueCapacity),
		done:  make(chan struct{}),
	}
	r.calls[callID] = cr
	r.mu.Unlock()

	go r.run(callID, tenantID, cr)
}

// run creates the conversation record, then drains queued writes. When the
// create itself fails, queued writes are consumed and dropped so the session
// never blocks on a dead store.
func (r *Recorder) run(callID, tenantID string, cr *callRecord) {
	defer close(cr.done)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	recordID, err := r.store.CreateConversation(ctx, callID, tenantID)
	cancel()

	if err != nil {
		r.logger.Error().Err(err).Str("call_id", callID).Msg("Failed to create conversation record; call continues unrecorded")
		observability.RecordPersistenceWrite("create", false)
	} else {
		cr.mu.Lock()
		cr.recordID = recordID
		cr.mu.Unlock()
		observability.RecordPersistenceWrite("create", true)
	}

	for op := range cr.queue {
		if recordID == "" {
			continue // record creation failed, drop silently (already logged)
		}
		opCtx, opCancel := context.WithTimeout(context.Background(), writeTimeout)
		op(opCtx, recordID)
		opCancel()
	}
}

// RecordID returns the persisted record id for a call once creation has
// succeeded.
func (r *Recorder) RecordID(callID string) (string, bool) {
	r.mu.Lock()
	cr, ok := r.calls[callID]
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.recordID, cr.recordID != ""
}

// RecordTranscript appends one utterance to the call's record.
func (r *Recorder) RecordTranscript(callID, role, text string) {
	r.enqueue(callID, func(ctx context.Context, recordID string) {
		if err := r.store.AppendTranscript(ctx, recordID, role, text); err != nil {
			r.logger.Error().Err(err).Str("call_id", callID).Msg("Failed to append transcript line")
			observability.RecordPersistenceWrite("transcript", false)
			return
		}
		observability.RecordPersistenceWrite("transcript", true)
	})
}

// RecordToolInvocation appends one tool audit record to the call's record.
func (r *Recorder) RecordToolInvocation(callID string, inv ToolInvocation) {
	r.enqueue(callID, func(ctx context.Context, recordID string) {
		if err := r.store.AppendToolInvocation(ctx, recordID, inv); err != nil {
			r.logger.Error().Err(err).Str("call_id", callID).Str("tool", inv.Name).Msg("Failed to append tool invocation")
			observability.RecordPersistenceWrite("tool_invocation", false)
			return
		}
		observability.RecordPersistenceWrite("tool_invocation", true)
	})
}

func (r *Recorder) enqueue(callID string, op func(ctx context.Context, recordID string)) {
	r.mu.Lock()
	cr, ok := r.calls[callID]
	r.mu.Unlock()
	if !ok {
		r.logger.Warn().Str("call_id", callID).Msg("Recorder write for unknown call, dropping")
		return
	}

	// The send shares cr.mu with End's close so a write can never land on a
	// closed queue. Late writes racing teardown are dropped.
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.closed {
		return
	}
	select {
	case cr.queue <- op:
	default:
		r.logger.Warn().Str("call_id", callID).Msg("Recorder queue full, dropping write")
		observability.RecordPersistenceWrite("queued", false)
	}
}

// End flushes pending writes for a call and releases its worker. Blocks
// until the worker drains or the timeout passes; called from teardown, not
// from the hot path.
func (r *Recorder) End(callID string) {
	r.mu.Lock()
	cr, ok := r.calls[callID]
	if ok {
		delete(r.calls, callID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	cr.mu.Lock()
	cr.closed = true
	close(cr.queue)
	cr.mu.Unlock()
	select {
	case <-cr.done:
	case <-time.After(writeTimeout):
		r.logger.Warn().Str("call_id", callID).Msg("Recorder drain timed out")
	}
}
