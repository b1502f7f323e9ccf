package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bookline-ai/voice-bridge/internal/observability"
	"github.com/bookline-ai/voice-bridge/internal/recorder"
	"github.com/bookline-ai/voice-bridge/internal/tenant"
)

// Request is a single tool invocation as received from the speech model.
type Request struct {
	CallUID   string
	TenantID  string
	Tool      string
	Arguments json.RawMessage
}

// Result carries what gets sent back to the model. Failed executions still
// produce a speakable result so the conversation never stalls on an error.
type Result struct {
	Output json.RawMessage
	Failed bool
}

// Executor runs tool calls: argument completion from the accumulator,
// at-most-once guarding for mutating tools, timeouts, auditing, and entity
// write-back.
type Executor struct {
	registry    *Registry
	backend     Backend
	recorder    *recorder.Recorder
	softTimeout time.Duration
	hardTimeout time.Duration
	logger      zerolog.Logger
}

// SoftTimeout reports the delay before a long-running invocation triggers
// its onSlow callback. Callers running work outside Execute, such as
// supervisor delegation, use it to arm the same filler.
func (e *Executor) SoftTimeout() time.Duration {
	return e.softTimeout
}

func NewExecutor(registry *Registry, backend Backend, rec *recorder.Recorder, softTimeout, hardTimeout time.Duration, logger zerolog.Logger) *Executor {
	return &Executor{
		registry:    registry,
		backend:     backend,
		recorder:    rec,
		softTimeout: softTimeout,
		hardTimeout: hardTimeout,
		logger:      logger.With().Str("component", "tool_executor").Logger(),
	}
}

// Execute runs one tool call. onSlow, when non-nil, fires at most once if the
// backend has not answered within the soft timeout, so the session can have
// the model say a filler line while the caller waits.
func (e *Executor) Execute(ctx context.Context, req Request, cfg *tenant.ChannelConfig, acc *Accumulator, metrics *observability.Metrics, onSlow func()) Result {
	logger := e.logger.With().Str("call_id", req.CallUID).Str("tool", req.Tool).Logger()

	def, err := e.registry.Lookup(req.Tool, cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("Rejected tool call")
		return failedResult(err)
	}

	args := e.completeArguments(def, req.Arguments, acc, logger)

	if def.Mutating && def.ConsumesEntity != "" && acc != nil && acc.Consumed(def.ConsumesEntity) {
		logger.Warn().Str("entity", def.ConsumesEntity).Msg("Duplicate mutating tool call blocked")
		out, _ := json.Marshal(map[string]string{
			"message": "That action was already completed earlier in this call.",
		})
		return Result{Output: out}
	}

	invocationID := uuid.New().String()
	if metrics != nil {
		metrics.RecordToolStart(invocationID)
	}
	startedAt := time.Now()

	execCtx, cancel := context.WithTimeout(ctx, e.hardTimeout)
	defer cancel()

	if onSlow != nil && e.softTimeout > 0 && e.softTimeout < e.hardTimeout {
		slow := time.AfterFunc(e.softTimeout, onSlow)
		defer slow.Stop()
	}

	output, err := e.backend.Execute(execCtx, req.TenantID, req.Tool, args, def.Mutating)
	if execCtx.Err() == context.DeadlineExceeded {
		err = ErrToolTimeout
	}
	completedAt := time.Now()
	if metrics != nil {
		metrics.RecordToolEnd(invocationID, req.Tool, err == nil)
	}

	inv := recorder.ToolInvocation{
		Name:        req.Tool,
		Arguments:   args,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
	}
	if err != nil {
		inv.Error = err.Error()
		e.recorder.RecordToolInvocation(req.CallUID, inv)
		logger.Error().Err(err).Dur("duration", completedAt.Sub(startedAt)).Msg("Tool execution failed")
		return failedResult(err)
	}
	inv.Result = output
	e.recorder.RecordToolInvocation(req.CallUID, inv)
	logger.Info().Dur("duration", completedAt.Sub(startedAt)).Msg("Tool executed")

	if acc != nil {
		if def.ProducesEntity != "" {
			acc.Put(def.ProducesEntity, output)
		}
		if def.Mutating && def.ConsumesEntity != "" {
			acc.MarkConsumed(def.ConsumesEntity)
		}
	}
	return Result{Output: output}
}

func failedResult(err error) Result {
	out, _ := json.Marshal(map[string]string{"message": FallbackMessage(err)})
	return Result{Output: out, Failed: true}
}

// completeArguments fills the definition's dependency field from the
// accumulator when the model left it out.
func (e *Executor) completeArguments(def *Definition, args json.RawMessage, acc *Accumulator, logger zerolog.Logger) json.RawMessage {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if def.DependsOnEntity == "" || def.DependencyField == "" || acc == nil {
		return args
	}

	var m map[string]any
	if err := json.Unmarshal(args, &m); err != nil {
		return args
	}
	if v, ok := m[def.DependencyField]; ok {
		if s, isStr := v.(string); !isStr || s != "" {
			return args
		}
	}

	entity, ok := acc.Get(def.DependsOnEntity)
	if !ok {
		return args
	}
	id := extractID(entity, def.DependencyField)
	if id == "" {
		return args
	}
	m[def.DependencyField] = id
	completed, err := json.Marshal(m)
	if err != nil {
		return args
	}
	logger.Debug().Str("field", def.DependencyField).Msg("Filled tool argument from call context")
	return completed
}

// extractID pulls an identifier out of an entity payload, preferring the
// exact field name, then the conventional "id" key.
func extractID(entity json.RawMessage, field string) string {
	var m map[string]any
	if err := json.Unmarshal(entity, &m); err != nil {
		return ""
	}
	for _, key := range []string{field, "id"} {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
