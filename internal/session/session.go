package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bookline-ai/voice-bridge/internal/audio"
	"github.com/bookline-ai/voice-bridge/internal/observability"
	"github.com/bookline-ai/voice-bridge/internal/recorder"
	"github.com/bookline-ai/voice-bridge/internal/telephony"
	"github.com/bookline-ai/voice-bridge/internal/tenant"
	"github.com/bookline-ai/voice-bridge/internal/tools"
	"github.com/bookline-ai/voice-bridge/internal/upstream"
)

// State is the session lifecycle state.
type State int32

const (
	StateInit State = iota
	StateAwaitingStart
	StateResolvingConfig
	StateConnectingUpstream
	StateActive
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAwaitingStart:
		return "AWAITING_TELEPHONY_START"
	case StateResolvingConfig:
		return "RESOLVING_CONFIG"
	case StateConnectingUpstream:
		return "CONNECTING_UPSTREAM"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// DialFunc opens the upstream leg once tenant configuration is known.
type DialFunc func(ctx context.Context, cfg *upstream.SessionConfig) (upstream.Leg, error)

// Options are the per-deployment knobs a session needs.
type Options struct {
	DefaultModel      string
	DefaultVoice      string
	QueueCapacity     int
	KeepAliveInterval time.Duration
	TranscriptTail    int
	Delegated         bool
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Resolver   *tenant.Resolver
	Dial       DialFunc
	Registry   *Registry
	Recorder   *recorder.Recorder
	Executor   *tools.Executor
	Tools      *tools.Registry
	Supervisor *tools.Supervisor // nil in direct mode
	Logger     zerolog.Logger
	Options    Options
}

type eventKind int

const (
	evTelephony eventKind = iota
	evTelephonyClosed
	evConfigResolved
	evUpstreamReady
	evUpstreamDialFailed
	evUpstreamEvent
	evUpstreamClosed
	evToolDone
	evToolSlow
	evTextInput
)

// event is one unit of work for the session loop. Exactly one of the payload
// fields is set, selected by kind.
type event struct {
	kind       eventKind
	tel        *telephony.Message
	cfg        *tenant.ChannelConfig
	leg        upstream.Leg
	up         *upstream.Event
	err        error
	toolCallID string
	output     string
	text       string
}

// toolJob is one queued tool call. It carries copies of everything the worker
// needs so the worker never reads loop-owned state.
type toolJob struct {
	toolCallID string
	callUID    string
	name       string
	arguments  json.RawMessage
	cfg        *tenant.ChannelConfig
	transcript []string
}

// Session orchestrates one call: the telephony leg it was born with, the
// upstream leg it opens after tenant resolution, and everything in between.
// All session state is mutated only inside the Run loop; the read pumps, the
// tool worker, and the text side channel communicate with it through the
// events channel.
type Session struct {
	id     string
	tel    telephony.Leg
	deps   Deps
	logger zerolog.Logger

	events   chan event
	toolJobs chan toolJob
	loopDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	// loop-owned
	callID     string
	streamID   string
	tenantCfg  *tenant.ChannelConfig
	up         upstream.Leg
	queue      *audio.FrameQueue
	transcript []string
	metrics    *observability.Metrics
	keepAlive  *time.Ticker
	degraded   bool
	registered bool
	markSeq    int

	// worker-owned
	acc *tools.Accumulator
}

func New(tel telephony.Leg, deps Deps) *Session {
	id := uuid.New().String()
	s := &Session{
		id:       id,
		tel:      tel,
		deps:     deps,
		logger:   deps.Logger.With().Str("session_id", id).Logger(),
		events:   make(chan event, 64),
		toolJobs: make(chan toolJob, 16),
		loopDone: make(chan struct{}),
		queue:    audio.NewFrameQueue(deps.Options.QueueCapacity),
		acc:      tools.NewAccumulator(),
	}
	s.setState(StateInit)
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Done closes when the session loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.loopDone
}

// Run drives the session until the call ends. It blocks; the handler calls
// it on the connection's goroutine.
func (s *Session) Run(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	s.setState(StateAwaitingStart)
	go s.telephonyPump()
	go s.toolWorker()

	for {
		select {
		case ev := <-s.events:
			s.dispatch(ev)
		case <-s.keepAliveC():
			s.handleKeepAlive()
		case <-s.ctx.Done():
			s.teardown("server shutdown", false)
		}
		if st := s.State(); st == StateClosed || st == StateFailed {
			break
		}
	}
	close(s.loopDone)
}

// InjectText delivers an out-of-band text input to the session as if it were
// a transcribed caller utterance. Returns immediately.
func (s *Session) InjectText(text string) {
	s.post(event{kind: evTextInput, text: text})
}

// Shutdown asks the session to end. Closing the telephony leg wakes the read
// pump, which drives normal teardown.
func (s *Session) Shutdown() {
	_ = s.tel.Close()
}

// post delivers an event to the loop, giving up once the loop has exited.
// Reports whether the event was delivered so callers holding resources can
// release them on discard.
func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.loopDone:
		return false
	}
}

func (s *Session) telephonyPump() {
	// The loop re-tags s.logger once the call id is known; the pump keeps its
	// own copy to stay off that field.
	logger := s.logger
	for {
		data, err := s.tel.ReadMessage()
		if err != nil {
			s.post(event{kind: evTelephonyClosed, err: err})
			return
		}
		msg, err := telephony.ParseMessage(data)
		if err != nil {
			// Malformed frames are dropped; the call continues.
			logger.Warn().Err(err).Msg("Dropping malformed telephony message")
			continue
		}
		s.post(event{kind: evTelephony, tel: msg})
	}
}

func (s *Session) upstreamPump(leg upstream.Leg) {
	for ev := range leg.Events() {
		s.post(event{kind: evUpstreamEvent, up: ev})
	}
	s.post(event{kind: evUpstreamClosed})
}

func (s *Session) dispatch(ev event) {
	switch ev.kind {
	case evTelephony:
		s.handleTelephony(ev.tel)
	case evTelephonyClosed:
		s.teardown("telephony leg closed", false)
	case evConfigResolved:
		s.handleConfigResolved(ev.cfg, ev.err)
	case evUpstreamReady:
		s.handleUpstreamReady(ev.leg)
	case evUpstreamDialFailed:
		if s.metrics != nil {
			s.metrics.RecordUpstreamConnect(false)
		}
		s.logger.Error().Err(ev.err).Msg("Upstream connection failed")
		s.teardown("upstream_dial", true)
	case evUpstreamEvent:
		s.handleUpstream(ev.up)
	case evUpstreamClosed:
		s.handleUpstreamClosed()
	case evToolDone:
		s.handleToolDone(ev.toolCallID, ev.output)
	case evToolSlow:
		s.handleToolSlow()
	case evTextInput:
		s.handleTextInput(ev.text)
	}
}

func (s *Session) handleTelephony(msg *telephony.Message) {
	switch msg.Event {
	case telephony.EventConnected:
		s.logger.Debug().Msg("Telephony leg connected")
	case telephony.EventStart:
		s.handleStart(msg)
	case telephony.EventMedia:
		s.handleMedia(msg.Media.Payload)
	case telephony.EventStop:
		s.teardown("telephony stop", false)
	case telephony.EventMark:
		if msg.Mark != nil {
			s.logger.Debug().Str("mark", msg.Mark.Name).Msg("Playback mark acknowledged")
		}
	}
}

func (s *Session) handleStart(msg *telephony.Message) {
	if s.State() != StateAwaitingStart {
		s.logger.Warn().Str("state", s.State().String()).Msg("Dropping unexpected start event")
		return
	}

	s.callID = msg.Start.CallID
	if s.callID == "" {
		s.callID = msg.CallID
	}
	s.streamID = msg.StreamID
	if s.streamID == "" {
		s.streamID = msg.Start.StreamID
	}
	s.logger = s.logger.With().
		Str("call_id", s.callID).
		Str("correlation_id", observability.NewCorrelationID()).
		Logger()

	if err := s.deps.Registry.Insert(s.callID, s); err != nil {
		s.logger.Error().Err(err).Msg("Duplicate call id, rejecting session")
		s.teardown("duplicate_call", true)
		return
	}
	s.registered = true

	s.metrics = observability.NewCallMetrics(s.callID)
	s.metrics.RecordSessionStart()

	tenantID := msg.Start.TenantID()
	s.setState(StateResolvingConfig)
	s.logger.Info().Str("tenant_id", tenantID).Msg("Call started, resolving tenant configuration")

	go func() {
		cfg, err := s.deps.Resolver.Resolve(s.ctx, tenantID)
		if err != nil && tenantID != "" {
			// A broken tenant fetch degrades to the platform default rather
			// than dropping the call.
			s.logger.Warn().Err(err).Msg("Tenant fetch failed, falling back to default tenant")
			cfg, err = s.deps.Resolver.Resolve(s.ctx, "")
		}
		s.post(event{kind: evConfigResolved, cfg: cfg, err: err})
	}()
}

func (s *Session) handleConfigResolved(cfg *tenant.ChannelConfig, err error) {
	if s.State() != StateResolvingConfig {
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Configuration resolution failed")
		s.teardown("config_resolution", true)
		return
	}

	s.tenantCfg = cfg
	s.deps.Recorder.Begin(s.callID, cfg.TenantID)
	s.setState(StateConnectingUpstream)

	model := cfg.BackendModel
	if model == "" {
		model = s.deps.Options.DefaultModel
	}
	voice := cfg.Voice
	if voice == "" {
		voice = s.deps.Options.DefaultVoice
	}
	sc := &upstream.SessionConfig{
		Model:              model,
		Instructions:       cfg.SystemInstructions,
		Voice:              voice,
		InputAudioFormat:   "g711_ulaw",
		OutputAudioFormat:  "g711_ulaw",
		Modalities:         []string{"text", "audio"},
		Tools:              s.deps.Tools.UpstreamDefinitions(cfg, s.deps.Options.Delegated),
		ToolChoice:         "auto",
		TurnDetection:      &upstream.TurnDetection{Type: "server_vad"},
		InputTranscription: &upstream.Transcription{Model: "whisper-1"},
	}

	go func() {
		leg, err := s.deps.Dial(s.ctx, sc)
		if err != nil {
			s.post(event{kind: evUpstreamDialFailed, err: err})
			return
		}
		// The handshake can outlive the session; a leg the loop never saw
		// would leak its socket and read pump.
		if !s.post(event{kind: evUpstreamReady, leg: leg}) {
			_ = leg.Close()
		}
	}()
}

func (s *Session) handleUpstreamReady(leg upstream.Leg) {
	if s.State() != StateConnectingUpstream {
		// The call ended while the dial was in flight.
		_ = leg.Close()
		return
	}

	s.up = leg
	go s.upstreamPump(leg)

	if s.metrics != nil {
		s.metrics.RecordUpstreamConnect(true)
	}

	// Frames that arrived before the leg was ready go out first, in their
	// original order.
	for _, frame := range s.queue.Drain() {
		if err := leg.AppendAudio(frame); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to flush queued audio")
			break
		}
	}

	// The service never speaks first on its own.
	if err := leg.RequestResponse(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to request greeting")
	}

	s.setState(StateActive)
	s.keepAlive = time.NewTicker(s.deps.Options.KeepAliveInterval)
	s.logger.Info().Msg("Session active")
}

func (s *Session) handleMedia(payload string) {
	if s.metrics != nil {
		s.metrics.RecordAudioFrame("inbound")
	}
	if s.degraded {
		return
	}

	switch s.State() {
	case StateActive:
		if err := s.up.AppendAudio(payload); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to forward audio upstream")
		}
	case StateAwaitingStart, StateResolvingConfig, StateConnectingUpstream:
		if !s.queue.Push(payload) && s.metrics != nil {
			s.metrics.RecordAudioFrameDropped()
		}
	}
}

func (s *Session) handleUpstream(ev *upstream.Event) {
	switch ev.Type {
	case upstream.ServerEventAudioDelta:
		if err := s.tel.WriteMedia(s.streamID, ev.Delta); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to relay audio to caller")
			return
		}
		if s.metrics != nil {
			s.metrics.RecordAudioFrame("outbound")
		}
	case upstream.ServerEventUserTranscriptDone:
		s.appendTranscript("user", ev.Transcript)
	case upstream.ServerEventAssistantTranscriptDone:
		s.appendTranscript("assistant", ev.Transcript)
		// A mark after the turn's last media frame; the carrier echoes it
		// back once the caller has heard the whole reply.
		s.markSeq++
		if err := s.tel.WriteMark(s.streamID, fmt.Sprintf("turn-%d", s.markSeq)); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to send playback mark")
		}
	case upstream.ServerEventFunctionCallDone:
		s.dispatchTool(ev)
	case upstream.ServerEventError:
		s.logger.Warn().Str("message", ev.Error.Message).Msg("Upstream reported error")
		if s.metrics != nil {
			s.metrics.RecordError("upstream", "session")
		}
	}
}

func (s *Session) handleUpstreamClosed() {
	st := s.State()
	if st == StateClosing || st == StateClosed || st == StateFailed {
		return
	}
	// No reconnect: the session degrades and the call ends naturally on the
	// next telephony stop.
	s.logger.Warn().Msg("Upstream leg lost, session degraded")
	if s.up != nil {
		_ = s.up.Close()
		s.up = nil
	}
	s.degraded = true
	s.stopKeepAlive()
	if s.metrics != nil {
		s.metrics.RecordError("upstream_lost", "session")
	}
}

func (s *Session) appendTranscript(role, text string) {
	if text == "" {
		return
	}
	s.deps.Recorder.RecordTranscript(s.callID, role, text)
	s.transcript = append(s.transcript, role+": "+text)
	if tail := s.deps.Options.TranscriptTail; tail > 0 && len(s.transcript) > tail {
		s.transcript = s.transcript[len(s.transcript)-tail:]
	}
}

func (s *Session) dispatchTool(ev *upstream.Event) {
	job := toolJob{
		toolCallID: ev.CallID,
		callUID:    s.callID,
		name:       ev.Name,
		arguments:  json.RawMessage(ev.Arguments),
		cfg:        s.tenantCfg,
		transcript: append([]string(nil), s.transcript...),
	}
	select {
	case s.toolJobs <- job:
	default:
		s.logger.Error().Str("tool", ev.Name).Msg("Tool queue full, rejecting call")
		s.handleToolDone(ev.CallID, `{"message":"I'm sorry, I'm handling too many things at once. Could you repeat that in a moment?"}`)
	}
}

// toolWorker executes queued tool calls one at a time, in the order the
// upstream leg emitted them, without ever blocking the audio relay. It is
// the only goroutine that touches the accumulator.
func (s *Session) toolWorker() {
	for {
		select {
		case job := <-s.toolJobs:
			output := s.executeTool(job)
			s.post(event{kind: evToolDone, toolCallID: job.toolCallID, output: output})
		case <-s.loopDone:
			return
		}
	}
}

func (s *Session) executeTool(job toolJob) string {
	onSlow := func() {
		s.post(event{kind: evToolSlow})
	}

	if job.name == tools.ToolDelegate && s.deps.Supervisor != nil {
		var args tools.DelegateArgs
		if err := json.Unmarshal(job.arguments, &args); err != nil {
			s.logger.Warn().Err(err).Msg("Malformed delegate arguments")
			return `{"message":"I'm sorry, could you say that again?"}`
		}
		if delay := s.deps.Executor.SoftTimeout(); delay > 0 {
			slow := time.AfterFunc(delay, onSlow)
			defer slow.Stop()
		}
		tenantID := ""
		if job.cfg != nil {
			tenantID = job.cfg.TenantID
		}
		reply, err := s.deps.Supervisor.Handle(s.ctx, tools.DelegateRequest{
			CallUID:    job.callUID,
			TenantID:   tenantID,
			Request:    args.Request,
			Transcript: job.transcript,
			Entities:   s.acc.Snapshot(),
		}, job.cfg, s.acc, s.metrics)
		if err != nil {
			s.logger.Error().Err(err).Msg("Supervisor delegation failed")
			out, _ := json.Marshal(map[string]string{"message": tools.FallbackMessage(err)})
			return string(out)
		}
		out, _ := json.Marshal(map[string]string{"message": reply})
		return string(out)
	}

	tenantID := ""
	if job.cfg != nil {
		tenantID = job.cfg.TenantID
	}
	result := s.deps.Executor.Execute(s.ctx, tools.Request{
		CallUID:   job.callUID,
		TenantID:  tenantID,
		Tool:      job.name,
		Arguments: job.arguments,
	}, job.cfg, s.acc, s.metrics, onSlow)
	return string(result.Output)
}

func (s *Session) handleToolDone(toolCallID, output string) {
	if s.up == nil || s.degraded {
		s.logger.Warn().Msg("Dropping tool result, upstream gone")
		return
	}
	if err := s.up.SendToolResult(toolCallID, output); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send tool result")
		return
	}
	if err := s.up.RequestResponse(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to request post-tool response")
	}
}

func (s *Session) handleToolSlow() {
	if s.up == nil || s.degraded || s.State() != StateActive {
		return
	}
	if err := s.up.Say("One moment please, I'm still checking that."); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send filler utterance")
	}
}

func (s *Session) handleTextInput(text string) {
	if s.State() != StateActive || s.up == nil || s.degraded {
		s.logger.Warn().Msg("Dropping text input, session not ready")
		return
	}
	if err := s.up.CreateUserMessage(text); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to inject text input")
		return
	}
	if err := s.up.RequestResponse(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to request response for text input")
	}
	s.appendTranscript("user", text)
}

func (s *Session) keepAliveC() <-chan time.Time {
	if s.keepAlive == nil {
		return nil
	}
	return s.keepAlive.C
}

func (s *Session) handleKeepAlive() {
	if s.State() != StateActive || s.degraded {
		return
	}
	if err := s.tel.Ping(); err != nil {
		s.logger.Warn().Err(err).Msg("Keep-alive ping failed")
	}
}

func (s *Session) stopKeepAlive() {
	if s.keepAlive != nil {
		s.keepAlive.Stop()
		s.keepAlive = nil
	}
}

// teardown ends the session exactly once: timers cancelled, both legs closed,
// registry entry removed, recorder flushed. A second signal is a no-op.
func (s *Session) teardown(reason string, failed bool) {
	st := s.State()
	if st == StateClosing || st == StateClosed || st == StateFailed {
		return
	}
	s.setState(StateClosing)

	s.stopKeepAlive()
	s.cancel() // discard, do not await, in-flight tool work

	if s.up != nil {
		_ = s.up.Close()
		s.up = nil
	}
	_ = s.tel.Close()

	if s.registered {
		s.deps.Registry.Remove(s.callID)
		s.deps.Recorder.End(s.callID)
	}

	if s.metrics != nil {
		if failed {
			s.metrics.RecordSessionFailed(reason)
		}
		s.metrics.RecordSessionEnd()
	}

	if failed {
		s.logger.Error().Str("reason", reason).Msg("Session failed")
		s.setState(StateFailed)
		return
	}
	s.logger.Info().Str("reason", reason).Msg("Session closed")
	s.setState(StateClosed)
}
