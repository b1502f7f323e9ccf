package upstream

import "encoding/json"

// Client event types sent to the speech-AI service.
const (
	ClientEventSessionUpdate   = "session.update"
	ClientEventAudioAppend     = "input_audio_buffer.append"
	ClientEventItemCreate      = "conversation.item.create"
	ClientEventResponseCreate  = "response.create"
)

// Server event types received from the speech-AI service. Anything else is
// ignored by the session.
const (
	ServerEventSessionCreated          = "session.created"
	ServerEventSessionUpdated          = "session.updated"
	ServerEventAudioDelta              = "response.audio.delta"
	ServerEventUserTranscriptDone      = "conversation.item.input_audio_transcription.completed"
	ServerEventAssistantTranscriptDone = "response.audio_transcript.done"
	ServerEventFunctionCallDone        = "response.function_call_arguments.done"
	ServerEventError                   = "error"
)

// ToolDefinition is one function exposed to the speech model.
type ToolDefinition struct {
	Type        string         `json:"type"` // always "function"
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// SessionConfig is the session-configuration message payload sent right after
// the WebSocket opens. Audio formats mirror what the telephony leg negotiated;
// payloads are not transcoded.
type SessionConfig struct {
	Model             string           `json:"-"` // rides on the URL, not the payload
	Instructions      string           `json:"instructions"`
	Voice             string           `json:"voice"`
	InputAudioFormat  string           `json:"input_audio_format"`
	OutputAudioFormat string           `json:"output_audio_format"`
	Modalities        []string         `json:"modalities"`
	Tools             []ToolDefinition `json:"tools,omitempty"`
	ToolChoice        string           `json:"tool_choice,omitempty"`
	TurnDetection     *TurnDetection   `json:"turn_detection,omitempty"`
	InputTranscription *Transcription  `json:"input_audio_transcription,omitempty"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// Transcription enables transcription of caller audio.
type Transcription struct {
	Model string `json:"model"`
}

// clientEvent is the envelope for messages we send.
type clientEvent struct {
	Type     string          `json:"type"`
	Session  *SessionConfig  `json:"session,omitempty"`
	Audio    string          `json:"audio,omitempty"`
	Item     *ConversationItem `json:"item,omitempty"`
	Response *ResponseParams `json:"response,omitempty"`
}

// ConversationItem injects a message or tool output into the conversation.
type ConversationItem struct {
	Type    string        `json:"type"` // "message" or "function_call_output"
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

// ContentPart is one part of a message item.
type ContentPart struct {
	Type string `json:"type"` // "input_text"
	Text string `json:"text"`
}

// ResponseParams optionally steers a requested response.
type ResponseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

// Event is one decoded server event. Only the fields relevant to its Type are
// populated; the session dispatches on Type exhaustively.
type Event struct {
	Type string `json:"type"`

	// response.audio.delta: base64 audio for the caller
	Delta string `json:"delta,omitempty"`

	// transcription events
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// error
	Error *EventError `json:"error,omitempty"`
}

// EventError is the payload of an "error" server event.
type EventError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseEvent decodes one server frame.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
