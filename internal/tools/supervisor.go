package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/bookline-ai/voice-bridge/internal/observability"
	"github.com/bookline-ai/voice-bridge/internal/tenant"
	"github.com/bookline-ai/voice-bridge/internal/upstream"
)

// Message is one entry in the supervisor's working conversation.
type Message struct {
	Role       string // "user", "assistant", "tool"
	Text       string
	ToolName   string
	ToolArgs   json.RawMessage
	ToolResult json.RawMessage
}

// ReasonerCall is a tool call requested by the reasoning model.
type ReasonerCall struct {
	Name      string
	Arguments json.RawMessage
}

// Turn is one reasoning step: either a final text reply, or tool calls to
// execute before reasoning again.
type Turn struct {
	Text  string
	Calls []ReasonerCall
}

// Reasoner produces supervisor turns. Implemented by GeminiReasoner in
// production and by fakes in tests.
type Reasoner interface {
	Generate(ctx context.Context, instructions string, msgs []Message, defs []upstream.ToolDefinition) (*Turn, error)
}

// DelegateRequest is everything the supervisor gets about the call: the
// delegated request plus a tail of the live transcript and the entities
// established so far.
type DelegateRequest struct {
	CallUID    string
	TenantID   string
	Request    string
	Transcript []string
	Entities   json.RawMessage
}

const supervisorInstructions = `You are the back-office assistant for a phone receptionist at a medical practice.
The receptionist delegates caller requests to you. Use the available tools to look up patients,
register new ones, find open slots, and book or cancel appointments.
Answer with a single short paragraph the receptionist can read aloud to the caller.
Never mention tools, systems, or identifiers; speak in plain language.`

// maxReasonerTurns bounds the tool loop so a confused model cannot spin.
const maxReasonerTurns = 6

// Supervisor resolves delegated requests by looping a reasoning model over
// the domain tools. Used in delegated supervision mode.
type Supervisor struct {
	reasoner Reasoner
	registry *Registry
	executor *Executor
	logger   zerolog.Logger
}

func NewSupervisor(reasoner Reasoner, registry *Registry, executor *Executor, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		reasoner: reasoner,
		registry: registry,
		executor: executor,
		logger:   logger.With().Str("component", "supervisor").Logger(),
	}
}

// Handle runs the reasoning loop and returns the reply the speech model
// should deliver to the caller.
func (s *Supervisor) Handle(ctx context.Context, req DelegateRequest, cfg *tenant.ChannelConfig, acc *Accumulator, metrics *observability.Metrics) (string, error) {
	logger := s.logger.With().Str("call_id", req.CallUID).Logger()
	defs := s.registry.UpstreamDefinitions(cfg, false)
	msgs := []Message{{Role: "user", Text: buildDelegatePrompt(req)}}

	for turn := 0; turn < maxReasonerTurns; turn++ {
		step, err := s.reasoner.Generate(ctx, supervisorInstructions, msgs, defs)
		if err != nil {
			return "", fmt.Errorf("supervisor reasoning failed: %w", err)
		}
		if len(step.Calls) == 0 {
			if step.Text == "" {
				return "", fmt.Errorf("supervisor returned an empty reply")
			}
			logger.Info().Int("turns", turn+1).Msg("Supervisor produced reply")
			return step.Text, nil
		}

		for _, call := range step.Calls {
			logger.Info().Str("tool", call.Name).Msg("Supervisor invoking tool")
			result := s.executor.Execute(ctx, Request{
				CallUID:   req.CallUID,
				TenantID:  req.TenantID,
				Tool:      call.Name,
				Arguments: call.Arguments,
			}, cfg, acc, metrics, nil)
			msgs = append(msgs,
				Message{Role: "assistant", ToolName: call.Name, ToolArgs: call.Arguments},
				Message{Role: "tool", ToolName: call.Name, ToolResult: result.Output},
			)
		}
	}
	return "", fmt.Errorf("supervisor exceeded %d reasoning turns", maxReasonerTurns)
}

func buildDelegatePrompt(req DelegateRequest) string {
	var b strings.Builder
	b.WriteString("Caller request: ")
	b.WriteString(req.Request)
	if len(req.Transcript) > 0 {
		b.WriteString("\n\nRecent conversation:\n")
		for _, line := range req.Transcript {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	if len(req.Entities) > 0 && string(req.Entities) != "{}" {
		b.WriteString("\nKnown details from earlier in the call (JSON): ")
		b.Write(req.Entities)
	}
	return b.String()
}

// GeminiReasoner implements Reasoner on the Gemini API.
type GeminiReasoner struct {
	client *genai.Client
	model  string
}

func NewGeminiReasoner(apiKey, model string) (*GeminiReasoner, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiReasoner{client: client, model: model}, nil
}

func (g *GeminiReasoner) Generate(ctx context.Context, instructions string, msgs []Message, defs []upstream.ToolDefinition) (*Turn, error) {
	contents := buildContents(msgs)
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(0.2)),
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: instructions}},
		},
		Tools: buildGenaiTools(defs),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("empty response from Gemini")
	}

	turn := &Turn{}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			turn.Text += part.Text
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				args = json.RawMessage("{}")
			}
			turn.Calls = append(turn.Calls, ReasonerCall{
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		}
	}
	return turn, nil
}

func buildContents(msgs []Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range msgs {
		switch msg.Role {
		case "assistant":
			if msg.ToolName != "" {
				var args map[string]any
				if len(msg.ToolArgs) > 0 {
					_ = json.Unmarshal(msg.ToolArgs, &args)
				}
				contents = append(contents, &genai.Content{
					Role: "model",
					Parts: []*genai.Part{{FunctionCall: &genai.FunctionCall{
						Name: msg.ToolName,
						Args: args,
					}}},
				})
			} else {
				contents = append(contents, &genai.Content{
					Role:  "model",
					Parts: []*genai.Part{{Text: msg.Text}},
				})
			}
		case "tool":
			var response map[string]any
			if len(msg.ToolResult) > 0 {
				if err := json.Unmarshal(msg.ToolResult, &response); err != nil {
					response = map[string]any{"result": string(msg.ToolResult)}
				}
			}
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					Name:     msg.ToolName,
					Response: response,
				}}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Text}},
			})
		}
	}
	return contents
}

func buildGenaiTools(defs []upstream.ToolDefinition) []*genai.Tool {
	var out []*genai.Tool
	for _, d := range defs {
		out = append(out, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  toGenaiSchema(d.Parameters),
			}},
		})
	}
	return out
}

// toGenaiSchema converts a JSON schema map to the Gemini schema type. Only
// the subset our tool schemas use is mapped.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	return s
}
