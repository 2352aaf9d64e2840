package protocol

import "encoding/json"

// Role is a chat message role, shared by both wire shapes.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is the canonical message shape the pipeline operates on once a
// request has been normalized off either the OpenAI or Anthropic wire.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function ToolCallFunc `json:"function"`
}

type ToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatRequest is the canonical request shape the router and pipeline work
// with internally, regardless of which client wire format it arrived as.
type ChatRequest struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	Tools       []Tool          `json:"tools,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Thinking    json.RawMessage `json:"thinking,omitempty"`
	Raw         json.RawMessage `json:"-"` // original client body, for pass-through stages
}

// HasTools reports whether the request declares any tool/function definitions.
func (r *ChatRequest) HasTools() bool { return len(r.Tools) > 0 }

// HasThinking reports whether the request requested an extended-thinking mode.
func (r *ChatRequest) HasThinking() bool { return len(r.Thinking) > 0 }

// VisionHint lets an earlier stage record once whether a request carries
// image content. Canonical Content is a flattened string, so vision
// detection has to inspect Raw directly, as the router's classifier does.
type VisionHint bool

type ChatChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the canonical non-streaming response shape.
type ChatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

// StreamChunk is one SSE frame's worth of canonical delta.
type StreamChunk struct {
	ID           string  `json:"id"`
	Model        string  `json:"model"`
	Delta        Message `json:"delta"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Done         bool    `json:"-"`
}
