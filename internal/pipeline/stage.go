// Package pipeline builds and executes the per-target (llmSwitch,
// workflow, compatibility, providerAdapter) chain described by §4.6,
// dispatching on identifier strings from config the way the teacher's
// llm/factory.go dispatches provider names to constructors.
package pipeline

import (
	"context"

	"github.com/routecodex/routecodex/internal/protocol"
)

// Stage is the small dispatch surface shared by LLMSwitch, Workflow, and
// Compatibility stages (§9's tagged-variant redesign of dynamic-dispatch
// pipeline stages). ProviderAdapter is not a Stage: its executeUpstream
// responsibility lives in providers.Adapter instead.
type Stage interface {
	Name() string
	TransformRequest(ctx context.Context, req *protocol.ChatRequest) (*protocol.ChatRequest, error)
	TransformResponse(ctx context.Context, resp *protocol.ChatResponse) (*protocol.ChatResponse, error)
}

// StageConstructor builds a Stage, optionally parameterized by the
// provider/model's declared options (currently unused by the built-ins
// but kept for compatibility/llmSwitch variants that need config, e.g. a
// vendor-specific field map).
type StageConstructor func(options map[string]interface{}) Stage

var stageRegistry = map[string]StageConstructor{}

func RegisterStage(id string, ctor StageConstructor) {
	stageRegistry[id] = ctor
}

// BuildStage dispatches an identifier string to its constructor. Unknown
// identifiers fall back to the no-op passthrough rather than failing the
// pipeline build, matching the factory's tolerant defaulting in §4.6.
func BuildStage(id string, options map[string]interface{}) Stage {
	if ctor, ok := stageRegistry[id]; ok {
		return ctor(options)
	}
	return passthroughStage{id: id}
}

func init() {
	RegisterStage("openai-passthrough", func(map[string]interface{}) Stage { return passthroughStage{id: "openai-passthrough"} })
	RegisterStage("streaming-control", func(map[string]interface{}) Stage { return streamingControlStage{} })
	RegisterStage("field-mapping", func(map[string]interface{}) Stage { return passthroughStage{id: "field-mapping"} })
	RegisterStage("lmstudio-compatibility", func(map[string]interface{}) Stage { return lmstudioCompatibilityStage{} })
	RegisterStage("qwen-compatibility", func(map[string]interface{}) Stage { return qwenCompatibilityStage{} })
	RegisterStage("anthropic-openai-bridge", func(map[string]interface{}) Stage { return anthropicOpenAIBridgeStage{} })
}

// passthroughStage is the identity Stage: used for openai-passthrough and
// as the tolerant fallback for unrecognized identifiers.
type passthroughStage struct{ id string }

func (p passthroughStage) Name() string { return p.id }
func (p passthroughStage) TransformRequest(_ context.Context, req *protocol.ChatRequest) (*protocol.ChatRequest, error) {
	return req, nil
}
func (p passthroughStage) TransformResponse(_ context.Context, resp *protocol.ChatResponse) (*protocol.ChatResponse, error) {
	return resp, nil
}

// streamingControlStage is the default workflow stage. It passes requests
// and responses through unchanged: it does not alter the Stream flag and
// does not strip thinking payloads.
type streamingControlStage struct{}

func (s streamingControlStage) Name() string { return "streaming-control" }
func (s streamingControlStage) TransformRequest(_ context.Context, req *protocol.ChatRequest) (*protocol.ChatRequest, error) {
	return req, nil
}
func (s streamingControlStage) TransformResponse(_ context.Context, resp *protocol.ChatResponse) (*protocol.ChatResponse, error) {
	return resp, nil
}

// lmstudioCompatibilityStage adapts requests for LM Studio's OpenAI-compatible
// server, which rejects empty tool arrays rather than ignoring them.
type lmstudioCompatibilityStage struct{}

func (s lmstudioCompatibilityStage) Name() string { return "lmstudio-compatibility" }
func (s lmstudioCompatibilityStage) TransformRequest(_ context.Context, req *protocol.ChatRequest) (*protocol.ChatRequest, error) {
	if len(req.Tools) == 0 {
		req.Tools = nil
	}
	return req, nil
}
func (s lmstudioCompatibilityStage) TransformResponse(_ context.Context, resp *protocol.ChatResponse) (*protocol.ChatResponse, error) {
	return resp, nil
}

// qwenCompatibilityStage maps Qwen's vendor-specific quirks: it does not
// accept a nil MaxTokens and defaults to 2048 when omitted.
type qwenCompatibilityStage struct{}

func (s qwenCompatibilityStage) Name() string { return "qwen-compatibility" }
func (s qwenCompatibilityStage) TransformRequest(_ context.Context, req *protocol.ChatRequest) (*protocol.ChatRequest, error) {
	if req.MaxTokens == nil {
		defaultMax := 2048
		req.MaxTokens = &defaultMax
	}
	return req, nil
}
func (s qwenCompatibilityStage) TransformResponse(_ context.Context, resp *protocol.ChatResponse) (*protocol.ChatResponse, error) {
	return resp, nil
}

// anthropicOpenAIBridgeStage is an LLMSwitch variant bridging an
// Anthropic-shaped inbound request to an OpenAI-shaped outbound one (or
// vice versa); the canonical protocol.ChatRequest/Response already
// abstracts over both wire shapes, so this bridge is presently a
// documented no-op kept as the identifier front doors select when a
// target's provider kind differs from the inbound surface.
type anthropicOpenAIBridgeStage struct{}

func (s anthropicOpenAIBridgeStage) Name() string { return "anthropic-openai-bridge" }
func (s anthropicOpenAIBridgeStage) TransformRequest(_ context.Context, req *protocol.ChatRequest) (*protocol.ChatRequest, error) {
	return req, nil
}
func (s anthropicOpenAIBridgeStage) TransformResponse(_ context.Context, resp *protocol.ChatResponse) (*protocol.ChatResponse, error) {
	return resp, nil
}
