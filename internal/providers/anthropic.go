package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/protocol"
)

// anthropicAdapter serves the anthropic-http provider kind, whose wire
// shape (Messages API, message_start/content_block_delta/message_stop
// SSE events) differs enough from OpenAI's that it gets its own codec
// rather than reusing openaiCompatAdapter.
type anthropicAdapter struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func newAnthropic(cfg Config, logger *zap.Logger) Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &anthropicAdapter{cfg: cfg, client: newHTTPClient(cfg.Timeout, cfg.InsecureSkipVerify), logger: logger}
}

func (a *anthropicAdapter) Name() string { return a.cfg.ProviderName }

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []protocol.Message `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
	Tools     []protocol.Tool    `json:"tools,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func toAnthropicRequest(req *protocol.ChatRequest) anthropicRequest {
	var system string
	var messages []protocol.Message
	for _, m := range req.Messages {
		if m.Role == protocol.RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		messages = append(messages, m)
	}
	maxTokens := 4096
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	return anthropicRequest{Model: req.Model, Messages: messages, System: system, MaxTokens: maxTokens, Tools: req.Tools}
}

func (a *anthropicAdapter) buildRequest(ctx context.Context, req *protocol.ChatRequest, secret string, stream bool) (*http.Request, error) {
	body := toAnthropicRequest(req)
	body.Stream = stream
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("x-api-key", secret)
	if a.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", a.cfg.UserAgent)
	}
	return httpReq, nil
}

func (a *anthropicAdapter) Complete(ctx context.Context, req *protocol.ChatRequest, secret string) (*protocol.ChatResponse, error) {
	httpReq, err := a.buildRequest(ctx, req, secret, false)
	if err != nil {
		return nil, &protocol.Error{Kind: protocol.KindInternalError, Message: err.Error()}
	}
	resp, cancel, err := doWithHeadersCap(ctx, a.client, httpReq, a.cfg.HeadersCap)
	if err != nil {
		return nil, &protocol.Error{Kind: protocol.KindUpstreamError, Message: err.Error(), Provider: a.cfg.ProviderName, Retryable: true}
	}
	defer cancel()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &protocol.Error{Kind: protocol.KindUpstreamError, Message: err.Error(), Provider: a.cfg.ProviderName}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, protocol.NewUpstreamError(resp.StatusCode, readErrorMessage(data), a.cfg.ProviderName)
	}

	var ar anthropicResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return nil, &protocol.Error{Kind: protocol.KindUpstreamError, Message: "malformed response: " + err.Error(), Provider: a.cfg.ProviderName}
	}
	var text strings.Builder
	for _, block := range ar.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &protocol.ChatResponse{
		ID:    ar.ID,
		Model: ar.Model,
		Choices: []protocol.ChatChoice{{
			Index:        0,
			Message:      protocol.Message{Role: protocol.RoleAssistant, Content: text.String()},
			FinishReason: ar.StopReason,
		}},
		Usage: protocol.ChatUsage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		},
	}, nil
}

func (a *anthropicAdapter) Stream(ctx context.Context, req *protocol.ChatRequest, secret string) (<-chan protocol.StreamChunk, error) {
	httpReq, err := a.buildRequest(ctx, req, secret, true)
	if err != nil {
		return nil, &protocol.Error{Kind: protocol.KindInternalError, Message: err.Error()}
	}
	resp, cancel, err := doWithHeadersCap(ctx, a.client, httpReq, a.cfg.HeadersCap)
	if err != nil {
		return nil, &protocol.Error{Kind: protocol.KindUpstreamError, Message: err.Error(), Provider: a.cfg.ProviderName, Retryable: true}
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, protocol.NewUpstreamError(resp.StatusCode, readErrorMessage(data), a.cfg.ProviderName)
	}
	return streamAnthropicSSE(ctx, resp.Body, cancel, a.cfg.ProviderName), nil
}

// anthropicEvent is the minimal shape needed across message_start,
// content_block_delta, and message_stop events.
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"message"`
}

// streamAnthropicSSE parses Anthropic's named-event SSE stream: "event:
// <name>\ndata: <json>\n\n" pairs, terminated by a message_stop event.
func streamAnthropicSSE(ctx context.Context, body io.ReadCloser, cancel context.CancelFunc, providerName string) <-chan protocol.StreamChunk {
	ch := make(chan protocol.StreamChunk)
	go func() {
		defer cancel()
		defer body.Close()
		defer close(ch)
		reader := bufio.NewReader(body)
		var id, model string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					sendOrAbort(ctx, ch, streamErr(providerName, err))
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var ev anthropicEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				sendOrAbort(ctx, ch, streamErr(providerName, err))
				return
			}
			switch ev.Type {
			case "message_start":
				id, model = ev.Message.ID, ev.Message.Model
			case "content_block_delta":
				chunk := protocol.StreamChunk{ID: id, Model: model, Delta: protocol.Message{Role: protocol.RoleAssistant, Content: ev.Delta.Text}}
				select {
				case <-ctx.Done():
					return
				case ch <- chunk:
				}
			case "message_stop":
				select {
				case <-ctx.Done():
				case ch <- protocol.StreamChunk{ID: id, Model: model, Done: true, FinishReason: "stop"}:
				}
				return
			}
		}
	}()
	return ch
}
