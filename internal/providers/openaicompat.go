package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/protocol"
)

// openaiCompatAdapter serves openai-http, lmstudio-http, qwen-provider,
// and generic-http kinds, which all speak the OpenAI Chat Completions
// wire shape. Grounded on the teacher's openaicompat.Provider.
type openaiCompatAdapter struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func newOpenAICompat(cfg Config, logger *zap.Logger) Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &openaiCompatAdapter{cfg: cfg, client: newHTTPClient(cfg.Timeout, cfg.InsecureSkipVerify), logger: logger}
}

func (a *openaiCompatAdapter) Name() string { return a.cfg.ProviderName }

type oaRequest struct {
	Model       string             `json:"model"`
	Messages    []protocol.Message `json:"messages"`
	Tools       []protocol.Tool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	MaxTokens   *int               `json:"max_tokens,omitempty"`
}

type oaChoice struct {
	Index        int                `json:"index"`
	Message      *protocol.Message  `json:"message,omitempty"`
	Delta        *protocol.Message  `json:"delta,omitempty"`
	FinishReason string             `json:"finish_reason,omitempty"`
}

type oaResponse struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Choices []oaChoice      `json:"choices"`
	Usage   protocol.ChatUsage `json:"usage"`
}

func (a *openaiCompatAdapter) buildRequest(ctx context.Context, req *protocol.ChatRequest, secret string, stream bool) (*http.Request, error) {
	body := oaRequest{
		Model: req.Model, Messages: req.Messages, Tools: req.Tools,
		Stream: stream, Temperature: req.Temperature, TopP: req.TopP, MaxTokens: req.MaxTokens,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	buildAuthHeader(httpReq, a.cfg, secret)
	return httpReq, nil
}

func (a *openaiCompatAdapter) Complete(ctx context.Context, req *protocol.ChatRequest, secret string) (*protocol.ChatResponse, error) {
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

	var oa oaResponse
	if err := json.Unmarshal(data, &oa); err != nil {
		return nil, &protocol.Error{Kind: protocol.KindUpstreamError, Message: "malformed response: " + err.Error(), Provider: a.cfg.ProviderName}
	}
	out := &protocol.ChatResponse{ID: oa.ID, Model: oa.Model, Usage: oa.Usage}
	for _, c := range oa.Choices {
		msg := protocol.Message{Role: protocol.RoleAssistant}
		if c.Message != nil {
			msg = *c.Message
		}
		out.Choices = append(out.Choices, protocol.ChatChoice{Index: c.Index, Message: msg, FinishReason: c.FinishReason})
	}
	return out, nil
}

func (a *openaiCompatAdapter) Stream(ctx context.Context, req *protocol.ChatRequest, secret string) (<-chan protocol.StreamChunk, error) {
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
	return streamOpenAISSE(ctx, resp.Body, cancel, a.cfg.ProviderName), nil
}

// streamOpenAISSE parses "data: <json>\n\n" frames terminated by
// "data: [DONE]\n\n", grounded line-for-line on the teacher's StreamSSE.
func streamOpenAISSE(ctx context.Context, body io.ReadCloser, cancel context.CancelFunc, providerName string) <-chan protocol.StreamChunk {
	ch := make(chan protocol.StreamChunk)
	go func() {
		defer cancel()
		defer body.Close()
		defer close(ch)
		reader := bufio.NewReader(body)
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
			if data == "[DONE]" {
				select {
				case <-ctx.Done():
				case ch <- protocol.StreamChunk{Done: true}:
				}
				return
			}

			var oa oaResponse
			if err := json.Unmarshal([]byte(data), &oa); err != nil {
				sendOrAbort(ctx, ch, streamErr(providerName, err))
				return
			}
			for _, c := range oa.Choices {
				chunk := protocol.StreamChunk{ID: oa.ID, Model: oa.Model, FinishReason: c.FinishReason}
				if c.Delta != nil {
					chunk.Delta = *c.Delta
				}
				select {
				case <-ctx.Done():
					return
				case ch <- chunk:
				}
			}
		}
	}()
	return ch
}

func sendOrAbort(ctx context.Context, ch chan<- protocol.StreamChunk, err *protocol.Error) {
	select {
	case <-ctx.Done():
	case ch <- protocol.StreamChunk{Done: true, FinishReason: "error:" + err.Message}:
	}
}

func streamErr(provider string, err error) *protocol.Error {
	return &protocol.Error{Kind: protocol.KindUpstreamError, Message: err.Error(), Provider: provider, Retryable: true}
}

func readErrorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	if len(body) > 512 {
		body = body[:512]
	}
	return fmt.Sprintf("upstream error: %s", string(body))
}
