package pipeline

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/protocol"
	"github.com/routecodex/routecodex/internal/providers"
)

// Spec is the immutable, materialized description of how one
// (providerId, modelId, keyAlias) target processes a request (§3's
// PipelineSpec). Built once by the Factory and replaced wholesale on
// config reload; never mutated in place.
type Spec struct {
	Target        protocol.RouteTarget
	LLMSwitchID   string
	WorkflowID    string
	CompatID      string
	ProviderKind  string
	Limits        protocol.Limits
}

// Pipeline executes one target's stage chain: LLMSwitch -> Workflow ->
// Compatibility -> ProviderAdapter -> Compatibility.responseIn ->
// Workflow.responseIn -> LLMSwitch.responseIn, per §4.6.
type Pipeline struct {
	Spec          Spec
	LLMSwitch     Stage
	Workflow      Stage
	Compatibility Stage
	Adapter       providers.Adapter
	Breaker       *gobreaker.CircuitBreaker
	Logger        *zap.Logger
}

func (p *Pipeline) transformRequest(ctx context.Context, req *protocol.ChatRequest) (*protocol.ChatRequest, error) {
	var err error
	if req, err = p.LLMSwitch.TransformRequest(ctx, req); err != nil {
		return nil, err
	}
	if req, err = p.Workflow.TransformRequest(ctx, req); err != nil {
		return nil, err
	}
	if req, err = p.Compatibility.TransformRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (p *Pipeline) transformResponse(ctx context.Context, resp *protocol.ChatResponse) (*protocol.ChatResponse, error) {
	var err error
	if resp, err = p.Compatibility.TransformResponse(ctx, resp); err != nil {
		return nil, err
	}
	if resp, err = p.Workflow.TransformResponse(ctx, resp); err != nil {
		return nil, err
	}
	if resp, err = p.LLMSwitch.TransformResponse(ctx, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Execute runs the non-streaming path. The provider adapter call is
// wrapped by the target's gobreaker instance, which trips faster than
// the health tracker's ban ladder on upstream timeout/5xx bursts.
func (p *Pipeline) Execute(ctx context.Context, req *protocol.ChatRequest, secret string) (*protocol.ChatResponse, error) {
	req, err := p.transformRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	result, err := p.Breaker.Execute(func() (interface{}, error) {
		return p.Adapter.Complete(ctx, req, secret)
	})
	if err != nil {
		return nil, asPipelineError(err, p.Spec.Target.ProviderID)
	}
	return p.transformResponse(ctx, result.(*protocol.ChatResponse))
}

// ExecuteStream runs the streaming path, bridging the provider adapter's
// channel through streamIdleCap enforcement. Exceeding the cap yields a
// StreamTimeout error chunk and stops reading from upstream, matching
// §4.6's "yields PipelineError{kind: stream-timeout} and closes the
// upstream connection".
func (p *Pipeline) ExecuteStream(ctx context.Context, req *protocol.ChatRequest, secret string) (<-chan protocol.StreamChunk, error) {
	req, err := p.transformRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	result, err := p.Breaker.Execute(func() (interface{}, error) {
		return p.Adapter.Stream(streamCtx, req, secret)
	})
	if err != nil {
		cancel()
		return nil, asPipelineError(err, p.Spec.Target.ProviderID)
	}
	upstream := result.(<-chan protocol.StreamChunk)

	idleCap := time.Duration(p.Spec.Limits.StreamIdleCapMs) * time.Millisecond
	if idleCap <= 0 {
		idleCap = 15 * time.Minute
	}

	out := make(chan protocol.StreamChunk)
	go func() {
		defer cancel()
		defer close(out)
		timer := time.NewTimer(idleCap)
		defer timer.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-timer.C:
				select {
				case out <- timeoutChunk(protocol.PhaseIdle):
				case <-streamCtx.Done():
				}
				return
			case chunk, ok := <-upstream:
				if !ok {
					return
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(idleCap)
				select {
				case out <- chunk:
				case <-streamCtx.Done():
					return
				}
				if chunk.Done {
					return
				}
			}
		}
	}()
	return out, nil
}

func timeoutChunk(phase protocol.StreamTimeoutPhase) protocol.StreamChunk {
	return protocol.StreamChunk{Done: true, FinishReason: "error:stream-timeout:" + string(phase)}
}

func asPipelineError(err error, provider string) error {
	if perr, ok := err.(*protocol.Error); ok {
		return perr
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &protocol.Error{Kind: protocol.KindUpstreamError, Message: "circuit open for " + provider, Provider: provider, Retryable: true}
	}
	return &protocol.Error{Kind: protocol.KindInternalError, Message: err.Error(), Provider: provider}
}
