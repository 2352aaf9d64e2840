package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/routecodex/routecodex/internal/protocol"
)

type fakeAdapter struct {
	completeResp *protocol.ChatResponse
	completeErr  error
	streamChunks []protocol.StreamChunk
	streamDelay  time.Duration
}

func (f *fakeAdapter) Name() string { return "fake" }
func (f *fakeAdapter) Complete(ctx context.Context, req *protocol.ChatRequest, secret string) (*protocol.ChatResponse, error) {
	return f.completeResp, f.completeErr
}
func (f *fakeAdapter) Stream(ctx context.Context, req *protocol.ChatRequest, secret string) (<-chan protocol.StreamChunk, error) {
	ch := make(chan protocol.StreamChunk)
	go func() {
		defer close(ch)
		for i, c := range f.streamChunks {
			if i > 0 {
				time.Sleep(f.streamDelay)
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func newTestPipeline(adapter *fakeAdapter, idleCapMs int) *Pipeline {
	return &Pipeline{
		Spec:          Spec{Target: protocol.RouteTarget{ProviderID: "p", ModelID: "m", KeyAlias: "key1"}, Limits: protocol.Limits{StreamIdleCapMs: idleCapMs}},
		LLMSwitch:     BuildStage("openai-passthrough", nil),
		Workflow:      BuildStage("streaming-control", nil),
		Compatibility: BuildStage("field-mapping", nil),
		Adapter:       adapter,
		Breaker:       gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "test"}),
	}
}

func TestPipeline_Execute(t *testing.T) {
	adapter := &fakeAdapter{completeResp: &protocol.ChatResponse{ID: "1", Choices: []protocol.ChatChoice{{Message: protocol.Message{Content: "hi"}}}}}
	p := newTestPipeline(adapter, 0)

	resp, err := p.Execute(context.Background(), &protocol.ChatRequest{Model: "m"}, "secret")
	require.NoError(t, err)
	require.Equal(t, "hi", resp.Choices[0].Message.Content)
}

func TestPipeline_ExecuteStream_DeliversChunksInOrder(t *testing.T) {
	adapter := &fakeAdapter{streamChunks: []protocol.StreamChunk{
		{Delta: protocol.Message{Content: "a"}},
		{Delta: protocol.Message{Content: "b"}},
		{Done: true},
	}}
	p := newTestPipeline(adapter, 60_000)

	ch, err := p.ExecuteStream(context.Background(), &protocol.ChatRequest{Model: "m", Stream: true}, "secret")
	require.NoError(t, err)

	var got []protocol.StreamChunk
	for c := range ch {
		got = append(got, c)
	}
	require.Len(t, got, 3)
	require.Equal(t, "a", got[0].Delta.Content)
	require.Equal(t, "b", got[1].Delta.Content)
	require.True(t, got[2].Done)
}

func TestPipeline_ExecuteStream_IdleTimeout(t *testing.T) {
	adapter := &fakeAdapter{
		streamChunks: []protocol.StreamChunk{{Delta: protocol.Message{Content: "a"}}, {Delta: protocol.Message{Content: "too-late"}}},
		streamDelay:  100 * time.Millisecond,
	}
	p := newTestPipeline(adapter, 20) // 20ms idle cap, well under the 100ms gap

	ch, err := p.ExecuteStream(context.Background(), &protocol.ChatRequest{Model: "m", Stream: true}, "secret")
	require.NoError(t, err)

	var got []protocol.StreamChunk
	for c := range ch {
		got = append(got, c)
	}
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].Delta.Content)
	require.True(t, got[1].Done)
	require.Contains(t, got[1].FinishReason, "stream-timeout")
}
