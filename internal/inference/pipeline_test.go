package inference

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestStubPipelineEchoesLastUserMessage reproduces spec.md §8 scenario 1:
// in stub mode, a chat completion echoes the last user message.
func TestStubPipelineEchoesLastUserMessage(t *testing.T) {
	engine := NewStubEngine()
	pipeline := NewPipeline(engine)

	nativeCtx, err := engine.CreateContext(nil, 4096, 512)
	require.NoError(t, err)

	messages := []Message{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "How are you?"},
	}

	out, err := pipeline.ChatCompletion(context.Background(), nil, nativeCtx, nil, messages, Params{MaxTokens: 100})
	require.NoError(t, err)
	require.Equal(t, "How are you?", out)
}

func TestStubPipelineStreamsPieces(t *testing.T) {
	engine := NewStubEngine()
	pipeline := NewPipeline(engine)
	nativeCtx, err := engine.CreateContext(nil, 4096, 512)
	require.NoError(t, err)

	var got string
	err = pipeline.ChatCompletionStream(context.Background(), nil, nativeCtx, nil,
		[]Message{{Role: "user", Content: "hi"}}, Params{MaxTokens: 100},
		func(piece string) bool {
			got += piece
			return true
		})
	require.NoError(t, err)
	require.Equal(t, "hi", got)
}

func TestStubPipelineRespectsMaxTokens(t *testing.T) {
	engine := NewStubEngine()
	pipeline := NewPipeline(engine)
	nativeCtx, err := engine.CreateContext(nil, 4096, 512)
	require.NoError(t, err)

	out, err := pipeline.ChatCompletion(context.Background(), nil, nativeCtx, nil,
		[]Message{{Role: "user", Content: "How are you?"}}, Params{MaxTokens: 3})
	require.NoError(t, err)
	require.Equal(t, "How", out)
}

func TestStubPipelineStopSequenceTruncatesOutput(t *testing.T) {
	engine := NewStubEngine()
	pipeline := NewPipeline(engine)
	nativeCtx, err := engine.CreateContext(nil, 4096, 512)
	require.NoError(t, err)

	out, err := pipeline.ChatCompletion(context.Background(), nil, nativeCtx, nil,
		[]Message{{Role: "user", Content: "stop</s>after"}}, Params{MaxTokens: 100})
	require.NoError(t, err)
	require.Equal(t, "stop", out)
}

func TestCustomStopSequenceAddsToFixedList(t *testing.T) {
	engine := NewStubEngine()
	pipeline := NewPipeline(engine)
	nativeCtx, err := engine.CreateContext(nil, 4096, 512)
	require.NoError(t, err)

	out, err := pipeline.ChatCompletion(context.Background(), nil, nativeCtx, nil,
		[]Message{{Role: "user", Content: "stopXXXafter"}}, Params{MaxTokens: 100, Stop: []string{"XXX"}})
	require.NoError(t, err)
	require.Equal(t, "stop", out)
}

func TestFixedStopSequenceStillFiresWithCustomStopSet(t *testing.T) {
	engine := NewStubEngine()
	pipeline := NewPipeline(engine)
	nativeCtx, err := engine.CreateContext(nil, 4096, 512)
	require.NoError(t, err)

	out, err := pipeline.ChatCompletion(context.Background(), nil, nativeCtx, nil,
		[]Message{{Role: "user", Content: "stop</s>after"}}, Params{MaxTokens: 100, Stop: []string{"XXX"}})
	require.NoError(t, err)
	require.Equal(t, "stop", out)
}

func TestGPTOSSPipelinePostprocessesBufferedOutput(t *testing.T) {
	engine := NewStubEngine()
	pipeline := NewPipeline(engine)
	nativeCtx, err := engine.CreateContext(nil, 4096, 512)
	require.NoError(t, err)

	meta := map[string]any{"architecture": "gptoss-20b"}
	out, err := pipeline.ChatCompletion(context.Background(), nil, nativeCtx, meta,
		[]Message{{Role: "user", Content: "hi"}}, Params{MaxTokens: 100})
	require.NoError(t, err)
	require.Equal(t, "hi", out)
}
