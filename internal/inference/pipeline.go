package inference

import (
	"context"
	"strings"
	"time"

	"noded/internal/modelcache"
)

// prefillBatchSize is the "n_batch" of spec.md §4.8 step 5.
const prefillBatchSize = 512

// Pipeline drives one chat completion through an Engine: template
// rendering, tokenization, chunked prefill, generation with stop-sequence
// truncation, and gpt-oss post-processing. It holds no per-request state
// and is safe to share across concurrent requests, since all mutable
// state lives in the NativeContext the caller supplies.
type Pipeline struct {
	engine Engine
}

// NewPipeline returns a Pipeline driven by engine.
func NewPipeline(engine Engine) *Pipeline {
	return &Pipeline{engine: engine}
}

// StreamFunc receives successive output pieces during a streaming
// completion. It returns false to cancel generation early. The literal
// sentinel piece "[DONE]" is never passed to StreamFunc; callers see it
// only as the end of the stream (ChatCompletionStream returning nil).
type StreamFunc func(piece string) bool

// ChatCompletion renders messages, runs generation to completion, and
// returns the final assistant text.
func (p *Pipeline) ChatCompletion(ctx context.Context, model modelcache.NativeModel, nativeCtx modelcache.NativeContext, meta map[string]any, messages []Message, params Params) (string, error) {
	var out strings.Builder
	err := p.stream(ctx, model, nativeCtx, meta, messages, params, func(piece string) bool {
		out.WriteString(piece)
		return true
	})
	if err != nil {
		return "", err
	}
	return finalize(DetectFamily(meta), out.String()), nil
}

// ChatCompletionStream is the streaming variant: fn is called with each
// unsent piece of output as soon as stop-sequence detection clears it.
// gpt-oss post-processing only applies to the buffered, non-streaming
// path, since it operates on a fully-formed response; spec.md does not
// define a streaming-safe gpt-oss cleanup, and this pipeline does not
// attempt to invent one.
func (p *Pipeline) ChatCompletionStream(ctx context.Context, model modelcache.NativeModel, nativeCtx modelcache.NativeContext, meta map[string]any, messages []Message, params Params, fn StreamFunc) error {
	return p.stream(ctx, model, nativeCtx, meta, messages, params, fn)
}

func (p *Pipeline) stream(ctx context.Context, model modelcache.NativeModel, nativeCtx modelcache.NativeContext, meta map[string]any, messages []Message, params Params, fn StreamFunc) error {
	if params.Seed == 0 {
		params.Seed = time.Now().UnixNano()
	}

	family := DetectFamily(meta)
	prompt := BuildPrompt(family, messages)

	addSpecial, parseSpecial := tokenizeFlags(family)
	tokens, err := p.engine.Tokenize(model, prompt, addSpecial, parseSpecial)
	if err != nil {
		return err
	}
	if err := p.engine.Prefill(ctx, nativeCtx, tokens, prefillBatchSize); err != nil {
		return err
	}

	// The fixed stop-sequence list is always checked; a caller-supplied
	// Stop list adds to it rather than replacing it.
	stops := append(defaultStopSequences(), params.Stop...)

	maxStopLen := longestStopLen(stops)

	var buf strings.Builder
	sent := 0
	stopped := false
	genErr := p.engine.Generate(ctx, nativeCtx, params, func(piece string) bool {
		buf.WriteString(piece)
		full := buf.String()

		// A stop sequence can straddle the boundary between two pieces, so
		// detection always runs against the full accumulated buffer, not
		// just the newest piece.
		if idx, _, ok := findEarliestStop(full, stops); ok {
			stopped = true
			if idx > sent {
				fn(full[sent:idx])
			}
			return false
		}

		// Hold back a tail as long as the longest stop sequence minus one
		// byte: those trailing bytes might still turn into a match once
		// more pieces arrive, so only the confirmed-safe prefix is sent.
		safe := len(full) - (maxStopLen - 1)
		if safe > sent {
			if !fn(full[sent:safe]) {
				stopped = true
				return false
			}
			sent = safe
		}
		return true
	})
	if genErr != nil {
		return genErr
	}
	if !stopped && len(buf.String()) > sent {
		fn(buf.String()[sent:])
	}
	return nil
}

func longestStopLen(stops []string) int {
	max := 1
	for _, s := range stops {
		if len(s) > max {
			max = len(s)
		}
	}
	return max
}

// tokenizeFlags returns the per-family (add_special, parse_special) pair
// of spec.md §4.8 step 4.
func tokenizeFlags(family Family) (addSpecial, parseSpecial bool) {
	if family == FamilyGPTOSS {
		return false, true
	}
	return true, false
}

// finalize applies family-specific post-processing to the fully buffered
// response text.
func finalize(family Family, text string) string {
	if family == FamilyGPTOSS {
		return PostprocessGPTOSS(text)
	}
	return text
}
