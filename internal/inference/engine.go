package inference

import (
	"context"

	"noded/internal/modelcache"
)

// Engine is the native inference backend spec.md §4.8 treats as a set of
// opaque operations: tokenize, decode batches, apply samplers, detokenize.
// It embeds modelcache.NativeLoader so a Cache can load and evict models
// through the same implementation that runs inference against them.
//
// Generate owns the entire per-token loop (sampler chain, end-of-generation
// check, detokenize, accept, decode-extend) internally and reports pieces
// through onToken as they are produced. This matches the coarse
// Predict()+SetTokenCallback shape of the llama.cpp binding this engine is
// eventually backed by, and lets the CGO-free stub implement the identical
// contract without a token-by-token native loop to drive.
type Engine interface {
	modelcache.NativeLoader

	// Tokenize converts text into native vocabulary tokens. addSpecial
	// controls whether BOS/EOS are added; parseSpecial controls whether
	// control-token text (e.g. "<|im_start|>") is parsed into its token
	// rather than encoded as literal text, per spec.md §4.8 step 4's
	// per-family flags.
	Tokenize(model modelcache.NativeModel, text string, addSpecial, parseSpecial bool) ([]Token, error)

	// Prefill decodes a full token sequence into ctx in batches (spec.md
	// §4.8 step 5's "n_batch=512" chunking), priming the KV cache without
	// producing output.
	Prefill(ctx context.Context, nativeCtx modelcache.NativeContext, tokens []Token, batchSize int) error

	// Generate runs sampling until max tokens, an end-of-generation token,
	// or onToken returns false. It does not itself apply stop-sequence
	// truncation or gpt-oss post-processing — that is host-side Pipeline
	// logic operating on the accumulated text onToken receives.
	Generate(ctx context.Context, nativeCtx modelcache.NativeContext, params Params, onToken func(piece string) bool) error
}
