//go:build llama

package inference

import (
	"context"
	"os"
	"strings"

	llama "github.com/go-skynet/go-llama.cpp"

	"noded/internal/modelcache"
)

// llamaModel wraps the loaded *llama.LLama handle.
type llamaModel struct {
	model *llama.LLama
	path  string
}

// llamaContext is a borrowed view of a llamaModel plus the accumulated
// prompt tokens. go-llama.cpp has no separate tokenize/prefill/sample
// steps of its own — Predict() does all of it in one blocking call — so
// Prefill here only accumulates tokens for Generate to detokenize back
// into the text Predict() actually wants.
type llamaContext struct {
	model   *llama.LLama
	threads int
	tokens  []Token
}

// LlamaEngine is the //go:build llama Engine backed by go-skynet/go-llama.cpp.
type LlamaEngine struct {
	ctxSize int
	threads int
}

// NewLlamaEngine returns the llama-backed Engine. ctxSize and threads are
// applied to every model this engine loads.
func NewLlamaEngine(ctxSize, threads int) *LlamaEngine {
	return &LlamaEngine{ctxSize: ctxSize, threads: threads}
}

func (e *LlamaEngine) LoadModel(path string, gpuLayers int) (modelcache.NativeModel, uint64, error) {
	opts := []llama.ModelOption{
		llama.SetContext(e.ctxSize),
	}
	if gpuLayers > 0 {
		opts = append(opts, llama.SetGPULayers(gpuLayers))
	}
	m, err := llama.New(path, opts...)
	if err != nil {
		return nil, 0, err
	}
	size, _ := fileSizeHint(path)
	return &llamaModel{model: m, path: path}, size, nil
}

func (e *LlamaEngine) CreateContext(model modelcache.NativeModel, nCtx, nBatch int) (modelcache.NativeContext, error) {
	lm, ok := model.(*llamaModel)
	if !ok {
		return nil, errBadContext
	}
	return &llamaContext{model: lm.model, threads: e.threads}, nil
}

func (e *LlamaEngine) ReleaseContext(ctx modelcache.NativeContext) {}

func (e *LlamaEngine) ReleaseModel(model modelcache.NativeModel) {
	if lm, ok := model.(*llamaModel); ok && lm.model != nil {
		lm.model.Free()
	}
}

// Tokenize delegates to go-llama.cpp's tokenizer. parseSpecial is not
// separately controllable through the binding's public API and is
// accepted only for interface parity with the stub engine.
func (e *LlamaEngine) Tokenize(model modelcache.NativeModel, text string, addSpecial, parseSpecial bool) ([]Token, error) {
	lm, ok := model.(*llamaModel)
	if !ok {
		return nil, errBadContext
	}
	ids, err := lm.model.TokenizeString(text, addSpecial)
	if err != nil {
		return nil, err
	}
	out := make([]Token, len(ids))
	for i, id := range ids {
		out[i] = Token(id)
	}
	return out, nil
}

// Prefill only accumulates tokens; the actual KV-cache fill happens inside
// Predict() when Generate runs.
func (e *LlamaEngine) Prefill(ctx context.Context, nativeCtx modelcache.NativeContext, tokens []Token, batchSize int) error {
	lc, ok := nativeCtx.(*llamaContext)
	if !ok {
		return errBadContext
	}
	lc.tokens = append(lc.tokens, tokens...)
	return nil
}

// Generate reconstructs the prompt text from the accumulated tokens and
// runs it through go-llama.cpp's Predict, bridging its SetTokenCallback
// to onToken.
func (e *LlamaEngine) Generate(ctx context.Context, nativeCtx modelcache.NativeContext, params Params, onToken func(piece string) bool) error {
	lc, ok := nativeCtx.(*llamaContext)
	if !ok {
		return errBadContext
	}
	prompt := e.detokenize(lc)

	lc.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		return onToken(tok)
	})

	opts := []llama.PredictOption{
		llama.SetTokens(maxInt(1, params.MaxTokens)),
		llama.SetThreads(maxInt(1, lc.threads)),
		llama.SetTopP(float32(orDefault(params.TopP, 1.0))),
		llama.SetTopK(intOrDefault(params.TopK, 40)),
		llama.SetTemperature(float32(orDefault(params.Temperature, 0.8))),
		llama.SetPenalty(float32(orDefault(params.RepeatPenalty, 1.1))),
	}
	if params.Seed != 0 {
		opts = append(opts, llama.SetSeed(int(params.Seed)))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llama.SetStopWords(params.Stop...))
	}

	_, err := lc.model.Predict(prompt, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (e *LlamaEngine) detokenize(lc *llamaContext) string {
	var b strings.Builder
	for _, t := range lc.tokens {
		b.WriteString(lc.model.TokenToStr(int(t)))
	}
	return b.String()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func orDefault(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}

func intOrDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func fileSizeHint(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()), nil
}
