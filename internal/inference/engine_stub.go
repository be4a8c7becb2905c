//go:build !llama

package inference

import (
	"context"
	"os"
	"strings"

	"noded/internal/modelcache"
)

// stubBOS and stubEOS are sentinel token values the stub tokenizer emits
// when addSpecial is true. They fall outside the Unicode code point range
// so they never collide with a real rune.
const (
	stubBOS Token = -1
	stubEOS Token = -2
)

// stubModel is the stub Engine's NativeModel: just the path it was "loaded"
// from, since there is no real weight data to hold.
type stubModel struct {
	path string
	size uint64
}

// stubContext is the stub Engine's NativeContext. It accumulates every
// token handed to Prefill so Generate can detokenize the full prompt back
// into text and locate the last user turn to echo.
type stubContext struct {
	tokens []Token
}

// StubEngine is the default, CGO-free Engine. Its tokens are Unicode code
// points, which makes tokenize/detokenize an exactly-reversible pair; it
// exploits that to implement Generate by detokenizing whatever prompt was
// prefilled and echoing the last user message back out, one rune at a
// time, satisfying spec.md §8's "stub mode echoes the last user message"
// scenario without any native backend.
type StubEngine struct{}

// NewStubEngine returns the default Engine implementation.
func NewStubEngine() *StubEngine { return &StubEngine{} }

func (s *StubEngine) LoadModel(path string, gpuLayers int) (modelcache.NativeModel, uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	size := uint64(fi.Size())
	return &stubModel{path: path, size: size}, size, nil
}

func (s *StubEngine) CreateContext(model modelcache.NativeModel, nCtx, nBatch int) (modelcache.NativeContext, error) {
	return &stubContext{}, nil
}

func (s *StubEngine) ReleaseContext(ctx modelcache.NativeContext) {}
func (s *StubEngine) ReleaseModel(model modelcache.NativeModel)   {}

// Tokenize treats text as a sequence of Unicode code points, optionally
// bracketed by BOS/EOS sentinels. parseSpecial has no effect on the stub:
// control-token substrings are just runs of ordinary code points to it.
func (s *StubEngine) Tokenize(model modelcache.NativeModel, text string, addSpecial, parseSpecial bool) ([]Token, error) {
	runes := []rune(text)
	out := make([]Token, 0, len(runes)+2)
	if addSpecial {
		out = append(out, stubBOS)
	}
	for _, r := range runes {
		out = append(out, Token(r))
	}
	if addSpecial {
		out = append(out, stubEOS)
	}
	return out, nil
}

func (s *StubEngine) Prefill(ctx context.Context, nativeCtx modelcache.NativeContext, tokens []Token, batchSize int) error {
	sc, ok := nativeCtx.(*stubContext)
	if !ok {
		return errBadContext
	}
	sc.tokens = append(sc.tokens, tokens...)
	return nil
}

// Generate detokenizes the context's accumulated prompt, locates the last
// user turn, and streams it back through onToken one rune at a time.
func (s *StubEngine) Generate(ctx context.Context, nativeCtx modelcache.NativeContext, params Params, onToken func(piece string) bool) error {
	sc, ok := nativeCtx.(*stubContext)
	if !ok {
		return errBadContext
	}
	prompt := detokenizeStub(sc.tokens)
	echo, _ := extractLastUserTurn(prompt)

	runes := []rune(echo)
	if params.MaxTokens > 0 && params.MaxTokens < len(runes) {
		runes = runes[:params.MaxTokens]
	}
	for _, r := range runes {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !onToken(string(r)) {
			return nil
		}
	}
	return nil
}

func detokenizeStub(tokens []Token) string {
	var b strings.Builder
	for _, t := range tokens {
		if t == stubBOS || t == stubEOS {
			continue
		}
		b.WriteRune(rune(t))
	}
	return b.String()
}

// extractLastUserTurn pulls the content of the last user turn out of a
// rendered prompt, trying the ChatML markers and then the gpt-oss markers
// built by BuildPrompt.
func extractLastUserTurn(prompt string) (string, bool) {
	if content, ok := lastBetween(prompt, chatMLStart+"user\n", chatMLEnd); ok {
		return content, true
	}
	if content, ok := lastBetween(prompt, gptOSSStart+"user"+gptOSSMessage, gptOSSEnd); ok {
		return content, true
	}
	return "", false
}

func lastBetween(s, start, end string) (string, bool) {
	idx := strings.LastIndex(s, start)
	if idx < 0 {
		return "", false
	}
	rest := s[idx+len(start):]
	endIdx := strings.Index(rest, end)
	if endIdx < 0 {
		return "", false
	}
	return rest[:endIdx], true
}
