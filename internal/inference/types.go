// Package inference implements the chat/completion pipeline of spec.md
// §4.8: chat-template dispatch, tokenization, chunked prefill, a
// sampler-chain generation loop with stop-sequence truncation, a streaming
// variant, and gpt-oss-specific post-processing. The native backend itself
// (tokenize/decode/sample/detokenize) is an opaque Engine, swapped via the
// llama build tag; everything else here is plain host-side Go.
package inference

// Token is a native vocabulary token id. The stub engine's tokens happen to
// be Unicode code points; the llama engine's are whatever go-llama.cpp
// reports. Pipeline code never interprets a Token's value directly.
type Token int32

// Message is one turn of a chat conversation.
type Message struct {
	Role    string
	Content string
}

// Params are the per-request sampling and generation parameters named in
// spec.md §4.8 step 6 and the OpenAI-compatible surface.
type Params struct {
	MaxTokens     int
	Temperature   float64
	TopP          float64
	TopK          int
	Stop          []string
	Seed          int64
	RepeatPenalty float64
}

// Family is the chat-template dispatch tag of spec.md §9 ("treat as a
// pluggable strategy selected by a small TemplateKind tag"), replacing the
// source's string-sniffing with an explicit, closed enum.
type Family int

const (
	FamilyChatML Family = iota
	FamilyGPTOSS
)
