package inference

import (
	"regexp"
	"strings"
)

// gptOSSControlTokens are stripped verbatim from gpt-oss output before the
// channel-prefix and "to=" cleanup runs.
var gptOSSControlTokens = []string{
	gptOSSStart, gptOSSEnd, gptOSSMessage, gptOSSChannel,
	"<|constrain|>", "<|return|>",
}

// gptOSSChannelPrefixes are literal leading tokens the model sometimes
// emits instead of (or around) the structured <|channel|> markers.
var gptOSSChannelPrefixes = []string{"analysis:", "final:", "assistantfinal:", "commentary:"}

var toCallPattern = regexp.MustCompile(`\bto=\S+`)

// PostprocessGPTOSS applies spec.md §4.8 step 7's gpt-oss cleanup: extract
// the final channel's content if present, strip control tokens and "to="
// routing directives, drop leading channel-prefix literals, and trim.
func PostprocessGPTOSS(text string) string {
	if seg, ok := extractFinalChannel(text); ok {
		text = seg
	}

	for _, tok := range gptOSSControlTokens {
		text = strings.ReplaceAll(text, tok, "")
	}
	text = toCallPattern.ReplaceAllString(text, "")

	for _, prefix := range gptOSSChannelPrefixes {
		if idx := strings.Index(text, prefix); idx >= 0 && strings.TrimSpace(text[:idx]) == "" {
			text = text[idx+len(prefix):]
		}
	}

	return strings.TrimSpace(text)
}

// extractFinalChannel returns the segment between the last
// "<|channel|>final<|message|>" and the next "<|end|>" after it, if both
// are present.
func extractFinalChannel(text string) (string, bool) {
	marker := gptOSSChannel + "final" + gptOSSMessage
	idx := strings.LastIndex(text, marker)
	if idx < 0 {
		return "", false
	}
	rest := text[idx+len(marker):]
	if end := strings.Index(rest, gptOSSEnd); end >= 0 {
		return rest[:end], true
	}
	return rest, true
}
