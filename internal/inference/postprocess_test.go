package inference

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostprocessGPTOSSExtractsFinalChannel(t *testing.T) {
	raw := "<|channel|>analysis<|message|>thinking...<|end|>" +
		"<|start|>assistant<|channel|>final<|message|>The answer is 4.<|end|>"
	require.Equal(t, "The answer is 4.", PostprocessGPTOSS(raw))
}

func TestPostprocessGPTOSSStripsToCall(t *testing.T) {
	raw := "to=browser.search analysis of the result"
	got := PostprocessGPTOSS(raw)
	require.NotContains(t, got, "to=")
}

func TestPostprocessGPTOSSStripsChannelPrefixLiteral(t *testing.T) {
	require.Equal(t, "The answer is 4.", PostprocessGPTOSS("final:The answer is 4."))
	require.Equal(t, "The answer is 4.", PostprocessGPTOSS("assistantfinal:The answer is 4."))
}

func TestPostprocessGPTOSSTrimsWhitespace(t *testing.T) {
	require.Equal(t, "hi", PostprocessGPTOSS("  hi  \n"))
}
