package inference

import "strings"

// DetectFamily picks a Family from a model's stored metadata, per spec.md
// §4.8 step 3: architecture name "gptoss", or the template tokens
// "<|start|>"/"<|message|>" appearing in a stored chat_template, select the
// gpt-oss strategy; everything else falls back to ChatML.
func DetectFamily(meta map[string]any) Family {
	if meta == nil {
		return FamilyChatML
	}
	if arch, ok := meta["architecture"].(string); ok && strings.Contains(strings.ToLower(arch), "gptoss") {
		return FamilyGPTOSS
	}
	if tmpl, ok := meta["chat_template"].(string); ok {
		if strings.Contains(tmpl, "<|start|>") || strings.Contains(tmpl, "<|message|>") {
			return FamilyGPTOSS
		}
	}
	return FamilyChatML
}

// Chat-template markers. Shared with the stub engine, which parses its own
// output back out of these exact markers to produce a deterministic echo.
const (
	chatMLStart = "<|im_start|>"
	chatMLEnd   = "<|im_end|>"

	gptOSSStart   = "<|start|>"
	gptOSSEnd     = "<|end|>"
	gptOSSMessage = "<|message|>"
	gptOSSChannel = "<|channel|>"
)

// BuildPrompt renders messages into the exact prompt text the model was
// trained to consume, per spec.md §4.8 step 3.
func BuildPrompt(family Family, messages []Message) string {
	switch family {
	case FamilyGPTOSS:
		return buildGPTOSSPrompt(messages)
	default:
		return buildChatMLPrompt(messages)
	}
}

func buildChatMLPrompt(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(chatMLStart)
		b.WriteString(m.Role)
		b.WriteByte('\n')
		b.WriteString(m.Content)
		b.WriteString(chatMLEnd)
		b.WriteByte('\n')
	}
	b.WriteString(chatMLStart)
	b.WriteString("assistant\n")
	return b.String()
}

// buildGPTOSSPrompt inserts "Reasoning: none" into any system message and
// opens a final channel for the assistant's response, per spec.md §4.8
// step 3.
func buildGPTOSSPrompt(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		content := m.Content
		if m.Role == "system" {
			content = strings.TrimRight(content, "\n") + "\nReasoning: none"
		}
		b.WriteString(gptOSSStart)
		b.WriteString(m.Role)
		b.WriteString(gptOSSMessage)
		b.WriteString(content)
		b.WriteString(gptOSSEnd)
	}
	b.WriteString(gptOSSStart)
	b.WriteString("assistant")
	b.WriteString(gptOSSChannel)
	b.WriteString("final")
	b.WriteString(gptOSSMessage)
	return b.String()
}

// lastUserMessage returns the content of the last message with role
// "user", or false when there is none. The stub engine does not call it:
// it recovers the last user turn from the rendered prompt instead
// (extractLastUserTurn).
func lastUserMessage(messages []Message) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content, true
		}
	}
	return "", false
}
