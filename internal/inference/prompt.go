package inference

import (
	"strings"

	"github.com/bufala/bufala-llm/pkg/api"
)

// BuildPrompt renders chat turns into the template the model family was
// trained on and returns the matching stop sequences.
func BuildPrompt(model string, messages []api.ChatMessage) (string, []string) {
	name := strings.ToLower(model)
	switch {
	case strings.Contains(name, "gemma"):
		return buildGemmaPrompt(messages), []string{"<end_of_turn>"}
	case strings.Contains(name, "llama-3") || strings.Contains(name, "llama3"):
		return buildLlama3Prompt(messages), []string{"<|eot_id|>", "<|end_of_text|>"}
	default:
		return buildChatMLPrompt(messages), []string{"<|im_end|>"}
	}
}

// Gemma has no system role; the system text leads the first user turn.
func buildGemmaPrompt(messages []api.ChatMessage) string {
	var builder strings.Builder
	var system string
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = strings.TrimSpace(msg.Content)
		case "user":
			builder.WriteString("<start_of_turn>user\n")
			if system != "" {
				builder.WriteString(system)
				builder.WriteString("\n\n")
				system = ""
			}
			builder.WriteString(strings.TrimSpace(msg.Content))
			builder.WriteString("<end_of_turn>\n")
		case "assistant":
			builder.WriteString("<start_of_turn>model\n")
			builder.WriteString(strings.TrimSpace(msg.Content))
			builder.WriteString("<end_of_turn>\n")
		}
	}
	builder.WriteString("<start_of_turn>model\n")
	return builder.String()
}

func buildLlama3Prompt(messages []api.ChatMessage) string {
	var builder strings.Builder

	builder.WriteString("<|begin_of_text|>")
	for _, msg := range messages {
		builder.WriteString("<|start_header_id|>" + msg.Role + "<|end_header_id|>\n\n")
		builder.WriteString(strings.TrimSpace(msg.Content))
		builder.WriteString("<|eot_id|>")
	}
	builder.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	return builder.String()
}

func buildChatMLPrompt(messages []api.ChatMessage) string {
	var builder strings.Builder

	for _, msg := range messages {
		switch msg.Role {
		case "system", "user", "assistant":
			builder.WriteString("<|im_start|>" + msg.Role + "\n")
			builder.WriteString(msg.Content)
			builder.WriteString("<|im_end|>\n")
		}
	}
	builder.WriteString("<|im_start|>assistant\n")
	return builder.String()
}
