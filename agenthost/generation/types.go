package generation

import ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"

// Message represents a chat message on the wire
type Message struct {
	Role    string `json:"role"`    // "system", "user", "assistant", "tool"
	Content string `json:"content"` // Message content
}

// chatRequest is the OpenAI-compatible body llama.cpp's server accepts.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	TopP        float32   `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Stream      bool      `json:"stream"`
	CachePrompt bool      `json:"cache_prompt"`
}

type chatResponse struct {
	Choices []struct {
		Message *Message `json:"message,omitempty"`
		Delta   *struct {
			Content string `json:"content"`
		} `json:"delta,omitempty"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *ports.Usage `json:"usage,omitempty"`
}

// messagesFor flattens a PromptInput into the wire message list.
func messagesFor(in ports.PromptInput) []Message {
	out := make([]Message, 0, len(in.Messages)+1)
	if in.System != "" {
		out = append(out, Message{Role: "system", Content: in.System})
	}
	for _, m := range in.Messages {
		out = append(out, Message{Role: m.Role, Content: m.Content})
	}
	return out
}
