package services

import (
	"strings"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
)

const titlePrompt = "Generate a title of at most six words for a conversation that starts with the " +
	"following message. Reply with the title only, without quotes or punctuation at the end."

// LLMParameters are the optional sampling parameters shared by the providers. Nil fields are left to
// the provider's default.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature" toml:"temperature"`
	TopP        *float32 `yaml:"topP" toml:"topP"`
	Stop        []string `yaml:"stop" toml:"stop"`
	Seed        *int     `yaml:"seed" toml:"seed"`
}

type llmMessage struct {
	Role    string
	Content string
}

// llmMessages flattens the chat history for a provider: the system prompt first, then every finished
// non-empty message in order.
func llmMessages(systemPrompt string, messages []models.Message) []llmMessage {
	msgs := make([]llmMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		msgs = append(msgs, llmMessage{Role: string(models.RoleSystem), Content: systemPrompt})
	}
	for _, msg := range messages {
		if msg.IsLoading() || msg.Content == "" {
			continue
		}
		msgs = append(msgs, llmMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return msgs
}

func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, "\"'`")
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	return strings.TrimSpace(title)
}
