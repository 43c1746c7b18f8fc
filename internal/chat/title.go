package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallnest/chatgraph/provider"
)

// maxTitleLength caps generated conversation titles, in runes.
const maxTitleLength = 20

// GenerateTitle derives a short conversation title from the first exchange.
// The inputs are truncated so a long first turn does not blow the prompt up.
func GenerateTitle(ctx context.Context, model provider.ChatModel, question, answer string) (string, error) {
	reply, err := model.Invoke(ctx, []provider.Message{
		provider.User(fmt.Sprintf(titlePrompt, truncateRunes(question, 200), truncateRunes(answer, 200))),
	})
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}

	title := strings.TrimSpace(provider.ExtractText(reply.Content))
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	title = strings.Trim(title, "\"'“”‘’「」《》 \t")
	return truncateRunes(title, maxTitleLength), nil
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
