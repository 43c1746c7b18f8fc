package provider

import (
	"fmt"
	"strings"
)

// ExtractText normalizes a message content value to a plain string. Content
// arrives either as a string, a list of typed parts, or (after a JSON round
// trip through the checkpoint store) generic maps and slices. Every content
// read site must go through this helper.
func ExtractText(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	case TextPart:
		return c.Text
	case []TextPart:
		var sb strings.Builder
		for _, p := range c {
			sb.WriteString(p.Text)
		}
		return sb.String()
	case []any:
		var sb strings.Builder
		for _, item := range c {
			sb.WriteString(extractPart(item))
		}
		return sb.String()
	case map[string]any:
		return extractPart(c)
	default:
		return fmt.Sprintf("%v", c)
	}
}

func extractPart(item any) string {
	switch p := item.(type) {
	case string:
		return p
	case TextPart:
		return p.Text
	case map[string]any:
		if t, ok := p["type"].(string); ok && t == "text" {
			if text, ok := p["text"].(string); ok {
				return text
			}
		}
		if text, ok := p["text"].(string); ok {
			return text
		}
		return ""
	default:
		return fmt.Sprintf("%v", p)
	}
}
