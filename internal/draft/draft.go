package draft

import (
	"fmt"
	"strings"
)

// Character ceilings enforced on every generated draft.
var PlatformLimits = map[string]int{
	"twitter":  280,
	"telegram": 4096,
	"linkedin": 3000,
}

type Draft struct {
	Text  string `json:"text"`
	Chars int    `json:"chars"`
}

type Set map[string]Draft

// Templates produces deterministic platform-shaped drafts. It is the
// fallback when no AI key is configured or the AI call fails.
func Templates(topic string) Set {
	base := strings.TrimSpace(topic)
	if base == "" {
		base = "Untitled idea"
	}

	twitter := fmt.Sprintf("Hook: %s.\n\nShort take with a clear action. #AI #Productivity", base)
	telegram := fmt.Sprintf("**%s**\n\nContext, examples, and practical next steps for your audience.", base)
	linkedin := fmt.Sprintf("%s\n\nMost teams miss this because they optimize for noise over clarity.\n\nHere is a practical framework you can apply this week.\n\n#Leadership #AI #Productivity", base)

	return Set{
		"twitter":  {Text: twitter, Chars: len(twitter)},
		"telegram": {Text: telegram, Chars: len(telegram)},
		"linkedin": {Text: linkedin, Chars: len(linkedin)},
	}
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit-3] + "..."
}

func stripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if idx := strings.IndexByte(text, '\n'); idx >= 0 {
			text = text[idx+1:]
		} else {
			text = strings.TrimPrefix(text, "```json")
			text = strings.TrimPrefix(text, "```")
		}
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
