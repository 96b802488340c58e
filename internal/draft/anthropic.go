package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harunnryd/assistly/internal/config"
	apperrors "github.com/harunnryd/assistly/internal/errors"
)

const systemPrompt = `You are a social-media content writer. Given a topic, produce three platform-tailored drafts.

Return ONLY valid JSON (no markdown fences, no commentary) with this exact shape:
{
  "twitter": "...",
  "telegram": "...",
  "linkedin": "..."
}

Rules per platform:
- twitter: max 280 chars, punchy hook, 1-2 relevant hashtags
- telegram: max 4096 chars, bold headline, context, practical takeaways
- linkedin: max 3000 chars, professional tone, framework or insight, 2-3 hashtags`

// Generator produces drafts with the Anthropic API. Callers fall back to
// Templates when no key is configured or generation fails.
type Generator struct {
	client    anthropic.Client
	model     string
	maxTokens int
	timeout   time.Duration
}

func NewGenerator(cfg config.DraftConfig) (*Generator, error) {
	timeout, err := config.DurationOrDefault(cfg.Timeout, config.DefaultDraftTimeout)
	if err != nil {
		return nil, fmt.Errorf("draft timeout: %w", err)
	}
	return &Generator{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   timeout,
	}, nil
}

func (g *Generator) Generate(ctx context.Context, topic string) (Set, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: int64(g.maxTokens),
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("Topic: " + topic)),
		},
	})
	if err != nil {
		return nil, apperrors.Delivery("draft generation: " + err.Error())
	}

	var raw string
	for _, block := range msg.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			raw += b.Text
		}
	}
	if raw == "" {
		return nil, apperrors.Delivery("empty response from AI API")
	}

	var parsed map[string]string
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &parsed); err != nil {
		return nil, apperrors.Delivery("AI returned invalid JSON")
	}

	drafts := make(Set, len(PlatformLimits))
	for platform, limit := range PlatformLimits {
		text := parsed[platform]
		if text == "" {
			return nil, apperrors.Delivery("AI response missing " + platform + " draft")
		}
		chars := len(text)
		if chars > limit {
			chars = limit
		}
		drafts[platform] = Draft{Text: truncate(text, limit), Chars: chars}
	}
	return drafts, nil
}
