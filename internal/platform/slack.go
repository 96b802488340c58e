package platform

import (
	"context"

	"github.com/slack-go/slack"

	"github.com/harunnryd/assistly/internal/config"
	apperrors "github.com/harunnryd/assistly/internal/errors"
)

type SlackClient struct {
	token     string
	channelID string
	client    *slack.Client
}

func NewSlackClient(cfg config.SlackConfig) *SlackClient {
	return &SlackClient{
		token:     cfg.BotToken,
		channelID: cfg.ChannelID,
		client:    slack.New(cfg.BotToken),
	}
}

func (c *SlackClient) Name() string { return "slack" }

func (c *SlackClient) checkConfigured() error {
	if err := assertConfigured("SLACK_BOT_TOKEN", c.token); err != nil {
		return err
	}
	return assertConfigured("SLACK_CHANNEL_ID", c.channelID)
}

func (c *SlackClient) Post(ctx context.Context, content string) (*PostResult, error) {
	if err := c.checkConfigured(); err != nil {
		return nil, err
	}

	_, timestamp, err := c.client.PostMessageContext(ctx, c.channelID,
		slack.MsgOptionText(content, false))
	if err != nil {
		return nil, apperrors.Delivery("slack post: " + err.Error())
	}
	return &PostResult{Platform: "slack", ID: timestamp, Chars: len(content)}, nil
}

func (c *SlackClient) Analytics(ctx context.Context, _ string) (map[string]int, error) {
	if err := c.checkConfigured(); err != nil {
		return nil, err
	}

	info, err := c.client.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{
		ChannelID:         c.channelID,
		IncludeNumMembers: true,
	})
	if err != nil {
		return nil, apperrors.Delivery("slack channel info: " + err.Error())
	}
	return map[string]int{"members": info.NumMembers}, nil
}
