package platform

import (
	"context"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/harunnryd/assistly/internal/config"
	apperrors "github.com/harunnryd/assistly/internal/errors"
)

type TelegramClient struct {
	token     string
	channelID string

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func NewTelegramClient(cfg config.TelegramConfig) *TelegramClient {
	return &TelegramClient{token: cfg.BotToken, channelID: cfg.ChannelID}
}

func (c *TelegramClient) Name() string { return "telegram" }

// api connects lazily: NewBotAPI calls getMe, and we don't want that at
// startup for a platform the owner may never use.
func (c *TelegramClient) api() (*tgbotapi.BotAPI, error) {
	if err := assertConfigured("TELEGRAM_BOT_TOKEN", c.token); err != nil {
		return nil, err
	}
	if err := assertConfigured("TELEGRAM_CHANNEL_ID", c.channelID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot != nil {
		return c.bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(c.token)
	if err != nil {
		return nil, apperrors.Delivery("telegram connect: " + err.Error())
	}
	c.bot = bot
	return bot, nil
}

func (c *TelegramClient) chatConfig() tgbotapi.ChatConfig {
	if strings.HasPrefix(c.channelID, "@") {
		return tgbotapi.ChatConfig{SuperGroupUsername: c.channelID}
	}
	chatID, _ := strconv.ParseInt(c.channelID, 10, 64)
	return tgbotapi.ChatConfig{ChatID: chatID}
}

func (c *TelegramClient) Post(_ context.Context, content string) (*PostResult, error) {
	bot, err := c.api()
	if err != nil {
		return nil, err
	}

	var msg tgbotapi.MessageConfig
	if strings.HasPrefix(c.channelID, "@") {
		msg = tgbotapi.NewMessageToChannel(c.channelID, content)
	} else {
		chatID, err := strconv.ParseInt(c.channelID, 10, 64)
		if err != nil {
			return nil, apperrors.InvalidInput("telegram channel id must be @name or numeric")
		}
		msg = tgbotapi.NewMessage(chatID, content)
	}
	msg.ParseMode = tgbotapi.ModeMarkdown

	sent, err := bot.Send(msg)
	if err != nil {
		return nil, apperrors.Delivery("telegram send: " + err.Error())
	}
	return &PostResult{
		Platform: "telegram",
		ID:       strconv.Itoa(sent.MessageID),
		Chars:    len(content),
	}, nil
}

func (c *TelegramClient) Analytics(_ context.Context, _ string) (map[string]int, error) {
	bot, err := c.api()
	if err != nil {
		return nil, err
	}

	count, err := bot.GetChatMembersCount(tgbotapi.ChatMemberCountConfig{ChatConfig: c.chatConfig()})
	if err != nil {
		return nil, apperrors.Delivery("telegram member count: " + err.Error())
	}
	return map[string]int{"subscribers": count}, nil
}
