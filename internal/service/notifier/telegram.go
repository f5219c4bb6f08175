package notifier

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/ifuryst/xtrack/internal/models"
	"github.com/ifuryst/xtrack/pkg/util"
)

const telegramMaxMessage = 4096

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type TelegramChannel struct {
	bot    botAPI
	logger *zap.Logger
}

// NewTelegramChannel connects to the Bot API. An empty token yields a channel
// that reports ErrChannelNotConfigured on every send.
func NewTelegramChannel(token string, logger *zap.Logger) (*TelegramChannel, error) {
	ch := &TelegramChannel{logger: logger.Named("telegram")}
	if token == "" {
		return ch, nil
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return ch, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	ch.bot = bot
	ch.logger.Info("Telegram bot connected", zap.String("username", bot.Self.UserName))
	return ch, nil
}

func (t *TelegramChannel) Name() models.NotificationChannel {
	return models.ChannelTelegram
}

func (t *TelegramChannel) Configured() bool {
	return t.bot != nil
}

func (t *TelegramChannel) Send(ctx context.Context, destination string, digest Digest) error {
	return t.SendText(ctx, destination, FormatDigest(digest))
}

func (t *TelegramChannel) SendText(ctx context.Context, destination, text string) error {
	if t.bot == nil {
		return ErrChannelNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(destination), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", destination, err)
	}

	msg := tgbotapi.NewMessage(chatID, util.Truncate(text, telegramMaxMessage))
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram sendMessage failed: %w", err)
	}
	return nil
}

// SetWebhook registers url as the bot's update endpoint.
func (t *TelegramChannel) SetWebhook(url string) error {
	if t.bot == nil {
		return ErrChannelNotConfigured
	}
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if _, err := t.bot.Request(wh); err != nil {
		return fmt.Errorf("failed to set webhook: %w", err)
	}
	t.logger.Info("Telegram webhook registered", zap.String("url", url))
	return nil
}
