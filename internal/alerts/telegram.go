package alerts

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/errs"
)

// TelegramAlerter delivers alerts to Telegram chats through the bot
// API. Messages are Markdown with a severity emoji prefix.
type TelegramAlerter struct {
	api     *tgbotapi.BotAPI
	chatIDs []int64
	log     zerolog.Logger
}

// NewTelegramAlerter creates a Telegram-based alerter. Construction
// validates the token against the bot API.
func NewTelegramAlerter(botToken string, chatIDs []int64) (*TelegramAlerter, error) {
	if botToken == "" {
		return nil, errs.Config("telegram bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, errs.Config("telegram bot init failed: %v", err)
	}

	log := config.NewLogger("alerts")
	log.Info().
		Str("bot", api.Self.UserName).
		Int("chats", len(chatIDs)).
		Msg("telegram alerter ready")

	return &TelegramAlerter{
		api:     api,
		chatIDs: chatIDs,
		log:     log,
	}, nil
}

// Send delivers the alert to every configured chat. It fails only when
// no chat could be reached.
func (t *TelegramAlerter) Send(_ context.Context, alert Alert) error {
	if len(t.chatIDs) == 0 {
		t.log.Warn().Msg("no telegram chats configured, alert skipped")
		return nil
	}

	message := t.formatAlert(alert)

	var lastErr error
	delivered := 0
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, message)
		msg.ParseMode = "Markdown"

		if _, err := t.api.Send(msg); err != nil {
			t.log.Error().
				Err(err).
				Int64("chat_id", chatID).
				Str("title", alert.Title).
				Msg("telegram send failed")
			lastErr = err
			continue
		}
		delivered++
	}

	if delivered == 0 && lastErr != nil {
		return errs.Upstream("telegram_delivery", lastErr)
	}
	return nil
}

func (t *TelegramAlerter) formatAlert(alert Alert) string {
	var emoji string
	switch alert.Severity {
	case SeverityCritical:
		emoji = "🚨"
	case SeverityWarning:
		emoji = "⚠️"
	case SeverityInfo:
		emoji = "ℹ️"
	default:
		emoji = "📢"
	}

	message := fmt.Sprintf("%s *%s*\n\n%s", emoji, alert.Title, alert.Message)

	if len(alert.Metadata) > 0 {
		message += "\n\n*Details:*"
		for key, value := range alert.Metadata {
			message += fmt.Sprintf("\n• %s: `%v`", key, value)
		}
	}

	message += fmt.Sprintf("\n\n_Time: %s_", alert.Timestamp.Format("2006-01-02 15:04:05"))
	return message
}
