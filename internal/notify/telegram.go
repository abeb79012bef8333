package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"fleetalert/internal/config"
	"fleetalert/internal/permanent"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// TelegramSender posts rendered messages to a Telegram chat.
// Params: bot client, target chat, and deferred init error.
// Returns: optional secondary notification channel sender.
type TelegramSender struct {
	client  *tgbot.Bot
	chatID  any
	initErr error
}

// NewTelegramSender creates Telegram sender from channel config.
// Params: Telegram notifier config.
// Returns: initialized sender; init errors surface on Send.
func NewTelegramSender(cfg config.TelegramConfig) *TelegramSender {
	sender := &TelegramSender{
		chatID: normalizeChatID(cfg.ChatID),
	}

	if strings.TrimSpace(cfg.BotToken) == "" {
		sender.initErr = errors.New("telegram bot token is required")
		return sender
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		sender.initErr = errors.New("telegram chat_id is required")
		return sender
	}

	options := []tgbot.Option{tgbot.WithSkipGetMe()}
	if strings.TrimSpace(cfg.APIBase) != "" {
		options = append(options, tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")))
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		sender.initErr = fmt.Errorf("init telegram bot: %w", err)
		return sender
	}
	sender.client = botClient
	return sender
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *TelegramSender) Channel() string {
	return "telegram"
}

// Send posts one rendered message as HTML-formatted chat text.
// Params: context and rendered message.
// Returns: sent message ID or transport error.
func (s *TelegramSender) Send(ctx context.Context, msg Message) (SendResult, error) {
	if s.initErr != nil {
		// Misconfiguration cannot heal between attempts.
		return SendResult{}, permanent.Mark(s.initErr)
	}
	if s.client == nil {
		return SendResult{}, permanent.Mark(errors.New("telegram client is not initialized"))
	}

	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      renderTelegramText(msg),
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return SendResult{}, errors.New("telegram send returned empty message id")
	}
	return SendResult{MessageID: sent.ID}, nil
}

// renderTelegramText flattens one message into HTML chat text.
// Params: rendered message.
// Returns: title, body, fields, and suggestion joined into one text block.
func renderTelegramText(msg Message) string {
	var builder strings.Builder
	builder.WriteString("<b>" + html.EscapeString(msg.Title) + "</b>")
	if msg.Text != "" {
		builder.WriteString("\n" + html.EscapeString(msg.Text))
	}
	for _, field := range msg.Fields {
		builder.WriteString("\n" + html.EscapeString(field.Title) + ": " + html.EscapeString(field.Value))
	}
	if msg.Suggestion != "" {
		builder.WriteString("\n<i>" + html.EscapeString(msg.Suggestion) + "</i>")
	}
	return builder.String()
}

// normalizeChatID converts numeric chat IDs to int64 and keeps the rest as string.
// Params: configured chat ID value from TOML.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}
