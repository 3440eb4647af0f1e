// Package alert pushes pipeline failure notifications to an operator chat.
// Alerts are best-effort and never block or fail the pipeline.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"deskrelay/pkg/config"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const sendTimeout = 10 * time.Second

// Notifier sends operator alerts to a Telegram chat.
type Notifier struct {
	bot    *telego.Bot
	chatID int64
	log    *slog.Logger
}

// New validates alert config and constructs a notifier. A disabled config
// returns a nil notifier, which is safe to call.
func New(cfg config.TelegramAlertConfig, log *slog.Logger) (*Notifier, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("alerts.telegram.token is required")
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.ChatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("alerts.telegram.chat_id is invalid: %w", err)
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize alert bot: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}

	return &Notifier{
		bot:    bot,
		chatID: chatID,
		log:    log.With("component", "alert"),
	}, nil
}

// Notify delivers one alert asynchronously. Failures are logged and dropped.
func (n *Notifier) Notify(summary string, cause error) {
	if n == nil {
		return
	}

	text := strings.TrimSpace(summary)
	if cause != nil {
		text = fmt.Sprintf("%s\n%v", text, cause)
	}
	if text == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(n.chatID), text)); err != nil {
			n.log.Warn("Failed to deliver operator alert", "error", err)
		}
	}()
}
