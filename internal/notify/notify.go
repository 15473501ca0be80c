package notify

import (
	"encoding/json"
	"fmt"
	"strings"

	"backline/internal/config"
	"backline/internal/events"
	"backline/internal/logging"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Sender abstracts the telegram client so tests can capture messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier pushes operator alerts to the configured telegram chats when a
// sync job is dead-lettered. Alerting is best-effort; a delivery failure is
// logged and never affects the pipeline.
type Notifier struct {
	sender  Sender
	chatIDs []int64
	logger  zerolog.Logger
}

// NewNotifier connects to telegram. Returns nil when alerting is disabled.
func NewNotifier(cfg config.TelegramConfig, logger *zerolog.Logger) (*Notifier, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	return NewNotifierWithSender(bot, cfg.ChatIDs, logger), nil
}

func NewNotifierWithSender(sender Sender, chatIDs []int64, logger *zerolog.Logger) *Notifier {
	return &Notifier{sender: sender, chatIDs: chatIDs, logger: logging.ForComponent(logger, "notify")}
}

// Register subscribes the notifier to dead-letter events on the bus.
func (n *Notifier) Register(bus *events.Bus) {
	if n == nil {
		return
	}
	bus.Subscribe(events.EventSyncDeadLetter, func(event *events.Event) error {
		var p events.DeadLetterPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return err
		}
		n.alertDeadLetter(p)
		return nil
	})
}

func (n *Notifier) alertDeadLetter(p events.DeadLetterPayload) {
	var b strings.Builder
	b.WriteString("🚨 *Sync job dead-lettered*\n\n")
	b.WriteString(fmt.Sprintf("Job: `%d`\n", p.SyncJobID))
	b.WriteString(fmt.Sprintf("Organization: %d\n", p.OrganizationID))
	b.WriteString(fmt.Sprintf("Entity: %s (%s)\n", p.EntityType, p.Handler))
	b.WriteString(fmt.Sprintf("Retries: %d\n", p.RetryCount))
	b.WriteString(fmt.Sprintf("Last error: %s", p.LastError))

	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, b.String())
		msg.ParseMode = "Markdown"
		if _, err := n.sender.Send(msg); err != nil {
			n.logger.Error().Err(err).Int64("chat_id", chatID).
				Int64("sync_job_id", p.SyncJobID).Msg("failed to send dead-letter alert")
		}
	}
}
