// Package notify alerts operators over Telegram when terminal syncs start failing and when they
// recover.
package notify

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/fragotesac/frazkteco-devices/internal/guard"
	"github.com/fragotesac/frazkteco-devices/internal/syncer"
)

// Sender is the part of the bot API the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier sends one alert when sync runs start failing and one when they recover. Repeated
// failures in between stay quiet.
type Notifier struct {
	sender Sender
	chatID int64
	device string
	logger *slog.Logger

	mu      sync.Mutex
	failing bool
}

// NewTelegram authorizes the bot token. It returns nil without error when token is empty, which
// disables alerts.
func NewTelegram(token string, chatID int64, device string, logger *slog.Logger) (*Notifier, error) {
	if token == "" {
		return nil, nil
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required when a bot token is set")
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("authorize telegram bot: %w", err)
	}
	bot.Debug = false

	n := New(bot, chatID, device, logger)
	n.logger.Info("telegram alerts enabled", "account", bot.Self.UserName)
	return n, nil
}

// New constructs a notifier around an existing sender.
func New(sender Sender, chatID int64, device string, logger *slog.Logger) *Notifier {
	return &Notifier{
		sender: sender,
		chatID: chatID,
		device: device,
		logger: logger.With("component", "notify"),
	}
}

// Listener adapts the notifier to a sync report listener. Sending happens off the sync path.
func (n *Notifier) Listener() syncer.Listener {
	return func(rep syncer.Report) {
		guard.Go(n.logger, "telegram alert", func() {
			if err := n.Notify(rep); err != nil {
				n.logger.Warn("send telegram alert", "run", rep.RunID, "error", err)
			}
		})
	}
}

// Notify sends an alert if rep changes the failing state.
func (n *Notifier) Notify(rep syncer.Report) error {
	text, ok := n.transition(rep)
	if !ok {
		return nil
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.sender.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	n.logger.Info("telegram alert sent", "run", rep.RunID, "failed", rep.Failed())
	return nil
}

func (n *Notifier) transition(rep syncer.Report) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch {
	case rep.Failed() && !n.failing:
		n.failing = true
		return failureText(n.device, rep), true
	case !rep.Failed() && n.failing:
		n.failing = false
		return recoveryText(n.device, rep), true
	}
	return "", false
}

func failureText(device string, rep syncer.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ Sincronización con %s fallida\n", device)
	fmt.Fprintf(&b, "Tipo: %s\n", rep.Kind)
	fmt.Fprintf(&b, "Hora: %s\n", rep.FinishedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Error: %s\n", rep.Error)
	fmt.Fprintf(&b, "Run: %s", rep.RunID)
	return b.String()
}

func recoveryText(device string, rep syncer.Report) string {
	text := fmt.Sprintf("✅ Sincronización con %s restablecida (%s)", device, rep.FinishedAt.Format("2006-01-02 15:04:05"))
	if rep.Degraded {
		text += "\nMarcaciones omitidas: " + rep.Warning
	}
	return text
}
