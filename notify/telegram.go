package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM NOTIFIER - Operator alerts
// ═══════════════════════════════════════════════════════════════════════════════
//
// Fire-and-forget: a failed or missing notifier never blocks trading.
// Formatting beyond these few templates lives with the chat bot, which
// is a separate collaborator.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Notifier is what the core needs from an alert channel.
type Notifier interface {
	NotifyHibernation(reason string)
	NotifyWake()
	NotifyReconciliation(discrepancies int, actions string)
	NotifyClose(symbol, reason string, pnl decimal.Decimal)
}

// Telegram sends alerts to a single chat. A nil *Telegram is a valid
// no-op notifier.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram connects the bot API. Returns an error when the token is
// rejected; callers may treat that as "run without alerts".
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, fmt.Errorf("telegram token and chat id required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	log.Info().Str("bot", api.Self.UserName).Msg("🔔 Telegram notifier ready")
	return &Telegram{api: api, chatID: chatID}, nil
}

func (t *Telegram) send(text string) {
	if t == nil {
		return
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Failed to send telegram alert")
	}
}

// NotifyHibernation alerts the operator that trading halted.
func (t *Telegram) NotifyHibernation(reason string) {
	t.send(fmt.Sprintf("🚨 *HIBERNATION*\nTrading halted: %s", reason))
}

// NotifyWake alerts the operator that trading resumed.
func (t *Telegram) NotifyWake() {
	t.send("☀️ *Trading resumed* after hibernation cooldown")
}

// NotifyReconciliation reports a pass that had to fix something.
func (t *Telegram) NotifyReconciliation(discrepancies int, actions string) {
	if discrepancies == 0 {
		return
	}
	t.send(fmt.Sprintf("🔄 *Reconciliation* fixed %d discrepancies:\n%s", discrepancies, actions))
}

// NotifyClose reports a closed position.
func (t *Telegram) NotifyClose(symbol, reason string, pnl decimal.Decimal) {
	emoji := "📈"
	if pnl.IsNegative() {
		emoji = "📉"
	}
	t.send(fmt.Sprintf("%s *%s* closed (%s): %s", emoji, symbol, reason, pnl.StringFixed(2)))
}
