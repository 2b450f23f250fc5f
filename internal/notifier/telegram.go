package notifier

import (
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"binance-multigrid-bot/internal/logger"
	"binance-multigrid-bot/internal/models"
)

// Telegram sends engine notifications to a Telegram chat. Each message
// type is rate-limited independently so a burst of fills cannot drown
// out a risk alert. A nil *Telegram is a valid no-op notifier.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64

	mu       sync.Mutex
	lastSent map[string]time.Time
	minGap   time.Duration
}

// NewTelegram connects the bot API. Returns an error when the token is
// rejected; callers typically log it and continue without notifications.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notifier: telegram auth failed: %w", err)
	}
	return &Telegram{
		bot:      bot,
		chatID:   chatID,
		lastSent: make(map[string]time.Time),
		minGap:   60 * time.Second,
	}, nil
}

// send delivers a message unless the same kind was sent within the
// rate-limit window. Risk alerts bypass the limit.
func (n *Telegram) send(kind, text string, urgent bool) {
	if n == nil {
		return
	}
	if !urgent && !n.allow(kind) {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		logger.S().Warnf("telegram send failed: %v", err)
	}
}

func (n *Telegram) allow(kind string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.lastSent[kind]; ok && time.Since(last) < n.minGap {
		return false
	}
	n.lastSent[kind] = time.Now()
	return true
}

// NotifyTrade reports a fill.
func (n *Telegram) NotifyTrade(trade *models.Trade) {
	text := fmt.Sprintf("✅ %s %s %s @ %s [%s]\nprofit: %s USDT",
		trade.Symbol, trade.Side, trade.Quantity, trade.Price, trade.Band,
		trade.Profit.StringFixed(4))
	n.send("trade", text, false)
}

// NotifyRisk reports a risk limit breach. Never rate-limited.
func (n *Telegram) NotifyRisk(message string) {
	n.send("risk", "🚨 "+message, true)
}

// NotifyEngine reports engine lifecycle transitions.
func (n *Telegram) NotifyEngine(message string) {
	n.send("engine", "ℹ️ "+message, false)
}
