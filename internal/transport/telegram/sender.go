// Package telegram delivers owner notifications as Telegram messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"jobclock/internal/notifier"
	logx "jobclock/pkg/logx"
)

var ErrNoChat = errors.New("telegram: no chat for owner")

type Config struct {
	Token string
	// Chats maps owner IDs to chat IDs. Owners that are themselves numeric
	// chat IDs need no entry.
	Chats         map[string]int64
	DefaultChatID int64
	ThreadID      int
	Timeout       time.Duration
}

// bot is the subset of *tele.Bot the sender needs.
type bot interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Sender struct {
	cfg Config
	log logx.Logger
	bot bot
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// Send-only: Offline skips getMe so startup does not depend on the API.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Client:  newHTTPClient(timeout),
	})
	if err != nil {
		return nil, err
	}
	return newSender(cfg, log, b), nil
}

func newSender(cfg Config, log logx.Logger, b bot) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, log: log, bot: b}
}

func (s *Sender) Name() string { return "telegram" }

func (s *Sender) Send(ctx context.Context, ownerID string, n notifier.Notification) error {
	chatID, err := s.chatFor(ownerID)
	if err != nil {
		return err
	}
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(format(n), textLimit, string(tele.ModeHTML)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
			ThreadID:              s.cfg.ThreadID,
		}
		if _, err := s.bot.Send(chat, chunk, opt); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	s.log.Debug("telegram notification sent", logx.String("owner", ownerID), logx.Int64("chat_id", chatID))
	return nil
}

func (s *Sender) chatFor(ownerID string) (int64, error) {
	if id, ok := s.cfg.Chats[ownerID]; ok && id != 0 {
		return id, nil
	}
	if id, err := strconv.ParseInt(ownerID, 10, 64); err == nil && id != 0 {
		return id, nil
	}
	if s.cfg.DefaultChatID != 0 {
		return s.cfg.DefaultChatID, nil
	}
	return 0, fmt.Errorf("%w %q", ErrNoChat, ownerID)
}

func format(n notifier.Notification) string {
	var b strings.Builder
	b.WriteString(icon(n.Type))
	b.WriteString(" <b>")
	b.WriteString(html.EscapeString(n.Title))
	b.WriteString("</b>")
	if n.Message != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(n.Message))
	}
	if n.JobID != "" {
		b.WriteString("\n<code>")
		b.WriteString(html.EscapeString(n.JobID))
		b.WriteString("</code>")
	}
	return b.String()
}

func icon(t notifier.Type) string {
	switch t {
	case notifier.TypeSuccess:
		return "✅"
	case notifier.TypeWarning:
		return "⚠️"
	case notifier.TypeError:
		return "❌"
	default:
		return "ℹ️"
	}
}
