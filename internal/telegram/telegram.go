// Package telegram posts welcome confirmations and alerts to an HR chat and
// serves as the chat sink for the logging service.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"welcomebot/internal/eventbus"
	logx "welcomebot/pkg/logx"
)

const maxMessageLen = 4000

type Config struct {
	Token     string
	ChatID    int64
	ThreadID  int
	SendPhoto bool
	BaseURL   string // default https://api.telegram.org
	Timeout   time.Duration
}

type Notifier struct {
	cfg  Config
	bot  *tele.Bot
	chat *tele.Chat
	log  logx.Logger
}

// New builds an offline bot (no getMe call) that only sends.
func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(cfg.BaseURL, "/"),
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Notifier{cfg: cfg, bot: b, chat: &tele.Chat{ID: cfg.ChatID}, log: log}, nil
}

func (n *Notifier) options() *tele.SendOptions {
	return &tele.SendOptions{ThreadID: n.cfg.ThreadID, DisableWebPagePreview: true}
}

// SendText posts a plain message. It satisfies logx.Sender.
func (n *Notifier) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := n.bot.Send(n.chat, truncate(text, maxMessageLen), n.options())
	return err
}

// SendPhoto uploads the image at path with a caption.
func (n *Notifier) SendPhoto(ctx context.Context, path, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	photo := &tele.Photo{File: tele.FromDisk(path), Caption: truncate(caption, 1000)}
	_, err := n.bot.Send(n.chat, photo, n.options())
	return err
}

// Handle posts the operator message for a welcome event. Other events are ignored.
func (n *Notifier) Handle(ctx context.Context, e eventbus.Event) error {
	h, ok := e.Data.(eventbus.Hire)
	if !ok {
		return nil
	}
	switch e.Type {
	case eventbus.WelcomeSent:
		caption := fmt.Sprintf("Welcome sent to %s <%s>", h.Name, h.Recipient)
		if n.cfg.SendPhoto && h.Artifact != "" {
			err := n.SendPhoto(ctx, h.Artifact, caption)
			if err == nil {
				return nil
			}
			n.log.Warn("telegram photo failed; falling back to text", logx.Err(err))
		}
		return n.SendText(ctx, caption)
	case eventbus.WelcomeFailed:
		return n.SendText(ctx, fmt.Sprintf("Welcome for %s <%s> failed at %s: %s", h.Name, h.Recipient, h.Stage, h.Error))
	}
	return nil
}

// Run forwards welcome events until ctx is done.
func (n *Notifier) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(32, eventbus.WelcomeSent, eventbus.WelcomeFailed)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := n.Handle(ctx, e); err != nil {
				n.log.Warn("telegram notify failed", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

func truncate(s string, maxN int) string {
	r := []rune(s)
	if len(r) <= maxN {
		return s
	}
	return string(r[:maxN-1]) + "…"
}
