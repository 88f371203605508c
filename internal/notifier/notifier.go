// Package notifier forwards operational events to a Telegram chat so the
// fleet operator hears about logged-out sessions and finished campaigns
// without tailing logs.
//
// Delivery is best effort: the notifier subscribes to the event bus, so a
// burst beyond its buffer drops events rather than slowing the core.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"wafleet/internal/broadcast"
	"wafleet/internal/eventbus"
	"wafleet/internal/session"
	logx "wafleet/pkg/logx"
)

type Config struct {
	Token      string
	ChatID     int64
	RatePerSec int
}

type Service struct {
	bot  *tele.Bot
	chat *tele.Chat
	lim  *rate.Limiter
	bus  eventbus.Bus
	log  logx.Logger
}

// New builds the service. An empty token is a configuration error; callers
// skip construction entirely when the notifier section is absent.
func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notifier token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("notifier chat_id is empty")
	}
	// No poller: this bot only sends.
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("notifier bot init: %w", err)
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 1
	}
	return &Service{
		bot:  bot,
		chat: &tele.Chat{ID: cfg.ChatID},
		lim:  rate.NewLimiter(rate.Limit(perSec), perSec),
		bus:  bus,
		log:  log,
	}, nil
}

// Run consumes bus events until the context ends.
func (s *Service) Run(ctx context.Context) {
	ch, unsub := s.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			text := render(ev)
			if text == "" {
				continue
			}
			if err := s.lim.Wait(ctx); err != nil {
				return
			}
			if err := s.send(ctx, text); err != nil {
				s.log.Warn("notify send failed", logx.String("event", ev.Type), logx.Err(err))
			}
		}
	}
}

func (s *Service) send(ctx context.Context, text string) error {
	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(s.chat, text)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// render maps a bus event to a human line; empty string means not ours.
func render(ev eventbus.Event) string {
	switch ev.Type {
	case session.EventLoggedOut:
		if d, ok := ev.Data.(session.BusEvent); ok {
			return fmt.Sprintf("⚠️ session logged out: %s/%s (re-link required)", d.Tenant, d.Account)
		}
	case session.EventFailed:
		if d, ok := ev.Data.(session.BusEvent); ok {
			return fmt.Sprintf("🛑 reconnect attempts exhausted: %s/%s", d.Tenant, d.Account)
		}
	case broadcast.EventFinished:
		if d, ok := ev.Data.(broadcast.BusEvent); ok {
			verb := "finished"
			if d.Stopped {
				verb = "stopped"
			}
			return fmt.Sprintf("📣 campaign %s: %s/%s (sent=%d failed=%d)", verb, d.Tenant, d.Account, d.Sent, d.Failed)
		}
	}
	return ""
}
