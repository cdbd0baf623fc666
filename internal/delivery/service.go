package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"schedbot/internal/schedule"
	kit "schedbot/internal/transport"
	logx "schedbot/pkg/logx"
)

var ErrEmptyItem = errors.New("delivery: nothing to send")

type Config struct {
	// RatePerSec caps outbound sends. Zero or less means unlimited.
	RatePerSec int
}

// Service implements schedule.Deliverer over a chat Sender.
type Service struct {
	sender kit.Sender
	log    logx.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
}

func New(sender kit.Sender, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log.With(logx.String("comp", "delivery"))}
	s.Apply(cfg)
	return s
}

// Apply swaps the rate limit. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		// burst = rate per sec, so short spikes don't block too hard
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		lim = rate.NewLimiter(rate.Inf, 1)
	}
	s.mu.Lock()
	s.limiter = lim
	s.mu.Unlock()
}

func (s *Service) wait(ctx context.Context) error {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	return lim.Wait(ctx)
}

// Deliver sends the rendered text, then the sticker if the item has one.
func (s *Service) Deliver(ctx context.Context, it schedule.Item) error {
	to, err := ParseDestination(it.Destination)
	if err != nil {
		return err
	}
	text := Render(it)
	sticker := strings.TrimSpace(it.Payload.StickerID)
	if text == "" && sticker == "" {
		return ErrEmptyItem
	}

	if text != "" {
		if err := s.wait(ctx); err != nil {
			return err
		}
		if _, err := s.sender.SendText(ctx, to, text, &kit.SendOptions{}); err != nil {
			return fmt.Errorf("send text: %w", err)
		}
	}
	if sticker != "" {
		if err := s.wait(ctx); err != nil {
			return err
		}
		if _, err := s.sender.SendSticker(ctx, to, sticker); err != nil {
			return fmt.Errorf("send sticker: %w", err)
		}
	}
	s.log.Debug("item sent", logx.String("id", it.ID), logx.Int64("chat_id", to.ChatID), logx.Int("thread_id", to.ThreadID))
	return nil
}

var _ schedule.Deliverer = (*Service)(nil)
