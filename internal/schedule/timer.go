package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"schedbot/internal/eventbus"
	logx "schedbot/pkg/logx"
)

// storeCleanupTimeout bounds the store removal after a delivery.
const storeCleanupTimeout = 10 * time.Second

// arm registers it and starts its timer. A non-positive delay fires on the
// next tick of the runtime timer.
func (s *Service) arm(it Item) error {
	h := &handle{item: it}
	if err := s.reg.register(it.ID, h); err != nil {
		return err
	}
	delay := max(it.FireAt.Sub(s.clock.Now()), 0)
	if !s.reg.start(h, delay, func() { s.fire(h) }) {
		// cancelled between register and start
		return nil
	}
	s.log.Debug("item armed", logx.String("id", it.ID), logx.String("kind", string(it.Kind)), logx.Duration("delay", delay))
	s.publish(eventbus.ScheduleArmed, it, nil)
	return nil
}

// fire is the timer callback. It delivers only if it wins the claim, then
// always removes the item from the store and the registry.
func (s *Service) fire(h *handle) {
	it := h.item
	if !s.reg.claim(it.ID, h) {
		return
	}
	defer s.reg.release(it.ID)

	err := s.deliver(it)

	cctx, cancel := context.WithTimeout(context.Background(), storeCleanupTimeout)
	if _, rerr := s.store.RemoveByID(cctx, it.ID); rerr != nil {
		s.log.Error("store removal after delivery failed", logx.String("id", it.ID), logx.Err(rerr))
	}
	cancel()

	if err != nil {
		s.log.Warn("delivery failed", logx.String("id", it.ID), logx.String("kind", string(it.Kind)), logx.Err(err))
		s.publish(eventbus.ScheduleFailed, it, err)
		return
	}
	s.log.Info("item delivered",
		logx.String("id", it.ID),
		logx.String("kind", string(it.Kind)),
		logx.Duration("late", s.clock.Now().Sub(it.FireAt)),
	)
	s.publish(eventbus.ScheduleDelivered, it, nil)
}

// deliver calls the Deliverer with panic recovery and the optional timeout.
// Any failure comes back as *DeliveryError.
func (s *Service) deliver(it Item) (err error) {
	ctx := s.runCtx()
	if s.cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("delivery panicked", logx.String("id", it.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = &DeliveryError{ID: it.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if derr := s.deliverer.Deliver(ctx, it); derr != nil {
		return &DeliveryError{ID: it.ID, Err: derr}
	}
	return nil
}

func (s *Service) publish(typ string, it Item, err error) {
	s.bus.Publish(eventbus.Event{
		Type: typ,
		Time: s.clock.Now(),
		Data: eventbus.ItemEvent{ID: it.ID, Kind: string(it.Kind), FireAt: it.FireAt, Err: err},
	})
}
