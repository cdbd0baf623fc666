package schedule

import (
	"context"
	"errors"

	"schedbot/internal/eventbus"
	"schedbot/internal/storage"
	logx "schedbot/pkg/logx"
)

// recoverItems re-arms persisted items. Items overdue by more than LateGrace are
// removed without firing. Malformed records are skipped and left in the store
// so an operator can list and cancel them.
func (s *Service) recoverItems(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport

	recs, err := s.store.LoadAll(ctx)
	if errors.Is(err, storage.ErrCorruptStore) {
		s.log.Warn("store is corrupt; starting with no scheduled items", logx.Err(err))
		return rep, nil
	}
	if err != nil {
		return rep, err
	}

	now := s.clock.Now()
	for _, r := range recs {
		rep.Loaded++

		it, err := fromRecord(r)
		if err != nil {
			rep.Skipped++
			s.log.Warn("skipping malformed record", logx.String("id", r.ID), logx.Err(err))
			continue
		}

		if late := now.Sub(it.FireAt); late > s.cfg.LateGrace {
			if _, err := s.store.RemoveByID(ctx, it.ID); err != nil {
				s.log.Error("failed removing overdue item", logx.String("id", it.ID), logx.Err(err))
			}
			rep.Dropped++
			s.log.Info("dropped overdue item", logx.String("id", it.ID), logx.Duration("late", late))
			s.publish(eventbus.ScheduleDropped, it, nil)
			continue
		}

		if err := s.arm(it); err != nil {
			if errors.Is(err, ErrDuplicateID) {
				// already armed by a Schedule call that raced Start
				rep.Armed++
				continue
			}
			rep.Skipped++
			s.log.Warn("failed arming recovered item", logx.String("id", it.ID), logx.Err(err))
			continue
		}
		rep.Armed++
	}
	return rep, nil
}
