package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"schedbot/internal/eventbus"
	"schedbot/internal/storage"
	logx "schedbot/pkg/logx"
)

// maxIDAttempts bounds id regeneration on collision.
const maxIDAttempts = 8

// Service is the deferred-dispatch scheduler: it persists each request,
// arms a timer for it and hands it to the Deliverer when the timer fires.
type Service struct {
	store     storage.Store
	deliverer Deliverer
	cfg       Config

	clock Clock
	newID IDFunc
	bus   eventbus.Bus
	log   logx.Logger

	reg *registry

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Service)

func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithIDFunc(fn IDFunc) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(s *Service) {
		if b != nil {
			s.bus = b
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(s *Service) { s.log = log }
}

func New(store storage.Store, d Deliverer, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:     store,
		deliverer: d,
		cfg:       cfg,
		clock:     systemClock{},
		newID:     NewID,
		bus:       eventbus.Nop{},
		reg:       newRegistry(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "schedule"))
	return s
}

// Start reloads persisted items and arms the ones still due. A corrupt store
// is logged and treated as empty.
func (s *Service) Start(ctx context.Context) (RecoveryReport, error) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return RecoveryReport{}, errors.New("schedule: already started")
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.reg.open()
	rep, err := s.recoverItems(ctx)
	if err != nil {
		return rep, err
	}
	s.log.Info("scheduler started",
		logx.Int("loaded", rep.Loaded),
		logx.Int("armed", rep.Armed),
		logx.Int("dropped", rep.Dropped),
		logx.Int("skipped", rep.Skipped),
	)
	return rep, nil
}

// Stop disarms pending timers without touching the store and waits for
// in-flight deliveries until ctx is done. Disarmed items are re-armed by the
// next Start.
func (s *Service) Stop(ctx context.Context) error {
	n := s.reg.close()
	err := s.reg.wait(ctx)

	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped", logx.Int("disarmed", n), logx.Bool("clean", err == nil))
	return err
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error { return s.reg.wait(ctx) }

func (s *Service) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Service) validate(req Request, needTime bool) error {
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	if strings.TrimSpace(req.Destination) == "" {
		return ErrNoDestination
	}
	if needTime && (req.FireAt.IsZero() || !req.FireAt.After(s.clock.Now())) {
		return ErrInvalidTime
	}
	return nil
}

// Schedule persists req and arms it. It returns as soon as the item is armed.
func (s *Service) Schedule(ctx context.Context, req Request) (string, error) {
	if err := s.validate(req, true); err != nil {
		return "", err
	}

	it := Item{
		Kind:        req.Kind,
		Destination: req.Destination,
		Payload:     req.Payload,
		FireAt:      req.FireAt,
		CreatedAt:   s.clock.Now(),
		CreatedBy:   req.CreatedBy,
	}

	var err error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		it.ID = s.newID(it.Kind)
		err = s.store.Append(ctx, toRecord(it))
		if !errors.Is(err, ErrDuplicateID) {
			break
		}
		s.log.Debug("id collision; regenerating", logx.String("id", it.ID))
	}
	if err != nil {
		return "", fmt.Errorf("persist: %w", err)
	}

	if err := s.arm(it); err != nil {
		if errors.Is(err, ErrNotRunning) {
			// persisted; the next Start arms it
			s.log.Warn("item persisted while scheduler stopped", logx.String("id", it.ID))
			return it.ID, nil
		}
		if errors.Is(err, ErrDuplicateID) {
			// the id was unique in the store at Append, so a concurrent Start
			// recovered and armed this same item
			s.log.Debug("item already armed by recovery", logx.String("id", it.ID))
			return it.ID, nil
		}
		if _, rerr := s.store.RemoveByID(ctx, it.ID); rerr != nil {
			s.log.Error("rollback of unarmed item failed", logx.String("id", it.ID), logx.Err(rerr))
		}
		return "", fmt.Errorf("arm: %w", err)
	}
	s.log.Info("item scheduled",
		logx.String("id", it.ID),
		logx.String("kind", string(it.Kind)),
		logx.Time("fire_at", it.FireAt),
		logx.Int64("by", it.CreatedBy),
	)
	return it.ID, nil
}

// ScheduleImmediate delivers req now. Nothing is persisted or armed.
func (s *Service) ScheduleImmediate(ctx context.Context, req Request) error {
	if err := s.validate(req, false); err != nil {
		return err
	}
	it := Item{
		ID:          string(req.Kind) + "_now",
		Kind:        req.Kind,
		Destination: req.Destination,
		Payload:     req.Payload,
		FireAt:      s.clock.Now(),
		CreatedAt:   s.clock.Now(),
		CreatedBy:   req.CreatedBy,
	}
	if err := s.deliverer.Deliver(ctx, it); err != nil {
		return &DeliveryError{ID: it.ID, Err: err}
	}
	return nil
}

// Cancel removes a pending item from the registry and the store. It reports
// false for unknown ids and for items whose delivery already started.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}

	if s.reg.cancel(id) {
		if _, err := s.store.RemoveByID(ctx, id); err != nil {
			return true, fmt.Errorf("remove %s: %w", id, err)
		}
		s.log.Info("item cancelled", logx.String("id", id))
		s.publish(eventbus.ScheduleCancelled, Item{ID: id}, nil)
		return true, nil
	}
	if s.reg.delivering(id) {
		return false, nil
	}

	// not armed: malformed records and items persisted while stopped
	removed, err := s.store.RemoveByID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", id, err)
	}
	if removed {
		s.log.Info("unarmed item cancelled", logx.String("id", id))
		s.publish(eventbus.ScheduleCancelled, Item{ID: id}, nil)
	}
	return removed, nil
}

// List returns the persisted items ordered by FireAt. Malformed records come
// last.
func (s *Service) List(ctx context.Context) ([]ItemInfo, error) {
	recs, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ItemInfo, 0, len(recs))
	for _, r := range recs {
		it, derr := fromRecord(r)
		if derr != nil {
			out = append(out, ItemInfo{
				ID:          r.ID,
				Kind:        Kind(r.Kind),
				Destination: r.Destination,
				CreatedBy:   r.CreatedBy,
				Malformed:   true,
			})
			continue
		}
		out = append(out, ItemInfo{
			ID:          it.ID,
			Kind:        it.Kind,
			FireAt:      it.FireAt,
			Destination: it.Destination,
			CreatedBy:   it.CreatedBy,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Malformed != b.Malformed {
			return !a.Malformed
		}
		return a.FireAt.Before(b.FireAt)
	})
	return out, nil
}

// Pending returns the number of armed or delivering items.
func (s *Service) Pending() int { return s.reg.len() }

// PendingIDs returns the ids currently held in memory, sorted.
func (s *Service) PendingIDs() []string { return s.reg.ids() }

// Now reads the service clock.
func (s *Service) Now() time.Time { return s.clock.Now() }
