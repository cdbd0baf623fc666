package schedule

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedbot/internal/eventbus"
	"schedbot/internal/storage"
	logx "schedbot/pkg/logx"
)

const storePath = "/data/schedules.json"

type recorder struct {
	mu    sync.Mutex
	items []Item
	err   error
	hook  func(it Item)
}

func (r *recorder) Deliver(ctx context.Context, it Item) error {
	if r.hook != nil {
		r.hook(it)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, it)
	return r.err
}

func (r *recorder) delivered() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Item(nil), r.items...)
}

func (r *recorder) count(id string) int {
	n := 0
	for _, it := range r.delivered() {
		if it.ID == id {
			n++
		}
	}
	return n
}

// fixedClock pins the service's notion of now. Timers still run on wall
// time, measured from this instant.
type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var clockNow = time.Date(2030, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	fs    afero.Fs
	store storage.Store
	rec   *recorder
	bus   eventbus.Bus
	svc   *Service
}

func newHarness(t *testing.T, fsys afero.Fs, cfg Config, opts ...Option) *harness {
	t.Helper()
	if fsys == nil {
		fsys = afero.NewMemMapFs()
	}
	h := &harness{
		fs:    fsys,
		store: storage.NewFileStore(fsys, storePath, logx.Nop()),
		rec:   &recorder{},
		bus:   eventbus.New(),
	}
	opts = append([]Option{WithBus(h.bus), WithLogger(logx.Nop())}, opts...)
	h.svc = New(h.store, h.rec, cfg, opts...)
	return h
}

func (h *harness) start(t *testing.T) RecoveryReport {
	t.Helper()
	rep, err := h.svc.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.svc.Stop(ctx)
	})
	return rep
}

func (h *harness) stored(t *testing.T) []storage.Record {
	t.Helper()
	recs, err := h.store.LoadAll(context.Background())
	require.NoError(t, err)
	return recs
}

func videoReq(at time.Time) Request {
	return Request{
		Kind:        KindVideo,
		Destination: "-100200",
		Payload:     Payload{URL: "https://youtu.be/x", Mention: "@everyone", Text: "watch"},
		FireAt:      at,
		CreatedBy:   7,
	}
}

func TestScheduleFiresOnceAndClears(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{})
	h.start(t)
	ctx := context.Background()

	req := videoReq(time.Now().Add(150 * time.Millisecond))
	id, err := h.svc.Schedule(ctx, req)
	require.NoError(t, err)

	list, err := h.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, KindVideo, list[0].Kind)

	require.Eventually(t, func() bool { return h.rec.count(id) == 1 }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.stored(t)) == 0 }, time.Second, 5*time.Millisecond)

	got := h.rec.delivered()[0]
	assert.Equal(t, req.Payload, got.Payload)
	assert.Equal(t, req.Destination, got.Destination)

	list, err = h.svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	require.Eventually(t, func() bool { return h.svc.Pending() == 0 }, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.rec.count(id), "delivered exactly once")
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{})
	h.start(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"past", videoReq(time.Now().Add(-time.Second)), ErrInvalidTime},
		{"zero", videoReq(time.Time{}), ErrInvalidTime},
		{"unknown kind", Request{Kind: "poll", Destination: "1", FireAt: future}, ErrUnknownKind},
		{"no destination", Request{Kind: KindAnnounce, FireAt: future}, ErrNoDestination},
	}
	for _, tt := range tests {
		_, err := h.svc.Schedule(ctx, tt.req)
		assert.ErrorIs(t, err, tt.want, tt.name)
	}
	assert.Empty(t, h.stored(t), "nothing persisted on validation failure")
}

func TestListIsSortedByFireAt(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{})
	h.start(t)
	ctx := context.Background()
	base := time.Now().Add(time.Hour)

	var ids []string
	for _, off := range []time.Duration{3 * time.Minute, time.Minute, 2 * time.Minute} {
		id, err := h.svc.Schedule(ctx, videoReq(base.Add(off)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	list, err := h.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{ids[1], ids[2], ids[0]}, []string{list[0].ID, list[1].ID, list[2].ID})
	assert.Equal(t, 3, h.svc.Pending())
	assert.Len(t, h.svc.PendingIDs(), 3)
}

func TestCancelBeforeFirePreventsDelivery(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{})
	h.start(t)
	ctx := context.Background()

	id, err := h.svc.Schedule(ctx, videoReq(time.Now().Add(200*time.Millisecond)))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	ok, err := h.svc.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	list, err := h.svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	time.Sleep(350 * time.Millisecond)
	assert.Zero(t, h.rec.count(id), "cancelled item must never be delivered")

	ok, err = h.svc.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "second cancel finds nothing")
}

func TestCancelUnknownIDHasNoSideEffects(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{})
	h.start(t)
	ctx := context.Background()

	id, err := h.svc.Schedule(ctx, videoReq(time.Now().Add(time.Hour)))
	require.NoError(t, err)

	ok, err := h.svc.Cancel(ctx, "video_nothere")
	require.NoError(t, err)
	assert.False(t, ok)

	recs := h.stored(t)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].ID)
	assert.Equal(t, 1, h.svc.Pending())
}

func TestCancelAfterClaimIsNoop(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, nil, Config{})
	h.rec.hook = func(Item) {
		close(entered)
		<-release
	}
	h.start(t)
	ctx := context.Background()

	id, err := h.svc.Schedule(ctx, videoReq(time.Now().Add(20*time.Millisecond)))
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never started")
	}

	ok, err := h.svc.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "cancel after claim is a no-op")
	assert.Len(t, h.stored(t), 1, "store removal belongs to the firing path")

	close(release)
	require.Eventually(t, func() bool { return len(h.stored(t)) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.rec.count(id))
}

func TestDeliveryFailureStillRemoves(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{})
	h.rec.err = errors.New("chat not found")
	events, unsub := h.bus.Subscribe(16)
	defer unsub()
	h.start(t)

	id, err := h.svc.Schedule(context.Background(), videoReq(time.Now().Add(30*time.Millisecond)))
	require.NoError(t, err)

	ev := waitEvent(t, events, eventbus.ScheduleFailed)
	data := ev.Data.(eventbus.ItemEvent)
	assert.Equal(t, id, data.ID)
	var derr *DeliveryError
	require.ErrorAs(t, data.Err, &derr)
	assert.Equal(t, id, derr.ID)

	require.Eventually(t, func() bool { return len(h.stored(t)) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.rec.count(id), "no retry")
}

func TestDeliveryPanicIsContained(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{})
	var calls atomic.Int32
	h.rec.hook = func(it Item) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	}
	h.start(t)
	ctx := context.Background()

	_, err := h.svc.Schedule(ctx, videoReq(time.Now().Add(20*time.Millisecond)))
	require.NoError(t, err)
	second, err := h.svc.Schedule(ctx, videoReq(time.Now().Add(120*time.Millisecond)))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.rec.count(second) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.stored(t)) == 0 }, time.Second, 5*time.Millisecond)
}

func TestDeliveryTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{DeliveryTimeout: 30 * time.Millisecond})
	var sawDeadline atomic.Bool
	h.svc.deliverer = DelivererFunc(func(ctx context.Context, it Item) error {
		_, ok := ctx.Deadline()
		sawDeadline.Store(ok)
		<-ctx.Done()
		return ctx.Err()
	})
	events, unsub := h.bus.Subscribe(16)
	defer unsub()
	h.start(t)

	_, err := h.svc.Schedule(context.Background(), videoReq(time.Now().Add(10*time.Millisecond)))
	require.NoError(t, err)

	ev := waitEvent(t, events, eventbus.ScheduleFailed)
	assert.ErrorIs(t, ev.Data.(eventbus.ItemEvent).Err, context.DeadlineExceeded)
	assert.True(t, sawDeadline.Load())
}

func TestRecoveryRearmsFutureAndDropsOverdue(t *testing.T) {
	t.Parallel()
	fsys := afero.NewMemMapFs()
	seed := storage.NewFileStore(fsys, storePath, logx.Nop())
	ctx := context.Background()
	now := clockNow

	future := toRecord(Item{ID: "video_future", Kind: KindVideo, Destination: "1", FireAt: now.Add(150 * time.Millisecond), CreatedAt: now})
	overdue := toRecord(Item{ID: "video_overdue", Kind: KindVideo, Destination: "1", FireAt: now.Add(-time.Hour), CreatedAt: now})
	badTime := storage.Record{ID: "video_badtime", Kind: "video", Destination: "1", FireAt: "tomorrow-ish"}
	badKind := storage.Record{ID: "poll_1", Kind: "poll", Destination: "1", FireAt: now.Add(time.Hour).Format(time.RFC3339)}
	for _, r := range []storage.Record{future, overdue, badTime, badKind} {
		require.NoError(t, seed.Append(ctx, r))
	}

	h := newHarness(t, fsys, Config{}, WithClock(fixedClock{now}))
	events, unsub := h.bus.Subscribe(16)
	defer unsub()
	rep := h.start(t)
	assert.Equal(t, RecoveryReport{Loaded: 4, Armed: 1, Dropped: 1, Skipped: 2}, rep)

	ev := waitEvent(t, events, eventbus.ScheduleDropped)
	assert.Equal(t, "video_overdue", ev.Data.(eventbus.ItemEvent).ID)

	require.Eventually(t, func() bool { return h.rec.count("video_future") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.rec.count("video_overdue"), "overdue items never fire")

	require.Eventually(t, func() bool { return len(h.stored(t)) == 2 }, time.Second, 5*time.Millisecond)
	list, err := h.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, info := range list {
		assert.True(t, info.Malformed, info.ID)
	}

	ok, err := h.svc.Cancel(ctx, "video_badtime")
	require.NoError(t, err)
	assert.True(t, ok, "malformed records can be cancelled")
}

func TestRecoveryLateGrace(t *testing.T) {
	t.Parallel()
	const grace = time.Minute
	fsys := afero.NewMemMapFs()
	seed := storage.NewFileStore(fsys, storePath, logx.Nop())
	ctx := context.Background()
	for id, late := range map[string]time.Duration{
		"announce_within": 30 * time.Second,
		"announce_edge":   grace,
		"announce_beyond": grace + time.Second,
	} {
		require.NoError(t, seed.Append(ctx,
			toRecord(Item{ID: id, Kind: KindAnnounce, Destination: "1", FireAt: clockNow.Add(-late), CreatedAt: clockNow.Add(-time.Hour)})))
	}

	h := newHarness(t, fsys, Config{LateGrace: grace}, WithClock(fixedClock{clockNow}))
	rep := h.start(t)
	assert.Equal(t, RecoveryReport{Loaded: 3, Armed: 2, Dropped: 1}, rep)

	require.Eventually(t, func() bool {
		return h.rec.count("announce_within") == 1 && h.rec.count("announce_edge") == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.rec.count("announce_beyond"))
	require.Eventually(t, func() bool { return len(h.stored(t)) == 0 }, time.Second, 5*time.Millisecond)
}

func TestScheduleRejectsInstantsNotAfterClock(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{}, WithClock(fixedClock{clockNow}))
	h.start(t)
	ctx := context.Background()

	_, err := h.svc.Schedule(ctx, videoReq(clockNow))
	assert.ErrorIs(t, err, ErrInvalidTime)

	id, err := h.svc.Schedule(ctx, videoReq(clockNow.Add(50*time.Millisecond)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.rec.count(id) == 1 }, 2*time.Second, 5*time.Millisecond)

	got := h.rec.delivered()[0]
	assert.Equal(t, clockNow, got.CreatedAt, "created_at comes from the service clock")
}

func TestRecoveryCorruptStoreIsEmpty(t *testing.T) {
	t.Parallel()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, storePath, []byte("[{broken"), 0o600))

	h := newHarness(t, fsys, Config{})
	rep := h.start(t)
	assert.Equal(t, RecoveryReport{}, rep)
	assert.Zero(t, h.svc.Pending())
}

func TestRestartRearmsPendingItems(t *testing.T) {
	t.Parallel()
	fsys := afero.NewMemMapFs()
	ctx := context.Background()

	first := newHarness(t, fsys, Config{})
	_, err := first.svc.Start(ctx)
	require.NoError(t, err)
	fireAt := time.Now().Add(300 * time.Millisecond)
	id, err := first.svc.Schedule(ctx, videoReq(fireAt))
	require.NoError(t, err)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	require.NoError(t, first.svc.Stop(stopCtx))
	cancel()
	assert.Len(t, first.stored(t), 1, "stop keeps the store intact")

	second := newHarness(t, fsys, Config{})
	rep := second.start(t)
	assert.Equal(t, 1, rep.Armed)

	require.Eventually(t, func() bool { return second.rec.count(id) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.WithinDuration(t, fireAt, time.Now(), 500*time.Millisecond, "fires near the original deadline")
	assert.Zero(t, first.rec.count(id), "stopped service never delivers")
}

func TestConcurrentSchedulesAllFireOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{})
	h.start(t)
	ctx := context.Background()
	base := time.Now().Add(100 * time.Millisecond)

	const n = 30
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := h.svc.Schedule(ctx, videoReq(base.Add(time.Duration(i)*7*time.Millisecond)))
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(h.rec.delivered()) >= n }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.stored(t)) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	for _, id := range ids {
		assert.Equal(t, 1, h.rec.count(id), id)
	}
	assert.Len(t, h.rec.delivered(), n)
}

func TestIDCollisionRegenerates(t *testing.T) {
	t.Parallel()
	var seq atomic.Int32
	ids := func(k Kind) string {
		if seq.Add(1) <= 2 {
			return string(k) + "_same"
		}
		return fmt.Sprintf("%s_%d", k, seq.Load())
	}
	h := newHarness(t, nil, Config{}, WithIDFunc(ids))
	h.start(t)
	ctx := context.Background()

	a, err := h.svc.Schedule(ctx, videoReq(time.Now().Add(time.Hour)))
	require.NoError(t, err)
	b, err := h.svc.Schedule(ctx, videoReq(time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "video_same", a)
	assert.NotEqual(t, a, b)
	assert.Len(t, h.stored(t), 2)
}

func TestScheduleImmediate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{})
	ctx := context.Background()

	req := Request{Kind: KindAnnounce, Destination: "5:9", Payload: Payload{Text: "hello"}}
	require.NoError(t, h.svc.ScheduleImmediate(ctx, req))
	got := h.rec.delivered()
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Payload.Text)
	assert.Empty(t, h.stored(t))

	h.rec.err = errors.New("forbidden")
	var derr *DeliveryError
	assert.ErrorAs(t, h.svc.ScheduleImmediate(ctx, req), &derr)
}

func TestScheduleWhileStoppedPersists(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{})
	id, err := h.svc.Schedule(context.Background(), videoReq(time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Len(t, h.stored(t), 1)
	assert.Zero(t, h.svc.Pending())

	rep := h.start(t)
	assert.Equal(t, 1, rep.Armed)
	assert.Equal(t, []string{id}, h.svc.PendingIDs())
}

func TestStopWaitsForInflightDelivery(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, nil, Config{})
	h.rec.hook = func(Item) {
		close(entered)
		<-release
	}
	_, err := h.svc.Start(context.Background())
	require.NoError(t, err)
	_, err = h.svc.Schedule(context.Background(), videoReq(time.Now().Add(10*time.Millisecond)))
	require.NoError(t, err)
	<-entered

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.svc.Stop(short), context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool { return len(h.stored(t)) == 0 }, time.Second, 5*time.Millisecond)
}

func TestRecordRoundTripKeepsOffset(t *testing.T) {
	t.Parallel()
	paris := time.FixedZone("CEST", 2*3600)
	it := Item{
		ID:          "video_abc12345",
		Kind:        KindVideo,
		Destination: "-1001:3",
		Payload:     Payload{Text: "a//b", URL: "u", Mention: "@m", StickerID: "st"},
		FireAt:      time.Date(2026, 10, 16, 21, 30, 15, 0, paris),
		CreatedAt:   time.Date(2026, 10, 16, 20, 0, 0, 0, paris),
		CreatedBy:   99,
	}
	rec := toRecord(it)
	assert.Equal(t, "2026-10-16T21:30:15+02:00", rec.FireAt)

	got, err := fromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, it.ID, got.ID)
	assert.Equal(t, it.Kind, got.Kind)
	assert.Equal(t, it.Destination, got.Destination)
	assert.Equal(t, it.Payload, got.Payload)
	assert.True(t, it.FireAt.Equal(got.FireAt))
	_, off := got.FireAt.Zone()
	assert.Equal(t, 2*3600, off)
}

func TestNewIDFormat(t *testing.T) {
	t.Parallel()
	re := regexp.MustCompile(`^announce_[0-9a-f]{8}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewID(KindAnnounce)
		assert.Regexp(t, re, id)
		seen[id] = true
	}
	assert.Len(t, seen, 100)
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return eventbus.Event{}
		}
	}
}

// stallingStore holds Append's return until released, so Start's recovery
// can load and arm the record before Schedule arms it.
type stallingStore struct {
	storage.Store
	appended chan struct{}
	release  chan struct{}
}

func (s *stallingStore) Append(ctx context.Context, r storage.Record) error {
	if err := s.Store.Append(ctx, r); err != nil {
		return err
	}
	close(s.appended)
	<-s.release
	return nil
}

func (s *stallingStore) LoadAll(ctx context.Context) ([]storage.Record, error) {
	<-s.appended
	return s.Store.LoadAll(ctx)
}

func TestScheduleRacingStartKeepsRecord(t *testing.T) {
	t.Parallel()
	st := &stallingStore{
		Store:    storage.NewFileStore(afero.NewMemMapFs(), storePath, logx.Nop()),
		appended: make(chan struct{}),
		release:  make(chan struct{}),
	}
	rec := &recorder{}
	svc := New(st, rec, Config{}, WithLogger(logx.Nop()))
	ctx := context.Background()
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_ = svc.Stop(sctx)
	})

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := svc.Schedule(ctx, videoReq(time.Now().Add(300*time.Millisecond)))
		done <- result{id, err}
	}()

	rep, err := svc.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Loaded: 1, Armed: 1}, rep)
	close(st.release)

	res := <-done
	require.NoError(t, res.err)
	require.NotEmpty(t, res.id)
	assert.Equal(t, []string{res.id}, svc.PendingIDs())

	recs, err := st.Store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1, "the persisted record survives until delivery")
	assert.Equal(t, res.id, recs[0].ID)

	require.Eventually(t, func() bool { return rec.count(res.id) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count(res.id), "delivered exactly once")
}
