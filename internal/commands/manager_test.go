package commands

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedbot/internal/schedule"
	kit "schedbot/internal/transport"
	logx "schedbot/pkg/logx"
)

type reply struct {
	to   kit.ChatTarget
	text string
	mode string
}

type recordingSender struct {
	mu  sync.Mutex
	out []reply
}

func (s *recordingSender) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := reply{to: to, text: text}
	if opt != nil {
		r.mode = opt.ParseMode
	}
	s.out = append(s.out, r)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(s.out)}, nil
}

func (s *recordingSender) SendSticker(context.Context, kit.ChatTarget, string) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}

func (s *recordingSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.out))
	for _, r := range s.out {
		out = append(out, r.text)
	}
	return out
}

type fakeScheduler struct {
	mu        sync.Mutex
	now       time.Time
	scheduled []schedule.Request
	immediate []schedule.Request
	cancelled []string
	items     []schedule.ItemInfo
}

func (f *fakeScheduler) Schedule(_ context.Context, req schedule.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !req.FireAt.After(f.now) {
		return "", schedule.ErrInvalidTime
	}
	f.scheduled = append(f.scheduled, req)
	return string(req.Kind) + "_0000abcd", nil
}

func (f *fakeScheduler) ScheduleImmediate(_ context.Context, req schedule.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.immediate = append(f.immediate, req)
	return nil
}

func (f *fakeScheduler) Cancel(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return id == "video_known", nil
}

func (f *fakeScheduler) List(context.Context) ([]schedule.ItemInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items, nil
}

func (f *fakeScheduler) Now() time.Time { return f.now }

const ownerID = 100

type harness struct {
	sender  *recordingSender
	sched   *fakeScheduler
	updates chan kit.Update
	mgr     *Manager
}

func startHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sender:  &recordingSender{},
		sched:   &fakeScheduler{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
		updates: make(chan kit.Update, 8),
	}
	h.mgr = NewManager(logx.Nop(), h.sender, []int64{ownerID})
	h.mgr.SetCommands(NewScheduleCommands(h.sched, time.UTC).Commands())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.mgr.DispatchLoop(ctx, h.updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) send(from int64, text string) {
	h.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID:   -42,
		ThreadID: 3,
		FromID:   from,
		Text:     text,
		IsGroup:  true,
	}}
}

func (h *harness) waitReply(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.sender.texts()) >= n }, time.Second, 5*time.Millisecond)
	return h.sender.texts()
}

func TestVideoScheduledReplyAndRequest(t *testing.T) {
	h := startHarness(t)
	h.send(7, `/video https://youtu.be/abc "new ep//out now" --at 18:30 --mention @all`)

	out := h.waitReply(t, 1)
	assert.Contains(t, out[0], "scheduled for 2026-05-01 18:30 UTC")
	assert.Contains(t, out[0], "video_0000abcd")

	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	require.Len(t, h.sched.scheduled, 1)
	req := h.sched.scheduled[0]
	assert.Equal(t, schedule.KindVideo, req.Kind)
	assert.Equal(t, "-42:3", req.Destination)
	assert.Equal(t, "https://youtu.be/abc", req.Payload.URL)
	assert.Equal(t, "new ep\nout now", req.Payload.Text)
	assert.Equal(t, "@all", req.Payload.Mention)
	assert.Equal(t, int64(7), req.CreatedBy)
}

func TestVideoWithoutTimeSendsNow(t *testing.T) {
	h := startHarness(t)
	h.send(7, "/video https://youtu.be/abc")

	require.Eventually(t, func() bool {
		h.sched.mu.Lock()
		defer h.sched.mu.Unlock()
		return len(h.sched.immediate) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.sender.texts())
}

func TestInvalidTimeIsReported(t *testing.T) {
	h := startHarness(t)
	h.send(7, "/video https://youtu.be/abc --at 25:61")
	out := h.waitReply(t, 1)
	assert.Contains(t, out[0], "invalid time")
}

func TestOwnerOnlyCommands(t *testing.T) {
	h := startHarness(t)
	h.send(7, "/announce hello")
	out := h.waitReply(t, 1)
	assert.Equal(t, "unauthorized", out[0])

	h.send(ownerID, "/announce hello//world --sticker CAAD --at 2026-05-02 09:00")
	out = h.waitReply(t, 2)
	// "2026-05-02 09:00" is two tokens unless quoted; the date alone is invalid
	assert.Contains(t, out[1], "invalid time")

	h.send(ownerID, `/announce hello//world --sticker CAAD --at "2026-05-02 09:00"`)
	out = h.waitReply(t, 3)
	assert.Contains(t, out[2], "Announcement scheduled for 2026-05-02 09:00 UTC")

	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	require.Len(t, h.sched.scheduled, 1)
	assert.Equal(t, "hello\nworld", h.sched.scheduled[0].Payload.Text)
	assert.Equal(t, "CAAD", h.sched.scheduled[0].Payload.StickerID)
}

func TestSchedulesAndCancel(t *testing.T) {
	h := startHarness(t)
	h.send(ownerID, "/schedules")
	out := h.waitReply(t, 1)
	assert.Equal(t, "📭 No scheduled messages.", out[0])

	h.sched.mu.Lock()
	h.sched.items = []schedule.ItemInfo{
		{ID: "video_known", Kind: schedule.KindVideo, FireAt: time.Date(2026, 5, 1, 18, 30, 0, 0, time.UTC)},
		{ID: "broken", Kind: "?", Malformed: true},
	}
	h.sched.mu.Unlock()

	h.send(ownerID, "/list")
	out = h.waitReply(t, 2)
	assert.Contains(t, out[1], "📝 video_known | video | 2026-05-01 18:30 UTC")
	assert.Contains(t, out[1], "📝 broken | ? | unreadable")

	h.send(ownerID, "/cancel video_known")
	h.send(ownerID, "/cancel nope")
	out = h.waitReply(t, 4)
	assert.ElementsMatch(t, []string{"✅ Cancelled video_known.", "❌ No scheduled message with id nope."}, out[2:4])

	h.send(ownerID, "/cancel")
	out = h.waitReply(t, 5)
	assert.Equal(t, "⚠️ usage: /cancel <id>", out[4])
}

func TestHelpAndUnknown(t *testing.T) {
	h := startHarness(t)
	h.send(7, "/help@schedbot")
	out := h.waitReply(t, 1)
	assert.Contains(t, out[0], "<code>/video</code>")
	assert.Contains(t, out[0], "🔒 <code>/cancel</code>")
	assert.Less(t, strings.Index(out[0], "/video"), strings.Index(out[0], "/announce"))

	// unknown commands in groups are ignored; the next reply is for /help cancel
	h.send(7, "/nosuch")
	h.send(7, "/help cancel")
	out = h.waitReply(t, 2)
	assert.Contains(t, out[1], "Owner only")
}

func TestMenuIsSanitized(t *testing.T) {
	m := NewManager(logx.Nop(), &recordingSender{}, nil)
	m.SetCommands([]Command{{Name: "Speed-Test", Handle: func(context.Context, *Request) error { return nil }, Access: AccessOwnerOnly}})
	menu := m.Menu()
	require.Len(t, menu, 2)
	assert.Equal(t, "help", menu[0].Command)
	assert.Equal(t, "speed_test", menu[1].Command)
	assert.True(t, strings.HasPrefix(menu[1].Description, "🔒 "))
}
