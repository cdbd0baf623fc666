package commands

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"schedbot/internal/delivery"
	"schedbot/internal/schedule"
)

// Scheduler is the part of *schedule.Service the commands use.
type Scheduler interface {
	Schedule(ctx context.Context, req schedule.Request) (string, error)
	ScheduleImmediate(ctx context.Context, req schedule.Request) error
	Cancel(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]schedule.ItemInfo, error)
	Now() time.Time
}

const displayLayout = "2006-01-02 15:04 MST"

// ScheduleCommands implements /video, /announce, /schedules and /cancel.
type ScheduleCommands struct {
	svc Scheduler

	mu  sync.RWMutex
	loc *time.Location
}

func NewScheduleCommands(svc Scheduler, loc *time.Location) *ScheduleCommands {
	h := &ScheduleCommands{svc: svc}
	h.SetLocation(loc)
	return h
}

// SetLocation changes the zone used to read and show times.
func (h *ScheduleCommands) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	h.mu.Lock()
	h.loc = loc
	h.mu.Unlock()
}

func (h *ScheduleCommands) location() *time.Location {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.loc
}

func (h *ScheduleCommands) Commands() []Command {
	return []Command{
		{
			Name:        "video",
			Aliases:     []string{"v"},
			Description: "post a video link now or at a given time",
			Usage:       "/video <url> [message...] [--at HH:MM] [--mention @who]",
			Access:      AccessEveryone,
			Handle:      h.video,
		},
		{
			Name:        "announce",
			Description: "post an announcement now or at a given time",
			Usage:       "/announce <text...> [--at HH:MM] [--mention @who] [--sticker file_id]",
			Access:      AccessOwnerOnly,
			Handle:      h.announce,
		},
		{
			Name:        "schedules",
			Aliases:     []string{"list"},
			Description: "list scheduled messages",
			Usage:       "/schedules",
			Access:      AccessOwnerOnly,
			Handle:      h.list,
		},
		{
			Name:        "cancel",
			Description: "cancel a scheduled message",
			Usage:       "/cancel <id>",
			Access:      AccessOwnerOnly,
			Handle:      h.cancel,
		},
	}
}

func (h *ScheduleCommands) video(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return usage("/video <url> [message...] [--at HH:MM] [--mention @who]")
	}
	message := req.Flags["message"]
	if message == "" {
		message = strings.Join(req.Args[1:], " ")
	}
	return h.submit(ctx, req, schedule.KindVideo, schedule.Payload{
		URL:     req.Args[0],
		Text:    expandNewlines(message),
		Mention: req.Flags["mention"],
	}, "🎬 Video")
}

func (h *ScheduleCommands) announce(ctx context.Context, req *Request) error {
	text := req.Flags["message"]
	if text == "" {
		text = strings.Join(req.Args, " ")
	}
	sticker := strings.TrimSpace(req.Flags["sticker"])
	if strings.TrimSpace(text) == "" && sticker == "" {
		return usage("/announce <text...> [--at HH:MM] [--mention @who] [--sticker file_id]")
	}
	return h.submit(ctx, req, schedule.KindAnnounce, schedule.Payload{
		Text:      expandNewlines(text),
		Mention:   req.Flags["mention"],
		StickerID: sticker,
	}, "📣 Announcement")
}

// submit sends now when --at is absent, otherwise schedules into the chat the
// command came from.
func (h *ScheduleCommands) submit(ctx context.Context, req *Request, kind schedule.Kind, p schedule.Payload, label string) error {
	sr := schedule.Request{
		Kind:        kind,
		Destination: delivery.FormatDestination(req.Chat),
		Payload:     p,
		CreatedBy:   req.FromID,
	}

	at := strings.TrimSpace(req.Flags["at"])
	if at == "" {
		return h.svc.ScheduleImmediate(ctx, sr)
	}

	loc := h.location()
	when, err := ParseWhen(at, h.svc.Now(), loc)
	if err != nil {
		return err
	}
	sr.FireAt = when
	id, err := h.svc.Schedule(ctx, sr)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("⏰ %s scheduled for %s (id %s)", label, when.In(loc).Format(displayLayout), id))
}

func (h *ScheduleCommands) list(ctx context.Context, req *Request) error {
	items, err := h.svc.List(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return req.Reply(ctx, "📭 No scheduled messages.")
	}
	loc := h.location()
	lines := make([]string, 0, len(items)+1)
	lines = append(lines, fmt.Sprintf("📅 Scheduled messages (%d):", len(items)))
	for _, it := range items {
		when := "unreadable"
		if !it.Malformed {
			when = it.FireAt.In(loc).Format(displayLayout)
		}
		lines = append(lines, fmt.Sprintf("📝 %s | %s | %s", it.ID, it.Kind, when))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *ScheduleCommands) cancel(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usage("/cancel <id>")
	}
	id := req.Args[0]
	ok, err := h.svc.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return req.Reply(ctx, "❌ No scheduled message with id "+id+".")
	}
	return req.Reply(ctx, "✅ Cancelled "+id+".")
}
