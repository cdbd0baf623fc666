package delivery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	kit "schedbot/internal/transport"
)

var ErrBadDestination = errors.New("delivery: bad destination")

// FormatDestination encodes a chat target as "<chat_id>" or
// "<chat_id>:<thread_id>" for forum topics.
func FormatDestination(t kit.ChatTarget) string {
	if t.ThreadID != 0 {
		return strconv.FormatInt(t.ChatID, 10) + ":" + strconv.Itoa(t.ThreadID)
	}
	return strconv.FormatInt(t.ChatID, 10)
}

// ParseDestination is the inverse of FormatDestination.
func ParseDestination(s string) (kit.ChatTarget, error) {
	s = strings.TrimSpace(s)
	chatPart, threadPart, hasThread := strings.Cut(s, ":")
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil || chatID == 0 {
		return kit.ChatTarget{}, fmt.Errorf("%w: %q", ErrBadDestination, s)
	}
	t := kit.ChatTarget{ChatID: chatID}
	if hasThread {
		tid, err := strconv.Atoi(threadPart)
		if err != nil || tid < 0 {
			return kit.ChatTarget{}, fmt.Errorf("%w: %q", ErrBadDestination, s)
		}
		t.ThreadID = tid
	}
	return t, nil
}
