package delivery

import (
	"strings"

	"schedbot/internal/schedule"
)

// DefaultVideoHeader heads a video post that carries no message.
const DefaultVideoHeader = "🎬 New video to watch!"

// Render builds the text body of an item. Empty parts are skipped.
func Render(it schedule.Item) string {
	p := it.Payload
	var parts []string
	switch it.Kind {
	case schedule.KindVideo:
		header := p.Text
		if strings.TrimSpace(header) == "" {
			header = DefaultVideoHeader
		}
		parts = []string{p.Mention, header, p.URL}
	default:
		parts = []string{p.Mention, p.Text}
	}

	lines := parts[:0]
	for _, s := range parts {
		if s = strings.TrimSpace(s); s != "" {
			lines = append(lines, s)
		}
	}
	return strings.Join(lines, "\n")
}
