package schedule

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns "<kind>_<8 hex chars>", e.g. "video_3f2a9c1e".
func NewID(k Kind) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return string(k) + "_" + hex[:8]
}
