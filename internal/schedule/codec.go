package schedule

import (
	"fmt"
	"strings"
	"time"

	"schedbot/internal/storage"
)

// timeLayout keeps the offset and drops trailing zero fractions, so whole
// seconds serialize as plain RFC 3339.
const timeLayout = time.RFC3339Nano

func toRecord(it Item) storage.Record {
	return storage.Record{
		ID:          it.ID,
		Kind:        string(it.Kind),
		Destination: it.Destination,
		Text:        it.Payload.Text,
		URL:         it.Payload.URL,
		Mention:     it.Payload.Mention,
		StickerID:   it.Payload.StickerID,
		FireAt:      it.FireAt.Format(timeLayout),
		CreatedAt:   it.CreatedAt.Format(timeLayout),
		CreatedBy:   it.CreatedBy,
	}
}

// fromRecord decodes a persisted record. A bad timestamp, unknown kind or
// missing id/destination makes the record malformed.
func fromRecord(r storage.Record) (Item, error) {
	if strings.TrimSpace(r.ID) == "" {
		return Item{}, fmt.Errorf("record without id")
	}
	k := Kind(r.Kind)
	if !k.Valid() {
		return Item{}, fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	if strings.TrimSpace(r.Destination) == "" {
		return Item{}, ErrNoDestination
	}
	fireAt, err := time.Parse(time.RFC3339, r.FireAt)
	if err != nil {
		return Item{}, fmt.Errorf("fire_at: %w", err)
	}
	var createdAt time.Time
	if r.CreatedAt != "" {
		// created_at is informational; a bad value does not reject the record
		createdAt, _ = time.Parse(time.RFC3339, r.CreatedAt)
	}
	return Item{
		ID:          r.ID,
		Kind:        k,
		Destination: r.Destination,
		Payload: Payload{
			Text:      r.Text,
			URL:       r.URL,
			Mention:   r.Mention,
			StickerID: r.StickerID,
		},
		FireAt:    fireAt,
		CreatedAt: createdAt,
		CreatedBy: r.CreatedBy,
	}, nil
}
