package journal

import (
	"encoding/json"
	"time"
)

// Record is one received event, appended once and never changed.
//
// Storage (Postgres): table pbx_event_journal, insert-only. Payload keeps the
// event exactly as the server sent it.
type Record struct {
	ID             string          `json:"id" db:"id"`
	EventName      string          `json:"event_name" db:"event_name"`
	Source         string          `json:"source,omitempty" db:"source"`
	SubscriptionID string          `json:"subscription_id,omitempty" db:"subscription_id"`
	Payload        json.RawMessage `json:"payload" db:"payload"`

	ReceivedAt time.Time `json:"received_at" db:"received_at"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}
