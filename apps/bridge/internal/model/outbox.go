package model

import (
	"encoding/json"
	"time"
)

type OutboxEvent struct {
	ID         int64           `db:"id"`
	TransferID string          `db:"transfer_id"`
	EventType  string          `db:"event_type"`
	Status     string          `db:"status"` // "unsent", "processing" or "sent"
	EventBlob  json.RawMessage `db:"event_blob"`
	CreatedAt  time.Time       `db:"created_at"`
}
