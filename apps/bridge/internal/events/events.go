package events

import (
	"time"

	"bridge/apps/bridge/internal/model"
)

const (
	EventTransferCreated       = "transfer_created"
	EventTransferStatusChanged = "transfer_status_changed"
)

// TransferEvent is the payload written to the outbox and published to Kafka
// every time a transfer is persisted with a new status.
type TransferEvent struct {
	EventType     string          `json:"event_type"`
	TransferID    string          `json:"transfer_id"`
	Direction     model.Direction `json:"direction"`
	Amount        uint64          `json:"amount"`
	SourceRef     string          `json:"source_ref"`
	DestRef       string          `json:"dest_ref"`
	Status        model.Status    `json:"status"`
	ChainTxHandle string          `json:"chain_tx_handle,omitempty"`
	Attempts      int             `json:"attempts"`
	ErrorReason   string          `json:"error_reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

func FromTransfer(eventType string, t *model.Transfer) TransferEvent {
	return TransferEvent{
		EventType:     eventType,
		TransferID:    t.ID,
		Direction:     t.Direction,
		Amount:        t.Amount,
		SourceRef:     t.SourceRef,
		DestRef:       t.DestRef,
		Status:        t.Status,
		ChainTxHandle: t.ChainTxHandle,
		Attempts:      t.Attempts,
		ErrorReason:   t.Reason(),
		Timestamp:     t.UpdatedAt,
	}
}

// SubmissionMessage is one transfer request on the intake topic.
type SubmissionMessage struct {
	Direction  string `json:"direction" validate:"required,oneof=deposit withdrawal"`
	Amount     uint64 `json:"amount" validate:"required,gt=0"`
	SourceRef  string `json:"source_ref" validate:"required,max=128"`
	DestRef    string `json:"dest_ref" validate:"required,max=128"`
	RequestRef string `json:"request_ref,omitempty" validate:"omitempty,max=160"`
}

func (m SubmissionMessage) ToRequest() model.SubmissionRequest {
	return model.SubmissionRequest{
		Direction:  model.Direction(m.Direction),
		Amount:     m.Amount,
		SourceRef:  m.SourceRef,
		DestRef:    m.DestRef,
		RequestRef: m.RequestRef,
	}
}
