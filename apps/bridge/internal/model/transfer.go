package model

import (
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

type Direction string

const (
	DirectionDeposit    Direction = "deposit"    // chain-A -> chain-B
	DirectionWithdrawal Direction = "withdrawal" // chain-B -> chain-A
)

type Status string

const (
	StatusPending             Status = "pending"
	StatusValidating          Status = "validating"
	StatusSigning             Status = "signing"
	StatusSubmitting          Status = "submitting"
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusPendingRetry        Status = "pending_retry"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusAlreadyProcessed    Status = "already_processed"
)

// transitions is the lifecycle graph. Anything not listed here is a backward
// or sideways move and must be rejected.
var transitions = map[Status][]Status{
	StatusPending:             {StatusValidating, StatusAlreadyProcessed, StatusPendingRetry, StatusFailed},
	StatusValidating:          {StatusSigning, StatusPendingRetry, StatusFailed},
	StatusSigning:             {StatusSubmitting, StatusPendingRetry, StatusFailed},
	StatusSubmitting:          {StatusPendingConfirmation, StatusPendingRetry, StatusFailed},
	StatusPendingConfirmation: {StatusCompleted, StatusFailed},
	StatusPendingRetry:        {StatusValidating},
}

// CanTransition reports whether the graph has an edge from -> to. Staying in
// the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAlreadyProcessed
}

// NonTerminalStatuses are reloaded on restart.
var NonTerminalStatuses = []Status{
	StatusPending,
	StatusValidating,
	StatusSigning,
	StatusSubmitting,
	StatusPendingConfirmation,
	StatusPendingRetry,
}

type Signature struct {
	OperatorID  string    `json:"operator_id"`
	Signature   []byte    `json:"signature"`
	SignedAt    time.Time `json:"signed_at"`
	Placeholder bool      `json:"placeholder,omitempty"`
}

// SignatureSet is ordered by operator id ascending.
type SignatureSet struct {
	Signatures  []Signature `json:"signatures"`
	PayloadHash string      `json:"payload_hash"`
	CollectedAt time.Time   `json:"collected_at"`
	Provisional bool        `json:"provisional,omitempty"`
}

func (s *SignatureSet) Empty() bool {
	return s == nil || len(s.Signatures) == 0
}

func (s *SignatureSet) Bytes() [][]byte {
	if s == nil {
		return nil
	}
	out := make([][]byte, 0, len(s.Signatures))
	for _, sig := range s.Signatures {
		out = append(out, sig.Signature)
	}
	return out
}

type Transfer struct {
	ID            string        `db:"id"`
	Direction     Direction     `db:"direction"`
	Amount        uint64        `db:"amount"` // satoshis
	SourceRef     string        `db:"source_ref"`
	DestRef       string        `db:"dest_ref"`
	RequestRef    string        `db:"request_ref"`
	Status        Status        `db:"status"`
	ChainTxHandle string        `db:"chain_tx_handle"`
	SignedTx      string        `db:"signed_tx"` // hex, recorded before the first broadcast
	SignatureSet  *SignatureSet `db:"signature_set"`
	Attempts      int           `db:"attempts"`
	ErrorReason   *string       `db:"error_reason"` // nullable field
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
	SubmittedAt   *time.Time    `db:"submitted_at"`
	CompletedAt   *time.Time    `db:"completed_at"`
	FailedAt      *time.Time    `db:"failed_at"`
}

// DedupKey is the reference a second request must match to be treated as a
// duplicate. Deposits dedupe on the chain-A txid; withdrawals only when the
// caller supplied a request reference, since one sender may withdraw many times.
func (t *Transfer) DedupKey() string {
	return DedupKey(t.Direction, t.SourceRef, t.RequestRef)
}

func DedupKey(direction Direction, sourceRef, requestRef string) string {
	switch direction {
	case DirectionDeposit:
		return string(direction) + ":" + sourceRef
	case DirectionWithdrawal:
		if requestRef == "" {
			return ""
		}
		return string(direction) + ":" + requestRef
	}
	return ""
}

// Key is the chain-B contract's idempotency key for this transfer. Transfers
// without a dedup reference fall back to their id.
func (t *Transfer) Key() [32]byte {
	ref := t.DedupKey()
	if ref == "" {
		ref = "id:" + t.ID
	}
	return crypto.Keccak256Hash([]byte(ref))
}

// Clone returns a deep copy so callers never share mutable state with the store.
func (t *Transfer) Clone() *Transfer {
	if t == nil {
		return nil
	}
	c := *t
	if t.SignatureSet != nil {
		set := *t.SignatureSet
		set.Signatures = make([]Signature, len(t.SignatureSet.Signatures))
		for i, sig := range t.SignatureSet.Signatures {
			set.Signatures[i] = sig
			set.Signatures[i].Signature = append([]byte(nil), sig.Signature...)
		}
		c.SignatureSet = &set
	}
	c.ErrorReason = cloneString(t.ErrorReason)
	c.SubmittedAt = cloneTime(t.SubmittedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.FailedAt = cloneTime(t.FailedAt)
	return &c
}

func (t *Transfer) Reason() string {
	if t.ErrorReason == nil {
		return ""
	}
	return *t.ErrorReason
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := *ts
	return &v
}

// SubmissionRequest is what the intake surfaces hand to the engine.
type SubmissionRequest struct {
	Direction  Direction `json:"direction"`
	Amount     uint64    `json:"amount"`
	SourceRef  string    `json:"source_ref"`
	DestRef    string    `json:"dest_ref"`
	RequestRef string    `json:"request_ref,omitempty"`
}
