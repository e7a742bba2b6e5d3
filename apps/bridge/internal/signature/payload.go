package signature

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"bridge/apps/bridge/internal/model"
)

// Payload is what every operator signs for a transfer.
type Payload struct {
	TransferKey common.Hash     `json:"transfer_key"`
	Direction   model.Direction `json:"direction"`
	Amount      uint64          `json:"amount"`
	Destination string          `json:"destination"`
}

// NewPayload builds the payload operators sign for t.
func NewPayload(t *model.Transfer) Payload {
	return Payload{
		TransferKey: t.Key(),
		Direction:   t.Direction,
		Amount:      t.Amount,
		Destination: t.DestRef,
	}
}

// Canonical encoding: key || len(direction) || direction || amount (big endian) || destination.
func (p Payload) Canonical() []byte {
	out := make([]byte, 0, 32+1+len(p.Direction)+8+len(p.Destination))
	out = append(out, p.TransferKey.Bytes()...)
	out = append(out, byte(len(p.Direction)))
	out = append(out, p.Direction...)
	out = binary.BigEndian.AppendUint64(out, p.Amount)
	out = append(out, p.Destination...)
	return out
}

func (p Payload) Hash() common.Hash {
	return crypto.Keccak256Hash(p.Canonical())
}
