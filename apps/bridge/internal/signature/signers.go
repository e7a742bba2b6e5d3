package signature

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"bridge/apps/bridge/internal/model"
)

// SignRequest is the body POSTed to an operator's /sign endpoint.
type SignRequest struct {
	TransferKey string          `json:"transfer_key"`
	Direction   model.Direction `json:"direction"`
	Amount      uint64          `json:"amount"`
	Destination string          `json:"destination"`
	PayloadHash string          `json:"payload_hash"`
}

type SignResponse struct {
	OperatorID string        `json:"operator_id"`
	Signature  hexutil.Bytes `json:"signature"`
	SignedAt   time.Time     `json:"signed_at"`
}

// HTTPSigner reaches operators over HTTP at the endpoints configured per
// operator id.
type HTTPSigner struct {
	endpoints map[string]string
	client    *http.Client
}

// NewHTTPSigner maps operator ids to their signing endpoints. A nil client
// uses a default http.Client.
func NewHTTPSigner(endpoints map[string]string, client *http.Client) *HTTPSigner {
	if client == nil {
		client = &http.Client{}
	}
	normalized := make(map[string]string, len(endpoints))
	for id, url := range endpoints {
		normalized[strings.ToLower(id)] = strings.TrimRight(url, "/")
	}
	return &HTTPSigner{endpoints: normalized, client: client}
}

func (s *HTTPSigner) Sign(ctx context.Context, operatorID string, payload Payload) (*model.Signature, error) {
	endpoint, ok := s.endpoints[strings.ToLower(operatorID)]
	if !ok {
		return nil, fmt.Errorf("no endpoint configured for operator %s", operatorID)
	}

	body, err := json.Marshal(SignRequest{
		TransferKey: payload.TransferKey.Hex(),
		Direction:   payload.Direction,
		Amount:      payload.Amount,
		Destination: payload.Destination,
		PayloadHash: payload.Hash().Hex(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach operator %s: %w", operatorID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("operator %s returned %d: %s", operatorID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var signed SignResponse
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return nil, fmt.Errorf("failed to decode operator %s response: %w", operatorID, err)
	}
	if signed.OperatorID != "" && !strings.EqualFold(signed.OperatorID, operatorID) {
		return nil, fmt.Errorf("operator %s answered as %s", operatorID, signed.OperatorID)
	}

	return &model.Signature{
		OperatorID: operatorID,
		Signature:  signed.Signature,
		SignedAt:   signed.SignedAt,
	}, nil
}

// KeySigner signs locally with operator keys held in process. Used for
// single-host deployments and development networks.
type KeySigner struct {
	keys map[string]*ecdsa.PrivateKey
	now  func() time.Time
}

// NewKeySigner indexes keys by their chain-B address, which is the operator id
// the bridge contract reports.
func NewKeySigner(keys ...*ecdsa.PrivateKey) *KeySigner {
	indexed := make(map[string]*ecdsa.PrivateKey, len(keys))
	for _, key := range keys {
		indexed[strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())] = key
	}
	return &KeySigner{keys: indexed, now: time.Now}
}

func (s *KeySigner) Sign(_ context.Context, operatorID string, payload Payload) (*model.Signature, error) {
	key, ok := s.keys[strings.ToLower(operatorID)]
	if !ok {
		return nil, fmt.Errorf("no key held for operator %s", operatorID)
	}
	sig, err := crypto.Sign(payload.Hash().Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}
	return &model.Signature{OperatorID: operatorID, Signature: sig, SignedAt: s.now()}, nil
}

// Recover returns the address that produced sig over payload.
func Recover(payload Payload, sig []byte) (common.Address, error) {
	pub, err := crypto.SigToPub(payload.Hash().Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
