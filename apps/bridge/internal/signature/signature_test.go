package signature

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/bridgeerr"
	"bridge/apps/bridge/internal/fallback"
	"bridge/apps/bridge/internal/model"
)

type staticOperators struct {
	ids []string
	err error
}

func (s staticOperators) GetActiveOperators(context.Context) ([]string, error) {
	return s.ids, s.err
}

type signerFunc func(ctx context.Context, operatorID string, payload Payload) (*model.Signature, error)

func (f signerFunc) Sign(ctx context.Context, operatorID string, payload Payload) (*model.Signature, error) {
	return f(ctx, operatorID, payload)
}

func newKeys(t *testing.T, n int) ([]*ecdsa.PrivateKey, []string) {
	keys := make([]*ecdsa.PrivateKey, 0, n)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		keys = append(keys, key)
		ids = append(ids, crypto.PubkeyToAddress(key.PublicKey).Hex())
	}
	return keys, ids
}

func testPayload() Payload {
	return NewPayload(&model.Transfer{
		ID:        "t-1",
		Direction: model.DirectionDeposit,
		Amount:    100_000,
		SourceRef: "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b",
		DestRef:   "0x8236a87084f8b84306f72007f36f2618a5634494",
	})
}

func newTestCoordinator(operators OperatorSet, signer Signer, cfg Config) (*Coordinator, *fallback.Registry) {
	registry := fallback.NewRegistry(fallback.DefaultConfig(), zap.NewNop())
	return NewCoordinator(operators, signer, registry, cfg, zap.NewNop()), registry
}

func TestCollectSignaturesQuorum(t *testing.T) {
	keys, ids := newKeys(t, 5)
	coordinator, _ := newTestCoordinator(staticOperators{ids: ids}, NewKeySigner(keys...),
		Config{QuorumMin: 3, Timeout: time.Second, MaxAge: time.Minute})

	payload := testPayload()
	set, err := coordinator.CollectSignatures(context.Background(), payload)
	require.NoError(t, err)
	require.Len(t, set.Signatures, 3)
	assert.False(t, set.Provisional)
	assert.Equal(t, payload.Hash().Hex(), set.PayloadHash)

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for i, sig := range set.Signatures {
		assert.Equal(t, sorted[i], sig.OperatorID)
		signer, err := Recover(payload, sig.Signature)
		require.NoError(t, err)
		assert.Equal(t, sig.OperatorID, signer.Hex())
	}
}

func TestCollectSignaturesTooFewOperators(t *testing.T) {
	keys, ids := newKeys(t, 2)
	coordinator, registry := newTestCoordinator(staticOperators{ids: ids}, NewKeySigner(keys...),
		Config{QuorumMin: 3, AllowEmergencySignatures: true})

	_, err := coordinator.CollectSignatures(context.Background(), testPayload())
	assert.ErrorIs(t, err, bridgeerr.NoQuorum)
	assert.True(t, bridgeerr.IsRetryable(err))

	history := registry.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, fallback.PathPrimary, history[0].Path)
}

func TestCollectSignaturesPartialResponses(t *testing.T) {
	keys, ids := newKeys(t, 4)
	inner := NewKeySigner(keys...)
	down := map[string]bool{ids[0]: true, ids[1]: true}
	signer := signerFunc(func(ctx context.Context, id string, p Payload) (*model.Signature, error) {
		if down[id] {
			return nil, errors.New("connection refused")
		}
		return inner.Sign(ctx, id, p)
	})

	coordinator, _ := newTestCoordinator(staticOperators{ids: ids}, signer, Config{QuorumMin: 3})
	_, err := coordinator.CollectSignatures(context.Background(), testPayload())
	assert.ErrorIs(t, err, bridgeerr.NoQuorum)
	assert.NotErrorIs(t, err, errNoOperatorReachable)
}

func TestCollectSignaturesDropsStaleAndDuplicates(t *testing.T) {
	keys, ids := newKeys(t, 3)
	inner := NewKeySigner(keys...)
	signer := signerFunc(func(ctx context.Context, id string, p Payload) (*model.Signature, error) {
		sig, err := inner.Sign(ctx, id, p)
		if err != nil {
			return nil, err
		}
		if id == ids[2] {
			sig.SignedAt = time.Now().Add(-time.Hour)
		}
		return sig, nil
	})

	// ids[0] is listed twice; only one of its signatures may count.
	active := append([]string{ids[0]}, ids...)
	coordinator, _ := newTestCoordinator(staticOperators{ids: active}, signer,
		Config{QuorumMin: 3, MaxAge: time.Minute})

	_, err := coordinator.CollectSignatures(context.Background(), testPayload())
	assert.ErrorIs(t, err, bridgeerr.NoQuorum)

	coordinator.config.QuorumMin = 2
	set, err := coordinator.CollectSignatures(context.Background(), testPayload())
	require.NoError(t, err)
	require.Len(t, set.Signatures, 2)
	assert.NotEqual(t, set.Signatures[0].OperatorID, set.Signatures[1].OperatorID)
	for _, sig := range set.Signatures {
		assert.NotEqual(t, ids[2], sig.OperatorID)
	}
}

func TestCollectSignaturesRejectsUnverifiableSignatures(t *testing.T) {
	keys, ids := newKeys(t, 4)
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	inner := NewKeySigner(keys...)

	impostor, err := crypto.GenerateKey()
	require.NoError(t, err)
	other := NewKeySigner(impostor)
	impostorID := crypto.PubkeyToAddress(impostor.PublicKey).Hex()

	tests := []struct {
		name string
		bad  func(ctx context.Context, p Payload) (*model.Signature, error)
	}{
		{
			name: "junk bytes",
			bad: func(context.Context, Payload) (*model.Signature, error) {
				return &model.Signature{Signature: []byte{0xde, 0xad, 0xbe, 0xef}, SignedAt: time.Now()}, nil
			},
		},
		{
			name: "signed by another key",
			bad: func(ctx context.Context, p Payload) (*model.Signature, error) {
				return other.Sign(ctx, impostorID, p)
			},
		},
		{
			name: "signed over another payload",
			bad: func(ctx context.Context, p Payload) (*model.Signature, error) {
				p.Amount++
				return inner.Sign(ctx, sorted[0], p)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// The lowest operator id misbehaves, so it would be picked first
			// if its signature were taken at face value.
			signer := signerFunc(func(ctx context.Context, id string, p Payload) (*model.Signature, error) {
				if id == sorted[0] {
					return tt.bad(ctx, p)
				}
				return inner.Sign(ctx, id, p)
			})

			coordinator, _ := newTestCoordinator(staticOperators{ids: ids}, signer,
				Config{QuorumMin: 3, MaxAge: time.Minute})
			set, err := coordinator.CollectSignatures(context.Background(), testPayload())
			require.NoError(t, err)
			require.Len(t, set.Signatures, 3)
			for i, sig := range set.Signatures {
				assert.Equal(t, sorted[i+1], sig.OperatorID)
			}

			coordinator.config.QuorumMin = 4
			_, err = coordinator.CollectSignatures(context.Background(), testPayload())
			assert.ErrorIs(t, err, bridgeerr.NoQuorum)
		})
	}
}

func TestCollectSignaturesRejectsNonAddressOperator(t *testing.T) {
	keys, ids := newKeys(t, 2)
	inner := NewKeySigner(keys...)
	signer := signerFunc(func(ctx context.Context, id string, p Payload) (*model.Signature, error) {
		if id == "operator-7" {
			return inner.Sign(ctx, ids[0], p)
		}
		return inner.Sign(ctx, id, p)
	})

	coordinator, _ := newTestCoordinator(staticOperators{ids: append([]string{"operator-7"}, ids...)}, signer,
		Config{QuorumMin: 3})
	_, err := coordinator.CollectSignatures(context.Background(), testPayload())
	assert.ErrorIs(t, err, bridgeerr.NoQuorum)
}

func TestCollectSignaturesEmergencyFallback(t *testing.T) {
	_, ids := newKeys(t, 3)
	unreachable := signerFunc(func(context.Context, string, Payload) (*model.Signature, error) {
		return nil, errors.New("connection refused")
	})

	t.Run("disabled", func(t *testing.T) {
		coordinator, _ := newTestCoordinator(staticOperators{ids: ids}, unreachable, Config{QuorumMin: 3})
		_, err := coordinator.CollectSignatures(context.Background(), testPayload())
		assert.ErrorIs(t, err, bridgeerr.NoQuorum)
	})

	t.Run("enabled", func(t *testing.T) {
		coordinator, registry := newTestCoordinator(staticOperators{ids: ids}, unreachable,
			Config{QuorumMin: 3, AllowEmergencySignatures: true})
		set, err := coordinator.CollectSignatures(context.Background(), testPayload())
		require.NoError(t, err)
		assert.True(t, set.Provisional)
		require.Len(t, set.Signatures, 3)
		for _, sig := range set.Signatures {
			assert.True(t, sig.Placeholder)
			assert.Empty(t, sig.Signature)
		}

		history := registry.History(0)
		require.Len(t, history, 1)
		assert.Equal(t, fallback.PathFallback, history[0].Path)
	})
}

func TestCollectSignaturesOperatorLookupFailure(t *testing.T) {
	coordinator, _ := newTestCoordinator(staticOperators{err: errors.New("rpc down")}, NewKeySigner(),
		Config{QuorumMin: 1, AllowEmergencySignatures: true})

	_, err := coordinator.CollectSignatures(context.Background(), testPayload())
	assert.ErrorIs(t, err, bridgeerr.ChainLookup)
}

func TestCollectSignaturesIgnoresFallbackMode(t *testing.T) {
	keys, ids := newKeys(t, 3)
	coordinator, registry := newTestCoordinator(staticOperators{ids: ids}, NewKeySigner(keys...),
		Config{QuorumMin: 3, AllowEmergencySignatures: true})
	registry.SetFallbackMode(true)

	set, err := coordinator.CollectSignatures(context.Background(), testPayload())
	require.NoError(t, err)
	assert.False(t, set.Provisional)
}

func TestIsStale(t *testing.T) {
	coordinator, _ := newTestCoordinator(staticOperators{}, NewKeySigner(), Config{QuorumMin: 1, MaxAge: 10 * time.Minute})
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	coordinator.now = func() time.Time { return now }

	fresh := &model.SignatureSet{Signatures: []model.Signature{{OperatorID: "a", Signature: []byte{1}}}, CollectedAt: now.Add(-time.Minute)}
	old := &model.SignatureSet{Signatures: fresh.Signatures, CollectedAt: now.Add(-time.Hour)}

	assert.False(t, coordinator.IsStale(fresh))
	assert.True(t, coordinator.IsStale(old))
	assert.True(t, coordinator.IsStale(nil))
}

func TestPayloadCanonical(t *testing.T) {
	a := testPayload()
	b := testPayload()
	assert.Equal(t, a.Hash(), b.Hash())

	b.Amount++
	assert.NotEqual(t, a.Hash(), b.Hash())

	c := testPayload()
	c.Destination = strings.ToUpper(c.Destination)
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestHTTPSigner(t *testing.T) {
	keys, ids := newKeys(t, 1)
	local := NewKeySigner(keys...)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sign", r.URL.Path)
		var req SignRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, testPayload().Hash().Hex(), req.PayloadHash)

		sig, err := local.Sign(r.Context(), ids[0], testPayload())
		if !assert.NoError(t, err) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(SignResponse{OperatorID: ids[0], Signature: sig.Signature, SignedAt: sig.SignedAt})
	}))
	defer server.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "key locked", http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	signer := NewHTTPSigner(map[string]string{ids[0]: server.URL + "/", "0xdead": failing.URL}, server.Client())

	sig, err := signer.Sign(context.Background(), ids[0], testPayload())
	require.NoError(t, err)
	recovered, err := Recover(testPayload(), sig.Signature)
	require.NoError(t, err)
	assert.Equal(t, ids[0], recovered.Hex())

	_, err = signer.Sign(context.Background(), "0xDEAD", testPayload())
	assert.ErrorContains(t, err, "503")

	_, err = signer.Sign(context.Background(), "0xbeef", testPayload())
	assert.ErrorContains(t, err, "no endpoint")
}
