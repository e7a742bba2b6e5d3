package bridgeerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("collect signatures: %w", New(KindNoQuorum, "2 of 3", nil))

	assert.ErrorIs(t, err, NoQuorum)
	assert.NotErrorIs(t, err, ChainSubmit)
	assert.Equal(t, KindNoQuorum, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unclassified", errors.New("boom"), true},
		{"validation", New(KindValidation, "bad address", nil), false},
		{"reverted", New(KindChainReverted, "", nil), false},
		{"duplicate", New(KindDuplicateRequest, "", nil), false},
		{"timeout", New(KindChainTimeout, "", nil), true},
		{"store", New(KindStore, "", nil), true},
		{"override", &Error{Kind: KindChainSubmit, Retryable: false}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestFromChainCall(t *testing.T) {
	assert.NoError(t, FromChainCall(nil, KindChainLookup, "x"))

	timeout := FromChainCall(context.DeadlineExceeded, KindChainLookup, "get transaction")
	assert.Equal(t, KindChainTimeout, KindOf(timeout))
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)

	lookup := FromChainCall(errors.New("connection reset"), KindChainLookup, "get transaction")
	assert.Equal(t, KindChainLookup, KindOf(lookup))
	assert.Equal(t, "chain_lookup_error: get transaction: connection reset", lookup.Error())

	// Already classified errors keep their kind.
	reverted := New(KindChainReverted, "status 0", nil)
	assert.Same(t, reverted, FromChainCall(reverted, KindChainSubmit, "submit"))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "no_quorum", (&Error{Kind: KindNoQuorum}).Error())
	assert.Equal(t, "no_quorum: 1 of 3", New(KindNoQuorum, "1 of 3", nil).Error())
	assert.Equal(t, "store_error: disk full", New(KindStore, "", errors.New("disk full")).Error())
}
