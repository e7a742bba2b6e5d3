// Package bridgeerr defines the small error taxonomy shared by the engine's
// components. Components return these instead of raw chain or RPC errors so
// the state machine can decide between retry and terminal failure.
package bridgeerr

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation               Kind = "validation_error"
	KindInsufficientConfirmation Kind = "insufficient_confirmations"
	KindNoQuorum                 Kind = "no_quorum"
	KindChainSubmit              Kind = "chain_submit_error"
	KindChainTimeout             Kind = "chain_timeout"
	KindChainLookup              Kind = "chain_lookup_error"
	KindChainReverted            Kind = "chain_reverted"
	KindPendingFallback          Kind = "pending_fallback"
	KindStore                    Kind = "store_error"
	KindDuplicateRequest         Kind = "duplicate_request"
)

// Error is a classified failure. Retryable is fixed by the kind unless the
// constructor says otherwise.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err, NoQuorum) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// Sentinels for errors.Is comparisons.
var (
	Validation                = &Error{Kind: KindValidation}
	InsufficientConfirmations = &Error{Kind: KindInsufficientConfirmation}
	NoQuorum                  = &Error{Kind: KindNoQuorum}
	ChainSubmit               = &Error{Kind: KindChainSubmit}
	ChainTimeout              = &Error{Kind: KindChainTimeout}
	ChainLookup               = &Error{Kind: KindChainLookup}
	ChainReverted             = &Error{Kind: KindChainReverted}
	PendingFallback           = &Error{Kind: KindPendingFallback}
)

// New wraps err with kind. Retryable starts from the kind's default.
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err, Retryable: retryableByDefault(kind)}
}

func retryableByDefault(kind Kind) bool {
	switch kind {
	case KindValidation, KindChainReverted, KindDuplicateRequest:
		return false
	}
	return true
}

// KindOf returns the kind of a classified error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable treats unclassified errors as retryable: an unknown failure
// should never terminate a transfer on its own.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// FromChainCall classifies a raw collaborator error. Deadline and
// cancellation become chain_timeout; anything else takes fallbackKind.
func FromChainCall(err error, fallbackKind Kind, message string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return New(KindChainTimeout, message, err)
	}
	return New(fallbackKind, message, err)
}
