// Package domain defines the contract to the upstream number provider.
package domain

import (
	"context"
	"errors"
	"fmt"
)

// PurchasedNumber is the provider's answer to a successful number purchase.
// Cost is what the provider charges us, cents.
type PurchasedNumber struct {
	PhoneNumber  string
	ActivationID string
	Cost         int64
}

// Gateway is the thin contract to the upstream resource provider. Every call
// must honor the passed context deadline; failures are reported as *Error with
// a classified kind so callers can route retry-vs-abort decisions without
// matching on error types.
type Gateway interface {
	BuyNumber(ctx context.Context, country, service string) (PurchasedNumber, error)
	GetCode(ctx context.Context, activationID string) (string, error)
	Cancel(ctx context.Context, activationID string) (bool, error)
	GetBalance(ctx context.Context) (int64, error)
}

// ErrNoCode means the provider answered but no code has been delivered yet.
// It is an expected polling outcome, not a failure.
var ErrNoCode = errors.New("no_code_yet")

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	// KindConnection covers DNS, dial and transport failures; retryable.
	KindConnection ErrorKind = "connection"
	// KindTimeout covers deadline-exceeded provider calls; retryable.
	KindTimeout ErrorKind = "timeout"
	// KindRejected covers explicit provider refusals (no numbers, bad key,
	// unknown activation); not retryable.
	KindRejected ErrorKind = "rejected"
)

// Error is a classified provider failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as a classified provider error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the error kind, defaulting to connection for unclassified
// transport errors.
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindConnection
}

// IsRetryable reports whether the failure is transient from the provider's
// point of view. Rejections are final; everything else may heal.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrNoCode) {
		return false
	}
	return KindOf(err) != KindRejected
}
