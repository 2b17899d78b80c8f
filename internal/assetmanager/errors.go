package assetmanager

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation was rejected.
type Kind int

const (
	// KindAuthorization means the caller may not perform the operation.
	KindAuthorization Kind = iota + 1
	// KindStatePrecondition means the agent or request is in the wrong state.
	KindStatePrecondition
	// KindProofValidity means an attestation proof was invalid or did not match the request.
	KindProofValidity
	// KindBounds means a value was outside its allowed range.
	KindBounds
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindStatePrecondition:
		return "state precondition"
	case KindProofValidity:
		return "proof validity"
	case KindBounds:
		return "bounds"
	default:
		return "unknown"
	}
}

// Error is a rejected operation. Reason is a short machine-checkable string.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind, and other errors by kind and reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// Sentinels for errors.Is checks by kind.
var (
	ErrUnauthorized      = &Error{Kind: KindAuthorization}
	ErrStatePrecondition = &Error{Kind: KindStatePrecondition}
	ErrInvalidProof      = &Error{Kind: KindProofValidity}
	ErrOutOfBounds       = &Error{Kind: KindBounds}
)

func unauthorized(reason string) error {
	return &Error{Kind: KindAuthorization, Reason: reason}
}

func precondition(reason string) error {
	return &Error{Kind: KindStatePrecondition, Reason: reason}
}

func invalidProof(reason string, err error) error {
	return &Error{Kind: KindProofValidity, Reason: reason, Err: err}
}

func outOfBounds(reason string) error {
	return &Error{Kind: KindBounds, Reason: reason}
}

// ReasonOf returns the reason of a rejected operation, or "" for other errors.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// KindOf returns the kind of a rejected operation, or 0 for other errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
