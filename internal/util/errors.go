package util

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures so callers can react without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindPrecondition
	KindValidation
	KindStore
	KindSubscription
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindValidation:
		return "validation"
	case KindStore:
		return "store"
	case KindSubscription:
		return "subscription"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

var (
	ErrLocationRequired  = errors.New("location sharing required")
	ErrEmptyMessage      = errors.New("message content is empty")
	ErrMessageTooLong    = errors.New("message content is too long")
	ErrNotSessionPair    = errors.New("sender and receiver do not match the chat session")
	ErrRateLimited       = errors.New("too many messages, slow down")
	ErrInvalidCoordinate = errors.New("coordinate out of range")
	ErrViewClosed        = errors.New("view has been torn down")
	ErrProfileNotFound   = errors.New("profile not found")
	ErrNotFriends        = errors.New("users are not friends")
)

// AppError carries a Kind and the operation that failed.
type AppError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *AppError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *AppError) Unwrap() error { return e.Err }

func E(kind Kind, op string, err error) error {
	return &AppError{Kind: kind, Op: op, Err: err}
}

func Precondition(op string, err error) error { return E(KindPrecondition, op, err) }

func Validation(op string, err error) error { return E(KindValidation, op, err) }

func Subscription(op string, err error) error { return E(KindSubscription, op, err) }

// Store wraps a failed store call. A deadline or cancellation becomes KindTimeout.
func Store(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return E(KindTimeout, op, err)
	}
	return E(KindStore, op, err)
}

// KindOf returns the outermost Kind in err's chain.
func KindOf(err error) Kind {
	var e *AppError
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
