// Package failure classifies errors crossing component boundaries so callers
// can decide retry and backoff policy without parsing messages.
package failure

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

type Kind int

const (
	Unknown Kind = iota
	Transient
	Integrity
	Resource
	RateLimited
	Auth
	Protocol
	NotFound
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Integrity:
		return "integrity"
	case Resource:
		return "resource"
	case RateLimited:
		return "rate_limited"
	case Auth:
		return "auth"
	case Protocol:
		return "protocol"
	case NotFound:
		return "not_found"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind       Kind
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %s)", msg, e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

func Limited(op string, retryAfter time.Duration) error {
	return &Error{Kind: RateLimited, Op: op, RetryAfter: retryAfter, Err: errors.New("admission denied")}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the same request may succeed later without
// new credentials or operator action.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case Transient, RateLimited:
		return true
	default:
		return false
	}
}

func RetryAfter(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}
