package odis

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindTransport covers timeouts, connection failures and 5xx answers.
	KindTransport Kind = iota + 1
	// KindInvalidSignature means the response did not verify against the
	// pinned service key. Retrying against the same key will not help.
	KindInvalidSignature
	// KindQuotaExceeded means the account has no query quota left.
	KindQuotaExceeded
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindInvalidSignature:
		return "invalid_signature"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

type LookupError struct {
	Kind Kind
	Err  error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("odis lookup failed (%s): %v", e.Kind, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same lookup may succeed if tried again
// without any remediation.
func (e *LookupError) Retryable() bool {
	return e.Kind == KindTransport
}

// KindOf returns the Kind of a LookupError in err's chain, or 0.
func KindOf(err error) Kind {
	var lookupErr *LookupError
	if errors.As(err, &lookupErr) {
		return lookupErr.Kind
	}
	return 0
}

func newLookupError(kind Kind, err error) *LookupError {
	return &LookupError{Kind: kind, Err: err}
}
