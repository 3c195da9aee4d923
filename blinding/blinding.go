// Package blinding defines the client side of a blind evaluation: a message is
// masked with a fresh blinding factor, sent to a signing service, and the
// service's response is verified against a pinned public key before it is
// unblinded.
//
// Implementations live in sub-packages: bls (BLS12-381 blind signatures, the
// threshold construction used by phone-number lookup services) and voprf
// (RFC 9497 verifiable OPRF).
package blinding

import (
	"errors"
)

var (
	ErrMalformedPublicKey = errors.New("malformed service public key")
	ErrPointNotOnCurve    = errors.New("response is not a valid group element")
	ErrInvalidSignature   = errors.New("response does not verify under the service public key")
	ErrStateConsumed      = errors.New("blinding state already finalized or discarded")
	ErrInvalidBlind       = errors.New("invalid blinding factor")
)

// Scheme identifies a blinding construction.
type Scheme uint8

const (
	SchemeBLS12381 Scheme = iota + 1
	SchemeVOPRFP384
	SchemeVOPRFRistretto255
)

func (s Scheme) String() string {
	switch s {
	case SchemeBLS12381:
		return "bls12381"
	case SchemeVOPRFP384:
		return "voprf-p384"
	case SchemeVOPRFRistretto255:
		return "voprf-ristretto255"
	default:
		return "unknown"
	}
}

// ParseScheme is the inverse of Scheme.String.
func ParseScheme(name string) (Scheme, error) {
	switch name {
	case "bls12381", "":
		return SchemeBLS12381, nil
	case "voprf-p384":
		return SchemeVOPRFP384, nil
	case "voprf-ristretto255":
		return SchemeVOPRFRistretto255, nil
	default:
		return 0, errors.New("unknown blinding scheme: " + name)
	}
}

// Client blinds messages against one pinned service public key.
type Client interface {
	Blind(message []byte) (RequestState, error)
	Scheme() Scheme
}

// RequestState owns the blinding factor of exactly one request. It is the only
// holder of the factor: Finalize consumes it and Discard erases it.
type RequestState interface {
	// BlindedMessage is the encoding sent to the service.
	BlindedMessage() []byte
	// Finalize verifies response under the service key and, only if it
	// verifies, unblinds it. The blinding factor is erased either way.
	Finalize(response []byte) ([]byte, error)
	// Discard erases the blinding factor without finalizing.
	Discard()
}
