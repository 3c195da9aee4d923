package attestation

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

type StateErrorKind int

const (
	// TxFailed is a rejected or unconfirmed request-phase transaction.
	TxFailed StateErrorKind = iota + 1
	// PreconditionNotMet is returned when issuer selection is attempted
	// before enough blocks have passed since the request.
	PreconditionNotMet
	InvalidTransition
	// IssuerFailed reports that one issuer's flow ended in Failed. Other
	// issuers are unaffected.
	IssuerFailed
)

func (k StateErrorKind) String() string {
	switch k {
	case TxFailed:
		return "tx_failed"
	case PreconditionNotMet:
		return "precondition_not_met"
	case InvalidTransition:
		return "invalid_transition"
	case IssuerFailed:
		return "issuer_failed"
	default:
		return "unknown"
	}
}

type StateError struct {
	Kind   StateErrorKind
	Phase  Phase
	Issuer common.Address
	Err    error
}

func (e *StateError) Error() string {
	msg := fmt.Sprintf("attestation %s in phase %s", e.Kind, e.Phase)
	if e.Issuer != (common.Address{}) {
		msg += " for issuer " + e.Issuer.Hex()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StateError) Unwrap() error {
	return e.Err
}
