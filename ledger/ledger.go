// Package ledger submits and confirms transactions and reads contract state.
// The attestation flow only sees the Ledger interface; EthLedger is the
// go-ethereum backed implementation.
package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Call is a contract invocation, used both for transactions and for reads.
type Call struct {
	// Label names the call in errors and logs, e.g. "request".
	Label string
	To    common.Address
	Data  []byte
	Value *big.Int
}

type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

type Ledger interface {
	// SubmitAndConfirm signs and sends call, then waits for its receipt.
	SubmitAndConfirm(ctx context.Context, call Call) (*Receipt, error)
	// Confirm polls again for a transaction that ended with TxNotConfirmed.
	// It never resubmits.
	Confirm(ctx context.Context, label string, txHash common.Hash) (*Receipt, error)
	Query(ctx context.Context, call Call) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type TxErrorKind int

const (
	// TxRejected means the transaction failed or reverted; resubmitting the
	// same call will not help.
	TxRejected TxErrorKind = iota + 1
	// TxNotConfirmed means the transaction was sent but no receipt was seen
	// within the poll budget. Poll again with Confirm, do not resubmit.
	TxNotConfirmed
)

func (k TxErrorKind) String() string {
	switch k {
	case TxRejected:
		return "rejected"
	case TxNotConfirmed:
		return "not confirmed"
	default:
		return "unknown"
	}
}

type TxError struct {
	Kind   TxErrorKind
	Label  string
	TxHash common.Hash
	Err    error
}

func (e *TxError) Error() string {
	msg := fmt.Sprintf("%s transaction %s", e.Label, e.Kind)
	if e.TxHash != (common.Hash{}) {
		msg += " (" + e.TxHash.Hex() + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TxError) Unwrap() error {
	return e.Err
}
