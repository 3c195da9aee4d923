package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/pnp-attest/pnp-go/identifier"
)

// AttestationStatus mirrors the on-chain enum.
type AttestationStatus uint8

const (
	StatusNone AttestationStatus = iota
	StatusIncomplete
	StatusComplete
)

var ErrInvalidAttestationCode = errors.New("attestation code is not a 65-byte signature")

type UnselectedRequest struct {
	BlockNumber uint32
	Requested   uint32
	FeeToken    common.Address
}

type AttestationState struct {
	Status      AttestationStatus
	BlockNumber uint32
	FeeToken    common.Address
}

type AttestationStats struct {
	Completed uint32
	Total     uint32
}

// ActionableAttestation is an issuer selected for an identifier whose
// attestation is still incomplete.
type ActionableAttestation struct {
	Issuer      common.Address
	BlockNumber uint32
	MetadataURL string
}

// Attestations wraps the attestations contract (and the accounts contract for
// issuer metadata) on top of a Ledger.
type Attestations struct {
	ledger   Ledger
	address  common.Address
	accounts common.Address
}

func NewAttestations(l Ledger, address, accounts common.Address) *Attestations {
	return &Attestations{ledger: l, address: address, accounts: accounts}
}

// ResolveAttestations looks the contract addresses up in the registry.
func ResolveAttestations(ctx context.Context, l Ledger, registry common.Address) (*Attestations, error) {
	address, err := ResolveAddress(ctx, l, registry, "Attestations")
	if err != nil {
		return nil, err
	}
	accounts, err := ResolveAddress(ctx, l, registry, "Accounts")
	if err != nil {
		return nil, err
	}
	return NewAttestations(l, address, accounts), nil
}

func (a *Attestations) Address() common.Address {
	return a.address
}

func (a *Attestations) query(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	return queryContract(ctx, a.ledger, attestationsABI, a.address, method, args...)
}

func (a *Attestations) submit(ctx context.Context, method string, args ...interface{}) (*Receipt, error) {
	data, err := attestationsABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return a.ledger.SubmitAndConfirm(ctx, Call{Label: method, To: a.address, Data: data})
}

// Confirm re-polls the receipt of a transaction sent by an earlier call
// that reported TxNotConfirmed.
func (a *Attestations) Confirm(ctx context.Context, label string, txHash common.Hash) (*Receipt, error) {
	return a.ledger.Confirm(ctx, label, txHash)
}

func queryContract(ctx context.Context, l Ledger, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := l.Query(ctx, Call{Label: method, To: to, Data: data})
	if err != nil {
		return nil, err
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	return values, nil
}

func (a *Attestations) RequestFee(ctx context.Context, feeToken common.Address) (*big.Int, error) {
	values, err := a.query(ctx, "getAttestationRequestFee", feeToken)
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

// Approve lets the attestations contract pull the fee for k attestations
// from the caller's feeToken balance.
func (a *Attestations) Approve(ctx context.Context, feeToken common.Address, k int) (*Receipt, error) {
	fee, err := a.RequestFee(ctx, feeToken)
	if err != nil {
		return nil, err
	}
	amount := new(big.Int).Mul(fee, big.NewInt(int64(k)))
	data, err := erc20ABI.Pack("approve", a.address, amount)
	if err != nil {
		return nil, err
	}
	return a.ledger.SubmitAndConfirm(ctx, Call{Label: "approve", To: feeToken, Data: data})
}

func (a *Attestations) Request(ctx context.Context, id identifier.Identifier, k int, feeToken common.Address) (*Receipt, error) {
	return a.submit(ctx, "request", [32]byte(id), big.NewInt(int64(k)), feeToken)
}

func (a *Attestations) UnselectedRequest(ctx context.Context, id identifier.Identifier, account common.Address) (UnselectedRequest, error) {
	values, err := a.query(ctx, "getUnselectedRequest", [32]byte(id), account)
	if err != nil {
		return UnselectedRequest{}, err
	}
	return UnselectedRequest{
		BlockNumber: values[0].(uint32),
		Requested:   values[1].(uint32),
		FeeToken:    values[2].(common.Address),
	}, nil
}

func (a *Attestations) SelectIssuersWaitBlocks(ctx context.Context) (uint64, error) {
	values, err := a.query(ctx, "selectIssuersWaitBlocks")
	if err != nil {
		return 0, err
	}
	return values[0].(*big.Int).Uint64(), nil
}

func (a *Attestations) SelectIssuers(ctx context.Context, id identifier.Identifier) (*Receipt, error) {
	return a.submit(ctx, "selectIssuers", [32]byte(id))
}

func (a *Attestations) AttestationIssuers(ctx context.Context, id identifier.Identifier, account common.Address) ([]common.Address, error) {
	values, err := a.query(ctx, "getAttestationIssuers", [32]byte(id), account)
	if err != nil {
		return nil, err
	}
	return values[0].([]common.Address), nil
}

func (a *Attestations) AttestationState(ctx context.Context, id identifier.Identifier, account, issuer common.Address) (AttestationState, error) {
	values, err := a.query(ctx, "getAttestationState", [32]byte(id), account, issuer)
	if err != nil {
		return AttestationState{}, err
	}
	return AttestationState{
		Status:      AttestationStatus(values[0].(uint8)),
		BlockNumber: values[1].(uint32),
		FeeToken:    values[2].(common.Address),
	}, nil
}

func (a *Attestations) Stats(ctx context.Context, id identifier.Identifier, account common.Address) (AttestationStats, error) {
	values, err := a.query(ctx, "getAttestationStats", [32]byte(id), account)
	if err != nil {
		return AttestationStats{}, err
	}
	return AttestationStats{Completed: values[0].(uint32), Total: values[1].(uint32)}, nil
}

func (a *Attestations) MetadataURL(ctx context.Context, issuer common.Address) (string, error) {
	if a.accounts == (common.Address{}) {
		return "", nil
	}
	values, err := queryContract(ctx, a.ledger, accountsABI, a.accounts, "getMetadataURL", issuer)
	if err != nil {
		return "", err
	}
	return values[0].(string), nil
}

// ActionableAttestations lists the selected issuers whose attestation for
// (id, account) is still incomplete.
func (a *Attestations) ActionableAttestations(ctx context.Context, id identifier.Identifier, account common.Address) ([]ActionableAttestation, error) {
	issuers, err := a.AttestationIssuers(ctx, id, account)
	if err != nil {
		return nil, err
	}
	out := make([]ActionableAttestation, 0, len(issuers))
	for _, issuer := range issuers {
		state, err := a.AttestationState(ctx, id, account, issuer)
		if err != nil {
			return nil, err
		}
		if state.Status != StatusIncomplete {
			continue
		}
		url, err := a.MetadataURL(ctx, issuer)
		if err != nil {
			return nil, err
		}
		out = append(out, ActionableAttestation{
			Issuer:      issuer,
			BlockNumber: state.BlockNumber,
			MetadataURL: url,
		})
	}
	return out, nil
}

// SplitAttestationCode splits a 65-byte [R || S || V] attestation code.
func SplitAttestationCode(code []byte) (v uint8, r, s [32]byte, err error) {
	if len(code) != 65 {
		return 0, r, s, ErrInvalidAttestationCode
	}
	copy(r[:], code[:32])
	copy(s[:], code[32:64])
	v = code[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}

// ValidateAttestationCode returns the issuer that signed code for
// (id, account), or the zero address when the code is not valid.
func (a *Attestations) ValidateAttestationCode(ctx context.Context, id identifier.Identifier, account common.Address, code []byte) (common.Address, error) {
	v, r, s, err := SplitAttestationCode(code)
	if err != nil {
		return common.Address{}, err
	}
	values, err := a.query(ctx, "validateAttestationCode", [32]byte(id), account, v, r, s)
	if err != nil {
		return common.Address{}, err
	}
	return values[0].(common.Address), nil
}

func (a *Attestations) Complete(ctx context.Context, id identifier.Identifier, code []byte) (*Receipt, error) {
	v, r, s, err := SplitAttestationCode(code)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, "complete", [32]byte(id), v, r, s)
}

// LookupAccounts returns the accounts that completed attestations for id.
func (a *Attestations) LookupAccounts(ctx context.Context, id identifier.Identifier) ([]common.Address, error) {
	values, err := a.query(ctx, "lookupAccountsForIdentifier", [32]byte(id))
	if err != nil {
		return nil, err
	}
	return values[0].([]common.Address), nil
}
