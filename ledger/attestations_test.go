package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnp-attest/pnp-go/identifier"
)

type method func(args []interface{}) []interface{}

// contractLedger answers queries by ABI method name and records submissions.
type contractLedger struct {
	mu        sync.Mutex
	methods   map[string]method
	submitted []Call
	confirmed []common.Hash
}

func (c *contractLedger) lookup(data []byte) (*abi.Method, error) {
	for _, contract := range []abi.ABI{attestationsABI, accountsABI, registryABI, erc20ABI} {
		if m, err := contract.MethodById(data[:4]); err == nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown selector %x", data[:4])
}

func (c *contractLedger) SubmitAndConfirm(_ context.Context, call Call) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, call)
	return &Receipt{BlockNumber: 1}, nil
}

func (c *contractLedger) Confirm(_ context.Context, _ string, txHash common.Hash) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmed = append(c.confirmed, txHash)
	return &Receipt{TxHash: txHash, BlockNumber: 2}, nil
}

func (c *contractLedger) Query(_ context.Context, call Call) ([]byte, error) {
	m, err := c.lookup(call.Data)
	if err != nil {
		return nil, err
	}
	args, err := m.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	fn, ok := c.methods[m.Name]
	if !ok {
		return nil, fmt.Errorf("no fake for %s", m.Name)
	}
	return m.Outputs.Pack(fn(args)...)
}

func (c *contractLedger) BlockNumber(context.Context) (uint64, error) {
	return 0, nil
}

var (
	testAccount = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	issuerA     = common.HexToAddress("0x10000000000000000000000000000000000000b1")
	issuerB     = common.HexToAddress("0x20000000000000000000000000000000000000b2")
	issuerC     = common.HexToAddress("0x30000000000000000000000000000000000000b3")
	feeToken    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func testIdentifier(t *testing.T) identifier.Identifier {
	id, err := identifier.IdentifierHash("+15172023334", "+8swDgOD5m138")
	require.NoError(t, err)
	return id
}

func TestActionableAttestations(t *testing.T) {
	chain := &contractLedger{methods: map[string]method{
		"getAttestationIssuers": func([]interface{}) []interface{} {
			return []interface{}{[]common.Address{issuerA, issuerB, issuerC}}
		},
		"getAttestationState": func(args []interface{}) []interface{} {
			status := uint8(StatusIncomplete)
			if args[2].(common.Address) == issuerB {
				status = uint8(StatusComplete)
			}
			return []interface{}{status, uint32(77), feeToken}
		},
		"getMetadataURL": func(args []interface{}) []interface{} {
			return []interface{}{"https://metadata.example/" + args[0].(common.Address).Hex()}
		},
	}}
	contract := NewAttestations(chain, common.HexToAddress("0xa7"), common.HexToAddress("0xac"))

	actionable, err := contract.ActionableAttestations(context.Background(), testIdentifier(t), testAccount)
	require.NoError(t, err)
	require.Len(t, actionable, 2)
	assert.Equal(t, issuerA, actionable[0].Issuer)
	assert.Equal(t, issuerC, actionable[1].Issuer)
	assert.Equal(t, uint32(77), actionable[0].BlockNumber)
	assert.Contains(t, actionable[1].MetadataURL, issuerC.Hex())
}

func TestApproveAndRequest(t *testing.T) {
	chain := &contractLedger{methods: map[string]method{
		"getAttestationRequestFee": func([]interface{}) []interface{} {
			return []interface{}{big.NewInt(50)}
		},
	}}
	attestationsAddr := common.HexToAddress("0xa7")
	contract := NewAttestations(chain, attestationsAddr, common.Address{})
	id := testIdentifier(t)

	_, err := contract.Approve(context.Background(), feeToken, 3)
	require.NoError(t, err)
	_, err = contract.Request(context.Background(), id, 3, feeToken)
	require.NoError(t, err)

	require.Len(t, chain.submitted, 2)
	approve := chain.submitted[0]
	assert.Equal(t, feeToken, approve.To)
	args, err := erc20ABI.Methods["approve"].Inputs.Unpack(approve.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, attestationsAddr, args[0])
	assert.Equal(t, big.NewInt(150), args[1])

	request := chain.submitted[1]
	assert.Equal(t, "request", request.Label)
	args, err = attestationsABI.Methods["request"].Inputs.Unpack(request.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, [32]byte(id), args[0])
	assert.Equal(t, big.NewInt(3), args[1])
}

func TestValidateAndComplete(t *testing.T) {
	code := make([]byte, 65)
	code[0] = 0x11
	code[32] = 0x22
	code[64] = 1

	chain := &contractLedger{methods: map[string]method{
		"validateAttestationCode": func(args []interface{}) []interface{} {
			if args[2].(uint8) != 28 {
				return []interface{}{common.Address{}}
			}
			return []interface{}{issuerA}
		},
	}}
	contract := NewAttestations(chain, common.HexToAddress("0xa7"), common.Address{})
	id := testIdentifier(t)

	issuer, err := contract.ValidateAttestationCode(context.Background(), id, testAccount, code)
	require.NoError(t, err)
	assert.Equal(t, issuerA, issuer)

	_, err = contract.Complete(context.Background(), id, code)
	require.NoError(t, err)
	require.Len(t, chain.submitted, 1)
	args, err := attestationsABI.Methods["complete"].Inputs.Unpack(chain.submitted[0].Data[4:])
	require.NoError(t, err)
	assert.Equal(t, uint8(28), args[1])

	_, err = contract.Complete(context.Background(), id, code[:64])
	assert.ErrorIs(t, err, ErrInvalidAttestationCode)
}

func TestUnselectedRequestAndWaitBlocks(t *testing.T) {
	chain := &contractLedger{methods: map[string]method{
		"getUnselectedRequest": func([]interface{}) []interface{} {
			return []interface{}{uint32(1200), uint32(3), feeToken}
		},
		"selectIssuersWaitBlocks": func([]interface{}) []interface{} {
			return []interface{}{big.NewInt(4)}
		},
		"getAttestationStats": func([]interface{}) []interface{} {
			return []interface{}{uint32(2), uint32(3)}
		},
		"lookupAccountsForIdentifier": func([]interface{}) []interface{} {
			return []interface{}{[]common.Address{testAccount}}
		},
	}}
	contract := NewAttestations(chain, common.HexToAddress("0xa7"), common.Address{})
	id := testIdentifier(t)

	req, err := contract.UnselectedRequest(context.Background(), id, testAccount)
	require.NoError(t, err)
	assert.Equal(t, UnselectedRequest{BlockNumber: 1200, Requested: 3, FeeToken: feeToken}, req)

	wait, err := contract.SelectIssuersWaitBlocks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), wait)

	stats, err := contract.Stats(context.Background(), id, testAccount)
	require.NoError(t, err)
	assert.Equal(t, AttestationStats{Completed: 2, Total: 3}, stats)

	accounts, err := contract.LookupAccounts(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{testAccount}, accounts)
}

func TestResolveAttestations(t *testing.T) {
	chain := &contractLedger{methods: map[string]method{
		"getAddressForString": func(args []interface{}) []interface{} {
			switch args[0].(string) {
			case "Attestations":
				return []interface{}{common.HexToAddress("0xa7")}
			case "Accounts":
				return []interface{}{common.HexToAddress("0xac")}
			}
			return []interface{}{common.Address{}}
		},
	}}
	registry := common.HexToAddress("0x000000000000000000000000000000000000ce10")

	contract, err := ResolveAttestations(context.Background(), chain, registry)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xa7"), contract.Address())

	_, err = ResolveAddress(context.Background(), chain, registry, "Unknown")
	assert.Error(t, err)
}

func TestLookupAccounts(t *testing.T) {
	id := testIdentifier(t)
	chain := &contractLedger{methods: map[string]method{
		"lookupAccountsForIdentifier": func(args []interface{}) []interface{} {
			if args[0].([32]byte) != [32]byte(id) {
				return []interface{}{[]common.Address{}}
			}
			return []interface{}{[]common.Address{testAccount}}
		},
	}}
	contract := NewAttestations(chain, common.HexToAddress("0xa7"), common.HexToAddress("0xac"))

	accounts, err := contract.LookupAccounts(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{testAccount}, accounts)

	var other identifier.Identifier
	accounts, err = contract.LookupAccounts(context.Background(), other)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestConfirmDelegatesWithoutResubmitting(t *testing.T) {
	chain := &contractLedger{}
	contract := NewAttestations(chain, common.HexToAddress("0xa7"), common.HexToAddress("0xac"))
	hash := common.HexToHash("0xfeed")

	receipt, err := contract.Confirm(context.Background(), "complete", hash)
	require.NoError(t, err)
	assert.Equal(t, hash, receipt.TxHash)
	assert.Equal(t, []common.Hash{hash}, chain.confirmed)
	assert.Empty(t, chain.submitted)
}
