package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/pnp-attest/pnp-go/internal/privacylog"
	"github.com/pnp-attest/pnp-go/signer"
)

// Backend is the subset of ethclient.Client used by EthLedger.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ Backend = (*ethclient.Client)(nil)

type EthLedger struct {
	backend           Backend
	signer            signer.KeySigner
	chainID           *big.Int
	confirmationPolls int
	pollInterval      time.Duration
	logger            *slog.Logger
}

type Option func(*EthLedger)

func WithConfirmationPolls(n int) Option {
	return func(l *EthLedger) {
		if n > 0 {
			l.confirmationPolls = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(l *EthLedger) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *EthLedger) {
		l.logger = logger
	}
}

func NewEthLedger(backend Backend, s signer.KeySigner, chainID uint64, opts ...Option) *EthLedger {
	l := &EthLedger{
		backend:           backend,
		signer:            s,
		chainID:           new(big.Int).SetUint64(chainID),
		confirmationPolls: 30,
		pollInterval:      time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = privacylog.OrDiscard(l.logger).With("component", "ledger")
	return l
}

// Dial connects to an RPC endpoint and returns a ledger signing with s.
func Dial(ctx context.Context, url string, s signer.KeySigner, chainID uint64, opts ...Option) (*EthLedger, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewEthLedger(client, s, chainID, opts...), nil
}

func (l *EthLedger) Account() common.Address {
	return l.signer.Address()
}

func (l *EthLedger) BlockNumber(ctx context.Context) (uint64, error) {
	return l.backend.BlockNumber(ctx)
}

func (l *EthLedger) Query(ctx context.Context, call Call) ([]byte, error) {
	to := call.To
	out, err := l.backend.CallContract(ctx, ethereum.CallMsg{
		From:  l.signer.Address(),
		To:    &to,
		Data:  call.Data,
		Value: call.Value,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", call.Label, err)
	}
	return out, nil
}

func (l *EthLedger) SubmitAndConfirm(ctx context.Context, call Call) (*Receipt, error) {
	tx, err := l.buildTx(ctx, call)
	if err != nil {
		return nil, err
	}
	signed, err := l.signer.SignTx(ctx, tx, l.chainID)
	if err != nil {
		return nil, &TxError{Kind: TxRejected, Label: call.Label, Err: fmt.Errorf("sign: %w", err)}
	}
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		return nil, &TxError{Kind: TxRejected, Label: call.Label, TxHash: signed.Hash(), Err: err}
	}
	l.logger.Info("transaction sent", "operation", call.Label, "tx", signed.Hash().Hex())
	return l.confirm(ctx, call.Label, signed.Hash())
}

// Confirm polls again for the receipt of a transaction that previously ended
// with TxNotConfirmed.
func (l *EthLedger) Confirm(ctx context.Context, label string, txHash common.Hash) (*Receipt, error) {
	return l.confirm(ctx, label, txHash)
}

func (l *EthLedger) buildTx(ctx context.Context, call Call) (*types.Transaction, error) {
	from := l.signer.Address()
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	nonce, err := l.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("%s: pending nonce: %w", call.Label, err)
	}
	tip, err := l.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: gas tip: %w", call.Label, err)
	}
	head, err := l.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: latest header: %w", call.Label, err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	to := call.To
	gas, err := l.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Data:  call.Data,
		Value: value,
	})
	if err != nil {
		// A reverting estimate means the transaction would be rejected.
		return nil, &TxError{Kind: TxRejected, Label: call.Label, Err: fmt.Errorf("estimate gas: %w", err)}
	}

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   l.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      call.Data,
	}), nil
}

func (l *EthLedger) confirm(ctx context.Context, label string, txHash common.Hash) (*Receipt, error) {
	var receipt *types.Receipt
	operation := func() error {
		r, err := l.backend.TransactionReceipt(ctx, txHash)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(l.pollInterval), uint64(l.confirmationPolls-1)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, ethereum.NotFound) || ctx.Err() != nil {
			err = fmt.Errorf("no receipt after %d polls: %w", l.confirmationPolls, err)
		}
		return nil, &TxError{Kind: TxNotConfirmed, Label: label, TxHash: txHash, Err: err}
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &TxError{Kind: TxRejected, Label: label, TxHash: txHash, Err: errors.New("execution reverted")}
	}
	l.logger.Info("transaction confirmed", "operation", label, "tx", txHash.Hex(), "block", receipt.BlockNumber.Uint64())
	return &Receipt{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}
