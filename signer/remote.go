package signer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// RemoteSigner forwards signing to a wallet reachable over JSON-RPC
// (eth_sign, eth_signTransaction). The key never enters this process.
type RemoteSigner struct {
	client  *rpc.Client
	address common.Address
}

func NewRemoteSigner(client *rpc.Client, address common.Address) *RemoteSigner {
	return &RemoteSigner{client: client, address: address}
}

func DialRemoteSigner(ctx context.Context, url string, address common.Address) (*RemoteSigner, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial remote signer: %w", err)
	}
	return NewRemoteSigner(client, address), nil
}

func (s *RemoteSigner) Address() common.Address {
	return s.address
}

func (s *RemoteSigner) Sign(ctx context.Context, data []byte) ([]byte, error) {
	var sig hexutil.Bytes
	if err := s.client.CallContext(ctx, &sig, "eth_sign", s.address, hexutil.Bytes(data)); err != nil {
		return nil, fmt.Errorf("eth_sign: %w", err)
	}
	if len(sig) != 65 {
		return nil, ErrInvalidSignature
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

type sendTxArgs struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to"`
	Gas                  hexutil.Uint64  `json:"gas"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	Value                *hexutil.Big    `json:"value"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	Data                 hexutil.Bytes   `json:"data"`
	ChainID              *hexutil.Big    `json:"chainId"`
}

type signTxResult struct {
	Raw hexutil.Bytes `json:"raw"`
}

func (s *RemoteSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	args := sendTxArgs{
		From:    s.address,
		To:      tx.To(),
		Gas:     hexutil.Uint64(tx.Gas()),
		Value:   (*hexutil.Big)(tx.Value()),
		Nonce:   hexutil.Uint64(tx.Nonce()),
		Data:    tx.Data(),
		ChainID: (*hexutil.Big)(chainID),
	}
	if tx.Type() == types.DynamicFeeTxType {
		args.MaxFeePerGas = (*hexutil.Big)(tx.GasFeeCap())
		args.MaxPriorityFeePerGas = (*hexutil.Big)(tx.GasTipCap())
	} else {
		args.GasPrice = (*hexutil.Big)(tx.GasPrice())
	}

	var res signTxResult
	if err := s.client.CallContext(ctx, &res, "eth_signTransaction", args); err != nil {
		return nil, fmt.Errorf("eth_signTransaction: %w", err)
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(res.Raw); err != nil {
		return nil, fmt.Errorf("decode signed transaction: %w", err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		return nil, fmt.Errorf("recover transaction sender: %w", err)
	}
	if sender != s.address {
		return nil, fmt.Errorf("wallet signed as %s, expected %s", sender.Hex(), s.address.Hex())
	}
	return signed, nil
}

func (s *RemoteSigner) Close() {
	s.client.Close()
}
