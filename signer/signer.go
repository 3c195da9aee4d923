// Package signer provides the KeySigner capability used to authenticate
// oblivious lookups and to sign on-chain transactions.
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidSignature = errors.New("invalid signature")

// KeySigner signs on behalf of one address. Implementations hold the key
// themselves or forward to a wallet.
type KeySigner interface {
	Address() common.Address
	// Sign returns a 65-byte [R || S || V] personal-message signature over
	// data, with V in {27, 28}.
	Sign(ctx context.Context, data []byte) ([]byte, error)
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// RawKeySigner holds a secp256k1 private key in memory.
type RawKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewRawKeySigner(key *ecdsa.PrivateKey) *RawKeySigner {
	return &RawKeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// ParseRawKeySigner accepts a hex private key with or without 0x prefix.
func ParseRawKeySigner(hexKey string) (*RawKeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewRawKeySigner(key), nil
}

func GenerateRawKeySigner() (*RawKeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewRawKeySigner(key), nil
}

func (s *RawKeySigner) Address() common.Address {
	return s.address
}

// PublicKey is the uncompressed secp256k1 public key, used to register the
// key as a data encryption key.
func (s *RawKeySigner) PublicKey() []byte {
	return crypto.FromECDSAPub(&s.key.PublicKey)
}

func (s *RawKeySigner) Sign(_ context.Context, data []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(data), s.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func (s *RawKeySigner) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// RecoverAddress returns the address that produced a Sign signature over data.
func RecoverAddress(data, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(data), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature reports whether sig is a Sign signature over data by addr.
func VerifySignature(addr common.Address, data, sig []byte) bool {
	recovered, err := RecoverAddress(data, sig)
	return err == nil && recovered == addr
}
