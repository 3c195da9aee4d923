// Package environment resolves the network a client talks to. The set of
// networks is closed; a Context is built once at startup and handed by value
// to the lookup client and the attestation machine.
package environment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pnp-attest/pnp-go/blinding"
	"github.com/pnp-attest/pnp-go/blinding/bls"
	"github.com/pnp-attest/pnp-go/blinding/voprf"
)

type Network int

const (
	Mainnet Network = iota + 1
	Alfajores
	Local
)

var ErrUnknownNetwork = errors.New("unknown network environment")

// RegistryAddress is the well-known address of the contract registry on all
// supported networks.
var RegistryAddress = common.HexToAddress("0x000000000000000000000000000000000000ce10")

type defaults struct {
	name    string
	chainID uint64
	rpcURL  string
	odisURL string
}

var networks = map[Network]defaults{
	Mainnet: {
		name:    "mainnet",
		chainID: 42220,
		rpcURL:  "https://forno.celo.org",
		odisURL: "https://us-central1-celo-pgpnp-mainnet.cloudfunctions.net",
	},
	Alfajores: {
		name:    "alfajores",
		chainID: 44787,
		rpcURL:  "https://alfajores-forno.celo-testnet.org",
		odisURL: "https://us-central1-celo-phone-number-privacy.cloudfunctions.net",
	},
	Local: {
		name:    "local",
		chainID: 1337,
		rpcURL:  "http://127.0.0.1:8545",
		odisURL: "http://127.0.0.1:8081",
	},
}

func (n Network) String() string {
	if d, ok := networks[n]; ok {
		return d.name
	}
	return fmt.Sprintf("Network(%d)", int(n))
}

func (n Network) ChainID() uint64 {
	return networks[n].chainID
}

// Parse accepts a network name or its chain id.
func Parse(s string) (Network, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for n, d := range networks {
		if key == d.name || key == fmt.Sprint(d.chainID) {
			return n, nil
		}
	}
	switch key {
	case "dev", "devnet":
		return Local, nil
	case "celo", "main":
		return Mainnet, nil
	case "testnet":
		return Alfajores, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownNetwork, s)
}

// Context carries everything a lookup or an attestation needs to know about
// the network. It is passed by value and never mutated after Load.
type Context struct {
	Network Network
	ChainID uint64
	RPCURL  string

	ODISURL       string
	ODISPublicKey []byte
	Scheme        blinding.Scheme

	AttestationsAddress common.Address
	// Threshold is the number of completed attestations after which the
	// identifier counts as attested by this client.
	Threshold int

	LookupTimeout     time.Duration
	RetryAttempts     int
	ConfirmationPolls int
	PollInterval      time.Duration
}

// New returns the built-in defaults of n.
func New(n Network) (Context, error) {
	d, ok := networks[n]
	if !ok {
		return Context{}, ErrUnknownNetwork
	}
	return Context{
		Network:           n,
		ChainID:           d.chainID,
		RPCURL:            d.rpcURL,
		ODISURL:           d.odisURL,
		Scheme:            blinding.SchemeBLS12381,
		Threshold:         2,
		LookupTimeout:     10 * time.Second,
		RetryAttempts:     3,
		ConfirmationPolls: 30,
		PollInterval:      time.Second,
	}, nil
}

func (c Context) Validate() error {
	if _, ok := networks[c.Network]; !ok {
		return ErrUnknownNetwork
	}
	if c.ODISURL == "" {
		return errors.New("odis url not configured")
	}
	if len(c.ODISPublicKey) == 0 {
		return errors.New("odis public key not configured")
	}
	if c.RPCURL == "" {
		return errors.New("rpc url not configured")
	}
	if c.LookupTimeout <= 0 {
		return errors.New("lookup timeout must be positive")
	}
	if c.ConfirmationPolls <= 0 {
		return errors.New("confirmation polls must be positive")
	}
	if c.Threshold <= 0 {
		return errors.New("attestation threshold must be positive")
	}
	return nil
}

// BlindingClient builds the blinding client pinned to the configured service
// key.
func (c Context) BlindingClient() (blinding.Client, error) {
	switch c.Scheme {
	case blinding.SchemeBLS12381:
		return bls.NewClientFromBytes(c.ODISPublicKey)
	case blinding.SchemeVOPRFP384, blinding.SchemeVOPRFRistretto255:
		return voprf.NewClientFromBytes(c.Scheme, c.ODISPublicKey)
	default:
		return nil, fmt.Errorf("unsupported blinding scheme %s", c.Scheme)
	}
}
