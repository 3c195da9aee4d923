// Package attestation proves ownership of a phone number to the issuers
// selected on chain: it dispatches reveal requests, matches inbound codes to
// their issuer and completes each attestation exactly once.
package attestation

import (
	"github.com/ethereum/go-ethereum/common"
)

type Issuer struct {
	Address    common.Address
	ServiceURL string
	Name       string
	// Prefix is the single character the issuer prepends to the security
	// codes it sends. Zero means SecurityCodePrefix(Address).
	Prefix byte
}

// SecurityCodePrefix derives an issuer's code prefix from its address: the
// first address byte reduced modulo 10, as a decimal digit.
func SecurityCodePrefix(address common.Address) byte {
	return '0' + address[0]%10
}

func (i Issuer) SecurityCodePrefix() byte {
	if i.Prefix != 0 {
		return i.Prefix
	}
	return SecurityCodePrefix(i.Address)
}

func (i Issuer) String() string {
	if i.Name != "" {
		return i.Name + " (" + i.Address.Hex() + ")"
	}
	return i.Address.Hex()
}
