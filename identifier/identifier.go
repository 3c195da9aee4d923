// Package identifier derives the on-chain attestation identifier of a phone
// number from the pepper obtained through the oblivious lookup.
package identifier

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// PepperLength is the number of base64 characters kept from the digest of
	// the unblinded signature.
	PepperLength = 13
	Size         = 32

	pepperSeparator = "__kPEPPER__"
	minDigits       = 8
	maxDigits       = 15
)

var (
	ErrInvalidPhoneNumber = errors.New("invalid E.164 phone number")
	ErrInvalidPepper      = errors.New("invalid pepper")
	ErrInvalidIdentifier  = errors.New("invalid identifier encoding")
)

// Identifier is the keccak256 phone hash used as the attestation key.
type Identifier [Size]byte

func (id Identifier) Hex() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id Identifier) String() string {
	return id.Hex()
}

func (id Identifier) IsZero() bool {
	return id == Identifier{}
}

func ParseIdentifier(s string) (Identifier, error) {
	var id Identifier
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != Size {
		return id, ErrInvalidIdentifier
	}
	copy(id[:], raw)
	return id, nil
}

// NormalizeE164 removes common visual separators and checks the result is
// a canonical E.164 number: a leading '+', no leading zero and 8 to 15 digits.
func NormalizeE164(raw string) (string, error) {
	var b strings.Builder
	b.Grow(len(raw))
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", ErrInvalidPhoneNumber
		}
	}
	normalized := b.String()
	if err := ValidateE164(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// ValidateE164 accepts only numbers that are already canonical.
func ValidateE164(e164 string) error {
	if len(e164) < 1+minDigits || len(e164) > 1+maxDigits || e164[0] != '+' {
		return ErrInvalidPhoneNumber
	}
	if e164[1] == '0' {
		return ErrInvalidPhoneNumber
	}
	for _, r := range e164[1:] {
		if r < '0' || r > '9' {
			return ErrInvalidPhoneNumber
		}
	}
	return nil
}

// BlindingMessage is the message submitted to the oblivious service for e164.
func BlindingMessage(e164 string) []byte {
	return []byte(e164)
}

// PepperFromSignature truncates the base64 SHA-256 digest of an unblinded
// signature (or OPRF output) to PepperLength characters.
func PepperFromSignature(sig []byte) string {
	digest := sha256.Sum256(sig)
	return base64.StdEncoding.EncodeToString(digest[:])[:PepperLength]
}

func IdentifierHash(e164, pepper string) (Identifier, error) {
	var id Identifier
	if err := ValidateE164(e164); err != nil {
		return id, err
	}
	if pepper == "" {
		return id, ErrInvalidPepper
	}
	copy(id[:], crypto.Keccak256([]byte(e164+pepperSeparator+pepper)))
	return id, nil
}
