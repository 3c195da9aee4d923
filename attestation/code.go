package attestation

import (
	"encoding/base64"
	"errors"
	"regexp"
	"strings"
)

type CodeKind int

const (
	// SecurityCode is the short numeric code an issuer sends by SMS. It is
	// redeemed with the issuer for the attestation code.
	SecurityCode CodeKind = iota + 1
	// AttestationCode is the issuer's signature over the attestation, which
	// the contract validates directly.
	AttestationCode
)

func (k CodeKind) String() string {
	switch k {
	case SecurityCode:
		return "security_code"
	case AttestationCode:
		return "attestation_code"
	default:
		return "unknown"
	}
}

const deepLinkPrefix = "celo://wallet/v/"

var (
	ErrNoCode = errors.New("no attestation code in payload")

	securityCodePattern    = regexp.MustCompile(`^[0-9]{8,16}$`)
	attestationCodePattern = regexp.MustCompile(`^[A-Za-z0-9=+/_-]{87,88}$`)
	embeddedCodePattern    = regexp.MustCompile(`(?:^|\s)(?:` + regexp.QuoteMeta(deepLinkPrefix) + `)?([A-Za-z0-9=+/_-]{87,88})(?:$|\s)`)
)

type Code struct {
	Kind  CodeKind
	Value string
	// Signature is the decoded 65-byte attestation code. Empty for security
	// codes.
	Signature []byte
}

// ExtractCode decodes the part of an inbound code after its prefix.
func ExtractCode(payload string) (Code, error) {
	payload = strings.TrimPrefix(strings.TrimSpace(payload), deepLinkPrefix)
	switch {
	case securityCodePattern.MatchString(payload):
		return Code{Kind: SecurityCode, Value: payload}, nil
	case attestationCodePattern.MatchString(payload):
		sig, err := decodeAttestationCode(payload)
		if err != nil {
			return Code{}, err
		}
		return Code{Kind: AttestationCode, Value: payload, Signature: sig}, nil
	default:
		return Code{}, ErrNoCode
	}
}

// ExtractAttestationCode finds an attestation code inside a free-form
// message, as returned by an issuer when a security code is redeemed.
func ExtractAttestationCode(message string) ([]byte, error) {
	m := embeddedCodePattern.FindStringSubmatch(message)
	if m == nil {
		return nil, ErrNoCode
	}
	return decodeAttestationCode(m[1])
}

func decodeAttestationCode(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		sig, err := enc.DecodeString(s)
		if err == nil && len(sig) == 65 {
			return sig, nil
		}
	}
	return nil, ErrNoCode
}
