package attestation

import (
	"fmt"
	"strings"
)

type MatchErrorKind int

const (
	// NoMatchingIssuer means no pending issuer uses the code's prefix. The
	// code may be stale, mistyped or for an issuer already handled.
	NoMatchingIssuer MatchErrorKind = iota + 1
	MalformedPayload
	// AmbiguousPrefix means several pending issuers share the prefix.
	AmbiguousPrefix
)

func (k MatchErrorKind) String() string {
	switch k {
	case NoMatchingIssuer:
		return "no_matching_issuer"
	case MalformedPayload:
		return "malformed_payload"
	case AmbiguousPrefix:
		return "ambiguous_prefix"
	default:
		return "unknown"
	}
}

type MatchError struct {
	Kind   MatchErrorKind
	Prefix byte
	// Candidates lists the issuers sharing Prefix when Kind is AmbiguousPrefix.
	Candidates []Issuer
	Err        error
}

func (e *MatchError) Error() string {
	msg := fmt.Sprintf("match inbound code: %s", e.Kind)
	if e.Prefix != 0 {
		msg += fmt.Sprintf(" (prefix %q)", e.Prefix)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MatchError) Unwrap() error {
	return e.Err
}

// Match resolves an inbound code to the pending issuer whose prefix is its
// first character and extracts the code that follows. It never guesses
// between issuers sharing a prefix.
func Match(pending []Issuer, inbound string) (Issuer, Code, error) {
	inbound = strings.TrimPrefix(strings.TrimSpace(inbound), deepLinkPrefix)
	if len(inbound) < 2 {
		return Issuer{}, Code{}, &MatchError{Kind: MalformedPayload, Err: ErrNoCode}
	}
	prefix := inbound[0]

	var matches []Issuer
	for _, issuer := range pending {
		if issuer.SecurityCodePrefix() == prefix {
			matches = append(matches, issuer)
		}
	}
	switch len(matches) {
	case 0:
		return Issuer{}, Code{}, &MatchError{Kind: NoMatchingIssuer, Prefix: prefix}
	case 1:
	default:
		return Issuer{}, Code{}, &MatchError{Kind: AmbiguousPrefix, Prefix: prefix, Candidates: matches}
	}

	code, err := ExtractCode(inbound[1:])
	if err != nil {
		return Issuer{}, Code{}, &MatchError{Kind: MalformedPayload, Prefix: prefix, Err: err}
	}
	return matches[0], code, nil
}
