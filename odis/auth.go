package odis

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/cryptobyte"

	"github.com/pnp-attest/pnp-go/signer"
)

type AuthMethod string

const (
	// AuthWalletKey proves control of the querying account's wallet key.
	AuthWalletKey AuthMethod = "WALLET_KEY"
	// AuthEncryptionKey proves control of the data encryption key the account
	// registered on chain.
	AuthEncryptionKey AuthMethod = "ENCRYPTION_KEY"
)

var ErrMalformedQuery = errors.New("malformed blinded query")

// BlindedQuery is the part of a lookup request covered by the
// authorization signature.
type BlindedQuery struct {
	raw            []byte
	Method         AuthMethod
	Account        common.Address
	BlindedMessage []byte
	SessionID      string
}

func (q *BlindedQuery) Marshal() []byte {
	if q.raw != nil {
		return q.raw
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(q.Method))
	})
	b.AddBytes(q.Account.Bytes())
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(q.BlindedMessage)
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(q.SessionID))
	})

	q.raw = b.BytesOrPanic()
	return q.raw
}

func (q *BlindedQuery) Unmarshal(data []byte) bool {
	s := cryptobyte.String(data)

	var method, blinded, session cryptobyte.String
	var account []byte
	if !s.ReadUint8LengthPrefixed(&method) ||
		!s.ReadBytes(&account, common.AddressLength) ||
		!s.ReadUint16LengthPrefixed(&blinded) ||
		!s.ReadUint8LengthPrefixed(&session) ||
		!s.Empty() {
		return false
	}

	q.raw = data
	q.Method = AuthMethod(method)
	q.Account = common.BytesToAddress(account)
	q.BlindedMessage = []byte(blinded)
	q.SessionID = string(session)
	return true
}

// Authorizer produces the Authorization header value for a query.
type Authorizer interface {
	Method() AuthMethod
	Authorize(ctx context.Context, query *BlindedQuery) (string, error)
}

type keyAuthorizer struct {
	method AuthMethod
	signer signer.KeySigner
}

// NewWalletKeyAuthorizer signs queries with the account's own key.
func NewWalletKeyAuthorizer(s signer.KeySigner) Authorizer {
	return &keyAuthorizer{method: AuthWalletKey, signer: s}
}

// NewEncryptionKeyAuthorizer signs queries with the account's registered
// data encryption key.
func NewEncryptionKeyAuthorizer(dek signer.KeySigner) Authorizer {
	return &keyAuthorizer{method: AuthEncryptionKey, signer: dek}
}

func (a *keyAuthorizer) Method() AuthMethod {
	return a.method
}

func (a *keyAuthorizer) Authorize(ctx context.Context, query *BlindedQuery) (string, error) {
	if query.Method != a.method {
		return "", errors.New("query method does not match authorizer")
	}
	sig, err := a.signer.Sign(ctx, query.Marshal())
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// VerifyAuthorization checks an Authorization header value against the
// address expected to have produced it.
func VerifyAuthorization(query *BlindedQuery, authorization string, expected common.Address) bool {
	sig, err := hexutil.Decode(authorization)
	if err != nil {
		return false
	}
	return signer.VerifySignature(expected, query.Marshal(), sig)
}
