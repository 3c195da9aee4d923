// Package bls implements BLS blind signatures over BLS12-381.
//
// Messages hash to G1 and the service key lives in G2. The client sends
// r·H(m), the service (or a threshold of its signers) answers with
// sk·r·H(m), and the client checks e(S', g2) == e(r·H(m), pk) before
// computing r⁻¹·S' = sk·H(m).
package bls

import (
	"crypto/rand"
	"io"

	bls12381 "github.com/cloudflare/circl/ecc/bls12381"

	"github.com/pnp-attest/pnp-go/blinding"
)

const (
	PublicKeySize = bls12381.G2SizeCompressed
	SignatureSize = bls12381.G1SizeCompressed
	ScalarSize    = 32
)

var hashToCurveDST = []byte("PNP-V01-CS01-with-BLS12381G1_XMD:SHA-256_SSWU_RO_")

type PublicKey struct {
	point bls12381.G2
}

// UnmarshalPublicKey decodes a compressed G2 public key.
func UnmarshalPublicKey(data []byte) (*PublicKey, error) {
	if len(data) != PublicKeySize {
		return nil, blinding.ErrMalformedPublicKey
	}
	pk := &PublicKey{}
	if err := pk.point.SetBytes(data); err != nil {
		return nil, blinding.ErrMalformedPublicKey
	}
	if pk.point.IsIdentity() || !pk.point.IsOnG2() {
		return nil, blinding.ErrMalformedPublicKey
	}
	return pk, nil
}

func (pk *PublicKey) Marshal() []byte {
	return pk.point.BytesCompressed()
}

func (pk *PublicKey) IsEqual(o *PublicKey) bool {
	return pk.point.IsEqual(&o.point)
}

func hashToG1(message []byte) *bls12381.G1 {
	h := new(bls12381.G1)
	h.Hash(message, hashToCurveDST)
	return h
}

func decodeG1(data []byte) (*bls12381.G1, error) {
	if len(data) != SignatureSize {
		return nil, blinding.ErrPointNotOnCurve
	}
	p := new(bls12381.G1)
	if err := p.SetBytes(data); err != nil {
		return nil, blinding.ErrPointNotOnCurve
	}
	if p.IsIdentity() || !p.IsOnG1() {
		return nil, blinding.ErrPointNotOnCurve
	}
	return p, nil
}

// pairingCheck reports e(sig, g2) == e(msg, pk).
func pairingCheck(pk *PublicKey, msg, sig *bls12381.G1) bool {
	lhs := bls12381.Pair(sig, bls12381.G2Generator())
	rhs := bls12381.Pair(msg, &pk.point)
	return lhs.IsEqual(rhs)
}

// Verify checks an unblinded signature over message.
func Verify(pk *PublicKey, message, signature []byte) bool {
	sig, err := decodeG1(signature)
	if err != nil {
		return false
	}
	return pairingCheck(pk, hashToG1(message), sig)
}

// VerifyBlind checks a blind signature over a blinded message. Both are the
// wire encodings exchanged with the service.
func VerifyBlind(pk *PublicKey, blindedMessage, blindSignature []byte) bool {
	msg, err := decodeG1(blindedMessage)
	if err != nil {
		return false
	}
	sig, err := decodeG1(blindSignature)
	if err != nil {
		return false
	}
	return pairingCheck(pk, msg, sig)
}

type Client struct {
	publicKey *PublicKey
	rand      io.Reader
}

func NewClient(publicKey *PublicKey) *Client {
	return &Client{publicKey: publicKey, rand: rand.Reader}
}

// NewClientFromBytes pins the encoded service key.
func NewClientFromBytes(publicKeyEnc []byte) (*Client, error) {
	pk, err := UnmarshalPublicKey(publicKeyEnc)
	if err != nil {
		return nil, err
	}
	return NewClient(pk), nil
}

func (c *Client) Scheme() blinding.Scheme {
	return blinding.SchemeBLS12381
}

func (c *Client) PublicKey() *PublicKey {
	return c.publicKey
}

type RequestState struct {
	publicKey *PublicKey
	message   []byte
	blinded   *bls12381.G1
	blind     *bls12381.Scalar
}

// Blind draws a fresh blinding factor and masks message with it.
func (c *Client) Blind(message []byte) (blinding.RequestState, error) {
	r := new(bls12381.Scalar)
	for {
		if err := r.Random(c.rand); err != nil {
			return nil, err
		}
		if r.IsZero() == 0 {
			break
		}
	}
	return c.blindWith(message, r), nil
}

// BlindWithFactor is Blind with a caller-chosen factor. It exists so that
// fixed test vectors can be reproduced.
func (c *Client) BlindWithFactor(message, blindEnc []byte) (*RequestState, error) {
	r := new(bls12381.Scalar)
	if err := r.UnmarshalBinary(blindEnc); err != nil {
		return nil, blinding.ErrInvalidBlind
	}
	if r.IsZero() == 1 {
		return nil, blinding.ErrInvalidBlind
	}
	return c.blindWith(message, r), nil
}

func (c *Client) blindWith(message []byte, r *bls12381.Scalar) *RequestState {
	blinded := new(bls12381.G1)
	blinded.ScalarMult(r, hashToG1(message))
	msg := make([]byte, len(message))
	copy(msg, message)
	return &RequestState{
		publicKey: c.publicKey,
		message:   msg,
		blinded:   blinded,
		blind:     r,
	}
}

func (s *RequestState) BlindedMessage() []byte {
	return s.blinded.BytesCompressed()
}

// Finalize accepts either a combined 48-byte blind signature or a
// PartialSignatures frame, which is combined first.
func (s *RequestState) Finalize(response []byte) ([]byte, error) {
	if s.blind == nil {
		return nil, blinding.ErrStateConsumed
	}
	defer s.Discard()

	var blindSig *bls12381.G1
	var err error
	if len(response) == SignatureSize {
		blindSig, err = decodeG1(response)
	} else {
		var partials PartialSignatures
		partials, err = UnmarshalPartialSignatures(response)
		if err == nil {
			blindSig, err = partials.combine()
		}
	}
	if err != nil {
		return nil, err
	}

	if !pairingCheck(s.publicKey, s.blinded, blindSig) {
		return nil, blinding.ErrInvalidSignature
	}

	rInv := new(bls12381.Scalar)
	rInv.Inv(s.blind)
	sig := new(bls12381.G1)
	sig.ScalarMult(rInv, blindSig)
	rInv.SetUint64(0)

	// Sanity check: verify the unblinded signature
	if !pairingCheck(s.publicKey, hashToG1(s.message), sig) {
		return nil, blinding.ErrInvalidSignature
	}

	return sig.BytesCompressed(), nil
}

func (s *RequestState) Discard() {
	if s.blind != nil {
		s.blind.SetUint64(0)
		s.blind = nil
	}
}
