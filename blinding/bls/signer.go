package bls

import (
	"fmt"
	"io"

	bls12381 "github.com/cloudflare/circl/ecc/bls12381"
)

// Signer is the service side of the blind signature: it holds the secret
// scalar and signs blinded points without learning the message. Production
// lookups run against a remote threshold service; Signer backs tests and the
// development server.
type Signer struct {
	secret bls12381.Scalar
}

func GenerateSigner(rand io.Reader) (*Signer, error) {
	s := &Signer{}
	for {
		if err := s.secret.Random(rand); err != nil {
			return nil, err
		}
		if s.secret.IsZero() == 0 {
			return s, nil
		}
	}
}

func UnmarshalSigner(data []byte) (*Signer, error) {
	s := &Signer{}
	if err := s.secret.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	if s.secret.IsZero() == 1 {
		return nil, fmt.Errorf("zero signing key")
	}
	return s, nil
}

func (s *Signer) Marshal() []byte {
	enc, err := s.secret.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return enc
}

func (s *Signer) PublicKey() *PublicKey {
	pk := &PublicKey{}
	pk.point.ScalarMult(&s.secret, bls12381.G2Generator())
	return pk
}

// BlindSign signs an encoded blinded point.
func (s *Signer) BlindSign(blindedMessage []byte) ([]byte, error) {
	p, err := decodeG1(blindedMessage)
	if err != nil {
		return nil, err
	}
	sig := new(bls12381.G1)
	sig.ScalarMult(&s.secret, p)
	return sig.BytesCompressed(), nil
}

// Sign produces an ordinary (unblinded) signature. Used to check that
// unblinding recovers exactly this value.
func (s *Signer) Sign(message []byte) []byte {
	sig := new(bls12381.G1)
	sig.ScalarMult(&s.secret, hashToG1(message))
	return sig.BytesCompressed()
}

// ShareSigner holds one Shamir share of the signing key.
type ShareSigner struct {
	index uint16
	share bls12381.Scalar
}

func (s *ShareSigner) Index() uint16 {
	return s.index
}

func (s *ShareSigner) PartialSign(blindedMessage []byte) (PartialSignature, error) {
	p, err := decodeG1(blindedMessage)
	if err != nil {
		return PartialSignature{}, err
	}
	sig := new(bls12381.G1)
	sig.ScalarMult(&s.share, p)
	return PartialSignature{Index: s.index, Signature: sig.BytesCompressed()}, nil
}

// Split deals n shares of the key such that any t of them reconstruct a
// signature.
func (s *Signer) Split(rand io.Reader, t, n int) ([]*ShareSigner, error) {
	if t < 1 || t > n || n > 0xFFFF {
		return nil, fmt.Errorf("invalid threshold %d-of-%d", t, n)
	}

	coefficients := make([]*bls12381.Scalar, t)
	coefficients[0] = new(bls12381.Scalar)
	coefficients[0].Set(&s.secret)
	for i := 1; i < t; i++ {
		coefficients[i] = new(bls12381.Scalar)
		if err := coefficients[i].Random(rand); err != nil {
			return nil, err
		}
	}

	shares := make([]*ShareSigner, n)
	for i := 1; i <= n; i++ {
		x := new(bls12381.Scalar)
		x.SetUint64(uint64(i))

		// Horner evaluation of the polynomial at x
		y := new(bls12381.Scalar)
		y.Set(coefficients[t-1])
		for j := t - 2; j >= 0; j-- {
			y.Mul(y, x)
			y.Add(y, coefficients[j])
		}
		shares[i-1] = &ShareSigner{index: uint16(i), share: *y}
	}
	return shares, nil
}
