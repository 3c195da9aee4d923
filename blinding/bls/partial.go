package bls

import (
	"fmt"

	bls12381 "github.com/cloudflare/circl/ecc/bls12381"
	"golang.org/x/crypto/cryptobyte"

	"github.com/pnp-attest/pnp-go/blinding"
	"github.com/pnp-attest/pnp-go/quicwire"
)

const partialEntrySize = 2 + SignatureSize

// PartialSignature is one signer's share of a blind signature. Index is the
// signer's 1-based evaluation point.
type PartialSignature struct {
	Index     uint16
	Signature []byte
}

type PartialSignatures []PartialSignature

//	struct {
//	  uint16 index;
//	  uint8 signature[48];
//	} PartialSignature;
//
//	varint length || PartialSignature entries[length]
func (p PartialSignatures) Marshal() []byte {
	entries := cryptobyte.NewBuilder(nil)
	for _, partial := range p {
		entries.AddUint16(partial.Index)
		entries.AddBytes(partial.Signature)
	}
	rawEntries := entries.BytesOrPanic()

	out := quicwire.AppendVarint([]byte{}, uint64(len(rawEntries)))
	return append(out, rawEntries...)
}

func UnmarshalPartialSignatures(data []byte) (PartialSignatures, error) {
	l, offset := quicwire.ConsumeVarint(data)
	if offset < 0 {
		return nil, fmt.Errorf("invalid partial signature list encoding")
	}
	s := cryptobyte.String(data[offset:])

	var rawEntries []byte
	if l > uint64(len(s)) || !s.ReadBytes(&rawEntries, int(l)) || !s.Empty() {
		return nil, fmt.Errorf("invalid partial signature list encoding")
	}
	if len(rawEntries) == 0 || len(rawEntries)%partialEntrySize != 0 {
		return nil, fmt.Errorf("invalid partial signature list length")
	}

	entries := cryptobyte.String(rawEntries)
	partials := make(PartialSignatures, 0, len(rawEntries)/partialEntrySize)
	for !entries.Empty() {
		var partial PartialSignature
		if !entries.ReadUint16(&partial.Index) ||
			!entries.ReadBytes(&partial.Signature, SignatureSize) {
			return nil, fmt.Errorf("invalid partial signature encoding")
		}
		partials = append(partials, partial)
	}
	return partials, nil
}

// lagrangeAtZero returns the coefficient of share xi when interpolating the
// polynomial through xs at zero.
func lagrangeAtZero(xi uint16, xs []uint16) *bls12381.Scalar {
	num := new(bls12381.Scalar)
	num.SetUint64(1)
	den := new(bls12381.Scalar)
	den.SetUint64(1)

	si := new(bls12381.Scalar)
	si.SetUint64(uint64(xi))
	for _, xj := range xs {
		if xj == xi {
			continue
		}
		sj := new(bls12381.Scalar)
		sj.SetUint64(uint64(xj))
		num.Mul(num, sj)

		diff := new(bls12381.Scalar)
		diff.Sub(sj, si)
		den.Mul(den, diff)
	}
	den.Inv(den)
	num.Mul(num, den)
	return num
}

// combine interpolates the partial blind signatures into the full one. The
// result is not verified here.
func (p PartialSignatures) combine() (*bls12381.G1, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("no partial signatures")
	}

	seen := make(map[uint16]struct{}, len(p))
	xs := make([]uint16, 0, len(p))
	points := make([]*bls12381.G1, 0, len(p))
	for _, partial := range p {
		if partial.Index == 0 {
			return nil, fmt.Errorf("partial signature index must be non-zero")
		}
		if _, ok := seen[partial.Index]; ok {
			return nil, fmt.Errorf("duplicate partial signature index %d", partial.Index)
		}
		seen[partial.Index] = struct{}{}

		point, err := decodeG1(partial.Signature)
		if err != nil {
			return nil, err
		}
		xs = append(xs, partial.Index)
		points = append(points, point)
	}

	combined := new(bls12381.G1)
	combined.SetIdentity()
	for i, point := range points {
		term := new(bls12381.G1)
		term.ScalarMult(lagrangeAtZero(xs[i], xs), point)
		combined.Add(combined, term)
	}
	if combined.IsIdentity() {
		return nil, blinding.ErrInvalidSignature
	}
	return combined, nil
}

// Combine interpolates partial blind signatures into a combined blind
// signature encoding.
func Combine(partials PartialSignatures) ([]byte, error) {
	combined, err := partials.combine()
	if err != nil {
		return nil, err
	}
	return combined.BytesCompressed(), nil
}
