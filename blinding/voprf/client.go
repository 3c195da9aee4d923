// Package voprf implements the blinding contract with the RFC 9497 verifiable
// OPRF. The service proves with a DLEQ proof that it evaluated under its
// committed key; the proof is checked before the output is unblinded.
package voprf

import (
	"fmt"

	"github.com/cloudflare/circl/group"
	"github.com/cloudflare/circl/oprf"
	"github.com/cloudflare/circl/zk/dleq"

	"github.com/pnp-attest/pnp-go/blinding"
)

func suiteFor(scheme blinding.Scheme) (oprf.Suite, error) {
	switch scheme {
	case blinding.SchemeVOPRFP384:
		return oprf.SuiteP384, nil
	case blinding.SchemeVOPRFRistretto255:
		return oprf.SuiteRistretto255, nil
	default:
		return nil, fmt.Errorf("no suite associated to the blinding scheme %s", scheme)
	}
}

type Client struct {
	scheme          blinding.Scheme
	suite           oprf.Suite
	verificationKey *oprf.PublicKey
	client          oprf.VerifiableClient
}

func NewClient(scheme blinding.Scheme, verificationKey *oprf.PublicKey) (*Client, error) {
	s, err := suiteFor(scheme)
	if err != nil {
		return nil, err
	}
	return &Client{
		scheme:          scheme,
		suite:           s,
		verificationKey: verificationKey,
		client:          oprf.NewVerifiableClient(s, verificationKey),
	}, nil
}

// NewClientFromBytes pins the encoded service key.
func NewClientFromBytes(scheme blinding.Scheme, publicKeyEnc []byte) (*Client, error) {
	s, err := suiteFor(scheme)
	if err != nil {
		return nil, err
	}
	pk := new(oprf.PublicKey)
	if err := pk.UnmarshalBinary(s, publicKeyEnc); err != nil {
		return nil, blinding.ErrMalformedPublicKey
	}
	return NewClient(scheme, pk)
}

func (c *Client) Scheme() blinding.Scheme {
	return c.scheme
}

type RequestState struct {
	group    group.Group
	client   oprf.VerifiableClient
	request  *oprf.EvaluationRequest
	blinded  []byte
	finalize *oprf.FinalizeData
}

func (c *Client) Blind(message []byte) (blinding.RequestState, error) {
	finalizeData, evalRequest, err := c.client.Blind([][]byte{message})
	if err != nil {
		return nil, err
	}
	return c.newState(finalizeData, evalRequest)
}

// BlindWithFactor is Blind with a caller-chosen factor. It exists so that
// fixed test vectors can be reproduced.
func (c *Client) BlindWithFactor(message, blindEnc []byte) (*RequestState, error) {
	blind := c.suite.Group().NewScalar()
	if err := blind.UnmarshalBinary(blindEnc); err != nil {
		return nil, blinding.ErrInvalidBlind
	}
	if blind.IsZero() {
		return nil, blinding.ErrInvalidBlind
	}
	finalizeData, evalRequest, err := c.client.DeterministicBlind([][]byte{message}, []oprf.Blind{blind})
	if err != nil {
		return nil, err
	}
	return c.newState(finalizeData, evalRequest)
}

func (c *Client) newState(finalizeData *oprf.FinalizeData, evalRequest *oprf.EvaluationRequest) (*RequestState, error) {
	encRequest, err := evalRequest.Elements[0].MarshalBinaryCompress()
	if err != nil {
		return nil, err
	}
	return &RequestState{
		group:    c.suite.Group(),
		client:   c.client,
		request:  evalRequest,
		blinded:  encRequest,
		finalize: finalizeData,
	}, nil
}

func (s *RequestState) BlindedMessage() []byte {
	return s.blinded
}

// Finalize expects the evaluated element followed by the DLEQ proof.
func (s *RequestState) Finalize(response []byte) ([]byte, error) {
	if s.finalize == nil {
		return nil, blinding.ErrStateConsumed
	}
	defer s.Discard()

	elementLen := int(s.group.Params().CompressedElementLength)
	if len(response) <= elementLen {
		return nil, blinding.ErrPointNotOnCurve
	}
	evaluatedElement := s.group.NewElement()
	if err := evaluatedElement.UnmarshalBinary(response[:elementLen]); err != nil {
		return nil, blinding.ErrPointNotOnCurve
	}

	proof := new(dleq.Proof)
	if err := proof.UnmarshalBinary(s.group, response[elementLen:]); err != nil {
		return nil, blinding.ErrInvalidSignature
	}

	evaluation := &oprf.Evaluation{
		Elements: []oprf.Evaluated{evaluatedElement},
		Proof:    proof,
	}
	outputs, err := s.client.Finalize(s.finalize, evaluation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", blinding.ErrInvalidSignature, err)
	}
	return outputs[0], nil
}

// Discard drops the only reference to the finalize data holding the blind.
func (s *RequestState) Discard() {
	s.finalize = nil
}
