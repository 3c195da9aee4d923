package voprf

import (
	"github.com/cloudflare/circl/oprf"

	"github.com/pnp-attest/pnp-go/blinding"
)

// Evaluator is the service side of the verifiable OPRF, used by tests and the
// development server.
type Evaluator struct {
	suite  oprf.Suite
	key    *oprf.PrivateKey
	server oprf.VerifiableServer
}

func NewEvaluator(scheme blinding.Scheme, key *oprf.PrivateKey) (*Evaluator, error) {
	s, err := suiteFor(scheme)
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		suite:  s,
		key:    key,
		server: oprf.NewVerifiableServer(s, key),
	}, nil
}

func (e *Evaluator) PublicKey() *oprf.PublicKey {
	return e.key.Public()
}

// Evaluate returns the evaluated element followed by its DLEQ proof.
func (e *Evaluator) Evaluate(blindedMessage []byte) ([]byte, error) {
	element := e.suite.Group().NewElement()
	if err := element.UnmarshalBinary(blindedMessage); err != nil {
		return nil, blinding.ErrPointNotOnCurve
	}
	evaluation, err := e.server.Evaluate(&oprf.EvaluationRequest{
		Elements: []oprf.Blinded{element},
	})
	if err != nil {
		return nil, err
	}

	encEvaluatedElement, err := evaluation.Elements[0].MarshalBinaryCompress()
	if err != nil {
		return nil, err
	}
	encProof, err := evaluation.Proof.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(encEvaluatedElement, encProof...), nil
}

// FullEvaluate computes the output directly from the unblinded input.
func (e *Evaluator) FullEvaluate(message []byte) ([]byte, error) {
	return e.server.FullEvaluate(message)
}
