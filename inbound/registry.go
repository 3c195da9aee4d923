// Package inbound carries security and attestation codes from the outside
// world (an HTTP webhook or an SMS relay queue) to the attestation session
// waiting for them.
package inbound

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/pnp-attest/pnp-go/attestation"
)

var ErrUnknownSession = errors.New("unknown attestation session")

// CodeSink accepts inbound codes for one session. *attestation.Machine
// implements it.
type CodeSink interface {
	SubmitCode(ctx context.Context, inbound string) (attestation.Issuer, error)
}

// Registry maps session IDs to the sessions currently awaiting codes.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]CodeSink
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uuid.UUID]CodeSink)}
}

func (r *Registry) Add(id uuid.UUID, sink CodeSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = sink
}

// AddMachine registers m under its session ID.
func (r *Registry) AddMachine(m *attestation.Machine) uuid.UUID {
	id := m.Session().ID
	r.Add(id, m)
	return id
}

func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) Get(id uuid.UUID) (CodeSink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sink, ok := r.sessions[id]
	return sink, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Result is the outcome of one submitted code. The code itself is never
// echoed back.
type Result struct {
	Status string `json:"status"`
	Issuer string `json:"issuer,omitempty"`
	Error  string `json:"error,omitempty"`
}

const (
	StatusCompleted         = "completed"
	StatusIssuerFailed      = "issuer_failed"
	StatusInvalidTransition = "invalid_transition"
	StatusError             = "error"
)

// Submit hands code to the session registered under id.
func (r *Registry) Submit(ctx context.Context, id uuid.UUID, code string) (Result, error) {
	sink, ok := r.Get(id)
	if !ok {
		return Result{}, ErrUnknownSession
	}
	issuer, err := sink.SubmitCode(ctx, code)
	return resultOf(issuer, err), nil
}

func resultOf(issuer attestation.Issuer, err error) Result {
	if err == nil {
		return Result{Status: StatusCompleted, Issuer: issuer.Address.Hex()}
	}

	var matchErr *attestation.MatchError
	if errors.As(err, &matchErr) {
		return Result{Status: matchErr.Kind.String(), Error: err.Error()}
	}
	res := Result{Status: StatusError, Error: err.Error()}
	var stateErr *attestation.StateError
	if errors.As(err, &stateErr) {
		switch stateErr.Kind {
		case attestation.IssuerFailed:
			res.Status = StatusIssuerFailed
		case attestation.InvalidTransition:
			res.Status = StatusInvalidTransition
		}
	}
	if issuer.Address != (common.Address{}) {
		res.Issuer = issuer.Address.Hex()
	}
	return res
}
