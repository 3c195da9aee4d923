package attestation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/pnp-attest/pnp-go/environment"
	"github.com/pnp-attest/pnp-go/identifier"
	"github.com/pnp-attest/pnp-go/internal/privacylog"
	"github.com/pnp-attest/pnp-go/ledger"
	"github.com/pnp-attest/pnp-go/metrics"
)

type Phase int

const (
	Unrequested Phase = iota
	Requested
	IssuersSelected
	AwaitingCodes
	// Done means every selected issuer is Completed or Failed.
	Done
)

func (p Phase) String() string {
	switch p {
	case Unrequested:
		return "unrequested"
	case Requested:
		return "requested"
	case IssuersSelected:
		return "issuers_selected"
	case AwaitingCodes:
		return "awaiting_codes"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

type IssuerState int

const (
	Pending IssuerState = iota
	Matched
	Validated
	Completed
	Failed
)

func (s IssuerState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Matched:
		return "matched"
	case Validated:
		return "validated"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s IssuerState) terminal() bool {
	return s == Completed || s == Failed
}

var (
	ErrExpired      = errors.New("no code arrived before expiry")
	ErrCodeMismatch = errors.New("code does not validate for this issuer")
)

// Contract is the attestations contract as seen by the machine.
// *ledger.Attestations implements it.
type Contract interface {
	Approve(ctx context.Context, feeToken common.Address, k int) (*ledger.Receipt, error)
	Request(ctx context.Context, id identifier.Identifier, k int, feeToken common.Address) (*ledger.Receipt, error)
	UnselectedRequest(ctx context.Context, id identifier.Identifier, account common.Address) (ledger.UnselectedRequest, error)
	SelectIssuersWaitBlocks(ctx context.Context) (uint64, error)
	SelectIssuers(ctx context.Context, id identifier.Identifier) (*ledger.Receipt, error)
	ActionableAttestations(ctx context.Context, id identifier.Identifier, account common.Address) ([]ledger.ActionableAttestation, error)
	ValidateAttestationCode(ctx context.Context, id identifier.Identifier, account common.Address, code []byte) (common.Address, error)
	Complete(ctx context.Context, id identifier.Identifier, code []byte) (*ledger.Receipt, error)
	// Confirm re-polls a transaction that was sent but not yet confirmed.
	Confirm(ctx context.Context, label string, txHash common.Hash) (*ledger.Receipt, error)
}

// BlockSource reports the current chain height. ledger.Ledger implements it.
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Session is everything one attestation attempt carries between stages.
type Session struct {
	ID         uuid.UUID
	E164       string
	Pepper     string
	Identifier identifier.Identifier
	Account    common.Address
	Env        environment.Context
	FeeToken   common.Address
	// Language of the SMS sent by issuers. Defaults to "en".
	Language           string
	SmsRetrieverAppSig string
}

// NewSession builds a session for a number whose pepper is already known.
func NewSession(env environment.Context, e164, pepper string, account common.Address) (Session, error) {
	id, err := identifier.IdentifierHash(e164, pepper)
	if err != nil {
		return Session{}, err
	}
	return Session{
		ID:         uuid.New(),
		E164:       e164,
		Pepper:     pepper,
		Identifier: id,
		Account:    account,
		Env:        env,
		Language:   "en",
	}, nil
}

type issuerFlow struct {
	issuer  Issuer
	state   IssuerState
	err     error
	receipt *ledger.Receipt
}

type IssuerStatus struct {
	Issuer  Issuer
	State   IssuerState
	Err     error
	Receipt *ledger.Receipt
}

type Snapshot struct {
	SessionID uuid.UUID
	Phase     Phase
	Issuers   []IssuerStatus
}

// Machine drives one attestation attempt. All state lives on the instance;
// SubmitCode may be called concurrently from any number of inbound channels.
type Machine struct {
	session   Session
	contract  Contract
	blocks    BlockSource
	transport IssuerTransport
	metrics   *metrics.Metrics
	logger    *slog.Logger

	confirmRetries  int
	confirmInterval time.Duration

	mu    sync.Mutex
	phase Phase
	flows []*issuerFlow
	// txs holds transactions already sent, by label, so a retried step
	// re-polls instead of sending again.
	txs     map[string]sentTx
	done    chan struct{}
	settled bool
}

type sentTx struct {
	hash      common.Hash
	confirmed bool
}

type Option func(*Machine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(machine *Machine) { machine.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(machine *Machine) { machine.logger = logger }
}

// WithConfirmRetries sets how often an unconfirmed transaction is re-polled
// by hash before the step reports TxFailed, and the pause between polls.
func WithConfirmRetries(n int, interval time.Duration) Option {
	return func(machine *Machine) {
		machine.confirmRetries = n
		machine.confirmInterval = interval
	}
}

func NewMachine(session Session, contract Contract, blocks BlockSource, transport IssuerTransport, opts ...Option) *Machine {
	m := &Machine{
		session:   session,
		contract:  contract,
		blocks:    blocks,
		transport: transport,
		txs:       make(map[string]sentTx),
		done:      make(chan struct{}),

		confirmRetries:  3,
		confirmInterval: session.Env.PollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.confirmInterval <= 0 {
		m.confirmInterval = time.Second
	}
	m.logger = privacylog.OrDiscard(m.logger).With("component", "attestation", "correlation_id", session.ID.String())
	return m
}

func (m *Machine) Session() Session {
	return m.session
}

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Machine) expectPhase(want Phase) error {
	if m.phase != want {
		return &StateError{Kind: InvalidTransition, Phase: m.phase, Err: fmt.Errorf("expected phase %s", want)}
	}
	return nil
}

// Request approves the fee and requests k attestations. Both transactions
// are confirmed before the machine moves to Requested.
func (m *Machine) Request(ctx context.Context, k int) error {
	m.mu.Lock()
	err := m.expectPhase(Unrequested)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if k <= 0 {
		return &StateError{Kind: InvalidTransition, Phase: Unrequested, Err: fmt.Errorf("invalid attestation count %d", k)}
	}

	s := m.session
	if _, err := m.sendTx(ctx, "approve", func() (*ledger.Receipt, error) {
		return m.contract.Approve(ctx, s.FeeToken, k)
	}); err != nil {
		return &StateError{Kind: TxFailed, Phase: Unrequested, Err: err}
	}
	if _, err := m.sendTx(ctx, "request", func() (*ledger.Receipt, error) {
		return m.contract.Request(ctx, s.Identifier, k, s.FeeToken)
	}); err != nil {
		return &StateError{Kind: TxFailed, Phase: Unrequested, Err: err}
	}

	m.mu.Lock()
	m.phase = Requested
	m.mu.Unlock()
	m.logger.Info("attestations requested", "operation", "request", "identifier", s.Identifier.Hex(), "count", k)
	return nil
}

// BlocksUntilSelectable returns how many blocks must still be mined before
// issuers can be selected.
func (m *Machine) BlocksUntilSelectable(ctx context.Context) (uint64, error) {
	s := m.session
	req, err := m.contract.UnselectedRequest(ctx, s.Identifier, s.Account)
	if err != nil {
		return 0, err
	}
	wait, err := m.contract.SelectIssuersWaitBlocks(ctx)
	if err != nil {
		return 0, err
	}
	current, err := m.blocks.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	ready := uint64(req.BlockNumber) + wait
	if current >= ready {
		return 0, nil
	}
	return ready - current, nil
}

// AwaitSelectable blocks until issuer selection is possible or ctx ends.
func (m *Machine) AwaitSelectable(ctx context.Context, interval time.Duration) error {
	operation := func() error {
		remaining, err := m.BlocksUntilSelectable(ctx)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return fmt.Errorf("%d blocks remaining", remaining)
		}
		return nil
	}
	return backoff.Retry(operation, backoff.WithContext(backoff.NewConstantBackOff(interval), ctx))
}

// SelectIssuers submits the selection transaction and loads the selected
// issuers. It fails fast with PreconditionNotMet when called too early.
func (m *Machine) SelectIssuers(ctx context.Context) error {
	m.mu.Lock()
	err := m.expectPhase(Requested)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	remaining, err := m.BlocksUntilSelectable(ctx)
	if err != nil {
		return &StateError{Kind: PreconditionNotMet, Phase: Requested, Err: err}
	}
	if remaining > 0 {
		return &StateError{Kind: PreconditionNotMet, Phase: Requested, Err: fmt.Errorf("%d more blocks required", remaining)}
	}
	if _, err := m.contract.SelectIssuers(ctx, m.session.Identifier); err != nil {
		return &StateError{Kind: TxFailed, Phase: Requested, Err: err}
	}

	return m.loadIssuers(ctx, Requested)
}

// Resume loads the issuers already selected for the session, for a process
// that picks up an attempt started elsewhere.
func (m *Machine) Resume(ctx context.Context) error {
	m.mu.Lock()
	err := m.expectPhase(Unrequested)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.loadIssuers(ctx, Unrequested)
}

func (m *Machine) loadIssuers(ctx context.Context, from Phase) error {
	s := m.session
	actionable, err := m.contract.ActionableAttestations(ctx, s.Identifier, s.Account)
	if err != nil {
		return &StateError{Kind: PreconditionNotMet, Phase: from, Err: fmt.Errorf("list selected issuers: %w", err)}
	}

	flows := make([]*issuerFlow, 0, len(actionable))
	for _, a := range actionable {
		flow := &issuerFlow{issuer: Issuer{Address: a.Issuer}}
		if a.MetadataURL == "" {
			flow.state = Failed
			flow.err = errors.New("issuer has no metadata url")
		} else if url, err := m.transport.ServiceURL(ctx, a.MetadataURL); err != nil {
			flow.state = Failed
			flow.err = err
		} else {
			flow.issuer.ServiceURL = url
		}
		flows = append(flows, flow)
	}
	return m.adopt(flows)
}

// Adopt installs a known issuer set, moving the machine to IssuersSelected.
func (m *Machine) Adopt(issuers []Issuer) error {
	flows := make([]*issuerFlow, 0, len(issuers))
	for _, issuer := range issuers {
		flows = append(flows, &issuerFlow{issuer: issuer})
	}
	return m.adopt(flows)
}

func (m *Machine) adopt(flows []*issuerFlow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != Unrequested && m.phase != Requested {
		return &StateError{Kind: InvalidTransition, Phase: m.phase, Err: errors.New("issuers already selected")}
	}
	m.flows = flows
	m.phase = IssuersSelected
	for _, flow := range flows {
		if flow.state == Failed {
			m.metrics.IssuerTransition(Failed.String())
			m.logger.Warn("issuer unusable", "operation", "select", "issuer", flow.issuer.Address.Hex(), "error", flow.err)
		}
	}
	m.logger.Info("issuers selected", "operation", "select", "issuers", len(flows))
	return nil
}

// Dispatch asks every pending issuer to send its code, concurrently. A
// failed dispatch fails only that issuer. Dispatch returns once every request
// has been answered; codes may be submitted while it runs.
func (m *Machine) Dispatch(ctx context.Context) error {
	m.mu.Lock()
	if err := m.expectPhase(IssuersSelected); err != nil {
		m.mu.Unlock()
		return err
	}
	m.phase = AwaitingCodes
	var targets []Issuer
	for _, flow := range m.flows {
		if flow.state == Pending {
			targets = append(targets, flow.issuer)
		}
	}
	m.settleLocked()
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, issuer := range targets {
		wg.Add(1)
		go func(issuer Issuer) {
			defer wg.Done()
			req := m.revealRequest(issuer)
			if err := m.transport.PostVerificationRequest(ctx, issuer.ServiceURL, req); err != nil {
				// A code may already have been claimed for this issuer; it
				// then finishes on the code's path.
				m.failPending(issuer.Address, fmt.Errorf("dispatch: %w", err))
				return
			}
			m.logger.Info("verification requested", "operation", "dispatch", "issuer", issuer.Address.Hex())
		}(issuer)
	}
	wg.Wait()
	return nil
}

func (m *Machine) revealRequest(issuer Issuer) *RevealRequest {
	s := m.session
	language := s.Language
	if language == "" {
		language = "en"
	}
	return &RevealRequest{
		PhoneNumber:        s.E164,
		Account:            s.Account.Hex(),
		Issuer:             issuer.Address.Hex(),
		Salt:               s.Pepper,
		SmsRetrieverAppSig: s.SmsRetrieverAppSig,
		Language:           language,
		SecurityCodePrefix: string(issuer.SecurityCodePrefix()),
	}
}

// SubmitCode matches an inbound code against the issuers still pending,
// then validates and completes it for the matched issuer. A *MatchError
// leaves every issuer untouched; a *StateError with Kind IssuerFailed means
// the matched issuer is now Failed.
func (m *Machine) SubmitCode(ctx context.Context, inbound string) (Issuer, error) {
	issuer, code, err := m.claim(inbound)
	if err != nil {
		return Issuer{}, err
	}

	signature := code.Signature
	if code.Kind == SecurityCode {
		message, err := m.transport.GetAttestation(ctx, issuer.ServiceURL, &GetAttestationRequest{
			Account:      m.session.Account.Hex(),
			Issuer:       issuer.Address.Hex(),
			PhoneNumber:  m.session.E164,
			Salt:         m.session.Pepper,
			SecurityCode: code.Value,
		})
		if err != nil {
			return issuer, m.fail(issuer.Address, fmt.Errorf("redeem security code: %w", err))
		}
		if signature, err = ExtractAttestationCode(message); err != nil {
			return issuer, m.fail(issuer.Address, fmt.Errorf("redeem security code: %w", err))
		}
	}

	s := m.session
	signer, err := m.contract.ValidateAttestationCode(ctx, s.Identifier, s.Account, signature)
	if err != nil {
		return issuer, m.fail(issuer.Address, fmt.Errorf("validate: %w", err))
	}
	if signer != issuer.Address {
		return issuer, m.fail(issuer.Address, ErrCodeMismatch)
	}
	if !m.transition(issuer.Address, Matched, Validated, nil) {
		return issuer, m.abandoned(issuer.Address)
	}
	return issuer, m.complete(ctx, issuer.Address, signature)
}

// complete sends the completion for a Validated issuer. When the
// transaction stays unconfirmed the issuer remains Validated and a later
// ConfirmPending picks it up by hash.
func (m *Machine) complete(ctx context.Context, address common.Address, signature []byte) error {
	receipt, err := m.sendTx(ctx, completeLabel(address), func() (*ledger.Receipt, error) {
		return m.contract.Complete(ctx, m.session.Identifier, signature)
	})
	if _, pending := unconfirmed(err); pending {
		m.logger.Warn("completion not yet confirmed", "operation", "complete", "issuer", address.Hex(), "error", err)
		m.mu.Lock()
		phase := m.phase
		m.mu.Unlock()
		return &StateError{Kind: TxFailed, Phase: phase, Issuer: address, Err: err}
	}
	if err != nil {
		return m.fail(address, fmt.Errorf("complete: %w", err))
	}
	if !m.transition(address, Validated, Completed, receipt) {
		if m.stateOf(address) == Completed {
			return nil
		}
		return m.abandoned(address)
	}
	m.logger.Info("attestation completed", "operation", "complete", "issuer", address.Hex(), "tx", receipt.TxHash.Hex())
	return nil
}

// ConfirmPending re-polls the completions of issuers left Validated by an
// unconfirmed transaction and returns how many are now Completed.
func (m *Machine) ConfirmPending(ctx context.Context) int {
	m.mu.Lock()
	var waiting []common.Address
	for _, flow := range m.flows {
		if flow.state != Validated {
			continue
		}
		if tx, ok := m.txs[completeLabel(flow.issuer.Address)]; ok && !tx.confirmed {
			waiting = append(waiting, flow.issuer.Address)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, address := range waiting {
		if err := m.complete(ctx, address, nil); err == nil {
			n++
		}
	}
	return n
}

func (m *Machine) stateOf(address common.Address) IssuerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if flow := m.flowLocked(address); flow != nil {
		return flow.state
	}
	return 0
}

func (m *Machine) abandoned(address common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &StateError{Kind: IssuerFailed, Phase: m.phase, Issuer: address, Err: errors.New("issuer left the completion path")}
}

func completeLabel(address common.Address) string {
	return "complete:" + address.Hex()
}

func unconfirmed(err error) (common.Hash, bool) {
	var txErr *ledger.TxError
	if errors.As(err, &txErr) && txErr.Kind == ledger.TxNotConfirmed && txErr.TxHash != (common.Hash{}) {
		return txErr.TxHash, true
	}
	return common.Hash{}, false
}

// sendTx runs send once per label. A transaction that was sent but not
// confirmed is re-polled by hash, on this call and on any later call with
// the same label; it is never sent twice.
func (m *Machine) sendTx(ctx context.Context, label string, send func() (*ledger.Receipt, error)) (*ledger.Receipt, error) {
	m.mu.Lock()
	tx, seen := m.txs[label]
	m.mu.Unlock()
	if seen && tx.confirmed {
		return &ledger.Receipt{TxHash: tx.hash}, nil
	}

	var receipt *ledger.Receipt
	var err error
	if seen {
		receipt, err = m.awaitTx(ctx, label, tx.hash)
	} else {
		receipt, err = send()
		if hash, pending := unconfirmed(err); pending {
			m.recordTx(label, sentTx{hash: hash})
			receipt, err = m.awaitTx(ctx, label, hash)
		}
	}

	switch {
	case err == nil:
		m.recordTx(label, sentTx{hash: receipt.TxHash, confirmed: true})
	default:
		if _, pending := unconfirmed(err); !pending {
			// Rejected; a retry may send again.
			m.mu.Lock()
			delete(m.txs, label)
			m.mu.Unlock()
		}
	}
	return receipt, err
}

func (m *Machine) recordTx(label string, tx sentTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[label] = tx
}

func (m *Machine) awaitTx(ctx context.Context, label string, hash common.Hash) (*ledger.Receipt, error) {
	var receipt *ledger.Receipt
	operation := func() error {
		r, err := m.contract.Confirm(ctx, label, hash)
		if err == nil {
			receipt = r
			return nil
		}
		if _, pending := unconfirmed(err); pending {
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(m.confirmInterval), uint64(m.confirmRetries))
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		if _, pending := unconfirmed(err); pending {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, &ledger.TxError{Kind: ledger.TxNotConfirmed, Label: label, TxHash: hash, Err: err}
		}
		return nil, err
	}
	if receipt.TxHash == (common.Hash{}) {
		receipt.TxHash = hash
	}
	return receipt, nil
}

// claim is the single point where a pending issuer is consumed: it matches
// and moves the issuer to Matched under the lock, so a second code for the
// same issuer finds it gone.
func (m *Machine) claim(inbound string) (Issuer, Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != AwaitingCodes {
		return Issuer{}, Code{}, &StateError{Kind: InvalidTransition, Phase: m.phase, Err: errors.New("not awaiting codes")}
	}

	pending := make([]Issuer, 0, len(m.flows))
	for _, flow := range m.flows {
		if flow.state == Pending {
			pending = append(pending, flow.issuer)
		}
	}
	issuer, code, err := Match(pending, inbound)
	if err != nil {
		var matchErr *MatchError
		if errors.As(err, &matchErr) {
			m.metrics.CodeMatched(matchErr.Kind.String())
		}
		m.logger.Warn("inbound code not matched", "operation", "match", "error", err)
		return Issuer{}, Code{}, err
	}
	m.metrics.CodeMatched("matched")

	flow := m.flowLocked(issuer.Address)
	flow.state = Matched
	m.metrics.IssuerTransition(Matched.String())
	m.logger.Info("inbound code matched", "operation", "match", "issuer", issuer.Address.Hex(), "kind", code.Kind.String())
	return issuer, code, nil
}

func (m *Machine) flowLocked(address common.Address) *issuerFlow {
	for _, flow := range m.flows {
		if flow.issuer.Address == address {
			return flow
		}
	}
	return nil
}

// transition reports whether the issuer was in from and is now in to.
func (m *Machine) transition(address common.Address, from, to IssuerState, receipt *ledger.Receipt) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow := m.flowLocked(address)
	if flow == nil || flow.state != from {
		return false
	}
	flow.state = to
	if receipt != nil {
		flow.receipt = receipt
	}
	m.metrics.IssuerTransition(to.String())
	m.settleLocked()
	return true
}

// fail moves a non-terminal issuer to Failed and returns the error reported
// to the caller.
func (m *Machine) fail(address common.Address, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLocked(address, cause)
	return &StateError{Kind: IssuerFailed, Phase: m.phase, Issuer: address, Err: cause}
}

func (m *Machine) failLocked(address common.Address, cause error) {
	flow := m.flowLocked(address)
	if flow == nil || flow.state.terminal() {
		return
	}
	flow.state = Failed
	flow.err = cause
	m.metrics.IssuerTransition(Failed.String())
	m.logger.Warn("issuer failed", "operation", "attest", "issuer", address.Hex(), "error", cause)
	m.settleLocked()
}

// Expire fails an issuer that is still waiting for its code.
func (m *Machine) Expire(address common.Address) bool {
	return m.failPending(address, ErrExpired)
}

// failPending fails address only while it is Pending, so a code already
// claimed for it is not undone.
func (m *Machine) failPending(address common.Address, cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow := m.flowLocked(address)
	if flow == nil || flow.state != Pending {
		return false
	}
	m.failLocked(address, cause)
	return true
}

// ExpirePending fails every issuer still waiting for its code.
func (m *Machine) ExpirePending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, flow := range m.flows {
		if flow.state == Pending {
			m.failLocked(flow.issuer.Address, ErrExpired)
			n++
		}
	}
	return n
}

// settleLocked closes done once every issuer is terminal.
func (m *Machine) settleLocked() {
	if m.settled || m.phase != AwaitingCodes {
		return
	}
	for _, flow := range m.flows {
		if !flow.state.terminal() {
			return
		}
	}
	m.settled = true
	m.phase = Done
	close(m.done)
}

// Done is closed when every selected issuer is Completed or Failed.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until every issuer is terminal. When ctx ends first, issuers
// still waiting for a code are expired; issuers mid-completion are left to
// finish.
func (m *Machine) Wait(ctx context.Context) Outcome {
	select {
	case <-m.done:
	case <-ctx.Done():
		m.ExpirePending()
	}
	return m.Outcome()
}

type Outcome struct {
	Completed []IssuerStatus
	Failed    []IssuerStatus
	// InFlight counts issuers not yet terminal.
	InFlight int
}

// Usable reports whether enough issuers completed for the identifier to
// count as attested under the given threshold.
func (o Outcome) Usable(threshold int) bool {
	return threshold > 0 && len(o.Completed) >= threshold
}

func (o Outcome) Terminal() bool {
	return o.InFlight == 0
}

func (m *Machine) Outcome() Outcome {
	var out Outcome
	for _, status := range m.Snapshot().Issuers {
		switch status.State {
		case Completed:
			out.Completed = append(out.Completed, status)
		case Failed:
			out.Failed = append(out.Failed, status)
		default:
			out.InFlight++
		}
	}
	return out
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{SessionID: m.session.ID, Phase: m.phase}
	for _, flow := range m.flows {
		snap.Issuers = append(snap.Issuers, IssuerStatus{
			Issuer:  flow.issuer,
			State:   flow.state,
			Err:     flow.err,
			Receipt: flow.receipt,
		})
	}
	return snap
}
