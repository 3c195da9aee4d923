package attestation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnp-attest/pnp-go/environment"
	"github.com/pnp-attest/pnp-go/identifier"
	"github.com/pnp-attest/pnp-go/ledger"
	"github.com/pnp-attest/pnp-go/metrics"
)

var (
	issuer1 = common.HexToAddress("0x0100000000000000000000000000000000000001")
	issuer2 = common.HexToAddress("0x0200000000000000000000000000000000000002")
	issuer3 = common.HexToAddress("0x0300000000000000000000000000000000000003")
	account = common.HexToAddress("0x00000000000000000000000000000000000000ac")
)

func sigFor(issuer common.Address) []byte {
	return bytes.Repeat([]byte{issuer[0]}, 65)
}

type fakeContract struct {
	mu           sync.Mutex
	requestBlock uint32
	waitBlocks   uint64
	actionable   []ledger.ActionableAttestation
	codes        map[string]common.Address
	completed    []common.Address
	requested    int
	approveErr   error
	completeErr  map[common.Address]error
	approves     int
	requests     int
	// unconfirmed is how many more sends or polls of a label answer
	// TxNotConfirmed.
	unconfirmed map[string]int
	onValidate  func()
}

func txHash(label string) common.Hash {
	return common.BytesToHash([]byte(label))
}

// answerLocked returns the outcome of a send or poll of label.
func (c *fakeContract) answerLocked(label string) (*ledger.Receipt, error) {
	if c.unconfirmed[label] > 0 {
		c.unconfirmed[label]--
		return nil, &ledger.TxError{Kind: ledger.TxNotConfirmed, Label: label, TxHash: txHash(label)}
	}
	return &ledger.Receipt{TxHash: txHash(label), BlockNumber: 110}, nil
}

func (c *fakeContract) setUnconfirmed(label string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unconfirmed[label] = n
}

func newFakeContract(issuers ...common.Address) *fakeContract {
	c := &fakeContract{
		requestBlock: 100,
		waitBlocks:   4,
		codes:        make(map[string]common.Address),
		completeErr:  make(map[common.Address]error),
		unconfirmed:  make(map[string]int),
	}
	for _, issuer := range issuers {
		c.actionable = append(c.actionable, ledger.ActionableAttestation{
			Issuer:      issuer,
			BlockNumber: 104,
			MetadataURL: "https://metadata/" + issuer.Hex(),
		})
		c.codes[hex.EncodeToString(sigFor(issuer))] = issuer
	}
	return c
}

func (c *fakeContract) Approve(context.Context, common.Address, int) (*ledger.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.approves++
	if c.approveErr != nil {
		return nil, c.approveErr
	}
	return c.answerLocked("approve")
}

func (c *fakeContract) Request(_ context.Context, _ identifier.Identifier, k int, _ common.Address) (*ledger.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
	c.requested = k
	return c.answerLocked("request")
}

func (c *fakeContract) Confirm(_ context.Context, label string, hash common.Hash) (*ledger.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hash != txHash(label) {
		return nil, &ledger.TxError{Kind: ledger.TxRejected, Label: label, TxHash: hash}
	}
	return c.answerLocked(label)
}

func (c *fakeContract) UnselectedRequest(context.Context, identifier.Identifier, common.Address) (ledger.UnselectedRequest, error) {
	return ledger.UnselectedRequest{BlockNumber: c.requestBlock, Requested: 3}, nil
}

func (c *fakeContract) SelectIssuersWaitBlocks(context.Context) (uint64, error) {
	return c.waitBlocks, nil
}

func (c *fakeContract) SelectIssuers(context.Context, identifier.Identifier) (*ledger.Receipt, error) {
	return &ledger.Receipt{}, nil
}

func (c *fakeContract) ActionableAttestations(context.Context, identifier.Identifier, common.Address) ([]ledger.ActionableAttestation, error) {
	return c.actionable, nil
}

func (c *fakeContract) ValidateAttestationCode(_ context.Context, _ identifier.Identifier, _ common.Address, code []byte) (common.Address, error) {
	if c.onValidate != nil {
		c.onValidate()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codes[hex.EncodeToString(code)], nil
}

func (c *fakeContract) Complete(_ context.Context, _ identifier.Identifier, code []byte) (*ledger.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	issuer := c.codes[hex.EncodeToString(code)]
	if err := c.completeErr[issuer]; err != nil {
		return nil, err
	}
	// Sent means on chain, confirmed or not.
	c.completed = append(c.completed, issuer)
	return c.answerLocked("complete:" + issuer.Hex())
}

type fakeBlocks struct {
	height atomic.Uint64
}

func (b *fakeBlocks) BlockNumber(context.Context) (uint64, error) {
	return b.height.Load(), nil
}

type fakeTransport struct {
	mu           sync.Mutex
	reveals      []RevealRequest
	failDispatch map[string]bool
	securityCode map[string]string
	expected     int32
	started      atomic.Int32
	allStarted   chan struct{}
	beforeReveal func(endpoint string) error
}

func newFakeTransport(concurrent int) *fakeTransport {
	return &fakeTransport{
		failDispatch: make(map[string]bool),
		securityCode: make(map[string]string),
		expected:     int32(concurrent),
		allStarted:   make(chan struct{}),
	}
}

func (t *fakeTransport) ServiceURL(_ context.Context, metadataURL string) (string, error) {
	return "https://service/" + metadataURL[len("https://metadata/"):], nil
}

func (t *fakeTransport) PostVerificationRequest(ctx context.Context, endpoint string, req *RevealRequest) error {
	if t.started.Add(1) == t.expected {
		close(t.allStarted)
	}
	// Every dispatch waits for the others; a sequential fan-out never gets
	// past the first one.
	select {
	case <-t.allStarted:
	case <-time.After(2 * time.Second):
		return errors.New("dispatch was not concurrent")
	}
	if t.beforeReveal != nil {
		if err := t.beforeReveal(endpoint); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reveals = append(t.reveals, *req)
	if t.failDispatch[endpoint] {
		return errors.New("issuer unavailable")
	}
	return nil
}

func (t *fakeTransport) GetAttestation(_ context.Context, _ string, req *GetAttestationRequest) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	message, ok := t.securityCode[req.Issuer+"/"+req.SecurityCode]
	if !ok {
		return "", ErrIssuerRejected
	}
	return message, nil
}

type harness struct {
	machine   *Machine
	contract  *fakeContract
	blocks    *fakeBlocks
	transport *fakeTransport
	metrics   *metrics.Metrics
}

func newHarness(t *testing.T, issuers ...common.Address) *harness {
	t.Helper()
	env, err := environment.New(environment.Local)
	require.NoError(t, err)
	session, err := NewSession(env, "+15172023334", "+8swDgOD5m138", account)
	require.NoError(t, err)

	h := &harness{
		contract:  newFakeContract(issuers...),
		blocks:    &fakeBlocks{},
		transport: newFakeTransport(len(issuers)),
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	h.blocks.height.Store(104)
	h.machine = NewMachine(session, h.contract, h.blocks, h.transport,
		WithMetrics(h.metrics),
		WithConfirmRetries(2, time.Millisecond),
	)
	return h
}

func (h *harness) awaitCodes(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.machine.Request(ctx, len(h.contract.actionable)))
	require.NoError(t, h.machine.SelectIssuers(ctx))
	require.NoError(t, h.machine.Dispatch(ctx))
}

func states(m *Machine) map[common.Address]IssuerState {
	out := make(map[common.Address]IssuerState)
	for _, status := range m.Snapshot().Issuers {
		out[status.Issuer.Address] = status.State
	}
	return out
}

func TestEndToEndPartialCompletion(t *testing.T) {
	h := newHarness(t, issuer1, issuer2, issuer3)
	h.transport.securityCode[issuer2.Hex()+"/93905629"] =
		"<#> celo://wallet/v/" + base64.StdEncoding.EncodeToString(sigFor(issuer2)) + " appsig"
	h.awaitCodes(t)

	assert.Equal(t, AwaitingCodes, h.machine.Phase())
	require.Len(t, h.transport.reveals, 3)
	for _, reveal := range h.transport.reveals {
		assert.Equal(t, "+15172023334", reveal.PhoneNumber)
		assert.Equal(t, "+8swDgOD5m138", reveal.Salt)
		assert.Equal(t, "en", reveal.Language)
		assert.Equal(t, string(SecurityCodePrefix(common.HexToAddress(reveal.Issuer))), reveal.SecurityCodePrefix)
	}

	// Issuer 2 answers with a security code, issuer 3 with a full code.
	var wg sync.WaitGroup
	for _, code := range []string{"293905629", "3" + base64.StdEncoding.EncodeToString(sigFor(issuer3))} {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			_, err := h.machine.SubmitCode(context.Background(), code)
			assert.NoError(t, err)
		}(code)
	}
	wg.Wait()

	// Issuer 1 never answers.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	outcome := h.machine.Wait(ctx)

	assert.True(t, outcome.Terminal())
	assert.Len(t, outcome.Completed, 2)
	require.Len(t, outcome.Failed, 1)
	assert.Equal(t, issuer1, outcome.Failed[0].Issuer.Address)
	assert.ErrorIs(t, outcome.Failed[0].Err, ErrExpired)
	assert.True(t, outcome.Usable(2))
	assert.False(t, outcome.Usable(3))
	assert.Equal(t, Done, h.machine.Phase())
	assert.ElementsMatch(t, []common.Address{issuer2, issuer3}, h.contract.completed)
}

func TestLateCodeForCompletedIssuer(t *testing.T) {
	h := newHarness(t, issuer1, issuer2)
	h.awaitCodes(t)

	code := "2" + base64.StdEncoding.EncodeToString(sigFor(issuer2))
	issuer, err := h.machine.SubmitCode(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, issuer2, issuer.Address)

	_, err = h.machine.SubmitCode(context.Background(), code)
	assert.Equal(t, NoMatchingIssuer, matchKind(t, err))
	assert.Len(t, h.contract.completed, 1)
}

func TestConcurrentCodesClaimIssuerOnce(t *testing.T) {
	h := newHarness(t, issuer1, issuer2)
	h.awaitCodes(t)

	code := "1" + base64.StdEncoding.EncodeToString(sigFor(issuer1))
	const submitters = 8
	var wg sync.WaitGroup
	var succeeded, unmatched atomic.Int32
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.machine.SubmitCode(context.Background(), code)
			var matchErr *MatchError
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.As(err, &matchErr) && matchErr.Kind == NoMatchingIssuer:
				unmatched.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(submitters-1), unmatched.Load())
	assert.Equal(t, []common.Address{issuer1}, h.contract.completed)
}

func TestSelectIssuersFailsFastBeforeWaitBlocks(t *testing.T) {
	h := newHarness(t, issuer1)
	h.blocks.height.Store(102)
	require.NoError(t, h.machine.Request(context.Background(), 1))

	err := h.machine.SelectIssuers(context.Background())
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, PreconditionNotMet, stateErr.Kind)
	assert.Equal(t, Requested, h.machine.Phase())

	remaining, err := h.machine.BlocksUntilSelectable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), remaining)

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.blocks.height.Store(104)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.machine.AwaitSelectable(ctx, 5*time.Millisecond))
	require.NoError(t, h.machine.SelectIssuers(context.Background()))
	assert.Equal(t, IssuersSelected, h.machine.Phase())
}

func TestRequestTxFailure(t *testing.T) {
	h := newHarness(t, issuer1)
	h.contract.approveErr = &ledger.TxError{Kind: ledger.TxRejected, Label: "approve"}

	err := h.machine.Request(context.Background(), 1)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, TxFailed, stateErr.Kind)
	var txErr *ledger.TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, ledger.TxRejected, txErr.Kind)
	assert.Equal(t, Unrequested, h.machine.Phase())
	assert.Zero(t, h.contract.requested)
}

func TestDispatchFailureIsolated(t *testing.T) {
	h := newHarness(t, issuer1, issuer2, issuer3)
	h.transport.failDispatch["https://service/"+issuer2.Hex()] = true
	h.awaitCodes(t)

	got := states(h.machine)
	assert.Equal(t, Pending, got[issuer1])
	assert.Equal(t, Failed, got[issuer2])
	assert.Equal(t, Pending, got[issuer3])

	_, err := h.machine.SubmitCode(context.Background(), "1"+base64.StdEncoding.EncodeToString(sigFor(issuer1)))
	require.NoError(t, err)
	assert.Equal(t, Completed, states(h.machine)[issuer1])
}

func TestCodeMismatchFailsOnlyThatIssuer(t *testing.T) {
	h := newHarness(t, issuer1, issuer2)
	h.awaitCodes(t)

	// Issuer 2's signature presented with issuer 1's prefix.
	_, err := h.machine.SubmitCode(context.Background(), "1"+base64.StdEncoding.EncodeToString(sigFor(issuer2)))
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, IssuerFailed, stateErr.Kind)
	assert.Equal(t, issuer1, stateErr.Issuer)
	assert.ErrorIs(t, err, ErrCodeMismatch)

	got := states(h.machine)
	assert.Equal(t, Failed, got[issuer1])
	assert.Equal(t, Pending, got[issuer2])
	assert.Empty(t, h.contract.completed)

	// The failed issuer is not retried with a new code either.
	_, err = h.machine.SubmitCode(context.Background(), "1"+base64.StdEncoding.EncodeToString(sigFor(issuer1)))
	assert.Equal(t, NoMatchingIssuer, matchKind(t, err))
}

func TestCompleteFailureAndUnknownSecurityCode(t *testing.T) {
	h := newHarness(t, issuer1, issuer2)
	h.contract.completeErr[issuer1] = &ledger.TxError{Kind: ledger.TxRejected, Label: "complete"}
	h.awaitCodes(t)

	_, err := h.machine.SubmitCode(context.Background(), "1"+base64.StdEncoding.EncodeToString(sigFor(issuer1)))
	var txErr *ledger.TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, Failed, states(h.machine)[issuer1])

	_, err = h.machine.SubmitCode(context.Background(), "212345678")
	assert.ErrorIs(t, err, ErrIssuerRejected)
	assert.Equal(t, Done, h.machine.Phase())

	select {
	case <-h.machine.Done():
	default:
		t.Fatal("done channel not closed after all issuers failed")
	}
}

func TestInvalidTransitions(t *testing.T) {
	h := newHarness(t, issuer1)

	_, err := h.machine.SubmitCode(context.Background(), "1"+base64.StdEncoding.EncodeToString(sigFor(issuer1)))
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, InvalidTransition, stateErr.Kind)

	assert.Error(t, h.machine.SelectIssuers(context.Background()))
	assert.Error(t, h.machine.Dispatch(context.Background()))
	assert.Error(t, h.machine.Request(context.Background(), 0))
}

func TestAdoptAndExpire(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.Adopt([]Issuer{issuerA, issuerB}))
	h.transport = newFakeTransport(2)
	h.machine.transport = h.transport
	require.NoError(t, h.machine.Dispatch(context.Background()))

	assert.True(t, h.machine.Expire(issuerA.Address))
	assert.False(t, h.machine.Expire(issuerA.Address))
	assert.Equal(t, 1, h.machine.ExpirePending())

	outcome := h.machine.Outcome()
	assert.Len(t, outcome.Failed, 2)
	assert.False(t, outcome.Usable(1))
	assert.Equal(t, Done, h.machine.Phase())
}

func TestResumeLoadsSelectedIssuers(t *testing.T) {
	h := newHarness(t, issuer1, issuer2)
	h.contract.actionable[1].MetadataURL = ""

	require.NoError(t, h.machine.Resume(context.Background()))
	got := states(h.machine)
	assert.Equal(t, Pending, got[issuer1])
	assert.Equal(t, Failed, got[issuer2])

	snap := h.machine.Snapshot()
	assert.Equal(t, IssuersSelected, snap.Phase)
	assert.Equal(t, "https://service/"+issuer1.Hex(), snap.Issuers[0].Issuer.ServiceURL)
}

func TestDispatchFailureAfterCodeClaimed(t *testing.T) {
	h := newHarness(t, issuer1, issuer2)
	ctx := context.Background()
	require.NoError(t, h.machine.Request(ctx, 2))
	require.NoError(t, h.machine.SelectIssuers(ctx))

	// Issuer 1's reveal only fails once its code has been claimed, and the
	// code is only validated once dispatch has returned.
	claimed := make(chan struct{})
	dispatched := make(chan struct{})
	h.transport.beforeReveal = func(endpoint string) error {
		if endpoint != "https://service/"+issuer1.Hex() {
			return nil
		}
		select {
		case <-claimed:
		case <-time.After(2 * time.Second):
		}
		return errors.New("reveal timed out")
	}
	var once sync.Once
	h.contract.onValidate = func() {
		once.Do(func() { close(claimed) })
		select {
		case <-dispatched:
		case <-time.After(2 * time.Second):
		}
	}
	go func() {
		_ = h.machine.Dispatch(ctx)
		close(dispatched)
	}()

	require.Eventually(t, func() bool { return h.machine.Phase() == AwaitingCodes }, time.Second, time.Millisecond)
	issuer, err := h.machine.SubmitCode(ctx, "1"+base64.StdEncoding.EncodeToString(sigFor(issuer1)))
	require.NoError(t, err)
	assert.Equal(t, issuer1, issuer.Address)
	<-dispatched

	got := states(h.machine)
	assert.Equal(t, Completed, got[issuer1])
	assert.Equal(t, Pending, got[issuer2])
	assert.Equal(t, []common.Address{issuer1}, h.contract.completed)
}

func TestUnconfirmedCompletionIsRepolled(t *testing.T) {
	h := newHarness(t, issuer1, issuer2)
	// The send and the first poll report TxNotConfirmed.
	h.contract.setUnconfirmed("complete:"+issuer1.Hex(), 2)
	h.awaitCodes(t)

	_, err := h.machine.SubmitCode(context.Background(), "1"+base64.StdEncoding.EncodeToString(sigFor(issuer1)))
	require.NoError(t, err)
	assert.Equal(t, Completed, states(h.machine)[issuer1])
	assert.Equal(t, []common.Address{issuer1}, h.contract.completed)
}

func TestUnconfirmedCompletionStaysValidated(t *testing.T) {
	h := newHarness(t, issuer1, issuer2)
	h.contract.setUnconfirmed("complete:"+issuer1.Hex(), 100)
	h.awaitCodes(t)

	_, err := h.machine.SubmitCode(context.Background(), "1"+base64.StdEncoding.EncodeToString(sigFor(issuer1)))
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, TxFailed, stateErr.Kind)
	var txErr *ledger.TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, ledger.TxNotConfirmed, txErr.Kind)
	assert.Equal(t, Validated, states(h.machine)[issuer1])

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	outcome := h.machine.Wait(ctx)
	assert.Equal(t, 1, outcome.InFlight)
	assert.Len(t, outcome.Failed, 1)

	assert.Zero(t, h.machine.ConfirmPending(context.Background()))
	h.contract.setUnconfirmed("complete:"+issuer1.Hex(), 0)
	assert.Equal(t, 1, h.machine.ConfirmPending(context.Background()))

	assert.Equal(t, Completed, states(h.machine)[issuer1])
	assert.Equal(t, Done, h.machine.Phase())
	// Confirmed by polling; the completion was sent once.
	assert.Equal(t, []common.Address{issuer1}, h.contract.completed)
}

func TestRequestUnconfirmedIsNotResent(t *testing.T) {
	h := newHarness(t, issuer1)
	h.contract.setUnconfirmed("request", 100)

	err := h.machine.Request(context.Background(), 1)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, TxFailed, stateErr.Kind)
	assert.Equal(t, Unrequested, h.machine.Phase())

	h.contract.setUnconfirmed("request", 0)
	require.NoError(t, h.machine.Request(context.Background(), 1))
	assert.Equal(t, Requested, h.machine.Phase())
	assert.Equal(t, 1, h.contract.approves)
	assert.Equal(t, 1, h.contract.requests)
}
