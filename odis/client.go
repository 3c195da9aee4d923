// Package odis resolves a phone number to its pepper and on-chain identifier
// through the oblivious signing service without revealing the number to it.
package odis

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/pnp-attest/pnp-go/blinding"
	"github.com/pnp-attest/pnp-go/environment"
	"github.com/pnp-attest/pnp-go/identifier"
	"github.com/pnp-attest/pnp-go/internal/privacylog"
	"github.com/pnp-attest/pnp-go/metrics"
)

type Result struct {
	E164       string
	Pepper     string
	Identifier identifier.Identifier
	// Cached is set when the pepper came from the PepperCache.
	Cached bool
}

type Client struct {
	endpoint      string
	timeout       time.Duration
	retryAttempts int
	retryInterval time.Duration

	blinder   blinding.Client
	transport Transport
	auth      Authorizer
	cache     *PepperCache
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type Option func(*Client)

func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithBlindingClient replaces the client derived from the environment's
// pinned key.
func WithBlindingClient(b blinding.Client) Option {
	return func(c *Client) { c.blinder = b }
}

func WithCache(cache *PepperCache) Option {
	return func(c *Client) { c.cache = cache }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) { c.retryInterval = d }
}

func NewClient(env environment.Context, auth Authorizer, opts ...Option) (*Client, error) {
	if auth == nil {
		return nil, errors.New("odis: authorizer is required")
	}
	c := &Client{
		endpoint:      env.ODISURL,
		timeout:       env.LookupTimeout,
		retryAttempts: env.RetryAttempts,
		retryInterval: 250 * time.Millisecond,
		auth:          auth,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.blinder == nil {
		blinder, err := env.BlindingClient()
		if err != nil {
			return nil, fmt.Errorf("odis: %w", err)
		}
		c.blinder = blinder
	}
	if c.transport == nil {
		c.transport = NewHTTPTransport(nil)
	}
	if c.retryAttempts <= 0 {
		c.retryAttempts = 1
	}
	c.logger = privacylog.OrDiscard(c.logger).With("component", "odis")
	return c, nil
}

// Lookup returns the pepper and identifier of e164 on behalf of account.
// e164 must already be canonical; see identifier.NormalizeE164.
func (c *Client) Lookup(ctx context.Context, e164 string, account common.Address) (*Result, error) {
	if err := identifier.ValidateE164(e164); err != nil {
		c.metrics.ObserveLookup(KindInvalidInput.String(), 0)
		return nil, newLookupError(KindInvalidInput, err)
	}
	if pepper, ok := c.cache.Get(e164); ok {
		id, err := identifier.IdentifierHash(e164, pepper)
		if err == nil {
			c.metrics.ObserveLookup("cached", 0)
			return &Result{E164: e164, Pepper: pepper, Identifier: id, Cached: true}, nil
		}
	}

	started := time.Now()
	res, err := c.lookup(ctx, e164, account)
	if err != nil {
		c.metrics.ObserveLookup(KindOf(err).String(), time.Since(started))
		c.logger.Warn("lookup failed", "operation", "lookup", "e164", e164, "account", account.Hex(), "error", err)
		return nil, err
	}
	c.metrics.ObserveLookup("ok", time.Since(started))
	c.cache.Add(e164, res.Pepper)
	c.logger.Info("lookup complete", "operation", "lookup", "e164", e164, "identifier", res.Identifier.Hex())
	return res, nil
}

func (c *Client) lookup(ctx context.Context, e164 string, account common.Address) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	state, err := c.blinder.Blind(identifier.BlindingMessage(e164))
	if err != nil {
		return nil, newLookupError(KindInvalidInput, err)
	}
	// Covers every early return; Finalize discards on its own.
	defer state.Discard()

	query := &BlindedQuery{
		Method:         c.auth.Method(),
		Account:        account,
		BlindedMessage: state.BlindedMessage(),
		SessionID:      uuid.NewString(),
	}
	authorization, err := c.auth.Authorize(ctx, query)
	if err != nil {
		return nil, newLookupError(KindInvalidInput, fmt.Errorf("authorize query: %w", err))
	}
	req := &SignRequest{
		Account:                 account.Hex(),
		BlindedQueryPhoneNumber: base64.StdEncoding.EncodeToString(query.BlindedMessage),
		AuthenticationMethod:    string(query.Method),
		SessionID:               query.SessionID,
		Version:                 APIVersion,
	}

	resp, err := c.post(ctx, req, authorization)
	if err != nil {
		return nil, err
	}

	combined, err := base64.StdEncoding.DecodeString(resp.CombinedSignature)
	if err != nil {
		return nil, newLookupError(KindInvalidSignature, fmt.Errorf("decode combined signature: %w", err))
	}
	output, err := state.Finalize(combined)
	if err != nil {
		return nil, newLookupError(KindInvalidSignature, err)
	}

	pepper := identifier.PepperFromSignature(output)
	id, err := identifier.IdentifierHash(e164, pepper)
	if err != nil {
		return nil, newLookupError(KindInvalidInput, err)
	}
	return &Result{E164: e164, Pepper: pepper, Identifier: id}, nil
}

// post retries transport failures with exponential backoff. Quota and
// request errors are returned at once.
func (c *Client) post(ctx context.Context, req *SignRequest, authorization string) (*SignResponse, error) {
	var resp *SignResponse
	attempt := 0
	operation := func() error {
		attempt++
		r, err := c.transport.PostBlindedQuery(ctx, c.endpoint, req, authorization)
		switch {
		case err == nil:
			resp = r
			return nil
		case errors.Is(err, ErrQuotaExceeded):
			return backoff.Permanent(newLookupError(KindQuotaExceeded, err))
		case errors.Is(err, ErrBadRequest):
			return backoff.Permanent(newLookupError(KindInvalidInput, err))
		default:
			c.logger.Debug("query attempt failed", "operation", "lookup", "attempt", attempt, "error", err)
			return newLookupError(KindTransport, err)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval
	policy.MaxElapsedTime = 0
	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.retryAttempts-1)),
		ctx,
	))
	if err != nil {
		if KindOf(err) == 0 {
			// Context ended between attempts.
			err = newLookupError(KindTransport, err)
		}
		return nil, err
	}
	return resp, nil
}
