package attestation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	RevealPath         = "/attestations"
	GetAttestationPath = "/get_attestations"

	serviceURLClaim = "ATTESTATION_SERVICE_URL"
)

// RevealRequest asks an issuer to send a security code to PhoneNumber.
type RevealRequest struct {
	PhoneNumber        string `json:"phoneNumber"`
	Account            string `json:"account"`
	Issuer             string `json:"issuer"`
	Salt               string `json:"salt,omitempty"`
	SmsRetrieverAppSig string `json:"smsRetrieverAppSig,omitempty"`
	Language           string `json:"language,omitempty"`
	SecurityCodePrefix string `json:"securityCodePrefix"`
}

// GetAttestationRequest redeems a security code for the attestation code.
type GetAttestationRequest struct {
	Account      string `json:"account"`
	Issuer       string `json:"issuer"`
	PhoneNumber  string `json:"phoneNumber"`
	Salt         string `json:"salt,omitempty"`
	SecurityCode string `json:"securityCode"`
}

type issuerResponse struct {
	Success         bool   `json:"success"`
	AttestationCode string `json:"attestationCode,omitempty"`
	Error           string `json:"error,omitempty"`
}

type metadata struct {
	Claims []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"claims"`
}

// IssuerTransport is the network side of talking to attestation issuers.
type IssuerTransport interface {
	// ServiceURL resolves an issuer's metadata document to its service URL.
	ServiceURL(ctx context.Context, metadataURL string) (string, error)
	PostVerificationRequest(ctx context.Context, endpoint string, req *RevealRequest) error
	// GetAttestation returns the issuer's message carrying the attestation
	// code for a security code.
	GetAttestation(ctx context.Context, endpoint string, req *GetAttestationRequest) (string, error)
}

// ErrIssuerRejected is a 4xx answer. Such requests are not retried.
var ErrIssuerRejected = errors.New("issuer rejected request")

type HTTPIssuerTransport struct {
	client        *http.Client
	attempts      int
	retryInterval time.Duration
}

func NewHTTPIssuerTransport(client *http.Client, attempts int) *HTTPIssuerTransport {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if attempts <= 0 {
		attempts = 1
	}
	return &HTTPIssuerTransport{client: client, attempts: attempts, retryInterval: 200 * time.Millisecond}
}

func (t *HTTPIssuerTransport) ServiceURL(ctx context.Context, metadataURL string) (string, error) {
	var doc metadata
	if err := t.do(ctx, http.MethodGet, metadataURL, nil, &doc); err != nil {
		return "", fmt.Errorf("fetch issuer metadata: %w", err)
	}
	for _, claim := range doc.Claims {
		if claim.Type == serviceURLClaim && claim.URL != "" {
			return claim.URL, nil
		}
	}
	return "", errors.New("issuer metadata has no attestation service url")
}

func (t *HTTPIssuerTransport) PostVerificationRequest(ctx context.Context, endpoint string, req *RevealRequest) error {
	var resp issuerResponse
	if err := t.do(ctx, http.MethodPost, joinURL(endpoint, RevealPath), req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrIssuerRejected, resp.Error)
	}
	return nil
}

func (t *HTTPIssuerTransport) GetAttestation(ctx context.Context, endpoint string, req *GetAttestationRequest) (string, error) {
	var resp issuerResponse
	if err := t.do(ctx, http.MethodPost, joinURL(endpoint, GetAttestationPath), req, &resp); err != nil {
		return "", err
	}
	if !resp.Success || resp.AttestationCode == "" {
		return "", fmt.Errorf("%w: %s", ErrIssuerRejected, resp.Error)
	}
	return resp.AttestationCode, nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

func (t *HTTPIssuerTransport) do(ctx context.Context, method, url string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("issuer status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			var failure issuerResponse
			_ = json.Unmarshal(raw, &failure)
			return backoff.Permanent(fmt.Errorf("%w: status %d %s", ErrIssuerRejected, resp.StatusCode, failure.Error))
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode issuer response: %w", err))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.retryInterval
	policy.MaxElapsedTime = 0
	return backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(t.attempts-1)),
		ctx,
	))
}
