package odis

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
)

const (
	// SignPath is the combiner endpoint returning the combined blind signature.
	SignPath = "/getBlindedMessageSig"
	// APIVersion is sent with every query.
	APIVersion = "1.0.0"

	quotaErrorCode = "ODIS_QUOTA_ERROR"
)

var (
	ErrQuotaExceeded = errors.New("query quota exceeded")
	ErrBadRequest    = errors.New("request rejected by service")
)

type SignRequest struct {
	Account                 string `json:"account"`
	BlindedQueryPhoneNumber string `json:"blindedQueryPhoneNumber"`
	AuthenticationMethod    string `json:"authenticationMethod"`
	SessionID               string `json:"sessionID"`
	Version                 string `json:"version"`
}

type SignResponse struct {
	Success           bool   `json:"success"`
	CombinedSignature string `json:"combinedSignature,omitempty"`
	Error             string `json:"error,omitempty"`
	Version           string `json:"version,omitempty"`
}

// StatusError is a non-2xx answer that is neither a quota nor a request
// error. It is retryable.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

type Transport interface {
	PostBlindedQuery(ctx context.Context, endpoint string, req *SignRequest, authorization string) (*SignResponse, error)
}

type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) PostBlindedQuery(ctx context.Context, endpoint string, req *SignRequest, authorization string) (*SignResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(endpoint, "/")+SignPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", authorization)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	var out SignResponse
	decodeErr := json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode == http.StatusForbidden || out.Error == quotaErrorCode:
		return nil, ErrQuotaExceeded
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &StatusError{Code: resp.StatusCode, Body: string(raw)}
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d: %s", ErrBadRequest, resp.StatusCode, out.Error)
	case decodeErr != nil:
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	case !out.Success:
		return nil, fmt.Errorf("%w: %s", ErrBadRequest, out.Error)
	}
	return &out, nil
}
