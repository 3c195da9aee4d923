package attestation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(attempts int) *HTTPIssuerTransport {
	t := NewHTTPIssuerTransport(nil, attempts)
	t.retryInterval = time.Millisecond
	return t
}

func TestServiceURLFromMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"claims":[{"type":"NAME","url":""},{"type":"ATTESTATION_SERVICE_URL","url":"https://issuer.example"}]}`))
	}))
	defer srv.Close()

	url, err := newTestTransport(1).ServiceURL(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://issuer.example", url)
}

func TestServiceURLMissingClaim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"claims":[]}`))
	}))
	defer srv.Close()

	_, err := newTestTransport(1).ServiceURL(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestPostVerificationRequestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var got RevealRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, RevealPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	req := &RevealRequest{PhoneNumber: "+15172023334", Account: "0xac", Issuer: "0x10", SecurityCodePrefix: "1"}
	require.NoError(t, newTestTransport(3).PostVerificationRequest(context.Background(), srv.URL+"/", req))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, *req, got)
}

func TestPostVerificationRequestRejectedNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"success":false,"error":"invalid phone number"}`))
	}))
	defer srv.Close()

	err := newTestTransport(5).PostVerificationRequest(context.Background(), srv.URL, &RevealRequest{})
	assert.ErrorIs(t, err, ErrIssuerRejected)
	assert.Contains(t, err.Error(), "invalid phone number")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetAttestation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, GetAttestationPath, r.URL.Path)
		var req GetAttestationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.SecurityCode != "93905629" {
			_, _ = w.Write([]byte(`{"success":false,"error":"unknown code"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"attestationCode":"<#> celo://wallet/v/abc"}`))
	}))
	defer srv.Close()

	tr := newTestTransport(1)
	message, err := tr.GetAttestation(context.Background(), srv.URL, &GetAttestationRequest{SecurityCode: "93905629"})
	require.NoError(t, err)
	assert.Equal(t, "<#> celo://wallet/v/abc", message)

	_, err = tr.GetAttestation(context.Background(), srv.URL, &GetAttestationRequest{SecurityCode: "00000000"})
	assert.ErrorIs(t, err, ErrIssuerRejected)
}

func TestTransportHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	tr := NewHTTPIssuerTransport(nil, 1000)
	tr.retryInterval = 5 * time.Millisecond
	err := tr.PostVerificationRequest(ctx, srv.URL, &RevealRequest{})
	assert.Error(t, err)
}
