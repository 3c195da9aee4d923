package inbound

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/pnp-attest/pnp-go/internal/privacylog"
)

const CodesPath = "/sessions/:id/codes"

type codesRequest struct {
	Code  string   `json:"code"`
	Codes []string `json:"codes"`
}

type codesResponse struct {
	Session string   `json:"session"`
	Results []Result `json:"results"`
}

// Webhook receives codes over HTTP, typically from an SMS gateway callback
// or a client app relaying what the user typed.
type Webhook struct {
	registry      *Registry
	logger        *slog.Logger
	submitTimeout time.Duration
}

type WebhookOption func(*Webhook)

// WithSubmitTimeout bounds how long one batch of codes may take to redeem,
// validate and complete. Defaults to two minutes.
func WithSubmitTimeout(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.submitTimeout = d }
}

func NewWebhook(registry *Registry, logger *slog.Logger, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		registry:      registry,
		logger:        privacylog.OrDiscard(logger).With("component", "webhook"),
		submitTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Webhook) RegisterRoutes(e *echo.Echo) {
	e.POST(CodesPath, w.postCodes, middleware.BodyLimit("8K"))
}

func (w *Webhook) postCodes(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.String(http.StatusBadRequest, "invalid session id")
	}
	if _, ok := w.registry.Get(id); !ok {
		return c.String(http.StatusNotFound, "unknown session")
	}

	var req codesRequest
	if err := c.Bind(&req); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	codes := req.Codes
	if strings.TrimSpace(req.Code) != "" {
		codes = append([]string{req.Code}, codes...)
	}
	if len(codes) == 0 {
		return c.String(http.StatusBadRequest, "no code")
	}

	// Completion waits for receipts; a caller hanging up must not cut that
	// short.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), w.submitTimeout)
	defer cancel()

	resp := codesResponse{Session: id.String(), Results: make([]Result, 0, len(codes))}
	for _, code := range codes {
		res, err := w.registry.Submit(ctx, id, code)
		if err != nil {
			// Removed while the batch was being processed.
			return c.String(http.StatusNotFound, "unknown session")
		}
		w.logger.Info("inbound code", "operation", "webhook", "correlation_id", id.String(), "status", res.Status)
		resp.Results = append(resp.Results, res)
	}
	return c.JSON(http.StatusOK, resp)
}
