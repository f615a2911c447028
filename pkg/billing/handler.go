package billing

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mihaimyh/gotenant/internal/httpx"
	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

// DeliveryProcessor is the part of Processor the HTTP boundary depends on
type DeliveryProcessor interface {
	Provider() string
	Process(ctx context.Context, d Delivery) (*Result, error)
}

// Handler is the webhook HTTP endpoint.
//
// Handled deliveries (applied, unchanged, duplicate, ignored) return 200.
// Signature failures return 400, unknown subscriptions 422 so the provider
// redelivers after an operator reconciles, transient storage failures 503 and
// anything else 500. Response bodies never carry internal error text.
type Handler struct {
	processor DeliveryProcessor
	header    string
	maxBody   int64
	limiter   *httpx.RateLimiter
	logger    tenancy.Logger
}

// NewHandler creates the webhook HTTP endpoint
func NewHandler(processor DeliveryProcessor, config HandlerConfig, logger tenancy.Logger) *Handler {
	if config.SignatureHeader == "" {
		config.SignatureHeader = DefaultSignatureHeader
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = &tenancy.NoopLogger{}
	}
	h := &Handler{
		processor: processor,
		header:    config.SignatureHeader,
		maxBody:   config.MaxBodyBytes,
		logger:    logger,
	}
	if config.RateLimit > 0 {
		window := config.RateWindow
		if window <= 0 {
			window = DefaultHandlerConfig().RateWindow
		}
		h.limiter = httpx.NewRateLimiter(config.RateLimit, window)
	}
	return h
}

type webhookResponse struct {
	Status  ResultStatus `json:"status"`
	EventID string       `json:"event_id,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	httpx.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.limiter != nil && !h.limiter.Allow(httpx.ClientIP(r)) {
		httpx.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := httpx.ReadBodyStrict(w, r, h.maxBody)
	if err != nil {
		if errors.Is(err, httpx.ErrPayloadTooLarge) {
			httpx.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		httpx.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	sig := strings.TrimSpace(r.Header.Get(h.header))
	res, err := h.processor.Process(r.Context(), Delivery{Payload: body, Signature: sig})
	if err != nil {
		code, msg := statusFor(err)
		httpx.WriteError(w, code, msg)
		return
	}

	if err := httpx.WriteJSON(w, http.StatusOK, webhookResponse{Status: res.Status, EventID: res.EventID}); err != nil {
		h.logger.Debug("webhook response write failed", tenancy.F("error", err))
	}
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrAuthentication):
		return http.StatusBadRequest, "signature verification failed"
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrUnknownEventKind):
		return http.StatusBadRequest, "invalid payload"
	case errors.Is(err, ErrSubscriptionNotFound):
		return http.StatusUnprocessableEntity, "subscription not found"
	case tenancy.IsTransient(err):
		return http.StatusServiceUnavailable, "temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
