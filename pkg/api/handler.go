package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/gotenant/internal/httpx"
	"github.com/mihaimyh/gotenant/pkg/billing"
	"github.com/mihaimyh/gotenant/pkg/tenancy"
	"github.com/mihaimyh/gotenant/pkg/usage"
)

const (
	statusDefault = "default"
	maxOrgIDLen   = 255
)

var (
	errUnauthorized = errors.New("organization not found")
	errBadWindow    = errors.New("invalid time window")
)

// Handler provides HTTP endpoints for usage capture, ledger queries and
// subscription standing
type Handler struct {
	config Config
}

// RecordUsage stores one usage event for the caller's organization
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	httpx.SetSecurityHeaders(w)
	orgID, ok := h.organization(w, r)
	if !ok {
		return
	}

	body, err := httpx.ReadBodyStrict(w, r, h.config.MaxBodyBytes)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, httpx.ErrPayloadTooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		h.handleError(w, r, err, code)
		return
	}

	var req RecordRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("%w: %v", usage.ErrInvalidUsage, err), http.StatusBadRequest)
		return
	}

	ev, err := h.config.Recorder.Record(r.Context(), usage.RecordInput{
		OrganizationID:   orgID,
		RunID:            req.RunID,
		StepID:           req.StepID,
		Provider:         req.Provider,
		Model:            req.Model,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		Duration:         time.Duration(req.DurationMS) * time.Millisecond,
		ResultSize:       req.ResultSize,
	})
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	h.writeJSON(w, http.StatusCreated, RecordResponse{ID: ev.ID, CreatedAt: ev.CreatedAt})
}

// GetLedgers returns the ledgers overlapping the optional ?from= and ?to=
// RFC 3339 bounds
func (h *Handler) GetLedgers(w http.ResponseWriter, r *http.Request) {
	httpx.SetSecurityHeaders(w)
	orgID, ok := h.organization(w, r)
	if !ok {
		return
	}

	from, err := parseBound(r, "from")
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	to, err := parseBound(r, "to")
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if from != nil && to != nil && !from.Before(*to) {
		h.handleError(w, r, fmt.Errorf("%w: from must be before to", errBadWindow), http.StatusBadRequest)
		return
	}

	var fromT, toT time.Time
	if from != nil {
		fromT = *from
	}
	if to != nil {
		toT = *to
	}
	ledgers, err := h.config.Ledgers.List(r.Context(), orgID, fromT, toT)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}
	if ledgers == nil {
		ledgers = []*tenancy.UsageLedger{}
	}

	h.writeJSON(w, http.StatusOK, LedgersResponse{
		OrganizationID: orgID,
		From:           from,
		To:             to,
		Ledgers:        ledgers,
	})
}

// GetSubscription returns the caller's plan. Organizations without a
// subscription row are reported on the free plan with status "default".
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	httpx.SetSecurityHeaders(w)
	if h.config.Subscriptions == nil {
		h.handleError(w, r, errors.New("not found"), http.StatusNotFound)
		return
	}
	orgID, ok := h.organization(w, r)
	if !ok {
		return
	}

	resp := SubscriptionResponse{
		OrganizationID: orgID,
		Plan:           tenancy.PlanFree.String(),
		Status:         statusDefault,
	}
	sub, err := h.config.Subscriptions.Subscription(r.Context(), orgID)
	switch {
	case err == nil:
		resp.Plan = sub.Plan.String()
		resp.Status = sub.Status.String()
		if !sub.CurrentPeriodEnd.IsZero() {
			end := sub.CurrentPeriodEnd
			resp.CurrentPeriodEnd = &end
		}
	case errors.Is(err, billing.ErrSubscriptionNotFound):
	default:
		h.handleError(w, r, err, statusFor(err))
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) organization(w http.ResponseWriter, r *http.Request) (string, bool) {
	orgID, err := h.config.GetOrganizationID(r)
	if err != nil {
		code := statusFor(err)
		if errors.Is(err, tenancy.ErrTenantNotFound) {
			code = http.StatusUnauthorized
		}
		h.handleError(w, r, err, code)
		return "", false
	}
	if orgID == "" {
		h.handleError(w, r, errUnauthorized, http.StatusUnauthorized)
		return "", false
	}
	if len(orgID) > maxOrgIDLen {
		h.handleError(w, r, fmt.Errorf("invalid organization id format"), http.StatusBadRequest)
		return "", false
	}
	return orgID, true
}

func parseBound(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not RFC 3339", errBadWindow, name)
	}
	t = t.UTC()
	return &t, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, usage.ErrInvalidUsage):
		return http.StatusBadRequest
	case tenancy.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage keeps internal error text out of responses
func publicMessage(err error, code int) string {
	switch {
	case code == http.StatusServiceUnavailable:
		return "temporarily unavailable"
	case code >= http.StatusInternalServerError:
		return "internal error"
	case errors.Is(err, httpx.ErrPayloadTooLarge):
		return "payload too large"
	default:
		return err.Error()
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	if err := httpx.WriteJSON(w, code, v); err != nil {
		h.config.Logger.Debug("response write failed", tenancy.F("error", err))
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("usage api request failed",
			tenancy.F("path", r.URL.Path), tenancy.F("error", err))
	}
	httpx.WriteError(w, statusCode, publicMessage(err, statusCode))
}
