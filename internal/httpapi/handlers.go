package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"otc-reconciler/internal/engine"
	"otc-reconciler/internal/quote"
	"otc-reconciler/internal/service"
)

const usage = "POST /reconcile?action=quote&quoteId=<id> or POST /reconcile?action=all"

type handler struct {
	svc    Reconciler
	opts   Options
	logger zerolog.Logger
}

type healthResponse struct {
	Service     string  `json:"service"`
	LastRunAt   *string `json:"lastRunAt"`
	BacklogSize int     `json:"backlogSize"`
	ErrorCount  int64   `json:"errorCount"`
	TotalRuns   int64   `json:"totalRuns"`
	Timestamp   string  `json:"timestamp"`
}

type quoteResponse struct {
	Success   bool   `json:"success"`
	QuoteID   string `json:"quoteId"`
	Updated   bool   `json:"updated"`
	Outcome   string `json:"outcome,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

type sweepResponse struct {
	Success   bool   `json:"success"`
	Action    string `json:"action"`
	RunID     string `json:"runId,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Usage     string `json:"usage,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (h *handler) timestamp() string {
	return h.opts.Clock().UTC().Format(time.RFC3339)
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": h.opts.ServiceName})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	snap := h.svc.Health()
	resp := healthResponse{
		Service:     h.opts.ServiceName,
		BacklogSize: snap.BacklogSize,
		ErrorCount:  snap.ErrorCount,
		TotalRuns:   snap.TotalRuns,
		Timestamp:   h.timestamp(),
	}
	if !snap.LastRunAt.IsZero() {
		ts := snap.LastRunAt.UTC().Format(time.RFC3339)
		resp.LastRunAt = &ts
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) reconcile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch q.Get("action") {
	case "quote":
		id := strings.TrimSpace(q.Get("quoteId"))
		if id == "" {
			h.badRequest(w, "quoteId is required for action=quote")
			return
		}
		h.reconcileQuote(w, r, id)
	case "all":
		h.reconcileAll(w, r)
	default:
		h.badRequest(w, fmt.Sprintf("invalid action %q", q.Get("action")))
	}
}

func (h *handler) reconcileQuote(w http.ResponseWriter, r *http.Request, id string) {
	res, err := h.svc.ReconcileQuote(r.Context(), id)
	resp := quoteResponse{
		Success:   err == nil,
		QuoteID:   id,
		Updated:   res.Updated,
		Outcome:   string(res.Outcome),
		Timestamp: h.timestamp(),
	}

	status := http.StatusOK
	switch {
	case errors.Is(err, quote.ErrNotFound):
		resp.Error = "quote not found"
		status = http.StatusNotFound
	case err != nil && res.Outcome == engine.OutcomeError:
		h.logger.Error().Err(err).Str("quote_id", id).Msg("reconcile quote failed")
		resp.Error = "internal error"
		status = http.StatusInternalServerError
	case err != nil:
		// per-deal failures are part of the result, not a transport error
		resp.Error = err.Error()
		resp.Message = statusMessage(res)
	case res.Outcome == engine.OutcomeInProgress:
		resp.Message = "reconciliation already in progress"
	default:
		resp.Message = statusMessage(res)
	}
	writeJSON(w, status, resp)
}

func (h *handler) reconcileAll(w http.ResponseWriter, r *http.Request) {
	// the sweep outlives the request deadline; cancellation would only stop admission
	sum, err := h.svc.Sweep(context.WithoutCancel(r.Context()), service.TriggerHTTP)
	resp := sweepResponse{Action: "all", Timestamp: h.timestamp()}

	switch {
	case errors.Is(err, service.ErrSweepLocked):
		resp.Error = err.Error()
		writeJSON(w, http.StatusConflict, resp)
		return
	case err != nil:
		h.logger.Error().Err(err).Msg("sweep failed")
		resp.Error = "sweep failed"
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	resp.Success = true
	resp.RunID = sum.RunID.String()
	resp.Message = fmt.Sprintf("attempted %d, updated %d, failed %d, skipped %d, drifted %d",
		sum.Attempted, sum.Updated, sum.Failed, sum.Skipped, sum.Drifted)
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.opts.RequireAuth {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || h.opts.AuthSecret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.AuthSecret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Timestamp: h.timestamp()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Usage: usage, Timestamp: h.timestamp()})
}

func statusMessage(res engine.Result) string {
	return fmt.Sprintf("%s → %s", res.OldStatus, res.NewStatus)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
