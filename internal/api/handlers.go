package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/Fi44er/wallet_ledger/internal/apperr"
	"github.com/Fi44er/wallet_ledger/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError answers with the kind and its safe message only; the full error
// goes to the log.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Errorf("Request %s %s failed (%s): %v", r.Method, r.URL.Path, middleware.GetReqID(r.Context()), err)
	} else {
		h.logger.Warnf("Request %s %s rejected: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, errorBody{Error: string(apperr.KindOf(err)), Message: apperr.SafeMessage(err)})
}

func (h *Handlers) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		h.writeError(w, r, apperr.Wrap(apperr.KindValidation, "unreadable body", err))
		return
	}
	if len(payload) > maxWebhookBody {
		h.writeError(w, r, apperr.New(apperr.KindValidation, "payload too large"))
		return
	}

	outcome, err := h.svc.Reconciler.Ingest(r.Context(), service.Event{
		Type:      r.Header.Get(HeaderEventType),
		Payload:   payload,
		Signature: r.Header.Get(HeaderSignature),
		Timestamp: r.Header.Get(HeaderTimestamp),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// Failed and ignored events are still acknowledged: the outcome is
	// recorded and redelivery would not change it.
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handlers) ProcessSchedules(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Recurring.ProcessDue(r.Context(), h.now().UTC())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.svc.ListAudit(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
