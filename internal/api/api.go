// Package api exposes the operator and producer HTTP surface.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SirClappington/relay/internal/comms"
	"github.com/SirClappington/relay/internal/domain"
	"github.com/SirClappington/relay/internal/notify"
	"github.com/SirClappington/relay/internal/outbound"
	"github.com/SirClappington/relay/internal/sequence"
	"github.com/SirClappington/relay/internal/storage"
)

type Handler struct {
	Jobs      *outbound.Service
	JobStore  *storage.JobStore
	Notify    *notify.Engine
	Sequences *sequence.Engine
	Ledger    *comms.Ledger
	Directory *storage.Directory
	Log       *zap.Logger
}

// tenantID comes from the authenticated gateway in front of this
// service; here it is read from the header it forwards.
func tenantID(r *http.Request) string { return r.Header.Get("X-Tenant-ID") }

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenantID(r) == "" {
			http.Error(w, "missing X-Tenant-ID", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) Routes(r chi.Router) {
	r.Use(requireTenant)

	r.Post("/v1/jobs", h.createJob)
	r.Get("/v1/jobs", h.listJobs)
	r.Get("/v1/jobs/{id}", h.getJob)
	r.Post("/v1/jobs/{id}/retry", h.retryJob)
	r.Post("/v1/jobs/{id}/cancel", h.cancelJob)

	r.Post("/v1/notifications/notify", h.notifyUsers)
	r.Get("/v1/notifications", h.listNotifications)
	r.Post("/v1/notifications/{id}/read", h.markRead)
	r.Delete("/v1/notifications/{id}", h.deleteNotification)

	r.Post("/v1/sequences/{id}/runs", h.startRun)
	r.Post("/v1/runs/{id}/cancel", h.cancelRun)

	r.Put("/v1/leads/{id}/opt-out", h.setOptOut)
	r.Delete("/v1/leads/{id}/opt-out/{channel}", h.clearOptOut)
	r.Post("/v1/comms/events", h.recordEvent)

	r.Put("/v1/users/{id}/prefs/{category}", h.updatePrefs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type          string          `json:"type"`
		Provider      string          `json:"provider"`
		IntegrationID *string         `json:"integrationId"`
		DedupeKey     *string         `json:"dedupeKey"`
		Payload       json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Type == "" || body.Provider == "" {
		http.Error(w, "type and provider are required", http.StatusBadRequest)
		return
	}
	res, err := h.Jobs.Create(r.Context(), tenantID(r), outbound.CreateParams{
		Type:          body.Type,
		Provider:      body.Provider,
		IntegrationID: body.IntegrationID,
		DedupeKey:     body.DedupeKey,
		Payload:       body.Payload,
	})
	if err != nil {
		h.Log.Error("create job failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.JobStore.List(r.Context(), tenantID(r), r.URL.Query().Get("status"), 100)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.JobStore.Get(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) retryJob(w http.ResponseWriter, r *http.Request) {
	if err := h.Jobs.Retry(r.Context(), tenantID(r), chi.URLParam(r, "id")); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.Jobs.Cancel(r.Context(), tenantID(r), chi.URLParam(r, "id")); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) notifyUsers(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserIDs     []string          `json:"userIds"`
		TemplateKey string            `json:"templateKey"`
		Meta        map[string]string `json:"meta"`
		Overrides   *notify.Overrides `json:"overrides"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if len(body.UserIDs) == 0 || body.TemplateKey == "" {
		http.Error(w, "userIds and templateKey are required", http.StatusBadRequest)
		return
	}
	res, err := h.Notify.NotifyUsers(r.Context(), tenantID(r), body.UserIDs, body.TemplateKey, body.Meta, body.Overrides)
	if err != nil {
		h.Log.Error("notify failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	ns, err := h.Notify.List(r.Context(), tenantID(r), userID, 50)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": ns})
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	if err := h.Notify.MarkRead(r.Context(), tenantID(r), chi.URLParam(r, "id")); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteNotification(w http.ResponseWriter, r *http.Request) {
	if err := h.Notify.Delete(r.Context(), tenantID(r), chi.URLParam(r, "id")); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LeadID string `json:"leadId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.LeadID == "" {
		http.Error(w, "leadId is required", http.StatusBadRequest)
		return
	}
	run, err := h.Sequences.Start(r.Context(), tenantID(r), chi.URLParam(r, "id"), body.LeadID)
	if err != nil {
		h.Log.Error("start run failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	if err := h.Sequences.CancelRun(r.Context(), tenantID(r), chi.URLParam(r, "id")); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setOptOut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Channel string `json:"channel"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Channel == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}
	err := h.Ledger.SetOptOut(r.Context(), tenantID(r), chi.URLParam(r, "id"), domain.Channel(body.Channel), body.Reason)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clearOptOut(w http.ResponseWriter, r *http.Request) {
	err := h.Ledger.ClearOptOut(r.Context(), tenantID(r), chi.URLParam(r, "id"),
		domain.Channel(chi.URLParam(r, "channel")))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// recordEvent ingests an inbound/outbound communication attempt, e.g.
// from a provider webhook processor. Idempotent on provider message id.
func (h *Handler) recordEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.CommEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if ev.Channel == "" || ev.Direction == "" {
		http.Error(w, "channel and direction are required", http.StatusBadRequest)
		return
	}
	id, dup, err := h.Ledger.Record(r.Context(), tenantID(r), &ev)
	if err != nil {
		h.Log.Error("record event failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "duplicate": dup})
}

func (h *Handler) updatePrefs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    bool `json:"email"`
		WhatsApp bool `json:"whatsapp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	err := h.Directory.UpdatePrefs(r.Context(), tenantID(r), chi.URLParam(r, "id"),
		chi.URLParam(r, "category"), domain.ChannelPrefs{Email: body.Email, WhatsApp: body.WhatsApp})
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
