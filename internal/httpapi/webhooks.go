package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"qazna.org/gateway/internal/auth"
	"qazna.org/gateway/internal/webhook"
)

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type updateWebhookRequest struct {
	URL    *string  `json:"url"`
	Events []string `json:"events"`
	Active *bool    `json:"active"`
}

type webhookPage struct {
	Items      []webhook.Registration `json:"items"`
	Total      int                    `json:"total"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

// owner is the subject of the verified token; webhook routes run behind requireToken.
func owner(r *http.Request) string {
	id := auth.IdentityFromContext(r.Context())
	if id.Claims == nil {
		return ""
	}
	return id.Claims.Subject
}

func (a *API) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	reg, err := a.webhooks.Register(r.Context(), req.URL, req.Events, owner(r))
	if gone(r) {
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.auditEvent(r, "webhook.register", map[string]any{"webhook_id": reg.ID, "events": len(reg.Events)})
	w.Header().Set("Location", "/v1/webhooks/"+reg.ID)
	writeJSON(w, http.StatusCreated, reg)
}

func (a *API) listWebhooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := webhook.DefaultListLimit
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > webhook.MaxListLimit {
			writeError(w, r, fieldError("limit", "must be an integer between 1 and "+strconv.Itoa(webhook.MaxListLimit)))
			return
		}
		limit = n
	}
	page, err := a.webhooks.List(r.Context(), owner(r), strings.TrimSpace(q.Get("cursor")), limit)
	if gone(r) {
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := webhookPage{Items: page.Items, Total: page.Total}
	if len(resp.Items) > limit {
		resp.Items = resp.Items[:limit]
		resp.NextCursor = resp.Items[limit-1].ID
	}
	if resp.Items == nil {
		resp.Items = []webhook.Registration{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) getWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	reg, err := a.webhooks.GetOwned(r.Context(), id, owner(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (a *API) updateWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req updateWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	reg, err := a.webhooks.Update(r.Context(), id, owner(r), webhook.Patch{
		URL:    req.URL,
		Events: req.Events,
		Active: req.Active,
	})
	if gone(r) {
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (a *API) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok, err := a.webhooks.Delete(r.Context(), id, owner(r))
	if gone(r) {
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, errNotFound)
		return
	}
	a.auditEvent(r, "webhook.delete", map[string]any{"webhook_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listDeliveries(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, err := a.webhooks.Deliveries(r.Context(), id, owner(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []webhook.Delivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
