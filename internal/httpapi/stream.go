package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"qazna.org/gateway/internal/events"
)

type publishEventRequest struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// publishEvent injects a domain event reported by the backend or an operator into the bus.
func (a *API) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	typ := strings.TrimSpace(req.Type)
	if !a.webhooks.Allowed(typ) {
		writeError(w, r, fieldError("type", "unsupported event type"))
		return
	}
	source := "api"
	if sub := owner(r); sub != "" {
		source = "api:" + sub
	}
	evt := events.New(typ, source, req.Data)
	a.bus.Publish(evt)
	writeJSON(w, http.StatusAccepted, evt)
}

// streamEvents handles Server-Sent Events. ?types=a,b narrows the stream.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, errInternal.withDetail("streaming unsupported"))
		return
	}

	var only map[string]struct{}
	if raw := strings.TrimSpace(r.URL.Query().Get("types")); raw != "" {
		only = map[string]struct{}{}
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				only[t] = struct{}{}
			}
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := a.bus.Subscribe(r.Context(), 64)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if only != nil {
				if _, want := only[evt.Type]; !want {
					continue
				}
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("id: " + evt.ID + "\nevent: " + evt.Type + "\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
