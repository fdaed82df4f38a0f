package httpapi

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"qazna.org/gateway/internal/access"
	"qazna.org/gateway/internal/auth"
	"qazna.org/gateway/internal/events"
)

// Backend services and methods reached through remote invoke.
const (
	svcLedger   = "ledger"
	svcMatching = "matching"
	svcAudit    = "audit"

	eventSource = "gateway"
)

type transferRequest struct {
	FromID         string `json:"from_id"`
	ToID           string `json:"to_id"`
	Currency       string `json:"currency"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

type placeOrderRequest struct {
	AccountID     string `json:"account_id"`
	Market        string `json:"market"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Quantity      string `json:"quantity"`
	ClientOrderID string `json:"client_order_id"`
}

// invoke calls the backend and writes the error response itself. ok is false when nothing more
// should be written, including when the client is already gone.
func (a *API) invoke(w http.ResponseWriter, r *http.Request, service, method string, payload map[string]any) (map[string]any, bool) {
	out, err := a.backend.Invoke(r.Context(), service, method, payload)
	if gone(r) {
		return nil, false
	}
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return out, true
}

// auditEvent records a state-changing call next to the access record.
func (a *API) auditEvent(r *http.Request, event string, fields map[string]any) {
	if a.audit != nil {
		_ = a.audit.Event(r.Context(), event, fields)
	}
}

func (a *API) filterOne(r *http.Request, record map[string]any, resource string) map[string]any {
	return a.policy.FilterFields(record, resource, auth.IdentityFromContext(r.Context()).Tier.OrPublic())
}

func (a *API) filterPage(r *http.Request, out map[string]any, resource string) map[string]any {
	items := records(out["items"])
	resp := map[string]any{
		"items": a.policy.FilterAll(items, resource, auth.IdentityFromContext(r.Context()).Tier.OrPublic()),
	}
	if next, ok := out["next_cursor"].(string); ok && next != "" {
		resp["next_cursor"] = next
	}
	return resp
}

func records(v any) []map[string]any {
	raw, _ := v.([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// pageQuery reads cursor and limit. limit defaults to 50 and is capped at 500.
func pageQuery(r *http.Request) (map[string]any, error) {
	q := r.URL.Query()
	payload := map[string]any{"limit": 50}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			return nil, fieldError("limit", "must be an integer between 1 and 500")
		}
		payload["limit"] = n
	}
	if c := strings.TrimSpace(q.Get("cursor")); c != "" {
		payload["cursor"] = c
	}
	return payload, nil
}

func fieldError(field, msg string) *apiError {
	out := *errValidation
	out.Fields = map[string]string{field: msg}
	return &out
}

func pathID(r *http.Request) (string, error) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" || len(id) > 64 {
		return "", fieldError("id", "must be 1-64 characters")
	}
	return id, nil
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, ok := a.invoke(w, r, svcLedger, "GetAccount", map[string]any{"id": id})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.filterOne(r, out, access.ResourceAccount))
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	payload, err := pageQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if acc := strings.TrimSpace(r.URL.Query().Get("account_id")); acc != "" {
		payload["account_id"] = acc
	}
	out, ok := a.invoke(w, r, svcLedger, "ListTransactions", payload)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.filterPage(r, out, access.ResourceTransaction))
}

func (a *API) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	idem := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if body := strings.TrimSpace(req.IdempotencyKey); body != "" {
		if idem == "" {
			idem = body
		} else if idem != body {
			writeError(w, r, fieldError("idempotency_key", "header and body value must match"))
			return
		}
	}

	fields := map[string]string{}
	fromID := strings.TrimSpace(req.FromID)
	toID := strings.TrimSpace(req.ToID)
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	switch {
	case fromID == "":
		fields["from_id"] = "is required"
	case len(fromID) > 64:
		fields["from_id"] = "must be at most 64 characters"
	}
	switch {
	case toID == "":
		fields["to_id"] = "is required"
	case len(toID) > 64:
		fields["to_id"] = "must be at most 64 characters"
	case toID == fromID:
		fields["to_id"] = "must differ from from_id"
	}
	if currency == "" || len(currency) > 8 {
		fields["currency"] = "must be 1-8 characters"
	}
	if req.Amount <= 0 {
		fields["amount"] = "must be > 0"
	}
	if len(idem) > 128 {
		fields["idempotency_key"] = "must be at most 128 characters"
	}
	if len(fields) > 0 {
		out := *errValidation
		out.Fields = fields
		writeError(w, r, &out)
		return
	}

	payload := map[string]any{
		"from_id":  fromID,
		"to_id":    toID,
		"currency": currency,
		"amount":   req.Amount,
	}
	if idem != "" {
		payload["idempotency_key"] = idem
		w.Header().Set("Idempotency-Key", idem)
	}
	out, ok := a.invoke(w, r, svcLedger, "Transfer", payload)
	if !ok {
		return
	}
	a.bus.Publish(events.New("ledger.transfer.completed", eventSource, map[string]any{
		"transaction_id": out["id"],
		"from_id":        fromID,
		"to_id":          toID,
		"currency":       currency,
		"amount":         req.Amount,
	}))
	a.auditEvent(r, "ledger.transfer.execute", map[string]any{
		"transaction_id":  out["id"],
		"from_account":    fromID,
		"to_account":      toID,
		"currency":        currency,
		"amount":          req.Amount,
		"idempotency_key": idem,
	})
	writeJSON(w, http.StatusCreated, a.filterOne(r, out, access.ResourceTransaction))
}

func (a *API) listOrders(w http.ResponseWriter, r *http.Request) {
	payload, err := pageQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	if m := strings.TrimSpace(q.Get("market")); m != "" {
		payload["market"] = m
	}
	if s := strings.TrimSpace(q.Get("status")); s != "" {
		payload["status"] = s
	}
	out, ok := a.invoke(w, r, svcMatching, "ListOrders", payload)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.filterPage(r, out, access.ResourceOrder))
}

func (a *API) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, ok := a.invoke(w, r, svcMatching, "GetOrder", map[string]any{"id": id})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.filterOne(r, out, access.ResourceOrder))
}

func (a *API) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	fields := map[string]string{}
	if strings.TrimSpace(req.AccountID) == "" {
		fields["account_id"] = "is required"
	}
	if strings.TrimSpace(req.Market) == "" {
		fields["market"] = "is required"
	}
	side := strings.ToLower(strings.TrimSpace(req.Side))
	if side != "buy" && side != "sell" {
		fields["side"] = "must be buy or sell"
	}
	if !positiveDecimal(req.Price) {
		fields["price"] = "must be a positive decimal"
	}
	if !positiveDecimal(req.Quantity) {
		fields["quantity"] = "must be a positive decimal"
	}
	if len(fields) > 0 {
		out := *errValidation
		out.Fields = fields
		writeError(w, r, &out)
		return
	}

	payload := map[string]any{
		"account_id": strings.TrimSpace(req.AccountID),
		"market":     strings.ToUpper(strings.TrimSpace(req.Market)),
		"side":       side,
		"price":      strings.TrimSpace(req.Price),
		"quantity":   strings.TrimSpace(req.Quantity),
	}
	if req.ClientOrderID != "" {
		payload["client_order_id"] = req.ClientOrderID
	}
	out, ok := a.invoke(w, r, svcMatching, "PlaceOrder", payload)
	if !ok {
		return
	}
	a.bus.Publish(events.New("order.created", eventSource, map[string]any{
		"order_id": out["id"],
		"market":   payload["market"],
		"side":     side,
	}))
	a.auditEvent(r, "matching.order.place", map[string]any{"order_id": out["id"], "market": payload["market"], "side": side})
	writeJSON(w, http.StatusCreated, a.filterOne(r, out, access.ResourceOrder))
}

func (a *API) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, ok := a.invoke(w, r, svcMatching, "CancelOrder", map[string]any{"id": id})
	if !ok {
		return
	}
	a.bus.Publish(events.New("order.cancelled", eventSource, map[string]any{"order_id": id}))
	a.auditEvent(r, "matching.order.cancel", map[string]any{"order_id": id})
	writeJSON(w, http.StatusOK, a.filterOne(r, out, access.ResourceOrder))
}

func (a *API) listTrades(w http.ResponseWriter, r *http.Request) {
	payload, err := pageQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if m := strings.TrimSpace(r.URL.Query().Get("market")); m != "" {
		payload["market"] = m
	}
	out, ok := a.invoke(w, r, svcMatching, "ListTrades", payload)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.filterPage(r, out, access.ResourceTrade))
}

func (a *API) listAuditEvents(w http.ResponseWriter, r *http.Request) {
	payload, err := pageQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	for _, k := range []string{"actor", "action", "resource_type", "resource_id"} {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			payload[k] = v
		}
	}
	if since := strings.TrimSpace(q.Get("since")); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, r, fieldError("since", "must be an RFC 3339 timestamp"))
			return
		}
		payload["since"] = ts.UTC().Format(time.RFC3339)
	}
	out, ok := a.invoke(w, r, svcAudit, "ListEvents", payload)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.filterPage(r, out, access.ResourceAuditEvent))
}

func positiveDecimal(s string) bool {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil && f > 0 && !math.IsInf(f, 0)
}
