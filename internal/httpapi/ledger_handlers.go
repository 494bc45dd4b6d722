package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"shopledger.org/internal/audit"
	"shopledger.org/internal/ledger"
	"shopledger.org/internal/money"
	"shopledger.org/internal/obs"
)

type paymentRequest struct {
	ReceiptNumber string       `json:"receipt_number"`
	Amount        money.Amount `json:"amount"`
}

type listLedgersResponse struct {
	Items []ledger.Ledger `json:"items"`
	Count int             `json:"count"`
	AsOf  time.Time       `json:"as_of"`
}

type refreshResponse struct {
	Status      string `json:"status"`
	Shopkeepers int    `json:"shopkeepers"`
}

func (a *API) handleLedgersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listLedgers(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) handleLedgerResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/ledgers/"), "/")
	if path == "" {
		a.handleLedgersCollection(w, r)
		return
	}

	switch path {
	case "summary":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.summary(w, r)
		return
	case "refresh":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.refresh(w, r)
		return
	}

	if id, ok := strings.CutSuffix(path, "/payments"); ok {
		if id == "" || strings.Contains(id, "/") {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.applyPayment(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getLedger(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) handleReceiptCreated(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.receiptCreated(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) listLedgers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := strings.TrimSpace(q.Get("status"))
	if status != "" && status != ledger.StatusActive && status != ledger.StatusInactive {
		writeError(w, r, http.StatusBadRequest, "status must be active or inactive")
		return
	}
	items, err := a.store.Ledgers(r.Context(), ledger.Filter{Query: q.Get("q"), Status: status})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listLedgersResponse{
		Items: items,
		Count: len(items),
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) getLedger(w http.ResponseWriter, r *http.Request, id string) {
	l, err := a.store.Ledger(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (a *API) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := a.store.Summary(r.Context())
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	n, err := a.Reload(r.Context())
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.refresh", map[string]any{"shopkeepers": n})
	writeJSON(w, http.StatusOK, refreshResponse{Status: "reloaded", Shopkeepers: n})
}

// Reload runs a bulk load from the configured source and reports how many
// ledgers the store holds afterwards. On failure the store keeps its state.
func (a *API) Reload(ctx context.Context) (int, error) {
	if a.source == nil {
		return 0, errNoSource
	}
	start := time.Now()
	err := a.store.Load(ctx, a.source)
	obs.RecordLoad(err)
	if err != nil {
		obs.Error("ledger_load_failed", err, map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return 0, err
	}
	sum, err := a.store.Summary(ctx)
	if err != nil {
		return 0, err
	}
	obs.Info("ledger_load_complete", map[string]any{
		"shopkeepers":          sum.Shopkeepers,
		"pending_receipts":     sum.PendingReceipts,
		"total_pending_amount": sum.TotalPendingAmount.String(),
		"duration_ms":          time.Since(start).Milliseconds(),
	})
	return sum.Shopkeepers, nil
}

func (a *API) applyPayment(w http.ResponseWriter, r *http.Request, id string) {
	var req paymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	receipt := strings.TrimSpace(req.ReceiptNumber)
	if receipt == "" {
		writeError(w, r, http.StatusBadRequest, "receipt_number is required")
		return
	}

	res, err := a.store.ApplyPayment(r.Context(), id, receipt, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidAmount):
			obs.RecordPaymentRejected("invalid_amount")
		case errors.Is(err, ledger.ErrNotFound):
			obs.RecordPaymentRejected("unknown_ledger")
		}
		handleLedgerError(w, r, err)
		return
	}

	event := "ledger.payment.apply"
	if !res.Allocation.Matched {
		event = "ledger.payment.unmatched"
	}
	a.audit(r.Context(), event, map[string]any{
		"ledger_id":      id,
		"receipt_number": receipt,
		"amount":         req.Amount.String(),
		"applied":        res.Allocation.Applied.String(),
		"unapplied":      res.Allocation.Unapplied.String(),
		"settled":        res.Allocation.Settled,
	})

	writeJSON(w, http.StatusOK, res)
}

func (a *API) receiptCreated(w http.ResponseWriter, r *http.Request) {
	var n ledger.ReceiptNotice
	if err := decodeJSON(w, r, &n); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(n.ShopkeeperName) == "" {
		writeError(w, r, http.StatusBadRequest, "shopkeeper_name is required")
		return
	}
	if strings.TrimSpace(n.ReceiptNumber) == "" {
		writeError(w, r, http.StatusBadRequest, "receipt_number is required")
		return
	}

	l, err := a.store.OnReceiptCreated(r.Context(), n)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "ledger.notice.receipt_created", map[string]any{
		"ledger_id":      l.ID,
		"receipt_number": n.ReceiptNumber,
		"pending_amount": n.PendingAmount.String(),
	})

	writeJSON(w, http.StatusOK, l)
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Error("audit_failed", err, map[string]any{"event": event})
	}
}

var errNoSource = errors.New("no ledger source configured")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrLoad), errors.Is(err, errNoSource), errors.Is(err, ledger.ErrStoreClosed):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, "request cancelled")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
