package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"shopledger.org/internal/ledger"
	"shopledger.org/internal/money"
	"shopledger.org/internal/stream"
)

type stubSource struct {
	mu          sync.Mutex
	shopkeepers []ledger.RawShopkeeper
	receipts    []ledger.RawReceipt
	err         error
}

func (s *stubSource) Shopkeepers(context.Context) ([]ledger.RawShopkeeper, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.shopkeepers, nil
}

func (s *stubSource) Receipts(context.Context) ([]ledger.RawReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receipts, nil
}

func (s *stubSource) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func sampleSource() *stubSource {
	owed := money.FromInt(200)
	return &stubSource{
		shopkeepers: []ledger.RawShopkeeper{
			{ID: 1, Name: "Ali Traders", Phone: "0300", CurrentBalance: &owed, IsActive: true},
			{ID: 2, Name: "Bilal Store", Contact: "0311"},
		},
		receipts: []ledger.RawReceipt{
			{ReceiptNumber: "R-1", Date: "2024-01-02", Total: money.FromInt(1000), ReceivedAmount: money.FromInt(400), ShopkeeperID: 1},
			{ReceiptNumber: "R-2", Date: "2024-01-05", Total: money.FromInt(50), ShopkeeperID: 1},
		},
	}
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	api    *API
	store  *ledger.Store
	source *stubSource
	stream *stream.Stream
}

func newTestAPI(t *testing.T, load bool) *apiClient {
	t.Helper()

	st := stream.New()
	store := ledger.NewStore(ledger.WithObserver(st))
	ctx, cancel := context.WithCancel(context.Background())
	go store.Run(ctx)
	t.Cleanup(cancel)

	src := sampleSource()
	api := New(ReadyProbe{Store: store}, "test", store, src, st)
	api.rateBurst = 1000
	api.ratePerSec = 1000

	if load {
		if _, err := api.Reload(context.Background()); err != nil {
			t.Fatalf("initial load: %v", err)
		}
	}

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		api:     api,
		store:   store,
		source:  src,
		stream:  st,
	}
}

func (c *apiClient) post(path string, body any) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "till-1")
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	resp, err := c.client.Get(u.String())
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

// ledgerID looks up the key the store assigned to a shopkeeper name.
func (c *apiClient) ledgerID(name string) string {
	c.t.Helper()
	items, err := c.store.Ledgers(context.Background(), ledger.Filter{Query: name})
	if err != nil || len(items) != 1 {
		c.t.Fatalf("lookup %q: %v (%d matches)", name, err, len(items))
	}
	return items[0].ID
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, r *http.Response, want int) {
	t.Helper()
	if r.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d", r.Request.Method, r.Request.URL.Path, want, r.StatusCode)
	}
}

func TestReadinessFollowsLoad(t *testing.T) {
	api := newTestAPI(t, false)

	resp := api.get("/readyz", nil)
	expectStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()

	resp = api.post("/v1/ledgers/refresh", nil)
	expectStatus(t, resp, http.StatusOK)
	body := decode[refreshResponse](t, resp)
	if body.Shopkeepers != 2 {
		t.Fatalf("expected 2 shopkeepers, got %d", body.Shopkeepers)
	}

	resp = api.get("/readyz", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestListAndGetLedgers(t *testing.T) {
	api := newTestAPI(t, true)

	resp := api.get("/v1/ledgers", nil)
	expectStatus(t, resp, http.StatusOK)
	list := decode[listLedgersResponse](t, resp)
	if list.Count != 2 || len(list.Items) != 2 {
		t.Fatalf("expected 2 ledgers, got %+v", list)
	}
	ali := list.Items[0]
	if ali.Name != "Ali Traders" || !ali.Balance.Equal(money.FromInt(-200)) || !ali.TotalPendingAmount.Equal(money.FromInt(650)) {
		t.Fatalf("unexpected ledger: %+v", ali)
	}

	resp = api.get("/v1/ledgers", url.Values{"status": {"inactive"}})
	expectStatus(t, resp, http.StatusOK)
	list = decode[listLedgersResponse](t, resp)
	if list.Count != 1 || list.Items[0].Name != "Bilal Store" || list.Items[0].Phone != "0311" {
		t.Fatalf("unexpected inactive ledgers: %+v", list.Items)
	}

	resp = api.get("/v1/ledgers", url.Values{"q": {"ali"}})
	list = decode[listLedgersResponse](t, resp)
	if list.Count != 1 {
		t.Fatalf("expected one match for q=ali, got %d", list.Count)
	}

	resp = api.get("/v1/ledgers", url.Values{"status": {"frozen"}})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.get("/v1/ledgers/"+ali.ID, nil)
	expectStatus(t, resp, http.StatusOK)
	got := decode[ledger.Ledger](t, resp)
	if got.ID != ali.ID || len(got.PendingReceipts) != 2 {
		t.Fatalf("unexpected ledger by id: %+v", got)
	}

	resp = api.get("/v1/ledgers/does-not-exist", nil)
	expectStatus(t, resp, http.StatusNotFound)
	errBody := decode[map[string]any](t, resp)
	if errBody["error"] == "" || errBody["request_id"] == nil {
		t.Fatalf("expected error and request_id, got %v", errBody)
	}
}

func TestSummary(t *testing.T) {
	api := newTestAPI(t, true)

	resp := api.get("/v1/ledgers/summary", nil)
	expectStatus(t, resp, http.StatusOK)
	sum := decode[ledger.Summary](t, resp)
	if sum.Shopkeepers != 2 || sum.Active != 1 || sum.PendingReceipts != 2 || !sum.Loaded {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if !sum.TotalPendingAmount.Equal(money.FromInt(650)) || !sum.TotalDue.Equal(money.FromInt(200)) {
		t.Fatalf("unexpected summary amounts: %+v", sum)
	}
}

func TestPaymentFlow(t *testing.T) {
	api := newTestAPI(t, true)
	id := api.ledgerID("Ali")
	path := "/v1/ledgers/" + id + "/payments"

	// Partial payment.
	resp := api.post(path, map[string]any{"receipt_number": "R-1", "amount": 100})
	expectStatus(t, resp, http.StatusOK)
	res := decode[ledger.PaymentResult](t, resp)
	if !res.Allocation.Matched || res.Allocation.Settled || !res.Allocation.Applied.Equal(money.FromInt(100)) {
		t.Fatalf("unexpected allocation: %+v", res.Allocation)
	}
	if !res.Ledger.TotalPendingAmount.Equal(money.FromInt(550)) {
		t.Fatalf("unexpected pending total: %s", res.Ledger.TotalPendingAmount)
	}

	// Overpayment settles the receipt and reports the remainder.
	resp = api.post(path, map[string]any{"receipt_number": "R-2", "amount": 80.25})
	expectStatus(t, resp, http.StatusOK)
	res = decode[ledger.PaymentResult](t, resp)
	if !res.Allocation.Settled || !res.Allocation.Unapplied.Equal(money.FromFloat(30.25)) {
		t.Fatalf("unexpected overpayment allocation: %+v", res.Allocation)
	}
	if len(res.Ledger.PendingReceipts) != 1 || res.Ledger.PendingReceipts[0].ReceiptNumber != "R-1" {
		t.Fatalf("settled receipt should be dropped: %+v", res.Ledger.PendingReceipts)
	}
	// Balance is not touched by payments.
	if !res.Ledger.Balance.Equal(money.FromInt(-200)) {
		t.Fatalf("balance changed: %s", res.Ledger.Balance)
	}

	// Unknown receipt is a no-op.
	resp = api.post(path, map[string]any{"receipt_number": "R-404", "amount": 5})
	expectStatus(t, resp, http.StatusOK)
	res = decode[ledger.PaymentResult](t, resp)
	if res.Allocation.Matched || !res.Ledger.TotalPendingAmount.Equal(money.FromInt(500)) {
		t.Fatalf("unexpected unmatched result: %+v", res)
	}
}

func TestPaymentValidation(t *testing.T) {
	api := newTestAPI(t, true)
	id := api.ledgerID("Ali")

	cases := []struct {
		name string
		path string
		body any
		want int
	}{
		{"zero amount", "/v1/ledgers/" + id + "/payments", map[string]any{"receipt_number": "R-1", "amount": 0}, http.StatusBadRequest},
		{"negative amount", "/v1/ledgers/" + id + "/payments", map[string]any{"receipt_number": "R-1", "amount": -5}, http.StatusBadRequest},
		{"missing receipt", "/v1/ledgers/" + id + "/payments", map[string]any{"amount": 5}, http.StatusBadRequest},
		{"unknown field", "/v1/ledgers/" + id + "/payments", map[string]any{"receipt_number": "R-1", "amount": 5, "note": "x"}, http.StatusBadRequest},
		{"empty body", "/v1/ledgers/" + id + "/payments", nil, http.StatusBadRequest},
		{"tiny exponent", "/v1/ledgers/" + id + "/payments", map[string]any{"receipt_number": "R-1", "amount": json.RawMessage("1e-50000000")}, http.StatusBadRequest},
		{"huge exponent", "/v1/ledgers/" + id + "/payments", map[string]any{"receipt_number": "R-1", "amount": json.RawMessage("1e50000000")}, http.StatusBadRequest},
		{"unknown ledger", "/v1/ledgers/nope/payments", map[string]any{"receipt_number": "R-1", "amount": 5}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := api.post(tc.path, tc.body)
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}

	l, err := api.store.Ledger(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if !l.TotalPendingAmount.Equal(money.FromInt(650)) {
		t.Fatalf("rejected payments must not change state, pending=%s", l.TotalPendingAmount)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t, true)

	resp := api.get("/v1/ledgers/refresh", nil)
	expectStatus(t, resp, http.StatusMethodNotAllowed)
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("unexpected Allow header: %q", resp.Header.Get("Allow"))
	}
	resp.Body.Close()

	resp = api.post("/v1/ledgers", nil)
	expectStatus(t, resp, http.StatusMethodNotAllowed)
	resp.Body.Close()
}

func TestReceiptCreatedNotice(t *testing.T) {
	api := newTestAPI(t, true)

	notice := map[string]any{
		"shopkeeper_name":  "Ali Traders",
		"shopkeeper_phone": "0300",
		"receipt_number":   "R-9",
		"receipt_date":     "2024-02-01",
		"total_amount":     300,
		"amount_received":  100,
		"pending_amount":   200,
	}
	resp := api.post("/v1/notices/receipt-created", notice)
	expectStatus(t, resp, http.StatusOK)
	merged := decode[ledger.Ledger](t, resp)
	if merged.ID != api.ledgerID("Ali") || len(merged.PendingReceipts) != 3 || !merged.TotalPendingAmount.Equal(money.FromInt(850)) {
		t.Fatalf("unexpected merged ledger: %+v", merged)
	}
	if merged.TotalOrders != 2 {
		t.Fatalf("merge must keep total orders, got %d", merged.TotalOrders)
	}

	notice["shopkeeper_name"] = "Chand Kiryana"
	notice["shopkeeper_phone"] = "0322"
	resp = api.post("/v1/notices/receipt-created", notice)
	expectStatus(t, resp, http.StatusOK)
	created := decode[ledger.Ledger](t, resp)
	if created.ID == "" || created.TotalOrders != 1 || created.Status != ledger.StatusActive {
		t.Fatalf("unexpected created ledger: %+v", created)
	}

	resp = api.post("/v1/notices/receipt-created", map[string]any{"receipt_number": "R-10"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestRefreshFailureKeepsState(t *testing.T) {
	api := newTestAPI(t, true)
	id := api.ledgerID("Ali")

	api.source.fail(errors.New("connection refused"))
	resp := api.post("/v1/ledgers/refresh", nil)
	expectStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()

	resp = api.get("/v1/ledgers/"+id, nil)
	expectStatus(t, resp, http.StatusOK)
	l := decode[ledger.Ledger](t, resp)
	if !l.TotalPendingAmount.Equal(money.FromInt(650)) {
		t.Fatalf("state lost after failed refresh: %+v", l)
	}

	api.source.fail(nil)
	resp = api.post("/v1/ledgers/refresh", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	if api.ledgerID("Ali") != id {
		t.Fatal("ledger id changed across reload")
	}
}

func TestRefreshWithoutSource(t *testing.T) {
	store := ledger.NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go store.Run(ctx)

	api := New(ReadyProbe{Store: store}, "test", store, nil, nil)
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/ledgers/refresh", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/stream", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for disabled stream, got %d", rr.Code)
	}
}

func TestStreamDeliversPaymentEvent(t *testing.T) {
	api := newTestAPI(t, true)
	id := api.ledgerID("Ali")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/v1/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", ct)
	}

	for api.stream.Subscribers() == 0 {
		if ctx.Err() != nil {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	pay := api.post("/v1/ledgers/"+id+"/payments", map[string]any{"receipt_number": "R-2", "amount": 50})
	expectStatus(t, pay, http.StatusOK)
	pay.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var evt stream.Event
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.Kind != stream.KindPayment || evt.LedgerID != id || evt.Allocation == nil || !evt.Allocation.Settled {
			t.Fatalf("unexpected event: %+v", evt)
		}
		return
	}
	t.Fatalf("stream ended without payment event: %v", scanner.Err())
}
