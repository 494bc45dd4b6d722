package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"shopledger.org/internal/ids"
	"shopledger.org/internal/ledger"
	"shopledger.org/internal/money"
)

type client struct {
	base string
	http *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &payload)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "smoke-ledger")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func main() {
	base := os.Getenv("SHOPLEDGER_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	c := &client{base: base, http: &http.Client{Timeout: 5 * time.Second}}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if code, err := c.do(ctx, http.MethodGet, "/readyz", nil, nil); err != nil || code != http.StatusOK {
		log.Fatalf("api not ready at %s: code=%d err=%v", base, code, err)
	}

	// A unique shopkeeper keeps reruns independent of existing data.
	name := "smoke-" + ids.New()
	notice := ledger.ReceiptNotice{
		ShopkeeperName:  name,
		ShopkeeperPhone: "0000",
		ReceiptNumber:   "SMOKE-1",
		ReceiptDate:     time.Now().UTC().Format("2006-01-02"),
		TotalAmount:     money.FromInt(1000),
		AmountReceived:  money.FromInt(250),
		PendingAmount:   money.FromInt(750),
	}
	var created ledger.Ledger
	if code, err := c.do(ctx, http.MethodPost, "/v1/notices/receipt-created", notice, &created); err != nil || code != http.StatusOK {
		log.Fatalf("receipt notice: code=%d err=%v", code, err)
	}
	if created.TotalOrders != 1 || !created.TotalPendingAmount.Equal(money.FromInt(750)) {
		log.Fatalf("unexpected created ledger: %+v", created)
	}

	payPath := "/v1/ledgers/" + created.ID + "/payments"
	var partial ledger.PaymentResult
	if code, err := c.do(ctx, http.MethodPost, payPath, map[string]any{"receipt_number": "SMOKE-1", "amount": 500}, &partial); err != nil || code != http.StatusOK {
		log.Fatalf("partial payment: code=%d err=%v", code, err)
	}
	if !partial.Ledger.TotalPendingAmount.Equal(money.FromInt(250)) || partial.Allocation.Settled {
		log.Fatalf("unexpected partial payment result: %+v", partial)
	}

	var settle ledger.PaymentResult
	if code, err := c.do(ctx, http.MethodPost, payPath, map[string]any{"receipt_number": "SMOKE-1", "amount": 300}, &settle); err != nil || code != http.StatusOK {
		log.Fatalf("settling payment: code=%d err=%v", code, err)
	}
	if !settle.Allocation.Settled || !settle.Allocation.Unapplied.Equal(money.FromInt(50)) || len(settle.Ledger.PendingReceipts) != 0 {
		log.Fatalf("unexpected settling result: %+v", settle)
	}

	if code, _ := c.do(ctx, http.MethodPost, payPath, map[string]any{"receipt_number": "SMOKE-1", "amount": 0}, nil); code != http.StatusBadRequest {
		log.Fatalf("zero payment should be rejected, got %d", code)
	}

	var sum ledger.Summary
	if code, err := c.do(ctx, http.MethodGet, "/v1/ledgers/summary", nil, &sum); err != nil || code != http.StatusOK {
		log.Fatalf("summary: code=%d err=%v", code, err)
	}

	fmt.Printf("✅ ledger smoke test passed: ledger=%s shopkeepers=%d pending=%s\n", created.ID, sum.Shopkeepers, sum.TotalPendingAmount)
}
