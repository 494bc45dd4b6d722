package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"shopledger.org/internal/ledger"
	"shopledger.org/internal/money"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                            "/",
		"/metrics":                    "/metrics",
		"/v1/ledgers":                 "/v1/ledgers",
		"/v1/ledgers/01HV3":           "/v1/ledgers/:id",
		"/v1/ledgers/01HV3/payments":  "/v1/ledgers/:id/payments",
		"/v1/ledgers/01HV3/extra":     "/v1/ledgers/01HV3/extra",
		"/v1/ledgers/summary":         "/v1/ledgers/summary",
		"/v1/ledgers/refresh":         "/v1/ledgers/refresh",
		"/v1/ledgers?q=ali":           "/v1/ledgers",
		"/v1/notices/receipt-created": "/v1/notices/receipt-created",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestLedgerMetricsTracksPending(t *testing.T) {
	m := NewLedgerMetrics()
	m.LedgersLoaded([]ledger.Ledger{
		{ID: "a", TotalPendingAmount: money.FromInt(600)},
		{ID: "b", TotalPendingAmount: money.FromInt(100)},
	})
	if got := testutil.ToFloat64(ledgerPending); got != 700 {
		t.Fatalf("pending gauge = %v, want 700", got)
	}
	if got := testutil.ToFloat64(ledgerCount); got != 2 {
		t.Fatalf("ledger gauge = %v, want 2", got)
	}

	before := testutil.ToFloat64(ledgerPayments.WithLabelValues("settled"))
	m.PaymentApplied(ledger.PaymentResult{
		Ledger: ledger.Ledger{ID: "a", TotalPendingAmount: money.Zero},
		Allocation: ledger.Allocation{
			Matched: true, Settled: true,
			Applied: money.FromInt(600), Unapplied: money.FromInt(300),
		},
	})
	if got := testutil.ToFloat64(ledgerPending); got != 100 {
		t.Fatalf("pending gauge after payment = %v, want 100", got)
	}
	if got := testutil.ToFloat64(ledgerPayments.WithLabelValues("settled")); got != before+1 {
		t.Fatalf("settled counter = %v", got)
	}

	m.NoticeApplied(ledger.Ledger{ID: "c", TotalPendingAmount: money.FromInt(50)}, true)
	if got := testutil.ToFloat64(ledgerPending); got != 150 {
		t.Fatalf("pending gauge after notice = %v, want 150", got)
	}
	if got := testutil.ToFloat64(ledgerCount); got != 3 {
		t.Fatalf("ledger gauge after notice = %v, want 3", got)
	}
}

func TestRecordLoad(t *testing.T) {
	before := testutil.ToFloat64(ledgerLoads.WithLabelValues("error"))
	RecordLoad(errors.New("boom"))
	if got := testutil.ToFloat64(ledgerLoads.WithLabelValues("error")); got != before+1 {
		t.Fatalf("error loads = %v", got)
	}
}

func TestErrorLogLine(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	Error("ledger.load_failed", errors.New("offline"), map[string]any{"source": "postgres"})

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["level"] != "error" || entry["msg"] != "ledger.load_failed" || entry["error"] != "offline" || entry["source"] != "postgres" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatal("missing ts")
	}
}
