package migrate

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"shopledger.org/internal/ledger"
	"shopledger.org/internal/money"
	"shopledger.org/internal/source/fixture"
	"shopledger.org/internal/source/sqlite"
)

const seedDoc = `
shopkeepers:
  - id: 7
    name: Ali Traders
    phone: "0300"
    current_balance: 120
    is_active: true
receipts:
  - receipt_number: R-1
    date: "2024-03-01"
    total: 500
    received_amount: 125.5
    shopkeeper_id: 7
  - receipt_number: R-2
    total: 40
`

func TestUpSeedAndLoad(t *testing.T) {
	ctx := context.Background()
	src, err := sqlite.Open(filepath.Join(t.TempDir(), "shop.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	extra := t.TempDir()
	if err := os.WriteFile(filepath.Join(extra, "0002_receipt_idx.up.sql"),
		[]byte("CREATE INDEX IF NOT EXISTS receipts_number_idx ON receipts (receipt_number);"), 0o644); err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(src.DB(), SQLite, WithDir(extra))
	if err := mgr.Up(ctx); err != nil {
		t.Fatalf("up: %v", err)
	}
	// Second run is a no-op.
	if err := mgr.Up(ctx); err != nil {
		t.Fatalf("second up: %v", err)
	}
	applied, err := mgr.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"0001_ledger_source.up.sql", "0002_receipt_idx.up.sql"}
	if !reflect.DeepEqual(applied, want) {
		t.Fatalf("applied = %v, want %v", applied, want)
	}

	doc, err := fixture.Parse([]byte(seedDoc))
	if err != nil {
		t.Fatal(err)
	}
	// Seeding twice must not duplicate rows.
	for i := 0; i < 2; i++ {
		if err := mgr.Seed(ctx, doc); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	store := ledger.NewStore()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go store.Run(runCtx)
	if err := store.Load(ctx, src); err != nil {
		t.Fatal(err)
	}
	items, err := store.Ledgers(ctx, ledger.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 ledger, got %d", len(items))
	}
	l := items[0]
	if l.ExternalID != 7 || l.TotalOrders != 1 || !l.Balance.Equal(money.FromInt(-120)) {
		t.Fatalf("unexpected ledger: %+v", l)
	}
	if !l.TotalPendingAmount.Equal(money.FromFloat(374.5)) {
		t.Fatalf("unexpected pending total: %s", l.TotalPendingAmount)
	}
}

func TestSeedRejectsMissingIDs(t *testing.T) {
	ctx := context.Background()
	src, err := sqlite.Open(filepath.Join(t.TempDir(), "shop.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	mgr := NewManager(src.DB(), SQLite)
	if err := mgr.Up(ctx); err != nil {
		t.Fatal(err)
	}
	doc := &fixture.Document{Shopkeepers: []fixture.Shopkeeper{{Name: "No Id"}}}
	if err := mgr.Seed(ctx, doc); err == nil {
		t.Fatal("expected error for shopkeeper without id")
	}
}

func TestDialectFor(t *testing.T) {
	if d, err := DialectFor("postgres"); err != nil || d.Name != "postgres" {
		t.Fatalf("postgres dialect: %v %v", d, err)
	}
	if _, err := DialectFor("yaml"); err == nil {
		t.Fatal("expected error for yaml source")
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("create table a (x text default 'a;b');\ninsert into a values ('c');  ")
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(got), got)
	}
}
