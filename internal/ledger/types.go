package ledger

import (
	"context"
	"errors"

	"shopledger.org/internal/money"
)

// RawShopkeeper is a shopkeeper record as supplied by the external store.
// ID 0 means the record has no numeric id yet.
type RawShopkeeper struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Contact string `json:"contact"`
	// CurrentBalance is what the shopkeeper owes; nil when not tracked.
	CurrentBalance *money.Amount `json:"current_balance"`
	IsActive       bool          `json:"is_active"`
}

// ContactPhone prefers the contact field over phone, as the upstream forms do.
func (s RawShopkeeper) ContactPhone() string {
	if s.Contact != "" {
		return s.Contact
	}
	return s.Phone
}

// RawReceipt is a receipt record. ShopkeeperID 0 links to nobody.
type RawReceipt struct {
	ReceiptNumber  string       `json:"receipt_number"`
	Date           string       `json:"date"`
	Total          money.Amount `json:"total"`
	ReceivedAmount money.Amount `json:"received_amount"`
	ShopkeeperID   int64        `json:"shopkeeper_id"`
}

type PendingReceiptEntry struct {
	ReceiptNumber  string       `json:"receipt_number"`
	ReceiptDate    string       `json:"receipt_date"`
	TotalAmount    money.Amount `json:"total_amount"`
	AmountReceived money.Amount `json:"amount_received"`
	PendingAmount  money.Amount `json:"pending_amount"`
}

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Ledger is the derived per-shopkeeper view. Positive Balance is credit in the
// shopkeeper's favour, negative is due.
type Ledger struct {
	ID                 string                `json:"id"`
	ExternalID         int64                 `json:"external_id,omitempty"`
	Name               string                `json:"name"`
	Phone              string                `json:"phone"`
	Balance            money.Amount          `json:"balance"`
	TotalOrders        int                   `json:"total_orders"`
	Status             string                `json:"status"`
	PendingReceipts    []PendingReceiptEntry `json:"pending_receipts"`
	TotalPendingAmount money.Amount          `json:"total_pending_amount"`
}

// Clone returns a copy that shares no mutable state with l.
func (l Ledger) Clone() Ledger {
	out := l
	out.PendingReceipts = make([]PendingReceiptEntry, len(l.PendingReceipts))
	copy(out.PendingReceipts, l.PendingReceipts)
	return out
}

// pendingTotal sums the pending list entry by entry.
func pendingTotal(entries []PendingReceiptEntry) money.Amount {
	total := money.Zero
	for _, e := range entries {
		total = money.Add(total, e.PendingAmount)
	}
	return total
}

// ReceiptNotice announces a freshly created receipt.
type ReceiptNotice struct {
	ShopkeeperName  string       `json:"shopkeeper_name"`
	ShopkeeperPhone string       `json:"shopkeeper_phone"`
	ReceiptNumber   string       `json:"receipt_number"`
	ReceiptDate     string       `json:"receipt_date"`
	TotalAmount     money.Amount `json:"total_amount"`
	AmountReceived  money.Amount `json:"amount_received"`
	PendingAmount   money.Amount `json:"pending_amount"`
}

func (n ReceiptNotice) entry() PendingReceiptEntry {
	return PendingReceiptEntry{
		ReceiptNumber:  n.ReceiptNumber,
		ReceiptDate:    n.ReceiptDate,
		TotalAmount:    n.TotalAmount,
		AmountReceived: n.AmountReceived,
		PendingAmount:  n.PendingAmount,
	}
}

// Source supplies raw records. Implementations may block on I/O.
type Source interface {
	Shopkeepers(ctx context.Context) ([]RawShopkeeper, error)
	Receipts(ctx context.Context) ([]RawReceipt, error)
}

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidAmount = errors.New("invalid amount (must be > 0)")
	ErrLoad          = errors.New("ledger load failed")
	ErrStoreClosed   = errors.New("ledger store closed")
)
