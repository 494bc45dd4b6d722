package ledger

import "shopledger.org/internal/money"

// Project derives a fresh ledger from a shopkeeper record and its receipts.
// The returned ledger has no ID; the store assigns one.
//
// A stored CurrentBalance is a debt figure, so it is negated: a shopkeeper who
// owes 500 has Balance -500. Without it the balance is received minus billed.
func Project(sk RawShopkeeper, receipts []IndexedReceipt) Ledger {
	billed, received := money.Zero, money.Zero
	pending := make([]PendingReceiptEntry, 0, len(receipts))
	for _, r := range receipts {
		billed = money.Add(billed, r.Total)
		received = money.Add(received, r.ReceivedAmount)
		if !r.Pending.IsPositive() {
			continue
		}
		pending = append(pending, PendingReceiptEntry{
			ReceiptNumber:  r.ReceiptNumber,
			ReceiptDate:    r.Date,
			TotalAmount:    r.Total,
			AmountReceived: r.ReceivedAmount,
			PendingAmount:  r.Pending,
		})
	}

	balance := money.Sub(received, billed)
	if sk.CurrentBalance != nil {
		balance = sk.CurrentBalance.Neg()
	}

	status := StatusInactive
	if sk.IsActive {
		status = StatusActive
	}

	return Ledger{
		ExternalID:         sk.ID,
		Name:               sk.Name,
		Phone:              sk.ContactPhone(),
		Balance:            balance,
		TotalOrders:        len(receipts),
		Status:             status,
		PendingReceipts:    pending,
		TotalPendingAmount: pendingTotal(pending),
	}
}

// ProjectAll projects every shopkeeper in input order.
func ProjectAll(shopkeepers []RawShopkeeper, receipts []RawReceipt) []Ledger {
	byOwner := IndexReceipts(receipts)
	out := make([]Ledger, 0, len(shopkeepers))
	for _, sk := range shopkeepers {
		var matched []IndexedReceipt
		if sk.ID != 0 {
			matched = byOwner[sk.ID]
		}
		out = append(out, Project(sk, matched))
	}
	return out
}
