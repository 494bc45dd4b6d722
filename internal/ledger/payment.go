package ledger

import "shopledger.org/internal/money"

// Allocation reports how a payment was split against one receipt.
type Allocation struct {
	Matched   bool         `json:"matched"`
	Applied   money.Amount `json:"applied"`
	Unapplied money.Amount `json:"unapplied"`
	Settled   bool         `json:"settled"`
}

// ApplyPayment pays amount against the pending receipt receiptNumber and returns
// the updated ledger. The input ledger is not modified.
//
// Payment never spills over onto other receipts; whatever exceeds the
// receipt's pending amount comes back as Allocation.Unapplied and the caller
// decides what to do with it. Balance and TotalOrders are left alone.
// Non-positive amounts and unknown receipts return l unchanged.
func ApplyPayment(l Ledger, receiptNumber string, amount money.Amount) (Ledger, Allocation) {
	if !amount.IsPositive() {
		return l, Allocation{}
	}
	idx := -1
	for i, e := range l.PendingReceipts {
		if e.ReceiptNumber == receiptNumber {
			idx = i
			break
		}
	}
	if idx < 0 {
		return l, Allocation{Unapplied: amount}
	}

	entry := l.PendingReceipts[idx]
	applied := money.Min(amount, entry.PendingAmount)
	entry.AmountReceived = money.Add(entry.AmountReceived, applied)
	entry.PendingAmount = money.ClampNonNegative(money.Sub(entry.PendingAmount, amount))

	out := l
	out.PendingReceipts = make([]PendingReceiptEntry, 0, len(l.PendingReceipts))
	for i, e := range l.PendingReceipts {
		if i == idx {
			e = entry
		}
		if !e.PendingAmount.IsPositive() {
			continue
		}
		out.PendingReceipts = append(out.PendingReceipts, e)
	}
	out.TotalPendingAmount = pendingTotal(out.PendingReceipts)

	return out, Allocation{
		Matched:   true,
		Applied:   applied,
		Unapplied: money.Sub(amount, applied),
		Settled:   !entry.PendingAmount.IsPositive(),
	}
}
