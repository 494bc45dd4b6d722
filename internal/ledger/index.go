package ledger

import "shopledger.org/internal/money"

// IndexedReceipt is a raw receipt together with its outstanding amount.
type IndexedReceipt struct {
	RawReceipt
	Pending money.Amount
}

func indexed(r RawReceipt) IndexedReceipt {
	return IndexedReceipt{
		RawReceipt: r,
		Pending:    money.ClampNonNegative(money.Sub(r.Total, r.ReceivedAmount)),
	}
}

// ReceiptsFor returns the receipts owned by shopkeeperID in source order.
// Receipts without an owner never match, and neither does id 0.
func ReceiptsFor(receipts []RawReceipt, shopkeeperID int64) []IndexedReceipt {
	if shopkeeperID == 0 {
		return nil
	}
	var out []IndexedReceipt
	for _, r := range receipts {
		if r.ShopkeeperID == shopkeeperID {
			out = append(out, indexed(r))
		}
	}
	return out
}

// IndexReceipts groups receipts by owner in one pass, keeping source order
// within each group. Ownerless receipts are dropped.
func IndexReceipts(receipts []RawReceipt) map[int64][]IndexedReceipt {
	out := make(map[int64][]IndexedReceipt)
	for _, r := range receipts {
		if r.ShopkeeperID == 0 {
			continue
		}
		out[r.ShopkeeperID] = append(out[r.ShopkeeperID], indexed(r))
	}
	return out
}
