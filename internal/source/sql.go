// Package source holds ledger.Source implementations backed by the external
// shopkeeper and receipt stores.
package source

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"shopledger.org/internal/ledger"
	"shopledger.org/internal/money"
)

// Queries are the two reads a SQL source needs. Columns must come back in the
// order scanned by Shopkeepers and Receipts:
//
//	shopkeepers: id, name, phone, contact, current_balance (nullable), is_active
//	receipts:    receipt_number, date (text), total, received_amount, shopkeeper_id
type Queries struct {
	Shopkeepers string
	Receipts    string
}

// SQL reads raw records through database/sql.
type SQL struct {
	db *sql.DB
	q  Queries
}

var _ ledger.Source = (*SQL)(nil)

func NewSQL(db *sql.DB, q Queries) *SQL {
	return &SQL{db: db, q: q}
}

func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) Shopkeepers(ctx context.Context) ([]ledger.RawShopkeeper, error) {
	rows, err := s.db.QueryContext(ctx, s.q.Shopkeepers)
	if err != nil {
		return nil, fmt.Errorf("query shopkeepers: %w", err)
	}
	defer rows.Close()

	var out []ledger.RawShopkeeper
	for rows.Next() {
		var (
			sk      ledger.RawShopkeeper
			name    sql.NullString
			phone   sql.NullString
			contact sql.NullString
			balance decimal.NullDecimal
		)
		if err := rows.Scan(&sk.ID, &name, &phone, &contact, &balance, &sk.IsActive); err != nil {
			return nil, fmt.Errorf("scan shopkeeper: %w", err)
		}
		sk.Name, sk.Phone, sk.Contact = name.String, phone.String, contact.String
		if balance.Valid {
			b := money.FromDecimal(balance.Decimal)
			sk.CurrentBalance = &b
		}
		out = append(out, sk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shopkeepers: %w", err)
	}
	return out, nil
}

func (s *SQL) Receipts(ctx context.Context) ([]ledger.RawReceipt, error) {
	rows, err := s.db.QueryContext(ctx, s.q.Receipts)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	var out []ledger.RawReceipt
	for rows.Next() {
		var (
			r     ledger.RawReceipt
			date  sql.NullString
			owner sql.NullInt64
		)
		if err := rows.Scan(&r.ReceiptNumber, &date, &r.Total, &r.ReceivedAmount, &owner); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		r.Date = date.String
		r.ShopkeeperID = owner.Int64
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipts: %w", err)
	}
	return out, nil
}
