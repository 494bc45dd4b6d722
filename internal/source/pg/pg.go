package pg

import (
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"shopledger.org/internal/source"
)

// Queries reads the shopkeepers and receipts tables of the shop database.
var Queries = source.Queries{
	Shopkeepers: `
		select id, name, phone, contact, current_balance, is_active
		from shopkeepers
		order by id asc
	`,
	Receipts: `
		select receipt_number,
		       coalesce(to_char(date, 'YYYY-MM-DD'), ''),
		       coalesce(total, 0),
		       coalesce(received_amount, 0),
		       shopkeeper_id
		from receipts
		order by date asc, receipt_number asc
	`,
}

// Schema is the source layout for a fresh database.
const Schema = `
create table if not exists shopkeepers (
	id              bigint primary key,
	name            text,
	phone           text,
	contact         text,
	current_balance numeric(14, 2),
	is_active       boolean not null default true
);
create table if not exists receipts (
	receipt_number  text not null,
	date            date,
	total           numeric(14, 2),
	received_amount numeric(14, 2),
	shopkeeper_id   bigint references shopkeepers(id)
);
create index if not exists receipts_shopkeeper_idx on receipts (shopkeeper_id);
`

// Open connects to postgres through pgx. The pool is small: the source only
// runs two reads per refresh.
func Open(dsn string) (*source.SQL, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return source.NewSQL(db, Queries), nil
}
