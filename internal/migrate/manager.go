// Package migrate prepares a shop database for use as a ledger source: it
// applies the source schema and can seed the tables from a fixture document.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"shopledger.org/internal/source/fixture"
	"shopledger.org/internal/source/pg"
	"shopledger.org/internal/source/sqlite"
)

const (
	defaultMigrationsTable = "schema_migrations"

	// appliedAtLayout keeps a fixed width so text ordering is time ordering.
	appliedAtLayout = "2006-01-02T15:04:05.000000000Z"
)

// Migration is one named schema step.
type Migration struct {
	Name string
	SQL  string
}

// Dialect bundles the built-in migrations of one database flavour.
type Dialect struct {
	Name       string
	Migrations []Migration
}

var (
	Postgres = Dialect{
		Name:       "postgres",
		Migrations: []Migration{{Name: "0001_ledger_source.up.sql", SQL: pg.Schema}},
	}
	SQLite = Dialect{
		Name:       "sqlite",
		Migrations: []Migration{{Name: "0001_ledger_source.up.sql", SQL: sqlite.Schema}},
	}
)

// DialectFor maps a source name to its dialect.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case Postgres.Name:
		return Postgres, nil
	case SQLite.Name:
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("no migrations for source %q", name)
}

// Manager applies migrations and seeds.
type Manager struct {
	db              *sql.DB
	dialect         Dialect
	extraDir        string
	migrationsTable string
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithDir adds *.up.sql files from dir after the built-in migrations.
func WithDir(dir string) Option {
	return func(m *Manager) {
		m.extraDir = dir
	}
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, d Dialect, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		dialect:         d,
		migrationsTable: defaultMigrationsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations in name order.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	executed, err := m.listExecuted(ctx)
	if err != nil {
		return err
	}
	all, err := m.migrations()
	if err != nil {
		return err
	}
	for _, mig := range all {
		if executed[mig.Name] {
			continue
		}
		if err := m.exec(ctx, mig.SQL); err != nil {
			return fmt.Errorf("apply migration %s: %w", mig.Name, err)
		}
		if err := m.insertRecord(ctx, mig.Name); err != nil {
			return err
		}
	}
	return nil
}

// Status returns applied migrations in the order they ran.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	return m.history(ctx)
}

// Seed writes the fixture's shopkeepers and receipts in one transaction.
// Shopkeepers are upserted by id; receipts replace rows with the same number.
func (m *Manager) Seed(ctx context.Context, doc *fixture.Document) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, s := range doc.Shopkeepers {
		if s.ID == 0 {
			return fmt.Errorf("seed shopkeeper %q: id is required", s.Name)
		}
		_, err := tx.ExecContext(ctx, `
			insert into shopkeepers (id, name, phone, contact, current_balance, is_active)
			values ($1, $2, $3, $4, $5, $6)
			on conflict (id) do update set
				name = excluded.name,
				phone = excluded.phone,
				contact = excluded.contact,
				current_balance = excluded.current_balance,
				is_active = excluded.is_active`,
			s.ID, nullString(s.Name), nullString(s.Phone), nullString(s.Contact), nullFloat(s.CurrentBalance), s.IsActive)
		if err != nil {
			return fmt.Errorf("seed shopkeeper %d: %w", s.ID, err)
		}
	}

	for _, r := range doc.Receipts {
		if strings.TrimSpace(r.ReceiptNumber) == "" {
			return errors.New("seed receipt: receipt_number is required")
		}
		if _, err := tx.ExecContext(ctx, `delete from receipts where receipt_number = $1`, r.ReceiptNumber); err != nil {
			return fmt.Errorf("seed receipt %s: %w", r.ReceiptNumber, err)
		}
		var owner sql.NullInt64
		if r.ShopkeeperID != 0 {
			owner = sql.NullInt64{Int64: r.ShopkeeperID, Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			insert into receipts (receipt_number, date, total, received_amount, shopkeeper_id)
			values ($1, $2, $3, $4, $5)`,
			r.ReceiptNumber, nullString(r.Date), r.Total, r.ReceivedAmount, owner)
		if err != nil {
			return fmt.Errorf("seed receipt %s: %w", r.ReceiptNumber, err)
		}
	}
	return tx.Commit()
}

func (m *Manager) migrations() ([]Migration, error) {
	all := append([]Migration(nil), m.dialect.Migrations...)
	files, err := collectSQL(m.extraDir, ".up.sql")
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, err
		}
		all = append(all, Migration{Name: f.Base, SQL: string(data)})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

func (m *Manager) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at text not null
		);`, m.migrationsTable)
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

func (m *Manager) exec(ctx context.Context, script string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(script) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *Manager) insertRecord(ctx context.Context, name string) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, m.migrationsTable),
		name, time.Now().UTC().Format(appliedAtLayout))
	return err
}

func (m *Manager) listExecuted(ctx context.Context) (map[string]bool, error) {
	names, err := m.history(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(names))
	for _, n := range names {
		result[n] = true
	}
	return result, nil
}

func (m *Manager) history(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, m.migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

type sqlFile struct {
	Base string
	Path string
}

func collectSQL(dir, suffix string) ([]sqlFile, error) {
	if dir == "" {
		return nil, nil
	}
	var files []sqlFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			files = append(files, sqlFile{Base: d.Name(), Path: path})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return files, nil
}

// splitStatements splits on semicolons outside single-quoted strings.
func splitStatements(script string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
	)
	for _, r := range script {
		current.WriteRune(r)
		switch r {
		case '\'':
			inString = !inString
		case ';':
			if !inString {
				stmts = append(stmts, current.String())
				current.Reset()
			}
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
