package fixture

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"shopledger.org/internal/ledger"
	"shopledger.org/internal/money"
)

// Document is the on-disk layout of a fixture file.
type Document struct {
	Shopkeepers []Shopkeeper `yaml:"shopkeepers"`
	Receipts    []Receipt    `yaml:"receipts"`
}

type Shopkeeper struct {
	ID             int64    `yaml:"id"`
	Name           string   `yaml:"name"`
	Phone          string   `yaml:"phone"`
	Contact        string   `yaml:"contact"`
	CurrentBalance *float64 `yaml:"current_balance"`
	IsActive       bool     `yaml:"is_active"`
}

type Receipt struct {
	ReceiptNumber  string  `yaml:"receipt_number"`
	Date           string  `yaml:"date"`
	Total          float64 `yaml:"total"`
	ReceivedAmount float64 `yaml:"received_amount"`
	ShopkeeperID   int64   `yaml:"shopkeeper_id"`
}

// File is a ledger.Source reading a YAML document. The file is re-read on every
// call so edits show up on the next refresh.
type File struct {
	path string

	mu   sync.Mutex
	last *Document
}

var _ ledger.Source = (*File)(nil)

func NewFile(path string) *File {
	return &File{path: path}
}

// Parse decodes a fixture document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	return &doc, nil
}

func (f *File) read() (*Document, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.last = doc
	f.mu.Unlock()
	return doc, nil
}

// Shopkeepers re-reads the file.
func (f *File) Shopkeepers(ctx context.Context) ([]ledger.RawShopkeeper, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	return doc.RawShopkeepers(), nil
}

// Receipts reuses the document read by the preceding Shopkeepers call so both
// halves of a load come from the same file version.
func (f *File) Receipts(ctx context.Context) ([]ledger.RawReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	doc := f.last
	f.last = nil
	f.mu.Unlock()
	if doc == nil {
		var err error
		if doc, err = f.read(); err != nil {
			return nil, err
		}
	}
	return doc.RawReceipts(), nil
}

func (d *Document) RawShopkeepers() []ledger.RawShopkeeper {
	out := make([]ledger.RawShopkeeper, 0, len(d.Shopkeepers))
	for _, s := range d.Shopkeepers {
		sk := ledger.RawShopkeeper{
			ID:       s.ID,
			Name:     s.Name,
			Phone:    s.Phone,
			Contact:  s.Contact,
			IsActive: s.IsActive,
		}
		if s.CurrentBalance != nil {
			b := money.FromFloat(*s.CurrentBalance)
			sk.CurrentBalance = &b
		}
		out = append(out, sk)
	}
	return out
}

func (d *Document) RawReceipts() []ledger.RawReceipt {
	out := make([]ledger.RawReceipt, 0, len(d.Receipts))
	for _, r := range d.Receipts {
		out = append(out, ledger.RawReceipt{
			ReceiptNumber:  r.ReceiptNumber,
			Date:           r.Date,
			Total:          money.FromFloat(r.Total),
			ReceivedAmount: money.FromFloat(r.ReceivedAmount),
			ShopkeeperID:   r.ShopkeeperID,
		})
	}
	return out
}
