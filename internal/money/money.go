package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a value in the single implicit currency unit.
// Arithmetic is exact decimal; floats only appear at the edges (JSON, REAL columns).
type Amount struct {
	d decimal.Decimal
}

var Zero = Amount{}

// Amounts are kept within these decimal exponents. Arithmetic rescales to the
// smaller exponent of its operands, so an unbounded one costs unbounded work.
const (
	minExponent = -12
	maxExponent = 18
)

var ErrOutOfRange = errors.New("money: amount out of range")

func checked(d decimal.Decimal) (Amount, error) {
	if e := d.Exponent(); e < minExponent || e > maxExponent {
		return Zero, fmt.Errorf("%w: exponent %d", ErrOutOfRange, e)
	}
	return Amount{d: d}, nil
}

// FromFloat converts a float. NaN and ±Inf are treated as zero.
func FromFloat(f float64) Amount {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Zero
	}
	d := decimal.NewFromFloat(f)
	if d.Exponent() < minExponent {
		d = d.Round(-minExponent)
	}
	return Amount{d: d}
}

// FromInt returns a whole-unit amount.
func FromInt(v int64) Amount { return Amount{d: decimal.NewFromInt(v)} }

// FromDecimal wraps an existing decimal.
func FromDecimal(d decimal.Decimal) Amount { return Amount{d: d} }

// Parse reads a decimal string. Anything unparsable or out of range is zero.
func Parse(s string) Amount {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Zero
	}
	a, err := checked(d)
	if err != nil {
		return Zero
	}
	return a
}

func Add(a, b Amount) Amount { return Amount{d: a.d.Add(b.d)} }

func Sub(a, b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

func Min(a, b Amount) Amount {
	if a.d.LessThanOrEqual(b.d) {
		return a
	}
	return b
}

// ClampNonNegative maps anything below zero to exactly zero.
func ClampNonNegative(a Amount) Amount {
	if a.d.IsNegative() {
		return Zero
	}
	return a
}

// Sum folds Add over the values.
func Sum(values ...Amount) Amount {
	total := Zero
	for _, v := range values {
		total = Add(total, v)
	}
	return total
}

func (a Amount) Neg() Amount                     { return Amount{d: a.d.Neg()} }
func (a Amount) IsZero() bool                    { return a.d.IsZero() }
func (a Amount) IsPositive() bool                { return a.d.IsPositive() }
func (a Amount) IsNegative() bool                { return a.d.IsNegative() }
func (a Amount) Equal(b Amount) bool             { return a.d.Equal(b.d) }
func (a Amount) GreaterThan(b Amount) bool       { return a.d.GreaterThan(b.d) }
func (a Amount) Decimal() decimal.Decimal        { return a.d }
func (a Amount) String() string                  { return a.d.String() }
func (a Amount) StringFixed(places int32) string { return a.d.StringFixed(places) }

// Float64 is lossy and meant for metrics only.
func (a Amount) Float64() float64 {
	f, _ := a.d.Float64()
	return f
}

// MarshalJSON writes a bare JSON number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.d.String()), nil
}

// UnmarshalJSON accepts numbers, numeric strings and null (zero). Values
// outside the supported exponent range fail with ErrOutOfRange.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == "" {
		*a = Zero
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			*a = Zero
			return nil
		}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return err
	}
	v, err := checked(d)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Scan implements sql.Scanner for NUMERIC, REAL, INTEGER and text columns.
func (a *Amount) Scan(value any) error {
	if value == nil {
		*a = Zero
		return nil
	}
	if f, ok := value.(float64); ok {
		*a = FromFloat(f)
		return nil
	}
	var d decimal.Decimal
	if err := d.Scan(value); err != nil {
		return err
	}
	// Unconstrained NUMERIC columns can carry long fractions.
	if e := d.Exponent(); e < minExponent && e >= 4*minExponent {
		d = d.Round(-minExponent)
	}
	v, err := checked(d)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Value implements driver.Valuer.
func (a Amount) Value() (driver.Value, error) {
	return a.d.String(), nil
}
