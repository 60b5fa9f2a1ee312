// Package money holds currency amounts as integer minor units (cents).
package money

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Amount is a value in minor units of its currency.
type Amount int64

// FromMajor converts a major-unit value such as 5000.00 to an Amount,
// rounding half away from zero to the nearest cent.
func FromMajor(v float64) (Amount, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid amount %v", v)
	}
	cents := math.Round(v * 100)
	if math.Abs(cents) > math.MaxInt64/2 {
		return 0, fmt.Errorf("amount %v out of range", v)
	}
	return Amount(cents), nil
}

// Parse reads a decimal string such as "5000", "5000.5" or "5000.00".
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromMajor(f)
}

// Percent returns round(a * pct / 100) to the nearest minor unit.
func (a Amount) Percent(pct float64) Amount {
	return Amount(math.Round(float64(a) * pct / 100))
}

// Major returns the amount in major units.
func (a Amount) Major() float64 {
	return float64(a) / 100
}

// String renders the amount with exactly two decimals, e.g. "1250.00".
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// MarshalJSON encodes the amount as a JSON number with two decimals.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
