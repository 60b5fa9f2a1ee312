// Package dates holds calendar dates and travel windows without a time of day.
package dates

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const layout = "2006-01-02"

// ErrStartAfterEnd is returned by Window.Validate.
var ErrStartAfterEnd = errors.New("start date is after end date")

// Date is a calendar date in UTC. It encodes as "2006-01-02".
type Date struct {
	time.Time
}

func Parse(s string) (Date, error) {
	t, err := time.Parse(layout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return Date{t}, nil
}

// Of truncates t to its calendar date.
func Of(t time.Time) Date {
	y, m, d := t.Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// FromTimePtr converts a nullable DATE column value.
func FromTimePtr(t *time.Time) *Date {
	if t == nil {
		return nil
	}
	d := Of(*t)
	return &d
}

// TimePtr returns the value for a nullable DATE column.
func (d *Date) TimePtr() *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time
	return &t
}

func (d Date) String() string {
	return d.Format(layout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Window is a travel window. Text carries a free-form description such as
// "sometime in spring".
type Window struct {
	Text     string `json:"text,omitempty"`
	Start    *Date  `json:"start,omitempty"`
	End      *Date  `json:"end,omitempty"`
	Flexible bool   `json:"flexible"`
}

// Validate reports ErrStartAfterEnd when both bounds are set and inverted.
func (w Window) Validate() error {
	if w.Start != nil && w.End != nil && w.Start.After(w.End.Time) {
		return ErrStartAfterEnd
	}
	return nil
}
