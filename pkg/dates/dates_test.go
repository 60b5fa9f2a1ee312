package dates

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	d, err := Parse("2026-05-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.String() != "2026-05-01" {
		t.Errorf("expected 2026-05-01, got %s", d)
	}
	if _, err := Parse("05/01/2026"); err == nil {
		t.Error("expected error for non-ISO date")
	}
}

func TestWindow_Validate(t *testing.T) {
	start, _ := Parse("2026-06-10")
	end, _ := Parse("2026-06-01")
	if err := (Window{Start: &start, End: &end}).Validate(); err != ErrStartAfterEnd {
		t.Errorf("expected ErrStartAfterEnd, got %v", err)
	}
	if err := (Window{Start: &end, End: &start}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (Window{Start: &start, Flexible: true}).Validate(); err != nil {
		t.Errorf("open-ended window should be valid, got %v", err)
	}
}

func TestWindow_JSON(t *testing.T) {
	var w Window
	if err := json.Unmarshal([]byte(`{"text":"late spring","start":"2026-05-01","flexible":true}`), &w); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if w.Start == nil || w.Start.String() != "2026-05-01" || w.End != nil || !w.Flexible {
		t.Fatalf("unexpected window %+v", w)
	}
	b, _ := json.Marshal(w)
	if string(b) != `{"text":"late spring","start":"2026-05-01","flexible":true}` {
		t.Errorf("unexpected json %s", b)
	}
}

func TestOfAndTimePtr(t *testing.T) {
	d := Of(time.Date(2026, 1, 2, 23, 59, 0, 0, time.FixedZone("x", 3600)))
	if d.String() != "2026-01-02" {
		t.Errorf("expected 2026-01-02, got %s", d)
	}
	var nilDate *Date
	if nilDate.TimePtr() != nil || FromTimePtr(nil) != nil {
		t.Error("expected nil round trip")
	}
}
