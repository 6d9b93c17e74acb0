package soda

import (
	"testing"
	"time"
)

func TestRecordStr(t *testing.T) {
	rec := Record{"name": "  ACME  ", "count": 3.0, "flag": true, "null": nil}
	if got := rec.Str("name"); got != "ACME" {
		t.Errorf("Str(name) = %q", got)
	}
	if got := rec.Str("count"); got != "3" {
		t.Errorf("Str(count) = %q", got)
	}
	if got := rec.Str("flag"); got != "true" {
		t.Errorf("Str(flag) = %q", got)
	}
	if got := rec.Str("null"); got != "" {
		t.Errorf("Str(null) = %q", got)
	}
	if got := rec.Str("absent"); got != "" {
		t.Errorf("Str(absent) = %q", got)
	}
}

func TestRecordFloat(t *testing.T) {
	rec := Record{
		"cost":   "$1,500,000.50",
		"plain":  "42",
		"num":    7.5,
		"blank":  "  ",
		"bogus":  "n/a",
		"absent": nil,
	}
	if v, ok := rec.Float("cost"); !ok || v != 1_500_000.50 {
		t.Errorf("Float(cost) = %v, %v", v, ok)
	}
	if v, ok := rec.Float("plain"); !ok || v != 42 {
		t.Errorf("Float(plain) = %v, %v", v, ok)
	}
	if v, ok := rec.Float("num"); !ok || v != 7.5 {
		t.Errorf("Float(num) = %v, %v", v, ok)
	}
	for _, key := range []string{"blank", "bogus", "absent", "missing"} {
		if _, ok := rec.Float(key); ok {
			t.Errorf("Float(%s) should not parse", key)
		}
	}
	if v, ok := rec.Int("cost"); !ok || v != 1_500_000 {
		t.Errorf("Int(cost) = %v, %v", v, ok)
	}
}

func TestRecordBool(t *testing.T) {
	rec := Record{"a": "Y", "b": "yes", "c": "TRUE", "d": 1.0, "e": "N", "f": ""}
	for _, key := range []string{"a", "b", "c", "d"} {
		if !rec.Bool(key) {
			t.Errorf("Bool(%s) = false, want true", key)
		}
	}
	for _, key := range []string{"e", "f", "missing"} {
		if rec.Bool(key) {
			t.Errorf("Bool(%s) = true, want false", key)
		}
	}
}

func TestRecordTime(t *testing.T) {
	rec := Record{
		"frac":  "2026-01-02T03:04:05.000",
		"plain": "2026-01-02T03:04:05",
		"date":  "2026-01-02",
		"blank": "",
		"bogus": "01/02/2026",
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, key := range []string{"frac", "plain"} {
		got, ok := rec.Time(key)
		if !ok || got == nil || !got.Equal(want) {
			t.Errorf("Time(%s) = %v, %v", key, got, ok)
		}
	}
	if got, ok := rec.Time("date"); !ok || got == nil || got.Day() != 2 {
		t.Errorf("Time(date) = %v, %v", got, ok)
	}
	if got, ok := rec.Time("blank"); !ok || got != nil {
		t.Errorf("blank field: Time = %v, %v, want nil, true", got, ok)
	}
	if got, ok := rec.Time("missing"); !ok || got != nil {
		t.Errorf("missing field: Time = %v, %v, want nil, true", got, ok)
	}
	if _, ok := rec.Time("bogus"); ok {
		t.Error("unparsable timestamp reported ok")
	}
}

func TestFormatTime(t *testing.T) {
	in := time.Date(2026, 1, 2, 3, 4, 5, 999, time.UTC)
	if got := FormatTime(in); got != "2026-01-02T03:04:05" {
		t.Errorf("FormatTime = %q", got)
	}
}
