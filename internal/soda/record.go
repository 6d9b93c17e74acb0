package soda

import (
	"strconv"
	"strings"
	"time"
)

// Record is one loosely typed row as returned by the portal. Field coverage
// is sparse; the typed getters below are the only way downstream code reads
// from it.
type Record map[string]any

// Str returns the field as a trimmed string, or "" when absent.
func (r Record) Str(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}

// Float parses the field as a number. Empty and unparsable values return
// (0, false); the caller decides whether that is a skip or a null.
func (r Record) Float(key string) (float64, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(strings.TrimPrefix(n, "$"), ",", ""))
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Int parses the field as an integer, truncating floats.
func (r Record) Int(key string) (int, bool) {
	f, ok := r.Float(key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Bool parses Y/N, true/false, and 1/0 flags.
func (r Record) Bool(key string) bool {
	switch strings.ToUpper(r.Str(key)) {
	case "Y", "YES", "TRUE", "1":
		return true
	}
	return false
}

// Portal timestamps come back as floating timestamps with or without a
// fractional part, occasionally as a bare date.
var timeLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Time parses the field as a portal timestamp. Returns nil when the field
// is absent or blank, and (nil, false) when present but unparsable.
func (r Record) Time(key string) (*time.Time, bool) {
	s := r.Str(key)
	if s == "" {
		return nil, true
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, true
		}
	}
	return nil, false
}

// FormatTime renders t the way the portal's $where filters expect.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05")
}
