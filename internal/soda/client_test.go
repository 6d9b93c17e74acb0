package soda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestCursorPagination(t *testing.T) {
	var gotOrder, gotWhere string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOrder = r.URL.Query().Get("$order")
		gotWhere = r.URL.Query().Get("$where")
		var page []Record
		switch r.URL.Query().Get("$offset") {
		case "0":
			page = []Record{{"id": "1"}, {"id": "2"}}
		case "2":
			page = []Record{{"id": "3"}}
		default:
			t.Errorf("unexpected offset %q", r.URL.Query().Get("$offset"))
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	client := New(srv.URL, "", 100, WithPageSize(2))
	cur := client.Fetch("abcd-1234", Query{Since: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})

	var ids []string
	for cur.Next(context.Background()) {
		ids = append(ids, cur.Record().Str("id"))
	}
	if err := cur.Err(); err != nil {
		t.Fatalf("cursor error: %v", err)
	}
	if len(ids) != 3 || ids[0] != "1" || ids[2] != "3" {
		t.Errorf("ids = %v", ids)
	}
	if gotOrder != ":id" {
		t.Errorf("$order = %q, want :id", gotOrder)
	}
	if gotWhere != "data_as_of >= '2026-01-01T00:00:00'" {
		t.Errorf("$where = %q", gotWhere)
	}
}

func TestCursorEmptyDataset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Record{})
	}))
	defer srv.Close()

	cur := New(srv.URL, "", 100).Fetch("abcd-1234", Query{})
	if cur.Next(context.Background()) {
		t.Error("Next returned true on an empty dataset")
	}
	if err := cur.Err(); err != nil {
		t.Errorf("cursor error: %v", err)
	}
}

func TestRetryOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode([]Record{{"id": "1"}})
	}))
	defer srv.Close()

	cur := New(srv.URL, "", 100).Fetch("abcd-1234", Query{})
	if !cur.Next(context.Background()) {
		t.Fatalf("Next = false after retry, err %v", cur.Err())
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestNoRetryOnFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such dataset", http.StatusNotFound)
	}))
	defer srv.Close()

	cur := New(srv.URL, "", 100).Fetch("abcd-1234", Query{})
	if cur.Next(context.Background()) {
		t.Fatal("Next = true against a 404")
	}
	err := cur.Err()
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FatalError", err)
	}
	if IsTransient(err) {
		t.Error("404 classified transient")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want no retry", calls.Load())
	}
}

func TestTransientClassification(t *testing.T) {
	te := &TransientError{Op: "fetch x", StatusCode: 503}
	if !IsTransient(te) {
		t.Error("bare TransientError not transient")
	}
	if !IsTransient(fmt.Errorf("wrapped: %w", te)) {
		t.Error("wrapped TransientError not transient")
	}
	if IsTransient(errors.New("plain")) {
		t.Error("plain error classified transient")
	}
}

func TestAppTokenHeader(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-App-Token")
		json.NewEncoder(w).Encode([]Record{})
	}))
	defer srv.Close()

	cur := New(srv.URL, "secret-token", 100).Fetch("abcd-1234", Query{})
	cur.Next(context.Background())
	if gotToken != "secret-token" {
		t.Errorf("X-App-Token = %q", gotToken)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Errorf("seconds form = %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("empty header = %v", got)
	}
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > time.Minute {
		t.Errorf("HTTP-date form = %v", got)
	}
}
