package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/permitsight/permitsight/pipeline/internal/config"
	"github.com/permitsight/permitsight/pipeline/internal/soda"
	"github.com/permitsight/permitsight/pipeline/internal/store"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

// newTestConfig wires every dataset id to a distinct name the test server
// can dispatch on.
func newTestConfig() *config.Config {
	cfg := config.Load()
	cfg.Source.Datasets = config.DatasetIDs{
		Permits:            "permits",
		BuildingContacts:   "building",
		ElectricalContacts: "electrical",
		PlumbingContacts:   "plumbing",
		Inspections:        "inspections",
		AddendaRouting:     "addenda",
		Violations:         "violations",
	}
	cfg.Pipeline.MaxParallelIngest = 2
	cfg.Pipeline.IngestOverlapDays = 2
	cfg.Pipeline.StaleAfterDays = 3
	return cfg
}

func serveDatasets(t *testing.T, pages map[string][]soda.Record) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/resource/"), ".json")
		rows := pages[name]
		// One page per dataset; a second request gets an empty page.
		if r.URL.Query().Get("$offset") != "0" {
			rows = nil
		}
		if rows == nil {
			rows = []soda.Record{}
		}
		json.NewEncoder(w).Encode(rows)
	}))
}

func TestIngestAll(t *testing.T) {
	pages := map[string][]soda.Record{
		"permits": {
			{"permit_number": "P1", "data_as_of": asOf, "status": "issued"},
			{"permit_number": "P2", "data_as_of": asOf, "status": "filed"},
			{"data_as_of": asOf}, // missing permit number, skipped
		},
		"building": {
			{"permit_number": "P1", "data_as_of": asOf, "name": "ACME", "contact_type": "CONTRACTOR"},
		},
		"violations": {
			{"complaint_number": "C1", "data_as_of": asOf, "status": "open"},
		},
	}
	srv := serveDatasets(t, pages)
	defer srv.Close()

	st := store.NewMemoryStore()
	cfg := newTestConfig()
	client := soda.New(srv.URL, "", 100)
	runner := NewRunner(client, st, cfg)

	sum, err := runner.IngestAll(context.Background())
	if err != nil {
		t.Fatalf("IngestAll: %v", err)
	}
	if sum.Rows != 4 {
		t.Errorf("Rows = %d, want 4", sum.Rows)
	}
	if sum.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", sum.Skipped)
	}

	permits, err := st.ListPermits(context.Background())
	if err != nil || len(permits) != 2 {
		t.Fatalf("ListPermits = %d rows, err %v", len(permits), err)
	}

	// Every dataset recorded an ingest_log row.
	entries, err := st.ListIngestLog(context.Background(), 0)
	if err != nil || len(entries) != 7 {
		t.Fatalf("ListIngestLog = %d rows, err %v", len(entries), err)
	}
	for _, e := range entries {
		if e.Status != models.StatusSuccess {
			t.Errorf("dataset %s status = %q", e.DatasetID, e.Status)
		}
	}

	// Nothing is stale right after a successful pass.
	stale, err := runner.Staleness(context.Background())
	if err != nil {
		t.Fatalf("Staleness: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("stale datasets after success: %v", stale)
	}
}

func TestIngestAllFailingDatasetDoesNotCancelSiblings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "permits") {
			http.Error(w, "no such dataset", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode([]soda.Record{})
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	runner := NewRunner(soda.New(srv.URL, "", 100), st, newTestConfig())

	_, err := runner.IngestAll(context.Background())
	if err == nil {
		t.Fatal("expected the permits failure to surface")
	}

	entries, _ := st.ListIngestLog(context.Background(), 0)
	failed, succeeded := 0, 0
	for _, e := range entries {
		switch e.Status {
		case models.StatusFailed:
			failed++
		case models.StatusSuccess:
			succeeded++
		}
	}
	if failed != 1 || succeeded != 6 {
		t.Errorf("failed=%d succeeded=%d, want 1/6", failed, succeeded)
	}
}

func TestDeltaCursor(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := newTestConfig()
	runner := NewRunner(soda.New("http://unused", "", 1), st, cfg)

	// No history: full fetch.
	if since := runner.deltaCursor(context.Background(), "permits"); !since.IsZero() {
		t.Errorf("cursor without history = %v, want zero", since)
	}

	started := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)
	st.RecordIngest(context.Background(), models.IngestLog{
		DatasetID: "permits", StartedAt: started, FinishedAt: &finished,
		Status: models.StatusSuccess, RowCount: 10,
	})

	want := started.AddDate(0, 0, -cfg.Pipeline.IngestOverlapDays)
	if since := runner.deltaCursor(context.Background(), "permits"); !since.Equal(want) {
		t.Errorf("cursor = %v, want %v", since, want)
	}
}

func TestStaleness(t *testing.T) {
	st := store.NewMemoryStore()
	runner := NewRunner(soda.New("http://unused", "", 1), st, newTestConfig())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	runner.now = func() time.Time { return now }

	fresh := now.Add(-24 * time.Hour)
	old := now.AddDate(0, 0, -10)
	for id, started := range map[string]time.Time{"permits": fresh, "inspections": old} {
		f := started.Add(time.Minute)
		st.RecordIngest(context.Background(), models.IngestLog{
			DatasetID: id, StartedAt: started, FinishedAt: &f, Status: models.StatusSuccess,
		})
	}

	stale, err := runner.Staleness(context.Background())
	if err != nil {
		t.Fatalf("Staleness: %v", err)
	}
	// permits is fresh; inspections is old; the other five never ingested.
	if len(stale) != 6 {
		t.Fatalf("stale = %v, want 6 datasets", stale)
	}
	for _, name := range stale {
		if name == "permits" {
			t.Error("permits should not be stale")
		}
	}
}
