package sched

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/permitsight/permitsight/pipeline/internal/config"
	"github.com/permitsight/permitsight/pipeline/internal/graph"
	"github.com/permitsight/permitsight/pipeline/internal/ingest"
	"github.com/permitsight/permitsight/pipeline/internal/notify"
	"github.com/permitsight/permitsight/pipeline/internal/resolve"
	"github.com/permitsight/permitsight/pipeline/internal/signals"
	"github.com/permitsight/permitsight/pipeline/internal/soda"
	"github.com/permitsight/permitsight/pipeline/internal/store"
	"github.com/permitsight/permitsight/pipeline/internal/velocity"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

// newScheduler wires a full pipeline against the in-memory store and the
// given portal URL.
func newScheduler(t *testing.T, portalURL string) (*Scheduler, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	cfg := config.Load()
	client := soda.New(portalURL, "", 100)
	runner := ingest.NewRunner(client, st, cfg)
	return New(st, runner,
		resolve.New(st),
		graph.NewBuilder(st),
		signals.NewDetector(st),
		velocity.NewComputer(st, cfg.Velocity),
		notify.NewService(cfg.Cron.AdminEmail),
		cfg.Pipeline,
	), st
}

func emptyPortal(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]soda.Record{})
	}))
}

func cronByStep(t *testing.T, st *store.MemoryStore) map[string]models.CronLog {
	t.Helper()
	entries, err := st.ListCronLog(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListCronLog: %v", err)
	}
	out := map[string]models.CronLog{}
	for _, e := range entries {
		out[e.Step] = e
	}
	return out
}

func TestRunNightly(t *testing.T) {
	srv := emptyPortal(t)
	defer srv.Close()
	s, st := newScheduler(t, srv.URL)

	if err := s.RunNightly(context.Background()); err != nil {
		t.Fatalf("RunNightly: %v", err)
	}

	byStep := cronByStep(t, st)
	for _, name := range s.StepNames() {
		entry, ok := byStep[name]
		if !ok {
			t.Errorf("step %s has no cron row", name)
			continue
		}
		if entry.Status != models.StatusSuccess {
			t.Errorf("step %s status = %q (%s)", name, entry.Status, entry.Error)
		}
		if entry.FinishedAt == nil {
			t.Errorf("step %s never finished", name)
		}
		if entry.ID == "" {
			t.Errorf("step %s has no run id", name)
		}
	}
}

func TestRunNightlyFailureSkipsDownstream(t *testing.T) {
	// Every dataset 404s, so the ingest step fails outright.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()
	s, st := newScheduler(t, srv.URL)

	err := s.RunNightly(context.Background())
	if err == nil {
		t.Fatal("expected the run to fail")
	}
	if !strings.Contains(err.Error(), StepIngest) {
		t.Errorf("error does not name the failing step: %v", err)
	}

	byStep := cronByStep(t, st)
	if byStep[StepIngest].Status != models.StatusFailed {
		t.Errorf("ingest status = %q", byStep[StepIngest].Status)
	}
	for _, name := range []string{StepResolve, StepGraph, StepSignals, StepVelocity, StepBackup} {
		if byStep[name].Status != models.StatusSkipped {
			t.Errorf("step %s status = %q, want skipped", name, byStep[name].Status)
		}
	}
}

func TestRunStep(t *testing.T) {
	srv := emptyPortal(t)
	defer srv.Close()
	s, st := newScheduler(t, srv.URL)

	if err := s.RunStep(context.Background(), StepResolve); err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if got := cronByStep(t, st)[StepResolve].Status; got != models.StatusSuccess {
		t.Errorf("resolve status = %q", got)
	}

	if err := s.RunStep(context.Background(), "defrag_disk"); err == nil {
		t.Error("unknown step name accepted")
	}
}

func TestSweepLoopClearsStuckRunsOnStart(t *testing.T) {
	srv := emptyPortal(t)
	defer srv.Close()
	s, st := newScheduler(t, srv.URL)

	// A run left behind by a crashed process, well past twice the step
	// timeout.
	if err := st.CreateCronLog(context.Background(), models.CronLog{
		ID:        "orphaned-run",
		Step:      StepIngest,
		StartedAt: time.Now().UTC().Add(-24 * time.Hour),
		Status:    models.StatusRunning,
	}); err != nil {
		t.Fatalf("seed cron log: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.sweepLoop(ctx)

	// The sweep must land long before the first ticker interval.
	deadline := time.Now().Add(2 * time.Second)
	for {
		entry := cronByStep(t, st)[StepIngest]
		if entry.Status == models.StatusTimedOut {
			if entry.FinishedAt == nil {
				t.Error("swept run has no finish time")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("orphaned run not swept at startup: %+v", entry)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStepNamesOrder(t *testing.T) {
	srv := emptyPortal(t)
	defer srv.Close()
	s, _ := newScheduler(t, srv.URL)

	want := []string{StepIngest, StepResolve, StepGraph, StepSignals, StepVelocity, StepBackup}
	got := s.StepNames()
	if len(got) != len(want) {
		t.Fatalf("StepNames = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("step %d = %q, want %q", i, got[i], want[i])
		}
	}
}
