package query

import (
	"context"
	"testing"
	"time"

	"github.com/permitsight/permitsight/pipeline/internal/store"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

func seedDiagnose(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := st.UpsertPermits(ctx, []models.Permit{
		{PermitNumber: "P1", Status: "filed", DataAsOf: now},
	}); err != nil {
		t.Fatalf("seed permit: %v", err)
	}

	arrived := now.AddDate(0, 0, -40)
	finishedArrive := now.AddDate(0, 0, -60)
	finished := now.AddDate(0, 0, -50)
	if _, err := st.UpsertAddenda(ctx, []models.AddendaRouting{
		{PermitNumber: "P1", Station: "BLDG", AddendaNumber: 0,
			ArriveDate: &arrived, Reviewer: "CHAN K", DataAsOf: now},
		// Already finished; must not show up as an open station.
		{PermitNumber: "P1", Station: "CP-ZOC", AddendaNumber: 0,
			ArriveDate: &finishedArrive, FinishDate: &finished, DataAsOf: now},
	}); err != nil {
		t.Fatalf("seed addenda: %v", err)
	}

	if err := st.ReplaceVelocity(ctx, []models.VelocityBaseline{
		{Station: "BLDG", Period: models.PeriodBaseline, CycleType: models.CycleInitial,
			P25: 5, P50: 10, P75: 15, P90: 25, SampleCount: 40},
	}); err != nil {
		t.Fatalf("seed velocity: %v", err)
	}
	return st
}

func TestDiagnoseStuckPermit(t *testing.T) {
	svc := NewService(seedDiagnose(t))

	d, err := svc.DiagnoseStuckPermit(context.Background(), "P1")
	if err != nil {
		t.Fatalf("DiagnoseStuckPermit: %v", err)
	}
	if d.Status != "filed" {
		t.Errorf("status = %q", d.Status)
	}
	if len(d.Stations) != 1 {
		t.Fatalf("open stations = %+v", d.Stations)
	}

	st := d.Stations[0]
	if st.Station != "BLDG" || st.Reviewer != "CHAN K" {
		t.Errorf("station = %+v", st)
	}
	if st.DaysInReview < 39 || st.DaysInReview > 41 {
		t.Errorf("days in review = %v", st.DaysInReview)
	}
	// Forty days against a p50 of ten is past the 2x stuck line.
	if st.Classification != ReviewStuck {
		t.Errorf("classification = %q", st.Classification)
	}
	if st.P50 != 10 || st.P75 != 15 {
		t.Errorf("station percentiles = %+v", st)
	}

	var urgent bool
	for _, a := range d.Playbook {
		if a.Urgency == UrgencyNow {
			urgent = true
		}
	}
	if !urgent {
		t.Errorf("stuck permit playbook has no immediate step: %+v", d.Playbook)
	}
}

func TestDiagnoseHealthyPermit(t *testing.T) {
	st := seedDiagnose(t)
	ctx := context.Background()

	// Close out the last open station; the playbook falls back to monitor.
	now := time.Now().UTC()
	arrived := now.AddDate(0, 0, -40)
	if _, err := st.UpsertAddenda(ctx, []models.AddendaRouting{
		{PermitNumber: "P1", Station: "BLDG", AddendaNumber: 0,
			ArriveDate: &arrived, FinishDate: &now, DataAsOf: now.Add(time.Hour)},
	}); err != nil {
		t.Fatalf("finish station: %v", err)
	}

	d, err := NewService(st).DiagnoseStuckPermit(ctx, "P1")
	if err != nil {
		t.Fatalf("DiagnoseStuckPermit: %v", err)
	}
	if len(d.Stations) != 0 {
		t.Errorf("open stations = %+v", d.Stations)
	}
	if len(d.Playbook) != 1 || d.Playbook[0].Urgency != UrgencyWait {
		t.Errorf("playbook = %+v", d.Playbook)
	}
}

func TestDiagnoseValidation(t *testing.T) {
	svc := NewService(seedDiagnose(t))

	_, err := svc.DiagnoseStuckPermit(context.Background(), "")
	if ErrKind(err) != KindBadRequest {
		t.Errorf("blank permit: kind = %v", ErrKind(err))
	}
	_, err = svc.DiagnoseStuckPermit(context.Background(), "missing")
	if ErrKind(err) != KindNotFound {
		t.Errorf("unknown permit: kind = %v, err %v", ErrKind(err), err)
	}
}
