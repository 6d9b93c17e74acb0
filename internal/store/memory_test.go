package store

import (
	"context"
	"testing"
	"time"

	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

var (
	older = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
)

func TestUpsertContactsLastWriteWins(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	n, err := st.UpsertContacts(ctx, []models.Contact{
		{Source: models.SourceBuilding, PermitNumber: "P1", Seq: 0, Name: "ACME", DataAsOf: newer},
	})
	if err != nil || n != 1 {
		t.Fatalf("first upsert: n=%d err=%v", n, err)
	}

	// A stale replay must not clobber the newer row.
	n, err = st.UpsertContacts(ctx, []models.Contact{
		{Source: models.SourceBuilding, PermitNumber: "P1", Seq: 0, Name: "STALE NAME", DataAsOf: older},
	})
	if err != nil || n != 0 {
		t.Fatalf("stale upsert: n=%d err=%v", n, err)
	}

	rows, err := st.ListContacts(ctx)
	if err != nil || len(rows) != 1 {
		t.Fatalf("ListContacts: %d rows, err %v", len(rows), err)
	}
	if rows[0].Name != "ACME" {
		t.Errorf("stale write clobbered the row: %q", rows[0].Name)
	}
	if rows[0].ID != 1 {
		t.Errorf("contact id = %d, want 1", rows[0].ID)
	}
}

func TestUpsertContactsKeepsEntityID(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	st.UpsertContacts(ctx, []models.Contact{
		{Source: models.SourceBuilding, PermitNumber: "P1", Seq: 0, Name: "ACME", DataAsOf: older},
	})
	if err := st.ReplaceEntities(ctx, []models.Entity{{EntityID: 7, CanonicalName: "ACME"}},
		map[int64]int64{1: 7}); err != nil {
		t.Fatalf("ReplaceEntities: %v", err)
	}

	// A refreshed row keeps its assignment until the next resolver run.
	st.UpsertContacts(ctx, []models.Contact{
		{Source: models.SourceBuilding, PermitNumber: "P1", Seq: 0, Name: "ACME INC", DataAsOf: newer},
	})
	rows, _ := st.ListContacts(ctx)
	if rows[0].EntityID == nil || *rows[0].EntityID != 7 {
		t.Errorf("refresh dropped entity assignment: %+v", rows[0].EntityID)
	}
	if rows[0].Name != "ACME INC" {
		t.Errorf("refresh did not apply: %q", rows[0].Name)
	}
}

func TestReplaceEntitiesPrunesOrphanEdges(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	seed := []models.Entity{{EntityID: 1}, {EntityID: 2}, {EntityID: 3}}
	if err := st.ReplaceEntities(ctx, seed, nil); err != nil {
		t.Fatalf("ReplaceEntities: %v", err)
	}
	if err := st.ReplaceRelationships(ctx, []models.Relationship{
		{EntityA: 1, EntityB: 2, SharedPermits: 3},
		{EntityA: 2, EntityB: 3, SharedPermits: 1},
	}); err != nil {
		t.Fatalf("ReplaceRelationships: %v", err)
	}

	// Entity 3 disappears on the next resolver run; its edge must follow.
	if err := st.ReplaceEntities(ctx, seed[:2], nil); err != nil {
		t.Fatalf("ReplaceEntities: %v", err)
	}
	edges, err := st.ListRelationships(ctx, 0)
	if err != nil {
		t.Fatalf("ListRelationships: %v", err)
	}
	if len(edges) != 1 || edges[0].EntityB != 2 {
		t.Errorf("edges after shrink = %+v", edges)
	}
}

func TestSearchEntities(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	entities := []models.Entity{
		{EntityID: 1, CanonicalName: "ACME BUILDERS", EntityType: models.RoleContractor, PermitCount: 5},
		{EntityID: 2, CanonicalName: "ACME PLUMBING", EntityType: models.RoleContractor, PermitCount: 9},
		{EntityID: 3, CanonicalName: "JONES", CanonicalFirm: "ACME GROUP", EntityType: models.RoleArchitect, PermitCount: 2},
		{EntityID: 4, CanonicalName: "UNRELATED", EntityType: models.RoleContractor, PermitCount: 50},
	}
	if err := st.ReplaceEntities(ctx, entities, nil); err != nil {
		t.Fatalf("ReplaceEntities: %v", err)
	}

	got, err := st.SearchEntities(ctx, "acme", "", 0)
	if err != nil {
		t.Fatalf("SearchEntities: %v", err)
	}
	// Firm names match too; ranked by permit count.
	if len(got) != 3 || got[0].EntityID != 2 || got[1].EntityID != 1 || got[2].EntityID != 3 {
		t.Errorf("search result = %+v", got)
	}

	got, _ = st.SearchEntities(ctx, "acme", models.RoleArchitect, 0)
	if len(got) != 1 || got[0].EntityID != 3 {
		t.Errorf("type-filtered result = %+v", got)
	}

	got, _ = st.SearchEntities(ctx, "acme", "", 2)
	if len(got) != 2 {
		t.Errorf("limit ignored: %d rows", len(got))
	}
}

func TestNeighborsOf(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	st.ReplaceEntities(ctx, []models.Entity{{EntityID: 1}, {EntityID: 2}, {EntityID: 3}}, nil)
	st.ReplaceRelationships(ctx, []models.Relationship{
		{EntityA: 1, EntityB: 2, SharedPermits: 1},
		{EntityA: 1, EntityB: 3, SharedPermits: 4},
		{EntityA: 2, EntityB: 3, SharedPermits: 2},
	})

	got, err := st.NeighborsOf(ctx, 1)
	if err != nil {
		t.Fatalf("NeighborsOf: %v", err)
	}
	if len(got) != 2 || got[0].SharedPermits != 4 {
		t.Errorf("neighbors = %+v, want strongest edge first", got)
	}
}

func TestGetPermitNotFound(t *testing.T) {
	st := NewMemoryStore()
	_, err := st.GetPermit(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if IsNotFound(nil) {
		t.Error("IsNotFound(nil) = true")
	}
}

func TestSweepStuckCronJobs(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	stuckStart := time.Now().Add(-5 * time.Hour)
	recentStart := time.Now().Add(-10 * time.Minute)
	st.CreateCronLog(ctx, models.CronLog{ID: "stuck", Step: "ingest_delta",
		StartedAt: stuckStart, Status: models.StatusRunning})
	st.CreateCronLog(ctx, models.CronLog{ID: "live", Step: "build_graph",
		StartedAt: recentStart, Status: models.StatusRunning})

	n, err := st.SweepStuckCronJobs(ctx, 4*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("swept %d, err %v", n, err)
	}

	entries, _ := st.ListCronLog(ctx, 0)
	for _, e := range entries {
		switch e.ID {
		case "stuck":
			if e.Status != models.StatusTimedOut || e.FinishedAt == nil {
				t.Errorf("stuck row = %+v", e)
			}
		case "live":
			if e.Status != models.StatusRunning {
				t.Errorf("live row swept: %+v", e)
			}
		}
	}
}

func TestPruneOpsLogsKeepsRunningRows(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	before := cutoff.AddDate(0, 0, -1)
	after := cutoff.AddDate(0, 0, 1)

	st.CreateCronLog(ctx, models.CronLog{ID: "old-done", StartedAt: before, Status: models.StatusSuccess})
	st.CreateCronLog(ctx, models.CronLog{ID: "old-running", StartedAt: before, Status: models.StatusRunning})
	st.CreateCronLog(ctx, models.CronLog{ID: "new-done", StartedAt: after, Status: models.StatusSuccess})
	st.RecordIngest(ctx, models.IngestLog{DatasetID: "permits", StartedAt: before, Status: models.StatusSuccess})
	st.RecordIngest(ctx, models.IngestLog{DatasetID: "permits", StartedAt: after, Status: models.StatusSuccess})

	n, err := st.PruneOpsLogs(ctx, cutoff)
	if err != nil || n != 2 {
		t.Fatalf("pruned %d, err %v", n, err)
	}

	entries, _ := st.ListCronLog(ctx, 0)
	if len(entries) != 2 {
		t.Fatalf("cron rows = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.ID == "old-done" {
			t.Error("finished old row survived")
		}
	}
	ingests, _ := st.ListIngestLog(ctx, 0)
	if len(ingests) != 1 {
		t.Errorf("ingest rows = %d, want 1", len(ingests))
	}
}
