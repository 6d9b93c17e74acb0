package query

import (
	"context"
	"testing"
	"time"

	"github.com/permitsight/permitsight/pipeline/internal/store"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

func tp(t time.Time) *time.Time { return &t }

func day(d int) time.Time {
	return time.Date(2026, 1, d, 0, 0, 0, 0, time.UTC)
}

func seedSearch(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := st.UpsertPermits(ctx, []models.Permit{
		{PermitNumber: "P1", PermitType: "alterations", FiledDate: tp(day(5)), DataAsOf: day(10)},
		{PermitNumber: "P2", PermitType: "alterations", FiledDate: tp(day(1)), DataAsOf: day(10)},
	}); err != nil {
		t.Fatalf("seed permits: %v", err)
	}

	// Contact ids 1 and 2 belong to entity 1.
	if _, err := st.UpsertContacts(ctx, []models.Contact{
		{Source: models.SourceBuilding, PermitNumber: "P1", Seq: 0, Role: models.RoleContractor, Name: "ACME BUILDERS", DataAsOf: day(10)},
		{Source: models.SourceBuilding, PermitNumber: "P2", Seq: 0, Role: models.RoleContractor, Name: "ACME BUILDERS", DataAsOf: day(10)},
	}); err != nil {
		t.Fatalf("seed contacts: %v", err)
	}

	entities := []models.Entity{
		{EntityID: 1, CanonicalName: "ACME BUILDERS", EntityType: models.RoleContractor, PermitCount: 2, ContactCount: 2},
		{EntityID: 2, CanonicalName: "SMITH CONSTRUCTION", EntityType: models.RoleContractor, PermitCount: 1},
	}
	if err := st.ReplaceEntities(ctx, entities, map[int64]int64{1: 1, 2: 1}); err != nil {
		t.Fatalf("seed entities: %v", err)
	}
	if err := st.ReplaceRelationships(ctx, []models.Relationship{
		{EntityA: 1, EntityB: 2, SharedPermits: 3},
	}); err != nil {
		t.Fatalf("seed edges: %v", err)
	}
	return st
}

func TestSearchEntity(t *testing.T) {
	svc := NewService(seedSearch(t))

	matches, err := svc.SearchEntity(context.Background(), "acme", "", 0)
	if err != nil {
		t.Fatalf("SearchEntity: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	m := matches[0]
	if m.Entity.EntityID != 1 {
		t.Errorf("matched entity = %d", m.Entity.EntityID)
	}

	// Most recently filed first.
	if len(m.RecentPermits) != 2 || m.RecentPermits[0].PermitNumber != "P1" {
		t.Errorf("recent permits = %+v", m.RecentPermits)
	}

	if len(m.TopAssociates) != 1 {
		t.Fatalf("associates = %+v", m.TopAssociates)
	}
	assoc := m.TopAssociates[0]
	if assoc.EntityID != 2 || assoc.CanonicalName != "SMITH CONSTRUCTION" || assoc.SharedPermits != 3 {
		t.Errorf("associate = %+v", assoc)
	}
}

func TestSearchEntityValidation(t *testing.T) {
	svc := NewService(seedSearch(t))

	_, err := svc.SearchEntity(context.Background(), "   ", "", 0)
	if ErrKind(err) != KindBadRequest {
		t.Errorf("blank name: kind = %v, err %v", ErrKind(err), err)
	}

	// No hits is an empty result, not an error.
	matches, err := svc.SearchEntity(context.Background(), "nonexistent", "", 0)
	if err != nil || len(matches) != 0 {
		t.Errorf("miss: %d matches, err %v", len(matches), err)
	}
}
