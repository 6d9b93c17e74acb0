package ingest

import (
	"testing"

	"github.com/permitsight/permitsight/pipeline/internal/soda"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

const asOf = "2026-01-02T03:04:05.000"

func TestContactFromRecord(t *testing.T) {
	seq := map[string]int{}

	rec := soda.Record{
		"permit_number":  "202601010001",
		"data_as_of":     asOf,
		"contact_type":   "Contractor",
		"name":           "Smith Construction, Inc.",
		"pts_agent_id":   "A-100",
		"license_number": "L-200",
	}
	c, ok := contactFromRecord(models.SourceBuilding, rec, seq)
	if !ok {
		t.Fatal("expected contact to convert")
	}
	if c.Name != "SMITH CONSTRUCTION INC" {
		t.Errorf("Name = %q", c.Name)
	}
	if c.Role != models.RoleContractor {
		t.Errorf("Role = %q", c.Role)
	}
	if c.PTSAgentID != "A-100" || c.LicenseNumber != "L-200" {
		t.Errorf("ids not carried: %+v", c)
	}
	if c.Seq != 0 {
		t.Errorf("first row Seq = %d, want 0", c.Seq)
	}

	// Second row on the same permit gets the next seq.
	c2, ok := contactFromRecord(models.SourceBuilding, rec, seq)
	if !ok || c2.Seq != 1 {
		t.Errorf("second row Seq = %d, want 1", c2.Seq)
	}
}

func TestContactFromRecordNameFallbacks(t *testing.T) {
	seq := map[string]int{}

	// first+last fallback
	rec := soda.Record{
		"permit_number": "P1", "data_as_of": asOf,
		"first_name": "Jane", "last_name": "Doe",
	}
	c, ok := contactFromRecord(models.SourceElectrical, rec, seq)
	if !ok || c.Name != "JANE DOE" {
		t.Errorf("first+last fallback: %q, ok=%v", c.Name, ok)
	}

	// firm fallback
	rec = soda.Record{
		"permit_number": "P1", "data_as_of": asOf,
		"firm_name": "ACME Electric",
	}
	c, ok = contactFromRecord(models.SourceElectrical, rec, seq)
	if !ok || c.Name != "ACME ELECTRIC" {
		t.Errorf("firm fallback: %q, ok=%v", c.Name, ok)
	}

	// no name at all rejects the row
	rec = soda.Record{"permit_number": "P1", "data_as_of": asOf}
	if _, ok = contactFromRecord(models.SourceElectrical, rec, seq); ok {
		t.Error("row without any name should be rejected")
	}
}

func TestContactFromRecordRejects(t *testing.T) {
	seq := map[string]int{}
	if _, ok := contactFromRecord(models.SourceBuilding, soda.Record{"data_as_of": asOf, "name": "X"}, seq); ok {
		t.Error("row without permit number should be rejected")
	}
	if _, ok := contactFromRecord(models.SourceBuilding, soda.Record{"permit_number": "P1", "name": "X"}, seq); ok {
		t.Error("row without data_as_of should be rejected")
	}
}

func TestContactFromRecordSourceAliases(t *testing.T) {
	seq := map[string]int{}

	// The electrical feed names the license column license1; pts_agent_id
	// only exists on the building feed.
	rec := soda.Record{
		"permit_number": "P1", "data_as_of": asOf,
		"name": "ACME", "license1": "E-1", "pts_agent_id": "A-1",
	}
	c, ok := contactFromRecord(models.SourceElectrical, rec, seq)
	if !ok {
		t.Fatal("expected conversion")
	}
	if c.LicenseNumber != "E-1" {
		t.Errorf("license1 alias not read: %q", c.LicenseNumber)
	}
	if c.PTSAgentID != "" {
		t.Errorf("pts_agent_id should be building-only, got %q", c.PTSAgentID)
	}
}

func TestPermitFromRecord(t *testing.T) {
	rec := soda.Record{
		"permit_number":          "202601010001",
		"data_as_of":             asOf,
		"permit_type_definition": "additions alterations or repairs",
		"current_status":         "issued",
		"filed_date":             "2025-10-01",
		"estimated_cost":         "$1,500,000",
	}
	rec["neighborhoods_analysis_boundaries"] = "Mission"
	p, ok := permitFromRecord(rec)
	if !ok {
		t.Fatal("expected permit to convert")
	}
	if p.PermitType != "additions alterations or repairs" {
		t.Errorf("PermitType = %q", p.PermitType)
	}
	if p.Status != "issued" {
		t.Errorf("Status = %q", p.Status)
	}
	if p.EstimatedCost == nil || *p.EstimatedCost != 1_500_000 {
		t.Errorf("EstimatedCost = %v", p.EstimatedCost)
	}
	if p.Neighborhood != "Mission" {
		t.Errorf("Neighborhood = %q", p.Neighborhood)
	}
	if p.FiledDate == nil || p.FiledDate.Year() != 2025 {
		t.Errorf("FiledDate = %v", p.FiledDate)
	}

	// revised_cost is the fallback when estimated_cost is absent.
	rec = soda.Record{"permit_number": "P2", "data_as_of": asOf, "revised_cost": "250000"}
	p, ok = permitFromRecord(rec)
	if !ok || p.EstimatedCost == nil || *p.EstimatedCost != 250_000 {
		t.Errorf("revised_cost fallback: %+v ok=%v", p.EstimatedCost, ok)
	}
}

func TestAddendaFromRecord(t *testing.T) {
	rec := soda.Record{
		"application_number": "202601010001",
		"data_as_of":         asOf,
		"review_station":     "CP-ZOC",
		"addenda_number":     "2",
		"arrive_date":        "2026-01-05",
		"assigned_to_name":   "Pat Reviewer",
	}
	a, ok := addendaFromRecord(rec)
	if !ok {
		t.Fatal("expected addenda to convert")
	}
	if a.PermitNumber != "202601010001" {
		t.Errorf("application_number alias not read: %q", a.PermitNumber)
	}
	if a.Station != "CP-ZOC" || a.AddendaNumber != 2 {
		t.Errorf("station/number: %q %d", a.Station, a.AddendaNumber)
	}
	if a.Reviewer != "PAT REVIEWER" {
		t.Errorf("Reviewer = %q", a.Reviewer)
	}
	if a.FinishDate != nil {
		t.Errorf("FinishDate should be nil for an open row, got %v", a.FinishDate)
	}
}

func TestViolationFromRecord(t *testing.T) {
	rec := soda.Record{
		"nov_number": "C-100",
		"data_as_of": asOf,
		"status":     "open",
		"filed_date": "2025-12-01",
	}
	v, ok := violationFromRecord(rec)
	if !ok {
		t.Fatal("expected violation to convert")
	}
	if v.ComplaintNum != "C-100" {
		t.Errorf("nov_number alias not read: %q", v.ComplaintNum)
	}
	if v.FiledDate == nil || v.FiledDate.Month() != 12 {
		t.Errorf("filed_date fallback: %v", v.FiledDate)
	}
}

func TestInspectionFromRecord(t *testing.T) {
	rec := soda.Record{
		"permit_number":          "P1",
		"data_as_of":             asOf,
		"inspection_description": "final",
		"inspector":              "lee, kim",
		"inspection_date":        "2026-02-01",
	}
	i, ok := inspectionFromRecord(rec)
	if !ok {
		t.Fatal("expected inspection to convert")
	}
	if i.ReferenceNumber != "P1" {
		t.Errorf("permit_number alias not read: %q", i.ReferenceNumber)
	}
	if i.Inspector != "LEE KIM" {
		t.Errorf("Inspector = %q", i.Inspector)
	}
	if i.InspectionType != "final" {
		t.Errorf("InspectionType = %q", i.InspectionType)
	}
}
