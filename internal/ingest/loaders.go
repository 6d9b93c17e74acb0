package ingest

import (
	"github.com/permitsight/permitsight/pipeline/internal/soda"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
	"github.com/rs/zerolog/log"
)

// Field names drift across the source feeds (the electrical feed calls the
// license column license1, the addenda feed keys on application_number).
// firstStr takes aliases in preference order.
func firstStr(rec soda.Record, keys ...string) string {
	for _, k := range keys {
		if v := rec.Str(k); v != "" {
			return v
		}
	}
	return ""
}

// contactFromRecord converts one source row into a unified contact. seq
// assigns the row position within its permit; rows without a permit number
// or a parsable data_as_of are rejected.
func contactFromRecord(source string, rec soda.Record, seq map[string]int) (models.Contact, bool) {
	permit := firstStr(rec, "permit_number", "application_number")
	if permit == "" {
		return models.Contact{}, false
	}
	asOf, ok := rec.Time("data_as_of")
	if !ok || asOf == nil {
		return models.Contact{}, false
	}

	c := models.Contact{
		Source:       source,
		PermitNumber: permit,
		Seq:          seq[permit],
		FirstName:    NormalizeName(rec.Str("first_name")),
		LastName:     NormalizeName(rec.Str("last_name")),
		FirmName:     NormalizeName(firstStr(rec, "firm_name", "company_name")),
		Phone:        rec.Str("phone"),
		StreetNumber: rec.Str("street_number"),
		StreetName:   NormalizeName(rec.Str("street_name")),
		City:         NormalizeName(rec.Str("city")),
		State:        rec.Str("state"),
		Zip:          rec.Str("zip"),
		IsApplicant:  rec.Bool("is_applicant"),
		DataAsOf:     *asOf,
	}
	seq[permit]++

	c.Role = CanonicalRole(source, firstStr(rec, "contact_type", "role"))
	c.LicenseNumber = firstStr(rec, "license_number", "license1")
	c.SFBusinessLicense = firstStr(rec, "sf_business_license", "business_license")
	if source == models.SourceBuilding {
		c.PTSAgentID = firstStr(rec, "pts_agent_id", "agent_id")
	}

	// Full name: prefer the explicit name column, else first+last, else
	// fall back to the firm.
	c.Name = NormalizeName(rec.Str("name"))
	if c.Name == "" {
		c.Name = JoinName(c.FirstName, c.LastName)
	}
	if c.Name == "" {
		c.Name = c.FirmName
	}
	if c.Name == "" {
		return models.Contact{}, false
	}

	if from, ok := rec.Time("from_date"); ok {
		c.FromDate = from
	}
	return c, true
}

func permitFromRecord(rec soda.Record) (models.Permit, bool) {
	number := rec.Str("permit_number")
	asOf, ok := rec.Time("data_as_of")
	if number == "" || !ok || asOf == nil {
		return models.Permit{}, false
	}
	p := models.Permit{
		PermitNumber: number,
		PermitType:   firstStr(rec, "permit_type_definition", "permit_type"),
		Status:       firstStr(rec, "status", "current_status"),
		StreetNumber: rec.Str("street_number"),
		StreetName:   NormalizeName(rec.Str("street_name")),
		Neighborhood: firstStr(rec, "neighborhoods_analysis_boundaries", "neighborhood"),
		Block:        rec.Str("block"),
		Lot:          rec.Str("lot"),
		Description:  rec.Str("description"),
		DataAsOf:     *asOf,
	}
	p.StatusDate, _ = rec.Time("status_date")
	p.FiledDate, _ = rec.Time("filed_date")
	p.IssuedDate, _ = rec.Time("issued_date")
	p.ApprovedDate, _ = rec.Time("approved_date")
	p.CompletedDate, _ = rec.Time("completed_date")
	if cost, ok := rec.Float("estimated_cost"); ok {
		p.EstimatedCost = &cost
	} else if cost, ok := rec.Float("revised_cost"); ok {
		p.EstimatedCost = &cost
	}
	return p, true
}

func inspectionFromRecord(rec soda.Record) (models.Inspection, bool) {
	ref := firstStr(rec, "reference_number", "permit_number")
	asOf, ok := rec.Time("data_as_of")
	if ref == "" || !ok || asOf == nil {
		return models.Inspection{}, false
	}
	i := models.Inspection{
		ReferenceNumber: ref,
		InspectionType:  firstStr(rec, "inspection_type", "inspection_description"),
		Result:          firstStr(rec, "result", "inspection_status"),
		Inspector:       NormalizeName(rec.Str("inspector")),
		DataAsOf:        *asOf,
	}
	i.InspectionDate, _ = rec.Time("inspection_date")
	return i, true
}

func addendaFromRecord(rec soda.Record) (models.AddendaRouting, bool) {
	permit := firstStr(rec, "permit_number", "application_number")
	asOf, ok := rec.Time("data_as_of")
	if permit == "" || !ok || asOf == nil {
		return models.AddendaRouting{}, false
	}
	a := models.AddendaRouting{
		PermitNumber:    permit,
		Station:         firstStr(rec, "station", "review_station"),
		ReviewResult:    firstStr(rec, "review_result", "review_results"),
		HoldDescription: rec.Str("hold_description"),
		Reviewer:        NormalizeName(firstStr(rec, "reviewer", "assigned_to_name")),
		DataAsOf:        *asOf,
	}
	a.AddendaNumber, _ = rec.Int("addenda_number")
	a.ArriveDate, _ = rec.Time("arrive_date")
	a.FinishDate, _ = rec.Time("finish_date")
	return a, true
}

func violationFromRecord(rec soda.Record) (models.Violation, bool) {
	num := firstStr(rec, "complaint_number", "nov_number")
	asOf, ok := rec.Time("data_as_of")
	if num == "" || !ok || asOf == nil {
		return models.Violation{}, false
	}
	v := models.Violation{
		ComplaintNum: num,
		Block:        rec.Str("block"),
		Lot:          rec.Str("lot"),
		StreetNumber: rec.Str("street_number"),
		StreetName:   NormalizeName(rec.Str("street_name")),
		Status:       rec.Str("status"),
		Description:  firstStr(rec, "description", "nov_category_description"),
		DataAsOf:     *asOf,
	}
	v.FiledDate, _ = rec.Time("date_filed")
	if v.FiledDate == nil {
		v.FiledDate, _ = rec.Time("filed_date")
	}
	return v, true
}

func warnSkipped(dataset string, n int) {
	if n > 0 {
		log.Warn().Str("dataset", dataset).Int("skipped", n).
			Msg("Rows rejected during ingest")
	}
}
