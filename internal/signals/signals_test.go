package signals

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/permitsight/permitsight/pipeline/internal/store"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

func tp(t time.Time) *time.Time { return &t }

var now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func TestDetectHold(t *testing.T) {
	p := models.Permit{PermitNumber: "P1", Status: "issued"}

	recent := now.AddDate(0, 0, -10)
	s := Detect(p, []models.AddendaRouting{
		{PermitNumber: "P1", Station: "CP-ZOC", ArriveDate: &recent, ReviewResult: "Issued Comments"},
	}, nil, now)
	if !s.HoldComments || s.HoldStalled {
		t.Errorf("open comments row: %+v", s)
	}
	if len(s.Evidence) == 0 || !strings.Contains(s.Evidence[0], "CP-ZOC") {
		t.Errorf("hold evidence = %v", s.Evidence)
	}

	// An unreviewed open row past thirty days is a stalled hold.
	old := now.AddDate(0, 0, -90)
	s = Detect(p, []models.AddendaRouting{
		{PermitNumber: "P1", Station: "BLDG", ArriveDate: &old},
	}, nil, now)
	if s.HoldComments || !s.HoldStalled {
		t.Errorf("90-day unreviewed row should be stalled: %+v", s)
	}

	// Only the latest row per station counts: a newer clean row
	// supersedes an older comments row.
	s = Detect(p, []models.AddendaRouting{
		{PermitNumber: "P1", Station: "BLDG", ArriveDate: &old, ReviewResult: "Issued Comments"},
		{PermitNumber: "P1", Station: "BLDG", ArriveDate: &recent},
	}, nil, now)
	if s.HoldComments || s.HoldStalled {
		t.Errorf("superseded comments row raised signals: %+v", s)
	}

	// A finished row is not a hold no matter what it says.
	done := now.AddDate(0, 0, -5)
	s = Detect(p, []models.AddendaRouting{
		{PermitNumber: "P1", Station: "BLDG", ArriveDate: &old, FinishDate: &done, ReviewResult: "Issued Comments"},
	}, nil, now)
	if s.Any() {
		t.Errorf("finished row raised signals: %+v", s)
	}

	// Rows predating 2020 never stall; the review_result column is not
	// trustworthy that far back.
	ancient := time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC)
	s = Detect(p, []models.AddendaRouting{
		{PermitNumber: "P1", Station: "BLDG", ArriveDate: &ancient},
	}, nil, now)
	if s.HoldStalled {
		t.Errorf("pre-2020 row flagged stalled: %+v", s)
	}
}

func TestDetectExpired(t *testing.T) {
	old := now.AddDate(0, 0, -90)
	addenda := []models.AddendaRouting{
		{PermitNumber: "P1", Station: "BLDG", ArriveDate: &old},
	}

	s := Detect(models.Permit{PermitNumber: "P1", Status: "expired"}, addenda, nil, now)
	if !s.ExpiredUninspected {
		t.Errorf("expected expired_uninspected: %+v", s)
	}
	// Expiry supersedes the hold state.
	if s.HoldComments || s.HoldStalled {
		t.Errorf("expired permit still reports holds: %+v", s)
	}

	// A rough inspection alone does not clear it; a final does.
	insp := now.AddDate(0, 0, -30)
	s = Detect(models.Permit{PermitNumber: "P1", Status: "expired"}, addenda,
		[]models.Inspection{{ReferenceNumber: "P1", InspectionType: "Rough Frame", InspectionDate: &insp}}, now)
	if !s.ExpiredUninspected {
		t.Errorf("rough-only permit not flagged: %+v", s)
	}
	s = Detect(models.Permit{PermitNumber: "P1", Status: "expired"}, addenda,
		[]models.Inspection{{ReferenceNumber: "P1", InspectionType: "Final Inspection", InspectionDate: &insp}}, now)
	if s.ExpiredUninspected {
		t.Errorf("finaled permit flagged expired_uninspected: %+v", s)
	}
}

func TestDetectStaleWithActivity(t *testing.T) {
	issued := now.AddDate(-4, 0, 0)
	lastSeen := now.AddDate(-3, 0, 0)
	p := models.Permit{PermitNumber: "P1", Status: "issued", IssuedDate: &issued, StatusDate: &issued}
	inspections := []models.Inspection{
		{ReferenceNumber: "P1", InspectionDate: tp(lastSeen.AddDate(0, -6, 0))},
		{ReferenceNumber: "P1", InspectionDate: &lastSeen},
	}

	// Last activity three years ago sits inside the 2-7 year band.
	s := Detect(p, nil, inspections, now)
	if !s.StaleWithActivity {
		t.Errorf("expected stale_with_activity: %+v", s)
	}

	// Recent activity moves the permit out of the band.
	fresh := now.AddDate(0, 0, -10)
	s = Detect(p, nil, append(inspections, models.Inspection{ReferenceNumber: "P1", InspectionDate: &fresh}), now)
	if s.StaleWithActivity {
		t.Errorf("active permit flagged stale: %+v", s)
	}

	// One inspection is not enough history.
	s = Detect(p, nil, inspections[1:], now)
	if s.StaleWithActivity {
		t.Errorf("single inspection flagged stale: %+v", s)
	}

	// A site silent for nine years is beyond the band, not stale.
	ancient := now.AddDate(-9, 0, 0)
	p2 := models.Permit{PermitNumber: "P2", Status: "issued", IssuedDate: &ancient, StatusDate: &ancient}
	oldInspections := []models.Inspection{
		{ReferenceNumber: "P2", InspectionDate: tp(ancient.AddDate(0, 1, 0))},
		{ReferenceNumber: "P2", InspectionDate: tp(ancient.AddDate(0, 2, 0))},
	}
	if s := Detect(p2, nil, oldInspections, now); s.StaleWithActivity {
		t.Errorf("nine-year-quiet permit flagged stale: %+v", s)
	}
}

func TestLastActivity(t *testing.T) {
	early := now.AddDate(0, 0, -100)
	mid := now.AddDate(0, 0, -50)
	late := now.AddDate(0, 0, -10)
	got := LastActivity(
		models.Permit{StatusDate: &early},
		[]models.AddendaRouting{{FinishDate: &late}},
		[]models.Inspection{{InspectionDate: &mid}},
	)
	if got == nil || !got.Equal(late) {
		t.Errorf("LastActivity = %v, want %v", got, late)
	}
	if got := LastActivity(models.Permit{}, nil, nil); got != nil {
		t.Errorf("no dates: LastActivity = %v, want nil", got)
	}
}

func TestRebuildTiers(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	permits := []models.Permit{
		// Parcel 0100/001: hold family + expired sibling + open NOV lands
		// at three distinct signal families.
		{PermitNumber: "P1", Status: "issued", Block: "0100", Lot: "001",
			StreetNumber: "10", StreetName: "MAIN", DataAsOf: now},
		{PermitNumber: "P2", Status: "expired", Block: "0100", Lot: "001", DataAsOf: now},
		// Parcel 0200/002: live permit, nothing wrong.
		{PermitNumber: "P3", Status: "issued", Block: "0200", Lot: "002", DataAsOf: now},
		// Parcel 0300/003: everything complete.
		{PermitNumber: "P4", Status: "complete", Block: "0300", Lot: "003", DataAsOf: now},
		// Parcel 0400/004: a stalled hold and nothing else.
		{PermitNumber: "P5", Status: "issued", Block: "0400", Lot: "004", DataAsOf: now},
	}
	if _, err := st.UpsertPermits(ctx, permits); err != nil {
		t.Fatalf("seed permits: %v", err)
	}

	old := now.AddDate(0, 0, -90)
	if _, err := st.UpsertAddenda(ctx, []models.AddendaRouting{
		{PermitNumber: "P1", Station: "BLDG", AddendaNumber: 0, ArriveDate: &old,
			ReviewResult: "Issued Comments", DataAsOf: now},
		{PermitNumber: "P1", Station: "CP-ZOC", AddendaNumber: 0, ArriveDate: &old, DataAsOf: now},
		{PermitNumber: "P5", Station: "BLDG", AddendaNumber: 0, ArriveDate: &old, DataAsOf: now},
	}); err != nil {
		t.Fatalf("seed addenda: %v", err)
	}

	// Open violation with no block/lot joins through the street address.
	if _, err := st.UpsertViolations(ctx, []models.Violation{
		{ComplaintNum: "C1", Status: "open", StreetNumber: "10", StreetName: "MAIN", DataAsOf: now},
		{ComplaintNum: "C2", Status: "closed", Block: "0200", Lot: "002", DataAsOf: now},
	}); err != nil {
		t.Fatalf("seed violations: %v", err)
	}

	d := NewDetector(st)
	d.now = func() time.Time { return now }
	flagged, scored, err := d.Rebuild(ctx)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if flagged != 3 {
		t.Errorf("flagged permits = %d, want 3", flagged)
	}
	if scored != 4 {
		t.Errorf("scored properties = %d, want 4", scored)
	}

	risky, err := st.HealthByParcel(ctx, "0100", "001")
	if err != nil {
		t.Fatalf("HealthByParcel: %v", err)
	}
	if risky.Tier != models.TierHighRisk {
		t.Errorf("parcel 0100/001 tier = %q, want HIGH_RISK", risky.Tier)
	}
	if risky.OpenViolations != 1 {
		t.Errorf("open violations = %d, want 1", risky.OpenViolations)
	}
	wantSignals := map[string]bool{
		models.SignalHoldComments:       true,
		models.SignalHoldStalled:        true,
		models.SignalExpiredUninspected: true,
		models.SignalNOVOpen:            true,
	}
	if len(risky.Signals) != len(wantSignals) {
		t.Fatalf("parcel signals = %v", risky.Signals)
	}
	for _, name := range risky.Signals {
		if !wantSignals[name] {
			t.Errorf("unexpected signal %q", name)
		}
	}

	clean, err := st.HealthByParcel(ctx, "0200", "002")
	if err != nil || clean.Tier != models.TierOnTrack {
		t.Errorf("parcel 0200/002 = %+v, err %v", clean, err)
	}
	quiet, err := st.HealthByParcel(ctx, "0300", "003")
	if err != nil || quiet.Tier != models.TierQuiet {
		t.Errorf("parcel 0300/003 = %+v, err %v", quiet, err)
	}
	// A lone stalled hold is behind schedule, not at risk.
	behind, err := st.HealthByParcel(ctx, "0400", "004")
	if err != nil || behind.Tier != models.TierBehind {
		t.Errorf("parcel 0400/004 = %+v, err %v", behind, err)
	}
}
