// Package signals derives the per-permit distress signals and the
// per-property health tiers from the raw tables. Signals are boolean with
// human-readable evidence; a property's tier summarizes how many distinct
// signal kinds fired across its permits and open violations.
package signals

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/permitsight/permitsight/pipeline/internal/store"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

const (
	// holdStalledAfterDays: an unreviewed open row older than this is a
	// stalled hold, not just a flag.
	holdStalledAfterDays = 30

	// Stale-with-activity: issued permit whose last recorded activity
	// falls in this age band, with real inspection history behind it.
	staleMinYears       = 2
	staleMaxYears       = 7
	staleMinInspections = 2
)

// Rows older than this predate reliable review_result data and are not
// eligible for hold_stalled.
var holdStalledSince = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

type Detector struct {
	store store.Store
	now   func() time.Time
}

func NewDetector(st store.Store) *Detector {
	return &Detector{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Rebuild recomputes every permit signal and property tier and swaps both
// tables. Returns (permits flagged, properties scored).
func (d *Detector) Rebuild(ctx context.Context) (int, int, error) {
	permits, err := d.store.ListPermits(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("signals: load permits: %w", err)
	}
	addenda, err := d.store.ListAddenda(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("signals: load addenda: %w", err)
	}
	inspections, err := d.store.ListInspections(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("signals: load inspections: %w", err)
	}
	violations, err := d.store.ListViolations(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("signals: load violations: %w", err)
	}

	addendaByPermit := map[string][]models.AddendaRouting{}
	for _, a := range addenda {
		addendaByPermit[a.PermitNumber] = append(addendaByPermit[a.PermitNumber], a)
	}
	inspectionsByPermit := map[string][]models.Inspection{}
	for _, i := range inspections {
		inspectionsByPermit[i.ReferenceNumber] = append(inspectionsByPermit[i.ReferenceNumber], i)
	}

	now := d.now()
	var flagged []models.PermitSignals
	signalsByPermit := map[string]models.PermitSignals{}
	for _, p := range permits {
		s := Detect(p, addendaByPermit[p.PermitNumber], inspectionsByPermit[p.PermitNumber], now)
		signalsByPermit[p.PermitNumber] = s
		if s.Any() {
			flagged = append(flagged, s)
		}
	}
	sort.Slice(flagged, func(i, j int) bool {
		return flagged[i].PermitNumber < flagged[j].PermitNumber
	})

	properties := scoreProperties(permits, signalsByPermit, violations, now)

	if err := d.store.ReplaceSignals(ctx, flagged, properties); err != nil {
		return 0, 0, fmt.Errorf("signals: swap: %w", err)
	}
	log.Info().Int("flagged_permits", len(flagged)).Int("properties", len(properties)).
		Msg("Signals refreshed")
	return len(flagged), len(properties), nil
}

// Detect evaluates one permit against its routing and inspection history.
// An expired permit never also reports hold signals; expiry supersedes
// whatever review state it died in.
func Detect(p models.Permit, addenda []models.AddendaRouting, inspections []models.Inspection, now time.Time) models.PermitSignals {
	s := models.PermitSignals{PermitNumber: p.PermitNumber, ComputedAt: now}

	expired := strings.EqualFold(strings.TrimSpace(p.Status), "expired")
	if expired && !hasFinalInspection(inspections) {
		s.ExpiredUninspected = true
		s.Evidence = append(s.Evidence, "permit expired without a final inspection")
	}

	if !expired {
		// hold_comments keys on the latest row per station; an older
		// comments row superseded by a clean one is no longer a hold.
		for _, a := range latestPerStation(addenda) {
			if a.FinishDate == nil && strings.EqualFold(strings.TrimSpace(a.ReviewResult), "Issued Comments") {
				s.HoldComments = true
				s.Evidence = append(s.Evidence, fmt.Sprintf("comments issued at %s, not resolved", a.Station))
			}
		}
		for _, a := range addenda {
			if a.ArriveDate == nil || a.ArriveDate.Before(holdStalledSince) {
				continue
			}
			if a.FinishDate != nil || strings.TrimSpace(a.ReviewResult) != "" {
				continue
			}
			if now.Sub(*a.ArriveDate) >= holdStalledAfterDays*24*time.Hour {
				s.HoldStalled = true
				s.Evidence = append(s.Evidence,
					fmt.Sprintf("unreviewed at %s for %d days", a.Station, int(now.Sub(*a.ArriveDate).Hours()/24)))
			}
		}
	}

	if staleWithActivity(p, addenda, inspections, now) {
		s.StaleWithActivity = true
		s.Evidence = append(s.Evidence,
			fmt.Sprintf("issued %s with %d inspections, then went quiet",
				p.IssuedDate.Format("2006-01-02"), len(inspections)))
	}
	return s
}

func hasFinalInspection(inspections []models.Inspection) bool {
	for _, i := range inspections {
		if strings.Contains(strings.ToLower(i.InspectionType), "final") {
			return true
		}
	}
	return false
}

// latestPerStation keeps the most recently arrived row for each station.
func latestPerStation(addenda []models.AddendaRouting) map[string]models.AddendaRouting {
	latest := map[string]models.AddendaRouting{}
	for _, a := range addenda {
		prev, ok := latest[a.Station]
		if !ok {
			latest[a.Station] = a
			continue
		}
		switch {
		case a.ArriveDate == nil:
		case prev.ArriveDate == nil, a.ArriveDate.After(*prev.ArriveDate):
			latest[a.Station] = a
		}
	}
	return latest
}

// staleWithActivity: an issued permit with real inspection history whose
// last recorded activity was 2 to 7 years ago.
func staleWithActivity(p models.Permit, addenda []models.AddendaRouting, inspections []models.Inspection, now time.Time) bool {
	if !strings.EqualFold(strings.TrimSpace(p.Status), "issued") || p.IssuedDate == nil {
		return false
	}
	real := 0
	for _, i := range inspections {
		if i.InspectionDate != nil {
			real++
		}
	}
	if real < staleMinInspections {
		return false
	}
	last := LastActivity(p, addenda, inspections)
	if last == nil {
		return false
	}
	quiet := now.Sub(*last)
	return quiet >= staleMinYears*365*24*time.Hour && quiet <= staleMaxYears*365*24*time.Hour
}

// LastActivity is the most recent of the permit's status date, any
// inspection date, and any addenda finish date.
func LastActivity(p models.Permit, addenda []models.AddendaRouting, inspections []models.Inspection) *time.Time {
	var last *time.Time
	consider := func(t *time.Time) {
		if t != nil && (last == nil || t.After(*last)) {
			last = t
		}
	}
	consider(p.StatusDate)
	for _, i := range inspections {
		consider(i.InspectionDate)
	}
	for _, a := range addenda {
		consider(a.FinishDate)
	}
	return last
}

// Statuses under which a permit is considered live on a parcel.
func activeStatus(status string) bool {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETE", "COMPLETED", "CANCELLED", "CANCELED", "EXPIRED", "WITHDRAWN":
		return false
	}
	return status != ""
}

// openViolation: anything not terminally closed out.
func openViolation(status string) bool {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "CLOSED", "ABATED", "RESOLVED":
		return false
	}
	return true
}

type parcel struct{ block, lot string }

// scoreProperties rolls permit signals and open violations up to parcels.
// Tiering counts distinct signal families, with the two hold signals
// counting once: two or more is HIGH_RISK, exactly one is AT_RISK unless
// that one is only a stalled hold, which is merely BEHIND. A clean parcel
// is ON_TRACK while it has live permits and QUIET otherwise.
func scoreProperties(permits []models.Permit, signalsByPermit map[string]models.PermitSignals,
	violations []models.Violation, now time.Time) []models.PropertyHealth {

	type parcelAgg struct {
		permitCount int
		active      int
		signals     map[string]struct{}
	}
	byParcel := map[parcel]*parcelAgg{}
	byStreet := map[string]parcel{}

	for _, p := range permits {
		if p.Block == "" || p.Lot == "" {
			continue
		}
		key := parcel{p.Block, p.Lot}
		agg := byParcel[key]
		if agg == nil {
			agg = &parcelAgg{signals: map[string]struct{}{}}
			byParcel[key] = agg
		}
		agg.permitCount++
		if activeStatus(p.Status) {
			agg.active++
		}
		if p.StreetNumber != "" && p.StreetName != "" {
			byStreet[p.StreetNumber+"|"+p.StreetName] = key
		}
		s := signalsByPermit[p.PermitNumber]
		if s.HoldComments {
			agg.signals[models.SignalHoldComments] = struct{}{}
		}
		if s.HoldStalled {
			agg.signals[models.SignalHoldStalled] = struct{}{}
		}
		if s.ExpiredUninspected {
			agg.signals[models.SignalExpiredUninspected] = struct{}{}
		}
		if s.StaleWithActivity {
			agg.signals[models.SignalStaleWithActivity] = struct{}{}
		}
	}

	// Violations join on parcel, falling back to the street address when
	// the complaint carries no block/lot.
	openByParcel := map[parcel]int{}
	for _, v := range violations {
		if !openViolation(v.Status) {
			continue
		}
		key := parcel{v.Block, v.Lot}
		if _, known := byParcel[key]; !known {
			if mapped, ok := byStreet[v.StreetNumber+"|"+v.StreetName]; ok {
				key = mapped
			}
		}
		if _, known := byParcel[key]; known {
			openByParcel[key]++
			byParcel[key].signals[models.SignalNOVOpen] = struct{}{}
		}
	}

	out := make([]models.PropertyHealth, 0, len(byParcel))
	for key, agg := range byParcel {
		names := make([]string, 0, len(agg.signals))
		for name := range agg.signals {
			names = append(names, name)
		}
		sort.Strings(names)

		families := 0
		_, holdComments := agg.signals[models.SignalHoldComments]
		_, holdStalled := agg.signals[models.SignalHoldStalled]
		if holdComments || holdStalled {
			families++
		}
		for _, name := range []string{models.SignalNOVOpen, models.SignalExpiredUninspected, models.SignalStaleWithActivity} {
			if _, ok := agg.signals[name]; ok {
				families++
			}
		}

		var tier models.HealthTier
		switch {
		case families >= 2:
			tier = models.TierHighRisk
		case families == 1 && holdStalled && !holdComments:
			tier = models.TierBehind
		case families == 1:
			tier = models.TierAtRisk
		case agg.active > 0:
			tier = models.TierOnTrack
		default:
			tier = models.TierQuiet
		}

		out = append(out, models.PropertyHealth{
			Block:          key.block,
			Lot:            key.lot,
			Tier:           tier,
			Signals:        names,
			PermitCount:    agg.permitCount,
			OpenViolations: openByParcel[key],
			ComputedAt:     now,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Block != out[j].Block {
			return out[i].Block < out[j].Block
		}
		return out[i].Lot < out[j].Lot
	})
	return out
}
