package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/permitsight/permitsight/pipeline/internal/signals"
	"github.com/permitsight/permitsight/pipeline/internal/store"
	"github.com/permitsight/permitsight/pipeline/internal/velocity"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

// Station review classifications.
const (
	ReviewNormal = "normal"
	ReviewSlow   = "slow"  // at or past the station's p75
	ReviewStuck  = "stuck" // at or past twice the station's p50
)

// Playbook urgency tags.
const (
	UrgencyNow  = "immediate"
	UrgencySoon = "this_week"
	UrgencyWait = "monitor"
)

// minDiagnosisSamples: a station is never called slow or stuck on the
// strength of a thin baseline.
const minDiagnosisSamples = 10

// StationDiagnosis is the state of one open review station.
type StationDiagnosis struct {
	Station        string     `json:"station"`
	AddendaNumber  int        `json:"addenda_number"`
	Reviewer       string     `json:"reviewer,omitempty"`
	ArriveDate     *time.Time `json:"arrive_date,omitempty"`
	DaysInReview   float64    `json:"days_in_review"`
	P50            float64    `json:"p50,omitempty"`
	P75            float64    `json:"p75,omitempty"`
	Classification string     `json:"classification"`
	Trend          string     `json:"trend,omitempty"`
}

// Action is one playbook step, tagged with urgency. Contact names come
// only from the routing data itself; nothing is invented.
type Action struct {
	Urgency string `json:"urgency"`
	Action  string `json:"action"`
}

// Diagnosis is the full stuck-permit report.
type Diagnosis struct {
	PermitNumber string                `json:"permit_number"`
	Status       string                `json:"status"`
	LastActivity *time.Time            `json:"last_activity,omitempty"`
	Signals      *models.PermitSignals `json:"signals,omitempty"`
	Stations     []StationDiagnosis    `json:"stations,omitempty"`
	Playbook     []Action              `json:"playbook,omitempty"`
}

// DiagnoseStuckPermit explains where a permit sits in review, how its open
// stations compare to their baselines, and what to do about it.
func (s *Service) DiagnoseStuckPermit(ctx context.Context, permitNumber string) (*Diagnosis, error) {
	if permitNumber == "" {
		return nil, badRequest("permit number is required")
	}
	permit, err := s.store.GetPermit(ctx, permitNumber)
	if err != nil {
		return nil, wrap("load permit", err)
	}
	addenda, err := s.store.AddendaByPermit(ctx, permitNumber)
	if err != nil {
		return nil, wrap("load routing", err)
	}
	inspections, err := s.store.InspectionsByPermit(ctx, permitNumber)
	if err != nil {
		return nil, wrap("load inspections", err)
	}

	d := &Diagnosis{
		PermitNumber: permitNumber,
		Status:       permit.Status,
		LastActivity: signals.LastActivity(*permit, addenda, inspections),
	}
	if sig, err := s.store.SignalsByPermit(ctx, permitNumber); err == nil {
		d.Signals = sig
	} else if !store.IsNotFound(err) {
		return nil, wrap("load signals", err)
	}

	now := time.Now().UTC()
	for _, a := range openStations(addenda) {
		sd := StationDiagnosis{
			Station:        a.Station,
			AddendaNumber:  a.AddendaNumber,
			Reviewer:       a.Reviewer,
			ArriveDate:     a.ArriveDate,
			Classification: ReviewNormal,
		}
		if a.ArriveDate != nil {
			sd.DaysInReview = now.Sub(*a.ArriveDate).Hours() / 24
		}

		cycle := models.CycleInitial
		if a.AddendaNumber >= 1 {
			cycle = models.CycleRevision
		}
		current := s.baselineFor(ctx, a.Station, permit.Neighborhood, models.PeriodCurrent, cycle)
		baseline := s.baselineFor(ctx, a.Station, permit.Neighborhood, models.PeriodBaseline, cycle)
		ref := current
		if ref == nil {
			ref = baseline
		}
		if ref != nil {
			sd.P50 = ref.P50
			sd.P75 = ref.P75
			if ref.SampleCount >= minDiagnosisSamples {
				switch {
				case sd.P50 > 0 && sd.DaysInReview >= 2*sd.P50:
					sd.Classification = ReviewStuck
				case sd.P75 > 0 && sd.DaysInReview >= sd.P75:
					sd.Classification = ReviewSlow
				}
			}
			sd.Trend = velocity.Trend(current, baseline)
		}
		d.Stations = append(d.Stations, sd)
	}
	sort.Slice(d.Stations, func(i, j int) bool {
		return d.Stations[i].DaysInReview > d.Stations[j].DaysInReview
	})

	d.Playbook = buildPlaybook(d)
	return d, nil
}

// openStations dedups reassignment rows and keeps only stations still
// holding the permit (no finish date), newest arrival per station+cycle.
func openStations(addenda []models.AddendaRouting) []models.AddendaRouting {
	type key struct {
		station string
		number  int
	}
	latest := map[key]models.AddendaRouting{}
	finished := map[key]bool{}
	for _, a := range addenda {
		k := key{a.Station, a.AddendaNumber}
		if a.FinishDate != nil {
			finished[k] = true
			continue
		}
		prev, ok := latest[k]
		if !ok || (a.ArriveDate != nil && (prev.ArriveDate == nil || a.ArriveDate.After(*prev.ArriveDate))) {
			latest[k] = a
		}
	}
	var out []models.AddendaRouting
	for k, a := range latest {
		if !finished[k] {
			out = append(out, a)
		}
	}
	return out
}

// baselineFor prefers the neighborhood-stratified row, falling back to the
// station-wide one.
func (s *Service) baselineFor(ctx context.Context, station, neighborhood, period, cycle string) *models.VelocityBaseline {
	if neighborhood != "" {
		if v, err := s.store.VelocityFor(ctx, station, neighborhood, period, cycle); err == nil {
			return v
		}
	}
	v, err := s.store.VelocityFor(ctx, station, "", period, cycle)
	if err != nil {
		return nil
	}
	return v
}

func buildPlaybook(d *Diagnosis) []Action {
	var out []Action

	if d.Signals != nil && (d.Signals.HoldComments || d.Signals.HoldStalled) {
		urgency := UrgencySoon
		if d.Signals.HoldStalled {
			urgency = UrgencyNow
		}
		out = append(out, Action{
			Urgency: urgency,
			Action:  "Respond to the hold comments on file; the review clock is stopped until the response lands.",
		})
	}
	for _, st := range d.Stations {
		switch st.Classification {
		case ReviewStuck:
			action := fmt.Sprintf("Request a status check at the %s station (%.0f days in review, typical is %.0f).",
				st.Station, st.DaysInReview, st.P50)
			if st.Reviewer != "" {
				action = fmt.Sprintf("Request a status check with %s at the %s station (%.0f days in review, typical is %.0f).",
					st.Reviewer, st.Station, st.DaysInReview, st.P50)
			}
			out = append(out, Action{Urgency: UrgencyNow, Action: action})
		case ReviewSlow:
			out = append(out, Action{
				Urgency: UrgencySoon,
				Action: fmt.Sprintf("The %s station is past its p75 (%.0f days); prepare revision materials so a comment round turns around fast.",
					st.Station, st.P75),
			})
		}
	}
	if d.Signals != nil && d.Signals.ExpiredUninspected {
		out = append(out, Action{
			Urgency: UrgencyNow,
			Action:  "The permit has expired without inspections; file for renewal or a new permit before scheduling work.",
		})
	}
	if d.Signals != nil && d.Signals.StaleWithActivity {
		out = append(out, Action{
			Urgency: UrgencySoon,
			Action:  "Work appears stalled mid-construction; schedule the next required inspection to keep the permit alive.",
		})
	}
	if len(out) == 0 {
		out = append(out, Action{
			Urgency: UrgencyWait,
			Action:  "All stations are within their normal review range; no intervention needed yet.",
		})
	}
	return out
}
