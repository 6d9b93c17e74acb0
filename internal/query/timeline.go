package query

import (
	"context"
	"sort"

	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

// Timeline estimate confidence, graded on the thinnest stratum used.
const (
	confidenceHighAt   = 100
	confidenceMediumAt = 10
)

// TimelineRequest asks for a review-time estimate: for an existing
// permit's remaining stations, for an explicit station list, or for a
// hypothetical project described by review triggers.
type TimelineRequest struct {
	PermitNumber        string   `json:"permit_number,omitempty"`
	Stations            []string `json:"stations,omitempty"`
	Triggers            []string `json:"triggers,omitempty"`
	PermitType          string   `json:"permit_type,omitempty"`
	Neighborhood        string   `json:"neighborhood,omitempty"`
	MonthlyCarryingCost float64  `json:"monthly_carrying_cost,omitempty"`
}

// triggerStations maps project review triggers to the routing stations
// they pull a permit through.
var triggerStations = map[string][]string{
	"structural":   {"BLDG"},
	"planning":     {"CP-ZOC"},
	"fire":         {"SFFD"},
	"health":       {"DPH"},
	"public_works": {"DPW-BSM"},
	"electrical":   {"BLDG-ELEC"},
	"plumbing":     {"BLDG-PLUM"},
	"mechanical":   {"BLDG-MECH"},
}

// StationEstimate is one station's contribution to the timeline.
type StationEstimate struct {
	Station      string  `json:"station"`
	Neighborhood string  `json:"neighborhood,omitempty"` // "" when the station-wide row was used
	CycleType    string  `json:"cycle_type"`
	P25          float64 `json:"p25"`
	P50          float64 `json:"p50"`
	P75          float64 `json:"p75"`
	P90          float64 `json:"p90"`
	SampleCount  int     `json:"sample_count"`
}

// TimelineEstimate is the summed station-by-station forecast.
type TimelineEstimate struct {
	ExpectedDays    float64           `json:"expected_days"`    // sum of p50s
	OptimisticDays  float64           `json:"optimistic_days"`  // sum of p25s
	PessimisticDays float64           `json:"pessimistic_days"` // sum of p90s
	Confidence      models.Confidence `json:"confidence"`
	Stations        []StationEstimate `json:"stations"`
	CarryingCost    float64           `json:"carrying_cost,omitempty"` // expected days at the monthly rate
}

// EstimateTimeline forecasts total remaining review time by summing
// per-station percentile baselines. Stations in sequence are assumed; the
// estimate is an upper bound when stations actually review in parallel.
func (s *Service) EstimateTimeline(ctx context.Context, req TimelineRequest) (*TimelineEstimate, error) {
	type pending struct {
		station string
		cycle   string
	}
	var stations []pending
	neighborhood := req.Neighborhood

	switch {
	case req.PermitNumber != "":
		permit, err := s.store.GetPermit(ctx, req.PermitNumber)
		if err != nil {
			return nil, wrap("load permit", err)
		}
		neighborhood = permit.Neighborhood
		addenda, err := s.store.AddendaByPermit(ctx, req.PermitNumber)
		if err != nil {
			return nil, wrap("load routing", err)
		}
		for _, a := range openStations(addenda) {
			cycle := models.CycleInitial
			if a.AddendaNumber >= 1 {
				cycle = models.CycleRevision
			}
			stations = append(stations, pending{a.Station, cycle})
		}
		if len(stations) == 0 {
			return nil, notFound("permit %s has no open review stations", req.PermitNumber)
		}
	case len(req.Stations) > 0:
		for _, st := range req.Stations {
			stations = append(stations, pending{st, models.CycleInitial})
		}
	case len(req.Triggers) > 0:
		seen := map[string]struct{}{}
		for _, trigger := range req.Triggers {
			mapped, ok := triggerStations[trigger]
			if !ok {
				return nil, badRequest("unknown review trigger %q", trigger)
			}
			for _, st := range mapped {
				if _, dup := seen[st]; dup {
					continue
				}
				seen[st] = struct{}{}
				stations = append(stations, pending{st, models.CycleInitial})
			}
		}
	default:
		return nil, badRequest("permit_number, stations, or triggers is required")
	}

	sort.Slice(stations, func(i, j int) bool { return stations[i].station < stations[j].station })

	est := &TimelineEstimate{Confidence: models.ConfidenceHigh}
	minSamples := -1
	for _, p := range stations {
		row := s.baselineFor(ctx, p.station, neighborhood, models.PeriodCurrent, p.cycle)
		if row == nil {
			row = s.baselineFor(ctx, p.station, neighborhood, models.PeriodBaseline, p.cycle)
		}
		if row == nil {
			// No history at all for this station; the estimate cannot
			// include it honestly, so grade the whole answer low.
			est.Confidence = models.ConfidenceLow
			est.Stations = append(est.Stations, StationEstimate{Station: p.station, CycleType: p.cycle})
			continue
		}
		est.ExpectedDays += row.P50
		est.OptimisticDays += row.P25
		est.PessimisticDays += row.P90
		est.Stations = append(est.Stations, StationEstimate{
			Station:      row.Station,
			Neighborhood: row.Neighborhood,
			CycleType:    row.CycleType,
			P25:          row.P25,
			P50:          row.P50,
			P75:          row.P75,
			P90:          row.P90,
			SampleCount:  row.SampleCount,
		})
		if minSamples < 0 || row.SampleCount < minSamples {
			minSamples = row.SampleCount
		}
	}

	if est.Confidence != models.ConfidenceLow && minSamples >= 0 {
		switch {
		case minSamples >= confidenceHighAt:
			est.Confidence = models.ConfidenceHigh
		case minSamples >= confidenceMediumAt:
			est.Confidence = models.ConfidenceMedium
		default:
			est.Confidence = models.ConfidenceLow
		}
	}

	// No station had any velocity history: estimate from filed-to-issued
	// durations in the permits table instead.
	if minSamples < 0 {
		if err := s.aggregateFallback(ctx, req.PermitType, neighborhood, est); err != nil {
			return nil, err
		}
	}

	if req.MonthlyCarryingCost > 0 {
		est.CarryingCost = est.ExpectedDays / 30 * req.MonthlyCarryingCost
	}
	return est, nil
}

// aggregateFallback fills the estimate from whole-permit durations,
// widening the filter (type+neighborhood, type, citywide) until enough
// samples accumulate. The answer is always graded low confidence.
func (s *Service) aggregateFallback(ctx context.Context, permitType, neighborhood string, est *TimelineEstimate) error {
	permits, err := s.store.ListPermits(ctx)
	if err != nil {
		return wrap("load permits", err)
	}

	filters := []func(models.Permit) bool{
		func(p models.Permit) bool {
			return (permitType == "" || p.PermitType == permitType) &&
				(neighborhood == "" || p.Neighborhood == neighborhood)
		},
		func(p models.Permit) bool { return permitType == "" || p.PermitType == permitType },
		func(p models.Permit) bool { return true },
	}

	var days []float64
	for _, keep := range filters {
		days = days[:0]
		for _, p := range permits {
			if p.FiledDate == nil || p.IssuedDate == nil || !keep(p) {
				continue
			}
			if d := p.IssuedDate.Sub(*p.FiledDate).Hours() / 24; d >= 0 {
				days = append(days, d)
			}
		}
		if len(days) >= confidenceMediumAt {
			break
		}
	}
	if len(days) == 0 {
		return nil
	}

	sort.Float64s(days)
	est.ExpectedDays = quantile(days, 50)
	est.OptimisticDays = quantile(days, 25)
	est.PessimisticDays = quantile(days, 90)
	est.Confidence = models.ConfidenceLow
	return nil
}

// quantile interpolates the p-th percentile of an ascending slice.
func quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
