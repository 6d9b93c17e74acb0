// Package velocity turns addenda routing history into review-duration
// percentile baselines per station, stratified by neighborhood where the
// sample supports it. Two periods are kept: a rolling current window
// (auto-widened when thin) and a one-year baseline, split by initial
// versus revision review cycles.
package velocity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/permitsight/permitsight/pipeline/internal/config"
	"github.com/permitsight/permitsight/pipeline/internal/store"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

const (
	// Routing data before 2018 predates the current intake process and
	// would skew every baseline.
	earliestYear = 2018

	// maxDurationDays drops obviously corrupt rows (negative durations,
	// multi-year clock skew).
	maxDurationDays = 365

	// minStratumSamples is the floor under a neighborhood stratum; thinner
	// strata fall back to the station-wide row.
	minStratumSamples = 10

	// lowConfidenceBelow flags strata whose percentile estimates rest on
	// few samples; it is also the auto-widen trigger for the current window.
	lowConfidenceBelow = 30

	// baselineWindowDays bounds the baseline period.
	baselineWindowDays = 365
)

// Pass-through review results carry no review work and are excluded.
func passThroughResult(result string) bool {
	switch strings.ToUpper(strings.TrimSpace(result)) {
	case "NOT APPLICABLE", "ADMINISTRATIVE":
		return true
	}
	return false
}

type Computer struct {
	store store.Store
	cfg   config.VelocityConfig
	now   func() time.Time
}

func NewComputer(st store.Store, cfg config.VelocityConfig) *Computer {
	return &Computer{
		store: st,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// sample is one completed review cycle.
type sample struct {
	station      string
	neighborhood string
	cycleType    string
	days         float64
	finished     time.Time
}

// Rebuild recomputes every baseline row and swaps the table. Returns the
// number of rows written.
func (c *Computer) Rebuild(ctx context.Context) (int, error) {
	addenda, err := c.store.ListAddenda(ctx)
	if err != nil {
		return 0, fmt.Errorf("velocity: load addenda: %w", err)
	}
	permits, err := c.store.ListPermits(ctx)
	if err != nil {
		return 0, fmt.Errorf("velocity: load permits: %w", err)
	}
	hoodOf := make(map[string]string, len(permits))
	for _, p := range permits {
		hoodOf[p.PermitNumber] = p.Neighborhood
	}

	samples := collectSamples(dedupReassignments(addenda), hoodOf)
	rows := c.baselines(samples)

	if err := c.store.ReplaceVelocity(ctx, rows); err != nil {
		return 0, fmt.Errorf("velocity: swap baselines: %w", err)
	}
	log.Info().Int("samples", len(samples)).Int("rows", len(rows)).
		Msg("Velocity baselines rebuilt")
	return len(rows), nil
}

// dedupReassignments collapses duplicate (permit, station, addenda) rows
// left by reviewer reassignments, keeping the row with the latest non-null
// finish date.
func dedupReassignments(addenda []models.AddendaRouting) []models.AddendaRouting {
	type key struct {
		permit  string
		station string
		number  int
	}
	best := map[key]models.AddendaRouting{}
	for _, a := range addenda {
		k := key{a.PermitNumber, a.Station, a.AddendaNumber}
		prev, seen := best[k]
		if !seen {
			best[k] = a
			continue
		}
		switch {
		case a.FinishDate != nil && prev.FinishDate == nil:
			best[k] = a
		case a.FinishDate != nil && prev.FinishDate != nil && a.FinishDate.After(*prev.FinishDate):
			best[k] = a
		}
	}
	out := make([]models.AddendaRouting, 0, len(best))
	for _, a := range best {
		out = append(out, a)
	}
	return out
}

func collectSamples(addenda []models.AddendaRouting, hoodOf map[string]string) []sample {
	var out []sample
	for _, a := range addenda {
		if strings.TrimSpace(a.Station) == "" || passThroughResult(a.ReviewResult) {
			continue
		}
		if a.ArriveDate == nil || a.FinishDate == nil {
			continue
		}
		if a.ArriveDate.Year() < earliestYear {
			continue
		}
		days := a.FinishDate.Sub(*a.ArriveDate).Hours() / 24
		if days < 0 || days > maxDurationDays {
			continue
		}
		cycle := models.CycleInitial
		if a.AddendaNumber >= 1 {
			cycle = models.CycleRevision
		}
		out = append(out, sample{
			station:      a.Station,
			neighborhood: hoodOf[a.PermitNumber],
			cycleType:    cycle,
			days:         days,
			finished:     *a.FinishDate,
		})
	}
	return out
}

// baselines builds every (station, neighborhood, period, cycle) row.
func (c *Computer) baselines(samples []sample) []models.VelocityBaseline {
	type stratum struct {
		station      string
		neighborhood string
		cycleType    string
	}
	byStratum := map[stratum][]sample{}
	for _, s := range samples {
		byStratum[stratum{s.station, "", s.cycleType}] = append(byStratum[stratum{s.station, "", s.cycleType}], s)
		if s.neighborhood != "" {
			k := stratum{s.station, s.neighborhood, s.cycleType}
			byStratum[k] = append(byStratum[k], s)
		}
	}

	now := c.now()
	computedAt := now
	var rows []models.VelocityBaseline
	for k, members := range byStratum {
		// Neighborhood strata below the floor add noise, not signal.
		if k.neighborhood != "" && len(members) < minStratumSamples {
			continue
		}

		// Rolling one-year baseline.
		baseline := inWindow(members, now, baselineWindowDays)
		if len(baseline) == 0 {
			continue
		}
		rows = append(rows, baselineRow(k.station, k.neighborhood, models.PeriodBaseline,
			k.cycleType, baselineWindowDays, baseline, computedAt))

		// Current window, widened when the narrow window runs thin.
		windowDays := c.cfg.CurrentWindowDays
		current := inWindow(members, now, windowDays)
		if len(current) < lowConfidenceBelow && c.cfg.AutoWidenDays > windowDays {
			windowDays = c.cfg.AutoWidenDays
			current = inWindow(members, now, windowDays)
		}
		if len(current) == 0 {
			continue
		}
		rows = append(rows, baselineRow(k.station, k.neighborhood, models.PeriodCurrent,
			k.cycleType, windowDays, current, computedAt))
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Station != b.Station {
			return a.Station < b.Station
		}
		if a.Neighborhood != b.Neighborhood {
			return a.Neighborhood < b.Neighborhood
		}
		if a.Period != b.Period {
			return a.Period < b.Period
		}
		return a.CycleType < b.CycleType
	})
	return rows
}

func inWindow(members []sample, now time.Time, days int) []float64 {
	cutoff := now.AddDate(0, 0, -days)
	var out []float64
	for _, s := range members {
		if !s.finished.Before(cutoff) {
			out = append(out, s.days)
		}
	}
	return out
}

func baselineRow(station, neighborhood, period, cycleType string, windowDays int,
	days []float64, computedAt time.Time) models.VelocityBaseline {
	sort.Float64s(days)
	return models.VelocityBaseline{
		Station:       station,
		Neighborhood:  neighborhood,
		Period:        period,
		CycleType:     cycleType,
		WindowDays:    windowDays,
		SampleCount:   len(days),
		P25:           percentile(days, 25),
		P50:           percentile(days, 50),
		P75:           percentile(days, 75),
		P90:           percentile(days, 90),
		LowConfidence: len(days) < lowConfidenceBelow,
		ComputedAt:    computedAt,
	}
}

// percentile interpolates linearly over sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// trendThreshold is the relative p50 change that counts as a trend.
const trendThreshold = 0.15

// Trend compares the current p50 against the baseline p50.
func Trend(current, baseline *models.VelocityBaseline) string {
	if current == nil || baseline == nil || baseline.P50 == 0 {
		return models.TrendNormal
	}
	delta := (current.P50 - baseline.P50) / baseline.P50
	switch {
	case delta > trendThreshold:
		return models.TrendSlower
	case delta < -trendThreshold:
		return models.TrendFaster
	}
	return models.TrendNormal
}
