package query

import (
	"context"
	"sort"

	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

const (
	// volumeMultiple: an entity pulling more than this multiple of its
	// type's median permit volume is an outlier.
	volumeMultiple = 3

	// inspectorShare / geoShare: concentration thresholds.
	inspectorShare = 0.5
	geoShare       = 0.8

	// minPermits keeps tiny denominators from flagging an entity.
	minPermits = 10

	// Fast-and-expensive approvals: cost above this, issued in under a
	// week.
	expensiveCost = 100_000
	fastIssueDays = 7
)

// VolumeAnomaly is an entity with outlier permit volume.
type VolumeAnomaly struct {
	EntityID      int64   `json:"entity_id"`
	CanonicalName string  `json:"canonical_name"`
	PermitCount   int     `json:"permit_count"`
	MedianCount   float64 `json:"median_count"`
}

// ConcentrationAnomaly is an entity whose permits concentrate on one
// inspector or one neighborhood.
type ConcentrationAnomaly struct {
	EntityID      int64   `json:"entity_id"`
	CanonicalName string  `json:"canonical_name"`
	Subject       string  `json:"subject"` // the inspector or neighborhood
	Share         float64 `json:"share"`
	PermitCount   int     `json:"permit_count"`
}

// FastApproval is a high-cost permit issued unusually quickly.
type FastApproval struct {
	PermitNumber  string  `json:"permit_number"`
	EstimatedCost float64 `json:"estimated_cost"`
	DaysToIssue   float64 `json:"days_to_issue"`
}

// AnomalyReport is the output of one full scan.
type AnomalyReport struct {
	HighVolume      []VolumeAnomaly        `json:"high_volume,omitempty"`
	InspectorFocus  []ConcentrationAnomaly `json:"inspector_focus,omitempty"`
	GeoFocus        []ConcentrationAnomaly `json:"geo_focus,omitempty"`
	FastApprovals   []FastApproval         `json:"fast_approvals,omitempty"`
	EntitiesScanned int                    `json:"entities_scanned"`
	PermitsScanned  int                    `json:"permits_scanned"`
}

// AnomalyScan runs all four anomaly heuristics in one pass over the
// derived tables.
func (s *Service) AnomalyScan(ctx context.Context) (*AnomalyReport, error) {
	entities, err := s.store.ListEntities(ctx)
	if err != nil {
		return nil, wrap("load entities", err)
	}
	contacts, err := s.store.ListContacts(ctx)
	if err != nil {
		return nil, wrap("load contacts", err)
	}
	permits, err := s.store.ListPermits(ctx)
	if err != nil {
		return nil, wrap("load permits", err)
	}
	inspections, err := s.store.ListInspections(ctx)
	if err != nil {
		return nil, wrap("load inspections", err)
	}

	report := &AnomalyReport{
		EntitiesScanned: len(entities),
		PermitsScanned:  len(permits),
	}

	nameOf := make(map[int64]string, len(entities))
	for _, e := range entities {
		nameOf[e.EntityID] = e.CanonicalName
	}
	permitByNumber := make(map[string]models.Permit, len(permits))
	for _, p := range permits {
		permitByNumber[p.PermitNumber] = p
	}
	permitsOf := map[int64]map[string]struct{}{}
	for _, c := range contacts {
		if c.EntityID == nil {
			continue
		}
		set := permitsOf[*c.EntityID]
		if set == nil {
			set = map[string]struct{}{}
			permitsOf[*c.EntityID] = set
		}
		set[c.PermitNumber] = struct{}{}
	}
	inspectorsOf := map[string]map[string]struct{}{}
	for _, i := range inspections {
		if i.Inspector == "" {
			continue
		}
		set := inspectorsOf[i.ReferenceNumber]
		if set == nil {
			set = map[string]struct{}{}
			inspectorsOf[i.ReferenceNumber] = set
		}
		set[i.Inspector] = struct{}{}
	}

	report.HighVolume = highVolume(entities, nameOf)
	report.InspectorFocus = inspectorFocus(entities, permitsOf, inspectorsOf, nameOf)
	report.GeoFocus = geoFocus(entities, permitsOf, permitByNumber, nameOf)
	report.FastApprovals = fastApprovals(permits)
	return report, nil
}

func highVolume(entities []models.Entity, nameOf map[int64]string) []VolumeAnomaly {
	// Medians are per entity type; a busy contractor is only an outlier
	// against other contractors.
	byType := map[models.Role][]float64{}
	for _, e := range entities {
		if e.PermitCount > 0 {
			byType[e.EntityType] = append(byType[e.EntityType], float64(e.PermitCount))
		}
	}
	medians := make(map[models.Role]float64, len(byType))
	for role, counts := range byType {
		sort.Float64s(counts)
		m := counts[len(counts)/2]
		if len(counts)%2 == 0 {
			m = (counts[len(counts)/2-1] + counts[len(counts)/2]) / 2
		}
		medians[role] = m
	}

	var out []VolumeAnomaly
	for _, e := range entities {
		median := medians[e.EntityType]
		if float64(e.PermitCount) > median*volumeMultiple && e.PermitCount >= minPermits {
			out = append(out, VolumeAnomaly{
				EntityID:      e.EntityID,
				CanonicalName: nameOf[e.EntityID],
				PermitCount:   e.PermitCount,
				MedianCount:   median,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PermitCount > out[j].PermitCount })
	return out
}

func inspectorFocus(entities []models.Entity, permitsOf map[int64]map[string]struct{},
	inspectorsOf map[string]map[string]struct{}, nameOf map[int64]string) []ConcentrationAnomaly {

	var out []ConcentrationAnomaly
	for _, e := range entities {
		if e.EntityType != models.RoleContractor {
			continue
		}
		inspected := 0
		byInspector := map[string]int{}
		for permit := range permitsOf[e.EntityID] {
			inspectors := inspectorsOf[permit]
			if len(inspectors) == 0 {
				continue
			}
			inspected++
			for inspector := range inspectors {
				byInspector[inspector]++
			}
		}
		if inspected < minPermits {
			continue
		}
		for inspector, n := range byInspector {
			share := float64(n) / float64(inspected)
			if share >= inspectorShare {
				out = append(out, ConcentrationAnomaly{
					EntityID:      e.EntityID,
					CanonicalName: nameOf[e.EntityID],
					Subject:       inspector,
					Share:         share,
					PermitCount:   inspected,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Share != out[j].Share {
			return out[i].Share > out[j].Share
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

func geoFocus(entities []models.Entity, permitsOf map[int64]map[string]struct{},
	permitByNumber map[string]models.Permit, nameOf map[int64]string) []ConcentrationAnomaly {

	var out []ConcentrationAnomaly
	for _, e := range entities {
		located := 0
		byHood := map[string]int{}
		for permit := range permitsOf[e.EntityID] {
			p, ok := permitByNumber[permit]
			if !ok || p.Neighborhood == "" {
				continue
			}
			located++
			byHood[p.Neighborhood]++
		}
		if located < minPermits {
			continue
		}
		for hood, n := range byHood {
			share := float64(n) / float64(located)
			if share >= geoShare {
				out = append(out, ConcentrationAnomaly{
					EntityID:      e.EntityID,
					CanonicalName: nameOf[e.EntityID],
					Subject:       hood,
					Share:         share,
					PermitCount:   located,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Share != out[j].Share {
			return out[i].Share > out[j].Share
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

func fastApprovals(permits []models.Permit) []FastApproval {
	var out []FastApproval
	for _, p := range permits {
		if p.FiledDate == nil || p.IssuedDate == nil {
			continue
		}
		if p.EstimatedCost == nil || *p.EstimatedCost <= expensiveCost {
			continue
		}
		d := p.IssuedDate.Sub(*p.FiledDate).Hours() / 24
		if d < 0 || d >= fastIssueDays {
			continue
		}
		out = append(out, FastApproval{
			PermitNumber:  p.PermitNumber,
			EstimatedCost: *p.EstimatedCost,
			DaysToIssue:   d,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EstimatedCost > out[j].EstimatedCost })
	return out
}
