package query

import (
	"context"
	"sort"

	"github.com/permitsight/permitsight/pipeline/internal/ingest"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

// concentrationFlag marks inspector-contractor pairs where the inspector
// covered at least this share of the contractor's inspected permits.
const concentrationFlag = 0.5

// InspectorLink is one contractor an inspector has repeatedly inspected.
type InspectorLink struct {
	EntityID        int64  `json:"entity_id"`
	CanonicalName   string `json:"canonical_name"`
	PermitCount     int    `json:"permit_count"` // permits of this contractor this inspector touched
	InspectionCount int    `json:"inspection_count"`
	// Share is the fraction of the contractor's inspected permits this
	// inspector covered.
	Share   float64 `json:"share"`
	Flagged bool    `json:"flagged"`
}

// InspectorContractorLinks surfaces which contractors an inspector keeps
// meeting, with the share of each contractor's inspected permits this
// inspector covered.
func (s *Service) InspectorContractorLinks(ctx context.Context, inspector string) ([]InspectorLink, error) {
	inspector = ingest.NormalizeName(inspector)
	if inspector == "" {
		return nil, badRequest("inspector name is required")
	}

	byInspector, err := s.store.InspectionsByInspector(ctx, inspector)
	if err != nil {
		return nil, wrap("load inspections", err)
	}
	if len(byInspector) == 0 {
		return nil, notFound("no inspections recorded for %q", inspector)
	}

	// Permits this inspector touched, and inspection counts per permit.
	touched := map[string]int{}
	for _, i := range byInspector {
		touched[i.ReferenceNumber]++
	}

	type agg struct {
		permits     map[string]struct{}
		inspections int
	}
	byEntity := map[int64]*agg{}
	for permit, count := range touched {
		contacts, err := s.store.ContactsByPermit(ctx, permit)
		if err != nil {
			return nil, wrap("load permit contacts", err)
		}
		for _, c := range contacts {
			if c.Role != models.RoleContractor || c.EntityID == nil {
				continue
			}
			a := byEntity[*c.EntityID]
			if a == nil {
				a = &agg{permits: map[string]struct{}{}}
				byEntity[*c.EntityID] = a
			}
			if _, ok := a.permits[permit]; !ok {
				a.permits[permit] = struct{}{}
				a.inspections += count
			}
		}
	}

	out := make([]InspectorLink, 0, len(byEntity))
	for id, a := range byEntity {
		link := InspectorLink{
			EntityID:        id,
			PermitCount:     len(a.permits),
			InspectionCount: a.inspections,
		}
		if e, err := s.store.GetEntity(ctx, id); err == nil {
			link.CanonicalName = e.CanonicalName
		}
		total, err := s.inspectedPermitCount(ctx, id)
		if err != nil {
			return nil, err
		}
		if total > 0 {
			link.Share = float64(link.PermitCount) / float64(total)
			link.Flagged = link.Share >= concentrationFlag && link.PermitCount >= 3
		}
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PermitCount != out[j].PermitCount {
			return out[i].PermitCount > out[j].PermitCount
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out, nil
}

// inspectedPermitCount counts the contractor's permits that have at least
// one inspection by anyone.
func (s *Service) inspectedPermitCount(ctx context.Context, entityID int64) (int, error) {
	contacts, err := s.store.ContactsByEntity(ctx, entityID, 0)
	if err != nil {
		return 0, wrap("load entity contacts", err)
	}
	seen := map[string]struct{}{}
	count := 0
	for _, c := range contacts {
		if _, ok := seen[c.PermitNumber]; ok {
			continue
		}
		seen[c.PermitNumber] = struct{}{}
		inspections, err := s.store.InspectionsByPermit(ctx, c.PermitNumber)
		if err != nil {
			return 0, wrap("load permit inspections", err)
		}
		if len(inspections) > 0 {
			count++
		}
	}
	return count, nil
}
