// Package graph derives and walks the entity co-occurrence graph. An edge
// joins two entities that appear on at least one shared permit; its weight
// is the number of shared permits. The edge table is rebuilt from scratch
// after every resolver pass and swapped in atomically.
package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/permitsight/permitsight/pipeline/internal/store"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

// maxSamplePermits caps the permit numbers carried on an edge. The count
// stays exact; the sample keeps heavy edges from bloating the table.
const maxSamplePermits = 20

type Builder struct {
	store store.Store
}

func NewBuilder(st store.Store) *Builder {
	return &Builder{store: st}
}

type edgeKey struct{ a, b int64 }

type edgeAgg struct {
	permits       []string
	permitTypes   map[string]struct{}
	neighborhoods map[string]struct{}
	start, end    *time.Time
	totalCost     float64
}

// Rebuild recomputes every edge and swaps the relationship table.
// Returns the number of edges written.
func (b *Builder) Rebuild(ctx context.Context) (int, error) {
	contacts, err := b.store.ListContacts(ctx)
	if err != nil {
		return 0, fmt.Errorf("graph: load contacts: %w", err)
	}
	permits, err := b.store.ListPermits(ctx)
	if err != nil {
		return 0, fmt.Errorf("graph: load permits: %w", err)
	}
	permitByNumber := make(map[string]models.Permit, len(permits))
	for _, p := range permits {
		permitByNumber[p.PermitNumber] = p
	}

	// Distinct entities per permit. A permit with the same entity in two
	// roles contributes that entity once.
	onPermit := map[string]map[int64]struct{}{}
	for _, c := range contacts {
		if c.EntityID == nil {
			continue
		}
		set := onPermit[c.PermitNumber]
		if set == nil {
			set = map[int64]struct{}{}
			onPermit[c.PermitNumber] = set
		}
		set[*c.EntityID] = struct{}{}
	}

	agg := map[edgeKey]*edgeAgg{}
	for permit, set := range onPermit {
		if len(set) < 2 {
			continue
		}
		ids := make([]int64, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		p := permitByNumber[permit]
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				key := edgeKey{ids[i], ids[j]}
				e := agg[key]
				if e == nil {
					e = &edgeAgg{
						permitTypes:   map[string]struct{}{},
						neighborhoods: map[string]struct{}{},
					}
					agg[key] = e
				}
				e.accumulate(permit, p)
			}
		}
	}

	edges := make([]models.Relationship, 0, len(agg))
	for key, e := range agg {
		edges = append(edges, e.relationship(key))
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].EntityA != edges[j].EntityA {
			return edges[i].EntityA < edges[j].EntityA
		}
		return edges[i].EntityB < edges[j].EntityB
	})

	if err := b.store.ReplaceRelationships(ctx, edges); err != nil {
		return 0, fmt.Errorf("graph: swap relationships: %w", err)
	}
	log.Info().Int("edges", len(edges)).Msg("Relationship graph rebuilt")
	return len(edges), nil
}

func (e *edgeAgg) accumulate(permitNumber string, p models.Permit) {
	e.permits = append(e.permits, permitNumber)
	if p.PermitType != "" {
		e.permitTypes[p.PermitType] = struct{}{}
	}
	if p.Neighborhood != "" {
		e.neighborhoods[p.Neighborhood] = struct{}{}
	}
	if p.FiledDate != nil {
		if e.start == nil || p.FiledDate.Before(*e.start) {
			e.start = p.FiledDate
		}
		if e.end == nil || p.FiledDate.After(*e.end) {
			e.end = p.FiledDate
		}
	}
	if p.EstimatedCost != nil {
		e.totalCost += *p.EstimatedCost
	}
}

func (e *edgeAgg) relationship(key edgeKey) models.Relationship {
	sort.Strings(e.permits)
	sample := e.permits
	if len(sample) > maxSamplePermits {
		sample = sample[:maxSamplePermits]
	}
	return models.Relationship{
		EntityA:            key.a,
		EntityB:            key.b,
		SharedPermits:      len(e.permits),
		PermitNumbers:      sample,
		PermitTypes:        sortedKeys(e.permitTypes),
		DateRangeStart:     e.start,
		DateRangeEnd:       e.end,
		TotalEstimatedCost: e.totalCost,
		Neighborhoods:      sortedKeys(e.neighborhoods),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
