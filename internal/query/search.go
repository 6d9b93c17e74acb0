package query

import (
	"context"
	"sort"
	"time"

	"github.com/permitsight/permitsight/pipeline/internal/ingest"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

const (
	searchLimit       = 20
	recentPermitLimit = 10
	topAssociateLimit = 5
)

// EntityMatch is one search hit with its recent work and closest
// associates.
type EntityMatch struct {
	Entity        models.Entity   `json:"entity"`
	RecentPermits []models.Permit `json:"recent_permits,omitempty"`
	TopAssociates []Associate     `json:"top_associates,omitempty"`
}

// Associate is a co-occurring entity ranked by shared permit count.
type Associate struct {
	EntityID      int64  `json:"entity_id"`
	CanonicalName string `json:"canonical_name"`
	SharedPermits int    `json:"shared_permits"`
}

// SearchEntity finds entities by name, normalized the same way ingest
// normalizes names, ranked by permit volume. entityType "" matches all.
func (s *Service) SearchEntity(ctx context.Context, name string, entityType models.Role, limit int) ([]EntityMatch, error) {
	name = ingest.NormalizeName(name)
	if name == "" {
		return nil, badRequest("search name is required")
	}
	if limit <= 0 || limit > searchLimit {
		limit = searchLimit
	}

	entities, err := s.store.SearchEntities(ctx, name, entityType, limit)
	if err != nil {
		return nil, wrap("entity search", err)
	}

	out := make([]EntityMatch, 0, len(entities))
	for _, e := range entities {
		match := EntityMatch{Entity: e}

		permits, err := s.recentPermits(ctx, e.EntityID)
		if err != nil {
			return nil, err
		}
		match.RecentPermits = permits

		assoc, err := s.topAssociates(ctx, e.EntityID)
		if err != nil {
			return nil, err
		}
		match.TopAssociates = assoc
		out = append(out, match)
	}
	return out, nil
}

// recentPermits returns the entity's permits, most recently filed first.
func (s *Service) recentPermits(ctx context.Context, entityID int64) ([]models.Permit, error) {
	contacts, err := s.store.ContactsByEntity(ctx, entityID, 0)
	if err != nil {
		return nil, wrap("load entity contacts", err)
	}
	seen := map[string]struct{}{}
	var permits []models.Permit
	for _, c := range contacts {
		if _, ok := seen[c.PermitNumber]; ok {
			continue
		}
		seen[c.PermitNumber] = struct{}{}
		p, err := s.store.GetPermit(ctx, c.PermitNumber)
		if err != nil {
			continue // contact rows can reference permits outside the permit feed
		}
		permits = append(permits, *p)
	}
	sort.Slice(permits, func(i, j int) bool {
		return filedOrZero(permits[i]).After(filedOrZero(permits[j]))
	})
	if len(permits) > recentPermitLimit {
		permits = permits[:recentPermitLimit]
	}
	return permits, nil
}

func filedOrZero(p models.Permit) time.Time {
	if p.FiledDate == nil {
		return time.Time{}
	}
	return *p.FiledDate
}

func (s *Service) topAssociates(ctx context.Context, entityID int64) ([]Associate, error) {
	edges, err := s.store.NeighborsOf(ctx, entityID)
	if err != nil {
		return nil, wrap("load associates", err)
	}
	if len(edges) > topAssociateLimit {
		edges = edges[:topAssociateLimit]
	}
	out := make([]Associate, 0, len(edges))
	for _, edge := range edges {
		other := edge.EntityA
		if other == entityID {
			other = edge.EntityB
		}
		a := Associate{EntityID: other, SharedPermits: edge.SharedPermits}
		if e, err := s.store.GetEntity(ctx, other); err == nil {
			a.CanonicalName = e.CanonicalName
		}
		out = append(out, a)
	}
	return out, nil
}
