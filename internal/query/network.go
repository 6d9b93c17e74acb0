package query

import (
	"context"

	"github.com/permitsight/permitsight/pipeline/internal/graph"
	"github.com/permitsight/permitsight/pipeline/internal/store"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

const maxHops = 3

// NetworkNode is a graph node annotated with its entity summary.
type NetworkNode struct {
	graph.Node
	CanonicalName string      `json:"canonical_name"`
	EntityType    models.Role `json:"entity_type"`
	PermitCount   int         `json:"permit_count"`
}

// NetworkResult is the expanded neighborhood of one entity.
type NetworkResult struct {
	Seed  int64                 `json:"seed"`
	Hops  int                   `json:"hops"`
	Nodes []NetworkNode         `json:"nodes"`
	Edges []models.Relationship `json:"edges"`
}

// EntityNetwork expands the co-occurrence graph around an entity, 1 to 3
// hops out.
func (s *Service) EntityNetwork(ctx context.Context, entityID int64, hops int) (*NetworkResult, error) {
	if hops < 1 || hops > maxHops {
		return nil, badRequest("hops must be between 1 and %d", maxHops)
	}
	if _, err := s.store.GetEntity(ctx, entityID); err != nil {
		return nil, wrap("load seed entity", err)
	}

	net, err := graph.Expand(ctx, s.store, entityID, hops)
	if err != nil {
		return nil, wrap("expand network", err)
	}

	result := &NetworkResult{Seed: net.Seed, Hops: net.Hops, Edges: net.Edges}
	for _, n := range net.Nodes {
		node := NetworkNode{Node: n}
		if e, err := s.store.GetEntity(ctx, n.EntityID); err == nil {
			node.CanonicalName = e.CanonicalName
			node.EntityType = e.EntityType
			node.PermitCount = e.PermitCount
		}
		result.Nodes = append(result.Nodes, node)
	}
	return result, nil
}

// Cluster is a connected component with entity summaries attached.
type Cluster struct {
	Members     []NetworkNode `json:"members"`
	EdgeCount   int           `json:"edge_count"`
	TotalWeight int           `json:"total_weight"`
}

// FindClusters returns connected components of the graph thresholded at
// minWeight, dropping clusters smaller than minSize.
func (s *Service) FindClusters(ctx context.Context, minWeight, minSize int) ([]Cluster, error) {
	if minWeight < 1 {
		minWeight = 1
	}
	if minSize < 2 {
		minSize = 2
	}
	comps, err := graph.Components(ctx, s.store, minWeight, minSize)
	if err != nil {
		return nil, wrap("find clusters", err)
	}

	out := make([]Cluster, 0, len(comps))
	for _, comp := range comps {
		cl := Cluster{EdgeCount: comp.EdgeCount, TotalWeight: comp.TotalWeight}
		for _, id := range comp.Members {
			node := NetworkNode{Node: graph.Node{EntityID: id}}
			e, err := s.store.GetEntity(ctx, id)
			switch {
			case err == nil:
				node.CanonicalName = e.CanonicalName
				node.EntityType = e.EntityType
				node.PermitCount = e.PermitCount
			case !store.IsNotFound(err):
				return nil, wrap("load cluster member", err)
			}
			cl.Members = append(cl.Members, node)
		}
		out = append(out, cl)
	}
	return out, nil
}
