package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/permitsight/permitsight/pipeline/internal/store"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

// Network is the N-hop neighborhood of a seed entity.
type Network struct {
	Seed  int64                 `json:"seed"`
	Hops  int                   `json:"hops"`
	Nodes []Node                `json:"nodes"`
	Edges []models.Relationship `json:"edges"`
}

// Node is one entity in a network, annotated with its hop distance from
// the seed.
type Node struct {
	EntityID int64 `json:"entity_id"`
	Hop      int   `json:"hop"`
}

// Expand walks the graph breadth-first from seed, up to hops levels out.
// Every edge whose endpoints both landed in the frontier is included.
func Expand(ctx context.Context, st store.Store, seed int64, hops int) (*Network, error) {
	visited := map[int64]int{seed: 0}
	frontier := []int64{seed}
	var edges []models.Relationship
	seenEdge := map[edgeKey]struct{}{}

	for hop := 1; hop <= hops && len(frontier) > 0; hop++ {
		var next []int64
		for _, id := range frontier {
			neighbors, err := st.NeighborsOf(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("graph: expand hop %d: %w", hop, err)
			}
			for _, rel := range neighbors {
				key := edgeKey{rel.EntityA, rel.EntityB}
				if _, ok := seenEdge[key]; !ok {
					seenEdge[key] = struct{}{}
					edges = append(edges, rel)
				}
				other := rel.EntityA
				if other == id {
					other = rel.EntityB
				}
				if _, ok := visited[other]; !ok {
					visited[other] = hop
					next = append(next, other)
				}
			}
		}
		frontier = next
	}

	nodes := make([]Node, 0, len(visited))
	for id, hop := range visited {
		nodes = append(nodes, Node{EntityID: id, Hop: hop})
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Hop != nodes[j].Hop {
			return nodes[i].Hop < nodes[j].Hop
		}
		return nodes[i].EntityID < nodes[j].EntityID
	})
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].EntityA != edges[j].EntityA {
			return edges[i].EntityA < edges[j].EntityA
		}
		return edges[i].EntityB < edges[j].EntityB
	})
	return &Network{Seed: seed, Hops: hops, Nodes: nodes, Edges: edges}, nil
}

// Component is one connected cluster of the thresholded graph.
type Component struct {
	Members     []int64 `json:"members"`
	EdgeCount   int     `json:"edge_count"`
	TotalWeight int     `json:"total_weight"`
}

// Components finds connected components over edges with weight >=
// minWeight, dropping components smaller than minSize. Components come
// back largest first.
func Components(ctx context.Context, st store.Store, minWeight, minSize int) ([]Component, error) {
	edges, err := st.ListRelationships(ctx, minWeight)
	if err != nil {
		return nil, fmt.Errorf("graph: components: %w", err)
	}

	adj := map[int64][]int64{}
	edgesAt := map[int64][]models.Relationship{}
	for _, e := range edges {
		adj[e.EntityA] = append(adj[e.EntityA], e.EntityB)
		adj[e.EntityB] = append(adj[e.EntityB], e.EntityA)
		edgesAt[e.EntityA] = append(edgesAt[e.EntityA], e)
	}

	seen := map[int64]bool{}
	var out []Component
	ids := make([]int64, 0, len(adj))
	for id := range adj {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, start := range ids {
		if seen[start] {
			continue
		}
		var members []int64
		queue := []int64{start}
		seen[start] = true
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			members = append(members, id)
			for _, next := range adj[id] {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
		if len(members) < minSize {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
		comp := Component{Members: members}
		for _, m := range members {
			for _, e := range edgesAt[m] {
				comp.EdgeCount++
				comp.TotalWeight += e.SharedPermits
			}
		}
		out = append(out, comp)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Members) != len(out[j].Members) {
			return len(out[i].Members) > len(out[j].Members)
		}
		return out[i].Members[0] < out[j].Members[0]
	})
	return out, nil
}
