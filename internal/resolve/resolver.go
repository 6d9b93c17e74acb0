// Package resolve deduplicates contact rows into entities. Resolution is a
// cascade: hard identifiers first (agent id, then license numbers), fuzzy
// name matching on what is left, and singleton entities for anything that
// never matched. A license already present inside an earlier cluster pulls
// its remaining contacts into that cluster, so no identifier value ever
// lands on two entities. Each rebuild is a full pass over the contacts
// table and swaps the entity registry in atomically.
package resolve

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/permitsight/permitsight/pipeline/internal/store"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

// fuzzyThreshold is the token-set Jaccard floor for a fuzzy name match.
const fuzzyThreshold = 0.75

type Resolver struct {
	store store.Store
}

func New(st store.Store) *Resolver {
	return &Resolver{store: st}
}

// Stats summarizes one resolver rebuild.
type Stats struct {
	Contacts int                             `json:"contacts"`
	Entities int                             `json:"entities"`
	ByMethod map[models.ResolutionMethod]int `json:"by_method"`
}

type cluster struct {
	method     models.ResolutionMethod
	confidence models.Confidence
	members    []int // indices into the contacts slice
}

// Rebuild resolves every contact into an entity and swaps the result in.
// Entity ids are assigned in cascade order and are deterministic for a
// given contacts table.
func (r *Resolver) Rebuild(ctx context.Context) (Stats, error) {
	contacts, err := r.store.ListContacts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("resolver: load contacts: %w", err)
	}
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].ID < contacts[j].ID })

	assigned := make([]bool, len(contacts))
	clusterOf := make([]int, len(contacts))
	var clusters []cluster

	// Step 1: building-source agent ids are authoritative.
	keyedStep(contacts, assigned, clusterOf, &clusters,
		models.ResolvedByAgentID, models.ConfidenceHigh,
		func(c models.Contact) string {
			if c.Source != models.SourceBuilding {
				return ""
			}
			return c.PTSAgentID
		})

	// Steps 2 and 3: license keys. A license carried by an already-resolved
	// contact merges the rest of its group into that contact's cluster; the
	// earlier step's method and confidence stand.
	keyedStep(contacts, assigned, clusterOf, &clusters,
		models.ResolvedByLicense, models.ConfidenceMedium,
		func(c models.Contact) string { return c.LicenseNumber })
	keyedStep(contacts, assigned, clusterOf, &clusters,
		models.ResolvedByBusinessLicense, models.ConfidenceMedium,
		func(c models.Contact) string { return c.SFBusinessLicense })

	// Step 4: fuzzy name matching inside 3-char blocks.
	clusters = append(clusters, fuzzyStep(contacts, assigned)...)

	// Step 5: everything left stands alone.
	for i := range contacts {
		if !assigned[i] {
			assigned[i] = true
			clusters = append(clusters, cluster{
				method:     models.ResolvedAsSingleton,
				confidence: models.ConfidenceLow,
				members:    []int{i},
			})
		}
	}

	entities := make([]models.Entity, 0, len(clusters))
	assignments := make(map[int64]int64, len(contacts))
	stats := Stats{Contacts: len(contacts), ByMethod: map[models.ResolutionMethod]int{}}
	for i, cl := range clusters {
		id := int64(i + 1)
		entities = append(entities, buildEntity(id, cl, contacts))
		for _, m := range cl.members {
			assignments[contacts[m].ID] = id
		}
		stats.ByMethod[cl.method]++
	}
	stats.Entities = len(entities)

	if err := r.store.ReplaceEntities(ctx, entities, assignments); err != nil {
		return stats, fmt.Errorf("resolver: swap entities: %w", err)
	}
	log.Info().Int("contacts", stats.Contacts).Int("entities", stats.Entities).
		Msg("Entity resolution complete")
	return stats, nil
}

// keyedStep groups unassigned contacts by a hard identifier. When an
// already-assigned contact carries the same identifier value, the group
// merges into that contact's cluster instead of founding a new entity;
// the cluster keeps the method and confidence of the step that formed it.
func keyedStep(contacts []models.Contact, assigned []bool, clusterOf []int,
	clusters *[]cluster, method models.ResolutionMethod, conf models.Confidence,
	key func(models.Contact) string) {

	existing := map[string]int{}
	for i, c := range contacts {
		if !assigned[i] {
			continue
		}
		if k := key(c); k != "" {
			if _, ok := existing[k]; !ok {
				existing[k] = clusterOf[i]
			}
		}
	}

	groups := map[string][]int{}
	for i, c := range contacts {
		if assigned[i] {
			continue
		}
		if k := key(c); k != "" {
			groups[k] = append(groups[k], i)
		}
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		ci, merge := existing[k]
		if !merge {
			ci = len(*clusters)
			*clusters = append(*clusters, cluster{method: method, confidence: conf})
		}
		for _, m := range groups[k] {
			assigned[m] = true
			clusterOf[m] = ci
			(*clusters)[ci].members = append((*clusters)[ci].members, m)
		}
	}
}

// fuzzyStep clusters the remaining contacts by name similarity. Blocking
// on the first three characters keeps the comparison quadratic only within
// a block; block keys are visited in sorted order so cluster formation,
// and therefore entity ids, are deterministic.
func fuzzyStep(contacts []models.Contact, assigned []bool) []cluster {
	blocks := map[string][]int{}
	for i, c := range contacts {
		if assigned[i] || c.Name == "" {
			continue
		}
		k := blockKey(c.Name)
		blocks[k] = append(blocks[k], i)
	}

	keys := make([]string, 0, len(blocks))
	for k := range blocks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []cluster
	for _, k := range keys {
		type blockCluster struct {
			rep     map[string]struct{}
			members []int
		}
		var formed []blockCluster
		for _, m := range blocks[k] {
			toks := tokenSet(contacts[m].Name)
			joined := false
			for fi := range formed {
				if jaccard(toks, formed[fi].rep) >= fuzzyThreshold {
					formed[fi].members = append(formed[fi].members, m)
					joined = true
					break
				}
			}
			if !joined {
				formed = append(formed, blockCluster{rep: toks, members: []int{m}})
			}
		}
		for _, bc := range formed {
			if len(bc.members) < 2 {
				continue // singletons fall through to step 5
			}
			for _, m := range bc.members {
				assigned[m] = true
			}
			out = append(out, cluster{
				method:     models.ResolvedByFuzzyName,
				confidence: models.ConfidenceLow,
				members:    bc.members,
			})
		}
	}
	return out
}

// buildEntity materializes one cluster: canonical fields by vote, id
// fields by most frequent non-empty value, counters over the members.
func buildEntity(id int64, cl cluster, contacts []models.Contact) models.Entity {
	e := models.Entity{
		EntityID:             id,
		ResolutionMethod:     cl.method,
		ResolutionConfidence: cl.confidence,
		ContactCount:         len(cl.members),
	}

	names := newVote()
	firms := newVote()
	roles := newVote()
	agents := newVote()
	licenses := newVote()
	bizLicenses := newVote()
	permits := map[string]struct{}{}
	sources := map[string]struct{}{}

	for _, m := range cl.members {
		c := contacts[m]
		names.add(c.Name, c.DataAsOf)
		firms.add(c.FirmName, c.DataAsOf)
		roles.add(string(c.Role), c.DataAsOf)
		agents.add(c.PTSAgentID, c.DataAsOf)
		licenses.add(c.LicenseNumber, c.DataAsOf)
		bizLicenses.add(c.SFBusinessLicense, c.DataAsOf)
		permits[c.PermitNumber] = struct{}{}
		sources[c.Source] = struct{}{}
	}

	e.CanonicalName = names.winner()
	e.CanonicalFirm = firms.winner()
	e.EntityType = models.Role(roles.winner())
	if e.EntityType == "" {
		e.EntityType = models.RoleOther
	}
	e.PTSAgentID = agents.winner()
	e.LicenseNumber = licenses.winner()
	e.SFBusinessLicense = bizLicenses.winner()
	e.PermitCount = len(permits)
	for s := range sources {
		e.SourceDatasets = append(e.SourceDatasets, s)
	}
	sort.Strings(e.SourceDatasets)
	return e
}

// vote picks the most frequent non-empty value; ties go to the most
// recently observed, then the lexicographically smallest.
type vote struct {
	counts map[string]int
	latest map[string]time.Time
}

func newVote() *vote {
	return &vote{counts: map[string]int{}, latest: map[string]time.Time{}}
}

func (v *vote) add(value string, seen time.Time) {
	if value == "" {
		return
	}
	v.counts[value]++
	if seen.After(v.latest[value]) {
		v.latest[value] = seen
	}
}

func (v *vote) winner() string {
	best := ""
	for val := range v.counts {
		if best == "" {
			best = val
			continue
		}
		switch {
		case v.counts[val] > v.counts[best]:
			best = val
		case v.counts[val] == v.counts[best] && v.latest[val].After(v.latest[best]):
			best = val
		case v.counts[val] == v.counts[best] && v.latest[val].Equal(v.latest[best]) && val < best:
			best = val
		}
	}
	return best
}
