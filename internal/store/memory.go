// In-memory Store implementation.
// Used when no DB_URL is configured (local dev) and throughout the tests.
package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

// MemoryStore implements Store with in-memory maps. Derived-table swaps
// happen under the write lock, so readers never observe partial state.
type MemoryStore struct {
	mu sync.RWMutex

	contacts    map[string]*models.Contact // key: source|permit|seq
	contactSeq  int64
	permits     map[string]*models.Permit         // key: permit_number
	inspections map[string]*models.Inspection     // key: reference|type|date|inspector
	inspSeq     int64
	addenda     map[string]*models.AddendaRouting // key: permit|station|addenda|arrive
	addendaSeq  int64
	violations  map[string]*models.Violation // key: complaint_number
	violSeq     int64

	entities      map[int64]*models.Entity
	relationships []models.Relationship
	velocity      map[string]*models.VelocityBaseline // key: station|neighborhood|period|cycle
	permitSignals map[string]*models.PermitSignals    // key: permit_number
	propHealth    map[string]*models.PropertyHealth   // key: block|lot

	ingestLog  []models.IngestLog
	ingestSeq  int64
	cronLog    []models.CronLog
	backupRows int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contacts:      make(map[string]*models.Contact),
		permits:       make(map[string]*models.Permit),
		inspections:   make(map[string]*models.Inspection),
		addenda:       make(map[string]*models.AddendaRouting),
		violations:    make(map[string]*models.Violation),
		entities:      make(map[int64]*models.Entity),
		velocity:      make(map[string]*models.VelocityBaseline),
		permitSignals: make(map[string]*models.PermitSignals),
		propHealth:    make(map[string]*models.PropertyHealth),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error    { return nil }
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

// ── Contacts ────────────────────────────────────────────────

func contactKey(c models.Contact) string {
	return c.Source + "|" + c.PermitNumber + "|" + strconv.Itoa(c.Seq)
}

func (s *MemoryStore) UpsertContacts(ctx context.Context, rows []models.Contact) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range rows {
		row := rows[i]
		key := contactKey(row)
		if prev, ok := s.contacts[key]; ok {
			if row.DataAsOf.Before(prev.DataAsOf) {
				continue // last-write-wins by data_as_of
			}
			row.ID = prev.ID
			row.EntityID = prev.EntityID // assignment survives a refresh
		} else {
			s.contactSeq++
			row.ID = s.contactSeq
		}
		s.contacts[key] = &row
		n++
	}
	return n, nil
}

func (s *MemoryStore) ListContacts(ctx context.Context) ([]models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ContactsByPermit(ctx context.Context, permitNumber string) ([]models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Contact
	for _, c := range s.contacts {
		if c.PermitNumber == permitNumber {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ContactsByEntity(ctx context.Context, entityID int64, limit int) ([]models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Contact
	for _, c := range s.contacts {
		if c.EntityID != nil && *c.EntityID == entityID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Permits ─────────────────────────────────────────────────

func (s *MemoryStore) UpsertPermits(ctx context.Context, rows []models.Permit) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range rows {
		row := rows[i]
		if prev, ok := s.permits[row.PermitNumber]; ok && row.DataAsOf.Before(prev.DataAsOf) {
			continue
		}
		s.permits[row.PermitNumber] = &row
		n++
	}
	return n, nil
}

func (s *MemoryStore) GetPermit(ctx context.Context, permitNumber string) (*models.Permit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.permits[permitNumber]
	if !ok {
		return nil, &ErrNotFound{Entity: "permit", Key: permitNumber}
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPermits(ctx context.Context) ([]models.Permit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Permit, 0, len(s.permits))
	for _, p := range s.permits {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PermitNumber < out[j].PermitNumber })
	return out, nil
}

// ── Inspections ─────────────────────────────────────────────

func inspectionKey(r models.Inspection) string {
	d := ""
	if r.InspectionDate != nil {
		d = r.InspectionDate.Format("2006-01-02")
	}
	return r.ReferenceNumber + "|" + r.InspectionType + "|" + d + "|" + r.Inspector
}

func (s *MemoryStore) UpsertInspections(ctx context.Context, rows []models.Inspection) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range rows {
		row := rows[i]
		key := inspectionKey(row)
		if prev, ok := s.inspections[key]; ok {
			if row.DataAsOf.Before(prev.DataAsOf) {
				continue
			}
			row.ID = prev.ID
		} else {
			s.inspSeq++
			row.ID = s.inspSeq
		}
		s.inspections[key] = &row
		n++
	}
	return n, nil
}

func (s *MemoryStore) InspectionsByPermit(ctx context.Context, permitNumber string) ([]models.Inspection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Inspection
	for _, r := range s.inspections {
		if r.ReferenceNumber == permitNumber {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) InspectionsByInspector(ctx context.Context, inspector string) ([]models.Inspection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToUpper(inspector)
	var out []models.Inspection
	for _, r := range s.inspections {
		if strings.ToUpper(r.Inspector) == needle {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListInspections(ctx context.Context) ([]models.Inspection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Inspection, 0, len(s.inspections))
	for _, r := range s.inspections {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Addenda routing ─────────────────────────────────────────

func addendaKey(r models.AddendaRouting) string {
	a := ""
	if r.ArriveDate != nil {
		a = r.ArriveDate.Format("2006-01-02")
	}
	return r.PermitNumber + "|" + r.Station + "|" + strconv.Itoa(r.AddendaNumber) + "|" + a
}

func (s *MemoryStore) UpsertAddenda(ctx context.Context, rows []models.AddendaRouting) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range rows {
		row := rows[i]
		key := addendaKey(row)
		if prev, ok := s.addenda[key]; ok {
			if row.DataAsOf.Before(prev.DataAsOf) {
				continue
			}
			row.ID = prev.ID
		} else {
			s.addendaSeq++
			row.ID = s.addendaSeq
		}
		s.addenda[key] = &row
		n++
	}
	return n, nil
}

func (s *MemoryStore) AddendaByPermit(ctx context.Context, permitNumber string) ([]models.AddendaRouting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AddendaRouting
	for _, r := range s.addenda {
		if r.PermitNumber == permitNumber {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListAddenda(ctx context.Context) ([]models.AddendaRouting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AddendaRouting, 0, len(s.addenda))
	for _, r := range s.addenda {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Violations ──────────────────────────────────────────────

func (s *MemoryStore) UpsertViolations(ctx context.Context, rows []models.Violation) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range rows {
		row := rows[i]
		if prev, ok := s.violations[row.ComplaintNum]; ok {
			if row.DataAsOf.Before(prev.DataAsOf) {
				continue
			}
			row.ID = prev.ID
		} else {
			s.violSeq++
			row.ID = s.violSeq
		}
		s.violations[row.ComplaintNum] = &row
		n++
	}
	return n, nil
}

func (s *MemoryStore) ListViolations(ctx context.Context) ([]models.Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Violation, 0, len(s.violations))
	for _, v := range s.violations {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Entities ────────────────────────────────────────────────

func (s *MemoryStore) ReplaceEntities(ctx context.Context, entities []models.Entity, assignments map[int64]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[int64]*models.Entity, len(entities))
	for i := range entities {
		e := entities[i]
		next[e.EntityID] = &e
	}
	s.entities = next
	for _, c := range s.contacts {
		if eid, ok := assignments[c.ID]; ok {
			id := eid
			c.EntityID = &id
		} else {
			c.EntityID = nil
		}
	}
	// Edges referencing dropped entities must not survive the rebuild.
	kept := s.relationships[:0]
	for _, r := range s.relationships {
		if _, okA := next[r.EntityA]; !okA {
			continue
		}
		if _, okB := next[r.EntityB]; !okB {
			continue
		}
		kept = append(kept, r)
	}
	s.relationships = kept
	return nil
}

func (s *MemoryStore) GetEntity(ctx context.Context, entityID int64) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityID]
	if !ok {
		return nil, &ErrNotFound{Entity: "entity", Key: strconv.FormatInt(entityID, 10)}
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) SearchEntities(ctx context.Context, namePattern string, entityType models.Role, limit int) ([]models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToUpper(namePattern)
	var out []models.Entity
	for _, e := range s.entities {
		if entityType != "" && e.EntityType != entityType {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToUpper(e.CanonicalName), needle) &&
			!strings.Contains(strings.ToUpper(e.CanonicalFirm), needle) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PermitCount != out[j].PermitCount {
			return out[i].PermitCount > out[j].PermitCount
		}
		return out[i].EntityID < out[j].EntityID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListEntities(ctx context.Context) ([]models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

// ── Relationships ───────────────────────────────────────────

func (s *MemoryStore) ReplaceRelationships(ctx context.Context, edges []models.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]models.Relationship, len(edges))
	copy(next, edges)
	s.relationships = next
	return nil
}

func (s *MemoryStore) NeighborsOf(ctx context.Context, entityID int64) ([]models.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Relationship
	for _, r := range s.relationships {
		if r.EntityA == entityID || r.EntityB == entityID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SharedPermits > out[j].SharedPermits })
	return out, nil
}

func (s *MemoryStore) ListRelationships(ctx context.Context, minWeight int) ([]models.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Relationship
	for _, r := range s.relationships {
		if r.SharedPermits >= minWeight {
			out = append(out, r)
		}
	}
	return out, nil
}

// ── Velocity ────────────────────────────────────────────────

func velocityKey(station, neighborhood, period, cycleType string) string {
	return station + "|" + neighborhood + "|" + period + "|" + cycleType
}

func (s *MemoryStore) ReplaceVelocity(ctx context.Context, rows []models.VelocityBaseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]*models.VelocityBaseline, len(rows))
	for i := range rows {
		r := rows[i]
		next[velocityKey(r.Station, r.Neighborhood, r.Period, r.CycleType)] = &r
	}
	s.velocity = next
	return nil
}

func (s *MemoryStore) VelocityFor(ctx context.Context, station, neighborhood, period, cycleType string) (*models.VelocityBaseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.velocity[velocityKey(station, neighborhood, period, cycleType)]
	if !ok {
		return nil, &ErrNotFound{Entity: "velocity baseline", Key: velocityKey(station, neighborhood, period, cycleType)}
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryStore) ListVelocity(ctx context.Context) ([]models.VelocityBaseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.VelocityBaseline, 0, len(s.velocity))
	for _, v := range s.velocity {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		ki := velocityKey(out[i].Station, out[i].Neighborhood, out[i].Period, out[i].CycleType)
		kj := velocityKey(out[j].Station, out[j].Neighborhood, out[j].Period, out[j].CycleType)
		return ki < kj
	})
	return out, nil
}

// ── Signals ─────────────────────────────────────────────────

func (s *MemoryStore) ReplaceSignals(ctx context.Context, permits []models.PermitSignals, properties []models.PropertyHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nextP := make(map[string]*models.PermitSignals, len(permits))
	for i := range permits {
		p := permits[i]
		nextP[p.PermitNumber] = &p
	}
	nextH := make(map[string]*models.PropertyHealth, len(properties))
	for i := range properties {
		h := properties[i]
		nextH[h.Block+"|"+h.Lot] = &h
	}
	s.permitSignals = nextP
	s.propHealth = nextH
	return nil
}

func (s *MemoryStore) SignalsByPermit(ctx context.Context, permitNumber string) (*models.PermitSignals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.permitSignals[permitNumber]
	if !ok {
		return nil, &ErrNotFound{Entity: "permit signals", Key: permitNumber}
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) HealthByParcel(ctx context.Context, block, lot string) (*models.PropertyHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.propHealth[block+"|"+lot]
	if !ok {
		return nil, &ErrNotFound{Entity: "property health", Key: block + "/" + lot}
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) ListPropertyHealth(ctx context.Context) ([]models.PropertyHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PropertyHealth, 0, len(s.propHealth))
	for _, h := range s.propHealth {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Block != out[j].Block {
			return out[i].Block < out[j].Block
		}
		return out[i].Lot < out[j].Lot
	})
	return out, nil
}

// ── Ops ─────────────────────────────────────────────────────

func (s *MemoryStore) LastSuccessfulIngest(ctx context.Context, datasetID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *time.Time
	for i := range s.ingestLog {
		e := s.ingestLog[i]
		if e.DatasetID != datasetID || e.Status != models.StatusSuccess {
			continue
		}
		if latest == nil || e.StartedAt.After(*latest) {
			t := e.StartedAt
			latest = &t
		}
	}
	return latest, nil
}

func (s *MemoryStore) RecordIngest(ctx context.Context, entry models.IngestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingestSeq++
	entry.ID = s.ingestSeq
	s.ingestLog = append(s.ingestLog, entry)
	return nil
}

func (s *MemoryStore) ListIngestLog(ctx context.Context, limit int) ([]models.IngestLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.IngestLog, len(s.ingestLog))
	copy(out, s.ingestLog)
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateCronLog(ctx context.Context, entry models.CronLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cronLog = append(s.cronLog, entry)
	return nil
}

func (s *MemoryStore) UpdateCronLog(ctx context.Context, entry models.CronLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cronLog {
		if s.cronLog[i].ID == entry.ID {
			s.cronLog[i] = entry
			return nil
		}
	}
	return &ErrNotFound{Entity: "cron log", Key: entry.ID}
}

func (s *MemoryStore) ListCronLog(ctx context.Context, limit int) ([]models.CronLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CronLog, len(s.cronLog))
	copy(out, s.cronLog)
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SweepStuckCronJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	n := 0
	for i := range s.cronLog {
		if s.cronLog[i].Status == models.StatusRunning && s.cronLog[i].StartedAt.Before(cutoff) {
			now := time.Now().UTC()
			s.cronLog[i].Status = models.StatusTimedOut
			s.cronLog[i].FinishedAt = &now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) BackupUserTables(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backupRows = len(s.cronLog) + len(s.ingestLog)
	return s.backupRows, nil
}

func (s *MemoryStore) PruneOpsLogs(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	keptCron := s.cronLog[:0]
	for _, e := range s.cronLog {
		if e.Status != models.StatusRunning && e.StartedAt.Before(before) {
			n++
			continue
		}
		keptCron = append(keptCron, e)
	}
	s.cronLog = keptCron
	keptIngest := s.ingestLog[:0]
	for _, e := range s.ingestLog {
		if e.StartedAt.Before(before) {
			n++
			continue
		}
		keptIngest = append(keptIngest, e)
	}
	s.ingestLog = keptIngest
	return n, nil
}
