// Package store provides the analytical store interface and its two
// backends: an in-memory implementation for local dev and tests, and a
// PostgreSQL implementation for production.
//
// Raw tables (contacts, permits, inspections, addenda_routing, violations)
// are updated by upsert in place. Derived tables (entities, relationships,
// velocity_baselines, signals) follow a rebuild-then-swap discipline:
// writers fill a staging copy and swap it in atomically, so readers never
// observe a half-built table. During the swap window reads can fail with
// ErrUnavailable and callers are expected to retry.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

// Store is the full capability surface handed to pipeline components.
type Store interface {
	ContactStore
	PermitStore
	InspectionStore
	AddendaStore
	ViolationStore
	EntityStore
	RelationshipStore
	VelocityStore
	SignalStore
	OpsStore

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Raw tables ──────────────────────────────────────────────

type ContactStore interface {
	// UpsertContacts writes rows by natural key (source, permit_number,
	// seq); an existing key with a newer data_as_of is replaced. Returns
	// the number of rows written.
	UpsertContacts(ctx context.Context, rows []models.Contact) (int, error)

	// ListContacts returns every contact row. The resolver and graph
	// builder do full scans; both are bulk jobs.
	ListContacts(ctx context.Context) ([]models.Contact, error)

	ContactsByPermit(ctx context.Context, permitNumber string) ([]models.Contact, error)
	ContactsByEntity(ctx context.Context, entityID int64, limit int) ([]models.Contact, error)
}

type PermitStore interface {
	UpsertPermits(ctx context.Context, rows []models.Permit) (int, error)
	GetPermit(ctx context.Context, permitNumber string) (*models.Permit, error)
	ListPermits(ctx context.Context) ([]models.Permit, error)
}

type InspectionStore interface {
	UpsertInspections(ctx context.Context, rows []models.Inspection) (int, error)
	InspectionsByPermit(ctx context.Context, permitNumber string) ([]models.Inspection, error)
	InspectionsByInspector(ctx context.Context, inspector string) ([]models.Inspection, error)
	ListInspections(ctx context.Context) ([]models.Inspection, error)
}

type AddendaStore interface {
	UpsertAddenda(ctx context.Context, rows []models.AddendaRouting) (int, error)
	AddendaByPermit(ctx context.Context, permitNumber string) ([]models.AddendaRouting, error)
	ListAddenda(ctx context.Context) ([]models.AddendaRouting, error)
}

type ViolationStore interface {
	UpsertViolations(ctx context.Context, rows []models.Violation) (int, error)
	ListViolations(ctx context.Context) ([]models.Violation, error)
}

// ── Derived tables (rebuild-then-swap) ──────────────────────

type EntityStore interface {
	// ReplaceEntities atomically swaps in the full entity registry and
	// the contact→entity assignments (contact id → entity id) produced
	// by a resolver rebuild.
	ReplaceEntities(ctx context.Context, entities []models.Entity, assignments map[int64]int64) error

	GetEntity(ctx context.Context, entityID int64) (*models.Entity, error)

	// SearchEntities matches namePattern case-insensitively against
	// canonical_name and canonical_firm, ranked by permit_count desc.
	// entityType "" matches all types.
	SearchEntities(ctx context.Context, namePattern string, entityType models.Role, limit int) ([]models.Entity, error)

	ListEntities(ctx context.Context) ([]models.Entity, error)
}

type RelationshipStore interface {
	// ReplaceRelationships atomically swaps in the rebuilt edge table.
	ReplaceRelationships(ctx context.Context, edges []models.Relationship) error

	// NeighborsOf returns every edge touching the entity, either side.
	NeighborsOf(ctx context.Context, entityID int64) ([]models.Relationship, error)

	// ListRelationships returns edges with shared_permits >= minWeight.
	ListRelationships(ctx context.Context, minWeight int) ([]models.Relationship, error)
}

type VelocityStore interface {
	ReplaceVelocity(ctx context.Context, rows []models.VelocityBaseline) error

	// VelocityFor returns the baseline row for the exact key, or
	// ErrNotFound. neighborhood "" selects the station-only row.
	VelocityFor(ctx context.Context, station, neighborhood, period, cycleType string) (*models.VelocityBaseline, error)

	ListVelocity(ctx context.Context) ([]models.VelocityBaseline, error)
}

type SignalStore interface {
	ReplaceSignals(ctx context.Context, permits []models.PermitSignals, properties []models.PropertyHealth) error
	SignalsByPermit(ctx context.Context, permitNumber string) (*models.PermitSignals, error)
	HealthByParcel(ctx context.Context, block, lot string) (*models.PropertyHealth, error)
	ListPropertyHealth(ctx context.Context) ([]models.PropertyHealth, error)
}

// ── Operational bookkeeping ─────────────────────────────────

type OpsStore interface {
	// LastSuccessfulIngest returns the started_at of the most recent
	// successful ingest for the dataset, or nil when none exists.
	LastSuccessfulIngest(ctx context.Context, datasetID string) (*time.Time, error)

	RecordIngest(ctx context.Context, entry models.IngestLog) error
	ListIngestLog(ctx context.Context, limit int) ([]models.IngestLog, error)

	CreateCronLog(ctx context.Context, entry models.CronLog) error
	UpdateCronLog(ctx context.Context, entry models.CronLog) error
	ListCronLog(ctx context.Context, limit int) ([]models.CronLog, error)

	// SweepStuckCronJobs marks cron_log rows still "running" after
	// olderThan as timed out. Returns the number of rows swept.
	SweepStuckCronJobs(ctx context.Context, olderThan time.Duration) (int, error)

	// BackupUserTables snapshots the operator tables (cron_log,
	// ingest_log). Derived and raw tables are reproducible from the
	// source portal and are not backed up. Returns rows written.
	BackupUserTables(ctx context.Context) (int, error)

	// PruneOpsLogs deletes finished cron_log and ingest_log rows older
	// than before. Returns the number of rows deleted.
	PruneOpsLogs(ctx context.Context, before time.Time) (int, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrUnavailable is returned while a derived table is mid-swap. Callers
// should retry shortly.
var ErrUnavailable = errors.New("store: derived table rebuild in progress")

// ErrNotFound is returned when a requested row does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
