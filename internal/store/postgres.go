package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store on PostgreSQL via pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool

	// swapping is set while a derived-table swap transaction runs; reads
	// of derived tables fail fast with ErrUnavailable during that window.
	swapping atomic.Bool
}

// NewPostgresStore connects, pings, and migrates the schema.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	log.Info().Msg("PostgreSQL store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the schema. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS contacts (
		id                  BIGSERIAL PRIMARY KEY,
		source              TEXT NOT NULL,
		permit_number       TEXT NOT NULL,
		seq                 INT NOT NULL,
		role                TEXT NOT NULL,
		name                TEXT NOT NULL DEFAULT '',
		first_name          TEXT NOT NULL DEFAULT '',
		last_name           TEXT NOT NULL DEFAULT '',
		firm_name           TEXT NOT NULL DEFAULT '',
		pts_agent_id        TEXT,
		license_number      TEXT,
		sf_business_license TEXT,
		phone               TEXT NOT NULL DEFAULT '',
		street_number       TEXT NOT NULL DEFAULT '',
		street_name         TEXT NOT NULL DEFAULT '',
		city                TEXT NOT NULL DEFAULT '',
		state               TEXT NOT NULL DEFAULT '',
		zip                 TEXT NOT NULL DEFAULT '',
		is_applicant        BOOLEAN NOT NULL DEFAULT FALSE,
		from_date           TIMESTAMPTZ,
		entity_id           BIGINT,
		data_as_of          TIMESTAMPTZ NOT NULL,
		UNIQUE (source, permit_number, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_contacts_permit ON contacts (permit_number);
	CREATE INDEX IF NOT EXISTS idx_contacts_agent ON contacts (pts_agent_id);
	CREATE INDEX IF NOT EXISTS idx_contacts_license ON contacts (license_number);
	CREATE INDEX IF NOT EXISTS idx_contacts_bizlic ON contacts (sf_business_license);
	CREATE INDEX IF NOT EXISTS idx_contacts_entity ON contacts (entity_id);

	CREATE TABLE IF NOT EXISTS permits (
		permit_number  TEXT PRIMARY KEY,
		permit_type    TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT '',
		status_date    TIMESTAMPTZ,
		filed_date     TIMESTAMPTZ,
		issued_date    TIMESTAMPTZ,
		approved_date  TIMESTAMPTZ,
		completed_date TIMESTAMPTZ,
		estimated_cost DOUBLE PRECISION,
		street_number  TEXT NOT NULL DEFAULT '',
		street_name    TEXT NOT NULL DEFAULT '',
		neighborhood   TEXT NOT NULL DEFAULT '',
		block          TEXT NOT NULL DEFAULT '',
		lot            TEXT NOT NULL DEFAULT '',
		description    TEXT NOT NULL DEFAULT '',
		data_as_of     TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_permits_parcel ON permits (block, lot);
	CREATE INDEX IF NOT EXISTS idx_permits_neighborhood ON permits (neighborhood);

	CREATE TABLE IF NOT EXISTS inspections (
		id               BIGSERIAL PRIMARY KEY,
		reference_number TEXT NOT NULL,
		inspection_type  TEXT NOT NULL DEFAULT '',
		inspection_date  TIMESTAMPTZ,
		result           TEXT NOT NULL DEFAULT '',
		inspector        TEXT NOT NULL DEFAULT '',
		data_as_of       TIMESTAMPTZ NOT NULL,
		UNIQUE (reference_number, inspection_type, inspection_date, inspector)
	);
	CREATE INDEX IF NOT EXISTS idx_inspections_ref ON inspections (reference_number);
	CREATE INDEX IF NOT EXISTS idx_inspections_inspector ON inspections (inspector);

	CREATE TABLE IF NOT EXISTS addenda_routing (
		id               BIGSERIAL PRIMARY KEY,
		permit_number    TEXT NOT NULL,
		station          TEXT NOT NULL DEFAULT '',
		addenda_number   INT NOT NULL DEFAULT 0,
		arrive_date      TIMESTAMPTZ,
		finish_date      TIMESTAMPTZ,
		review_result    TEXT NOT NULL DEFAULT '',
		hold_description TEXT NOT NULL DEFAULT '',
		reviewer         TEXT NOT NULL DEFAULT '',
		data_as_of       TIMESTAMPTZ NOT NULL,
		UNIQUE (permit_number, station, addenda_number, arrive_date)
	);
	CREATE INDEX IF NOT EXISTS idx_addenda_dedup ON addenda_routing (permit_number, station, addenda_number);

	CREATE TABLE IF NOT EXISTS violations (
		id               BIGSERIAL PRIMARY KEY,
		complaint_number TEXT NOT NULL UNIQUE,
		block            TEXT NOT NULL DEFAULT '',
		lot              TEXT NOT NULL DEFAULT '',
		street_number    TEXT NOT NULL DEFAULT '',
		street_name      TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT '',
		filed_date       TIMESTAMPTZ,
		description      TEXT NOT NULL DEFAULT '',
		data_as_of       TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_violations_parcel ON violations (block, lot);

	CREATE TABLE IF NOT EXISTS entities (
		entity_id             BIGINT PRIMARY KEY,
		canonical_name        TEXT NOT NULL DEFAULT '',
		canonical_firm        TEXT NOT NULL DEFAULT '',
		entity_type           TEXT NOT NULL DEFAULT 'other',
		pts_agent_id          TEXT,
		license_number        TEXT,
		sf_business_license   TEXT,
		resolution_method     TEXT NOT NULL,
		resolution_confidence TEXT NOT NULL,
		contact_count         INT NOT NULL DEFAULT 0,
		permit_count          INT NOT NULL DEFAULT 0,
		source_datasets       TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_entities_name ON entities (canonical_name);

	CREATE TABLE IF NOT EXISTS relationships (
		entity_id_a          BIGINT NOT NULL,
		entity_id_b          BIGINT NOT NULL,
		shared_permits       INT NOT NULL,
		permit_numbers       TEXT NOT NULL DEFAULT '',
		permit_types         TEXT NOT NULL DEFAULT '',
		date_range_start     TIMESTAMPTZ,
		date_range_end       TIMESTAMPTZ,
		total_estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		neighborhoods        TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (entity_id_a, entity_id_b),
		CHECK (entity_id_a < entity_id_b)
	);
	CREATE INDEX IF NOT EXISTS idx_relationships_b ON relationships (entity_id_b);

	CREATE TABLE IF NOT EXISTS velocity_baselines (
		station        TEXT NOT NULL,
		neighborhood   TEXT NOT NULL DEFAULT '',
		period         TEXT NOT NULL,
		cycle_type     TEXT NOT NULL,
		window_days    INT NOT NULL,
		sample_count   INT NOT NULL,
		p25            DOUBLE PRECISION NOT NULL,
		p50            DOUBLE PRECISION NOT NULL,
		p75            DOUBLE PRECISION NOT NULL,
		p90            DOUBLE PRECISION NOT NULL,
		low_confidence BOOLEAN NOT NULL DEFAULT FALSE,
		computed_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (station, neighborhood, period, cycle_type)
	);

	CREATE TABLE IF NOT EXISTS permit_signals (
		permit_number       TEXT PRIMARY KEY,
		hold_comments       BOOLEAN NOT NULL DEFAULT FALSE,
		hold_stalled        BOOLEAN NOT NULL DEFAULT FALSE,
		expired_uninspected BOOLEAN NOT NULL DEFAULT FALSE,
		stale_with_activity BOOLEAN NOT NULL DEFAULT FALSE,
		evidence            TEXT NOT NULL DEFAULT '',
		computed_at         TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS property_health (
		block           TEXT NOT NULL,
		lot             TEXT NOT NULL,
		tier            TEXT NOT NULL,
		signals         TEXT NOT NULL DEFAULT '',
		permit_count    INT NOT NULL DEFAULT 0,
		open_violations INT NOT NULL DEFAULT 0,
		computed_at     TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (block, lot)
	);

	CREATE TABLE IF NOT EXISTS ingest_log (
		id            BIGSERIAL PRIMARY KEY,
		dataset_id    TEXT NOT NULL,
		started_at    TIMESTAMPTZ NOT NULL,
		finished_at   TIMESTAMPTZ,
		status        TEXT NOT NULL,
		row_count     INT NOT NULL DEFAULT 0,
		skipped_rows  INT NOT NULL DEFAULT 0,
		error         TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_ingest_log_dataset ON ingest_log (dataset_id, started_at DESC);

	CREATE TABLE IF NOT EXISTS cron_log (
		id               TEXT PRIMARY KEY,
		step             TEXT NOT NULL,
		started_at       TIMESTAMPTZ NOT NULL,
		finished_at      TIMESTAMPTZ,
		status           TEXT NOT NULL,
		records_affected INT NOT NULL DEFAULT 0,
		error            TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_cron_log_started ON cron_log (started_at DESC);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) derivedReadGuard() error {
	if s.swapping.Load() {
		return ErrUnavailable
	}
	return nil
}

// ── Contacts ────────────────────────────────────────────────

func (s *PostgresStore) UpsertContacts(ctx context.Context, rows []models.Contact) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, c := range rows {
		batch.Queue(`
			INSERT INTO contacts (source, permit_number, seq, role, name, first_name, last_name,
				firm_name, pts_agent_id, license_number, sf_business_license, phone,
				street_number, street_name, city, state, zip, is_applicant, from_date, data_as_of)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
			ON CONFLICT (source, permit_number, seq) DO UPDATE SET
				role = EXCLUDED.role, name = EXCLUDED.name,
				first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name,
				firm_name = EXCLUDED.firm_name, pts_agent_id = EXCLUDED.pts_agent_id,
				license_number = EXCLUDED.license_number,
				sf_business_license = EXCLUDED.sf_business_license,
				phone = EXCLUDED.phone, street_number = EXCLUDED.street_number,
				street_name = EXCLUDED.street_name, city = EXCLUDED.city,
				state = EXCLUDED.state, zip = EXCLUDED.zip,
				is_applicant = EXCLUDED.is_applicant, from_date = EXCLUDED.from_date,
				data_as_of = EXCLUDED.data_as_of
			WHERE contacts.data_as_of <= EXCLUDED.data_as_of`,
			c.Source, c.PermitNumber, c.Seq, string(c.Role), c.Name, c.FirstName, c.LastName,
			c.FirmName, nullStr(c.PTSAgentID), nullStr(c.LicenseNumber), nullStr(c.SFBusinessLicense), c.Phone,
			c.StreetNumber, c.StreetName, c.City, c.State, c.Zip, c.IsApplicant, c.FromDate, c.DataAsOf)
	}
	return s.sendBatch(ctx, batch, "contacts")
}

const contactCols = `id, source, permit_number, seq, role, name, first_name, last_name,
	firm_name, COALESCE(pts_agent_id,''), COALESCE(license_number,''),
	COALESCE(sf_business_license,''), phone, street_number, street_name, city, state, zip,
	is_applicant, from_date, entity_id, data_as_of`

func scanContact(row pgx.CollectableRow) (models.Contact, error) {
	var c models.Contact
	var role string
	err := row.Scan(&c.ID, &c.Source, &c.PermitNumber, &c.Seq, &role, &c.Name, &c.FirstName,
		&c.LastName, &c.FirmName, &c.PTSAgentID, &c.LicenseNumber, &c.SFBusinessLicense,
		&c.Phone, &c.StreetNumber, &c.StreetName, &c.City, &c.State, &c.Zip,
		&c.IsApplicant, &c.FromDate, &c.EntityID, &c.DataAsOf)
	c.Role = models.Role(role)
	return c, err
}

func (s *PostgresStore) queryContacts(ctx context.Context, where string, args ...any) ([]models.Contact, error) {
	q := "SELECT " + contactCols + " FROM contacts " + where + " ORDER BY id"
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	return pgx.CollectRows(rows, scanContact)
}

func (s *PostgresStore) ListContacts(ctx context.Context) ([]models.Contact, error) {
	return s.queryContacts(ctx, "")
}

func (s *PostgresStore) ContactsByPermit(ctx context.Context, permitNumber string) ([]models.Contact, error) {
	return s.queryContacts(ctx, "WHERE permit_number = $1", permitNumber)
}

func (s *PostgresStore) ContactsByEntity(ctx context.Context, entityID int64, limit int) ([]models.Contact, error) {
	if limit <= 0 {
		limit = 100
	}
	q := "SELECT " + contactCols + " FROM contacts WHERE entity_id = $1 ORDER BY id LIMIT $2"
	rows, err := s.pool.Query(ctx, q, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query contacts by entity: %w", err)
	}
	return pgx.CollectRows(rows, scanContact)
}

// ── Permits ─────────────────────────────────────────────────

func (s *PostgresStore) UpsertPermits(ctx context.Context, rows []models.Permit) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, p := range rows {
		batch.Queue(`
			INSERT INTO permits (permit_number, permit_type, status, status_date, filed_date,
				issued_date, approved_date, completed_date, estimated_cost, street_number,
				street_name, neighborhood, block, lot, description, data_as_of)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			ON CONFLICT (permit_number) DO UPDATE SET
				permit_type = EXCLUDED.permit_type, status = EXCLUDED.status,
				status_date = EXCLUDED.status_date, filed_date = EXCLUDED.filed_date,
				issued_date = EXCLUDED.issued_date, approved_date = EXCLUDED.approved_date,
				completed_date = EXCLUDED.completed_date, estimated_cost = EXCLUDED.estimated_cost,
				street_number = EXCLUDED.street_number, street_name = EXCLUDED.street_name,
				neighborhood = EXCLUDED.neighborhood, block = EXCLUDED.block,
				lot = EXCLUDED.lot, description = EXCLUDED.description,
				data_as_of = EXCLUDED.data_as_of
			WHERE permits.data_as_of <= EXCLUDED.data_as_of`,
			p.PermitNumber, p.PermitType, p.Status, p.StatusDate, p.FiledDate,
			p.IssuedDate, p.ApprovedDate, p.CompletedDate, p.EstimatedCost, p.StreetNumber,
			p.StreetName, p.Neighborhood, p.Block, p.Lot, p.Description, p.DataAsOf)
	}
	return s.sendBatch(ctx, batch, "permits")
}

const permitCols = `permit_number, permit_type, status, status_date, filed_date, issued_date,
	approved_date, completed_date, estimated_cost, street_number, street_name,
	neighborhood, block, lot, description, data_as_of`

func scanPermit(row pgx.CollectableRow) (models.Permit, error) {
	var p models.Permit
	err := row.Scan(&p.PermitNumber, &p.PermitType, &p.Status, &p.StatusDate, &p.FiledDate,
		&p.IssuedDate, &p.ApprovedDate, &p.CompletedDate, &p.EstimatedCost, &p.StreetNumber,
		&p.StreetName, &p.Neighborhood, &p.Block, &p.Lot, &p.Description, &p.DataAsOf)
	return p, err
}

func (s *PostgresStore) GetPermit(ctx context.Context, permitNumber string) (*models.Permit, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+permitCols+" FROM permits WHERE permit_number = $1", permitNumber)
	if err != nil {
		return nil, fmt.Errorf("get permit: %w", err)
	}
	p, err := pgx.CollectOneRow(rows, scanPermit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "permit", Key: permitNumber}
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListPermits(ctx context.Context) ([]models.Permit, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+permitCols+" FROM permits ORDER BY permit_number")
	if err != nil {
		return nil, fmt.Errorf("list permits: %w", err)
	}
	return pgx.CollectRows(rows, scanPermit)
}

// ── Inspections ─────────────────────────────────────────────

func (s *PostgresStore) UpsertInspections(ctx context.Context, rows []models.Inspection) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO inspections (reference_number, inspection_type, inspection_date, result, inspector, data_as_of)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (reference_number, inspection_type, inspection_date, inspector) DO UPDATE SET
				result = EXCLUDED.result, data_as_of = EXCLUDED.data_as_of
			WHERE inspections.data_as_of <= EXCLUDED.data_as_of`,
			r.ReferenceNumber, r.InspectionType, r.InspectionDate, r.Result, r.Inspector, r.DataAsOf)
	}
	return s.sendBatch(ctx, batch, "inspections")
}

const inspectionCols = `id, reference_number, inspection_type, inspection_date, result, inspector, data_as_of`

func scanInspection(row pgx.CollectableRow) (models.Inspection, error) {
	var r models.Inspection
	err := row.Scan(&r.ID, &r.ReferenceNumber, &r.InspectionType, &r.InspectionDate, &r.Result, &r.Inspector, &r.DataAsOf)
	return r, err
}

func (s *PostgresStore) InspectionsByPermit(ctx context.Context, permitNumber string) ([]models.Inspection, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+inspectionCols+" FROM inspections WHERE reference_number = $1 ORDER BY id", permitNumber)
	if err != nil {
		return nil, fmt.Errorf("inspections by permit: %w", err)
	}
	return pgx.CollectRows(rows, scanInspection)
}

func (s *PostgresStore) InspectionsByInspector(ctx context.Context, inspector string) ([]models.Inspection, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+inspectionCols+" FROM inspections WHERE UPPER(inspector) = UPPER($1) ORDER BY id", inspector)
	if err != nil {
		return nil, fmt.Errorf("inspections by inspector: %w", err)
	}
	return pgx.CollectRows(rows, scanInspection)
}

func (s *PostgresStore) ListInspections(ctx context.Context) ([]models.Inspection, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+inspectionCols+" FROM inspections ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list inspections: %w", err)
	}
	return pgx.CollectRows(rows, scanInspection)
}

// ── Addenda routing ─────────────────────────────────────────

func (s *PostgresStore) UpsertAddenda(ctx context.Context, rows []models.AddendaRouting) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO addenda_routing (permit_number, station, addenda_number, arrive_date,
				finish_date, review_result, hold_description, reviewer, data_as_of)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (permit_number, station, addenda_number, arrive_date) DO UPDATE SET
				finish_date = EXCLUDED.finish_date, review_result = EXCLUDED.review_result,
				hold_description = EXCLUDED.hold_description, reviewer = EXCLUDED.reviewer,
				data_as_of = EXCLUDED.data_as_of
			WHERE addenda_routing.data_as_of <= EXCLUDED.data_as_of`,
			r.PermitNumber, r.Station, r.AddendaNumber, r.ArriveDate,
			r.FinishDate, r.ReviewResult, r.HoldDescription, r.Reviewer, r.DataAsOf)
	}
	return s.sendBatch(ctx, batch, "addenda_routing")
}

const addendaCols = `id, permit_number, station, addenda_number, arrive_date, finish_date,
	review_result, hold_description, reviewer, data_as_of`

func scanAddenda(row pgx.CollectableRow) (models.AddendaRouting, error) {
	var r models.AddendaRouting
	err := row.Scan(&r.ID, &r.PermitNumber, &r.Station, &r.AddendaNumber, &r.ArriveDate,
		&r.FinishDate, &r.ReviewResult, &r.HoldDescription, &r.Reviewer, &r.DataAsOf)
	return r, err
}

func (s *PostgresStore) AddendaByPermit(ctx context.Context, permitNumber string) ([]models.AddendaRouting, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+addendaCols+" FROM addenda_routing WHERE permit_number = $1 ORDER BY id", permitNumber)
	if err != nil {
		return nil, fmt.Errorf("addenda by permit: %w", err)
	}
	return pgx.CollectRows(rows, scanAddenda)
}

func (s *PostgresStore) ListAddenda(ctx context.Context) ([]models.AddendaRouting, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+addendaCols+" FROM addenda_routing ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list addenda: %w", err)
	}
	return pgx.CollectRows(rows, scanAddenda)
}

// ── Violations ──────────────────────────────────────────────

func (s *PostgresStore) UpsertViolations(ctx context.Context, rows []models.Violation) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, v := range rows {
		batch.Queue(`
			INSERT INTO violations (complaint_number, block, lot, street_number, street_name,
				status, filed_date, description, data_as_of)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (complaint_number) DO UPDATE SET
				block = EXCLUDED.block, lot = EXCLUDED.lot,
				street_number = EXCLUDED.street_number, street_name = EXCLUDED.street_name,
				status = EXCLUDED.status, filed_date = EXCLUDED.filed_date,
				description = EXCLUDED.description, data_as_of = EXCLUDED.data_as_of
			WHERE violations.data_as_of <= EXCLUDED.data_as_of`,
			v.ComplaintNum, v.Block, v.Lot, v.StreetNumber, v.StreetName,
			v.Status, v.FiledDate, v.Description, v.DataAsOf)
	}
	return s.sendBatch(ctx, batch, "violations")
}

func (s *PostgresStore) ListViolations(ctx context.Context) ([]models.Violation, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, complaint_number, block, lot, street_number,
		street_name, status, filed_date, description, data_as_of FROM violations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Violation, error) {
		var v models.Violation
		err := row.Scan(&v.ID, &v.ComplaintNum, &v.Block, &v.Lot, &v.StreetNumber,
			&v.StreetName, &v.Status, &v.FiledDate, &v.Description, &v.DataAsOf)
		return v, err
	})
}

// ── Entities ────────────────────────────────────────────────

func (s *PostgresStore) ReplaceEntities(ctx context.Context, entities []models.Entity, assignments map[int64]int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin entity swap: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `CREATE TABLE entities_staging (LIKE entities INCLUDING ALL)`); err != nil {
		return fmt.Errorf("create entities staging: %w", err)
	}
	if len(entities) > 0 {
		cols := []string{"entity_id", "canonical_name", "canonical_firm", "entity_type",
			"pts_agent_id", "license_number", "sf_business_license", "resolution_method",
			"resolution_confidence", "contact_count", "permit_count", "source_datasets"}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"entities_staging"}, cols,
			pgx.CopyFromSlice(len(entities), func(i int) ([]any, error) {
				e := entities[i]
				return []any{e.EntityID, e.CanonicalName, e.CanonicalFirm, string(e.EntityType),
					nullStr(e.PTSAgentID), nullStr(e.LicenseNumber), nullStr(e.SFBusinessLicense),
					string(e.ResolutionMethod), string(e.ResolutionConfidence),
					e.ContactCount, e.PermitCount, joinList(e.SourceDatasets)}, nil
			}))
		if err != nil {
			return fmt.Errorf("copy entities staging: %w", err)
		}
	}

	ids := make([]int64, 0, len(assignments))
	eids := make([]int64, 0, len(assignments))
	for cid, eid := range assignments {
		ids = append(ids, cid)
		eids = append(eids, eid)
	}

	// The swap window: drop+rename plus the assignment rewrite. Readers
	// fail fast with ErrUnavailable instead of blocking on the lock.
	s.swapping.Store(true)
	defer s.swapping.Store(false)

	if _, err := tx.Exec(ctx, `DROP TABLE entities`); err != nil {
		return fmt.Errorf("drop entities: %w", err)
	}
	if _, err := tx.Exec(ctx, `ALTER TABLE entities_staging RENAME TO entities`); err != nil {
		return fmt.Errorf("rename entities staging: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE contacts SET entity_id = NULL`); err != nil {
		return fmt.Errorf("clear assignments: %w", err)
	}
	if len(ids) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE contacts SET entity_id = x.eid
			FROM (SELECT unnest($1::bigint[]) AS cid, unnest($2::bigint[]) AS eid) x
			WHERE contacts.id = x.cid`, ids, eids)
		if err != nil {
			return fmt.Errorf("write assignments: %w", err)
		}
	}
	// Edges referencing dropped entities must not survive.
	if _, err := tx.Exec(ctx, `
		DELETE FROM relationships r WHERE
			NOT EXISTS (SELECT 1 FROM entities e WHERE e.entity_id = r.entity_id_a) OR
			NOT EXISTS (SELECT 1 FROM entities e WHERE e.entity_id = r.entity_id_b)`); err != nil {
		return fmt.Errorf("prune orphan edges: %w", err)
	}
	return tx.Commit(ctx)
}

const entityCols = `entity_id, canonical_name, canonical_firm, entity_type,
	COALESCE(pts_agent_id,''), COALESCE(license_number,''), COALESCE(sf_business_license,''),
	resolution_method, resolution_confidence, contact_count, permit_count, source_datasets`

func scanEntity(row pgx.CollectableRow) (models.Entity, error) {
	var e models.Entity
	var etype, method, conf, sources string
	err := row.Scan(&e.EntityID, &e.CanonicalName, &e.CanonicalFirm, &etype,
		&e.PTSAgentID, &e.LicenseNumber, &e.SFBusinessLicense,
		&method, &conf, &e.ContactCount, &e.PermitCount, &sources)
	e.EntityType = models.Role(etype)
	e.ResolutionMethod = models.ResolutionMethod(method)
	e.ResolutionConfidence = models.Confidence(conf)
	e.SourceDatasets = splitList(sources)
	return e, err
}

func (s *PostgresStore) GetEntity(ctx context.Context, entityID int64) (*models.Entity, error) {
	if err := s.derivedReadGuard(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, "SELECT "+entityCols+" FROM entities WHERE entity_id = $1", entityID)
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	e, err := pgx.CollectOneRow(rows, scanEntity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "entity", Key: strconv.FormatInt(entityID, 10)}
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) SearchEntities(ctx context.Context, namePattern string, entityType models.Role, limit int) ([]models.Entity, error) {
	if err := s.derivedReadGuard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	q := "SELECT " + entityCols + ` FROM entities
		WHERE (canonical_name ILIKE $1 OR canonical_firm ILIKE $1)`
	args := []any{"%" + namePattern + "%"}
	if entityType != "" {
		q += " AND entity_type = $2"
		args = append(args, string(entityType))
	}
	q += fmt.Sprintf(" ORDER BY permit_count DESC, entity_id LIMIT %d", limit)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	return pgx.CollectRows(rows, scanEntity)
}

func (s *PostgresStore) ListEntities(ctx context.Context) ([]models.Entity, error) {
	if err := s.derivedReadGuard(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, "SELECT "+entityCols+" FROM entities ORDER BY entity_id")
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return pgx.CollectRows(rows, scanEntity)
}

// ── Relationships ───────────────────────────────────────────

func (s *PostgresStore) ReplaceRelationships(ctx context.Context, edges []models.Relationship) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin edge swap: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `CREATE TABLE relationships_staging (LIKE relationships INCLUDING ALL)`); err != nil {
		return fmt.Errorf("create edge staging: %w", err)
	}
	if len(edges) > 0 {
		cols := []string{"entity_id_a", "entity_id_b", "shared_permits", "permit_numbers",
			"permit_types", "date_range_start", "date_range_end", "total_estimated_cost", "neighborhoods"}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"relationships_staging"}, cols,
			pgx.CopyFromSlice(len(edges), func(i int) ([]any, error) {
				e := edges[i]
				return []any{e.EntityA, e.EntityB, e.SharedPermits, joinList(e.PermitNumbers),
					joinList(e.PermitTypes), e.DateRangeStart, e.DateRangeEnd,
					e.TotalEstimatedCost, joinList(e.Neighborhoods)}, nil
			}))
		if err != nil {
			return fmt.Errorf("copy edge staging: %w", err)
		}
	}

	s.swapping.Store(true)
	defer s.swapping.Store(false)

	if _, err := tx.Exec(ctx, `DROP TABLE relationships`); err != nil {
		return fmt.Errorf("drop relationships: %w", err)
	}
	if _, err := tx.Exec(ctx, `ALTER TABLE relationships_staging RENAME TO relationships`); err != nil {
		return fmt.Errorf("rename edge staging: %w", err)
	}
	return tx.Commit(ctx)
}

const relationshipCols = `entity_id_a, entity_id_b, shared_permits, permit_numbers,
	permit_types, date_range_start, date_range_end, total_estimated_cost, neighborhoods`

func scanRelationship(row pgx.CollectableRow) (models.Relationship, error) {
	var r models.Relationship
	var permits, types, hoods string
	err := row.Scan(&r.EntityA, &r.EntityB, &r.SharedPermits, &permits,
		&types, &r.DateRangeStart, &r.DateRangeEnd, &r.TotalEstimatedCost, &hoods)
	r.PermitNumbers = splitList(permits)
	r.PermitTypes = splitList(types)
	r.Neighborhoods = splitList(hoods)
	return r, err
}

func (s *PostgresStore) NeighborsOf(ctx context.Context, entityID int64) ([]models.Relationship, error) {
	if err := s.derivedReadGuard(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, "SELECT "+relationshipCols+` FROM relationships
		WHERE entity_id_a = $1 OR entity_id_b = $1
		ORDER BY shared_permits DESC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("neighbors of: %w", err)
	}
	return pgx.CollectRows(rows, scanRelationship)
}

func (s *PostgresStore) ListRelationships(ctx context.Context, minWeight int) ([]models.Relationship, error) {
	if err := s.derivedReadGuard(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		"SELECT "+relationshipCols+" FROM relationships WHERE shared_permits >= $1", minWeight)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	return pgx.CollectRows(rows, scanRelationship)
}

// ── Velocity ────────────────────────────────────────────────

func (s *PostgresStore) ReplaceVelocity(ctx context.Context, rows []models.VelocityBaseline) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin velocity swap: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `CREATE TABLE velocity_staging (LIKE velocity_baselines INCLUDING ALL)`); err != nil {
		return fmt.Errorf("create velocity staging: %w", err)
	}
	if len(rows) > 0 {
		cols := []string{"station", "neighborhood", "period", "cycle_type", "window_days",
			"sample_count", "p25", "p50", "p75", "p90", "low_confidence", "computed_at"}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"velocity_staging"}, cols,
			pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
				v := rows[i]
				return []any{v.Station, v.Neighborhood, v.Period, v.CycleType, v.WindowDays,
					v.SampleCount, v.P25, v.P50, v.P75, v.P90, v.LowConfidence, v.ComputedAt}, nil
			}))
		if err != nil {
			return fmt.Errorf("copy velocity staging: %w", err)
		}
	}

	s.swapping.Store(true)
	defer s.swapping.Store(false)

	if _, err := tx.Exec(ctx, `DROP TABLE velocity_baselines`); err != nil {
		return fmt.Errorf("drop velocity: %w", err)
	}
	if _, err := tx.Exec(ctx, `ALTER TABLE velocity_staging RENAME TO velocity_baselines`); err != nil {
		return fmt.Errorf("rename velocity staging: %w", err)
	}
	return tx.Commit(ctx)
}

const velocityCols = `station, neighborhood, period, cycle_type, window_days, sample_count,
	p25, p50, p75, p90, low_confidence, computed_at`

func scanVelocity(row pgx.CollectableRow) (models.VelocityBaseline, error) {
	var v models.VelocityBaseline
	err := row.Scan(&v.Station, &v.Neighborhood, &v.Period, &v.CycleType, &v.WindowDays,
		&v.SampleCount, &v.P25, &v.P50, &v.P75, &v.P90, &v.LowConfidence, &v.ComputedAt)
	return v, err
}

func (s *PostgresStore) VelocityFor(ctx context.Context, station, neighborhood, period, cycleType string) (*models.VelocityBaseline, error) {
	if err := s.derivedReadGuard(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, "SELECT "+velocityCols+` FROM velocity_baselines
		WHERE station = $1 AND neighborhood = $2 AND period = $3 AND cycle_type = $4`,
		station, neighborhood, period, cycleType)
	if err != nil {
		return nil, fmt.Errorf("velocity for: %w", err)
	}
	v, err := pgx.CollectOneRow(rows, scanVelocity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "velocity baseline", Key: station + "/" + neighborhood}
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) ListVelocity(ctx context.Context) ([]models.VelocityBaseline, error) {
	if err := s.derivedReadGuard(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		"SELECT "+velocityCols+" FROM velocity_baselines ORDER BY station, neighborhood, period, cycle_type")
	if err != nil {
		return nil, fmt.Errorf("list velocity: %w", err)
	}
	return pgx.CollectRows(rows, scanVelocity)
}

// ── Signals ─────────────────────────────────────────────────

func (s *PostgresStore) ReplaceSignals(ctx context.Context, permits []models.PermitSignals, properties []models.PropertyHealth) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin signals swap: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `CREATE TABLE permit_signals_staging (LIKE permit_signals INCLUDING ALL)`); err != nil {
		return fmt.Errorf("create signals staging: %w", err)
	}
	if _, err := tx.Exec(ctx, `CREATE TABLE property_health_staging (LIKE property_health INCLUDING ALL)`); err != nil {
		return fmt.Errorf("create health staging: %w", err)
	}
	if len(permits) > 0 {
		cols := []string{"permit_number", "hold_comments", "hold_stalled", "expired_uninspected",
			"stale_with_activity", "evidence", "computed_at"}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"permit_signals_staging"}, cols,
			pgx.CopyFromSlice(len(permits), func(i int) ([]any, error) {
				p := permits[i]
				return []any{p.PermitNumber, p.HoldComments, p.HoldStalled, p.ExpiredUninspected,
					p.StaleWithActivity, joinList(p.Evidence), p.ComputedAt}, nil
			}))
		if err != nil {
			return fmt.Errorf("copy signals staging: %w", err)
		}
	}
	if len(properties) > 0 {
		cols := []string{"block", "lot", "tier", "signals", "permit_count", "open_violations", "computed_at"}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"property_health_staging"}, cols,
			pgx.CopyFromSlice(len(properties), func(i int) ([]any, error) {
				h := properties[i]
				return []any{h.Block, h.Lot, string(h.Tier), joinList(h.Signals),
					h.PermitCount, h.OpenViolations, h.ComputedAt}, nil
			}))
		if err != nil {
			return fmt.Errorf("copy health staging: %w", err)
		}
	}

	s.swapping.Store(true)
	defer s.swapping.Store(false)

	for _, stmt := range []string{
		`DROP TABLE permit_signals`,
		`ALTER TABLE permit_signals_staging RENAME TO permit_signals`,
		`DROP TABLE property_health`,
		`ALTER TABLE property_health_staging RENAME TO property_health`,
	} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("signals swap: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SignalsByPermit(ctx context.Context, permitNumber string) (*models.PermitSignals, error) {
	if err := s.derivedReadGuard(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT permit_number, hold_comments, hold_stalled,
		expired_uninspected, stale_with_activity, evidence, computed_at
		FROM permit_signals WHERE permit_number = $1`, permitNumber)
	if err != nil {
		return nil, fmt.Errorf("signals by permit: %w", err)
	}
	p, err := pgx.CollectOneRow(rows, func(row pgx.CollectableRow) (models.PermitSignals, error) {
		var p models.PermitSignals
		var evidence string
		err := row.Scan(&p.PermitNumber, &p.HoldComments, &p.HoldStalled,
			&p.ExpiredUninspected, &p.StaleWithActivity, &evidence, &p.ComputedAt)
		p.Evidence = splitList(evidence)
		return p, err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "permit signals", Key: permitNumber}
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPropertyHealth(row pgx.CollectableRow) (models.PropertyHealth, error) {
	var h models.PropertyHealth
	var tier, signals string
	err := row.Scan(&h.Block, &h.Lot, &tier, &signals, &h.PermitCount, &h.OpenViolations, &h.ComputedAt)
	h.Tier = models.HealthTier(tier)
	h.Signals = splitList(signals)
	return h, err
}

func (s *PostgresStore) HealthByParcel(ctx context.Context, block, lot string) (*models.PropertyHealth, error) {
	if err := s.derivedReadGuard(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT block, lot, tier, signals, permit_count,
		open_violations, computed_at FROM property_health WHERE block = $1 AND lot = $2`, block, lot)
	if err != nil {
		return nil, fmt.Errorf("health by parcel: %w", err)
	}
	h, err := pgx.CollectOneRow(rows, scanPropertyHealth)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "property health", Key: block + "/" + lot}
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *PostgresStore) ListPropertyHealth(ctx context.Context) ([]models.PropertyHealth, error) {
	if err := s.derivedReadGuard(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT block, lot, tier, signals, permit_count,
		open_violations, computed_at FROM property_health ORDER BY block, lot`)
	if err != nil {
		return nil, fmt.Errorf("list property health: %w", err)
	}
	return pgx.CollectRows(rows, scanPropertyHealth)
}

// ── Ops ─────────────────────────────────────────────────────

func (s *PostgresStore) LastSuccessfulIngest(ctx context.Context, datasetID string) (*time.Time, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(started_at) FROM ingest_log
		WHERE dataset_id = $1 AND status = $2`, datasetID, models.StatusSuccess).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("last successful ingest: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) RecordIngest(ctx context.Context, entry models.IngestLog) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO ingest_log
		(dataset_id, started_at, finished_at, status, row_count, skipped_rows, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.DatasetID, entry.StartedAt, entry.FinishedAt, entry.Status,
		entry.RowCount, entry.SkippedRows, entry.Error)
	if err != nil {
		return fmt.Errorf("record ingest: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListIngestLog(ctx context.Context, limit int) ([]models.IngestLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT id, dataset_id, started_at, finished_at, status,
		row_count, skipped_rows, error FROM ingest_log ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list ingest log: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.IngestLog, error) {
		var e models.IngestLog
		err := row.Scan(&e.ID, &e.DatasetID, &e.StartedAt, &e.FinishedAt, &e.Status,
			&e.RowCount, &e.SkippedRows, &e.Error)
		return e, err
	})
}

func (s *PostgresStore) CreateCronLog(ctx context.Context, entry models.CronLog) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO cron_log
		(id, step, started_at, finished_at, status, records_affected, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.ID, entry.Step, entry.StartedAt, entry.FinishedAt, entry.Status,
		entry.RecordsAffected, entry.Error)
	if err != nil {
		return fmt.Errorf("create cron log: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCronLog(ctx context.Context, entry models.CronLog) error {
	tag, err := s.pool.Exec(ctx, `UPDATE cron_log SET finished_at = $2, status = $3,
		records_affected = $4, error = $5 WHERE id = $1`,
		entry.ID, entry.FinishedAt, entry.Status, entry.RecordsAffected, entry.Error)
	if err != nil {
		return fmt.Errorf("update cron log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "cron log", Key: entry.ID}
	}
	return nil
}

func (s *PostgresStore) ListCronLog(ctx context.Context, limit int) ([]models.CronLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT id, step, started_at, finished_at, status,
		records_affected, error FROM cron_log ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list cron log: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.CronLog, error) {
		var e models.CronLog
		err := row.Scan(&e.ID, &e.Step, &e.StartedAt, &e.FinishedAt, &e.Status,
			&e.RecordsAffected, &e.Error)
		return e, err
	})
}

func (s *PostgresStore) SweepStuckCronJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `UPDATE cron_log SET status = $1, finished_at = $2
		WHERE status = $3 AND started_at < $4`,
		models.StatusTimedOut, now, models.StatusRunning, now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("sweep stuck cron jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) BackupUserTables(ctx context.Context) (int, error) {
	suffix := time.Now().UTC().Format("20060102")
	total := 0
	for _, table := range []string{"cron_log", "ingest_log"} {
		backup := table + "_backup_" + suffix
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, backup)); err != nil {
			return total, fmt.Errorf("drop stale backup %s: %w", backup, err)
		}
		tag, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE %s AS SELECT * FROM %s`, backup, table))
		if err != nil {
			return total, fmt.Errorf("backup %s: %w", table, err)
		}
		total += int(tag.RowsAffected())
	}
	return total, nil
}

func (s *PostgresStore) PruneOpsLogs(ctx context.Context, before time.Time) (int, error) {
	total := 0
	tag, err := s.pool.Exec(ctx, `DELETE FROM cron_log WHERE status <> $1 AND started_at < $2`,
		models.StatusRunning, before)
	if err != nil {
		return total, fmt.Errorf("prune cron_log: %w", err)
	}
	total += int(tag.RowsAffected())
	tag, err = s.pool.Exec(ctx, `DELETE FROM ingest_log WHERE started_at < $1`, before)
	if err != nil {
		return total, fmt.Errorf("prune ingest_log: %w", err)
	}
	total += int(tag.RowsAffected())
	return total, nil
}

// ── Helpers ─────────────────────────────────────────────────

func (s *PostgresStore) sendBatch(ctx context.Context, batch *pgx.Batch, table string) (int, error) {
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	n := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			return n, fmt.Errorf("upsert %s: %w", table, err)
		}
		n += int(tag.RowsAffected())
	}
	return n, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func joinList(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += "|"
		}
		out += it
	}
	return out
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}
