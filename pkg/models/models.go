// Package models defines the shared data model for the permit pipeline:
// raw ingested rows (contacts, permits, inspections, addenda routing,
// violations), the derived analytical rows (entities, relationships,
// velocity baselines, signals), and the operational bookkeeping rows
// (ingest log, cron log).
package models

import "time"

// ── Sources and roles ────────────────────────────────────────

// Contact source datasets. The three contact feeds land in one unified
// contacts table with Source as the discriminator.
const (
	SourceBuilding   = "building"
	SourceElectrical = "electrical"
	SourcePlumbing   = "plumbing"
)

// Role is the canonical actor role on a permit.
type Role string

const (
	RoleContractor     Role = "contractor"
	RoleArchitect      Role = "architect"
	RoleEngineer       Role = "engineer"
	RoleAgent          Role = "agent"
	RoleExpediter      Role = "expediter"
	RoleDesigner       Role = "designer"
	RoleOwner          Role = "owner"
	RoleLessee         Role = "lessee"
	RolePayor          Role = "payor"
	RoleProjectContact Role = "project_contact"
	RoleAttorney       Role = "attorney"
	RoleSubcontractor  Role = "subcontractor"
	RoleOther          Role = "other"
)

// Roles lists every canonical role value.
func Roles() []Role {
	return []Role{
		RoleContractor, RoleArchitect, RoleEngineer, RoleAgent,
		RoleExpediter, RoleDesigner, RoleOwner, RoleLessee, RolePayor,
		RoleProjectContact, RoleAttorney, RoleSubcontractor, RoleOther,
	}
}

// ── Raw rows ─────────────────────────────────────────────────

// Contact is one (permit, actor) co-appearance as reported by a source
// dataset. Natural key: (Source, PermitNumber, Seq).
type Contact struct {
	ID                int64      `json:"id"`
	Source            string     `json:"source"`
	PermitNumber      string     `json:"permit_number"`
	Seq               int        `json:"seq"` // row position within the permit in the source feed
	Role              Role       `json:"role"`
	Name              string     `json:"name"` // normalized full name
	FirstName         string     `json:"first_name,omitempty"`
	LastName          string     `json:"last_name,omitempty"`
	FirmName          string     `json:"firm_name,omitempty"`
	PTSAgentID        string     `json:"pts_agent_id,omitempty"` // building source only
	LicenseNumber     string     `json:"license_number,omitempty"`
	SFBusinessLicense string     `json:"sf_business_license,omitempty"`
	Phone             string     `json:"phone,omitempty"`
	StreetNumber      string     `json:"street_number,omitempty"`
	StreetName        string     `json:"street_name,omitempty"`
	City              string     `json:"city,omitempty"`
	State             string     `json:"state,omitempty"`
	Zip               string     `json:"zip,omitempty"`
	IsApplicant       bool       `json:"is_applicant"`
	FromDate          *time.Time `json:"from_date,omitempty"`
	EntityID          *int64     `json:"entity_id,omitempty"` // assigned by the resolver
	DataAsOf          time.Time  `json:"data_as_of"`
}

// Permit is the canonical record for one permit.
type Permit struct {
	PermitNumber  string     `json:"permit_number"`
	PermitType    string     `json:"permit_type"`
	Status        string     `json:"status"`
	StatusDate    *time.Time `json:"status_date,omitempty"`
	FiledDate     *time.Time `json:"filed_date,omitempty"`
	IssuedDate    *time.Time `json:"issued_date,omitempty"`
	ApprovedDate  *time.Time `json:"approved_date,omitempty"`
	CompletedDate *time.Time `json:"completed_date,omitempty"`
	EstimatedCost *float64   `json:"estimated_cost,omitempty"`
	StreetNumber  string     `json:"street_number,omitempty"`
	StreetName    string     `json:"street_name,omitempty"`
	Neighborhood  string     `json:"neighborhood,omitempty"`
	Block         string     `json:"block,omitempty"`
	Lot           string     `json:"lot,omitempty"`
	Description   string     `json:"description,omitempty"`
	DataAsOf      time.Time  `json:"data_as_of"`
}

// Inspection is one inspection event against a permit. ReferenceNumber
// joins to Permit.PermitNumber.
type Inspection struct {
	ID              int64      `json:"id"`
	ReferenceNumber string     `json:"reference_number"`
	InspectionType  string     `json:"inspection_type,omitempty"`
	InspectionDate  *time.Time `json:"inspection_date,omitempty"`
	Result          string     `json:"result,omitempty"`
	Inspector       string     `json:"inspector,omitempty"`
	DataAsOf        time.Time  `json:"data_as_of"`
}

// AddendaRouting is one (permit, station, cycle) routing event, the
// substrate of velocity, hold, and stuck-permit analysis.
// AddendaNumber 0 is the initial review pass; >=1 are revision cycles.
type AddendaRouting struct {
	ID              int64      `json:"id"`
	PermitNumber    string     `json:"permit_number"`
	Station         string     `json:"station"`
	AddendaNumber   int        `json:"addenda_number"`
	ArriveDate      *time.Time `json:"arrive_date,omitempty"`
	FinishDate      *time.Time `json:"finish_date,omitempty"`
	ReviewResult    string     `json:"review_result,omitempty"`
	HoldDescription string     `json:"hold_description,omitempty"`
	Reviewer        string     `json:"reviewer,omitempty"`
	DataAsOf        time.Time  `json:"data_as_of"`
}

// Violation is one notice of violation. Joined to permits by block+lot,
// or by street number+name when the parcel is missing.
type Violation struct {
	ID           int64      `json:"id"`
	ComplaintNum string     `json:"complaint_number"`
	Block        string     `json:"block,omitempty"`
	Lot          string     `json:"lot,omitempty"`
	StreetNumber string     `json:"street_number,omitempty"`
	StreetName   string     `json:"street_name,omitempty"`
	Status       string     `json:"status,omitempty"`
	FiledDate    *time.Time `json:"filed_date,omitempty"`
	Description  string     `json:"description,omitempty"`
	DataAsOf     time.Time  `json:"data_as_of"`
}

// ── Derived rows ─────────────────────────────────────────────

// ResolutionMethod says which cascade step produced an entity.
type ResolutionMethod string

const (
	ResolvedByAgentID         ResolutionMethod = "pts_agent_id"
	ResolvedByLicense         ResolutionMethod = "license_number"
	ResolvedByBusinessLicense ResolutionMethod = "sf_business_license"
	ResolvedByFuzzyName       ResolutionMethod = "fuzzy_name"
	ResolvedAsSingleton       ResolutionMethod = "singleton"
)

// Confidence grades how trustworthy a resolution is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Entity is a deduplicated real-world actor aggregating many contact rows.
type Entity struct {
	EntityID             int64            `json:"entity_id"`
	CanonicalName        string           `json:"canonical_name"`
	CanonicalFirm        string           `json:"canonical_firm,omitempty"`
	EntityType           Role             `json:"entity_type"`
	PTSAgentID           string           `json:"pts_agent_id,omitempty"`
	LicenseNumber        string           `json:"license_number,omitempty"`
	SFBusinessLicense    string           `json:"sf_business_license,omitempty"`
	ResolutionMethod     ResolutionMethod `json:"resolution_method"`
	ResolutionConfidence Confidence       `json:"resolution_confidence"`
	ContactCount         int              `json:"contact_count"`
	PermitCount          int              `json:"permit_count"`
	SourceDatasets       []string         `json:"source_datasets,omitempty"`
}

// Relationship is an undirected co-occurrence edge between two entities.
// Canonical ordering: EntityA < EntityB. No self-loops.
type Relationship struct {
	EntityA            int64      `json:"entity_id_a"`
	EntityB            int64      `json:"entity_id_b"`
	SharedPermits      int        `json:"shared_permits"`           // edge weight
	PermitNumbers      []string   `json:"permit_numbers,omitempty"` // ascending sample, max 20
	PermitTypes        []string   `json:"permit_types,omitempty"`
	DateRangeStart     *time.Time `json:"date_range_start,omitempty"`
	DateRangeEnd       *time.Time `json:"date_range_end,omitempty"`
	TotalEstimatedCost float64    `json:"total_estimated_cost"`
	Neighborhoods      []string   `json:"neighborhoods,omitempty"`
}

// Velocity periods and cycle types.
const (
	PeriodCurrent  = "current"
	PeriodBaseline = "baseline"

	CycleInitial  = "initial"
	CycleRevision = "revision"
)

// VelocityBaseline summarizes review durations at a station over a rolling
// window. Neighborhood is empty for station-only rows.
type VelocityBaseline struct {
	Station       string    `json:"station"`
	Neighborhood  string    `json:"neighborhood,omitempty"`
	Period        string    `json:"period"`     // current | baseline
	CycleType     string    `json:"cycle_type"` // initial | revision
	WindowDays    int       `json:"window_days"`
	SampleCount   int       `json:"sample_count"`
	P25           float64   `json:"p25"`
	P50           float64   `json:"p50"`
	P75           float64   `json:"p75"`
	P90           float64   `json:"p90"`
	LowConfidence bool      `json:"low_confidence"`
	ComputedAt    time.Time `json:"computed_at"`
}

// Trend labels for current vs baseline p50 comparison.
const (
	TrendSlower = "slower"
	TrendFaster = "faster"
	TrendNormal = "normal"
)

// ── Signals ──────────────────────────────────────────────────

// Signal names used in PermitSignals and PropertyHealth.
const (
	SignalHoldComments       = "hold_comments"
	SignalHoldStalled        = "hold_stalled"
	SignalExpiredUninspected = "expired_uninspected"
	SignalStaleWithActivity  = "stale_with_activity"
	SignalNOVOpen            = "nov_open"
)

// PermitSignals carries the per-permit boolean health signals with the
// evidence strings that justified each one.
type PermitSignals struct {
	PermitNumber       string    `json:"permit_number"`
	HoldComments       bool      `json:"hold_comments"`
	HoldStalled        bool      `json:"hold_stalled"`
	ExpiredUninspected bool      `json:"expired_uninspected"`
	StaleWithActivity  bool      `json:"stale_with_activity"`
	Evidence           []string  `json:"evidence,omitempty"`
	ComputedAt         time.Time `json:"computed_at"`
}

// Any reports whether at least one signal fired.
func (s PermitSignals) Any() bool {
	return s.HoldComments || s.HoldStalled || s.ExpiredUninspected || s.StaleWithActivity
}

// HealthTier is the compound per-property risk classification.
type HealthTier string

const (
	TierHighRisk HealthTier = "HIGH_RISK"
	TierAtRisk   HealthTier = "AT_RISK"
	TierBehind   HealthTier = "BEHIND"
	TierOnTrack  HealthTier = "ON_TRACK"
	TierQuiet    HealthTier = "QUIET"
)

// PropertyHealth aggregates permit signals and open violations for one
// parcel (block+lot).
type PropertyHealth struct {
	Block          string     `json:"block"`
	Lot            string     `json:"lot"`
	Tier           HealthTier `json:"tier"`
	Signals        []string   `json:"signals,omitempty"` // distinct fired signal names
	PermitCount    int        `json:"permit_count"`
	OpenViolations int        `json:"open_violations"`
	ComputedAt     time.Time  `json:"computed_at"`
}

// ── Operational bookkeeping ──────────────────────────────────

// Job/step outcomes recorded in ingest_log and cron_log.
const (
	StatusRunning  = "running"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
	StatusTimedOut = "failed (timed out)"
)

// IngestLog records one fetch attempt against a source dataset. The latest
// success row per dataset is the delta cursor for the next run.
type IngestLog struct {
	ID          int64      `json:"id"`
	DatasetID   string     `json:"dataset_id"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Status      string     `json:"status"`
	RowCount    int        `json:"row_count"`
	SkippedRows int        `json:"skipped_rows"`
	Error       string     `json:"error,omitempty"`
}

// CronLog records one scheduler step execution.
type CronLog struct {
	ID              string     `json:"id"`
	Step            string     `json:"step"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Status          string     `json:"status"`
	RecordsAffected int        `json:"records_affected"`
	Error           string     `json:"error,omitempty"`
}
