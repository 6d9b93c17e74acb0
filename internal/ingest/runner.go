// Package ingest pulls the seven upstream datasets into the store. Each
// dataset gets a delta fetch keyed off its last successful run minus a
// safety overlap; loaders run in parallel under a shared fan-out limit and
// record their outcome in ingest_log.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/permitsight/permitsight/pipeline/internal/config"
	"github.com/permitsight/permitsight/pipeline/internal/soda"
	"github.com/permitsight/permitsight/pipeline/internal/store"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

const batchSize = 1000

// Runner orchestrates one ingest pass across all datasets.
type Runner struct {
	client *soda.Client
	store  store.Store
	cfg    config.SourceConfig
	pipe   config.PipelineConfig

	// now is swappable in tests.
	now func() time.Time
}

func NewRunner(client *soda.Client, st store.Store, cfg *config.Config) *Runner {
	return &Runner{
		client: client,
		store:  st,
		cfg:    cfg.Source,
		pipe:   cfg.Pipeline,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// DatasetResult is the per-dataset outcome of one ingest pass.
type DatasetResult struct {
	DatasetID string `json:"dataset_id"`
	Name      string `json:"name"`
	Rows      int    `json:"rows"`
	Skipped   int    `json:"skipped"`
	Err       string `json:"error,omitempty"`
}

// Summary aggregates one ingest pass.
type Summary struct {
	Datasets []DatasetResult `json:"datasets"`
	Rows     int             `json:"rows"`
	Skipped  int             `json:"skipped"`
}

type job struct {
	id   string
	name string
	run  func(ctx context.Context, since time.Time) (rows, skipped int, err error)
}

func (r *Runner) jobs() []job {
	ds := r.cfg.Datasets
	return []job{
		{ds.Permits, "permits", r.ingestPermits},
		{ds.BuildingContacts, "building_contacts", r.contactsJob(models.SourceBuilding)},
		{ds.ElectricalContacts, "electrical_contacts", r.contactsJob(models.SourceElectrical)},
		{ds.PlumbingContacts, "plumbing_contacts", r.contactsJob(models.SourcePlumbing)},
		{ds.Inspections, "inspections", r.ingestInspections},
		{ds.AddendaRouting, "addenda_routing", r.ingestAddenda},
		{ds.Violations, "violations", r.ingestViolations},
	}
}

// IngestAll runs every dataset loader, at most MaxParallelIngest at a time.
// A failing dataset does not cancel its siblings; the error aggregates all
// failures so the scheduler can mark the step failed.
func (r *Runner) IngestAll(ctx context.Context) (Summary, error) {
	jobs := r.jobs()
	results := make([]DatasetResult, len(jobs))

	g := &errgroup.Group{}
	g.SetLimit(r.pipe.MaxParallelIngest)
	var mu sync.Mutex

	for i, j := range jobs {
		g.Go(func() error {
			res := r.runJob(ctx, j)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			if res.Err != "" {
				return fmt.Errorf("%s: %s", j.name, res.Err)
			}
			return nil
		})
	}
	err := g.Wait()

	var sum Summary
	sum.Datasets = results
	for _, res := range results {
		sum.Rows += res.Rows
		sum.Skipped += res.Skipped
	}
	return sum, err
}

// runJob wraps one loader with cursor computation and ingest_log
// bookkeeping. Never panics the group; errors land in the result.
func (r *Runner) runJob(ctx context.Context, j job) DatasetResult {
	started := r.now()
	since := r.deltaCursor(ctx, j.id)

	rows, skipped, err := j.run(ctx, since)

	finished := r.now()
	entry := models.IngestLog{
		DatasetID:   j.id,
		StartedAt:   started,
		FinishedAt:  &finished,
		Status:      models.StatusSuccess,
		RowCount:    rows,
		SkippedRows: skipped,
	}
	res := DatasetResult{DatasetID: j.id, Name: j.name, Rows: rows, Skipped: skipped}
	if err != nil {
		entry.Status = models.StatusFailed
		entry.Error = err.Error()
		res.Err = err.Error()
		log.Error().Err(err).Str("dataset", j.name).Msg("Ingest failed")
	} else {
		log.Info().Str("dataset", j.name).Int("rows", rows).Int("skipped", skipped).
			Dur("took", finished.Sub(started)).Msg("Ingest complete")
	}
	if logErr := r.store.RecordIngest(ctx, entry); logErr != nil {
		log.Error().Err(logErr).Str("dataset", j.name).Msg("Failed to record ingest log")
	}
	return res
}

// deltaCursor returns the fetch watermark for a dataset: the last
// successful run minus the configured overlap, or zero for a full fetch.
func (r *Runner) deltaCursor(ctx context.Context, datasetID string) time.Time {
	last, err := r.store.LastSuccessfulIngest(ctx, datasetID)
	if err != nil || last == nil {
		if err != nil {
			log.Warn().Err(err).Str("dataset", datasetID).
				Msg("Delta cursor lookup failed, falling back to full fetch")
		}
		return time.Time{}
	}
	return last.AddDate(0, 0, -r.pipe.IngestOverlapDays)
}

// ── Per-dataset loaders ─────────────────────────────────────

func (r *Runner) contactsJob(source string) func(context.Context, time.Time) (int, int, error) {
	return func(ctx context.Context, since time.Time) (int, int, error) {
		return r.ingestContacts(ctx, source, since)
	}
}

func (r *Runner) ingestContacts(ctx context.Context, source string, since time.Time) (int, int, error) {
	datasetID := r.contactDataset(source)
	cur := r.client.Fetch(datasetID, soda.Query{Since: since})
	seq := map[string]int{}
	var batch []models.Contact
	rows, skipped := 0, 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := r.store.UpsertContacts(ctx, batch)
		rows += n
		batch = batch[:0]
		return err
	}

	for cur.Next(ctx) {
		c, ok := contactFromRecord(source, cur.Record(), seq)
		if !ok {
			skipped++
			continue
		}
		batch = append(batch, c)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return rows, skipped, err
			}
		}
	}
	if err := cur.Err(); err != nil {
		return rows, skipped, err
	}
	err := flush()
	warnSkipped(datasetID, skipped)
	return rows, skipped, err
}

func (r *Runner) contactDataset(source string) string {
	switch source {
	case models.SourceBuilding:
		return r.cfg.Datasets.BuildingContacts
	case models.SourceElectrical:
		return r.cfg.Datasets.ElectricalContacts
	case models.SourcePlumbing:
		return r.cfg.Datasets.PlumbingContacts
	}
	return ""
}

func (r *Runner) ingestPermits(ctx context.Context, since time.Time) (int, int, error) {
	cur := r.client.Fetch(r.cfg.Datasets.Permits, soda.Query{Since: since})
	var batch []models.Permit
	rows, skipped := 0, 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := r.store.UpsertPermits(ctx, batch)
		rows += n
		batch = batch[:0]
		return err
	}

	for cur.Next(ctx) {
		p, ok := permitFromRecord(cur.Record())
		if !ok {
			skipped++
			continue
		}
		batch = append(batch, p)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return rows, skipped, err
			}
		}
	}
	if err := cur.Err(); err != nil {
		return rows, skipped, err
	}
	err := flush()
	warnSkipped(r.cfg.Datasets.Permits, skipped)
	return rows, skipped, err
}

func (r *Runner) ingestInspections(ctx context.Context, since time.Time) (int, int, error) {
	cur := r.client.Fetch(r.cfg.Datasets.Inspections, soda.Query{Since: since})
	var batch []models.Inspection
	rows, skipped := 0, 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := r.store.UpsertInspections(ctx, batch)
		rows += n
		batch = batch[:0]
		return err
	}

	for cur.Next(ctx) {
		i, ok := inspectionFromRecord(cur.Record())
		if !ok {
			skipped++
			continue
		}
		batch = append(batch, i)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return rows, skipped, err
			}
		}
	}
	if err := cur.Err(); err != nil {
		return rows, skipped, err
	}
	err := flush()
	warnSkipped(r.cfg.Datasets.Inspections, skipped)
	return rows, skipped, err
}

func (r *Runner) ingestAddenda(ctx context.Context, since time.Time) (int, int, error) {
	cur := r.client.Fetch(r.cfg.Datasets.AddendaRouting, soda.Query{Since: since})
	var batch []models.AddendaRouting
	rows, skipped := 0, 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := r.store.UpsertAddenda(ctx, batch)
		rows += n
		batch = batch[:0]
		return err
	}

	for cur.Next(ctx) {
		a, ok := addendaFromRecord(cur.Record())
		if !ok {
			skipped++
			continue
		}
		batch = append(batch, a)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return rows, skipped, err
			}
		}
	}
	if err := cur.Err(); err != nil {
		return rows, skipped, err
	}
	err := flush()
	warnSkipped(r.cfg.Datasets.AddendaRouting, skipped)
	return rows, skipped, err
}

func (r *Runner) ingestViolations(ctx context.Context, since time.Time) (int, int, error) {
	cur := r.client.Fetch(r.cfg.Datasets.Violations, soda.Query{Since: since})
	var batch []models.Violation
	rows, skipped := 0, 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := r.store.UpsertViolations(ctx, batch)
		rows += n
		batch = batch[:0]
		return err
	}

	for cur.Next(ctx) {
		v, ok := violationFromRecord(cur.Record())
		if !ok {
			skipped++
			continue
		}
		batch = append(batch, v)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return rows, skipped, err
			}
		}
	}
	if err := cur.Err(); err != nil {
		return rows, skipped, err
	}
	err := flush()
	warnSkipped(r.cfg.Datasets.Violations, skipped)
	return rows, skipped, err
}

// Staleness reports datasets whose last successful ingest is older than
// the configured threshold (or missing entirely).
func (r *Runner) Staleness(ctx context.Context) ([]string, error) {
	cutoff := r.now().AddDate(0, 0, -r.pipe.StaleAfterDays)
	var stale []string
	var errs []error
	for _, j := range r.jobs() {
		last, err := r.store.LastSuccessfulIngest(ctx, j.id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", j.name, err))
			continue
		}
		if last == nil || last.Before(cutoff) {
			stale = append(stale, j.name)
		}
	}
	return stale, errors.Join(errs...)
}
