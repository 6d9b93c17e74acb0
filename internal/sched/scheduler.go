// Package sched sequences the nightly pipeline: delta ingest, entity
// resolution, graph rebuild, signal and velocity refresh, and the user
// table backup. Every step execution is recorded in cron_log; failures
// skip the remaining steps and raise an alert. Background loops sweep
// stuck runs and watch data freshness.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/permitsight/permitsight/pipeline/internal/config"
	"github.com/permitsight/permitsight/pipeline/internal/graph"
	"github.com/permitsight/permitsight/pipeline/internal/ingest"
	"github.com/permitsight/permitsight/pipeline/internal/notify"
	"github.com/permitsight/permitsight/pipeline/internal/resolve"
	"github.com/permitsight/permitsight/pipeline/internal/signals"
	"github.com/permitsight/permitsight/pipeline/internal/soda"
	"github.com/permitsight/permitsight/pipeline/internal/store"
	"github.com/permitsight/permitsight/pipeline/internal/velocity"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

// Step names, in pipeline order. These are also the cron trigger names.
const (
	StepIngest   = "ingest_delta"
	StepResolve  = "resolve_entities"
	StepGraph    = "build_graph"
	StepSignals  = "refresh_signals"
	StepVelocity = "refresh_velocity"
	StepBackup   = "backup_user_tables"
)

const (
	// Step retry policy: transient failures back off 2s, 4s, 8s, 16s.
	retryInitial  = 2 * time.Second
	retryAttempts = 5

	// sweepInterval drives the stuck-run sweeper; rows running longer
	// than 2x the step timeout are marked timed out.
	sweepInterval = 10 * time.Minute
)

// ErrAlreadyRunning means a pipeline run is in flight.
var ErrAlreadyRunning = errors.New("sched: pipeline run already in progress")

// Scheduler owns the pipeline steps and the background loops.
type Scheduler struct {
	store    store.Store
	ingest   *ingest.Runner
	resolver *resolve.Resolver
	graph    *graph.Builder
	signals  *signals.Detector
	velocity *velocity.Computer
	notifier *notify.Service
	cfg      config.PipelineConfig

	running atomic.Bool
	now     func() time.Time
}

func New(st store.Store, runner *ingest.Runner, resolver *resolve.Resolver,
	builder *graph.Builder, detector *signals.Detector, computer *velocity.Computer,
	notifier *notify.Service, cfg config.PipelineConfig) *Scheduler {
	return &Scheduler{
		store:    st,
		ingest:   runner,
		resolver: resolver,
		graph:    builder,
		signals:  detector,
		velocity: computer,
		notifier: notifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type step struct {
	name string
	run  func(ctx context.Context) (int, error)
}

func (s *Scheduler) steps() []step {
	return []step{
		{StepIngest, func(ctx context.Context) (int, error) {
			sum, err := s.ingest.IngestAll(ctx)
			return sum.Rows, err
		}},
		{StepResolve, func(ctx context.Context) (int, error) {
			stats, err := s.resolver.Rebuild(ctx)
			return stats.Entities, err
		}},
		{StepGraph, s.graph.Rebuild},
		{StepSignals, func(ctx context.Context) (int, error) {
			flagged, _, err := s.signals.Rebuild(ctx)
			return flagged, err
		}},
		{StepVelocity, s.velocity.Rebuild},
		{StepBackup, s.store.BackupUserTables},
	}
}

// RunNightly executes the full pipeline in order. The first failing step
// aborts the run; the steps behind it are logged as skipped.
func (s *Scheduler) RunNightly(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	started := s.now()
	log.Info().Msg("Nightly pipeline run starting")

	steps := s.steps()
	for i, st := range steps {
		if err := s.runStep(ctx, st); err != nil {
			for _, skipped := range steps[i+1:] {
				s.logSkipped(ctx, skipped.name, st.name)
			}
			s.notifier.Dispatch(ctx, notify.NewEvent(notify.EventStepFailed,
				st.name, err.Error(), nil))
			return fmt.Errorf("nightly run: step %s: %w", st.name, err)
		}
	}
	log.Info().Dur("took", s.now().Sub(started)).Msg("Nightly pipeline run complete")
	return nil
}

// RunStep executes a single named step, for the cron trigger endpoints.
func (s *Scheduler) RunStep(ctx context.Context, name string) error {
	for _, st := range s.steps() {
		if st.name == name {
			return s.runStep(ctx, st)
		}
	}
	return fmt.Errorf("sched: unknown step %q", name)
}

// StepNames lists the valid step names in pipeline order.
func (s *Scheduler) StepNames() []string {
	steps := s.steps()
	names := make([]string, len(steps))
	for i, st := range steps {
		names[i] = st.name
	}
	return names
}

// runStep wraps one step with cron_log bookkeeping, the step timeout, and
// retries on transient errors.
func (s *Scheduler) runStep(ctx context.Context, st step) error {
	entry := models.CronLog{
		ID:        uuid.NewString(),
		Step:      st.name,
		StartedAt: s.now(),
		Status:    models.StatusRunning,
	}
	if err := s.store.CreateCronLog(ctx, entry); err != nil {
		return fmt.Errorf("create cron log: %w", err)
	}

	stepCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.StepTimeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, s.cfg.StepTimeout)
		defer cancel()
	}

	records, err := s.runWithRetries(stepCtx, st)

	finished := s.now()
	entry.FinishedAt = &finished
	entry.RecordsAffected = records
	if err != nil {
		entry.Status = models.StatusFailed
		if errors.Is(err, context.DeadlineExceeded) {
			entry.Status = models.StatusTimedOut
		}
		entry.Error = err.Error()
		log.Error().Err(err).Str("step", st.name).Msg("Pipeline step failed")
	} else {
		entry.Status = models.StatusSuccess
		log.Info().Str("step", st.name).Int("records", records).
			Dur("took", finished.Sub(entry.StartedAt)).Msg("Pipeline step complete")
	}
	if logErr := s.store.UpdateCronLog(ctx, entry); logErr != nil {
		log.Error().Err(logErr).Str("step", st.name).Msg("Failed to update cron log")
	}
	return err
}

// runWithRetries retries a step on transient errors (portal hiccups,
// derived-table swap windows) with exponential backoff.
func (s *Scheduler) runWithRetries(ctx context.Context, st step) (int, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitial
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	var records int
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		records, err = st.run(ctx)
		if err == nil || !retryable(err) {
			return records, err
		}
		wait := bo.NextBackOff()
		log.Warn().Err(err).Str("step", st.name).Int("attempt", attempt).
			Dur("wait", wait).Msg("Transient step failure, backing off")
		select {
		case <-ctx.Done():
			return records, ctx.Err()
		case <-time.After(wait):
		}
	}
	return records, fmt.Errorf("retries exhausted: %w", err)
}

func retryable(err error) bool {
	return soda.IsTransient(err) || errors.Is(err, store.ErrUnavailable)
}

func (s *Scheduler) logSkipped(ctx context.Context, name, failedStep string) {
	now := s.now()
	entry := models.CronLog{
		ID:         uuid.NewString(),
		Step:       name,
		StartedAt:  now,
		FinishedAt: &now,
		Status:     models.StatusSkipped,
		Error:      fmt.Sprintf("skipped: upstream step %s failed", failedStep),
	}
	if err := s.store.CreateCronLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("step", name).Msg("Failed to log skipped step")
	}
}

// ── Background loops ────────────────────────────────────────

// Start launches the background loops: the stuck-run sweeper, the
// staleness watchdog, and the nightly trigger when configured. They all
// stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.sweepLoop(ctx)
	go s.stalenessLoop(ctx)
	if s.cfg.NightlyHourUTC >= 0 {
		go s.nightlyLoop(ctx)
	}
}

// sweepLoop marks cron_log rows stuck in "running" as timed out. The
// threshold is twice the step timeout: anything past that did not just
// run long, its process died.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	// Rows orphaned by a crashed process are cleared on startup, not only
	// after the first tick.
	s.sweepOnce(ctx)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Scheduler) sweepOnce(ctx context.Context) {
	n, err := s.store.SweepStuckCronJobs(ctx, 2*s.cfg.StepTimeout)
	if err != nil {
		log.Error().Err(err).Msg("Stuck cron sweep failed")
		return
	}
	if n > 0 {
		log.Warn().Int("swept", n).Msg("Marked stuck cron jobs as timed out")
	}
}

// stalenessLoop alerts once a day when any dataset has not ingested
// successfully within the configured threshold.
func (s *Scheduler) stalenessLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := s.ingest.Staleness(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Staleness check failed")
			}
			if len(stale) > 0 {
				s.notifier.Dispatch(ctx, notify.NewEvent(notify.EventDataStale,
					"stale source datasets",
					fmt.Sprintf("%d dataset(s) have not ingested within %d days", len(stale), s.cfg.StaleAfterDays),
					map[string]any{"datasets": stale}))
			}
		}
	}
}

// nightlyLoop fires the full pipeline once per day at the configured UTC
// hour, then sends the morning health report.
func (s *Scheduler) nightlyLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	var lastRunDay string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.now()
			day := now.Format("2006-01-02")
			if now.Hour() != s.cfg.NightlyHourUTC || day == lastRunDay {
				continue
			}
			lastRunDay = day
			if err := s.RunNightly(ctx); err != nil {
				log.Error().Err(err).Msg("Scheduled nightly run failed")
			}
			s.SendHealthReport(ctx)
		}
	}
}

// SendHealthReport summarizes the latest pipeline state for operators.
func (s *Scheduler) SendHealthReport(ctx context.Context) {
	report := map[string]any{}

	if entries, err := s.store.ListCronLog(ctx, len(s.steps())*2); err == nil {
		latest := map[string]models.CronLog{}
		for _, e := range entries {
			if _, seen := latest[e.Step]; !seen {
				latest[e.Step] = e
			}
		}
		stepsReport := map[string]string{}
		for name, e := range latest {
			stepsReport[name] = e.Status
		}
		report["steps"] = stepsReport
	}
	if stale, err := s.ingest.Staleness(ctx); err == nil {
		report["stale_datasets"] = stale
	}
	if ingests, err := s.store.ListIngestLog(ctx, 10); err == nil {
		rows := 0
		for _, e := range ingests {
			rows += e.RowCount
		}
		report["recent_ingested_rows"] = rows
	}

	s.notifier.Dispatch(ctx, notify.NewEvent(notify.EventHealthReport,
		"morning pipeline health report", "", report))
}
