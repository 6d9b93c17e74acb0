// Package retention prunes operational bookkeeping tables. The cron_log
// and ingest_log tables grow by a handful of rows per pipeline run and
// are only useful for recent troubleshooting; the janitor deletes rows
// past the retention window so the ops tables stay small. Backups taken
// by the backup step cover anything older.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown. Rows still marked running are
// never pruned; the scheduler's sweeper owns those.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/permitsight/permitsight/pipeline/internal/store"
)

// DefaultRetentionDays is used when the configured window is not positive.
const DefaultRetentionDays = 90

const cycleTimeout = 5 * time.Minute

// Janitor periodically deletes expired ops log rows.
type Janitor struct {
	store         store.Store
	interval      time.Duration
	retentionDays int
}

// NewJanitor creates a janitor that prunes rows older than retentionDays
// on the given interval.
func NewJanitor(s store.Store, interval time.Duration, retentionDays int) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Janitor{store: s, interval: interval, retentionDays: retentionDays}
}

// Start runs the janitor loop. It blocks until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Int("retention_days", j.retentionDays).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

// runCycle performs one retention sweep.
func (j *Janitor) runCycle(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, cycleTimeout)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -j.retentionDays)
	pruned, err := j.store.PruneOpsLogs(cctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("Retention cycle failed")
		return
	}
	if pruned > 0 {
		log.Info().
			Int("pruned_rows", pruned).
			Time("cutoff", cutoff).
			Msg("Retention cycle complete")
	}
}
