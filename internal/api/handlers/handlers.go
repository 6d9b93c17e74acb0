// Package handlers implements the HTTP handlers for the permit pipeline:
// the read-side query endpoints, the operational status endpoint, and the
// secret-guarded cron triggers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/permitsight/permitsight/pipeline/internal/api/middleware"
	"github.com/permitsight/permitsight/pipeline/internal/config"
	"github.com/permitsight/permitsight/pipeline/internal/ingest"
	"github.com/permitsight/permitsight/pipeline/internal/query"
	"github.com/permitsight/permitsight/pipeline/internal/sched"
	"github.com/permitsight/permitsight/pipeline/internal/store"
	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store  store.Store
	Query  *query.Service
	Sched  *sched.Scheduler
	Ingest *ingest.Runner
	Usage  *middleware.UsageCounter
	Config *config.Config
}

// New creates a Handlers instance with all dependencies.
func New(st store.Store, qs *query.Service, sc *sched.Scheduler, runner *ingest.Runner,
	usage *middleware.UsageCounter, cfg *config.Config) *Handlers {
	return &Handlers{
		Store:  st,
		Query:  qs,
		Sched:  sc,
		Ingest: runner,
		Usage:  usage,
		Config: cfg,
	}
}

// ── Operational ──────────────────────────────────────────────

// Status reports the pipeline's recent runs and data freshness.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cronLog, err := h.Store.ListCronLog(ctx, 20)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ingestLog, err := h.Store.ListIngestLog(ctx, 20)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stale, err := h.Ingest.Staleness(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Staleness check failed during status")
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"cron_log":       cronLog,
		"ingest_log":     ingestLog,
		"stale_datasets": stale,
	})
}

// ── Query endpoints ──────────────────────────────────────────

func (h *Handlers) SearchEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	matches, err := h.Query.SearchEntity(r.Context(), q.Get("name"), models.Role(q.Get("type")), limit)
	if err != nil {
		respondQueryError(w, err)
		return
	}
	if matches == nil {
		matches = []query.EntityMatch{}
	}
	respondJSON(w, http.StatusOK, matches)
}

func (h *Handlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "entityID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "entity id must be an integer")
		return
	}
	entity, err := h.Store.GetEntity(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	contacts, err := h.Store.ContactsByEntity(r.Context(), id, 50)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"entity":   entity,
		"contacts": contacts,
	})
}

func (h *Handlers) EntityNetwork(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "entityID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "entity id must be an integer")
		return
	}
	hops := 1
	if v := r.URL.Query().Get("hops"); v != "" {
		hops, _ = strconv.Atoi(v)
	}
	net, err := h.Query.EntityNetwork(r.Context(), id, hops)
	if err != nil {
		respondQueryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, net)
}

func (h *Handlers) InspectorLinks(w http.ResponseWriter, r *http.Request) {
	links, err := h.Query.InspectorContractorLinks(r.Context(), chi.URLParam(r, "inspector"))
	if err != nil {
		respondQueryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, links)
}

func (h *Handlers) FindClusters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	minWeight, _ := strconv.Atoi(q.Get("min_weight"))
	minSize, _ := strconv.Atoi(q.Get("min_size"))
	clusters, err := h.Query.FindClusters(r.Context(), minWeight, minSize)
	if err != nil {
		respondQueryError(w, err)
		return
	}
	if clusters == nil {
		clusters = []query.Cluster{}
	}
	respondJSON(w, http.StatusOK, clusters)
}

func (h *Handlers) AnomalyScan(w http.ResponseWriter, r *http.Request) {
	report, err := h.Query.AnomalyScan(r.Context())
	if err != nil {
		respondQueryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (h *Handlers) GetPermit(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "permitNumber")
	permit, err := h.Store.GetPermit(r.Context(), number)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	out := map[string]any{"permit": permit}
	if sig, err := h.Store.SignalsByPermit(r.Context(), number); err == nil {
		out["signals"] = sig
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) DiagnosePermit(w http.ResponseWriter, r *http.Request) {
	d, err := h.Query.DiagnoseStuckPermit(r.Context(), chi.URLParam(r, "permitNumber"))
	if err != nil {
		respondQueryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (h *Handlers) EstimateTimeline(w http.ResponseWriter, r *http.Request) {
	var req query.TimelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	est, err := h.Query.EstimateTimeline(r.Context(), req)
	if err != nil {
		respondQueryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, est)
}

func (h *Handlers) PropertyHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.Store.HealthByParcel(r.Context(), chi.URLParam(r, "block"), chi.URLParam(r, "lot"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, health)
}

func (h *Handlers) Velocity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	station := q.Get("station")
	if station == "" {
		rows, err := h.Store.ListVelocity(r.Context())
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, rows)
		return
	}
	period := q.Get("period")
	if period == "" {
		period = models.PeriodCurrent
	}
	cycle := q.Get("cycle")
	if cycle == "" {
		cycle = models.CycleInitial
	}
	row, err := h.Store.VelocityFor(r.Context(), station, q.Get("neighborhood"), period, cycle)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, row)
}

// ── Cron triggers ────────────────────────────────────────────

// TriggerNightly kicks off the full pipeline in the background; the cron
// caller gets an immediate 202 instead of holding a connection open for
// the whole run.
func (h *Handlers) TriggerNightly(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := h.Sched.RunNightly(context.Background()); err != nil {
			if errors.Is(err, sched.ErrAlreadyRunning) {
				log.Warn().Msg("Nightly trigger ignored: run already in progress")
				return
			}
			log.Error().Err(err).Msg("Triggered nightly run failed")
		}
	}()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// TriggerStep runs a single pipeline step synchronously.
func (h *Handlers) TriggerStep(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.Sched.RunStep(r.Context(), name); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "step": name})
	}
}

// AggregateUsage drains the in-memory API usage counters and records the
// aggregation as a cron_log row, so /status carries the request totals
// alongside the pipeline runs.
func (h *Handlers) AggregateUsage(w http.ResponseWriter, r *http.Request) {
	counts := h.Usage.Drain()
	total := 0
	for _, n := range counts {
		total += n
	}

	now := time.Now().UTC()
	entry := models.CronLog{
		ID:              uuid.NewString(),
		Step:            "aggregate_api_usage",
		StartedAt:       now,
		FinishedAt:      &now,
		Status:          models.StatusSuccess,
		RecordsAffected: total,
	}
	if err := h.Store.CreateCronLog(r.Context(), entry); err != nil {
		log.Error().Err(err).Msg("Failed to record usage aggregation")
	}

	log.Info().Int("requests", total).Interface("by_route", counts).
		Msg("API usage aggregated")
	respondJSON(w, http.StatusOK, map[string]any{"requests": total, "by_route": counts})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondQueryError(w http.ResponseWriter, err error) {
	switch query.ErrKind(err) {
	case query.KindBadRequest:
		respondError(w, http.StatusBadRequest, err.Error())
	case query.KindNotFound:
		respondError(w, http.StatusNotFound, err.Error())
	case query.KindUnavailable:
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case store.IsNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
