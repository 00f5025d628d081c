package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// maxBodyBytes bounds request bodies; profiles are small attribute maps.
const maxBodyBytes = 1 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   *cache.EvaluationCache
	bus     domain.EventBus
	engine  *rules.Engine
	metrics *metrics.Metrics
	version string
}

// NewHandler creates a new API handler. repo, evalCache, eventBus and m
// may each be nil; the routes that need them then answer 503.
func NewHandler(repo domain.Repository, evalCache *cache.EvaluationCache, eventBus domain.EventBus, engine *rules.Engine, m *metrics.Metrics, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   evalCache,
		bus:     eventBus,
		engine:  engine,
		metrics: m,
		version: version,
	}
}

// ProfileRequest is the request body of every profile evaluation route.
type ProfileRequest struct {
	Profile domain.BusinessProfile `json:"profile"`
}

// RulesResponse lists rules produced from one snapshot.
type RulesResponse struct {
	Rules           []*domain.ComplianceRule `json:"rules"`
	Count           int                      `json:"count"`
	SnapshotVersion uint64                   `json:"snapshotVersion"`
	Cached          bool                     `json:"cached"`
}

// CostResponse is the response for POST /compliance/cost.
type CostResponse struct {
	Cost            domain.CostSummary `json:"cost"`
	RuleCount       int                `json:"ruleCount"`
	MandatoryOnly   bool               `json:"mandatoryOnly"`
	SnapshotVersion uint64             `json:"snapshotVersion"`
}

// TimelineResponse is the response for POST /compliance/timeline.
type TimelineResponse struct {
	Timeline        []domain.TimelineEntry `json:"timeline"`
	TotalWeeks      int                    `json:"totalWeeks"`
	SnapshotVersion uint64                 `json:"snapshotVersion"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether a rule snapshot is serving.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Store().Snapshot()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready": false,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":           true,
		"snapshotVersion": snap.Version,
	})
}

// evaluateRules serves applicable, mandatory and optional through the
// evaluation cache. Cache keys carry the snapshot digest.
func (h *Handler) evaluateRules(operation string, eval func(*rules.Snapshot, domain.BusinessProfile) []*domain.ComplianceRule) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		profile, ok := decodeProfile(w, r)
		if !ok {
			return
		}
		snap, ok := h.snapshot(w)
		if !ok {
			return
		}

		key, keyErr := cache.EvaluationKey(snap.Digest, profile)
		if keyErr == nil {
			if cached, hit := h.cache.GetRules(ctx, operation, key); hit {
				writeJSON(w, http.StatusOK, RulesResponse{
					Rules:           cached,
					Count:           len(cached),
					SnapshotVersion: snap.Version,
					Cached:          true,
				})
				return
			}
		}

		start := time.Now()
		result := eval(snap, profile)
		h.metrics.ObserveEvaluateLatency(time.Since(start))
		h.metrics.ObserveEvaluation(operation)

		if keyErr == nil {
			if err := h.cache.SetRules(ctx, operation, key, result); err != nil {
				slog.Warn("failed to cache evaluation", "operation", operation, "error", err)
			}
		}

		writeJSON(w, http.StatusOK, RulesResponse{
			Rules:           result,
			Count:           len(result),
			SnapshotVersion: snap.Version,
		})
	}
}

// evaluationNamespaces are the cache namespaces holding rule lists.
var evaluationNamespaces = []string{"applicable", "mandatory", "optional"}

// Applicable handles POST /compliance/applicable.
func (h *Handler) Applicable(w http.ResponseWriter, r *http.Request) {
	h.evaluateRules("applicable", (*rules.Snapshot).Applicable)(w, r)
}

// Mandatory handles POST /compliance/mandatory.
func (h *Handler) Mandatory(w http.ResponseWriter, r *http.Request) {
	h.evaluateRules("mandatory", (*rules.Snapshot).Mandatory)(w, r)
}

// Optional handles POST /compliance/optional.
func (h *Handler) Optional(w http.ResponseWriter, r *http.Request) {
	h.evaluateRules("optional", (*rules.Snapshot).Optional)(w, r)
}

// Cost handles POST /compliance/cost. With ?mandatory=true only mandatory
// rules are summed.
func (h *Handler) Cost(w http.ResponseWriter, r *http.Request) {
	mandatoryOnly, _ := strconv.ParseBool(r.URL.Query().Get("mandatory"))

	profile, ok := decodeProfile(w, r)
	if !ok {
		return
	}
	snap, ok := h.snapshot(w)
	if !ok {
		return
	}

	var selected []*domain.ComplianceRule
	if mandatoryOnly {
		selected = snap.Mandatory(profile)
	} else {
		selected = snap.Applicable(profile)
	}
	h.metrics.ObserveEvaluation("cost")

	cost, err := h.engine.TotalCost(selected)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, CostResponse{
		Cost:            cost,
		RuleCount:       len(selected),
		MandatoryOnly:   mandatoryOnly,
		SnapshotVersion: snap.Version,
	})
}

// Timeline handles POST /compliance/timeline.
func (h *Handler) Timeline(w http.ResponseWriter, r *http.Request) {
	profile, ok := decodeProfile(w, r)
	if !ok {
		return
	}
	snap, ok := h.snapshot(w)
	if !ok {
		return
	}

	entries := h.engine.Timeline(snap.Applicable(profile))
	h.metrics.ObserveEvaluation("timeline")

	totalWeeks := 0
	if n := len(entries); n > 0 {
		last := entries[n-1]
		// a zero-day rule still occupies the week it starts in
		totalWeeks = max(last.Week, last.Week+(last.Days+6)/7-1)
	}

	writeJSON(w, http.StatusOK, TimelineResponse{
		Timeline:        entries,
		TotalWeeks:      totalWeeks,
		SnapshotVersion: snap.Version,
	})
}

// SearchRules handles GET /rules?q=keyword.
func (h *Handler) SearchRules(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.snapshot(w)
	if !ok {
		return
	}
	found := snap.Search(r.URL.Query().Get("q"))
	writeJSON(w, http.StatusOK, RulesResponse{
		Rules:           found,
		Count:           len(found),
		SnapshotVersion: snap.Version,
	})
}

// GetRule handles GET /rules/{id}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.snapshot(w)
	if !ok {
		return
	}

	ruleID := chi.URLParam(r, "id")
	rule, found := snap.FindRuleByID(ruleID)
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("rule %q not found", ruleID))
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// RuleStats handles GET /rules/stats.
func (h *Handler) RuleStats(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.snapshot(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap.Stats())
}

// ReloadRules re-reads every partition from the configured source. A
// failed reload leaves the previous snapshot serving.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	prev, _ := h.engine.Store().Snapshot()
	snap, err := h.engine.Store().Reload(ctx)
	event := domain.RulesReloaded{}
	if err != nil {
		event.Error = err.Error()
		if cur, curErr := h.engine.Store().Snapshot(); curErr == nil {
			event.Version = cur.Version
		}
	} else {
		event.Version = snap.Version
	}

	if h.bus != nil {
		if pubErr := bus.PublishJSON(ctx, h.bus, domain.GlobalScope, domain.TopicRulesReloaded, event); pubErr != nil {
			slog.Warn("failed to publish reload event", "error", pubErr)
		}
	}

	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":           err.Error(),
			"snapshotVersion": event.Version,
		})
		return
	}

	// Unchanged data keeps its digest, and so its cached answers.
	if prev != nil && prev.Digest != snap.Digest {
		dropped, dropErr := h.cache.DropSnapshot(ctx, evaluationNamespaces, prev.Digest)
		if dropErr != nil {
			slog.Warn("failed to drop cached evaluations", "digest", prev.Digest, "error", dropErr)
		} else if dropped > 0 {
			slog.Debug("dropped cached evaluations", "digest", prev.Digest, "entries", dropped)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"stats":   snap.Stats(),
	})
}

// ListPlatforms handles GET /platforms.
func (h *Handler) ListPlatforms(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.snapshot(w)
	if !ok {
		return
	}
	platforms := snap.Platforms()
	writeJSON(w, http.StatusOK, map[string]any{
		"platforms": platforms,
		"count":     len(platforms),
	})
}

// GetPlatform handles GET /platforms/{name}.
func (h *Handler) GetPlatform(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.snapshot(w)
	if !ok {
		return
	}

	name := chi.URLParam(r, "name")
	platform, found := snap.Platform(name)
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("platform %q not found", name))
		return
	}
	writeJSON(w, http.StatusOK, platform)
}

// CheckEligibility handles POST /platforms/{name}/eligibility. An unknown
// platform answers 404 with the result body so clients see the message.
func (h *Handler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	profile, ok := decodeProfile(w, r)
	if !ok {
		return
	}
	snap, ok := h.snapshot(w)
	if !ok {
		return
	}

	result := snap.CheckEligibility(chi.URLParam(r, "name"), profile)
	h.metrics.ObserveEvaluation("eligibility")

	status := http.StatusOK
	if !result.Found {
		status = http.StatusNotFound
	}
	writeJSON(w, status, result)
}

// CreateResults handles POST /businesses/{id}/results. It stores the
// applicable rules as pending results. With ?async=true the profile is
// queued for the worker instead and the call answers 202.
func (h *Handler) CreateResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	businessID := chi.URLParam(r, "id")

	profile, ok := decodeProfile(w, r)
	if !ok {
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if h.bus == nil {
			writeError(w, http.StatusServiceUnavailable, "event bus not available")
			return
		}
		submission := domain.ProfileSubmission{
			BusinessID: businessID,
			Profile:    profile,
			TraceID:    GetTraceID(ctx),
		}
		if err := bus.PublishJSON(ctx, h.bus, domain.GlobalScope, domain.TopicProfileSubmitted, submission); err != nil {
			slog.Error("failed to queue profile", "business_id", businessID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "failed to queue profile")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"businessId": businessID,
			"status":     "queued",
		})
		return
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	snap, ok := h.snapshot(w)
	if !ok {
		return
	}

	applicable := snap.Applicable(profile)
	h.metrics.ObserveEvaluation("results")

	results := rules.SnapshotResults(businessID, snap, applicable, time.Now().UTC())
	if err := h.repo.SaveComplianceResults(ctx, businessID, results); err != nil {
		slog.Error("failed to save compliance results", "business_id", businessID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save compliance results")
		return
	}

	stored, err := h.repo.ListComplianceResults(ctx, businessID)
	if err != nil {
		slog.Error("failed to list compliance results", "business_id", businessID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list compliance results")
		return
	}

	// Answer with the set just saved; retired rows stay visible on GET.
	saved := make(map[string]bool, len(results))
	for _, res := range results {
		saved[res.RuleID] = true
	}
	stored = slices.DeleteFunc(stored, func(res *domain.ComplianceResult) bool {
		return !saved[res.RuleID]
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"results":         stored,
		"count":           len(stored),
		"snapshotVersion": snap.Version,
	})
}

// ListResults handles GET /businesses/{id}/results.
func (h *Handler) ListResults(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	businessID := chi.URLParam(r, "id")
	results, err := h.repo.ListComplianceResults(r.Context(), businessID)
	if err != nil {
		slog.Error("failed to list compliance results", "business_id", businessID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list compliance results")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

// UpdateStatusRequest is the request body for PUT /businesses/{id}/results/{ruleId}.
type UpdateStatusRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes,omitempty"`
}

// UpdateResult handles PUT /businesses/{id}/results/{ruleId}.
func (h *Handler) UpdateResult(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	var req UpdateStatusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	status, err := domain.ParseComplianceStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	businessID := chi.URLParam(r, "id")
	ruleID := chi.URLParam(r, "ruleId")

	updated, err := h.repo.UpdateComplianceStatus(r.Context(), businessID, ruleID, status, req.Notes)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("no result for rule %q", ruleID))
		return
	case errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.Error("failed to update compliance status", "business_id", businessID, "rule_id", ruleID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update compliance status")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// Metrics serves Prometheus metrics.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not enabled")
		return
	}
	h.metrics.Handler().ServeHTTP(w, r)
}

// snapshot fetches the active snapshot or answers 503.
func (h *Handler) snapshot(w http.ResponseWriter) (*rules.Snapshot, bool) {
	snap, err := h.engine.Store().Snapshot()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return nil, false
	}
	w.Header().Set(SnapshotVersionHeader, strconv.FormatUint(snap.Version, 10))
	return snap, true
}

func decodeProfile(w http.ResponseWriter, r *http.Request) (domain.BusinessProfile, bool) {
	var req ProfileRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return nil, false
	}
	if req.Profile == nil {
		writeError(w, http.StatusBadRequest, "profile is required")
		return nil, false
	}
	return req.Profile, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
