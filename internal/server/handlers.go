package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"quota-watch/internal/breaker"
	"quota-watch/internal/model"
	"quota-watch/internal/service"
	"quota-watch/internal/storage"
	"quota-watch/internal/version"
)

type errorResponse struct {
	Error string `json:"error"`
}

// usageView is the latest known state of one source.
type usageView struct {
	Source  model.Source   `json:"source"`
	Latest  *model.Sample  `json:"latest,omitempty"`
	Circuit *breaker.State `json:"circuit,omitempty"`
}

type healthResponse struct {
	Status          string               `json:"status"`
	Version         string               `json:"version"`
	ContractVersion string               `json:"contract_version"`
	UptimeSeconds   int64                `json:"uptime_seconds"`
	Timestamp       time.Time            `json:"timestamp"`
	Negotiation     *version.Negotiation `json:"negotiation,omitempty"`
}

// handleHealth answers the handshake. A client may pass ?contract=X.Y; an
// incompatible major yields 409 with the negotiation outcome.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:          "ok",
		Version:         version.Version,
		ContractVersion: version.ContractVersion,
		UptimeSeconds:   int64(time.Since(s.opts.StartedAt).Seconds()),
		Timestamp:       time.Now().UTC(),
	}
	if client := r.URL.Query().Get("contract"); client != "" {
		// Negotiate from the client's side: the server is the remote.
		local, err := version.ParseContract(client)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		n := version.Negotiate(local, version.ContractVersion)
		resp.Negotiation = &n
		if !n.Compatible {
			resp.Status = "incompatible"
			writeJSON(w, http.StatusConflict, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAgentInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":           version.Current(),
		"pid":               os.Getpid(),
		"started_at":        s.opts.StartedAt,
		"uptime_seconds":    int64(time.Since(s.opts.StartedAt).Seconds()),
		"working_directory": workingDir(),
		"database_path":     s.opts.DatabasePath,
		"debug":             s.opts.Debug,
		"refresh_interval":  s.opts.RefreshInterval.String(),
		"configured_count":  s.opts.SourceCount,
		"adapters":          s.opts.Adapters,
		"telemetry":         s.refresher.Telemetry().Snapshot(),
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sources, err := s.store.ListSources(ctx)
	if err != nil {
		s.handleError(w, err)
		return
	}
	latest, err := s.store.LatestSamples(ctx)
	if err != nil {
		s.handleError(w, err)
		return
	}
	bySource := make(map[string]model.Sample, len(latest))
	for _, sample := range latest {
		bySource[sample.SourceID] = sample
	}

	includeInactive := r.URL.Query().Get("all") == "true"
	views := make([]usageView, 0, len(sources))
	for _, src := range sources {
		if !src.Active && !includeInactive {
			continue
		}
		view := usageView{Source: src}
		if sample, ok := bySource[src.ID]; ok {
			view.Latest = &sample
		}
		if st, ok := s.refresher.Breaker().Get(src.ID); ok {
			view.Circuit = &st
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q, err := historyQuery(r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	samples, err := s.store.ListSamples(r.Context(), q)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if samples == nil {
		samples = []model.Sample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

// historyQuery reads source_id, hours or from/to (RFC3339) and limit.
func historyQuery(r *http.Request) (storage.HistoryQuery, error) {
	values := r.URL.Query()
	q := storage.HistoryQuery{SourceID: values.Get("source_id")}

	hours, err := intParam(r, "hours", 0)
	if err != nil {
		return q, err
	}
	if hours < 0 {
		return q, model.ValidationErrorf("hours must be positive")
	}
	if hours > 0 {
		q.From = time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	}
	for key, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		raw := values.Get(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, model.ValidationErrorf("%s must be RFC3339: %v", key, err)
		}
		*dst = t
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.From.Before(q.To) {
		return q, model.ValidationErrorf("from must be before to")
	}

	q.Limit, err = intParam(r, "limit", 0)
	if err != nil {
		return q, err
	}
	if q.Limit < 0 {
		return q, model.ValidationErrorf("limit must be positive")
	}
	return q, nil
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var opts service.RefreshOptions
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &opts); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	values := r.URL.Query()
	if values.Get("force") == "true" {
		opts.ForceAll = true
	}
	if values.Get("bypass_circuit_breaker") == "true" {
		opts.BypassBreaker = true
	}
	if ids := splitIDs(values.Get("source_id")); len(ids) > 0 {
		opts.IncludeSourceIDs = append(opts.IncludeSourceIDs, ids...)
	}

	res, err := s.refresher.TriggerRefresh(r.Context(), opts)
	if err != nil {
		s.logger.Error().Err(err).Msg("manual refresh failed")
		writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}
	if sources == nil {
		sources = []model.Source{}
	}
	writeJSON(w, http.StatusOK, sources)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	res, err := s.refresher.CheckSource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResets(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		s.handleError(w, err)
		return
	}
	events, err := s.store.ListResetEvents(r.Context(), r.URL.Query().Get("source_id"), limit)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if events == nil {
		events = []model.ResetEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		s.handleError(w, err)
		return
	}
	snaps, err := s.store.ListRawSnapshots(r.Context(), r.URL.Query().Get("source_id"), limit)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if snaps == nil {
		snaps = []model.RawSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleBurnRate(w http.ResponseWriter, r *http.Request) {
	ids, lookback, maxSamples, err := s.analyticsParams(r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	out, err := s.analytics.GetBurnRateForecasts(r.Context(), ids, lookback, maxSamples)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	ids, lookback, maxSamples, err := s.analyticsParams(r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	out, err := s.analytics.GetUsageAnomalies(r.Context(), ids, lookback, maxSamples)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReliability(w http.ResponseWriter, r *http.Request) {
	ids, lookback, maxSamples, err := s.analyticsParams(r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	out, err := s.analytics.GetProviderReliability(r.Context(), ids, lookback, maxSamples)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// analyticsParams reads source_id (comma separated), lookback_hours and
// max_samples. Range checks are left to the engine.
func (s *Server) analyticsParams(r *http.Request) ([]string, int, int, error) {
	lookback, err := intParam(r, "lookback_hours", s.opts.DefaultLookbackHours)
	if err != nil {
		return nil, 0, 0, err
	}
	maxSamples, err := intParam(r, "max_samples", s.opts.DefaultMaxSamples)
	if err != nil {
		return nil, 0, 0, err
	}
	return splitIDs(r.URL.Query().Get("source_id")), lookback, maxSamples, nil
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"circuits": s.refresher.Breaker().Snapshot(),
		"open":     s.refresher.Breaker().OpenSources(),
	})
}

func (s *Server) handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		s.logger.Error().Err(err).Msg("query failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func intParam(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, model.ValidationErrorf("%s must be an integer", key)
	}
	return v, nil
}

func splitIDs(raw string) []string {
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
