package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"waterguard/internal/alerts"
	"waterguard/internal/config"
	"waterguard/internal/consumption"
	"waterguard/internal/dataset"
	"waterguard/internal/engine"
	"waterguard/internal/metrics"
	"waterguard/internal/model"
	"waterguard/internal/normalize"
	"waterguard/internal/overrides"
)

// Backend is the part of the service the HTTP surface drives.
type Backend interface {
	Config() *config.Manager
	Alerts() *alerts.Store
	Metrics() *metrics.Collector
	Snapshot() *dataset.Snapshot
	Evaluate(ctx context.Context, at time.Time, th config.Thresholds) (*engine.Report, error)
	Series(ctx context.Context, entity model.EntityType, id string, end time.Time, hours int) (model.Series, error)
	InjectOverrides(records []overrides.Record) (int, error)
	Reload(ctx context.Context) (*dataset.Snapshot, error)
}

type Server struct {
	backend Backend
	logger  *slog.Logger
	version string
	started time.Time
}

type statusResponse struct {
	Status     string           `json:"status"`
	Time       string           `json:"time"`
	Version    string           `json:"version"`
	Uptime     string           `json:"uptime"`
	ConfigPath string           `json:"config_path"`
	Data       dataStatus       `json:"data"`
	Evaluation evaluationStatus `json:"evaluation"`
	LastCycle  *metrics.Summary `json:"last_cycle,omitempty"`
}

type dataStatus struct {
	Loaded    bool   `json:"loaded"`
	LoadedAt  string `json:"loaded_at,omitempty"`
	Buildings int    `json:"buildings"`
	Points    int    `json:"points"`
	CTPs      int    `json:"ctps"`
	Overrides int    `json:"overrides"`
	First     string `json:"first,omitempty"`
	Last      string `json:"last,omitempty"`
}

type evaluationStatus struct {
	Enabled     bool   `json:"enabled"`
	Schedule    string `json:"schedule"`
	Concurrency int    `json:"concurrency"`
	At          string `json:"at,omitempty"`
}

// Router builds the HTTP handler tree.
func Router(b Backend, logger *slog.Logger, version string) http.Handler {
	s := &Server{backend: b, logger: logger, version: version, started: time.Now()}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if m := b.Metrics(); m != nil {
		r.Use(m.Middleware(routePattern))
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)
	r.Get("/alerts", s.handleAlerts)
	r.Get("/alerts/latest", s.handleLatest)
	r.Get("/alerts/history", s.handleHistory)
	r.Get("/config/alert_parameters", s.handleGetParameters)
	r.Put("/config/alert_parameters", s.handlePutParameters)
	r.Get("/series", s.handleSeries)
	r.Get("/ctp_data", s.seriesAlias(model.EntityCTP, "ctp_id"))
	r.Get("/mcd_data", s.seriesAlias(model.EntityBuilding, "unom"))
	r.Get("/overrides", s.handleListOverrides)
	r.Post("/overrides", s.handleAddOverrides)
	r.Post("/admin/reload", s.handleReload)
	r.Post("/admin/clear", s.handleClear)
	return r
}

func Start(ctx context.Context, b Backend, logger *slog.Logger, version string) *http.Server {
	if b == nil {
		return nil
	}
	current := b.Config().Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           Router(b, logger, version),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.backend.Config().Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		Uptime:     time.Since(s.started).Truncate(time.Second).String(),
		ConfigPath: s.backend.Config().Path(),
		Evaluation: evaluationStatus{
			Enabled:     cfg.Evaluation.Enabled,
			Schedule:    cfg.Evaluation.Schedule,
			Concurrency: cfg.Evaluation.Concurrency,
			At:          cfg.Evaluation.At,
		},
	}
	if snap := s.backend.Snapshot(); snap != nil {
		first, last := snap.Dataset.Bounds()
		resp.Data = dataStatus{
			Loaded:    true,
			LoadedAt:  snap.LoadedAt.UTC().Format(time.RFC3339),
			Buildings: snap.Dataset.Buildings(),
			Points:    snap.Dataset.Size(),
			CTPs:      len(snap.Topology.CTPs()),
			Overrides: snap.Overrides.Len(),
		}
		if !first.IsZero() {
			resp.Data.First = first.Format(time.RFC3339)
			resp.Data.Last = last.Format(time.RFC3339)
		}
	}
	if last, ok := s.backend.Metrics().Last(); ok {
		resp.LastCycle = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAlerts runs a fresh evaluation. timestamp may be "NOW" or absent for
// the current hour; duration_threshold overrides the event window in hours.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	at, err := parseAt(q.Get("timestamp"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid timestamp format, use ISO 8601 (YYYY-MM-DDTHH:MM:SS) or NOW")
		return
	}
	th := s.backend.Config().Get().Thresholds
	if v := q.Get("duration_threshold"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "duration_threshold must be an integer")
			return
		}
		next, err := th.Apply(config.ThresholdPatch{EventDurationHours: &n})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		th = next
	}
	report, err := s.backend.Evaluate(r.Context(), at, th)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	if q.Get("verbose") == "1" {
		writeJSON(w, http.StatusOK, report)
		return
	}
	writeJSON(w, http.StatusOK, report.Alerts)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	cycle, ok := s.backend.Alerts().Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no evaluation cycle has completed yet")
		return
	}
	list := cycle.Alerts
	if r.URL.Query().Get("new") == "1" {
		list = cycle.New
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cycle_id": cycle.ID,
		"at":       cycle.At,
		"alerts":   nonNil(list),
		"count":    len(list),
		"resolved": len(cycle.Resolved),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []alerts.Cycle
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := normalize.ParseTimestamp(v, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		list = s.backend.Alerts().Since(ts)
	} else {
		list = s.backend.Alerts().List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": list, "count": len(list)})
}

func (s *Server) handleGetParameters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Config().Get().Thresholds)
}

func (s *Server) handlePutParameters(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var patch config.ThresholdPatch
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid parameters: "+err.Error())
		return
	}
	if patch.Empty() {
		writeError(w, http.StatusBadRequest, "no parameters given")
		return
	}
	next, err := s.backend.Config().UpdateThresholds(patch)
	if err != nil {
		if errors.Is(err, config.ErrInvalidConfig) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if s.logger != nil {
			s.logger.Error("persist alert parameters failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, "could not persist parameters")
		return
	}
	if s.logger != nil {
		s.logger.Info("alert parameters updated")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "parameters": next})
}

type seriesResponse struct {
	EntityType model.EntityType `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	Predicted  []float64        `json:"predicted"`
	Real       []float64        `json:"real"`
	Timestamp  []string         `json:"timestamp"`
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entity, err := model.ParseEntityType(q.Get("entity_type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.serveSeries(w, r, entity, q.Get("id"))
}

func (s *Server) seriesAlias(entity model.EntityType, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.serveSeries(w, r, entity, r.URL.Query().Get(param))
	}
}

func (s *Server) serveSeries(w http.ResponseWriter, r *http.Request, entity model.EntityType, rawID string) {
	q := r.URL.Query()
	id := normalize.EntityID(rawID)
	if id == "" || q.Get("timestamp") == "" {
		writeError(w, http.StatusBadRequest, "missing id or timestamp parameter")
		return
	}
	end, err := parseAt(q.Get("timestamp"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid timestamp format, use ISO 8601 like YYYY-MM-DDTHH:MM:SS")
		return
	}
	hours := 24
	if v := q.Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 24*31 {
			writeError(w, http.StatusBadRequest, "hours must be an integer in [1, 744]")
			return
		}
		hours = n
	}
	series, err := s.backend.Series(r.Context(), entity, id, end, hours)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	if series.Empty() {
		writeError(w, http.StatusNotFound, "no data found for the given entity and period")
		return
	}
	resp := seriesResponse{
		EntityType: entity,
		EntityID:   id,
		Predicted:  series.PredictedValues(),
		Real:       series.RealValues(),
		Timestamp:  make([]string, len(series)),
	}
	for i, p := range series {
		resp.Timestamp[i] = p.Timestamp.Format("2006-01-02 15:04:05")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListOverrides(w http.ResponseWriter, _ *http.Request) {
	snap := s.backend.Snapshot()
	if snap == nil {
		s.writeBackendError(w, dataset.ErrNotLoaded)
		return
	}
	records := snap.Overrides.Records()
	writeJSON(w, http.StatusOK, map[string]any{"overrides": nonNil(records), "count": len(records)})
}

// overrideRequest mirrors one CSV row; leakage is a number or "-".
type overrideRequest struct {
	Type    string          `json:"type"`
	ID      json.RawMessage `json:"id"`
	Start   string          `json:"timestamp_start"`
	End     string          `json:"timestamp_end"`
	Leakage json.RawMessage `json:"leakage"`
}

func (o overrideRequest) record() (overrides.Record, error) {
	entity, err := model.ParseEntityType(o.Type)
	if err != nil {
		return overrides.Record{}, err
	}
	id := normalize.EntityID(strings.Trim(string(o.ID), `"`))
	if id == "" {
		return overrides.Record{}, errors.New("missing id")
	}
	start, err := normalize.ParseTimestamp(o.Start, time.UTC)
	if err != nil {
		return overrides.Record{}, fmt.Errorf("timestamp_start: %w", err)
	}
	end, err := normalize.ParseTimestamp(o.End, time.UTC)
	if err != nil {
		return overrides.Record{}, fmt.Errorf("timestamp_end: %w", err)
	}
	if !end.After(start) {
		return overrides.Record{}, errors.New("timestamp_end must be after timestamp_start")
	}
	rec := overrides.Record{EntityType: entity, EntityID: id, Start: start, End: end}
	raw := strings.Trim(strings.TrimSpace(string(o.Leakage)), `"`)
	if rec.Disconnect, rec.Leakage, err = overrides.ParseLeakage(raw, entity); err != nil {
		return overrides.Record{}, fmt.Errorf("leakage: %w", err)
	}
	return rec, nil
}

// handleAddOverrides accepts one record or an array of records.
func (s *Server) handleAddOverrides(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil || len(strings.TrimSpace(string(body))) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}
	var reqs []overrideRequest
	if trimmed := strings.TrimSpace(string(body)); strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(body, &reqs)
	} else {
		var one overrideRequest
		err = json.Unmarshal(body, &one)
		reqs = []overrideRequest{one}
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	records := make([]overrides.Record, 0, len(reqs))
	for i, req := range reqs {
		rec, err := req.record()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("record %d: %v", i, err))
			return
		}
		records = append(records, rec)
	}
	total, err := s.backend.InjectOverrides(records)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"accepted": len(records), "total": total})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	snap, err := s.backend.Reload(r.Context())
	if err != nil {
		if s.logger != nil {
			s.logger.Error("reload failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"points":    snap.Dataset.Size(),
		"overrides": snap.Overrides.Len(),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.backend.Alerts().Clear()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) writeBackendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consumption.ErrUnknownCTP):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	case errors.Is(err, dataset.ErrNotLoaded):
		writeError(w, http.StatusInternalServerError, "consumption data not loaded, alerts cannot be generated")
	default:
		if s.logger != nil {
			s.logger.Error("request failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseAt(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "now") {
		return normalize.Hour(time.Now()), nil
	}
	ts, err := normalize.ParseTimestamp(raw, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return normalize.Hour(ts), nil
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
