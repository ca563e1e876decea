package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"vitalwatch/internal/alerts"
	"vitalwatch/internal/apperr"
	"vitalwatch/internal/config"
	"vitalwatch/internal/metrics"
	"vitalwatch/internal/model"
	"vitalwatch/internal/storage"
)

// Analyzer is the part of the engine the API drives.
type Analyzer interface {
	AnalyzeAndGenerateAlerts(ctx context.Context, doctorID string) (model.Summary, error)
	UpdateConfig(cfg *config.Config)
	StartedAt() time.Time
}

type AlertRepository interface {
	ListAlerts(ctx context.Context, filter storage.AlertFilter) ([]model.Alert, error)
	TransitionAlert(ctx context.Context, alertID string, status model.AlertStatus, by string, at time.Time) (model.Alert, error)
}

type RuleResolver interface {
	Resolve(ctx context.Context, mt model.MetricType, demo model.Demographics) (model.ThresholdRule, error)
}

type Deps struct {
	Config  *config.Manager
	Engine  Analyzer
	Alerts  AlertRepository
	Rules   RuleResolver
	Feed    *alerts.Store
	Runs    *metrics.Store
	Logger  *slog.Logger
	Version string
}

type Server struct {
	cfg     *config.Manager
	engine  Analyzer
	store   AlertRepository
	rules   RuleResolver
	feed    *alerts.Store
	runs    *metrics.Store
	logger  *slog.Logger
	version string
	now     func() time.Time
}

type statusResponse struct {
	Status     string          `json:"status"`
	Time       string          `json:"time"`
	StartedAt  string          `json:"started_at,omitempty"`
	Version    string          `json:"version"`
	ConfigPath string          `json:"config_path"`
	Ingest     ingestStatus    `json:"ingest"`
	API        apiStatus       `json:"api"`
	Scheduler  schedulerStatus `json:"scheduler"`
	Analysis   analysisStatus  `json:"analysis"`
}

type ingestStatus struct {
	REST  bool `json:"rest"`
	Kafka bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type schedulerStatus struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval"`
}

type analysisStatus struct {
	TrendWindow     string `json:"trend_window"`
	StreakLength    int    `json:"streak_length"`
	AdherenceWindow string `json:"adherence_window"`
	LockDriver      string `json:"lock_driver"`
}

type errorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

func NewServer(deps Deps) *Server {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.NewStaticManager(nil)
	}
	feed := deps.Feed
	if feed == nil {
		feed = alerts.NewStore(0)
	}
	runs := deps.Runs
	if runs == nil {
		runs = metrics.NewStore(0)
	}
	return &Server{
		cfg:     cfg,
		engine:  deps.Engine,
		store:   deps.Alerts,
		rules:   deps.Rules,
		feed:    feed,
		runs:    runs,
		logger:  deps.Logger,
		version: deps.Version,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func Start(ctx context.Context, deps Deps) *http.Server {
	if deps.Config == nil {
		return nil
	}
	logger := deps.Logger
	current := deps.Config.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(deps)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Routes(), ReadHeaderTimeout: 10 * time.Second}
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

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Get("/alerts", s.handleFeed)
	r.Post("/alerts/{alertID}/handle", s.handleTransition(model.AlertHandled))
	r.Post("/alerts/{alertID}/dismiss", s.handleTransition(model.AlertDismissed))

	r.Route("/doctors/{doctorID}", func(r chi.Router) {
		r.Get("/alerts", s.handleDoctorAlerts)
		r.Post("/analyze", s.handleAnalyze)
	})

	r.Get("/runs", s.handleRuns)
	r.Get("/runs/{doctorID}", s.handleRun)

	r.Get("/thresholds/{metricType}", s.handleThreshold)

	r.Get("/config/analysis", s.handleGetAnalysis)
	r.Put("/config/analysis", s.handlePutAnalysis)
	r.Post("/admin/clear", s.handleClear)
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       s.now().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			REST:  cfg.Ingest.REST.Enabled,
			Kafka: cfg.Ingest.Kafka.Enabled,
		},
		API:       apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Scheduler: schedulerStatus{Enabled: cfg.Scheduler.Enabled, Interval: cfg.Scheduler.Interval.String()},
		Analysis: analysisStatus{
			TrendWindow:     cfg.Analysis.TrendWindow.String(),
			StreakLength:    cfg.Analysis.StreakLength,
			AdherenceWindow: cfg.Analysis.AdherenceWindow.String(),
			LockDriver:      cfg.Lock.Driver,
		},
	}
	if s.engine != nil {
		resp.StartedAt = s.engine.StartedAt().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFeed serves the in-memory feed of alerts emitted by this process.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	var list []model.Alert
	switch {
	case q.Get("since") != "":
		ts, err := time.Parse(time.RFC3339, q.Get("since"))
		if err != nil {
			writeError(w, apperr.Validation("since must be RFC3339", map[string]string{"since": q.Get("since")}))
			return
		}
		list = s.feed.Since(ts)
		if doctor := q.Get("doctor_id"); doctor != "" {
			list = filterDoctor(list, doctor)
		}
	case q.Get("doctor_id") != "":
		list = s.feed.ForDoctor(q.Get("doctor_id"), limit)
	default:
		list = s.feed.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleDoctorAlerts(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, errors.New("alert store not configured"))
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	filter := storage.AlertFilter{
		DoctorID:  chi.URLParam(r, "doctorID"),
		PatientID: q.Get("patient_id"),
		Status:    model.AlertStatus(q.Get("status")),
		Type:      model.AlertType(q.Get("type")),
		Limit:     limit,
	}
	switch filter.Status {
	case "", model.AlertPending, model.AlertHandled, model.AlertDismissed:
	default:
		writeError(w, apperr.Validation("unknown alert status", map[string]string{"status": string(filter.Status)}))
		return
	}
	list, err := s.store.ListAlerts(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"doctor_id": filter.DoctorID,
		"alerts":    list,
		"count":     len(list),
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, errors.New("engine not configured"))
		return
	}
	summary, err := s.engine.AnalyzeAndGenerateAlerts(r.Context(), chi.URLParam(r, "doctorID"))
	if err != nil {
		if s.logger != nil && apperr.HTTPStatus(err) == http.StatusInternalServerError {
			s.logger.Error("analysis request failed", "doctor_id", chi.URLParam(r, "doctorID"), "err", err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleTransition(status model.AlertStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil {
			writeError(w, errors.New("alert store not configured"))
			return
		}
		var req struct {
			By string `json:"by"`
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, apperr.Validation("read body", nil))
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				writeError(w, apperr.Validation("malformed body", nil))
				return
			}
		}
		by := strings.TrimSpace(req.By)
		if by == "" {
			writeError(w, apperr.Validation("by is required", map[string]string{"by": "required"}))
			return
		}
		alert, err := s.store.TransitionAlert(r.Context(), chi.URLParam(r, "alertID"), status, by, s.now())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, alert)
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, _ *http.Request) {
	all := s.runs.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  all,
		"count": len(all),
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	doctorID := chi.URLParam(r, "doctorID")
	summary, updated, ok := s.runs.Get(doctorID)
	if !ok {
		writeError(w, apperr.NotFound("run", doctorID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"doctor_id":  doctorID,
		"updated_at": updated.Format(time.RFC3339Nano),
		"summary":    summary,
	})
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	if s.rules == nil {
		writeError(w, errors.New("threshold repository not configured"))
		return
	}
	raw := chi.URLParam(r, "metricType")
	mt, ok := model.ParseMetricType(raw)
	if !ok {
		writeError(w, apperr.Validation("unknown metric type", map[string]string{"metric_type": raw}))
		return
	}
	q := r.URL.Query()
	demo := model.Demographics{Gender: q.Get("gender")}
	if v := q.Get("age"); v != "" {
		age, err := strconv.Atoi(v)
		if err != nil || age < 0 {
			writeError(w, apperr.Validation("age must be a non-negative integer", map[string]string{"age": v}))
			return
		}
		demo.Age = age
	}
	for _, d := range strings.Split(q.Get("disease"), ",") {
		if d = strings.TrimSpace(d); d != "" {
			demo.DiseaseTypes = append(demo.DiseaseTypes, d)
		}
	}
	rule, err := s.rules.Resolve(r.Context(), mt, demo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"analysis": s.cfg.Get().Analysis,
	})
}

func (s *Server) handlePutAnalysis(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, apperr.Validation("read body", nil))
		return
	}
	current := s.cfg.Get()
	next := *current
	analysis := current.Analysis
	if err := json.Unmarshal(body, &analysis); err != nil {
		writeError(w, apperr.Validation("malformed body", nil))
		return
	}
	next.Analysis = analysis
	if err := config.Validate(&next); err != nil {
		writeError(w, apperr.Validation(err.Error(), nil))
		return
	}
	if err := s.cfg.Update(&next); err != nil {
		writeError(w, err)
		return
	}
	if s.engine != nil {
		s.engine.UpdateConfig(&next)
	}
	if s.logger != nil {
		s.logger.Info("analysis config updated", "streak_length", analysis.StreakLength, "trend_window", analysis.TrendWindow)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, apperr.Validation("read body", nil))
		return
	}
	var req struct {
		Target string `json:"target"`
	}
	// an empty body clears everything
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, apperr.Validation("malformed body", nil))
			return
		}
	}
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.runs.Clear()
		s.feed.Clear()
	case "alerts":
		s.feed.Clear()
	case "runs":
		s.runs.Clear()
	default:
		writeError(w, apperr.Validation("unknown clear target", map[string]string{"target": target}))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Validation("limit must be a non-negative integer", map[string]string{"limit": v})
	}
	return n, nil
}

func filterDoctor(list []model.Alert, doctorID string) []model.Alert {
	out := make([]model.Alert, 0, len(list))
	for _, a := range list {
		if a.DoctorID == doctorID {
			out = append(out, a)
		}
	}
	return out
}

func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	resp := errorResponse{Error: err.Error()}
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		resp.Error = appErr.Message
		resp.Code = appErr.Code
		resp.Details = appErr.Details
	}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
