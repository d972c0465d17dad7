// Package admin exposes the operational actions over HTTP.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/badno/catalogsync/internal/importlog"
	"github.com/badno/catalogsync/internal/metrics"
	"github.com/badno/catalogsync/internal/orchestrator"
	"github.com/badno/catalogsync/internal/reset"
	"github.com/badno/catalogsync/internal/scheduler"
	"github.com/badno/catalogsync/internal/state"
	"github.com/badno/catalogsync/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
)

// recentRuns is the number of run log entries on the status page
const recentRuns = 10

// Runner runs on-demand imports
type Runner interface {
	RunManual(ctx context.Context, kind scheduler.Kind) (*orchestrator.Result, error)
	SkipNext(ctx context.Context) (int, error)
}

// Resetter erases imported data
type Resetter interface {
	Run(ctx context.Context) (*reset.Report, error)
}

// FileLocator reports the next feed file
type FileLocator interface {
	NextFile(ctx context.Context) (int, string, bool, error)
}

// Deps groups what the handlers need
type Deps struct {
	Runner            Runner
	Resetter          Resetter
	Files             FileLocator
	Store             state.Store
	Runs              state.RunLog
	LogDir            string
	Metrics           *metrics.Metrics
	Token             string // bearer token; empty disables auth
	RequestsPerMinute int
	Logger            *slog.Logger
}

// Server holds the admin handlers
type Server struct {
	deps     Deps
	validate *validator.Validate
	logger   *slog.Logger
}

// New creates the admin server
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.RequestsPerMinute <= 0 {
		deps.RequestsPerMinute = 60
	}
	return &Server{deps: deps, validate: validator.New(), logger: deps.Logger}
}

// Router builds the chi router
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.deps.Metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.Limit(s.deps.RequestsPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Use(s.authenticate)

		r.Get("/status", s.handleStatus)
		r.Post("/imports/next", s.handleImport(scheduler.KindNext))
		r.Post("/imports/initial", s.handleImport(scheduler.KindInitial))
		r.Post("/imports/skip", s.handleSkip)
		r.Post("/reset", s.handleReset)
		r.Post("/auto-import/enable", s.handleEnableAutoImport)
		r.Get("/logs", s.handleListLogs)
		r.Get("/logs/{name}", s.handleReadLog)
		r.Get("/settings/notifications", s.handleGetNotifications)
		r.Put("/settings/notifications", s.handleSaveNotifications)
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.Token)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type resultResponse struct {
	File       string           `json:"file"`
	FileNumber int              `json:"file_number,omitempty"`
	Imported   int              `json:"imported"`
	Updated    int              `json:"updated"`
	Failed     int              `json:"failed"`
	Skipped    int              `json:"skipped"`
	Status     models.RunStatus `json:"status"`
	Errors     []string         `json:"errors,omitempty"`
	Duration   string           `json:"duration"`
}

func toResponse(res *orchestrator.Result) resultResponse {
	return resultResponse{
		File:       res.FileName,
		FileNumber: res.FileNumber,
		Imported:   res.Imported,
		Updated:    res.Updated,
		Failed:     res.Failed,
		Skipped:    res.Skipped,
		Status:     res.Status,
		Errors:     res.Errors,
		Duration:   res.CompletedAt.Sub(res.StartedAt).Round(time.Millisecond).String(),
	}
}

func (s *Server) handleImport(kind scheduler.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The import outlives a dropped connection
		ctx := context.WithoutCancel(r.Context())

		res, err := s.deps.Runner.RunManual(ctx, kind)
		if err != nil {
			status := importErrorStatus(err)
			if status >= http.StatusInternalServerError {
				s.logger.Error("manual import failed", "kind", kind, "error", err)
			}
			respondError(w, status, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, toResponse(res))
	}
}

func importErrorStatus(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning), errors.Is(err, scheduler.ErrLocked):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNoUpdateAvailable), errors.Is(err, orchestrator.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidStructure):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Runner.SkipNext(context.WithoutCancel(r.Context()))
	if err != nil {
		status := importErrorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("skip failed", "error", err)
		}
		respondError(w, status, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message":          "Feed file skipped",
		"last_file_number": n,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Resetter.Run(context.WithoutCancel(r.Context()))
	if err != nil {
		respondError(w, importErrorStatus(err), err.Error())
		return
	}
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusInternalServerError
	}
	respondJSON(w, status, map[string]any{
		"message": "Complete reset performed",
		"ok":      report.OK(),
		"report":  report,
	})
}

func (s *Server) handleEnableAutoImport(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.EnableAutoImport(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Automatic import re-enabled"})
}

type statusResponse struct {
	Status            models.RunStatus        `json:"status"`
	LastFileNumber    int                     `json:"last_file_number"`
	NextFile          string                  `json:"next_file"`
	NextFileAvailable bool                    `json:"next_file_available"`
	LastImportTime    *time.Time              `json:"last_import_time,omitempty"`
	AutoImportEnabled bool                    `json:"auto_import_enabled"`
	ResetPerformedAt  *time.Time              `json:"reset_performed_at,omitempty"`
	RecentRuns        []models.ImportLogEntry `json:"recent_runs"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := s.deps.Store.State(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	runs, err := s.deps.Runs.Recent(ctx, recentRuns)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := statusResponse{
		Status:            st.Status,
		LastFileNumber:    st.LastFileNumber,
		LastImportTime:    st.LastImportTime,
		AutoImportEnabled: !st.PreventAutoImport,
		ResetPerformedAt:  st.ResetPerformedAt,
		RecentRuns:        runs,
	}
	if s.deps.Files != nil {
		_, path, ok, err := s.deps.Files.NextFile(ctx)
		if err == nil {
			resp.NextFile = filepathBase(path)
			resp.NextFileAvailable = ok
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	files, err := importlog.ListFiles(s.deps.LogDir)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if files == nil {
		files = []importlog.FileInfo{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleReadLog(w http.ResponseWriter, r *http.Request) {
	content, err := importlog.ReadFile(s.deps.LogDir, chi.URLParam(r, "name"))
	switch {
	case errors.Is(err, importlog.ErrInvalidName):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, os.ErrNotExist):
		respondError(w, http.StatusNotFound, "log file not found")
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}

type notificationRequest struct {
	EmailEnabled        bool   `json:"email_enabled"`
	NotifyOnFailures    bool   `json:"notify_on_failures"`
	NotifyOnNewProducts bool   `json:"notify_on_new_products"`
	Email               string `json:"email" validate:"required_if=EmailEnabled true,omitempty,email"`
}

func (s *Server) handleGetNotifications(w http.ResponseWriter, r *http.Request) {
	settings, err := s.deps.Store.NotificationSettings(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

func (s *Server) handleSaveNotifications(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "a valid email address is required")
		return
	}

	settings := models.NotificationSettings(req)
	if err := s.deps.Store.SaveNotifications(r.Context(), settings); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

func filepathBase(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
