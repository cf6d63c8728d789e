package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pawciobiel/golubrelay/internal/config"
	"github.com/pawciobiel/golubrelay/internal/queue"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxListLimit = 1000

// Pinger reports whether the database is reachable. *sql.DB implements it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// JobReader is the read side of the queue store.
type JobReader interface {
	FetchReady(ctx context.Context, limit int) ([]*queue.Job, error)
	FetchByID(ctx context.Context, id int64) (*queue.Job, error)
}

// Server exposes health, metrics and read-only queue inspection over HTTP.
type Server struct {
	config   *config.HTTPConfig
	logger   *slog.Logger
	db       Pinger
	jobs     JobReader
	http     *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

func New(cfg *config.HTTPConfig, db Pinger, jobs JobReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		config: cfg,
		logger: logger,
		db:     db,
		jobs:   jobs,
	}
	srv.http = &http.Server{
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Routes builds the HTTP router.
func (srv *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(srv.logRequests)

	r.Get("/healthz", srv.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", srv.handleReadyJobs)
		r.Get("/{id}", srv.handleJob)
	})
	return r
}

func (srv *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		srv.logger.Debug("HTTP request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(req.Context()))
	})
}

func (srv *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", srv.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.config.Listen, err)
	}
	srv.listener = listener
	srv.http.BaseContext = func(net.Listener) context.Context { return ctx }

	srv.logger.Info("HTTP server started", "address", listener.Addr().String())

	srv.wg.Go(func() {
		if err := srv.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.logger.Error("HTTP server failed", "error", err)
		}
	})
	return nil
}

// Addr returns the bound listen address, useful when listening on port 0.
func (srv *Server) Addr() string {
	if srv.listener == nil {
		return srv.config.Listen
	}
	return srv.listener.Addr().String()
}

func (srv *Server) Stop(ctx context.Context) error {
	srv.logger.Info("Shutting down HTTP server")
	err := srv.http.Shutdown(ctx)
	srv.wg.Wait()
	if err != nil {
		srv.logger.Warn("HTTP server shutdown timeout")
		return err
	}
	srv.logger.Info("HTTP server stopped gracefully")
	return nil
}

func (srv *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		srv.logger.Debug("Failed to write response", "error", err)
	}
}

func (srv *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()

	if err := srv.db.PingContext(ctx); err != nil {
		srv.logger.Warn("Health check failed", "error", err)
		srv.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jobView is the JSON form of a queued job.
type jobView struct {
	ID            int64     `json:"id"`
	MailFrom      string    `json:"mail_from"`
	MailTo        string    `json:"mail_to"`
	DateAdded     time.Time `json:"date_added"`
	DateProcessed time.Time `json:"date_processed"`
	Status        string    `json:"status"`
	Retry         int       `json:"retry"`
	MXCursor      int       `json:"mx_ctr"`
	IPCursor      int       `json:"ip_ctr"`
	IPv6Fallback  bool      `json:"ipv6_fallback"`
	BindIP        string    `json:"bind_ip"`
	LastCode      string    `json:"last_code"`
	ClaimedBy     string    `json:"claimed_by,omitempty"`
}

func newJobView(job *queue.Job) jobView {
	return jobView{
		ID:            job.ID,
		MailFrom:      job.MailFrom,
		MailTo:        job.MailTo,
		DateAdded:     job.DateAdded,
		DateProcessed: job.DateProcessed,
		Status:        job.Status.String(),
		Retry:         job.Retry,
		MXCursor:      job.MXCursor,
		IPCursor:      job.IPCursor,
		IPv6Fallback:  job.IPv6Fallback,
		BindIP:        job.BindIP,
		LastCode:      job.LastCode,
		ClaimedBy:     job.ClaimedBy,
	}
}

func (srv *Server) handleReadyJobs(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			srv.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = min(n, maxListLimit)
	}

	jobs, err := srv.jobs.FetchReady(req.Context(), limit)
	if err != nil {
		srv.logger.Error("Failed to list jobs", "error", err)
		srv.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list jobs"})
		return
	}

	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, newJobView(job))
	}
	srv.writeJSON(w, http.StatusOK, views)
}

func (srv *Server) handleJob(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
	if err != nil {
		srv.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}

	job, err := srv.jobs.FetchByID(req.Context(), id)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		srv.writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	case err != nil:
		srv.logger.Error("Failed to fetch job", "job_id", id, "error", err)
		srv.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to fetch job"})
		return
	}
	srv.writeJSON(w, http.StatusOK, newJobView(job))
}
