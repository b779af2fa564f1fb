package api

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/david/grant-discovery/internal/discovery"
	"github.com/david/grant-discovery/internal/logging"
	"github.com/david/grant-discovery/internal/models"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Discoverer is the part of the orchestrator the HTTP surface needs.
type Discoverer interface {
	Discover(ctx context.Context, req discovery.Request) (models.RankedResult, error)
	RescoreStale(ctx context.Context, maxAge time.Duration) (int, error)
	Status() []discovery.SourceStatus
	Runs(ctx context.Context, limit int) ([]models.DiscoveryRun, error)
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Echo *echo.Echo

	disc        Discoverer
	store       Pinger
	log         *logging.Logger
	adminSecret string
	staleAfter  time.Duration

	// Background job tracking
	jobMu      sync.Mutex
	runningJob *backgroundJob
}

type backgroundJob struct {
	ID        string             `json:"id"`
	Status    string             `json:"status"` // running, completed, failed
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at,omitempty"`
	Result    any                `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	Cancel    context.CancelFunc `json:"-"`
}

type Options struct {
	AdminSecret string
	StaleAfter  time.Duration
}

func NewServer(disc Discoverer, store Pinger, log *logging.Logger, opts Options) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// CORS: allow frontend origins from env or default to localhost
	allowedOrigins := []string{"http://localhost:4200"}
	if extra := os.Getenv("CORS_ORIGINS"); extra != "" {
		for _, o := range strings.Split(extra, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Admin-Secret"},
	}))

	secret := strings.TrimSpace(opts.AdminSecret)
	if secret == "" {
		buf := make([]byte, 48)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate ADMIN_SECRET fallback: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(buf)
		log.Warn("ADMIN_SECRET is not set; using ephemeral in-memory fallback secret")
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 7 * 24 * time.Hour
	}

	s := &Server{
		Echo:        e,
		disc:        disc,
		store:       store,
		log:         log,
		adminSecret: secret,
		staleAfter:  opts.StaleAfter,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	api := s.Echo.Group("/api/v1")
	api.POST("/discover", s.handleDiscover)
	api.GET("/status", s.handleStatus)
	api.GET("/runs", s.handleRuns)

	admin := api.Group("/admin")
	admin.Use(s.adminMiddleware)
	admin.POST("/rescore-stale", s.handleRescoreStale)
	admin.GET("/job/:id", s.handleJobStatus)
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.store != nil {
		if err := s.store.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDiscover(c echo.Context) error {
	var req discovery.Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if len(req.Profile.Keywords) == 0 && strings.TrimSpace(req.Profile.Description) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "profile needs keywords or a description"})
	}
	if req.Limit < 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must not be negative"})
	}

	res, err := s.disc.Discover(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, discovery.ErrStoreUnavailable) {
			s.log.Error("discover failed", "error", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "opportunity store unavailable"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"sources": s.disc.Status(),
	})
}

func (s *Server) handleRuns(c echo.Context) error {
	limit := 50
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	runs, err := s.disc.Runs(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if runs == nil {
		runs = []models.DiscoveryRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) handleRescoreStale(c echo.Context) error {
	s.jobMu.Lock()
	if s.runningJob != nil && s.runningJob.Status == "running" {
		job := s.runningJob
		s.jobMu.Unlock()
		return c.JSON(http.StatusConflict, map[string]any{
			"error":  "A rescore job is already running",
			"job_id": job.ID,
		})
	}

	maxAge := s.staleAfter
	if raw := strings.TrimSpace(c.QueryParam("max_age")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			maxAge = parsed
		}
	}

	// context.WithoutCancel detaches from the HTTP lifecycle; the job gets
	// its own timeout.
	jobCtx, jobCancel := context.WithTimeout(
		context.WithoutCancel(c.Request().Context()), 30*time.Minute,
	)

	jobID := uuid.New().String()[:8]
	job := &backgroundJob{
		ID:        jobID,
		Status:    "running",
		StartedAt: time.Now(),
		Cancel:    jobCancel,
	}
	s.runningJob = job
	s.jobMu.Unlock()

	go func() {
		defer jobCancel()
		log := s.log.With("job_id", jobID)
		scored, err := s.disc.RescoreStale(jobCtx, maxAge)

		s.jobMu.Lock()
		defer s.jobMu.Unlock()
		job.EndedAt = time.Now()
		if err != nil {
			job.Status = "failed"
			job.Error = err.Error()
			log.Error("rescore job failed", "error", err)
			return
		}
		job.Status = "completed"
		job.Result = map[string]any{
			"scored":  scored,
			"max_age": maxAge.String(),
		}
		log.Info("rescore job completed", "scored", scored)
	}()

	return c.JSON(http.StatusAccepted, map[string]any{
		"message": "Rescore job started",
		"job_id":  jobID,
		"poll":    fmt.Sprintf("/api/v1/admin/job/%s", jobID),
	})
}

func (s *Server) handleJobStatus(c echo.Context) error {
	queried := c.Param("id")

	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	job := s.runningJob
	if job == nil || job.ID != queried {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}

	resp := map[string]any{
		"id":         job.ID,
		"status":     job.Status,
		"started_at": job.StartedAt,
	}
	if !job.EndedAt.IsZero() {
		resp["ended_at"] = job.EndedAt
		resp["duration"] = job.EndedAt.Sub(job.StartedAt).String()
	}
	if job.Result != nil {
		resp["result"] = job.Result
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	return c.JSON(http.StatusOK, resp)
}

// CancelJobs stops a running background job, if any.
func (s *Server) CancelJobs() {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if s.runningJob != nil && s.runningJob.Status == "running" {
		s.runningJob.Cancel()
	}
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.CancelJobs()
	return s.Echo.Shutdown(ctx)
}

func (s *Server) adminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		// Check X-Admin-Secret header or Bearer token
		authHeader := c.Request().Header.Get("Authorization")
		adminHeader := c.Request().Header.Get("X-Admin-Secret")

		if adminHeader != "" && s.secretMatches(adminHeader) {
			return next(c)
		}
		if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
			if s.secretMatches(authHeader[7:]) {
				return next(c)
			}
		}
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized admin access"})
	}
}

func (s *Server) secretMatches(given string) bool {
	return subtle.ConstantTimeCompare([]byte(given), []byte(s.adminSecret)) == 1
}
