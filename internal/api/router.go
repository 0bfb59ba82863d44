package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/micro-nova/streamrestore-go/internal/auth"
	"github.com/micro-nova/streamrestore-go/internal/metrics"
	"github.com/micro-nova/streamrestore-go/internal/models"
)

// Options carries the router dependencies. MainVolume, Backups, Auth and
// Metrics may be nil.
type Options struct {
	Entries    Entries
	Properties Properties
	MainVolume MainVolume
	Events     EventBus
	Backups    Backups
	Info       func() models.Info

	Auth    *auth.Service
	Metrics *metrics.Metrics
	Logger  *zap.SugaredLogger

	// RateLimit is the sustained rate of mutating requests per second.
	RateLimit   float64
	Burst       int
	CORSOrigins []string
}

// NewRouter creates and returns the main HTTP router.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger.Named("api")
	if opts.Info == nil {
		opts.Info = func() models.Info { return models.Info{} }
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(requestLogger(logger, opts.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(opts.CORSOrigins))
	r.Use(middleware.CleanPath)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, models.ErrNotFound("no route for "+r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, &models.AppError{
			Code:    models.CodeBadRequest,
			Message: r.Method + " not allowed on " + r.URL.Path,
			Status:  http.StatusMethodNotAllowed,
		})
	})

	h := &Handlers{
		entries: opts.Entries,
		props:   opts.Properties,
		mv:      opts.MainVolume,
		events:  opts.Events,
		backups: opts.Backups,
		info:    opts.Info,
		logger:  logger,
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	// API routes (auth required)
	r.Group(func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth.Middleware)
		}
		r.Use(rateLimit(opts.RateLimit, opts.Burst))

		// Entries
		r.Get("/api/entries", h.getEntries)
		r.Post("/api/entries", h.writeEntries)
		r.Delete("/api/entries", h.deleteEntries)
		r.Get("/api/entries/{name}", h.getEntry)
		r.Post("/api/entries/{name}", h.addEntry)
		r.Patch("/api/entries/{name}", h.setEntry)
		r.Delete("/api/entries/{name}", h.removeEntry)

		// Shared properties
		r.Get("/api/properties", h.getProperties)
		r.Get("/api/properties/{key}", h.getProperty)
		r.Put("/api/properties/{key}", h.setProperty)

		// Routes and main volume
		r.Post("/api/mode", h.setMode)
		r.Get("/api/mainvolume", h.getMainVolume)
		r.Put("/api/mainvolume", h.setMainVolume)

		// System
		r.Get("/api/info", h.getInfo)
		r.Get("/api/backups", h.listBackups)
		r.Post("/api/backups", h.createBackup)

		// SSE
		r.Get("/api/subscribe", h.sseEvents)
	})

	return r
}

// rateLimit rejects mutating requests beyond the configured rate with 429.
// Reads are never limited.
func rateLimit(perSecond float64, burst int) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
			default:
				if !limiter.Allow() {
					w.Header().Set("Retry-After", "1")
					writeError(w, models.ErrRateLimited)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs every request at debug level and counts it.
func requestLogger(logger *zap.SugaredLogger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.APIRequest(r.Method, status)
			logger.Debugw("request", "method", r.Method, "path", r.URL.Path,
				"status", status, "bytes", ww.BytesWritten(), "duration", time.Since(start))
		})
	}
}

// corsMiddleware adds CORS headers for the allowed origins. "*" allows all.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimSuffix(o, "/")] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, api-key")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
