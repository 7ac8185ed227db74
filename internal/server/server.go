// Package server exposes Prometheus metrics, health probes and a read-only
// JSON API over run history, devices and capabilities.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/mkeyconform/internal/caps"
	"github.com/piwi3910/mkeyconform/internal/conformance"
	"github.com/piwi3910/mkeyconform/internal/hardware"
	"github.com/piwi3910/mkeyconform/internal/health"
	"github.com/piwi3910/mkeyconform/internal/results"
	"github.com/piwi3910/mkeyconform/internal/verbs"
)

const (
	defaultListLimit = 20
	shutdownTimeout  = 10 * time.Second
	healthCacheTTL   = 5 * time.Second
)

// Options wire the server to its data sources. Nil sources disable their
// routes.
type Options struct {
	Provider verbs.Provider
	Device   string
	Store    *results.Store
	Detector *hardware.Detector
	// AllowedOrigins for the API; empty allows any origin.
	AllowedOrigins []string
}

// Server is the HTTP endpoint.
type Server struct {
	opts          Options
	healthChecker *health.Checker
	httpServer    *http.Server
}

// New creates a server listening on addr.
func New(addr string, opts Options) *Server {
	s := &Server{
		opts:          opts,
		healthChecker: health.NewChecker(healthCacheTTL),
	}
	if opts.Provider != nil {
		s.healthChecker.Register("device", s.checkDevice, true)
	}
	if opts.Store != nil {
		s.healthChecker.Register("results", s.checkResults, false)
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	healthHandler := health.NewHandler(s.healthChecker)
	r.Get("/health", healthHandler.HealthHandler)
	r.Get("/health/live", healthHandler.LivenessHandler)
	r.Get("/health/ready", healthHandler.ReadinessHandler)
	r.Get("/health/detailed", healthHandler.DetailedHandler)

	r.Handle("/metrics", promhttp.Handler())

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
		r.Get("/suites", s.listSuites)
		if s.opts.Store != nil {
			r.Get("/runs", s.listRuns)
			r.Get("/runs/{id}", s.getRun)
		}
		if s.opts.Provider != nil || s.opts.Detector != nil {
			r.Get("/devices", s.listDevices)
		}
		if s.opts.Provider != nil {
			r.Get("/devices/{name}/caps", s.deviceCaps)
		}
	})

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", s.httpServer.Addr).Msg("Starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error shutting down HTTP server")
		}
		return nil
	})

	return g.Wait()
}

func (s *Server) checkDevice(context.Context) error {
	ctx, err := s.opts.Provider.Open(s.opts.Device)
	if err != nil {
		return err
	}
	return ctx.Close()
}

func (s *Server) checkResults(context.Context) error {
	_, err := s.opts.Store.List(1)
	return err
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

type suiteView struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tests       []string `json:"tests"`
}

func (s *Server) listSuites(w http.ResponseWriter, r *http.Request) {
	var out []suiteView
	for _, suite := range conformance.All() {
		v := suiteView{Name: suite.Name, Description: suite.Description}
		for _, t := range suite.Tests {
			v.Tests = append(v.Tests, t.Name)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	runs, err := s.opts.Store.List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []*conformance.Report{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.opts.Store.Get(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, results.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, run)
	}
}

type devicesView struct {
	Provider []verbs.DeviceInfo  `json:"provider"`
	Host     []hardware.RDMAInfo `json:"host"`
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	var v devicesView
	if s.opts.Provider != nil {
		devices, err := s.opts.Provider.Devices()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		v.Provider = devices
	}
	if s.opts.Detector != nil {
		s.opts.Detector.Refresh()
		v.Host = s.opts.Detector.Devices()
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) deviceCaps(w http.ResponseWriter, r *http.Request) {
	ctx, err := s.opts.Provider.Open(chi.URLParam(r, "name"))
	if errors.Is(err, verbs.ErrDeviceNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer ctx.Close()

	c, err := ctx.QueryCaps()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Device   string         `json:"device"`
		Features []caps.Feature `json:"features"`
	}{Device: ctx.Name(), Features: c.Describe()})
}
