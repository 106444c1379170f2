package api

import (
	"context"
	"net/http"
	"time"

	"floodgate/cfg"
	"floodgate/svc/anomaly"
	"floodgate/svc/collect"
	"floodgate/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	httpServer *http.Server
}

// Deps bundles the process-wide instances constructed in main. The
// server never constructs core state itself.
type Deps struct {
	Breaker   breakerAdmin
	Admitter  admitter
	Collector *collect.Collector
	Detector  *anomaly.Detector
	Hasher    *util.IdentityHasher
}

func NewServer(c *cfg.Cfg, d Deps) (*Server, *Mw) {
	r := chi.NewRouter()
	mw := NewMw(d.Admitter, d.Hasher, c)
	hdl := NewHdl(d.Breaker, d.Collector, d.Detector, c)

	s := &Server{router: r, cfg: c}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", hdl.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuth("metrics", c.MetricsUser, c.MetricsPass)(promhttp.Handler()))
	})
	r.Mount("/debug", middleware.Profiler())

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.String()).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.JSONContentType)

		r.With(mw.Admit("events")).Post("/events", hdl.ReportEvent)

		r.Route("/admin", func(r chi.Router) {
			r.Use(mw.BasicAuth("admin", c.AdminUser, c.AdminPass))
			r.Get("/breaker/stats", hdl.BreakerStats)
			r.Get("/breaker/banned", hdl.BannedIdentities)
			r.Post("/breaker/unban", hdl.Unban)
			r.Get("/anomaly/{key}", hdl.AnalyzeKey)
			r.Get("/collector/stats", hdl.CollectorStats)
		})
	})

	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s, mw
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
