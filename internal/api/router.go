package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/nikhilbhutani/voicerelay/internal/api/handlers"
	"github.com/nikhilbhutani/voicerelay/internal/api/middleware"
	"github.com/nikhilbhutani/voicerelay/internal/config"
	"github.com/nikhilbhutani/voicerelay/internal/metrics"
)

type Router struct {
	mux    *chi.Mux
	cfg    config.ServerConfig
	relay  handlers.Relay
	health *handlers.HealthHandler
}

func NewRouter(cfg config.ServerConfig, relay handlers.Relay, health *handlers.HealthHandler) *Router {
	return &Router{
		mux:    chi.NewRouter(),
		cfg:    cfg,
		relay:  relay,
		health: health,
	}
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Job-ID", "Content-Length"},
		MaxAge:         3600,
	}))

	// Operational endpoints are exempt from rate limiting.
	r.Get("/healthz", rt.health.Healthz)
	r.Get("/readyz", rt.health.Readyz)
	r.Handle("/metrics", metrics.Handler())

	relayH := handlers.NewRelayHandler(rt.relay, rt.cfg.MaxUploadBytes)
	r.Group(func(r chi.Router) {
		if rt.cfg.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(rt.cfg.RateLimitPerMinute, time.Minute))
		}

		r.Get("/", relayH.Hello)
		r.Post("/uploadAudio", relayH.UploadAudio)
		r.Get("/checkVariable", relayH.CheckVariable)
		r.Get("/broadcastAudio", relayH.BroadcastAudio)
		r.Head("/broadcastAudio", relayH.BroadcastAudio)

		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", relayH.GetJob)
			r.Get("/audio", relayH.JobAudio)
			r.Head("/audio", relayH.JobAudio)
		})
	})

	return r
}
