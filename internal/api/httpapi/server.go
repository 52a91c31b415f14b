// Package httpapi provides the admin HTTP API.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voicebox/internal/app/playback"
	"github.com/osa030/voicebox/internal/domain/track"
	"github.com/osa030/voicebox/internal/infra/metrics"
)

// Player is the playback surface the API drives. *session.Manager
// implements it.
type Player interface {
	Snapshots() []playback.Snapshot
	Snapshot(guildID string) (playback.Snapshot, bool)
	Skip(guildID string) (*track.Reference, error)
	Pause(guildID string) error
	Resume(guildID string) error
	Stop(ctx context.Context, guildID string) error
}

// Sweeper removes expired cache entries.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

// Config holds the API settings.
type Config struct {
	Token          string // Bearer token; the /api routes are not mounted when empty
	RequestsPerMin int
}

// Server routes admin requests.
type Server struct {
	config  Config
	player  Player
	sweeper Sweeper
	metrics http.Handler
	router  chi.Router
}

// New builds the router. metricsHandler is served on /metrics.
func New(config Config, player Player, sweeper Sweeper, metricsHandler http.Handler) *Server {
	if config.RequestsPerMin <= 0 {
		config.RequestsPerMin = 60
	}
	s := &Server{
		config:  config,
		player:  player,
		sweeper: sweeper,
		metrics: metricsHandler,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(accessLog)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	if s.config.Token == "" {
		zlog.Warn().Msg("httpapi: admin token not set, /api routes disabled")
		return r
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rateLimit(s.config.RequestsPerMin))
		r.Use(bearerAuth(s.config.Token))

		r.Get("/channels", s.handleListChannels)
		r.Route("/channels/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetChannel)
			r.Post("/skip", s.handleSkip)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/stop", s.handleStop)
		})
		r.Post("/cache/sweep", s.handleSweep)
	})
	return r
}

// rateLimit limits requests per client IP.
func rateLimit(perMin int) func(http.Handler) http.Handler {
	return httprate.Limit(
		perMin,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests")
		}),
	)
}

// accessLog logs each request and records its latency.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		elapsed := time.Since(start)
		metrics.HTTPRequest(r.Method, path, strconv.Itoa(ww.Status()), elapsed.Seconds())
		zlog.Debug().Msgf("httpapi: request: method=%s path=%s status=%d duration=%s", r.Method, r.URL.Path, ww.Status(), elapsed)
	})
}
