package api

import (
	"net/http"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/nhalm/tally"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultMaxBodySize = 64 << 10

// RouterOption configures NewRouter.
type RouterOption func(*routerConfig)

type routerConfig struct {
	gatherer    prometheus.Gatherer
	maxBodySize int64
	clock       quartz.Clock
	handlerOpts []HandlerOption
	apiKeys     []string
}

// WithGatherer serves gatherer on /metrics. Without it /metrics is not mounted.
func WithGatherer(g prometheus.Gatherer) RouterOption {
	return func(c *routerConfig) {
		c.gatherer = g
	}
}

// WithMaxBodySize limits request bodies (default: 64KiB).
func WithMaxBodySize(n int64) RouterOption {
	return func(c *routerConfig) {
		c.maxBodySize = n
	}
}

// WithClock sets the clock used for Retry-After. Tests pass a quartz mock.
func WithClock(clock quartz.Clock) RouterOption {
	return func(c *routerConfig) {
		c.clock = clock
	}
}

// WithAPIKeys requires one of keys in X-API-Key on /v1 routes.
// Without keys /v1 is open.
func WithAPIKeys(keys ...string) RouterOption {
	return func(c *routerConfig) {
		c.apiKeys = keys
	}
}

// WithHandlerOptions replaces the Handler middleware options
// (default: WithCanonlog, WithSLOs).
func WithHandlerOptions(opts ...HandlerOption) RouterOption {
	return func(c *routerConfig) {
		c.handlerOpts = opts
	}
}

// NewRouter returns the HTTP surface of tr:
//
//	POST /v1/interactions                track an interaction
//	POST /v1/interactions/{id}/complete  report its outcome
//	GET  /v1/stats/top?n=                most used actions
//	GET  /v1/stats?action_class=&scope_id=
//	GET  /v1/logs?action_class=&scope_id=&limit=
//	GET  /healthz
//	GET  /metrics
func NewRouter(tr *tally.Tracker, opts ...RouterOption) *chi.Mux {
	cfg := &routerConfig{
		maxBodySize: defaultMaxBodySize,
		clock:       quartz.NewReal(),
		handlerOpts: []HandlerOption{WithCanonlog(), WithSLOs()},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &server{tracker: tr, clock: cfg.clock}

	r := chi.NewRouter()
	if cfg.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(Handler(cfg.handlerOpts...))
		r.Use(MaxBodySize(cfg.maxBodySize))

		r.NotFound(func(_ http.ResponseWriter, r *http.Request) {
			SetError(r, ErrNotFound)
		})

		r.With(SLO(tally.SLOCritical)).Get("/healthz", s.health)

		r.Route("/v1", func(r chi.Router) {
			if len(cfg.apiKeys) > 0 {
				r.Use(APIKey(cfg.apiKeys...))
			}
			r.With(SLO(tally.SLOHighFast)).Post("/interactions", s.track)
			r.With(SLO(tally.SLOHighFast)).Post("/interactions/{id}/complete", s.complete)
			r.With(SLO(tally.SLOHighSlow)).Get("/stats/top", s.topStats)
			r.With(SLO(tally.SLOHighSlow)).Get("/stats", s.stats)
			r.With(SLO(tally.SLOHighSlow)).Get("/logs", s.logs)
		})
	})

	return r
}
