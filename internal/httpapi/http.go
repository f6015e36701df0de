package httpapi

import (
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"plugin-license-server/internal/license"
)

const maxBodyBytes = 1 << 20

// Authenticator resolves bearer tokens to actors.
type Authenticator interface {
	Authenticate(token string) (license.Actor, bool)
}

// PluginLister lists the plugins that can be purchased.
type PluginLister interface {
	All() []license.Plugin
}

type Params struct {
	Service *license.Service
	Auth    Authenticator
	Plugins PluginLister
	Logger  *zap.Logger
	// Registry receives the HTTP collectors and is served on /metrics.
	Registry *prometheus.Registry
	// RequestTimeout bounds each API request; zero means 30s.
	RequestTimeout time.Duration
}

type API struct {
	svc      *license.Service
	auth     Authenticator
	plugins  PluginLister
	log      *zap.Logger
	validate *validator.Validate
	registry *prometheus.Registry
	timeout  time.Duration
	requests *prometheus.HistogramVec
}

func New(p Params) *API {
	a := &API{
		svc:      p.Service,
		auth:     p.Auth,
		plugins:  p.Plugins,
		log:      p.Logger,
		registry: p.Registry,
		timeout:  p.RequestTimeout,
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	a.log = a.log.Named("http")
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	if a.timeout <= 0 {
		a.timeout = 30 * time.Second
	}
	a.requests = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "license",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
	a.registry.MustRegister(a.requests)

	a.validate = validator.New()
	a.validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return a
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(middleware.Timeout(a.timeout))

		r.Post("/licenses/validate", a.handleValidate)

		r.Group(func(r chi.Router) {
			r.Use(a.requireActor)

			r.Post("/licenses", a.handleCreate)
			r.Post("/licenses/create", a.handleCreate)
			r.Get("/licenses", a.handleList)
			r.Get("/licenses/stats", a.handleStats)
			r.Post("/licenses/revoke", a.handleRevoke)
			r.Get("/licenses/{key}", a.handleGet)
			r.Put("/licenses/{key}", a.handleUpdate)
			r.Post("/licenses/{key}/servers", a.handleAddServer)
			r.Delete("/licenses/{key}/servers", a.handleRemoveServer)

			r.Get("/plugins", a.handlePlugins)
			r.With(requireAdmin).Post("/purchase/license", a.handlePurchase)
		})
	})
	return r
}

// envelope is the response body of every /api route.
type envelope struct {
	Success    bool        `json:"success"`
	Message    string      `json:"message,omitempty"`
	Data       any         `json:"data,omitempty"`
	Pagination *pagination `json:"pagination,omitempty"`
}

type pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

func ok(w http.ResponseWriter, r *http.Request, status int, message string, data any) {
	writeJSON(w, r, status, envelope{Success: true, Message: message, Data: data})
}

func fail(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, r, status, envelope{Success: false, Message: message})
}
