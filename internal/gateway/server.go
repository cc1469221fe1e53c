// Package gateway contains the HTTP surface of the click gateway: the web
// click dispatcher, the in-app beacon correlator, the landing asset server,
// and the emergency/conversion pages.
package gateway

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/trafficlab/clickgate/internal/analytics"
	"github.com/trafficlab/clickgate/internal/classifier"
	"github.com/trafficlab/clickgate/internal/config"
	"github.com/trafficlab/clickgate/internal/db"
	"github.com/trafficlab/clickgate/internal/fanout"
	"github.com/trafficlab/clickgate/internal/geoip"
	"github.com/trafficlab/clickgate/internal/middleware"
	"github.com/trafficlab/clickgate/internal/observability"
	"github.com/trafficlab/clickgate/internal/outbound"
	"github.com/trafficlab/clickgate/internal/selector"
)

var tracer = otel.Tracer("clickgate/gateway")

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger      *zap.Logger
	Postgres    *db.Postgres
	Redis       *db.RedisStore
	Analytics   analytics.Service
	GeoIP       *geoip.GeoIP
	Classifier  classifier.Classifier
	Selector    *selector.Selector
	Events      outbound.EventService
	Attribution outbound.AttributionService
	Stats       outbound.StatsService
	Exec        *fanout.Executor
	Metrics     observability.MetricsRegistry
	Config      config.Config
}

// NewServer constructs a Server.
func NewServer(logger *zap.Logger, pg *db.Postgres, redis *db.RedisStore, an analytics.Service, geo *geoip.GeoIP, cls classifier.Classifier, sel *selector.Selector, events outbound.EventService, attribution outbound.AttributionService, stats outbound.StatsService, exec *fanout.Executor, metrics observability.MetricsRegistry, cfg config.Config) *Server {
	return &Server{
		Logger:      logger,
		Postgres:    pg,
		Redis:       redis,
		Analytics:   an,
		GeoIP:       geo,
		Classifier:  cls,
		Selector:    sel,
		Events:      events,
		Attribution: attribution,
		Stats:       stats,
		Exec:        exec,
		Metrics:     metrics,
		Config:      cfg,
	}
}

// Router wires all routes. The catch-all dispatch is host- and path-driven:
// in-app hosts take the beacon path, dotted paths take the asset server,
// everything else is a web click.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return middleware.WithTraceLogger(s.Logger)(next)
	})

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/emergency", s.EmergencyHandler).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/conversion", s.ConversionHandler).Methods(http.MethodGet, http.MethodPost)
	r.PathPrefix("/").HandlerFunc(s.RootHandler).Methods(http.MethodGet)

	return r
}

// RootHandler fans a request out to the right top-level handler.
func (s *Server) RootHandler(w http.ResponseWriter, r *http.Request) {
	host := requestHost(r)
	if s.Config.IsInAppHost(host) {
		s.AppEventHandler(w, r)
		return
	}
	if strings.Contains(strings.Trim(r.URL.Path, "/"), ".") {
		s.LandingAssetHandler(w, r)
		return
	}
	s.WebClickHandler(w, r)
}

// HealthHandler responds 200 when the process is serving.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// requestHost strips an optional port from the Host header.
func requestHost(r *http.Request) string {
	host := r.Host
	if idx := strings.LastIndex(host, ":"); idx != -1 && !strings.Contains(host[idx:], "]") {
		host = host[:idx]
	}
	return host
}
