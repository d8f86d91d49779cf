package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the server's instrumentation. The registry is
// injected so tests get an isolated one.
type Metrics struct {
	registry *prometheus.Registry

	ConnectedClients prometheus.Gauge
	ActiveRooms      prometheus.Gauge
	ActiveGames      prometheus.Gauge
	Commands         *prometheus.CounterVec
	ProtocolErrors   *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pexeso_connected_clients",
			Help: "Number of client records in the registry.",
		}),
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pexeso_active_rooms",
			Help: "Number of rooms in the registry.",
		}),
		ActiveGames: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pexeso_active_games",
			Help: "Number of games created and not yet destroyed.",
		}),
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pexeso_commands_total",
			Help: "Commands dispatched, by command token.",
		}, []string{"command"}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pexeso_protocol_errors_total",
			Help: "ERROR responses sent, by error code.",
		}, []string{"code"}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pexeso_reconnects_total",
			Help: "RECONNECT attempts, by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler exposes the metrics endpoint for the optional HTTP listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a metrics HTTP server on addr until the listener fails.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
