package meshcast

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	injectTargetTunTap = "tuntap"

	metricsShutdownTimeout = 5 * time.Second
)

// Metrics holds the prometheus metrics of the relay.
type Metrics struct {
	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	FramesRelayed  *prometheus.CounterVec
	FramesInjected *prometheus.CounterVec
	TransmitErrors *prometheus.CounterVec
	ReceiveErrors  *prometheus.CounterVec

	HistorySweeps   prometheus.Counter
	RelayInterfaces prometheus.Gauge
}

// NewMetrics creates the relay metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "frames_received_total",
			Help:      "Total number of frames read, by interface and arrival path",
		}, []string{"interface", "arrival"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "frames_dropped_total",
			Help:      "Total number of frames not relayed, by reason",
		}, []string{"reason"}),
		FramesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "frames_relayed_total",
			Help:      "Total number of frames sent over the mesh transport, by interface",
		}, []string{"interface"}),
		FramesInjected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "frames_injected_total",
			Help:      "Total number of frames delivered locally, by target",
		}, []string{"target"}),
		TransmitErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "transmit_errors_total",
			Help:      "Total number of failed or short writes, by interface",
		}, []string{"interface"}),
		ReceiveErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "receive_errors_total",
			Help:      "Total number of failed reads, by interface",
		}, []string{"interface"}),

		HistorySweeps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "history_sweeps_total",
			Help:      "Total number of duplicate history aging sweeps",
		}),
		RelayInterfaces: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "relay_interfaces",
			Help:      "Number of interfaces currently relaying",
		}),
	}
}

// MetricsServer runs an HTTP server exposing the /metrics and /health endpoints.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a new metrics server on the given address serving metrics gathered
// from gatherer.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: metricsShutdownTimeout,
		},
	}
}

// StartAsync starts the metrics server in a goroutine.
func (s *MetricsServer) StartAsync() {
	go func() {
		log.Info().Str("address", s.server.Addr).Msg("metrics server listening")

		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()

	return s.server.Shutdown(ctx)
}
