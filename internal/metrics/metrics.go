// Package metrics implements the Prometheus collectors exported by the hub
// and a standalone HTTP server that serves them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/symmetry-network/hub/internal/log"
	"github.com/symmetry-network/hub/internal/stop"
)

var logger = log.NewScoped("metrics")

func init() {
	prometheus.MustRegister(
		ConnectedPeers,
		HandledFrames,
		DroppedFrames,
		MatchmakingAttempts,
		HTTPRateLimitRejections,
		HTTPResponseDurationMilliseconds,
		HealthCheckFailures,
	)
}

var (
	// ConnectedPeers is a gauge of currently connected provider peers.
	ConnectedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "symmetryhub_connected_peers",
		Help: "The number of peers currently joined to the hub",
	})

	// HandledFrames counts peer-wire frames processed, by frame key.
	HandledFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "symmetryhub_handled_frames_total",
		Help: "The number of peer-wire frames handled, by key",
	}, []string{"key"})

	// DroppedFrames counts frames dropped, by reason.
	DroppedFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "symmetryhub_dropped_frames_total",
		Help: "The number of peer-wire frames dropped, by reason",
	}, []string{"reason"})

	// MatchmakingAttempts counts requestProvider outcomes.
	MatchmakingAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "symmetryhub_matchmaking_attempts_total",
		Help: "The number of matchmaking attempts, by outcome",
	}, []string{"outcome"})

	// HTTPRateLimitRejections counts HTTP 429 responses.
	HTTPRateLimitRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "symmetryhub_http_rate_limit_rejections_total",
		Help: "The number of HTTP requests rejected for exceeding the rate limit",
	})

	// HTTPResponseDurationMilliseconds records how long HTTP handlers take.
	HTTPResponseDurationMilliseconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "symmetryhub_http_response_duration_milliseconds",
		Help:    "The duration of time it takes to respond to an HTTP request",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	}, []string{"route", "error"})

	// HealthCheckFailures counts health-check timeouts.
	HealthCheckFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "symmetryhub_health_check_failures_total",
		Help: "The number of health-check acks that timed out",
	})
)

// RecordHTTPResponseDuration records the duration of an HTTP request.
func RecordHTTPResponseDuration(route string, err error, duration time.Duration) {
	errString := ""
	if err != nil {
		errString = "error"
	}
	HTTPResponseDurationMilliseconds.
		WithLabelValues(route, errString).
		Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}

// Server serves the Prometheus metrics and pprof profiles over HTTP.
type Server struct {
	srv *http.Server
}

// NewServer starts a new metrics server listening on addr. Alongside the
// Prometheus and pprof endpoints it also serves /healthz, a liveness probe
// for the process managers that supervise the hub's independently-running
// components (dispatcher, HTTP front door, peer transport, metrics server
// itself); a component with a listening metrics server is at least alive
// enough to be worth probing further.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s := &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 60 * time.Second,
		},
	}

	go func() {
		logger.Info("listening", log.Fields{"addr": addr})
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed while serving metrics", log.Err(err))
		}
	}()

	return s
}

// Stop shuts down the metrics server.
func (s *Server) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		c.Done(s.srv.Shutdown(context.Background()))
	}()
	return c.Result()
}
