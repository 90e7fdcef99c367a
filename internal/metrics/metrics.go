// Package metrics exposes the bot's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"context"
	"net/http"
	"time"

	internalerrors "github.com/opsdesk/opsbot/internal/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "opsbot"

var shutdownTimeout = 5 * time.Second

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	updates        *prometheus.CounterVec
	accessDenied   *prometheus.CounterVec
	throttled      prometheus.Counter
	remoteDuration *prometheus.HistogramVec
	challenges     *prometheus.CounterVec
	dispatches     *prometheus.CounterVec
	activeSessions prometheus.Gauge
	configReloads  *prometheus.CounterVec
	buildInfo      *prometheus.GaugeVec
}

// New registers every collector on a fresh registry.
func New(version string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Chat updates handled, by kind.",
		}, []string{"kind"}),
		accessDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_denied_total",
			Help:      "Commands rejected by the access gate.",
		}, []string{"command"}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttled_total",
			Help:      "Updates dropped by the per-user rate limiter.",
		}),
		remoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_command_duration_seconds",
			Help:      "Duration of remote SSH commands.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"host", "outcome"}),
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_total",
			Help:      "Step-up challenge results.",
		}, []string{"result"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Mutating actions dispatched, by action and result.",
		}, []string{"action", "result"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Conversations currently outside the idle state.",
		}),
		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts.",
		}, []string{"result"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information.",
		}, []string{"version"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.updates,
		m.accessDenied,
		m.throttled,
		m.remoteDuration,
		m.challenges,
		m.dispatches,
		m.activeSessions,
		m.configReloads,
		m.buildInfo,
	)
	m.buildInfo.WithLabelValues(version).Set(1)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordUpdate(kind string) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordAccessDenied(command string) {
	if m == nil {
		return
	}
	m.accessDenied.WithLabelValues(command).Inc()
}

func (m *Metrics) RecordThrottled() {
	if m == nil {
		return
	}
	m.throttled.Inc()
}

// ObserveRemote matches remote.Observer.
func (m *Metrics) ObserveRemote(host, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.remoteDuration.WithLabelValues(host, outcome).Observe(d.Seconds())
}

// RecordChallenge counts a challenge result: passed, failed, exhausted or
// malformed.
func (m *Metrics) RecordChallenge(result string) {
	if m == nil {
		return
	}
	m.challenges.WithLabelValues(result).Inc()
}

// RecordDispatch counts a dispatched action. Failures are labelled with
// their error kind, or "failure" when the error carries none.
func (m *Metrics) RecordDispatch(action string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
		if kind := internalerrors.KindOf(err); kind != "" {
			result = string(kind)
		}
	}
	m.dispatches.WithLabelValues(action, result).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordConfigReload(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Failed to shut down metrics server cleanly")
		}
	}()

	log.Info().Str("addr", addr).Msg("Metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
