package metrics

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"

	"ticketflow/internal/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics is safe to use through a nil pointer; every recorder is a no-op then.
type Metrics struct {
	CyclesTotal      *prometheus.CounterVec
	TicketsProcessed *prometheus.CounterVec
	NotifyFailures   *prometheus.CounterVec
	AcksTotal        *prometheus.CounterVec
	DecodeSkipped    *prometheus.CounterVec
	ArchivedTotal    prometheus.Counter
	CacheDegraded    prometheus.Gauge
	gatherer         prometheus.Gatherer
}

// New registers the collectors on reg. Passing prometheus.NewRegistry() keeps
// tests independent of the global registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketflow_cycles_total",
				Help: "Dispatch cycles by the tier they handled (none when every tier was empty)",
			},
			[]string{"tier"},
		),
		TicketsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketflow_tickets_processed_total",
				Help: "Tickets written to the cache by the dispatcher",
			},
			[]string{"tier"},
		),
		NotifyFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketflow_notify_failures_total",
				Help: "Notifier failures per tier",
			},
			[]string{"tier"},
		),
		AcksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketflow_acks_total",
				Help: "Queue acknowledgments by path (direct, recovered, failed, missing)",
			},
			[]string{"tier", "path"},
		),
		DecodeSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketflow_decode_skipped_total",
				Help: "Deliveries left unacknowledged because the payload was malformed or misrouted",
			},
			[]string{"tier", "reason"},
		),
		ArchivedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ticketflow_archived_total",
				Help: "Tickets handed to the archiver",
			},
		),
		CacheDegraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ticketflow_cache_degraded",
				Help: "1 while the cache serves from the in-memory fallback",
			},
		),
		gatherer: reg,
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.TicketsProcessed,
		m.NotifyFailures,
		m.AcksTotal,
		m.DecodeSkipped,
		m.ArchivedTotal,
		m.CacheDegraded,
	)
	return m
}

func (m *Metrics) Cycle(tier string) {
	if m != nil {
		m.CyclesTotal.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) Processed(tier string) {
	if m != nil {
		m.TicketsProcessed.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) NotifyFailed(tier string) {
	if m != nil {
		m.NotifyFailures.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) Ack(tier, path string) {
	if m != nil {
		m.AcksTotal.WithLabelValues(tier, path).Inc()
	}
}

func (m *Metrics) Skipped(tier, reason string) {
	if m != nil {
		m.DecodeSkipped.WithLabelValues(tier, reason).Inc()
	}
}

func (m *Metrics) Archived(n int) {
	if m != nil {
		m.ArchivedTotal.Add(float64(n))
	}
}

func (m *Metrics) SetCacheDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.CacheDegraded.Set(1)
	} else {
		m.CacheDegraded.Set(0)
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates for metrics", zap.Error(err))
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set for metrics, using HTTP")
	}

	go func() {
		var err error
		if srv.TLSConfig != nil {
			logger.Info("Metrics server starting with TLS", zap.String("addr", addr))
			err = srv.ListenAndServeTLS("", "")
		} else {
			logger.Info("Metrics server starting without TLS", zap.String("addr", addr))
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}
