// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// stats holds daemon statistics.
type stats struct {
	// promEnabled is true if prometheus has been enabled.
	promEnabled bool

	reg *prometheus.Registry

	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter

	authSuccesses prometheus.Counter
	authFailures  *prometheus.CounterVec
	rateLimited   prometheus.Counter
	decryptFails  prometheus.Counter
	keyRotations  prometheus.Counter

	conns    prometheus.Gauge
	sessions prometheus.Gauge

	authDelay prometheus.Histogram
}

func newStats(promEnabled bool) *stats {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &stats{
		promEnabled: promEnabled,
		reg:         reg,

		bytesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "privgate_bytes_read",
			Help: "Total bytes read from client connections",
		}),
		bytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "privgate_bytes_written",
			Help: "Total bytes written to client connections",
		}),
		authSuccesses: f.NewCounter(prometheus.CounterOpts{
			Name: "privgate_auth_successes",
			Help: "Count of successful authentications",
		}),
		authFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "privgate_auth_failures",
			Help: "Count of failed authentications by reason",
		}, []string{"reason"}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "privgate_rate_limited",
			Help: "Count of requests rejected by the rate limiter",
		}),
		decryptFails: f.NewCounter(prometheus.CounterOpts{
			Name: "privgate_decryption_failures",
			Help: "Count of inbound messages that failed decryption",
		}),
		keyRotations: f.NewCounter(prometheus.CounterOpts{
			Name: "privgate_key_rotations",
			Help: "Count of session key rotations",
		}),
		conns: f.NewGauge(prometheus.GaugeOpts{
			Name: "privgate_connections",
			Help: "Active connections count",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "privgate_sessions",
			Help: "Active session count",
		}),
		authDelay: f.NewHistogram(prometheus.HistogramOpts{
			Name: "privgate_auth_delay_microseconds",
			Help: "Histogram of challenge-to-auth completion time",
			Buckets: []float64{
				100, 500, 1_000, 5_000, 10_000, 50_000, 100_000,
				500_000, 1_000_000, 5_000_000,
			},
		}),
	}
}

// runPrometheusListener serves the metrics registry until the context is
// canceled.
func (z *Server) runPrometheusListener(ctx context.Context, addr string) error {
	if !z.stats.promEnabled || addr == "" {
		return nil
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	z.log.Infof("Prometheus listening on %s", addr)

	handler := promhttp.InstrumentMetricHandler(z.stats.reg,
		promhttp.HandlerFor(z.stats.reg, promhttp.HandlerOpts{}))
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	err = srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}
