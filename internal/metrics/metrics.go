// Package metrics collects and exposes Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "lookupbot/pkg/logx"
)

// Collector records the bot's counters. All methods are safe on a nil
// receiver so components can take metrics optionally.
type Collector struct {
	reg *prometheus.Registry

	lookups         *prometheus.CounterVec
	creditsConsumed prometheus.Counter
	creditsGranted  prometheus.Counter
	broadcastSends  *prometheus.CounterVec
}

func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookupbot_lookup_requests_total",
			Help: "Lookup requests by outcome.",
		}, []string{"outcome"}),
		creditsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lookupbot_credits_consumed_total",
			Help: "Credits charged for delivered lookups.",
		}),
		creditsGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lookupbot_credits_granted_total",
			Help: "Credits added by the daily grant.",
		}),
		broadcastSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookupbot_broadcast_sends_total",
			Help: "Broadcast delivery attempts by result.",
		}, []string{"result"}),
	}
	c.reg.MustRegister(c.lookups, c.creditsConsumed, c.creditsGranted, c.broadcastSends)
	return c
}

func (c *Collector) RecordLookup(outcome string) {
	if c == nil {
		return
	}
	c.lookups.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordCreditConsumed() {
	if c == nil {
		return
	}
	c.creditsConsumed.Inc()
}

func (c *Collector) RecordCreditsGranted(n int) {
	if c == nil {
		return
	}
	c.creditsGranted.Add(float64(n))
}

func (c *Collector) RecordBroadcastSend(result string) {
	if c == nil {
		return
	}
	c.broadcastSends.WithLabelValues(result).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string, log logx.Logger) {
	if c == nil {
		return
	}
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Info("metrics listener started", logx.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn("metrics listener failed", logx.Err(err))
	}
}
