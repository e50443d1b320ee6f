// Package metrics turns scheduler events into Prometheus metrics.
//
// The Collector owns its registry so several instances (tests, embedded
// schedulers) never collide on the default registerer.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chjohnst/Tron/internal/eventbus"
	"github.com/chjohnst/Tron/internal/job"
	"github.com/chjohnst/Tron/internal/task/engine"
	logx "github.com/chjohnst/Tron/pkg/logx"
)

type Collector struct {
	reg *prometheus.Registry
	log logx.Logger

	runTransitions    *prometheus.CounterVec
	actionTransitions *prometheus.CounterVec
	reconfigurations  *prometheus.CounterVec
	dispatchDropped   *prometheus.CounterVec
	jobsRegistered    prometheus.Gauge
	runDuration       *prometheus.HistogramVec
}

func New(log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Collector{
		reg: prometheus.NewRegistry(),
		log: log.With(logx.String("comp", "metrics")),
		runTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tron_run_transitions_total",
			Help: "Run state transitions by target state.",
		}, []string{"state"}),
		actionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tron_action_transitions_total",
			Help: "Action state transitions by target state.",
		}, []string{"state"}),
		reconfigurations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tron_reconfigurations_total",
			Help: "Configuration applies by result.",
		}, []string{"result"}),
		dispatchDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tron_dispatch_dropped_total",
			Help: "Runs cancelled by the dispatcher before they ran.",
		}, []string{"reason"}),
		jobsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tron_jobs_registered",
			Help: "Jobs currently in the registry.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tron_run_duration_seconds",
			Help:    "Wall time of finished runs, from start to end.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"state"}),
	}
	c.reg.MustRegister(
		c.runTransitions,
		c.actionTransitions,
		c.reconfigurations,
		c.dispatchDropped,
		c.jobsRegistered,
		c.runDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// CountBusDrops exports the bus's lost deliveries as
// tron_eventbus_dropped_total. Call it once per collector.
func (c *Collector) CountBusDrops(src interface{ Dropped() uint64 }) {
	c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "tron_eventbus_dropped_total",
		Help: "Events a slow subscriber missed because its buffer was full.",
	}, func() float64 { return float64(src.Dropped()) }))
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// SetJobs overwrites the registered job gauge, e.g. after a restore.
func (c *Collector) SetJobs(n int) { c.jobsRegistered.Set(float64(n)) }

// Run observes bus events until ctx is done or the subscription closes.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(ev)
		}
	}
}

// Observe updates the metrics for one event. Unknown events are ignored.
func (c *Collector) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.JobCreated:
		c.jobsRegistered.Inc()
	case eventbus.JobRemoved:
		c.jobsRegistered.Dec()
	case eventbus.ConfigApplied:
		c.reconfigurations.WithLabelValues("applied").Inc()
	case eventbus.ConfigRejected:
		c.reconfigurations.WithLabelValues("rejected").Inc()
	case eventbus.DispatchDropped:
		if de, ok := ev.Data.(engine.DispatchEvent); ok {
			c.dispatchDropped.WithLabelValues(de.Reason).Inc()
		}
	default:
		switch data := ev.Data.(type) {
		case job.RunEvent:
			c.observeRun(data)
		case job.ActionEvent:
			c.actionTransitions.WithLabelValues(string(data.State)).Inc()
		}
	}
}

func (c *Collector) observeRun(ev job.RunEvent) {
	state := ev.To.String()
	c.runTransitions.WithLabelValues(state).Inc()
	if !ev.To.Terminal() || ev.Start.IsZero() || ev.End.Before(ev.Start) {
		return
	}
	c.runDuration.WithLabelValues(state).Observe(ev.End.Sub(ev.Start).Seconds())
}
