package metrics

import (
	"math/big"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/solverbond/solverbond/internal/engine"
	"github.com/solverbond/solverbond/pkg/types"
)

// Collector exposes protocol and API metrics in Prometheus format. Protocol
// metrics are fed from the event bus; API metrics from the HTTP middleware.
// Metrics live in a dedicated registry so tests never collide on the global
// one.
type Collector struct {
	registry *prometheus.Registry

	eventsTotal     *prometheus.CounterVec
	disputesOpened  *prometheus.CounterVec
	slashedWeiTotal prometheus.Counter
	depositWeiTotal prometheus.Counter

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	custodiedWei   prometheus.Gauge
	goroutineCount prometheus.Gauge
	uptimeSeconds  prometheus.Gauge

	startTime time.Time
}

// NewCollector creates a collector with a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	eventsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solverbond",
		Name:      "events_total",
		Help:      "Protocol events by kind.",
	}, []string{"kind"})

	disputesOpened := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solverbond",
		Name:      "disputes_opened_total",
		Help:      "Disputes opened by reason.",
	}, []string{"reason"})

	slashedWei := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "solverbond",
		Name:      "slashed_wei_total",
		Help:      "Cumulative slashed bond value in wei.",
	})

	depositWei := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "solverbond",
		Name:      "deposited_wei_total",
		Help:      "Cumulative deposited bond value in wei.",
	})

	requestCount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solverbond",
		Name:      "request_count",
		Help:      "Total number of API requests by route.",
	}, []string{"route"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "solverbond",
		Name:      "request_duration_seconds",
		Help:      "API request latency histogram by route.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"route"})

	custodiedWei := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "solverbond",
		Name:      "custodied_wei",
		Help:      "Bond value currently custodied by the ledger in wei.",
	})

	goroutineCnt := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "solverbond",
		Name:      "goroutine_count",
		Help:      "Number of goroutines.",
	})

	uptimeSec := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "solverbond",
		Name:      "uptime_seconds",
		Help:      "Time since the daemon started in seconds.",
	})

	reg.MustRegister(eventsTotal, disputesOpened, slashedWei, depositWei,
		requestCount, requestDuration, custodiedWei, goroutineCnt, uptimeSec)

	return &Collector{
		registry:        reg,
		eventsTotal:     eventsTotal,
		disputesOpened:  disputesOpened,
		slashedWeiTotal: slashedWei,
		depositWeiTotal: depositWei,
		requestCount:    requestCount,
		requestDuration: requestDuration,
		custodiedWei:    custodiedWei,
		goroutineCount:  goroutineCnt,
		uptimeSeconds:   uptimeSec,
		startTime:       time.Now(),
	}
}

// Registry returns the collector's registry for additional registrations.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Observe records one protocol event.
func (c *Collector) Observe(ev types.Event) {
	c.eventsTotal.WithLabelValues(string(ev.Kind)).Inc()

	switch ev.Kind {
	case types.EvDisputeOpened:
		c.disputesOpened.WithLabelValues(ev.Reason).Inc()
	case types.EvSolverSlashed:
		c.slashedWeiTotal.Add(weiFloat(ev.Amount))
	case types.EvBondDeposited:
		c.depositWeiTotal.Add(weiFloat(ev.Amount))
	}
}

// Watch consumes the bus on a background goroutine until cancel is called.
func (c *Collector) Watch(bus *engine.Bus) (cancel func()) {
	ch, unsub := bus.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			c.Observe(ev)
		}
	}()
	return func() {
		unsub()
		<-done
	}
}

// SetCustodied updates the custody gauge.
func (c *Collector) SetCustodied(amount *big.Int) {
	c.custodiedWei.Set(weiFloat(amount))
}

// RecordRequest counts an API request.
func (c *Collector) RecordRequest(route string) {
	c.requestCount.WithLabelValues(route).Inc()
}

// RecordLatency records an API request's latency.
func (c *Collector) RecordLatency(route string, d time.Duration) {
	c.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text exposition format,
// refreshing runtime gauges per scrape.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.goroutineCount.Set(float64(runtime.NumGoroutine()))
		c.uptimeSeconds.Set(time.Since(c.startTime).Seconds())
		promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// weiFloat converts a wei amount for a float-valued metric. Precision loss
// above 2^53 is acceptable for monitoring.
func weiFloat(a *big.Int) float64 {
	if a == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(a).Float64()
	return f
}
