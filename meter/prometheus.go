package meter

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/quotarouter"
)

const namespace = "quotarouter"

// StatsFunc returns the current per-provider usage, typically Dispatcher.Stats.
type StatsFunc func(ctx context.Context) ([]quotarouter.ProviderStats, error)

// PrometheusMeter records dispatch outcomes as Prometheus metrics.
type PrometheusMeter struct {
	DispatchTotal    *prometheus.CounterVec
	AttemptsTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
}

var _ quotarouter.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter creates the meter and registers its metrics with reg.
func NewPrometheusMeter(reg prometheus.Registerer) *PrometheusMeter {
	m := &PrometheusMeter{
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Total number of dispatch calls by final provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of provider invocations by result",
			},
			[]string{"provider", "result"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Dispatch duration in seconds, including failover",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
	}
	reg.MustRegister(m.DispatchTotal, m.AttemptsTotal, m.DispatchDuration)
	return m
}

func (m *PrometheusMeter) OnAttempt(e quotarouter.AttemptEvent) {
	m.AttemptsTotal.WithLabelValues(e.ProviderID, string(e.Result)).Inc()
}

func (m *PrometheusMeter) OnDispatch(r quotarouter.DispatchRecord) {
	outcome := "success"
	if !r.Success {
		outcome = r.Reason
	}
	m.DispatchTotal.WithLabelValues(r.ProviderID, outcome).Inc()
	m.DispatchDuration.WithLabelValues(outcome).Observe(r.Latency.Seconds())
}

// UsageCollector exports per-window bucket counts, limits and cooldown
// state, read from stats at scrape time.
type UsageCollector struct {
	stats   StatsFunc
	timeout time.Duration

	usage    *prometheus.Desc
	limit    *prometheus.Desc
	cooldown *prometheus.Desc
}

var _ prometheus.Collector = (*UsageCollector)(nil)

// NewUsageCollector creates a collector over stats.
func NewUsageCollector(stats StatsFunc) *UsageCollector {
	return &UsageCollector{
		stats:   stats,
		timeout: 5 * time.Second,
		usage: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "quota_usage"),
			"Requests charged in the current window",
			[]string{"provider", "window"}, nil,
		),
		limit: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "quota_limit"),
			"Configured limit for the window",
			[]string{"provider", "window"}, nil,
		),
		cooldown: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "provider_cooling"),
			"1 if the provider is in cooldown",
			[]string{"provider"}, nil,
		),
	}
}

func (c *UsageCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.usage
	ch <- c.limit
	ch <- c.cooldown
}

func (c *UsageCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stats, err := c.stats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.usage, err)
		return
	}

	for _, s := range stats {
		id := s.Descriptor.ID
		ch <- prometheus.MustNewConstMetric(c.usage, prometheus.GaugeValue, float64(s.Usage.MinuteCount), id, string(quotarouter.WindowMinute))
		ch <- prometheus.MustNewConstMetric(c.usage, prometheus.GaugeValue, float64(s.Usage.DayCount), id, string(quotarouter.WindowDay))
		ch <- prometheus.MustNewConstMetric(c.limit, prometheus.GaugeValue, float64(s.Usage.MinuteLimit), id, string(quotarouter.WindowMinute))
		ch <- prometheus.MustNewConstMetric(c.limit, prometheus.GaugeValue, float64(s.Usage.DayLimit), id, string(quotarouter.WindowDay))

		cooling := 0.0
		if s.CooldownUntil != nil {
			cooling = 1
		}
		ch <- prometheus.MustNewConstMetric(c.cooldown, prometheus.GaugeValue, cooling, id)
	}
}
