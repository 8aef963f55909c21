package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wpeva/undetect-fleet/pkg/domain"
)

// Collector exposes the reporter's view as prometheus metrics. Gauges are
// computed at scrape time from a fresh Report; the migrations counter is fed
// by the coordinator through Observe.
type Collector struct {
	reporter *Reporter

	sessionsTotal      *prometheus.Desc
	sessionsByRegion   *prometheus.Desc
	sessionsByState    *prometheus.Desc
	migrationsInflight *prometheus.Desc

	migrationsTotal *prometheus.CounterVec
}

// NewCollector creates an unregistered collector over the reporter.
func NewCollector(reporter *Reporter) *Collector {
	return &Collector{
		reporter: reporter,
		sessionsTotal: prometheus.NewDesc(
			"fleet_sessions_total",
			"Number of registered, non-terminated sessions.",
			nil, nil,
		),
		sessionsByRegion: prometheus.NewDesc(
			"fleet_sessions_by_region",
			"Number of sessions placed in each region.",
			[]string{"region"}, nil,
		),
		sessionsByState: prometheus.NewDesc(
			"fleet_sessions_by_state",
			"Number of sessions in each lifecycle state.",
			[]string{"state"}, nil,
		),
		migrationsInflight: prometheus.NewDesc(
			"fleet_migrations_inflight",
			"Number of migrations currently in flight.",
			nil, nil,
		),
		migrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_migrations_total",
			Help: "Finished migration attempts by outcome.",
		}, []string{"outcome"}),
	}
}

// Observe records one finished migration attempt. Wired as the
// coordinator's observer.
func (c *Collector) Observe(res domain.MigrationResult) {
	outcome := "failure"
	if res.Success {
		outcome = "success"
	}
	c.migrationsTotal.WithLabelValues(outcome).Inc()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsTotal
	ch <- c.sessionsByRegion
	ch <- c.sessionsByState
	ch <- c.migrationsInflight
	c.migrationsTotal.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.reporter.Report()

	ch <- prometheus.MustNewConstMetric(c.sessionsTotal, prometheus.GaugeValue, float64(stats.TotalSessions))
	for region, n := range stats.SessionsByRegion {
		ch <- prometheus.MustNewConstMetric(c.sessionsByRegion, prometheus.GaugeValue, float64(n), region)
	}
	for state, n := range stats.SessionsByState {
		ch <- prometheus.MustNewConstMetric(c.sessionsByState, prometheus.GaugeValue, float64(n), string(state))
	}
	ch <- prometheus.MustNewConstMetric(c.migrationsInflight, prometheus.GaugeValue, float64(stats.QueueLength))
	c.migrationsTotal.Collect(ch)
}
