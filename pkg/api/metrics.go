package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/netfw/pkg/firewall"
)

// fwCollector implements prometheus.Collector, reading the service status
// on each scrape.
type fwCollector struct {
	fw *firewall.Service

	compilesTotal      *prometheus.Desc
	compileErrorsTotal *prometheus.Desc
	flushErrorsTotal   *prometheus.Desc
	flushesTotal       *prometheus.Desc
	compileSeconds     *prometheus.Desc
	rules              *prometheus.Desc
	pendingRules       *prometheus.Desc
	tableEntries       *prometheus.Desc
	domainEntries      *prometheus.Desc
	cachedAddrs        *prometheus.Desc
	userDefaults       *prometheus.Desc
}

func newCollector(fw *firewall.Service) *fwCollector {
	return &fwCollector{
		fw: fw,

		compilesTotal: prometheus.NewDesc(
			"netfw_compiles_total",
			"Total successful rule compiles.",
			nil, nil,
		),
		compileErrorsTotal: prometheus.NewDesc(
			"netfw_compile_errors_total",
			"Total rule sets rejected by the compiler.",
			nil, nil,
		),
		flushErrorsTotal: prometheus.NewDesc(
			"netfw_flush_errors_total",
			"Total sink flushes that failed for at least one table.",
			nil, nil,
		),
		flushesTotal: prometheus.NewDesc(
			"netfw_flushes_total",
			"Total table publications per direction.",
			[]string{"direction"}, nil,
		),
		compileSeconds: prometheus.NewDesc(
			"netfw_last_compile_seconds",
			"Duration of the last successful compile.",
			nil, nil,
		),
		rules: prometheus.NewDesc(
			"netfw_rules",
			"Rules in the published tables.",
			[]string{"direction"}, nil,
		),
		pendingRules: prometheus.NewDesc(
			"netfw_pending_rules",
			"Rules waiting for the final batch.",
			nil, nil,
		),
		tableEntries: prometheus.NewDesc(
			"netfw_table_entries",
			"Explicit entries per published table.",
			[]string{"direction", "table"}, nil,
		),
		domainEntries: prometheus.NewDesc(
			"netfw_domain_entries",
			"Installed domain entries.",
			nil, nil,
		),
		cachedAddrs: prometheus.NewDesc(
			"netfw_domain_cached_addresses",
			"Addresses learned from DNS answers.",
			nil, nil,
		),
		userDefaults: prometheus.NewDesc(
			"netfw_user_default_actions",
			"Users with their own default actions.",
			nil, nil,
		),
	}
}

func (c *fwCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.compilesTotal
	ch <- c.compileErrorsTotal
	ch <- c.flushErrorsTotal
	ch <- c.flushesTotal
	ch <- c.compileSeconds
	ch <- c.rules
	ch <- c.pendingRules
	ch <- c.tableEntries
	ch <- c.domainEntries
	ch <- c.cachedAddrs
	ch <- c.userDefaults
}

func (c *fwCollector) Collect(ch chan<- prometheus.Metric) {
	if c.fw == nil {
		return
	}
	st := c.fw.Status()

	ch <- prometheus.MustNewConstMetric(c.compilesTotal, prometheus.CounterValue, float64(st.Compiles))
	ch <- prometheus.MustNewConstMetric(c.compileErrorsTotal, prometheus.CounterValue, float64(st.CompileErrors))
	ch <- prometheus.MustNewConstMetric(c.flushErrorsTotal, prometheus.CounterValue, float64(st.FlushErrors))
	ch <- prometheus.MustNewConstMetric(c.compileSeconds, prometheus.GaugeValue, st.LastDuration.Seconds())
	ch <- prometheus.MustNewConstMetric(c.pendingRules, prometheus.GaugeValue, float64(st.PendingRules))
	ch <- prometheus.MustNewConstMetric(c.domainEntries, prometheus.GaugeValue, float64(st.DomainEntries))
	ch <- prometheus.MustNewConstMetric(c.cachedAddrs, prometheus.GaugeValue, float64(st.CachedAddrs))
	ch <- prometheus.MustNewConstMetric(c.userDefaults, prometheus.GaugeValue, float64(len(st.UserDefaults)))

	for _, ds := range st.Directions {
		dir := ds.Direction.String()
		ch <- prometheus.MustNewConstMetric(c.flushesTotal, prometheus.CounterValue, float64(ds.Flushes), dir)
		ch <- prometheus.MustNewConstMetric(c.rules, prometheus.GaugeValue, float64(ds.Rules), dir)
		for table, n := range ds.Tables {
			ch <- prometheus.MustNewConstMetric(c.tableEntries, prometheus.GaugeValue, float64(n), dir, table)
		}
	}
}
