package api

import (
	"context"
	"time"

	"github.com/mattjoyce/hookwarden/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "hookwarden"

// pluginCollector reads telemetry from the manager at scrape time.
type pluginCollector struct {
	manager PluginManager

	invocationsDesc *prometheus.Desc
	p95Desc         *prometheus.Desc
	avgDesc         *prometheus.Desc
	healthDesc      *prometheus.Desc
}

func newPluginCollector(manager PluginManager) prometheus.Collector {
	return &pluginCollector{
		manager: manager,
		invocationsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "plugin", "invocations_total"),
			"Plugin invocations by outcome.",
			[]string{"plugin", "outcome"}, nil,
		),
		p95Desc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "plugin", "duration_p95_ms"),
			"95th percentile handler duration over the rolling window, in milliseconds.",
			[]string{"plugin"}, nil,
		),
		avgDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "plugin", "duration_avg_ms"),
			"Mean handler duration over the rolling window, in milliseconds.",
			[]string{"plugin"}, nil,
		),
		healthDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "plugin", "health"),
			"1 for the plugin's current health status, 0 otherwise.",
			[]string{"plugin", "status"}, nil,
		),
	}
}

func (c *pluginCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.invocationsDesc
	ch <- c.p95Desc
	ch <- c.avgDesc
	ch <- c.healthDesc
}

func (c *pluginCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	infos, err := c.manager.List(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.healthDesc, err)
		return
	}

	statuses := []telemetry.HealthStatus{telemetry.HealthHealthy, telemetry.HealthDegraded, telemetry.HealthDisabled}
	for _, info := range infos {
		st := info.Stats
		counts := map[telemetry.Outcome]int64{
			telemetry.OutcomeSuccess: st.Successes,
			telemetry.OutcomeError:   st.Errors,
			telemetry.OutcomeTimeout: st.Timeouts,
			telemetry.OutcomeAborted: st.Aborted,
		}
		for outcome, n := range counts {
			ch <- prometheus.MustNewConstMetric(c.invocationsDesc, prometheus.CounterValue, float64(n), info.ID, string(outcome))
		}
		ch <- prometheus.MustNewConstMetric(c.p95Desc, prometheus.GaugeValue, st.P95DurationMs, info.ID)
		ch <- prometheus.MustNewConstMetric(c.avgDesc, prometheus.GaugeValue, st.AvgDurationMs, info.ID)
		for _, status := range statuses {
			v := 0.0
			if info.Health.Status == status {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.healthDesc, prometheus.GaugeValue, v, info.ID, string(status))
		}
	}
}
