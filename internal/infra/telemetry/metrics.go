package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"toolmart/internal/domain"
)

type PrometheusMetrics struct {
	cacheLookups    *prometheus.CounterVec
	registryFetches *prometheus.CounterVec
	installDuration *prometheus.HistogramVec
	downloadRetries *prometheus.CounterVec
	installedTools  prometheus.Gauge
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolmart_cache_lookups_total",
				Help: "Total number of cache lookups by tier and outcome",
			},
			[]string{"tier", "outcome"},
		),
		registryFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolmart_registry_fetches_total",
				Help: "Total number of registry snapshot resolutions by source and status",
			},
			[]string{"source", "status"},
		),
		installDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolmart_install_duration_seconds",
				Help:    "Duration of install and update jobs in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"terminal"},
		),
		downloadRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolmart_download_retries_total",
				Help: "Total number of archive download retries per tool",
			},
			[]string{"tool"},
		),
		installedTools: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolmart_installed_tools",
				Help: "Current number of tools in the installed ledger",
			},
		),
	}
}

func (p *PrometheusMetrics) ObserveCacheLookup(tier domain.CacheTier, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	p.cacheLookups.WithLabelValues(string(tier), outcome).Inc()
}

func (p *PrometheusMetrics) ObserveRegistryFetch(source domain.RegistrySource, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.registryFetches.WithLabelValues(string(source), status).Inc()
}

func (p *PrometheusMetrics) ObserveInstall(duration time.Duration, terminal domain.InstallState) {
	p.installDuration.WithLabelValues(string(terminal)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveDownloadRetry(toolID string) {
	p.downloadRetries.WithLabelValues(toolID).Inc()
}

func (p *PrometheusMetrics) SetInstalledTools(count int) {
	p.installedTools.Set(float64(count))
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
