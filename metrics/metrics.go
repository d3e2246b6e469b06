// Package metrics provides Prometheus-backed implementations of the
// registry, submission, poll-engine, indexer, and watcher counting hooks.
// Registering the collectors with an HTTP /metrics exporter is the
// operator's concern; these implementations are wired the same way
// regardless, as counters that exist whether or not anything scrapes them.
package metrics

import (
	"github.com/cowprotocol/watchtower/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements registry.Metrics, submission.Metrics, pollengine.Metrics,
// indexer.Metrics, and watcher.Metrics with one shared Prometheus registry.
type Metrics struct {
	registryLoaded      *prometheus.CounterVec
	registryWritten     *prometheus.CounterVec
	registryWriteFailed *prometheus.CounterVec

	orderSubmitted    *prometheus.CounterVec
	orderSubmitFailed *prometheus.CounterVec

	pollOutcome *prometheus.CounterVec

	eventIndexed *prometheus.CounterVec
	eventSkipped *prometheus.CounterVec

	blockHeight        *prometheus.GaugeVec
	blockProducingRate *prometheus.GaugeVec
	reorgDetected      *prometheus.CounterVec
	watchdogTimeout    *prometheus.CounterVec
}

// New registers every collector against reg (use prometheus.NewRegistry()
// in tests, prometheus.DefaultRegisterer in production).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registryLoaded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_registry_loaded_total",
			Help: "Number of times the per-chain registry was loaded from storage.",
		}, []string{"chain"}),
		registryWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_registry_written_total",
			Help: "Number of successful registry writes.",
		}, []string{"chain"}),
		registryWriteFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_registry_write_failed_total",
			Help: "Number of failed registry writes.",
		}, []string{"chain"}),

		orderSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_order_submitted_total",
			Help: "Number of discrete orders successfully posted to the orders API.",
		}, []string{"chain"}),
		orderSubmitFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_order_submit_failed_total",
			Help: "Number of discrete order submissions that did not succeed, by errorType.",
		}, []string{"chain", "error_type"}),

		pollOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_poll_outcome_total",
			Help: "Poll engine outcomes by classification.",
		}, []string{"chain", "outcome"}),

		eventIndexed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_event_indexed_total",
			Help: "Events accepted into the registry by event name.",
		}, []string{"chain", "event"}),
		eventSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_event_skipped_total",
			Help: "Events skipped by owner allow-list or filter policy, by event name.",
		}, []string{"chain", "event"}),

		blockHeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "watchtower_block_height",
			Help: "Last processed block number per chain.",
		}, []string{"chain"}),
		blockProducingRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "watchtower_block_producing_rate_seconds",
			Help: "Seconds between the timestamps of consecutive processed blocks.",
		}, []string{"chain"}),
		reorgDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_reorg_detected_total",
			Help: "Number of detected chain reorgs.",
		}, []string{"chain"}),
		watchdogTimeout: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_watchdog_timeout_total",
			Help: "Number of times the watchdog observed a stalled chain.",
		}, []string{"chain"}),
	}
}

func (m *Metrics) RegistryLoaded(chain types.ChainId) {
	m.registryLoaded.WithLabelValues(chain.String()).Inc()
}

func (m *Metrics) RegistryWritten(chain types.ChainId) {
	m.registryWritten.WithLabelValues(chain.String()).Inc()
}

func (m *Metrics) RegistryWriteFailed(chain types.ChainId) {
	m.registryWriteFailed.WithLabelValues(chain.String()).Inc()
}

func (m *Metrics) OrderSubmitted(chain types.ChainId) {
	m.orderSubmitted.WithLabelValues(chain.String()).Inc()
}

func (m *Metrics) OrderSubmitFailed(chain types.ChainId, errorType string) {
	m.orderSubmitFailed.WithLabelValues(chain.String(), errorType).Inc()
}

func (m *Metrics) PollOutcome(chain types.ChainId, outcome string) {
	m.pollOutcome.WithLabelValues(chain.String(), outcome).Inc()
}

func (m *Metrics) EventIndexed(chain types.ChainId, event string) {
	m.eventIndexed.WithLabelValues(chain.String(), event).Inc()
}

func (m *Metrics) EventSkipped(chain types.ChainId, event string) {
	m.eventSkipped.WithLabelValues(chain.String(), event).Inc()
}

func (m *Metrics) BlockHeight(chain types.ChainId, number uint64) {
	m.blockHeight.WithLabelValues(chain.String()).Set(float64(number))
}

func (m *Metrics) BlockProducingRate(chain types.ChainId, seconds float64) {
	m.blockProducingRate.WithLabelValues(chain.String()).Set(seconds)
}

func (m *Metrics) ReorgDetected(chain types.ChainId, depth uint64) {
	m.reorgDetected.WithLabelValues(chain.String()).Add(float64(depth))
}

func (m *Metrics) WatchdogTimeout(chain types.ChainId) {
	m.watchdogTimeout.WithLabelValues(chain.String()).Inc()
}
