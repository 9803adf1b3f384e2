package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	prom "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/prometheus"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
)

const namespace = "ingest"

// IngestMetrics owns the pipeline collectors. All record methods are nil-safe.
type IngestMetrics struct {
	*core.BaseComponent
	Prom *prom.Component `infra:"dep:prometheus?"`

	items           *prometheus.CounterVec
	subtasks        *prometheus.CounterVec
	itemDuration    *prometheus.HistogramVec
	triggerFailures *prometheus.CounterVec
	reviews         *prometheus.CounterVec
	reconcile       *prometheus.CounterVec
}

func NewIngestMetrics() *IngestMetrics {
	return &IngestMetrics{
		BaseComponent: core.NewBaseComponent(consts.COMP_METRICS, appconsts.COMPONENT_LOGGING),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "items_total", Help: "Processed batch items by result.",
		}, []string{"result", "source"}),
		subtasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "subtasks_total", Help: "Finished subtasks by status.",
		}, []string{"status"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "item_duration_seconds", Help: "Per-item pipeline latency.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 30},
		}, []string{"result"}),
		triggerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "chain_trigger_failures_total", Help: "Continuation triggers that gave up.",
		}, []string{"mode"}),
		reviews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reviews_total", Help: "Async review outcomes.",
		}, []string{"outcome"}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconcile_actions_total", Help: "Repairs applied by the reconciler.",
		}, []string{"action"}),
	}
}

func (m *IngestMetrics) Start(ctx context.Context) error {
	if err := m.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if m.Prom == nil {
		logging.Info(ctx, "prometheus disabled, ingest metrics kept in-process")
		return nil
	}
	return m.Register(m.Prom.Registerer())
}

func (m *IngestMetrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *IngestMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.items, m.subtasks, m.itemDuration, m.triggerFailures, m.reviews, m.reconcile}
}

func (m *IngestMetrics) ObserveItem(success bool, source consts.EnrichSource, d time.Duration) {
	if m == nil {
		return
	}
	result := "failed"
	if success {
		result = "success"
	}
	m.items.WithLabelValues(result, string(source)).Inc()
	m.itemDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *IngestMetrics) SubtaskFinished(status consts.TaskStatus) {
	if m == nil {
		return
	}
	m.subtasks.WithLabelValues(string(status)).Inc()
}

func (m *IngestMetrics) TriggerFailed(mode consts.ChainMode) {
	if m == nil {
		return
	}
	m.triggerFailures.WithLabelValues(string(mode)).Inc()
}

func (m *IngestMetrics) Review(outcome string) {
	if m == nil {
		return
	}
	m.reviews.WithLabelValues(outcome).Inc()
}

func (m *IngestMetrics) Reconciled(action string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(action).Inc()
}
