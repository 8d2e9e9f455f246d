package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queuemon_queue_length",
			Help: "Number of items in a watched queue",
		},
		[]string{"queue"},
	)

	queuePushRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queuemon_queue_push_rate",
			Help: "Items enqueued per second since the previous snapshot",
		},
		[]string{"queue"},
	)

	queueDequeueRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queuemon_queue_dequeue_rate",
			Help: "Items removed per second since the previous snapshot",
		},
		[]string{"queue"},
	)

	snapshotErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuemon_snapshot_errors_total",
			Help: "Snapshots that failed and were skipped",
		},
		[]string{"queue"},
	)

	snapshotDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queuemon_snapshot_duration_seconds",
			Help:    "Time spent reading one snapshot from the store",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"queue"},
	)
)

func (m *Monitor) recordMetrics(model LiveModel) {
	if model.State == StateIdle {
		// the final model of a stopped watcher can arrive after the queue was
		// opened again; its series belong to the new watcher then
		if _, reopened := m.Get(model.Name); reopened {
			return
		}

		queueLength.DeleteLabelValues(model.Name)
		queuePushRate.DeleteLabelValues(model.Name)
		queueDequeueRate.DeleteLabelValues(model.Name)
		snapshotErrors.DeleteLabelValues(model.Name)
		snapshotDuration.DeleteLabelValues(model.Name)
		return
	}

	if model.Stale || model.State != StatePolling {
		return
	}

	queueLength.WithLabelValues(model.Name).Set(float64(model.CurrentLength))
	queuePushRate.WithLabelValues(model.Name).Set(float64(model.PushRate))
	queueDequeueRate.WithLabelValues(model.Name).Set(float64(model.DequeueRate))
}
