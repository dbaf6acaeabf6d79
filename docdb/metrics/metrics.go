package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tinydoc"

// Metrics are registered on the registry handed to New, so tests can use a private one.
type Metrics struct {
	MergedBatches      prometheus.Counter
	BatchCommands      prometheus.Histogram
	BatchDuration      prometheus.Histogram
	CommitDuration     prometheus.Histogram
	AsyncCommits       prometheus.Counter
	ReplayedCommands   prometheus.Counter
	FailedCommands     *prometheus.CounterVec
	QueueLength        prometheus.Gauge
	Conflicts          prometheus.Gauge
	NotificationsSent  *prometheus.CounterVec
	NotificationsDrops prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MergedBatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merger",
			Name:      "batches_total",
			Help:      "Counter of merged batches.",
		}),
		BatchCommands: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "merger",
			Name:      "batch_commands",
			Help:      "Bucketed histogram of commands per merged batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "merger",
			Name:      "batch_duration_seconds",
			Help:      "Bucketed histogram of time spent executing a batch.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		}),
		CommitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "merger",
			Name:      "commit_duration_seconds",
			Help:      "Bucketed histogram of synchronous commit time.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		}),
		AsyncCommits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merger",
			Name:      "async_commits_total",
			Help:      "Counter of commits overlapped with the next batch.",
		}),
		ReplayedCommands: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merger",
			Name:      "replayed_commands_total",
			Help:      "Counter of commands re-executed in their own transaction after a batch failed.",
		}),
		FailedCommands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merger",
			Name:      "failed_commands_total",
			Help:      "Counter of commands reported as failed.",
		}, []string{"reason"}),
		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "merger",
			Name:      "queue_length",
			Help:      "Number of commands waiting for the merger.",
		}),
		Conflicts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "documents",
			Name:      "conflicts",
			Help:      "Number of conflict rows, possibly overestimated.",
		}),
		NotificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "published_total",
			Help:      "Counter of change notifications published.",
		}, []string{"type"}),
		NotificationsDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Counter of change notifications dropped by slow consumers.",
		}),
	}
}

// NewForTest returns metrics registered on a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
