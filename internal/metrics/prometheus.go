package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a grid node
type Metrics struct {
	// Write/Read operation metrics
	WritesTotal    *prometheus.CounterVec
	WriteDuration  *prometheus.HistogramVec
	WriteRetries   prometheus.Counter
	ReadsTotal     *prometheus.CounterVec
	ReadDuration   prometheus.Histogram
	ConflictsTotal *prometheus.CounterVec
	RevertedTotal  *prometheus.CounterVec
	RollbacksTotal *prometheus.CounterVec

	// Generation metrics
	CompletedGeneration        *prometheus.GaugeVec
	MinActiveGeneration        *prometheus.GaugeVec
	ClusterMinActiveGeneration *prometheus.GaugeVec
	UncompletedGenerations     *prometheus.GaugeVec
	ActiveReaders              *prometheus.GaugeVec

	// Compaction metrics
	CompactionRunsTotal    *prometheus.CounterVec
	CompactionDuration     prometheus.Histogram
	VersionsCompactedTotal *prometheus.CounterVec
	ChainsRetiredTotal     *prometheus.CounterVec
	PurgeFailuresTotal     prometheus.Counter

	// Topology metrics
	ScalePlansTotal    *prometheus.CounterVec
	ChunksPlannedTotal prometheus.Counter
	TopologyGeneration prometheus.Gauge
	TopologyInstances  prometheus.Gauge

	// Gossip metrics
	GossipMembersTotal  prometheus.Gauge
	GossipMessagesTotal *prometheus.CounterVec

	// System metrics
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	f := promauto.With(reg)

	return &Metrics{
		WritesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gridnode",
			Subsystem:   "mvcc",
			Name:        "writes_total",
			Help:        "Total number of write attempts by operation and outcome",
			ConstLabels: labels,
		}, []string{"partition_id", "op", "outcome"}),
		WriteDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "gridnode",
			Subsystem:   "mvcc",
			Name:        "write_duration_seconds",
			Help:        "Histogram of write durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),
		WriteRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "gridnode",
			Subsystem:   "mvcc",
			Name:        "write_retries_total",
			Help:        "Total number of retried writes after a retryable conflict",
			ConstLabels: labels,
		}),
		ReadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gridnode",
			Subsystem:   "mvcc",
			Name:        "reads_total",
			Help:        "Total number of snapshot reads by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		ReadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "gridnode",
			Subsystem:   "mvcc",
			Name:        "read_duration_seconds",
			Help:        "Histogram of snapshot read durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		ConflictsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gridnode",
			Subsystem:   "mvcc",
			Name:        "conflicts_total",
			Help:        "Total number of rejected writes by error code",
			ConstLabels: labels,
		}, []string{"code"}),
		RevertedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gridnode",
			Subsystem:   "mvcc",
			Name:        "reverted_generations_total",
			Help:        "Total number of generations reverted after a failed commit",
			ConstLabels: labels,
		}, []string{"partition_id"}),
		RollbacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gridnode",
			Subsystem:   "mvcc",
			Name:        "rollbacks_total",
			Help:        "Total number of upstream-requested generation rollbacks",
			ConstLabels: labels,
		}, []string{"partition_id"}),

		CompletedGeneration: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "gridnode",
			Subsystem:   "generations",
			Name:        "completed",
			Help:        "Local completed generation",
			ConstLabels: labels,
		}, []string{"partition_id"}),
		MinActiveGeneration: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "gridnode",
			Subsystem:   "generations",
			Name:        "min_active",
			Help:        "Oldest generation a local reader still needs",
			ConstLabels: labels,
		}, []string{"partition_id"}),
		ClusterMinActiveGeneration: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "gridnode",
			Subsystem:   "generations",
			Name:        "cluster_min_active",
			Help:        "Oldest generation any reader in the cluster still needs",
			ConstLabels: labels,
		}, []string{"partition_id"}),
		UncompletedGenerations: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "gridnode",
			Subsystem:   "generations",
			Name:        "uncompleted",
			Help:        "Number of in-flight generations",
			ConstLabels: labels,
		}, []string{"partition_id"}),
		ActiveReaders: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "gridnode",
			Subsystem:   "generations",
			Name:        "active_readers",
			Help:        "Number of pinned reader snapshots",
			ConstLabels: labels,
		}, []string{"partition_id"}),

		CompactionRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gridnode",
			Subsystem:   "compaction",
			Name:        "runs_total",
			Help:        "Total number of compaction runs by status",
			ConstLabels: labels,
		}, []string{"status"}),
		CompactionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "gridnode",
			Subsystem:   "compaction",
			Name:        "duration_seconds",
			Help:        "Histogram of compaction run durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		VersionsCompactedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gridnode",
			Subsystem:   "compaction",
			Name:        "versions_total",
			Help:        "Total number of superseded versions removed",
			ConstLabels: labels,
		}, []string{"partition_id"}),
		ChainsRetiredTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gridnode",
			Subsystem:   "compaction",
			Name:        "retired_chains_total",
			Help:        "Total number of removed entries dropped from the index",
			ConstLabels: labels,
		}, []string{"partition_id"}),
		PurgeFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "gridnode",
			Subsystem:   "compaction",
			Name:        "purge_failures_total",
			Help:        "Total number of failed version purges",
			ConstLabels: labels,
		}),

		ScalePlansTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gridnode",
			Subsystem:   "topology",
			Name:        "scale_plans_total",
			Help:        "Total number of computed scale plans by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		ChunksPlannedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "gridnode",
			Subsystem:   "topology",
			Name:        "chunks_planned_total",
			Help:        "Total number of chunks planned to move",
			ConstLabels: labels,
		}),
		TopologyGeneration: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "gridnode",
			Subsystem:   "topology",
			Name:        "generation",
			Help:        "Generation of the current topology",
			ConstLabels: labels,
		}),
		TopologyInstances: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "gridnode",
			Subsystem:   "topology",
			Name:        "instances",
			Help:        "Number of partitions in the current topology",
			ConstLabels: labels,
		}),

		GossipMembersTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "gridnode",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Total number of gossip members",
			ConstLabels: labels,
		}),
		GossipMessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gridnode",
			Subsystem:   "gossip",
			Name:        "messages_total",
			Help:        "Total number of generation state messages by direction",
			ConstLabels: labels,
		}, []string{"direction"}),

		DiskUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "gridnode",
			Subsystem:   "system",
			Name:        "disk_usage_bytes",
			Help:        "Disk usage of the data directory in bytes",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "gridnode",
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available disk space in bytes",
			ConstLabels: labels,
		}),
		DiskUsagePercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "gridnode",
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Disk usage percentage",
			ConstLabels: labels,
		}),
		MemoryUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "gridnode",
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Heap memory in use in bytes",
			ConstLabels: labels,
		}),
		GoroutinesTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "gridnode",
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Number of goroutines",
			ConstLabels: labels,
		}),
	}
}

func partitionLabel(partitionID uint16) string {
	return strconv.Itoa(int(partitionID))
}

// RecordWrite records a write attempt
func (m *Metrics) RecordWrite(partitionID uint16, op, outcome string, duration float64) {
	m.WritesTotal.WithLabelValues(partitionLabel(partitionID), op, outcome).Inc()
	m.WriteDuration.WithLabelValues(op).Observe(duration)
}

// RecordConflict records a rejected write
func (m *Metrics) RecordConflict(code string) {
	m.ConflictsTotal.WithLabelValues(code).Inc()
}

// RecordRetry records a retried write
func (m *Metrics) RecordRetry() {
	m.WriteRetries.Inc()
}

// RecordRead records a snapshot read
func (m *Metrics) RecordRead(outcome string, duration float64) {
	m.ReadsTotal.WithLabelValues(outcome).Inc()
	m.ReadDuration.Observe(duration)
}

// RecordRevert records a generation reverted after a failed commit
func (m *Metrics) RecordRevert(partitionID uint16) {
	m.RevertedTotal.WithLabelValues(partitionLabel(partitionID)).Inc()
}

// RecordRollback records an upstream-requested rollback
func (m *Metrics) RecordRollback(partitionID uint16) {
	m.RollbacksTotal.WithLabelValues(partitionLabel(partitionID)).Inc()
}

// UpdateGenerationStats updates the generation gauges of a partition
func (m *Metrics) UpdateGenerationStats(partitionID uint16, completed, minActive, clusterMinActive uint64, uncompleted, readers int) {
	p := partitionLabel(partitionID)
	m.CompletedGeneration.WithLabelValues(p).Set(float64(completed))
	m.MinActiveGeneration.WithLabelValues(p).Set(float64(minActive))
	m.ClusterMinActiveGeneration.WithLabelValues(p).Set(float64(clusterMinActive))
	m.UncompletedGenerations.WithLabelValues(p).Set(float64(uncompleted))
	m.ActiveReaders.WithLabelValues(p).Set(float64(readers))
}

// RecordCompactionRun records a node-wide compaction run
func (m *Metrics) RecordCompactionRun(status string, duration float64) {
	m.CompactionRunsTotal.WithLabelValues(status).Inc()
	m.CompactionDuration.Observe(duration)
}

// RecordCompacted records the result of compacting one partition
func (m *Metrics) RecordCompacted(partitionID uint16, versions, retired int) {
	p := partitionLabel(partitionID)
	m.VersionsCompactedTotal.WithLabelValues(p).Add(float64(versions))
	m.ChainsRetiredTotal.WithLabelValues(p).Add(float64(retired))
}

// RecordPurgeFailure records a failed purge
func (m *Metrics) RecordPurgeFailure() {
	m.PurgeFailuresTotal.Inc()
}

// RecordScalePlan records a computed scale plan
func (m *Metrics) RecordScalePlan(kind string, chunks int) {
	m.ScalePlansTotal.WithLabelValues(kind).Inc()
	m.ChunksPlannedTotal.Add(float64(chunks))
}

// UpdateTopology records the current topology
func (m *Metrics) UpdateTopology(generation uint16, instances int) {
	m.TopologyGeneration.Set(float64(generation))
	m.TopologyInstances.Set(float64(instances))
}

// UpdateGossipMembers updates the member count
func (m *Metrics) UpdateGossipMembers(total int) {
	m.GossipMembersTotal.Set(float64(total))
}

// RecordGossipMessage records a sent or received state message
func (m *Metrics) RecordGossipMessage(direction string) {
	m.GossipMessagesTotal.WithLabelValues(direction).Inc()
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(diskUsage, diskAvailable, memoryUsage int64, goroutines int) {
	m.DiskUsageBytes.Set(float64(diskUsage))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	if diskUsage+diskAvailable > 0 {
		m.DiskUsagePercent.Set(float64(diskUsage) / float64(diskUsage+diskAvailable) * 100)
	}
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
