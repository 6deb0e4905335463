package beandb

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports database and transaction statistics to Prometheus.
type Collector struct {
	db *DB

	scopesBegun      *prometheus.Desc
	scopesCommitted  *prometheus.Desc
	scopesRolledBack *prometheus.Desc
	conflicts        *prometheus.Desc
	failedCommits    *prometheus.Desc
	openScopes       *prometheus.Desc
	claimedKeys      *prometheus.Desc

	reads         *prometheus.Desc
	writes        *prometheus.Desc
	beansAdded    *prometheus.Desc
	beansRemoved  *prometheus.Desc
	fieldsChanged *prometheus.Desc
	dbSize        *prometheus.Desc
	containerSize *prometheus.Desc
	journalSize   *prometheus.Desc
}

func NewCollector(db *DB) *Collector {
	return &Collector{
		db: db,

		scopesBegun: prometheus.NewDesc(
			"beandb_scopes_begun_total",
			"Total number of transaction scopes started",
			nil, nil,
		),
		scopesCommitted: prometheus.NewDesc(
			"beandb_scopes_committed_total",
			"Total number of transaction scopes committed",
			nil, nil,
		),
		scopesRolledBack: prometheus.NewDesc(
			"beandb_scopes_rolled_back_total",
			"Total number of transaction scopes rolled back",
			nil, nil,
		),
		conflicts: prometheus.NewDesc(
			"beandb_scope_conflicts_total",
			"Total number of operations rejected because another scope held the key",
			nil, nil,
		),
		failedCommits: prometheus.NewDesc(
			"beandb_failed_commits_total",
			"Total number of commits that failed in some phase",
			nil, nil,
		),
		openScopes: prometheus.NewDesc(
			"beandb_open_scopes",
			"Number of scopes neither committed nor rolled back",
			nil, nil,
		),
		claimedKeys: prometheus.NewDesc(
			"beandb_claimed_keys",
			"Number of containers and single beans claimed by open scopes",
			nil, nil,
		),

		reads: prometheus.NewDesc(
			"beandb_read_transactions_total",
			"Total number of storage read transactions",
			nil, nil,
		),
		writes: prometheus.NewDesc(
			"beandb_write_transactions_total",
			"Total number of storage write transactions",
			nil, nil,
		),
		beansAdded: prometheus.NewDesc(
			"beandb_beans_added_total",
			"Total number of beans added to containers",
			nil, nil,
		),
		beansRemoved: prometheus.NewDesc(
			"beandb_beans_removed_total",
			"Total number of beans removed from containers",
			nil, nil,
		),
		fieldsChanged: prometheus.NewDesc(
			"beandb_field_changes_total",
			"Total number of field values written",
			nil, nil,
		),
		dbSize: prometheus.NewDesc(
			"beandb_size_bytes",
			"Database size as of the last write",
			nil, nil,
		),
		containerSize: prometheus.NewDesc(
			"beandb_container_beans",
			"Number of beans in each open container",
			[]string{"container"}, nil,
		),
		journalSize: prometheus.NewDesc(
			"beandb_commit_log_bytes",
			"Size of the commit log",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.scopesBegun
	ch <- c.scopesCommitted
	ch <- c.scopesRolledBack
	ch <- c.conflicts
	ch <- c.failedCommits
	ch <- c.openScopes
	ch <- c.claimedKeys
	ch <- c.reads
	ch <- c.writes
	ch <- c.beansAdded
	ch <- c.beansRemoved
	ch <- c.fieldsChanged
	ch <- c.dbSize
	ch <- c.containerSize
	ch <- c.journalSize
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	db := c.db
	st := db.mgr.Stats()

	ch <- prometheus.MustNewConstMetric(c.scopesBegun, prometheus.CounterValue, float64(st.Begun))
	ch <- prometheus.MustNewConstMetric(c.scopesCommitted, prometheus.CounterValue, float64(st.Committed))
	ch <- prometheus.MustNewConstMetric(c.scopesRolledBack, prometheus.CounterValue, float64(st.RolledBack))
	ch <- prometheus.MustNewConstMetric(c.conflicts, prometheus.CounterValue, float64(st.Conflicts))
	ch <- prometheus.MustNewConstMetric(c.failedCommits, prometheus.CounterValue, float64(st.FailedCommits))
	ch <- prometheus.MustNewConstMetric(c.openScopes, prometheus.GaugeValue, float64(st.Open))
	ch <- prometheus.MustNewConstMetric(c.claimedKeys, prometheus.GaugeValue, float64(st.ClaimedKeys))

	ch <- prometheus.MustNewConstMetric(c.reads, prometheus.CounterValue, float64(db.ReadCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.writes, prometheus.CounterValue, float64(db.WriteCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.beansAdded, prometheus.CounterValue, float64(db.AddedCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.beansRemoved, prometheus.CounterValue, float64(db.RemovedCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.fieldsChanged, prometheus.CounterValue, float64(db.ChangedCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.dbSize, prometheus.GaugeValue, float64(db.Size()))

	for _, cont := range db.OpenContainers() {
		ch <- prometheus.MustNewConstMetric(c.containerSize, prometheus.GaugeValue, float64(cont.Size()), string(cont.Key()))
	}
	if db.journal != nil {
		ch <- prometheus.MustNewConstMetric(c.journalSize, prometheus.GaugeValue, float64(db.journal.Size()))
	}
}
