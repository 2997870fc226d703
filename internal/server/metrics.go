package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"github.com/infrahq/lockbox/internal"
	"github.com/infrahq/lockbox/internal/audit"
	"github.com/infrahq/lockbox/internal/logging"
	"github.com/infrahq/lockbox/metrics"
)

// collector reports the values returned by collectFunc on every scrape.
type collector struct {
	desc        *prometheus.Desc
	valueType   prometheus.ValueType
	collectFunc func() (float64, bool)
}

func newGaugeCollector(opts prometheus.Opts, collectFunc func() (float64, bool)) *collector {
	fqname := prometheus.BuildFQName(opts.Namespace, opts.Subsystem, opts.Name)
	return &collector{
		desc:        prometheus.NewDesc(fqname, opts.Help, nil, opts.ConstLabels),
		valueType:   prometheus.GaugeValue,
		collectFunc: collectFunc,
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	if value, ok := c.collectFunc(); ok {
		ch <- prometheus.MustNewConstMetric(c.desc, c.valueType, value)
	}
}

func setupMetrics(db *gorm.DB) *prometheus.Registry {
	registry := prometheus.NewRegistry()

	build := internal.CurrentBuild()
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Always 1, labeled with the version, commit and date of the lockbox build",
		ConstLabels: prometheus.Labels{
			"version": build.Version,
			"commit":  build.Commit,
			"date":    build.Date,
		},
	}, func() float64 { return 1 }))

	metrics.Register(registry)

	if db == nil {
		return registry
	}

	if rawDB, err := db.DB(); err == nil {
		registry.MustRegister(collectors.NewDBStatsCollector(rawDB, db.Dialector.Name()))
	}

	registry.MustRegister(newGaugeCollector(prometheus.Opts{
		Namespace: "lockbox",
		Name:      "audit_events",
		Help:      "The number of stored audit events",
	}, func() (float64, bool) {
		var count int64
		if err := db.Model(&audit.Event{}).Count(&count).Error; err != nil {
			logging.Warnf("counting audit events: %v", err)
			return 0, false
		}

		return float64(count), true
	}))

	return registry
}
