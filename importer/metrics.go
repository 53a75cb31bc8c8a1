package importer

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	entityTeachingActivity  = "teaching_activity"
	entitySessionOccurrence = "session_occurrence"
	entityAllocation        = "allocation"
)

type Metrics struct {
	RowsStaged       prometheus.Counter
	Runs             *prometheus.CounterVec
	RowsMaterialized *prometheus.CounterVec
	RowsRolledBack   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		RowsStaged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "timetable_import",
			Name:      "rows_staged_total",
			Help:      "Staged rows accepted into import batches.",
		}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "timetable_import",
			Name:      "runs_total",
			Help:      "Import runs by terminal status.",
		}, []string{"status"}),
		RowsMaterialized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "timetable_import",
			Name:      "rows_materialized_total",
			Help:      "Normalized rows inserted by commits.",
		}, []string{"entity"}),
		RowsRolledBack: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "timetable_import",
			Name:      "rows_rolled_back_total",
			Help:      "Normalized rows deleted by rollbacks.",
		}, []string{"entity"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.RowsStaged, m.Runs, m.RowsMaterialized, m.RowsRolledBack} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeCommit(c Counts) {
	m.Runs.WithLabelValues(string(RunCommitted)).Inc()
	m.RowsMaterialized.WithLabelValues(entityTeachingActivity).Add(float64(c.TeachingActivity))
	m.RowsMaterialized.WithLabelValues(entitySessionOccurrence).Add(float64(c.SessionOccurrence))
	m.RowsMaterialized.WithLabelValues(entityAllocation).Add(float64(c.Allocation))
}

func (m *Metrics) observeRollback(d DeletedCounts) {
	m.Runs.WithLabelValues(string(RunRolledBack)).Inc()
	m.RowsRolledBack.WithLabelValues(entityTeachingActivity).Add(float64(d.Teach))
	m.RowsRolledBack.WithLabelValues(entitySessionOccurrence).Add(float64(d.Sess))
	m.RowsRolledBack.WithLabelValues(entityAllocation).Add(float64(d.Alloc))
}
