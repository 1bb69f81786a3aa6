package broker

import (
	"context"
	"sync"
	"time"

	"github.com/shinji-kodama/berth/internal/config"
	"github.com/shinji-kodama/berth/internal/logging"
	"github.com/shinji-kodama/berth/internal/port"
	"github.com/shinji-kodama/berth/internal/worktree"
)

// Report is the outcome of one pass over every maintenance task.
type Report struct {
	Purge     port.CleanupResult       `json:"purge" yaml:"purge"`
	Reclaim   port.CleanupResult       `json:"reclaim" yaml:"reclaim"`
	Check     port.CheckResult         `json:"check" yaml:"check"`
	Reconcile worktree.ReconcileResult `json:"reconcile" yaml:"reconcile"`
}

// Maintainer runs the reconciliation tasks on independent schedules:
// purging old released ports, reclaiming ports of vanished worktrees,
// probing live ports, and dropping bindings to vanished worktrees.
type Maintainer struct {
	broker *Broker
	cfg    config.MaintenanceConfig
	log    *logging.Logger
}

// NewMaintainer returns a Maintainer for b. A zero interval disables that task.
func NewMaintainer(b *Broker, cfg config.MaintenanceConfig, log *logging.Logger) *Maintainer {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Maintainer{broker: b, cfg: cfg, log: log.WithComponent("maintainer")}
}

type task struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
}

func (m *Maintainer) tasks(report *Report, mu *sync.Mutex) []task {
	record := func(fn func()) {
		mu.Lock()
		defer mu.Unlock()
		fn()
	}
	b := m.broker
	return []task{
		{"purge", m.cfg.PurgeInterval, func(ctx context.Context) {
			res := b.ports.PurgeReleased(ctx)
			record(func() { report.Purge = report.Purge.Add(res) })
			m.log.Debug("purge finished", "purged", res.Purged, "failed", res.Failed)
		}},
		{"reclaim", m.cfg.ReclaimInterval, func(ctx context.Context) {
			res := b.ports.ReclaimOrphans(ctx)
			record(func() { report.Reclaim = report.Reclaim.Add(res) })
			m.log.Debug("reclaim finished", "reclaimed", res.Reclaimed, "failed", res.Failed)
		}},
		{"check", m.cfg.CheckInterval, func(ctx context.Context) {
			res := b.CheckPorts(ctx)
			record(func() { report.Check = res })
			m.log.Debug("check finished", "checked", res.Checked, "active", res.Active, "failed", res.Failed)
		}},
		{"reconcile", m.cfg.ReconcileInterval, func(ctx context.Context) {
			res := b.ReconcileWorktrees(ctx)
			record(func() { report.Reconcile = res })
			m.log.Debug("reconcile finished", "checked", res.Checked, "dropped", len(res.Dropped))
		}},
	}
}

// RunOnce runs every task once, in order, regardless of intervals.
func (m *Maintainer) RunOnce(ctx context.Context) Report {
	var report Report
	var mu sync.Mutex
	for _, t := range m.tasks(&report, &mu) {
		if ctx.Err() != nil {
			break
		}
		t.run(ctx)
	}
	return report
}

// Run starts each enabled task immediately and then on its interval until
// ctx is done. It returns once every task has stopped.
func (m *Maintainer) Run(ctx context.Context) {
	var report Report
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, t := range m.tasks(&report, &mu) {
		if t.interval <= 0 {
			m.log.Info("maintenance task disabled", "task", t.name)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.loop(ctx, t)
		}()
	}

	wg.Wait()
	m.log.Info("maintainer stopped")
}

func (m *Maintainer) loop(ctx context.Context, t task) {
	m.log.Info("maintenance task started", "task", t.name, "interval", t.interval.String())

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		t.run(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
