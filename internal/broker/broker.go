// Package broker composes the slot controller, port allocator and worktree
// manager behind one facade. It is the only entry point the CLI and other
// callers use; every operation runs inside an OpenTelemetry span.
package broker

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shinji-kodama/berth/internal/config"
	"github.com/shinji-kodama/berth/internal/docker"
	"github.com/shinji-kodama/berth/internal/logging"
	"github.com/shinji-kodama/berth/internal/model"
	"github.com/shinji-kodama/berth/internal/port"
	"github.com/shinji-kodama/berth/internal/slot"
	"github.com/shinji-kodama/berth/internal/store"
	"github.com/shinji-kodama/berth/internal/telemetry"
	"github.com/shinji-kodama/berth/internal/worktree"
)

// Options configures Open.
type Options struct {
	Config    *config.Config
	Logger    *logging.Logger
	Telemetry *telemetry.Provider

	// Probe overrides the probe selected by ports.probe.
	Probe port.Probe

	// Resetter is told when a conversation loses its worktree.
	Resetter worktree.SessionResetter
}

// Broker is the facade over all three contended resources.
type Broker struct {
	cfg       *config.Config
	store     *store.Store
	slots     slot.Controller
	ports     *port.Allocator
	worktrees *worktree.Manager
	tracer    trace.Tracer
	log       *logging.Logger
	closers   []func() error
}

// Open opens the database and builds every component from configuration.
func Open(ctx context.Context, opts Options) (*Broker, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = logging.NopLogger()
	}

	st, err := store.Open(cfg.Database.Path, cfg.Database.BusyTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	b := &Broker{
		cfg:    cfg,
		store:  st,
		tracer: opts.Telemetry.Tracer(),
		log:    log.WithComponent("broker"),
	}
	b.closers = append(b.closers, st.Close)

	probe := opts.Probe
	if probe == nil {
		probe = b.probeFromConfig(ctx)
	}

	b.ports, err = port.NewAllocator(st, port.Options{
		Ranges:    cfg.Ports.Ranges(),
		Reserved:  cfg.Ports.Reserved,
		Retention: cfg.Ports.Retention(),
		Probe:     probe,
		Logger:    log,
	})
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	b.slots, err = slot.New(cfg.Concurrency, st, log)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.closers = append(b.closers, b.slots.Close)

	portEnv, err := model.ParseEnvironment(cfg.Worktree.PortEnvironment)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.worktrees, err = worktree.NewManager(st, worktree.Options{
		BaseDir:         cfg.Worktree.BaseDir,
		Ports:           b.ports,
		AllocatePort:    cfg.Worktree.AllocatePort,
		PortEnvironment: portEnv,
		Trust:           cfg.Worktree.TrustWorktrees,
		Resetter:        opts.Resetter,
		Logger:          log,
	})
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	return b, nil
}

// probeFromConfig builds the configured probe. If Docker is unreachable the
// broker still opens; liveness checks are then skipped.
func (b *Broker) probeFromConfig(ctx context.Context) port.Probe {
	switch b.cfg.Ports.Probe {
	case config.ProbeNone:
		return port.NoProbe{}
	case config.ProbeDocker:
		c, err := docker.NewClient()
		if err == nil {
			err = c.Ping(ctx)
		}
		if err != nil {
			b.log.Warn("docker probe unavailable; port checks disabled", "error", err)
			if c != nil {
				_ = c.Close()
			}
			return port.NoProbe{}
		}
		b.closers = append(b.closers, c.Close)
		return docker.NewProbe(c)
	default:
		return port.NewListenProbe()
	}
}

// Close releases held slots and closes the database, in reverse open order.
func (b *Broker) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// Config returns the configuration the broker was opened with.
func (b *Broker) Config() *config.Config {
	return b.cfg
}

func (b *Broker) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return b.tracer.Start(ctx, "berth."+name, trace.WithAttributes(attrs...))
}

// AcquireConversationSlot blocks until key may run. The span covers the wait.
func (b *Broker) AcquireConversationSlot(ctx context.Context, key string) (h *slot.Handle, err error) {
	ctx, span := b.start(ctx, "AcquireConversationSlot", telemetry.AttrConversation.String(key))
	defer func() { telemetry.End(span, err) }()
	h, err = b.slots.Acquire(ctx, key)
	if err == nil {
		telemetry.AddEvent(ctx, "slot.granted")
	}
	return h, err
}

// ReleaseConversationSlot gives a slot back. Extra releases are ignored.
func (b *Broker) ReleaseConversationSlot(ctx context.Context, h *slot.Handle) {
	if h == nil {
		return
	}
	_, span := b.start(ctx, "ReleaseConversationSlot", telemetry.AttrConversation.String(h.Key))
	defer span.End()
	b.slots.Release(h)
}

// WithConversationSlot runs fn while holding key's slot and releases it on
// every exit path.
func (b *Broker) WithConversationSlot(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	h, err := b.AcquireConversationSlot(ctx, key)
	if err != nil {
		return err
	}
	defer b.ReleaseConversationSlot(ctx, h)
	return fn(ctx)
}

// ConcurrencyStats returns the slot controller's counters.
func (b *Broker) ConcurrencyStats(ctx context.Context) slot.Stats {
	_, span := b.start(ctx, "ConcurrencyStats")
	defer span.End()
	return b.slots.Stats()
}

// AllocatePort reserves a port for req.
func (b *Broker) AllocatePort(ctx context.Context, req port.Request) (alloc *model.PortAllocation, err error) {
	ctx, span := b.start(ctx, "AllocatePort",
		telemetry.AttrService.String(req.ServiceName),
		telemetry.AttrEnvironment.String(string(req.Environment)),
		telemetry.AttrConversation.String(req.Owner.ConversationKey))
	defer func() {
		if alloc != nil {
			span.SetAttributes(telemetry.AttrPort.Int(alloc.Port))
		}
		telemetry.End(span, err)
	}()
	return b.ports.Allocate(ctx, req)
}

// ReleasePort releases p. It reports false when p had nothing live.
func (b *Broker) ReleasePort(ctx context.Context, p int) (released bool, err error) {
	ctx, span := b.start(ctx, "ReleasePort", telemetry.AttrPort.Int(p))
	defer func() { telemetry.End(span, err) }()
	return b.ports.Release(ctx, p)
}

// ListAllocations returns allocations matching f.
func (b *Broker) ListAllocations(ctx context.Context, f port.Filter) (allocs []model.PortAllocation, err error) {
	ctx, span := b.start(ctx, "ListAllocations", telemetry.AttrEnvironment.String(string(f.Environment)))
	defer func() {
		span.SetAttributes(telemetry.AttrCount.Int(len(allocs)))
		telemetry.End(span, err)
	}()
	return b.ports.List(ctx, f)
}

// GetPortAllocation returns the current or most recent record for p.
func (b *Broker) GetPortAllocation(ctx context.Context, p int) (alloc *model.PortAllocation, err error) {
	ctx, span := b.start(ctx, "GetPortAllocation", telemetry.AttrPort.Int(p))
	defer func() { telemetry.End(span, err) }()
	return b.ports.Get(ctx, p)
}

// FindAvailablePort returns the port Allocate would pick next in env.
func (b *Broker) FindAvailablePort(ctx context.Context, env model.Environment, startFrom int) (p int, err error) {
	ctx, span := b.start(ctx, "FindAvailablePort", telemetry.AttrEnvironment.String(string(env)))
	defer func() { telemetry.End(span, err) }()
	return b.ports.FindAvailable(ctx, env, startFrom)
}

// CleanupStaleAllocations purges old released records and reclaims
// allocations whose worktree is gone. It never fails.
func (b *Broker) CleanupStaleAllocations(ctx context.Context) port.CleanupResult {
	ctx, span := b.start(ctx, "CleanupStaleAllocations")
	defer span.End()

	res := b.ports.CleanupStaleAllocations(ctx)
	span.SetAttributes(
		attribute.Int("berth.purged", res.Purged),
		attribute.Int("berth.reclaimed", res.Reclaimed),
		attribute.Int("berth.failed", res.Failed),
	)
	return res
}

// Utilization reports how full env's range is.
func (b *Broker) Utilization(ctx context.Context, env model.Environment) (u *model.Utilization, err error) {
	ctx, span := b.start(ctx, "Utilization", telemetry.AttrEnvironment.String(string(env)))
	defer func() { telemetry.End(span, err) }()
	return b.ports.Utilization(ctx, env)
}

// SetPortActive marks a live allocation active, or back to allocated when
// active is false. NotFound if port has no live allocation.
func (b *Broker) SetPortActive(ctx context.Context, p int, active bool) (err error) {
	ctx, span := b.start(ctx, "SetPortActive", telemetry.AttrPort.Int(p), attribute.Bool("berth.active", active))
	defer func() { telemetry.End(span, err) }()
	if active {
		return b.ports.MarkActive(ctx, p)
	}
	return b.ports.MarkIdle(ctx, p)
}

// ReservedPorts returns the ports that are never handed out.
func (b *Broker) ReservedPorts() []int {
	return b.ports.Reserved()
}

// IsReservedPort reports whether p is in the reserved set.
func (b *Broker) IsReservedPort(p int) bool {
	return b.ports.IsReserved(p)
}

// Environments lists the configured port environments.
func (b *Broker) Environments() []model.Environment {
	return b.ports.Environments()
}

// CheckPorts probes every live allocation and updates its status.
func (b *Broker) CheckPorts(ctx context.Context) port.CheckResult {
	ctx, span := b.start(ctx, "CheckPorts")
	defer span.End()

	res := b.ports.Check(ctx)
	span.SetAttributes(attribute.String("berth.probe", res.Probe), attribute.Int("berth.checked", res.Checked))
	return res
}

// CreateWorktree creates or adopts the worktree for req.Branch and binds it
// to the conversation.
func (b *Broker) CreateWorktree(ctx context.Context, req worktree.CreateRequest) (res *worktree.Result, err error) {
	ctx, span := b.start(ctx, "CreateWorktree",
		telemetry.AttrRepoPath.String(req.RepoPath),
		telemetry.AttrBranch.String(req.Branch),
		telemetry.AttrConversation.String(req.ConversationKey))
	defer func() {
		if res != nil {
			span.SetAttributes(telemetry.AttrWorktreePath.String(res.Path), attribute.Bool("berth.adopted", res.Adopted))
		}
		telemetry.End(span, err)
	}()
	return b.worktrees.Create(ctx, req)
}

// CreateWorktreeForReview creates a worktree for reviewing an issue or PR.
func (b *Broker) CreateWorktreeForReview(ctx context.Context, req worktree.ReviewRequest) (res *worktree.Result, err error) {
	ctx, span := b.start(ctx, "CreateWorktreeForReview",
		telemetry.AttrRepoPath.String(req.RepoPath),
		telemetry.AttrConversation.String(req.ConversationKey),
		attribute.Int("berth.number", req.Number),
		attribute.Bool("berth.is_pr", req.IsPR))
	defer func() {
		if res != nil {
			span.SetAttributes(telemetry.AttrWorktreePath.String(res.Path), telemetry.AttrBranch.String(res.Branch))
		}
		telemetry.End(span, err)
	}()
	return b.worktrees.CreateForReview(ctx, req)
}

// ListWorktrees returns git's worktrees for repoPath.
func (b *Broker) ListWorktrees(ctx context.Context, repoPath string) (wts []model.Worktree, err error) {
	ctx, span := b.start(ctx, "ListWorktrees", telemetry.AttrRepoPath.String(repoPath))
	defer func() { telemetry.End(span, err) }()
	return b.worktrees.List(ctx, repoPath)
}

// RemoveWorktree removes a worktree, unbinds it and releases its ports.
func (b *Broker) RemoveWorktree(ctx context.Context, req worktree.RemoveRequest) (res *worktree.RemoveResult, err error) {
	ctx, span := b.start(ctx, "RemoveWorktree",
		telemetry.AttrWorktreePath.String(req.Path),
		attribute.Bool("berth.force", req.Force))
	defer func() { telemetry.End(span, err) }()

	res, err = b.worktrees.Remove(ctx, req)
	if res != nil && res.PortReleaseError != "" {
		telemetry.AddEvent(ctx, "ports.release_failed", attribute.String("berth.error", res.PortReleaseError))
	}
	return res, err
}

// WorktreeBinding returns the worktree bound to a conversation.
func (b *Broker) WorktreeBinding(ctx context.Context, key string) (bnd *model.Binding, err error) {
	ctx, span := b.start(ctx, "WorktreeBinding", telemetry.AttrConversation.String(key))
	defer func() { telemetry.End(span, err) }()
	return b.worktrees.Binding(ctx, key)
}

// WorktreeBindings returns every binding.
func (b *Broker) WorktreeBindings(ctx context.Context) ([]model.Binding, error) {
	return b.worktrees.Bindings(ctx)
}

// ReconcileWorktrees drops bindings to vanished worktrees. It never fails.
func (b *Broker) ReconcileWorktrees(ctx context.Context) worktree.ReconcileResult {
	ctx, span := b.start(ctx, "ReconcileWorktrees")
	defer span.End()

	res := b.worktrees.Reconcile(ctx)
	span.SetAttributes(attribute.Int("berth.checked", res.Checked), attribute.Int("berth.dropped", len(res.Dropped)))
	return res
}
