package port

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"time"

	"github.com/shinji-kodama/berth/internal/logging"
	"github.com/shinji-kodama/berth/internal/model"
	"github.com/shinji-kodama/berth/internal/store"
)

// DefaultRetention is how long released records are kept when Options
// leaves Retention unset.
const DefaultRetention = 30 * 24 * time.Hour

// Options configures an Allocator.
type Options struct {
	// Ranges maps each environment to its inclusive port range.
	Ranges map[model.Environment]model.PortRange

	// Reserved ports are never handed out automatically and are rejected
	// when requested explicitly.
	Reserved []int

	// Retention is how long released records survive before PurgeReleased
	// deletes them. Zero means DefaultRetention; negative purges released
	// records immediately.
	Retention time.Duration

	// Probe is consulted by Check. Nil disables liveness checks.
	Probe Probe

	// Logger receives allocation events. Nil discards them.
	Logger *logging.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Request describes one allocation.
type Request struct {
	ServiceName string
	Environment model.Environment

	// PreferredPort, when non-zero, is claimed exactly or not at all. It
	// does not need to lie inside the environment's range.
	PreferredPort int

	Owner model.Owner
}

// Filter narrows List.
type Filter struct {
	Environment     model.Environment
	Status          model.AllocationStatus
	ConversationKey string
	WorktreePath    string
	LiveOnly        bool
}

// CleanupResult counts the outcome of a cleanup pass. Failures on
// individual records are counted, never returned.
type CleanupResult struct {
	Purged    int `json:"purged" yaml:"purged"`
	Reclaimed int `json:"reclaimed" yaml:"reclaimed"`
	Failed    int `json:"failed" yaml:"failed"`
}

// Count is the number of records cleaned up successfully.
func (r CleanupResult) Count() int {
	return r.Purged + r.Reclaimed
}

// Add merges other into r.
func (r CleanupResult) Add(other CleanupResult) CleanupResult {
	return CleanupResult{
		Purged:    r.Purged + other.Purged,
		Reclaimed: r.Reclaimed + other.Reclaimed,
		Failed:    r.Failed + other.Failed,
	}
}

// CheckResult counts the outcome of a liveness pass.
type CheckResult struct {
	Probe   string `json:"probe" yaml:"probe"`
	Checked int    `json:"checked" yaml:"checked"`
	Active  int    `json:"active" yaml:"active"`
	Idle    int    `json:"idle" yaml:"idle"`
	Failed  int    `json:"failed" yaml:"failed"`
}

// Allocator hands out ports from the configured environment ranges and
// persists every claim in the store.
//
// It holds no in-memory allocation state: every decision is made inside a
// store transaction, so any number of Allocators (in one process or
// several) can share a database.
type Allocator struct {
	store     *store.Store
	ranges    map[model.Environment]model.PortRange
	reserved  map[int]bool
	retention time.Duration
	probe     Probe
	log       *logging.Logger
	now       func() time.Time
}

// NewAllocator validates opts and returns an Allocator backed by st.
func NewAllocator(st *store.Store, opts Options) (*Allocator, error) {
	if st == nil {
		return nil, errors.New("port allocator requires a store")
	}

	ranges := make(map[model.Environment]model.PortRange, len(opts.Ranges))
	for env, r := range opts.Ranges {
		if !env.IsValid() {
			return nil, fmt.Errorf("unknown environment %q", env)
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("%s range: %w", env, err)
		}
		for other, or := range ranges {
			if r.Overlaps(or) {
				return nil, fmt.Errorf("%s range %s overlaps %s range %s", env, r, other, or)
			}
		}
		ranges[env] = r
	}

	reserved := make(map[int]bool, len(opts.Reserved))
	for _, p := range opts.Reserved {
		reserved[p] = true
	}

	retention := opts.Retention
	if retention == 0 {
		retention = DefaultRetention
	}
	if retention < 0 {
		retention = 0
	}

	log := opts.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Allocator{
		store:     st,
		ranges:    ranges,
		reserved:  reserved,
		retention: retention,
		probe:     opts.Probe,
		log:       log.WithComponent("port"),
		now:       now,
	}, nil
}

// Range returns the configured range for env.
func (a *Allocator) Range(env model.Environment) (model.PortRange, bool) {
	r, ok := a.ranges[env]
	return r, ok
}

// IsReserved reports whether port is in the reserved set.
func (a *Allocator) IsReserved(port int) bool {
	return a.reserved[port]
}

// Allocate claims a port for req.
//
// With a preferred port the result is that port or an error: Invalid if it
// is reserved or out of the TCP range, Conflict if it already has a live
// allocation. Otherwise the environment's range is scanned upward and the
// first free port is claimed; Exhausted if none remain.
func (a *Allocator) Allocate(ctx context.Context, req Request) (*model.PortAllocation, error) {
	const op = "allocate port"

	if req.ServiceName == "" {
		return nil, model.NewError(model.KindInvalid, op, "service name must not be empty")
	}
	if !req.Environment.IsValid() {
		return nil, model.Errorf(model.KindInvalid, op, "invalid environment %q", req.Environment)
	}

	if req.PreferredPort != 0 {
		return a.allocatePreferred(ctx, req)
	}

	r, ok := a.ranges[req.Environment]
	if !ok {
		return nil, model.Errorf(model.KindInvalid, op, "no port range configured for %s", req.Environment)
	}

	var alloc *model.PortAllocation
	err := a.store.WithTx(ctx, func(q *store.Queries) error {
		used, err := q.LivePortsInRange(ctx, r.Start, r.End)
		if err != nil {
			return err
		}

		for candidate := r.Start; candidate <= r.End; candidate++ {
			if a.reserved[candidate] || used[candidate] {
				continue
			}

			rec := a.newRecord(req, candidate)
			err := q.InsertAllocation(ctx, rec)
			if errors.Is(err, store.ErrDuplicate) {
				// Claimed by someone else since the scan; move on.
				used[candidate] = true
				continue
			}
			if err != nil {
				return err
			}
			alloc = rec
			return nil
		}
		return model.Errorf(model.KindExhausted, op, "no free port in %s range %s", req.Environment, r)
	})
	if err != nil {
		return nil, a.fail(op, err, "service", req.ServiceName, "environment", req.Environment)
	}

	a.log.Info("port allocated",
		"port", alloc.Port,
		"service", alloc.ServiceName,
		"environment", alloc.Environment,
		"conversation_key", alloc.Owner.ConversationKey,
		"worktree_path", alloc.Owner.WorktreePath)
	return alloc, nil
}

func (a *Allocator) allocatePreferred(ctx context.Context, req Request) (*model.PortAllocation, error) {
	const op = "allocate port"
	port := req.PreferredPort

	if port < 1 || port > 65535 {
		return nil, model.Errorf(model.KindInvalid, op, "port %d outside 1-65535", port)
	}
	if a.reserved[port] {
		return nil, model.Errorf(model.KindInvalid, op, "port %d is reserved", port)
	}

	var alloc *model.PortAllocation
	err := a.store.WithTx(ctx, func(q *store.Queries) error {
		existing, err := q.LiveAllocation(ctx, port)
		if err == nil {
			return model.Errorf(model.KindConflict, op,
				"port %d is already allocated to %s (%s)", port, existing.ServiceName, existing.Environment)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		rec := a.newRecord(req, port)
		if err := q.InsertAllocation(ctx, rec); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return model.Errorf(model.KindConflict, op, "port %d is already allocated", port)
			}
			return err
		}
		alloc = rec
		return nil
	})
	if err != nil {
		return nil, a.fail(op, err, "port", port, "service", req.ServiceName)
	}

	a.log.Info("preferred port allocated",
		"port", alloc.Port,
		"service", alloc.ServiceName,
		"environment", alloc.Environment,
		"in_range", a.ranges[req.Environment].Contains(port))
	return alloc, nil
}

func (a *Allocator) newRecord(req Request, port int) *model.PortAllocation {
	return &model.PortAllocation{
		Port:        port,
		ServiceName: req.ServiceName,
		Environment: req.Environment,
		Status:      model.StatusAllocated,
		Owner:       req.Owner,
		AllocatedAt: a.now().UTC(),
	}
}

// Release gives up the live allocation on port. Releasing a port that has
// no live allocation is a no-op and reports false.
func (a *Allocator) Release(ctx context.Context, port int) (bool, error) {
	const op = "release port"

	released, err := a.store.ReleaseAllocation(ctx, port, a.now())
	if err != nil {
		return false, a.fail(op, err, "port", port)
	}
	if released {
		a.log.Info("port released", "port", port)
	} else {
		a.log.Debug("release of port with no live allocation", "port", port)
	}
	return released, nil
}

// ReleaseByWorktree releases every live allocation owned by path.
func (a *Allocator) ReleaseByWorktree(ctx context.Context, path string) ([]int, error) {
	const op = "release worktree ports"

	var ports []int
	err := a.store.WithTx(ctx, func(q *store.Queries) error {
		var err error
		ports, err = q.ReleaseByWorktree(ctx, path, a.now())
		return err
	})
	if err != nil {
		return nil, a.fail(op, err, "worktree_path", path)
	}
	if len(ports) > 0 {
		a.log.Info("worktree ports released", "worktree_path", path, "ports", ports)
	}
	return ports, nil
}

// MarkActive records that port is in use. NotFound if it has no live allocation.
func (a *Allocator) MarkActive(ctx context.Context, port int) error {
	return a.setStatus(ctx, "mark port active", port, model.StatusActive)
}

// MarkIdle moves an active allocation back to allocated.
func (a *Allocator) MarkIdle(ctx context.Context, port int) error {
	return a.setStatus(ctx, "mark port idle", port, model.StatusAllocated)
}

func (a *Allocator) setStatus(ctx context.Context, op string, port int, status model.AllocationStatus) error {
	ok, err := a.store.SetAllocationStatus(ctx, port, status, a.now())
	if err != nil {
		return a.fail(op, err, "port", port)
	}
	if !ok {
		return model.Errorf(model.KindNotFound, op, "port %d has no live allocation", port)
	}
	return nil
}

// FindAvailable returns the lowest port in env's range, at or above
// startFrom, that is neither reserved nor allocated. It claims nothing.
func (a *Allocator) FindAvailable(ctx context.Context, env model.Environment, startFrom int) (int, error) {
	const op = "find available port"

	r, ok := a.ranges[env]
	if !ok {
		return 0, model.Errorf(model.KindInvalid, op, "no port range configured for %s", env)
	}
	start := max(startFrom, r.Start)

	used, err := a.store.LivePortsInRange(ctx, start, r.End)
	if err != nil {
		return 0, a.fail(op, err, "environment", env)
	}
	for candidate := start; candidate <= r.End; candidate++ {
		if !a.reserved[candidate] && !used[candidate] {
			return candidate, nil
		}
	}
	return 0, model.Errorf(model.KindExhausted, op, "no free port in %s range %d-%d", env, start, r.End)
}

// Get returns the live allocation for port, or the most recent released
// record if nothing is live. NotFound if the port has no history.
func (a *Allocator) Get(ctx context.Context, port int) (*model.PortAllocation, error) {
	const op = "get port allocation"

	alloc, err := a.store.LatestAllocation(ctx, port)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.Errorf(model.KindNotFound, op, "port %d has no allocation", port)
	}
	if err != nil {
		return nil, a.fail(op, err, "port", port)
	}
	return alloc, nil
}

// List returns allocations matching f, ordered by port.
func (a *Allocator) List(ctx context.Context, f Filter) ([]model.PortAllocation, error) {
	allocs, err := a.store.ListAllocations(ctx, store.AllocationFilter{
		Environment:     f.Environment,
		Status:          f.Status,
		ConversationKey: f.ConversationKey,
		WorktreePath:    f.WorktreePath,
		LiveOnly:        f.LiveOnly,
	})
	if err != nil {
		return nil, a.fail("list port allocations", err)
	}
	return allocs, nil
}

// Utilization reports how full env's range is. Reserved ports inside the
// range are excluded from Total.
func (a *Allocator) Utilization(ctx context.Context, env model.Environment) (*model.Utilization, error) {
	const op = "port utilization"

	r, ok := a.ranges[env]
	if !ok {
		return nil, model.Errorf(model.KindInvalid, op, "no port range configured for %s", env)
	}

	total := r.Size()
	for p := range a.reserved {
		if r.Contains(p) {
			total--
		}
	}

	allocated, err := a.store.CountLiveInRange(ctx, r.Start, r.End, a.reserved)
	if err != nil {
		return nil, a.fail(op, err, "environment", env)
	}

	u := &model.Utilization{
		Environment: env,
		Total:       total,
		Allocated:   allocated,
		Available:   max(total-allocated, 0),
	}
	if total > 0 {
		u.Percent = math.Round(float64(allocated)/float64(total)*10000) / 100
	}
	return u, nil
}

// Environments returns the configured environments in a stable order.
func (a *Allocator) Environments() []model.Environment {
	var envs []model.Environment
	for _, env := range model.Environments() {
		if _, ok := a.ranges[env]; ok {
			envs = append(envs, env)
		}
	}
	return envs
}

// PurgeReleased hard-deletes released records older than the retention period.
func (a *Allocator) PurgeReleased(ctx context.Context) CleanupResult {
	var res CleanupResult
	cutoff := a.now().Add(-a.retention)

	ids, err := a.store.ReleasedBefore(ctx, cutoff)
	if err != nil {
		a.log.Error("purge: failed to list released allocations", "error", err)
		res.Failed++
		return res
	}

	for _, id := range ids {
		if err := a.store.DeleteAllocation(ctx, id); err != nil {
			a.log.Warn("purge: failed to delete allocation", "id", id, "error", err)
			res.Failed++
			continue
		}
		res.Purged++
	}

	if res.Purged > 0 || res.Failed > 0 {
		a.log.Info("purged released allocations", "purged", res.Purged, "failed", res.Failed, "cutoff", cutoff)
	}
	return res
}

// ReclaimOrphans force-releases live allocations whose worktree directory
// no longer exists on disk. Each release targets the listed record by id, so
// a port reallocated to a new owner after the listing keeps its allocation.
func (a *Allocator) ReclaimOrphans(ctx context.Context) CleanupResult {
	var res CleanupResult

	live, err := a.store.ListAllocations(ctx, store.AllocationFilter{LiveOnly: true, HasWorktree: true})
	if err != nil {
		a.log.Error("reclaim: failed to list allocations", "error", err)
		res.Failed++
		return res
	}

	for _, alloc := range live {
		_, statErr := os.Stat(alloc.Owner.WorktreePath)
		if statErr == nil {
			continue
		}
		if !os.IsNotExist(statErr) {
			a.log.Warn("reclaim: cannot stat worktree", "port", alloc.Port, "worktree_path", alloc.Owner.WorktreePath, "error", statErr)
			res.Failed++
			continue
		}

		released, err := a.store.ReleaseOrphan(ctx, alloc.ID, alloc.Owner.WorktreePath, a.now())
		if err != nil {
			a.log.Warn("reclaim: failed to release", "port", alloc.Port, "error", err)
			res.Failed++
			continue
		}
		if !released {
			// Released or replaced since the listing.
			continue
		}
		a.log.Info("reclaimed orphaned port", "port", alloc.Port, "worktree_path", alloc.Owner.WorktreePath)
		res.Reclaimed++
	}
	return res
}

// CleanupStaleAllocations runs PurgeReleased and ReclaimOrphans. It never
// returns an error.
func (a *Allocator) CleanupStaleAllocations(ctx context.Context) CleanupResult {
	return a.PurgeReleased(ctx).Add(a.ReclaimOrphans(ctx))
}

// Check asks the probe whether each live allocation's port is bound and
// updates its status to active or allocated accordingly.
func (a *Allocator) Check(ctx context.Context) CheckResult {
	res := CheckResult{Probe: "none"}
	if a.probe == nil {
		return res
	}
	res.Probe = a.probe.Name()
	if _, ok := a.probe.(NoProbe); ok {
		return res
	}

	live, err := a.store.ListAllocations(ctx, store.AllocationFilter{LiveOnly: true})
	if err != nil {
		a.log.Error("check: failed to list allocations", "error", err)
		res.Failed++
		return res
	}

	for _, alloc := range live {
		if ctx.Err() != nil {
			res.Failed += len(live) - res.Checked - res.Failed
			break
		}

		bound, err := a.probe.IsBound(ctx, alloc.Port)
		if err != nil {
			a.log.Warn("check: probe failed", "port", alloc.Port, "probe", res.Probe, "error", err)
			res.Failed++
			continue
		}

		status := model.StatusAllocated
		if bound {
			status = model.StatusActive
		}
		if _, err := a.store.SetAllocationStatus(ctx, alloc.Port, status, a.now()); err != nil {
			a.log.Warn("check: failed to update status", "port", alloc.Port, "error", err)
			res.Failed++
			continue
		}

		res.Checked++
		if bound {
			res.Active++
		} else {
			res.Idle++
		}
		if status != alloc.Status {
			a.log.Debug("port status changed", "port", alloc.Port, "from", alloc.Status, "to", status)
		}
	}
	return res
}

// fail converts err into a model error. Errors that already carry a kind
// pass through; anything else is an External failure and is logged.
func (a *Allocator) fail(op string, err error, args ...any) error {
	var me *model.Error
	if errors.As(err, &me) {
		return err
	}
	a.log.Error(op+" failed", append(args, "error", err)...)
	return model.External(op, err)
}

// Reserved returns the reserved ports in ascending order.
func (a *Allocator) Reserved() []int {
	out := make([]int, 0, len(a.reserved))
	for p := range a.reserved {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
