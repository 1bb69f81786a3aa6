package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/berth/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "berth.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func allocation(port int, env model.Environment) *model.PortAllocation {
	return &model.PortAllocation{Port: port, ServiceName: "svc", Environment: env}
}

// TestOpen_IdempotentSchema verifies that reopening an existing database
// does not fail on the CREATE statements.
func TestOpen_IdempotentSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "berth.db")
	s1, err := Open(path, 0)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path, 0)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()
	assert.Equal(t, path, s2.Path())
	assert.NoError(t, s2.Ping(context.Background()))
}

// TestInsertAllocation_UniqueLivePort verifies the partial unique index:
// a second live allocation on the same port is rejected, but once the first
// is released the port can be claimed again.
func TestInsertAllocation_UniqueLivePort(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first := allocation(8000, model.EnvDev)
	require.NoError(t, s.InsertAllocation(ctx, first))
	assert.NotZero(t, first.ID)
	assert.Equal(t, model.StatusAllocated, first.Status)

	err := s.InsertAllocation(ctx, allocation(8000, model.EnvTest))
	assert.True(t, errors.Is(err, ErrDuplicate), "expected ErrDuplicate, got %v", err)

	released, err := s.ReleaseAllocation(ctx, 8000, time.Now())
	require.NoError(t, err)
	assert.True(t, released)

	again := allocation(8000, model.EnvDev)
	require.NoError(t, s.InsertAllocation(ctx, again))
	assert.NotEqual(t, first.ID, again.ID)
}

// TestReleaseAllocation_Idempotent verifies a second release is a no-op.
func TestReleaseAllocation_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.InsertAllocation(ctx, allocation(8001, model.EnvDev)))

	ok, err := s.ReleaseAllocation(ctx, 8001, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReleaseAllocation(ctx, 8001, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.LiveAllocation(ctx, 8001)
	assert.ErrorIs(t, err, ErrNotFound)

	latest, err := s.LatestAllocation(ctx, 8001)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReleased, latest.Status)
	require.NotNil(t, latest.ReleasedAt)
}

// TestLatestAllocation_PrefersLive verifies Get semantics: the live record
// wins over older released history for the same port.
func TestLatestAllocation_PrefersLive(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.InsertAllocation(ctx, allocation(9000, model.EnvTest)))
	_, err := s.ReleaseAllocation(ctx, 9000, time.Now())
	require.NoError(t, err)
	live := allocation(9000, model.EnvTest)
	live.ServiceName = "current"
	require.NoError(t, s.InsertAllocation(ctx, live))

	got, err := s.LatestAllocation(ctx, 9000)
	require.NoError(t, err)
	assert.Equal(t, "current", got.ServiceName)
	assert.Equal(t, model.StatusAllocated, got.Status)

	_, err = s.LatestAllocation(ctx, 9001)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestListAllocations_Filters exercises each filter field.
func TestListAllocations_Filters(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	a := allocation(8000, model.EnvDev)
	a.Owner = model.Owner{ConversationKey: "c1", WorktreePath: "/wt/a"}
	b := allocation(8001, model.EnvDev)
	c := allocation(9000, model.EnvTest)
	for _, x := range []*model.PortAllocation{a, b, c} {
		require.NoError(t, s.InsertAllocation(ctx, x))
	}
	_, err := s.ReleaseAllocation(ctx, 8001, time.Now())
	require.NoError(t, err)

	all, err := s.ListAllocations(ctx, AllocationFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	dev, err := s.ListAllocations(ctx, AllocationFilter{Environment: model.EnvDev, LiveOnly: true})
	require.NoError(t, err)
	require.Len(t, dev, 1)
	assert.Equal(t, 8000, dev[0].Port)

	rel, err := s.ListAllocations(ctx, AllocationFilter{Status: model.StatusReleased})
	require.NoError(t, err)
	require.Len(t, rel, 1)
	assert.Equal(t, 8001, rel[0].Port)

	byConv, err := s.ListAllocations(ctx, AllocationFilter{ConversationKey: "c1"})
	require.NoError(t, err)
	require.Len(t, byConv, 1)
	assert.Equal(t, "/wt/a", byConv[0].Owner.WorktreePath)

	withWT, err := s.ListAllocations(ctx, AllocationFilter{HasWorktree: true, LiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, withWT, 1)
}

// TestReleaseOrphan_SkipsReallocatedPort verifies an orphan release aimed at
// an old record never touches a newer allocation of the same port.
func TestReleaseOrphan_SkipsReallocatedPort(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	old := allocation(8000, model.EnvDev)
	old.Owner.WorktreePath = "/wt/gone"
	require.NoError(t, s.InsertAllocation(ctx, old))
	_, err := s.ReleaseAllocation(ctx, 8000, time.Now())
	require.NoError(t, err)

	fresh := allocation(8000, model.EnvDev)
	fresh.Owner.WorktreePath = "/wt/live"
	require.NoError(t, s.InsertAllocation(ctx, fresh))

	ok, err := s.ReleaseOrphan(ctx, old.ID, "/wt/gone", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	live, err := s.LiveAllocation(ctx, 8000)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, live.ID)

	ok, err = s.ReleaseOrphan(ctx, fresh.ID, "/wt/gone", time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "worktree path must still match")

	ok, err = s.ReleaseOrphan(ctx, fresh.ID, "/wt/live", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestReleaseByWorktree releases only the allocations owned by the given path.
func TestReleaseByWorktree(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for port, path := range map[int]string{8000: "/wt/a", 8001: "/wt/a", 8002: "/wt/b"} {
		x := allocation(port, model.EnvDev)
		x.Owner.WorktreePath = path
		require.NoError(t, s.InsertAllocation(ctx, x))
	}

	ports, err := s.ReleaseByWorktree(ctx, "/wt/a", time.Now())
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{8000, 8001}, ports)

	used, err := s.LivePortsInRange(ctx, 8000, 8002)
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{8002: true}, used)
}

// TestSetAllocationStatus verifies the allocated/active transition and that
// released records cannot be revived.
func TestSetAllocationStatus(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.InsertAllocation(ctx, allocation(8000, model.EnvDev)))

	now := time.Now()
	ok, err := s.SetAllocationStatus(ctx, 8000, model.StatusActive, now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.LiveAllocation(ctx, 8000)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
	require.NotNil(t, got.LastCheckedAt)
	assert.WithinDuration(t, now, *got.LastCheckedAt, time.Millisecond)

	_, err = s.SetAllocationStatus(ctx, 8000, model.StatusReleased, now)
	assert.Error(t, err)

	_, err = s.ReleaseAllocation(ctx, 8000, now)
	require.NoError(t, err)
	ok, err = s.SetAllocationStatus(ctx, 8000, model.StatusActive, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestReleasedBefore_AndDelete verifies retention selection and that live
// allocations can never be hard-deleted.
func TestReleasedBefore_AndDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	old := allocation(8000, model.EnvDev)
	recent := allocation(8001, model.EnvDev)
	live := allocation(8002, model.EnvDev)
	for _, x := range []*model.PortAllocation{old, recent, live} {
		require.NoError(t, s.InsertAllocation(ctx, x))
	}
	now := time.Now()
	_, err := s.ReleaseAllocation(ctx, 8000, now.Add(-40*24*time.Hour))
	require.NoError(t, err)
	_, err = s.ReleaseAllocation(ctx, 8001, now.Add(-time.Hour))
	require.NoError(t, err)

	ids, err := s.ReleasedBefore(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []int64{old.ID}, ids)

	require.NoError(t, s.DeleteAllocation(ctx, old.ID))
	assert.ErrorIs(t, s.DeleteAllocation(ctx, live.ID), ErrNotFound)
}

// TestWithTx_RollbackOnError verifies that a failing closure leaves no trace.
func TestWithTx_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(q *Queries) error {
		require.NoError(t, q.InsertAllocation(ctx, allocation(8000, model.EnvDev)))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.LiveAllocation(ctx, 8000)
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.WithTx(ctx, func(q *Queries) error {
		return q.InsertAllocation(ctx, allocation(8000, model.EnvDev))
	})
	require.NoError(t, err)
	_, err = s.LiveAllocation(ctx, 8000)
	assert.NoError(t, err)
}

// TestBindings covers insert, duplicate detection, lookup and deletion.
func TestBindings(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	b := &model.Binding{ConversationKey: "c1", WorktreePath: "/wt/repo/feat", RepoPath: "/src/repo", Branch: "feat"}
	require.NoError(t, s.InsertBinding(ctx, b))
	assert.False(t, b.CreatedAt.IsZero())

	err := s.InsertBinding(ctx, &model.Binding{ConversationKey: "c1", WorktreePath: "/wt/other", RepoPath: "/src/repo", Branch: "other"})
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, s.InsertBinding(ctx, &model.Binding{ConversationKey: "c2", WorktreePath: "/wt/repo/feat", RepoPath: "/src/repo", Branch: "feat"}))

	got, err := s.BindingByKey(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "/wt/repo/feat", got.WorktreePath)

	byPath, err := s.BindingsByPath(ctx, "/wt/repo/feat")
	require.NoError(t, err)
	assert.Len(t, byPath, 2)

	keys, err := s.DeleteBindingsByPath(ctx, "/wt/repo/feat")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, keys)

	_, err = s.BindingByKey(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	keys, err = s.DeleteBindingsByPath(ctx, "/wt/repo/feat")
	require.NoError(t, err)
	assert.Empty(t, keys)

	ok, err := s.DeleteBinding(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestLeases covers lease insert, expiry accounting, renew and holder-checked delete.
func TestLeases(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now()

	require.NoError(t, s.InsertLease(ctx, &Lease{ConversationKey: "c1", Holder: "h1", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, s.InsertLease(ctx, &Lease{ConversationKey: "c2", Holder: "h2", AcquiredAt: now, ExpiresAt: now.Add(-time.Second)}))

	err := s.InsertLease(ctx, &Lease{ConversationKey: "c1", Holder: "h3", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)})
	assert.ErrorIs(t, err, ErrDuplicate)

	n, err := s.CountActiveLeases(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := s.DeleteExpiredLeases(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	l, err := s.LeaseByKey(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "h1", l.Holder)
	assert.False(t, l.Expired(now))

	ok, err := s.RenewLease(ctx, "c1", "someone-else", now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.RenewLease(ctx, "c1", "h1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DeleteLease(ctx, "c1", "someone-else")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.DeleteLease(ctx, "c1", "h1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.LeaseByKey(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestIsUniqueViolation verifies plain errors are not misclassified.
func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, IsUniqueViolation(errors.New("UNIQUE constraint failed")))
	assert.False(t, IsUniqueViolation(nil))
}
