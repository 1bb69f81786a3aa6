package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shinji-kodama/berth/internal/model"
)

const allocationColumns = `id, port, service_name, environment, status,
	codebase_id, conversation_key, worktree_path,
	allocated_at, released_at, last_checked_at`

// AllocationFilter narrows ListAllocations. Zero-valued fields match everything.
type AllocationFilter struct {
	Environment     model.Environment
	Status          model.AllocationStatus
	ConversationKey string
	WorktreePath    string

	// LiveOnly excludes released records. Ignored when Status is set.
	LiveOnly bool

	// HasWorktree restricts to allocations that record a worktree path.
	HasWorktree bool
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAllocation(row rowScanner) (*model.PortAllocation, error) {
	var (
		a                     model.PortAllocation
		env, status, allocAt  string
		releasedAt, checkedAt sql.NullString
	)
	err := row.Scan(&a.ID, &a.Port, &a.ServiceName, &env, &status,
		&a.Owner.CodebaseID, &a.Owner.ConversationKey, &a.Owner.WorktreePath,
		&allocAt, &releasedAt, &checkedAt)
	if err != nil {
		return nil, err
	}
	a.Environment = model.Environment(env)
	a.Status = model.AllocationStatus(status)
	a.AllocatedAt = parseTime(allocAt)
	a.ReleasedAt = timePtr(releasedAt)
	a.LastCheckedAt = timePtr(checkedAt)
	return &a, nil
}

// InsertAllocation stores a new live allocation and sets a.ID. It returns
// ErrDuplicate if the port already has a live allocation.
func (q *Queries) InsertAllocation(ctx context.Context, a *model.PortAllocation) error {
	if a.Status == "" {
		a.Status = model.StatusAllocated
	}
	if a.AllocatedAt.IsZero() {
		a.AllocatedAt = time.Now().UTC()
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO port_allocations
			(port, service_name, environment, status, codebase_id, conversation_key, worktree_path, allocated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Port, a.ServiceName, string(a.Environment), string(a.Status),
		a.Owner.CodebaseID, a.Owner.ConversationKey, a.Owner.WorktreePath,
		formatTime(a.AllocatedAt))
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("port %d: %w", a.Port, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert allocation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read allocation id: %w", err)
	}
	a.ID = id
	return nil
}

// LiveAllocation returns the non-released allocation for port, or ErrNotFound.
func (q *Queries) LiveAllocation(ctx context.Context, port int) (*model.PortAllocation, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+allocationColumns+` FROM port_allocations WHERE port = ? AND status != 'released'`, port)
	a, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query allocation: %w", err)
	}
	return a, nil
}

// LatestAllocation returns the live allocation for port if there is one,
// otherwise the most recent released record. ErrNotFound if the port was
// never allocated (or its history has been purged).
func (q *Queries) LatestAllocation(ctx context.Context, port int) (*model.PortAllocation, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+allocationColumns+` FROM port_allocations
		WHERE port = ?
		ORDER BY CASE WHEN status = 'released' THEN 1 ELSE 0 END, id DESC
		LIMIT 1`, port)
	a, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query allocation: %w", err)
	}
	return a, nil
}

// LivePortsInRange returns the set of ports within [start, end] that hold a
// live allocation, regardless of environment.
func (q *Queries) LivePortsInRange(ctx context.Context, start, end int) (map[int]bool, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT port FROM port_allocations
		WHERE status != 'released' AND port BETWEEN ? AND ?`, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query ports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	used := make(map[int]bool)
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan port: %w", err)
		}
		used[p] = true
	}
	return used, rows.Err()
}

// ReleaseAllocation marks the live allocation for port released. It reports
// false when there was nothing live to release.
func (q *Queries) ReleaseAllocation(ctx context.Context, port int, at time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE port_allocations SET status = 'released', released_at = ?
		WHERE port = ? AND status != 'released'`, formatTime(at), port)
	if err != nil {
		return false, fmt.Errorf("failed to release port %d: %w", port, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseOrphan releases allocation id only if it is still live and still
// owned by worktreePath. A row released and replaced by a new allocation of
// the same port in the meantime is left alone.
func (q *Queries) ReleaseOrphan(ctx context.Context, id int64, worktreePath string, at time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE port_allocations SET status = 'released', released_at = ?
		WHERE id = ? AND worktree_path = ? AND status != 'released'`, formatTime(at), id, worktreePath)
	if err != nil {
		return false, fmt.Errorf("failed to release allocation %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseByWorktree releases every live allocation owned by path and returns
// the released ports.
func (q *Queries) ReleaseByWorktree(ctx context.Context, path string, at time.Time) ([]int, error) {
	live, err := q.ListAllocations(ctx, AllocationFilter{WorktreePath: path, LiveOnly: true})
	if err != nil {
		return nil, err
	}

	released := make([]int, 0, len(live))
	for _, a := range live {
		ok, err := q.ReleaseAllocation(ctx, a.Port, at)
		if err != nil {
			return released, err
		}
		if ok {
			released = append(released, a.Port)
		}
	}
	return released, nil
}

// SetAllocationStatus moves a live allocation between allocated and active
// and stamps last_checked_at. Released allocations are left untouched.
func (q *Queries) SetAllocationStatus(ctx context.Context, port int, status model.AllocationStatus, checkedAt time.Time) (bool, error) {
	if !status.IsLive() {
		return false, fmt.Errorf("status %q is not a live status", status)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE port_allocations SET status = ?, last_checked_at = ?
		WHERE port = ? AND status != 'released'`, string(status), formatTime(checkedAt), port)
	if err != nil {
		return false, fmt.Errorf("failed to update port %d: %w", port, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListAllocations returns allocations matching f, ordered by port then id.
func (q *Queries) ListAllocations(ctx context.Context, f AllocationFilter) ([]model.PortAllocation, error) {
	var (
		where []string
		args  []any
	)
	if f.Environment != "" {
		where = append(where, "environment = ?")
		args = append(args, string(f.Environment))
	}
	switch {
	case f.Status != "":
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	case f.LiveOnly:
		where = append(where, "status != 'released'")
	}
	if f.ConversationKey != "" {
		where = append(where, "conversation_key = ?")
		args = append(args, f.ConversationKey)
	}
	if f.WorktreePath != "" {
		where = append(where, "worktree_path = ?")
		args = append(args, f.WorktreePath)
	}
	if f.HasWorktree {
		where = append(where, "worktree_path != ''")
	}

	query := `SELECT ` + allocationColumns + ` FROM port_allocations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY port, id"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.PortAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ReleasedBefore returns the ids of released allocations whose release
// time is older than cutoff.
func (q *Queries) ReleasedBefore(ctx context.Context, cutoff time.Time) ([]int64, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id FROM port_allocations
		WHERE status = 'released' AND released_at IS NOT NULL AND released_at < ?
		ORDER BY id`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query released allocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteAllocation hard-deletes a released allocation by id. Live
// allocations are never deleted; ErrNotFound is returned for them.
func (q *Queries) DeleteAllocation(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM port_allocations WHERE id = ? AND status = 'released'`, id)
	if err != nil {
		return fmt.Errorf("failed to delete allocation %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountLiveInRange counts live allocations whose port lies in [start, end]
// and is not one of the excluded ports.
func (q *Queries) CountLiveInRange(ctx context.Context, start, end int, excluded map[int]bool) (int, error) {
	used, err := q.LivePortsInRange(ctx, start, end)
	if err != nil {
		return 0, err
	}
	n := 0
	for p := range used {
		if !excluded[p] {
			n++
		}
	}
	return n, nil
}
