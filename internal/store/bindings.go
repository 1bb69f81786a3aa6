package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shinji-kodama/berth/internal/model"
)

const bindingColumns = `conversation_key, worktree_path, repo_path, branch, codebase_id, created_at`

func scanBinding(row rowScanner) (*model.Binding, error) {
	var (
		b         model.Binding
		createdAt string
	)
	if err := row.Scan(&b.ConversationKey, &b.WorktreePath, &b.RepoPath, &b.Branch, &b.CodebaseID, &createdAt); err != nil {
		return nil, err
	}
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

// InsertBinding binds a conversation to a worktree. ErrDuplicate is
// returned if the conversation is already bound.
func (q *Queries) InsertBinding(ctx context.Context, b *model.Binding) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO worktree_bindings (`+bindingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ConversationKey, b.WorktreePath, b.RepoPath, b.Branch, b.CodebaseID, formatTime(b.CreatedAt))
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("conversation %s: %w", b.ConversationKey, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert binding: %w", err)
	}
	return nil
}

// BindingByKey returns the binding for a conversation, or ErrNotFound.
func (q *Queries) BindingByKey(ctx context.Context, key string) (*model.Binding, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+bindingColumns+` FROM worktree_bindings WHERE conversation_key = ?`, key)
	b, err := scanBinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query binding: %w", err)
	}
	return b, nil
}

// BindingsByPath returns every binding that points at path.
func (q *Queries) BindingsByPath(ctx context.Context, path string) ([]model.Binding, error) {
	return q.queryBindings(ctx,
		`SELECT `+bindingColumns+` FROM worktree_bindings WHERE worktree_path = ? ORDER BY created_at`, path)
}

// ListBindings returns all bindings ordered by creation time.
func (q *Queries) ListBindings(ctx context.Context) ([]model.Binding, error) {
	return q.queryBindings(ctx,
		`SELECT `+bindingColumns+` FROM worktree_bindings ORDER BY created_at`)
}

func (q *Queries) queryBindings(ctx context.Context, query string, args ...any) ([]model.Binding, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// DeleteBinding removes a conversation's binding. It reports false if the
// conversation was not bound.
func (q *Queries) DeleteBinding(ctx context.Context, key string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM worktree_bindings WHERE conversation_key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete binding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteBindingsByPath removes every binding pointing at path and returns
// the conversation keys that were unbound.
func (q *Queries) DeleteBindingsByPath(ctx context.Context, path string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx,
		`DELETE FROM worktree_bindings WHERE worktree_path = ? RETURNING conversation_key`, path)
	if err != nil {
		return nil, fmt.Errorf("failed to delete bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan deleted binding: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to delete bindings: %w", err)
	}
	slices.Sort(keys)
	return keys, nil
}
