package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Lease is a time-bounded claim on a conversation's execution slot.
type Lease struct {
	ConversationKey string
	Holder          string
	AcquiredAt      time.Time
	ExpiresAt       time.Time
}

// Expired reports whether the lease is no longer valid at now.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// DeleteExpiredLeases drops every lease that expired at or before now.
func (q *Queries) DeleteExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM conversation_leases WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to expire leases: %w", err)
	}
	return res.RowsAffected()
}

// LeaseByKey returns the lease row for a conversation, expired or not.
func (q *Queries) LeaseByKey(ctx context.Context, key string) (*Lease, error) {
	var (
		l          Lease
		acquiredAt string
		expiresAt  int64
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT conversation_key, holder, acquired_at, expires_at
		FROM conversation_leases WHERE conversation_key = ?`, key).
		Scan(&l.ConversationKey, &l.Holder, &acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query lease: %w", err)
	}
	l.AcquiredAt = parseTime(acquiredAt)
	l.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return &l, nil
}

// CountActiveLeases counts leases still valid at now.
func (q *Queries) CountActiveLeases(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_leases WHERE expires_at > ?`, now.UnixNano()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count leases: %w", err)
	}
	return n, nil
}

// InsertLease records a new lease. ErrDuplicate is returned if the
// conversation already has a lease row; callers delete expired rows first.
func (q *Queries) InsertLease(ctx context.Context, l *Lease) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO conversation_leases (conversation_key, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		l.ConversationKey, l.Holder, formatTime(l.AcquiredAt), l.ExpiresAt.UnixNano())
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("lease %s: %w", l.ConversationKey, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert lease: %w", err)
	}
	return nil
}

// RenewLease extends a lease held by holder. It reports false if the lease
// is gone or now belongs to someone else.
func (q *Queries) RenewLease(ctx context.Context, key, holder string, expiresAt time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE conversation_leases SET expires_at = ?
		WHERE conversation_key = ? AND holder = ?`, expiresAt.UnixNano(), key, holder)
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteLease removes the lease for key if it is still held by holder.
func (q *Queries) DeleteLease(ctx context.Context, key, holder string) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM conversation_leases WHERE conversation_key = ? AND holder = ?`, key, holder)
	if err != nil {
		return false, fmt.Errorf("failed to delete lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteLeasesByHolder drops every lease held by holder and returns how many.
func (q *Queries) DeleteLeasesByHolder(ctx context.Context, holder string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM conversation_leases WHERE holder = ?`, holder)
	if err != nil {
		return 0, fmt.Errorf("failed to delete leases: %w", err)
	}
	return res.RowsAffected()
}
