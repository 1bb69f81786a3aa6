package slot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shinji-kodama/berth/internal/config"
	"github.com/shinji-kodama/berth/internal/logging"
	"github.com/shinji-kodama/berth/internal/model"
	"github.com/shinji-kodama/berth/internal/store"
)

// LeaseOptions configures a LeasedLock.
type LeaseOptions struct {
	Max          int
	TTL          time.Duration
	PollInterval time.Duration
	Logger       *logging.Logger

	// Holder identifies this process in lease rows. Defaults to a random UUID.
	Holder string

	// Now overrides the clock in tests.
	Now func() time.Time
}

// LeasedLock is a Controller backed by the conversation_leases table, so
// several processes sharing one database share one cap.
//
// A lease is granted in a single IMMEDIATE transaction that drops expired
// rows, checks the key and the global count, then inserts. Waiters poll with
// exponential backoff. A held lease is renewed every TTL/3 until released.
type LeasedLock struct {
	store  *store.Store
	max    int
	ttl    time.Duration
	poll   time.Duration
	holder string
	log    *logging.Logger
	now    func() time.Time

	mu     sync.Mutex
	held   map[string]*renewal // by handle ID
	queued int
	closed bool
}

type renewal struct {
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Controller = (*LeasedLock)(nil)

// NewLeasedLock returns a LeasedLock over st.
func NewLeasedLock(st *store.Store, opts LeaseOptions) (*LeasedLock, error) {
	if st == nil {
		return nil, errors.New("leased concurrency mode requires a store")
	}
	if opts.Max <= 0 {
		return nil, errors.New("max_conversations must be positive")
	}
	if opts.TTL <= 0 {
		return nil, errors.New("lease_ttl must be positive")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Holder == "" {
		opts.Holder = uuid.NewString()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logging.NopLogger()
	}

	return &LeasedLock{
		store:  st,
		max:    opts.Max,
		ttl:    opts.TTL,
		poll:   opts.PollInterval,
		holder: opts.Holder,
		log:    log.WithComponent("slot").With("holder", opts.Holder),
		now:    opts.Now,
		held:   make(map[string]*renewal),
	}, nil
}

// Acquire implements Controller.
func (l *LeasedLock) Acquire(ctx context.Context, key string) (*Handle, error) {
	const op = "acquire slot"
	if err := validateKey(op, key); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, model.NewError(model.KindInvalid, op, "slot controller is closed")
	}
	l.queued++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.queued--
		l.mu.Unlock()
	}()

	backoff := l.poll
	maxBackoff := 8 * l.poll
	for {
		h, err := l.tryAcquire(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, timeoutError(op, key, ctx.Err())
			}
			l.log.Error("lease acquisition failed", "conversation_key", key, "error", err)
			return nil, model.External(op, err)
		}
		if h != nil {
			return h, nil
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, timeoutError(op, key, ctx.Err())
		case <-timer.C:
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// tryAcquire makes one attempt. It returns a nil handle when the slot is
// taken.
func (l *LeasedLock) tryAcquire(ctx context.Context, key string) (*Handle, error) {
	now := l.now()
	granted := false

	err := l.store.WithTx(ctx, func(q *store.Queries) error {
		if _, err := q.DeleteExpiredLeases(ctx, now); err != nil {
			return err
		}
		if _, err := q.LeaseByKey(ctx, key); err == nil {
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		n, err := q.CountActiveLeases(ctx, now)
		if err != nil {
			return err
		}
		if n >= l.max {
			return nil
		}
		err = q.InsertLease(ctx, &store.Lease{
			ConversationKey: key,
			Holder:          l.holder,
			AcquiredAt:      now,
			ExpiresAt:       now.Add(l.ttl),
		})
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		granted = err == nil
		return err
	})
	if err != nil || !granted {
		return nil, err
	}

	h := newHandle(l, key, now)
	l.startRenewal(h)
	l.log.Debug("lease granted", "conversation_key", key, "handle", h.ID)
	return h, nil
}

func (l *LeasedLock) startRenewal(h *Handle) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &renewal{cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	l.held[h.ID] = r
	l.mu.Unlock()

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := l.store.RenewLease(ctx, h.Key, l.holder, l.now().Add(l.ttl))
				if err != nil {
					if ctx.Err() == nil {
						l.log.Warn("lease renewal failed", "conversation_key", h.Key, "error", err)
					}
					continue
				}
				if !ok {
					l.log.Warn("lease lost before release", "conversation_key", h.Key, "handle", h.ID)
					return
				}
			}
		}
	}()
}

// Release implements Controller. Database failures are logged; the lease
// then expires on its own after the TTL.
func (l *LeasedLock) Release(h *Handle) {
	if h == nil || h.owner != Controller(l) || !h.markReleased() {
		return
	}

	l.mu.Lock()
	r := l.held[h.ID]
	delete(l.held, h.ID)
	l.mu.Unlock()

	if r != nil {
		r.cancel()
		<-r.done
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := l.store.DeleteLease(ctx, h.Key, l.holder); err != nil {
		l.log.Warn("lease release failed; it will expire", "conversation_key", h.Key, "error", err)
	}
}

// Stats implements Controller. Active counts unexpired leases from every
// process; Queued counts only this process's waiters.
func (l *LeasedLock) Stats() Stats {
	l.mu.Lock()
	st := Stats{Queued: l.queued, Max: l.max, Mode: config.ModeLeased, Active: len(l.held)}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := l.store.CountActiveLeases(ctx, l.now())
	if err != nil {
		l.log.Warn("failed to count leases; reporting local holds", "error", err)
		return st
	}
	st.Active = n
	return st
}

// Close stops renewals and deletes every lease this process still holds.
func (l *LeasedLock) Close() error {
	l.mu.Lock()
	l.closed = true
	held := l.held
	l.held = make(map[string]*renewal)
	l.mu.Unlock()

	for _, r := range held {
		r.cancel()
		<-r.done
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := l.store.DeleteLeasesByHolder(ctx, l.holder); err != nil {
		return fmt.Errorf("failed to drop leases on close: %w", err)
	}
	return nil
}
