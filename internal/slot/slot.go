// Package slot serializes work per conversation and caps how many
// conversations run at once.
//
// Two controllers implement the same Controller interface:
//
//   - InProcessLock keeps all state in memory. It is exact and FIFO but is
//     lost on restart, so every conversation is re-enterable after a crash.
//   - LeasedLock stores one lease row per running conversation in SQLite so
//     several processes can share the cap. Leases carry a TTL and are
//     renewed while held; a crashed holder's lease simply expires.
//
// Callers pick one with New and never depend on which they got.
package slot

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shinji-kodama/berth/internal/config"
	"github.com/shinji-kodama/berth/internal/logging"
	"github.com/shinji-kodama/berth/internal/model"
	"github.com/shinji-kodama/berth/internal/store"
)

// Controller grants exclusive per-conversation execution slots.
type Controller interface {
	// Acquire blocks until key is free and a global slot is available.
	// If ctx ends first it returns a Timeout error and nothing is granted.
	Acquire(ctx context.Context, key string) (*Handle, error)

	// Release frees the slot held by h. It never blocks on other callers
	// and releasing the same handle twice is a no-op.
	Release(h *Handle)

	// Stats returns a snapshot of the controller's counters.
	Stats() Stats

	// Close releases anything the controller still holds.
	Close() error
}

// Stats is a read-only snapshot of a controller.
type Stats struct {
	Active int    `json:"active" yaml:"active"`
	Queued int    `json:"queued" yaml:"queued"`
	Max    int    `json:"max" yaml:"max"`
	Mode   string `json:"mode" yaml:"mode"`
}

// Handle is proof of a granted slot. Pass it back to Release exactly once;
// extra releases are ignored.
type Handle struct {
	ID         string    `json:"id" yaml:"id"`
	Key        string    `json:"conversationKey" yaml:"conversationKey"`
	AcquiredAt time.Time `json:"acquiredAt" yaml:"acquiredAt"`

	released atomic.Bool
	owner    Controller
}

func newHandle(owner Controller, key string, now time.Time) *Handle {
	return &Handle{ID: uuid.NewString(), Key: key, AcquiredAt: now, owner: owner}
}

// Released reports whether the handle has been given back.
func (h *Handle) Released() bool {
	return h.released.Load()
}

// markReleased flips the handle to released and reports whether this call
// did it.
func (h *Handle) markReleased() bool {
	return h.released.CompareAndSwap(false, true)
}

// Do acquires key on c, runs fn and releases the slot on every exit path,
// panics included. fn's error is returned unchanged.
func Do(ctx context.Context, c Controller, key string, fn func(ctx context.Context) error) error {
	h, err := c.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer c.Release(h)
	return fn(ctx)
}

// New builds the controller selected by cfg.Mode. st is only required for
// leased mode.
func New(cfg config.ConcurrencyConfig, st *store.Store, log *logging.Logger) (Controller, error) {
	switch cfg.Mode {
	case "", config.ModeInProcess:
		l, err := NewInProcessLock(cfg.MaxConversations, log)
		if err != nil {
			return nil, err
		}
		return l, nil
	case config.ModeLeased:
		l, err := NewLeasedLock(st, LeaseOptions{
			Max:          cfg.MaxConversations,
			TTL:          cfg.LeaseTTL,
			PollInterval: cfg.PollInterval,
			Logger:       log,
		})
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, model.Errorf(model.KindInvalid, "new slot controller", "unknown concurrency mode %q", cfg.Mode)
	}
}

func validateKey(op, key string) error {
	if key == "" {
		return model.NewError(model.KindInvalid, op, "conversation key must not be empty")
	}
	return nil
}

func timeoutError(op, key string, cause error) error {
	return model.WrapError(model.KindTimeout, op,
		fmt.Sprintf("timed out waiting for a slot for conversation %s", key), cause)
}
