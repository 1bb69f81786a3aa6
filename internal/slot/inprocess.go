package slot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shinji-kodama/berth/internal/config"
	"github.com/shinji-kodama/berth/internal/logging"
)

// waiter is one blocked Acquire call.
type waiter struct {
	key    string
	ready  chan struct{} // closed on grant
	handle *Handle
}

// keyState tracks one conversation. At most one of running and admitted is
// set: the key is either executing or its head waiter sits in the global
// queue. Later arrivals wait in queue.
type keyState struct {
	running  *Handle
	admitted *waiter
	queue    []*waiter
}

func (k *keyState) busy() bool {
	return k.running != nil || k.admitted != nil
}

func (k *keyState) empty() bool {
	return !k.busy() && len(k.queue) == 0
}

// InProcessLock is the single-process Controller.
//
// A waiter first queues behind earlier callers for the same key. Once the
// key is free its head waiter joins the global queue, which is granted in
// arrival order whenever fewer than max slots are running.
type InProcessLock struct {
	mu     sync.Mutex
	max    int
	active int
	keys   map[string]*keyState
	global []*waiter
	log    *logging.Logger
	now    func() time.Time
}

var _ Controller = (*InProcessLock)(nil)

// NewInProcessLock returns a lock admitting at most max conversations.
func NewInProcessLock(max int, log *logging.Logger) (*InProcessLock, error) {
	if max <= 0 {
		return nil, errors.New("max_conversations must be positive")
	}
	if log == nil {
		log = logging.NopLogger()
	}
	return &InProcessLock{
		max:  max,
		keys: make(map[string]*keyState),
		log:  log.WithComponent("slot"),
		now:  time.Now,
	}, nil
}

// Acquire implements Controller.
func (l *InProcessLock) Acquire(ctx context.Context, key string) (*Handle, error) {
	const op = "acquire slot"
	if err := validateKey(op, key); err != nil {
		return nil, err
	}

	l.mu.Lock()
	ks := l.state(key)
	if !ks.busy() && len(ks.queue) == 0 && len(l.global) == 0 && l.active < l.max {
		h := l.grant(ks, key)
		l.mu.Unlock()
		return h, nil
	}

	w := &waiter{key: key, ready: make(chan struct{})}
	if ks.busy() || len(ks.queue) > 0 {
		ks.queue = append(ks.queue, w)
	} else {
		ks.admitted = w
		l.global = append(l.global, w)
	}
	l.mu.Unlock()

	select {
	case <-w.ready:
		return w.handle, nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	select {
	case <-w.ready:
		// Granted while we were giving up. Hand the slot straight back.
		h := w.handle
		l.mu.Unlock()
		l.Release(h)
	default:
		l.abandon(w)
		l.mu.Unlock()
	}

	l.log.Debug("slot wait abandoned", "conversation_key", key, "error", ctx.Err())
	return nil, timeoutError(op, key, ctx.Err())
}

// Release implements Controller.
func (l *InProcessLock) Release(h *Handle) {
	if h == nil || h.owner != Controller(l) || !h.markReleased() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ks, ok := l.keys[h.Key]
	if !ok || ks.running != h {
		return
	}
	ks.running = nil
	l.active--
	l.admitNext(ks)
	l.dispatch()
	l.gc(h.Key)
}

// Stats implements Controller.
func (l *InProcessLock) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	queued := len(l.global)
	for _, ks := range l.keys {
		queued += len(ks.queue)
	}
	return Stats{Active: l.active, Queued: queued, Max: l.max, Mode: config.ModeInProcess}
}

// Close implements Controller. In-memory state needs no cleanup.
func (l *InProcessLock) Close() error {
	return nil
}

func (l *InProcessLock) state(key string) *keyState {
	ks, ok := l.keys[key]
	if !ok {
		ks = &keyState{}
		l.keys[key] = ks
	}
	return ks
}

// grant marks key running. Callers hold l.mu.
func (l *InProcessLock) grant(ks *keyState, key string) *Handle {
	h := newHandle(l, key, l.now())
	ks.running = h
	l.active++
	return h
}

// admitNext moves the head of key's queue into the global queue once the
// key is free.
func (l *InProcessLock) admitNext(ks *keyState) {
	if ks.busy() || len(ks.queue) == 0 {
		return
	}
	w := ks.queue[0]
	ks.queue = ks.queue[1:]
	ks.admitted = w
	l.global = append(l.global, w)
}

// dispatch grants global waiters in order while capacity remains.
func (l *InProcessLock) dispatch() {
	for l.active < l.max && len(l.global) > 0 {
		w := l.global[0]
		l.global = l.global[1:]

		ks := l.keys[w.key]
		ks.admitted = nil
		w.handle = l.grant(ks, w.key)
		close(w.ready)
	}
}

// abandon removes an ungranted waiter from whichever queue holds it.
func (l *InProcessLock) abandon(w *waiter) {
	ks := l.keys[w.key]
	if ks.admitted == w {
		ks.admitted = nil
		l.global = removeWaiter(l.global, w)
		l.admitNext(ks)
		l.dispatch()
	} else {
		ks.queue = removeWaiter(ks.queue, w)
	}
	l.gc(w.key)
}

func (l *InProcessLock) gc(key string) {
	if ks, ok := l.keys[key]; ok && ks.empty() {
		delete(l.keys, key)
	}
}

func removeWaiter(ws []*waiter, w *waiter) []*waiter {
	for i, x := range ws {
		if x == w {
			return append(ws[:i], ws[i+1:]...)
		}
	}
	return ws
}
