package dlock

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pinus-go/pinus/pkg/models/pinuserror"
	"github.com/pinus-go/pinus/pkg/pinuslog"
	"github.com/pinus-go/pinus/pkg/statistics"
	"github.com/pinus-go/pinus/qdb"
	"go.uber.org/atomic"
)

const (
	nodePrefix = "lock-"

	abandonTimeout = 5 * time.Second
)

// Handle is held between a successful Acquire and its Release.
type Handle struct {
	name  string
	path  string
	owner string

	released atomic.Bool
}

func (h *Handle) Name() string {
	return h.name
}

// Path is the waiter node that represents this holder.
func (h *Handle) Path() string {
	return h.path
}

// Locker implements named cluster-wide mutexes. Every request is an
// ephemeral sequential node under <root>/locks/<name>; the lowest node holds
// the lock and every other waiter watches the node right before its own.
//
// Locks are not reentrant: a second Acquire of a held name queues behind
// the holder even within the same process.
type Locker struct {
	db             qdb.QDB
	root           string
	defaultTimeout time.Duration
}

func NewLocker(db qdb.QDB, root string, defaultTimeout time.Duration) *Locker {
	return &Locker{
		db:             db,
		root:           root,
		defaultTimeout: defaultTimeout,
	}
}

func (l *Locker) DefaultTimeout() time.Duration {
	return l.defaultTimeout
}

func validateName(name string) error {
	if name == "" || strings.Contains(name, "/") {
		return pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "invalid lock name %q", name)
	}
	return nil
}

func coordinationErr(err error, msg string) error {
	if _, ok := pinuserror.Code(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return pinuserror.Wrap(pinuserror.PINUS_COORDINATION_UNAVAILABLE, err, msg)
}

// Acquire blocks until the lock is held, the timeout elapses or ctx is done.
// A zero timeout makes a single attempt, a negative one waits on ctx only.
// Every failed acquire removes its own waiter node.
func (l *Locker) Acquire(ctx context.Context, name string, timeout time.Duration) (*Handle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	lockPath := qdb.LockNodePath(l.root, name)
	if err := qdb.EnsurePath(ctx, l.db, lockPath); err != nil {
		return nil, coordinationErr(err, "create lock path "+name)
	}

	owner := uuid.NewString()
	ownPath, err := l.db.Create(ctx, path.Join(lockPath, nodePrefix), []byte(owner), qdb.ModeEphemeralSequential)
	if err != nil {
		return nil, coordinationErr(err, "enqueue for lock "+name)
	}

	start := time.Now()
	h := &Handle{name: name, path: ownPath, owner: owner}

	pinuslog.Zero.Debug().
		Str("lock", name).
		Str("node", ownPath).
		Dur("timeout", timeout).
		Msg("dlock: enqueued")

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	err = l.wait(ctx, h, lockPath, timeout == 0, expired)
	if err != nil {
		l.abandon(ctx, h)
		statistics.RecordLockWait(time.Since(start), errors.Is(err, pinuserror.ErrLockTimeout))
		return nil, err
	}

	statistics.RecordLockWait(time.Since(start), false)
	pinuslog.Zero.Debug().
		Str("lock", name).
		Str("node", ownPath).
		Dur("waited", time.Since(start)).
		Msg("dlock: acquired")
	return h, nil
}

func (l *Locker) wait(ctx context.Context, h *Handle, lockPath string, once bool, expired <-chan time.Time) error {
	own := path.Base(h.path)

	for {
		children, err := l.db.GetChildren(ctx, lockPath)
		if err != nil {
			return coordinationErr(err, "list waiters of "+h.name)
		}

		/* zero padded sequence numbers sort lexically */
		var waiters []string
		for _, c := range children {
			if strings.HasPrefix(c, nodePrefix) {
				waiters = append(waiters, c)
			}
		}

		idx := -1
		for i, w := range waiters {
			if w == own {
				idx = i
				break
			}
		}
		switch {
		case idx < 0:
			return pinuserror.Newf(pinuserror.PINUS_COORDINATION_UNAVAILABLE, "waiter node %s of lock %s is gone", h.path, h.name)
		case idx == 0:
			return nil
		case once:
			return pinuserror.Newf(pinuserror.PINUS_LOCK_TIMEOUT, "lock %s is held", h.name)
		}

		predecessor := path.Join(lockPath, waiters[idx-1])

		wctx, cancel := context.WithCancel(ctx)
		gone := make(chan struct{}, 1)
		err = l.db.Watch(wctx, predecessor, func(e qdb.Event) {
			if e.Type != qdb.EventDeleted {
				return
			}
			select {
			case gone <- struct{}{}:
			default:
			}
		})
		if err != nil {
			cancel()
			return coordinationErr(err, "watch waiter of "+h.name)
		}

		/* the predecessor may have left before the watch was set */
		ok, err := l.db.Exists(ctx, predecessor)
		if err != nil {
			cancel()
			return coordinationErr(err, "check waiter of "+h.name)
		}
		if !ok {
			cancel()
			continue
		}

		select {
		case <-gone:
			cancel()
		case <-expired:
			cancel()
			return pinuserror.Newf(pinuserror.PINUS_LOCK_TIMEOUT, "lock %s not acquired in time", h.name)
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		}
	}
}

// abandon removes the waiter node of a failed acquire. It runs even when ctx
// is already done.
func (l *Locker) abandon(ctx context.Context, h *Handle) {
	h.released.Store(true)

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()

	if err := l.db.Delete(dctx, h.path, qdb.AnyVersion); err != nil && !errors.Is(err, qdb.ErrNodeNotExists) {
		pinuslog.Zero.Error().
			Err(err).
			Str("lock", h.name).
			Str("node", h.path).
			Msg("dlock: failed to remove abandoned waiter")
	}
}

// Release gives up a held lock. Releasing a stale or already released
// handle fails with LockNotHeld.
func (l *Locker) Release(ctx context.Context, h *Handle) error {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return pinuserror.New(pinuserror.PINUS_LOCK_NOT_HELD, "lock handle is already released")
	}

	err := l.db.Delete(ctx, h.path, qdb.AnyVersion)
	switch {
	case err == nil:
		pinuslog.Zero.Debug().Str("lock", h.name).Str("node", h.path).Msg("dlock: released")
		return nil
	case errors.Is(err, qdb.ErrNodeNotExists):
		return pinuserror.Newf(pinuserror.PINUS_LOCK_NOT_HELD, "lock %s: node %s is gone", h.name, h.path)
	default:
		/* the node is still there, the caller may retry */
		h.released.Store(false)
		return coordinationErr(err, "release lock "+h.name)
	}
}

// Mutex binds a lock name and the default timeout of its Locker.
type Mutex struct {
	l    *Locker
	name string

	mu sync.Mutex
	h  *Handle
}

func (l *Locker) NewMutex(name string) *Mutex {
	return &Mutex{l: l, name: name}
}

func (m *Mutex) Lock(ctx context.Context) error {
	h, err := m.l.Acquire(ctx, m.name, m.l.defaultTimeout)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.h = h
	return nil
}

func (m *Mutex) Unlock(ctx context.Context) error {
	m.mu.Lock()
	h := m.h
	m.h = nil
	m.mu.Unlock()

	if h == nil {
		return pinuserror.Newf(pinuserror.PINUS_LOCK_NOT_HELD, "mutex %s is not locked", m.name)
	}
	return m.l.Release(ctx, h)
}
