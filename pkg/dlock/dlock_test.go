package dlock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pinus-go/pinus/pkg/dlock"
	"github.com/pinus-go/pinus/pkg/models/pinuserror"
	"github.com/pinus-go/pinus/qdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const root = "/pinus"

func waiters(t *testing.T, db qdb.QDB, name string) []string {
	children, err := db.GetChildren(context.Background(), qdb.LockNodePath(root, name))
	require.NoError(t, err)
	return children
}

func TestMutualExclusion(t *testing.T) {
	const workers, rounds = 6, 15

	ctx := context.Background()
	db := qdb.NewMemQDB("")

	var inside atomic.Int32
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := db.NewSession()
			defer s.Close()
			l := dlock.NewLocker(s, root, 5*time.Second)

			for j := 0; j < rounds; j++ {
				h, err := l.Acquire(ctx, "counter", -1)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, int32(1), inside.Inc())
				counter++
				inside.Dec()
				assert.NoError(t, l.Release(ctx, h))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*rounds, counter)
	assert.Empty(t, waiters(t, db, "counter"))
}

func TestFIFOOrder(t *testing.T) {
	const n = 5

	ctx := context.Background()
	db := qdb.NewMemQDB("")
	l := dlock.NewLocker(db, root, time.Second)

	holder, err := l.Acquire(ctx, "fifo", 0)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := db.NewSession()
			defer s.Close()
			wl := dlock.NewLocker(s, root, time.Second)

			h, err := wl.Acquire(ctx, "fifo", 10*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			assert.NoError(t, wl.Release(ctx, h))
		}(i)

		/* enqueue strictly one after another */
		require.Eventually(t, func() bool {
			return len(waiters(t, db, "fifo")) == i+2
		}, 2*time.Second, time.Millisecond)
	}

	require.NoError(t, l.Release(ctx, holder))
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestZeroTimeoutOnHeldLock(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	db := qdb.NewMemQDB("")
	l := dlock.NewLocker(db, root, time.Second)

	h, err := l.Acquire(ctx, "busy", 0)
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Acquire(ctx, "busy", 0)
	assert.ErrorIs(err, pinuserror.ErrLockTimeout)
	assert.Less(time.Since(start), time.Second)

	assert.Equal([]string{"lock-0000000000"}, waiters(t, db, "busy"))
	assert.NoError(l.Release(ctx, h))
}

func TestTimeoutRemovesWaiter(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	db := qdb.NewMemQDB("")
	l := dlock.NewLocker(db, root, time.Second)

	h, err := l.Acquire(ctx, "slow", 0)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "slow", 50*time.Millisecond)
	assert.True(pinuserror.Is(err, pinuserror.PINUS_LOCK_TIMEOUT))
	assert.Len(waiters(t, db, "slow"), 1)

	assert.NoError(l.Release(ctx, h))

	h, err = l.Acquire(ctx, "slow", 0)
	assert.NoError(err)
	assert.NoError(l.Release(ctx, h))
}

func TestCanceledWaiterLeavesQueue(t *testing.T) {
	assert := assert.New(t)
	db := qdb.NewMemQDB("")
	l := dlock.NewLocker(db, root, time.Second)

	h, err := l.Acquire(context.Background(), "c", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx, "c", -1)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(waiters(t, db, "c")) == 2
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("canceled acquire did not return")
	}

	assert.Len(waiters(t, db, "c"), 1)
	assert.NoError(l.Release(context.Background(), h))
}

func TestReleaseTwice(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := dlock.NewLocker(qdb.NewMemQDB(""), root, time.Second)

	h, err := l.Acquire(ctx, "twice", 0)
	require.NoError(t, err)

	assert.NoError(l.Release(ctx, h))
	assert.ErrorIs(l.Release(ctx, h), pinuserror.ErrLockNotHeld)
	assert.ErrorIs(l.Release(ctx, nil), pinuserror.ErrLockNotHeld)
}

func TestHolderSessionLost(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	db := qdb.NewMemQDB("")

	crashed := db.NewSession()
	hl := dlock.NewLocker(crashed, root, time.Second)
	h, err := hl.Acquire(ctx, "crash", 0)
	require.NoError(t, err)

	l := dlock.NewLocker(db, root, time.Second)
	done := make(chan error, 1)
	go func() {
		h, err := l.Acquire(ctx, "crash", 5*time.Second)
		if err == nil {
			err = l.Release(ctx, h)
		}
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(waiters(t, db, "crash")) == 2
	}, time.Second, time.Millisecond)
	require.NoError(t, crashed.Close())

	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by session loss")
	}

	/* the node went away with the session */
	assert.ErrorIs(hl.Release(ctx, h), qdb.ErrClosed)
}

func TestBadLockName(t *testing.T) {
	l := dlock.NewLocker(qdb.NewMemQDB(""), root, time.Second)

	_, err := l.Acquire(context.Background(), "a/b", 0)
	assert.ErrorIs(t, err, pinuserror.ErrConfiguration)
	_, err = l.Acquire(context.Background(), "", 0)
	assert.ErrorIs(t, err, pinuserror.ErrConfiguration)
}

func TestMutex(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	db := qdb.NewMemQDB("")
	l := dlock.NewLocker(db, root, 20*time.Millisecond)

	m := l.NewMutex("m")
	assert.ErrorIs(m.Unlock(ctx), pinuserror.ErrLockNotHeld)

	require.NoError(t, m.Lock(ctx))

	/* not reentrant */
	other := l.NewMutex("m")
	assert.ErrorIs(other.Lock(ctx), pinuserror.ErrLockTimeout)

	assert.NoError(m.Unlock(ctx))
	assert.NoError(other.Lock(ctx))
	assert.NoError(other.Unlock(ctx))
}
