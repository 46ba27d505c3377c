package idgen_test

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"testing"

	"github.com/pinus-go/pinus/pkg/idgen"
	"github.com/pinus-go/pinus/pkg/models/pinuserror"
	"github.com/pinus-go/pinus/qdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// countingQDB counts successful counter writes, one per leased block, and
// can be told to fail them with a version conflict.
type countingQDB struct {
	qdb.QDB

	leases   atomic.Int64
	conflict atomic.Bool
}

func (c *countingQDB) SetData(ctx context.Context, p string, data []byte, version int64) (int64, error) {
	if c.conflict.Load() {
		return 0, qdb.ErrBadVersion
	}
	v, err := c.QDB.SetData(ctx, p, data, version)
	if err == nil {
		c.leases.Inc()
	}
	return v, err
}

func TestNextLeasesBlocks(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	db := &countingQDB{QDB: qdb.NewMemQDB("")}
	a := idgen.NewBlockAllocator(db, "/pinus", idgen.Config{BlockSize: 100})

	var prev int64
	for i := 0; i < 250; i++ {
		id, err := a.Next(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(prev+1, id)
		prev = id
	}

	assert.Equal(int64(3), db.leases.Load())

	data, _, err := db.GetData(ctx, "/pinus/sequences/orders")
	require.NoError(t, err)
	assert.Equal("300", string(data))
}

func TestNextSurvivesRestart(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	db := qdb.NewMemQDB("")

	first := idgen.NewBlockAllocator(db, "/pinus", idgen.Config{BlockSize: 10})
	id, err := first.Next(ctx, "s")
	require.NoError(t, err)
	assert.Equal(int64(1), id)

	/* the rest of the first block is lost, never reused */
	second := idgen.NewBlockAllocator(db, "/pinus", idgen.Config{BlockSize: 10})
	id, err = second.Next(ctx, "s")
	require.NoError(t, err)
	assert.Equal(int64(11), id)
}

func TestSequencesAreIndependent(t *testing.T) {
	ctx := context.Background()
	a := idgen.NewBlockAllocator(qdb.NewMemQDB(""), "/pinus", idgen.Config{BlockSize: 5})

	x, err := a.Next(ctx, "x")
	require.NoError(t, err)
	y, err := a.Next(ctx, "y")
	require.NoError(t, err)

	assert.Equal(t, int64(1), x)
	assert.Equal(t, int64(1), y)
}

func TestNextConcurrentUniqueAndMonotonic(t *testing.T) {
	const callers = 8
	const perCaller = 200

	ctx := context.Background()
	mem := qdb.NewMemQDB("")
	/* two allocators on separate sessions compete for the same counter */
	allocators := []*idgen.BlockAllocator{
		idgen.NewBlockAllocator(mem, "/pinus", idgen.Config{BlockSize: 7, MaxAttempts: 50}),
		idgen.NewBlockAllocator(mem.NewSession(), "/pinus", idgen.Config{BlockSize: 7, MaxAttempts: 50}),
	}

	results := make([][]int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := allocators[i%len(allocators)]
			for k := 0; k < perCaller; k++ {
				id, err := a.Next(ctx, "seq")
				if !assert.NoError(t, err) {
					return
				}
				results[i] = append(results[i], id)
			}
		}(i)
	}
	wg.Wait()

	seen := map[int64]struct{}{}
	for i, ids := range results {
		require.Len(t, ids, perCaller)
		for k, id := range ids {
			_, dup := seen[id]
			assert.False(t, dup, "duplicate id %d", id)
			seen[id] = struct{}{}
			if k > 0 {
				assert.Greater(t, id, ids[k-1], "caller %d not increasing", i)
			}
		}
	}
	assert.Len(t, seen, callers*perCaller)
}

func TestLeaseGivesUpAfterMaxAttempts(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	db := &countingQDB{QDB: qdb.NewMemQDB("")}
	a := idgen.NewBlockAllocator(db, "/pinus", idgen.Config{BlockSize: 10, MaxAttempts: 3})

	db.conflict.Store(true)
	_, err := a.Next(ctx, "s")
	assert.True(errors.Is(err, pinuserror.ErrIdAllocationFailed), "got %v", err)

	/* the allocator stays usable */
	db.conflict.Store(false)
	id, err := a.Next(ctx, "s")
	assert.NoError(err)
	assert.Equal(int64(1), id)
}

func TestNextBatch(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	a := idgen.NewBlockAllocator(qdb.NewMemQDB(""), "/pinus", idgen.Config{BlockSize: 4})

	ids, err := a.NextBatch(ctx, "b", 10)
	require.NoError(t, err)
	assert.Equal([]int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, ids)

	ids, err = a.NextBatch(ctx, "b", 0)
	assert.NoError(err)
	assert.Empty(ids)

	_, err = a.NextBatch(ctx, "b", -1)
	assert.Error(err)
}

func TestNextIntOverflow(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	db := qdb.NewMemQDB("")

	require.NoError(t, qdb.EnsurePath(ctx, db, "/pinus/sequences"))
	_, err := db.Create(ctx, "/pinus/sequences/small", []byte(strconv.Itoa(math.MaxInt32-1)), qdb.ModePersistent)
	require.NoError(t, err)

	a := idgen.NewBlockAllocator(db, "/pinus", idgen.Config{BlockSize: 10})
	id, err := a.NextInt(ctx, "small")
	assert.NoError(err)
	assert.Equal(int32(math.MaxInt32), id)

	_, err = a.NextInt(ctx, "small")
	assert.True(errors.Is(err, pinuserror.ErrIdAllocationFailed))
}

func TestCorruptCounterAndBadNames(t *testing.T) {
	ctx := context.Background()
	db := qdb.NewMemQDB("")

	require.NoError(t, qdb.EnsurePath(ctx, db, "/pinus/sequences"))
	_, err := db.Create(ctx, "/pinus/sequences/bad", []byte("x"), qdb.ModePersistent)
	require.NoError(t, err)

	a := idgen.NewBlockAllocator(db, "/pinus", idgen.Config{})
	_, err = a.Next(ctx, "bad")
	code, ok := pinuserror.Code(err)
	assert.True(t, ok)
	assert.Equal(t, pinuserror.PINUS_METADATA_CORRUPTION, code)

	_, err = a.Next(ctx, "a/b")
	assert.True(t, errors.Is(err, pinuserror.ErrConfiguration))
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	db := qdb.NewMemQDB("")
	require.NoError(t, db.Close())

	a := idgen.NewBlockAllocator(db, "/pinus", idgen.Config{})
	_, err := a.Next(context.Background(), "s")
	assert.True(t, errors.Is(err, pinuserror.ErrCoordinationUnavailable))
}

// flakyQDB fails the first reads as an unreachable store would.
type flakyQDB struct {
	qdb.QDB

	failures atomic.Int32
}

func (f *flakyQDB) GetData(ctx context.Context, p string) ([]byte, qdb.Stat, error) {
	if f.failures.Dec() >= 0 {
		return nil, qdb.Stat{}, pinuserror.New(pinuserror.PINUS_COORDINATION_UNAVAILABLE, "etcdqdb: get: context deadline exceeded")
	}
	return f.QDB.GetData(ctx, p)
}

func TestLeaseRetriesUnavailableStore(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	db := &flakyQDB{QDB: qdb.NewMemQDB("")}
	db.failures.Store(2)
	a := idgen.NewBlockAllocator(db, "/pinus", idgen.Config{BlockSize: 10, MaxAttempts: 3})

	id, err := a.Next(ctx, "s")
	assert.NoError(err)
	assert.Equal(int64(1), id)

	/* an outage longer than the attempts is reported as such */
	db.failures.Store(5)
	b := idgen.NewBlockAllocator(db, "/pinus", idgen.Config{BlockSize: 10, MaxAttempts: 3})
	_, err = b.Next(ctx, "s")
	assert.True(errors.Is(err, pinuserror.ErrCoordinationUnavailable), "got %v", err)
}
