package idgen

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pinus-go/pinus/pkg/models/pinuserror"
	"github.com/pinus-go/pinus/pkg/pinuslog"
	"github.com/pinus-go/pinus/pkg/statistics"
	"github.com/pinus-go/pinus/qdb"
	retry "github.com/sethvargo/go-retry"
)

const (
	DefaultBlockSize   int64  = 100
	DefaultMaxAttempts uint64 = 8
	DefaultBackoff            = 10 * time.Millisecond
)

type Allocator interface {
	Next(ctx context.Context, seq string) (int64, error)
	NextBatch(ctx context.Context, seq string, n int) ([]int64, error)
	NextInt(ctx context.Context, seq string) (int32, error)
}

type Config struct {
	BlockSize int64
	// MaxAttempts bounds compare-and-set attempts per block lease.
	MaxAttempts uint64
	// Backoff is the first delay of the Fibonacci backoff between attempts.
	Backoff time.Duration
}

/* ids in [next, end) are leased and not yet handed out */
type block struct {
	next int64
	end  int64
}

// BlockAllocator hands out ids from blocks leased off a counter node per
// sequence. The counter holds the highest id ever leased, so ids survive
// restarts; ids of a block left unused at exit are skipped.
type BlockAllocator struct {
	mu     sync.Mutex
	blocks map[string]*block

	db   qdb.QDB
	root string
	cfg  Config
}

var _ Allocator = &BlockAllocator{}

func NewBlockAllocator(db qdb.QDB, root string, cfg Config) *BlockAllocator {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	return &BlockAllocator{
		blocks: map[string]*block{},
		db:     db,
		root:   root,
		cfg:    cfg,
	}
}

func validateSequence(seq string) error {
	if seq == "" || strings.Contains(seq, "/") {
		return pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "invalid sequence name %q", seq)
	}
	return nil
}

func (a *BlockAllocator) Next(ctx context.Context, seq string) (int64, error) {
	if err := validateSequence(seq); err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	return a.nextLocked(ctx, seq)
}

func (a *BlockAllocator) NextBatch(ctx context.Context, seq string, n int) ([]int64, error) {
	if err := validateSequence(seq); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, pinuserror.Newf(pinuserror.PINUS_UNEXPECTED, "negative batch size %d", n)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := a.nextLocked(ctx, seq)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// NextInt is Next for 32-bit columns. It fails once the sequence passes
// math.MaxInt32.
func (a *BlockAllocator) NextInt(ctx context.Context, seq string) (int32, error) {
	id, err := a.Next(ctx, seq)
	if err != nil {
		return 0, err
	}
	if id > math.MaxInt32 {
		return 0, pinuserror.Newf(pinuserror.PINUS_ID_ALLOCATION_FAILED, "sequence %s overflows int32 at %d", seq, id)
	}
	return int32(id), nil
}

func (a *BlockAllocator) nextLocked(ctx context.Context, seq string) (int64, error) {
	b, ok := a.blocks[seq]
	if !ok || b.next >= b.end {
		leased, err := a.lease(ctx, seq)
		if err != nil {
			return 0, err
		}
		a.blocks[seq] = leased
		b = leased
	}

	id := b.next
	b.next++
	return id, nil
}

// ensureCounter creates the counter node with value 0 when missing.
func (a *BlockAllocator) ensureCounter(ctx context.Context, p string) error {
	if err := qdb.EnsurePath(ctx, a.db, qdb.SequencesPath(a.root)); err != nil {
		return err
	}
	_, err := a.db.Create(ctx, p, []byte("0"), qdb.ModePersistent)
	if err != nil && !errors.Is(err, qdb.ErrNodeExists) {
		return err
	}
	return nil
}

var errLeaseConflict = errors.New("id block lease conflict")

// retryable marks coordination outages for another attempt. A closed
// session or an ended context is final.
func retryable(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, qdb.ErrClosed) {
		return err
	}
	if pinuserror.Is(err, pinuserror.PINUS_COORDINATION_UNAVAILABLE) {
		pinuslog.Zero.Debug().Err(err).Msg("idgen: coordination unavailable, retrying")
		return retry.RetryableError(err)
	}
	return err
}

// lease moves the counter from c to c+B with a versioned write and returns
// the block [c+1, c+B+1).
func (a *BlockAllocator) lease(ctx context.Context, seq string) (*block, error) {
	p := qdb.SequenceNodePath(a.root, seq)
	var leased *block

	b := retry.WithMaxRetries(a.cfg.MaxAttempts-1, retry.NewFibonacci(a.cfg.Backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		data, stat, err := a.db.GetData(ctx, p)
		if errors.Is(err, qdb.ErrNodeNotExists) {
			if err := a.ensureCounter(ctx, p); err != nil {
				return retryable(ctx, err)
			}
			data, stat, err = a.db.GetData(ctx, p)
		}
		if err != nil {
			return retryable(ctx, err)
		}

		c, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return pinuserror.Wrap(pinuserror.PINUS_METADATA_CORRUPTION, err, "counter of sequence "+seq)
		}
		if c > math.MaxInt64-a.cfg.BlockSize {
			return pinuserror.Newf(pinuserror.PINUS_ID_ALLOCATION_FAILED, "sequence %s is exhausted", seq)
		}

		high := c + a.cfg.BlockSize
		if _, err := a.db.SetData(ctx, p, []byte(strconv.FormatInt(high, 10)), stat.Version); err != nil {
			if errors.Is(err, qdb.ErrBadVersion) {
				statistics.RecordIdLeaseConflict()
				pinuslog.Zero.Debug().
					Str("sequence", seq).
					Int64("counter", c).
					Msg("idgen: lease conflict, retrying")
				return retry.RetryableError(errLeaseConflict)
			}
			return retryable(ctx, err)
		}

		leased = &block{next: c + 1, end: high + 1}
		return nil
	})
	if err != nil {
		if errors.Is(err, errLeaseConflict) {
			return nil, pinuserror.Newf(pinuserror.PINUS_ID_ALLOCATION_FAILED,
				"sequence %s: no block leased after %d attempts", seq, a.cfg.MaxAttempts)
		}
		if _, ok := pinuserror.Code(err); ok {
			return nil, err
		}
		return nil, pinuserror.Wrap(pinuserror.PINUS_COORDINATION_UNAVAILABLE, err, "lease block of "+seq)
	}

	statistics.RecordIdLease(seq)
	pinuslog.Zero.Debug().
		Str("sequence", seq).
		Int64("low", leased.next).
		Int64("high", leased.end).
		Msg("idgen: leased block")
	return leased, nil
}
