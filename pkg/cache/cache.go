package cache

//go:generate -command mockgen -source=pkg/cache/cache.go -destination=pkg/mock/cache/cache_mock.go -package=mock_cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pinus-go/pinus/pkg/config"
	"github.com/pinus-go/pinus/pkg/pinuslog"
	"go.uber.org/atomic"
)

// Cache is what the cluster manager needs from a cache layer: it reports
// its entry lifetime and is closed on shutdown. Everything else is opaque.
type Cache interface {
	Name() string
	ExpirySeconds() int
	Close() error
}

const (
	PrimaryName = "primary"
	SecondName  = "second"

	defaultNumCounters = 1_000_000
	defaultBufferItems = 64
)

// Ristretto is a byte-valued cache with a fixed entry lifetime.
type Ristretto struct {
	name   string
	expiry time.Duration
	c      *ristretto.Cache
	closed atomic.Bool
}

var _ Cache = &Ristretto{}

func NewRistretto(name string, expiry time.Duration, maxCost int64) (*Ristretto, error) {
	if maxCost <= 0 {
		maxCost = config.DefaultCacheMaxCost
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: defaultNumCounters,
		MaxCost:     maxCost,
		BufferItems: defaultBufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &Ristretto{
		name:   name,
		expiry: expiry,
		c:      c,
	}, nil
}

func (r *Ristretto) Name() string {
	return r.name
}

func (r *Ristretto) ExpirySeconds() int {
	return int(r.expiry / time.Second)
}

func (r *Ristretto) Get(key string) ([]byte, bool) {
	if r.closed.Load() {
		return nil, false
	}
	v, ok := r.c.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// Set may drop the value under memory pressure; Wait makes an accepted
// value visible to Get.
func (r *Ristretto) Set(key string, value []byte) bool {
	if r.closed.Load() {
		return false
	}
	return r.c.SetWithTTL(key, value, int64(len(value)), r.expiry)
}

func (r *Ristretto) Del(key string) {
	if r.closed.Load() {
		return
	}
	r.c.Del(key)
}

func (r *Ristretto) Wait() {
	if r.closed.Load() {
		return
	}
	r.c.Wait()
}

// Close is idempotent.
func (r *Ristretto) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.c.Close()
	pinuslog.Zero.Debug().Str("cache", r.name).Msg("cache: closed")
	return nil
}

// Primary caches single rows by cluster, table and shard key.
type Primary struct {
	*Ristretto
}

func NewPrimary(expiry time.Duration, maxCost int64) (*Primary, error) {
	r, err := NewRistretto(PrimaryName, expiry, maxCost)
	if err != nil {
		return nil, err
	}
	return &Primary{Ristretto: r}, nil
}

func PrimaryKey(cluster, table string, key any) string {
	return fmt.Sprintf("%s.%s.%v", cluster, table, key)
}

func (p *Primary) GetRow(cluster, table string, key any) ([]byte, bool) {
	return p.Get(PrimaryKey(cluster, table, key))
}

func (p *Primary) PutRow(cluster, table string, key any, row []byte) bool {
	return p.Set(PrimaryKey(cluster, table, key), row)
}

func (p *Primary) RemoveRow(cluster, table string, key any) {
	p.Del(PrimaryKey(cluster, table, key))
}

// Second caches query results per table. Invalidate drops every result of
// a table at once by moving it to a new generation.
type Second struct {
	*Ristretto

	mu          sync.Mutex
	generations map[string]uint64
}

func NewSecond(expiry time.Duration, maxCost int64) (*Second, error) {
	r, err := NewRistretto(SecondName, expiry, maxCost)
	if err != nil {
		return nil, err
	}
	return &Second{
		Ristretto:   r,
		generations: map[string]uint64{},
	}, nil
}

func (s *Second) key(cluster, table, query string) string {
	s.mu.Lock()
	gen := s.generations[cluster+"."+table]
	s.mu.Unlock()
	return fmt.Sprintf("%s.%s.%d.%s", cluster, table, gen, query)
}

func (s *Second) GetResult(cluster, table, query string) ([]byte, bool) {
	return s.Get(s.key(cluster, table, query))
}

func (s *Second) PutResult(cluster, table, query string, result []byte) bool {
	return s.Set(s.key(cluster, table, query), result)
}

func (s *Second) Invalidate(cluster, table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generations[cluster+"."+table]++
}

// FromConfig builds the caches enabled by cfg. It returns nothing when
// caching is off.
func FromConfig(cfg config.CacheCfg) ([]Cache, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	primary, err := NewPrimary(cfg.PrimaryExpiry, cfg.MaxCost)
	if err != nil {
		return nil, err
	}
	second, err := NewSecond(cfg.SecondExpiry, cfg.MaxCost)
	if err != nil {
		_ = primary.Close()
		return nil, err
	}
	return []Cache{primary, second}, nil
}
