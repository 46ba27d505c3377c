package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pinus-go/pinus/pkg/cache"
	"github.com/pinus-go/pinus/pkg/config"
	"github.com/pinus-go/pinus/pkg/dlock"
	"github.com/pinus-go/pinus/pkg/idgen"
	"github.com/pinus-go/pinus/pkg/models/hashfunction"
	"github.com/pinus-go/pinus/pkg/models/pinuserror"
	"github.com/pinus-go/pinus/pkg/models/topology"
	"github.com/pinus-go/pinus/pkg/pinuslog"
	"github.com/pinus-go/pinus/pkg/pool"
	"github.com/pinus-go/pinus/pkg/schemasync"
	"github.com/pinus-go/pinus/pkg/statistics"
	"github.com/pinus-go/pinus/qdb"
	"github.com/pinus-go/pinus/router/qrouter"
	retry "github.com/sethvargo/go-retry"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const DefaultConnectBackoff = 100 * time.Millisecond

// Connector opens the coordination store session of a manager.
type Connector func(ctx context.Context, cfg *config.Engine) (qdb.QDB, error)

type Option func(m *Manager)

func WithConnector(c Connector) Option {
	return func(m *Manager) {
		m.connect = c
	}
}

// WithQDB hands an already open session to the manager, which closes it on
// shutdown.
func WithQDB(db qdb.QDB) Option {
	return WithConnector(func(context.Context, *config.Engine) (qdb.QDB, error) {
		return db, nil
	})
}

func WithPoolFactory(f pool.Factory) Option {
	return func(m *Manager) {
		m.factory = f
	}
}

// WithCaches replaces the caches built from the cache section of the
// configuration.
func WithCaches(caches ...cache.Cache) Option {
	return func(m *Manager) {
		m.injectedCaches = caches
	}
}

func WithConnectBackoff(d time.Duration) Option {
	return func(m *Manager) {
		m.connectBackoff = d
	}
}

// Manager owns the coordination session, the endpoint pools, the caches and
// the current router of one process.
type Manager struct {
	state atomic.Int32

	connect        Connector
	factory        pool.Factory
	injectedCaches []cache.Cache
	connectBackoff time.Duration

	/* serializes topology writers with shutdown */
	mu         sync.Mutex
	registered []*topology.TableDescriptor

	cfg      *config.Engine
	db       qdb.QDB
	clusters map[string]*topology.Cluster
	pools    []pool.Handle
	caches   []cache.Cache
	ids      *idgen.BlockAllocator
	locker   *dlock.Locker
	hf       hashfunction.HashFunctionType

	router atomic.Pointer[qrouter.ShardingRouter]

	warnings error
}

var _ Coordinator = &Manager{}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		connect:        qdb.NewQDB,
		factory:        &pool.SQLFactory{},
		connectBackoff: DefaultConnectBackoff,
	}
	for _, opt := range opts {
		opt(m)
	}
	statistics.RecordLifecycleState(int32(StateCreated))
	return m
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) transit(from, to State) bool {
	if !m.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	statistics.RecordLifecycleState(int32(to))
	pinuslog.Zero.Debug().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("coordinator: state changed")
	return true
}

func invalidState(op string, s State) error {
	return pinuserror.Newf(pinuserror.PINUS_INVALID_STATE, "%s is not allowed in state %s", op, s)
}

func (m *Manager) running(op string) error {
	if s := m.State(); s != StateRunning {
		return invalidState(op, s)
	}
	return nil
}

// Health reports nil while the manager serves requests.
func (m *Manager) Health() error {
	return m.running("serving")
}

// Startup brings the manager from CREATED to RUNNING. Any failure leaves it
// FAILED with every resource acquired so far released.
func (m *Manager) Startup(ctx context.Context, cfg *config.Engine) (err error) {
	if !m.transit(StateCreated, StateStarting) {
		return invalidState("startup", m.State())
	}
	start := time.Now()

	defer func() {
		if err == nil {
			return
		}
		pinuslog.Zero.Error().Err(err).Msg("coordinator: startup failed")
		m.teardown()
		m.transit(StateStarting, StateFailed)
	}()

	if cfg == nil {
		return pinuserror.New(pinuserror.PINUS_CONFIGURATION, "no configuration")
	}
	c := *cfg
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return err
	}
	m.cfg = &c

	m.hf, err = hashfunction.HashFunctionByName(c.HashAlgorithm)
	if err != nil {
		return pinuserror.Wrap(pinuserror.PINUS_CONFIGURATION, err, "hash_algorithm")
	}

	if err := m.connectQDB(ctx); err != nil {
		return err
	}
	for _, p := range qdb.RequiredPaths(c.RootPath) {
		if err := qdb.EnsurePath(ctx, m.db, p); err != nil {
			return pinuserror.Wrap(pinuserror.PINUS_COORDINATION_UNAVAILABLE, err, "ensure "+p)
		}
	}

	m.ids = idgen.NewBlockAllocator(m.db, c.RootPath, idgen.Config{
		BlockSize:   c.IdBlockSize,
		MaxAttempts: c.IdMaxAttempts,
	})
	m.locker = dlock.NewLocker(m.db, c.RootPath, c.LockTimeout)

	if m.injectedCaches != nil {
		m.caches = m.injectedCaches
	} else if m.caches, err = cache.FromConfig(c.Cache); err != nil {
		return pinuserror.Wrap(pinuserror.PINUS_CONFIGURATION, err, "cache")
	}

	if m.clusters, err = topology.NewClusters(c.Clusters); err != nil {
		return err
	}
	if err := m.openPools(ctx); err != nil {
		return err
	}

	snap, err := m.loadTopology(ctx)
	if err != nil {
		return err
	}
	if snap.Empty() {
		return pinuserror.New(pinuserror.PINUS_EMPTY_TOPOLOGY, "no tables registered")
	}

	router := qrouter.NewShardingRouter(snap, m.hf)
	if c.SchemaSync != config.SyncNone {
		if err := schemasync.NewSyncer(router, c.SchemaSync).Sync(ctx); err != nil {
			return err
		}
	}
	m.router.Store(router)

	m.transit(StateStarting, StateRunning)
	pinuslog.Zero.Info().
		Str("root", c.RootPath).
		Str("source", string(c.ShardingSource)).
		Str("hash", c.HashAlgorithm).
		Int("clusters", len(m.clusters)).
		Int("tables", len(snap.Tables)).
		Int("pools", len(m.pools)).
		Dur("took", time.Since(start)).
		Msg("coordinator: running")
	return nil
}

func (m *Manager) connectQDB(ctx context.Context) error {
	attempt := 0
	b := retry.WithMaxRetries(m.cfg.ConnectRetries, retry.NewFibonacci(m.connectBackoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		db, err := m.connect(ctx, m.cfg)
		if err != nil {
			pinuslog.Zero.Warn().
				Err(err).
				Int("attempt", attempt).
				Msg("coordinator: failed to connect to coordination store")
			return retry.RetryableError(err)
		}
		m.db = db
		return nil
	})
	if err != nil {
		if _, ok := pinuserror.Code(err); ok {
			return err
		}
		return pinuserror.Wrap(pinuserror.PINUS_COORDINATION_UNAVAILABLE, err, "connect to coordination store")
	}
	pinuslog.Zero.Info().
		Str("type", string(m.cfg.CoordinatorType)).
		Strs("addrs", m.cfg.CoordinatorAddrs).
		Msg("coordinator: connected to coordination store")
	return nil
}

func sortedClusterNames(clusters map[string]*topology.Cluster) []string {
	names := make([]string, 0, len(clusters))
	for name := range clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) openPools(ctx context.Context) error {
	for _, name := range sortedClusterNames(m.clusters) {
		for _, ep := range m.clusters[name].Endpoints() {
			h, err := m.factory.OpenPool(ctx, &ep.Cfg)
			if err != nil {
				return pinuserror.Wrap(pinuserror.PINUS_CONFIGURATION, err, "open pool "+ep.Name)
			}
			ep.Pool = h
			m.pools = append(m.pools, h)
		}
	}
	return nil
}

func (m *Manager) localTables() []*topology.TableDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()

	tables := make([]*topology.TableDescriptor, 0, len(m.cfg.Tables)+len(m.registered))
	for _, t := range m.cfg.Tables {
		tables = append(tables, topology.TableFromConfig(t))
	}
	return append(tables, m.registered...)
}

func (m *Manager) loadTopology(ctx context.Context) (*topology.Snapshot, error) {
	if m.cfg.ShardingSource == config.RemoteStore {
		return topology.Load(ctx, m.clusters, &topology.RemoteSource{DB: m.db, Root: m.cfg.RootPath})
	}

	snap, err := topology.Load(ctx, m.clusters, &topology.LocalSource{Descriptors: m.localTables()})
	if err != nil {
		return nil, err
	}
	if err := topology.Publish(ctx, m.db, m.cfg.RootPath, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// closeAll releases pools, then caches, then the coordination session and
// returns every failure. Pools close in parallel.
func (m *Manager) closeAll() error {
	var (
		mu   sync.Mutex
		errs error
	)

	var g errgroup.Group
	for _, h := range m.pools {
		g.Go(func() error {
			if err := m.factory.ClosePool(h); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, pinuserror.Wrap(pinuserror.PINUS_UNEXPECTED, err, "close pool "+h.Name()))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	m.pools = nil

	for _, c := range m.caches {
		if err := c.Close(); err != nil {
			errs = multierr.Append(errs, pinuserror.Wrap(pinuserror.PINUS_UNEXPECTED, err, "close cache "+c.Name()))
		}
	}
	m.caches = nil

	if m.db != nil {
		if err := m.db.Close(); err != nil {
			errs = multierr.Append(errs, pinuserror.Wrap(pinuserror.PINUS_COORDINATION_UNAVAILABLE, err, "close coordination session"))
		}
		m.db = nil
	}
	return errs
}

func (m *Manager) teardown() {
	if err := m.closeAll(); err != nil {
		pinuslog.Zero.Warn().Err(err).Msg("coordinator: partial teardown left errors")
	}
}

// Shutdown moves a RUNNING manager to STOPPED. Close failures do not stop
// the teardown; they are logged once and kept for ShutdownWarnings.
// It waits for a running RegisterTable or Reload to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.transit(StateRunning, StateStopping) {
		return invalidState("shutdown", m.State())
	}
	start := time.Now()

	if err := m.closeAll(); err != nil {
		m.warnings = err
		pinuslog.Zero.Warn().
			Err(err).
			Int("failures", len(multierr.Errors(err))).
			Msg("coordinator: shutdown finished with errors")
	}

	m.transit(StateStopping, StateStopped)
	pinuslog.Zero.Info().Dur("took", time.Since(start)).Msg("coordinator: stopped")
	return nil
}

// ShutdownWarnings returns the aggregated close failures of the last
// shutdown, or nil.
func (m *Manager) ShutdownWarnings() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() != StateStopped {
		return nil
	}
	return m.warnings
}

// Cache returns the cache registered under name.
func (m *Manager) Cache(name string) (cache.Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.running("cache"); err != nil {
		return nil, err
	}
	for _, c := range m.caches {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "cache %s is not configured", name)
}

func (m *Manager) PrimaryCache() (*cache.Primary, error) {
	c, err := m.Cache(cache.PrimaryName)
	if err != nil {
		return nil, err
	}
	p, ok := c.(*cache.Primary)
	if !ok {
		return nil, pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "cache %s is not a row cache", cache.PrimaryName)
	}
	return p, nil
}

func (m *Manager) SecondCache() (*cache.Second, error) {
	c, err := m.Cache(cache.SecondName)
	if err != nil {
		return nil, err
	}
	s, ok := c.(*cache.Second)
	if !ok {
		return nil, pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "cache %s is not a result cache", cache.SecondName)
	}
	return s, nil
}

// invalidateResults drops cached query results of tables whose placement
// may have changed. Callers hold mu.
func (m *Manager) invalidateResults(tables ...*topology.TableDescriptor) {
	for _, c := range m.caches {
		second, ok := c.(*cache.Second)
		if !ok {
			continue
		}
		for _, t := range tables {
			second.Invalidate(t.Cluster, t.Name)
		}
	}
}

func (m *Manager) Router() (qrouter.QueryRouter, error) {
	if err := m.running("router"); err != nil {
		return nil, err
	}
	return m.router.Load(), nil
}

func (m *Manager) Route(table string, key any, intent qrouter.Intent) (qrouter.RouteResult, error) {
	if err := m.running("route"); err != nil {
		return qrouter.RouteResult{}, err
	}
	return m.router.Load().Route(table, key, intent)
}

func (m *Manager) RouteAll(table string, intent qrouter.Intent) ([]qrouter.RouteResult, error) {
	if err := m.running("route"); err != nil {
		return nil, err
	}
	return m.router.Load().RouteAll(table, intent)
}

func (m *Manager) ClusterInfo(name string) (*topology.Cluster, error) {
	if err := m.running("cluster info"); err != nil {
		return nil, err
	}
	c, ok := m.router.Load().Snapshot().Cluster(name)
	if !ok {
		return nil, pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "unknown cluster %q", name)
	}
	return c, nil
}

// RegisterTable declares a table. Before startup it joins the local
// registrations; on a running manager its schema is synced under the
// configured policy, then it is published and the router is rebuilt.
func (m *Manager) RegisterTable(ctx context.Context, t *topology.TableDescriptor) error {
	if t == nil {
		return pinuserror.New(pinuserror.PINUS_CONFIGURATION, "nil table")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch s := m.State(); s {
	case StateCreated:
		m.registered = append(m.registered, t)
		return nil
	case StateRunning:
	default:
		return invalidState("register table", s)
	}

	cur := m.router.Load().Snapshot()
	tables := make([]*topology.TableDescriptor, 0, len(cur.Tables)+1)
	for _, name := range cur.TableNames() {
		if name != t.Name {
			tables = append(tables, cur.Tables[name])
		}
	}
	snap, err := topology.NewSnapshot(m.clusters, append(tables, t))
	if err != nil {
		return err
	}
	router := qrouter.NewShardingRouter(snap, m.hf)
	if err := schemasync.NewSyncer(router, m.cfg.SchemaSync).SyncTables(ctx, t.Name); err != nil {
		return err
	}
	if err := topology.Publish(ctx, m.db, m.cfg.RootPath, snap); err != nil {
		return err
	}

	m.registered = append(m.registered, t)
	m.router.Store(router)
	m.invalidateResults(t)
	pinuslog.Zero.Info().Str("table", t.Name).Msg("coordinator: table registered")
	return nil
}

// Reload rebuilds the router from the tables stored in the coordination
// store. Routing calls see either the old or the new router, never a mix.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.running("reload"); err != nil {
		return err
	}

	snap, err := topology.Load(ctx, m.clusters, &topology.RemoteSource{DB: m.db, Root: m.cfg.RootPath})
	if err != nil {
		return err
	}
	if snap.Empty() {
		return pinuserror.New(pinuserror.PINUS_EMPTY_TOPOLOGY, "no tables in coordination store")
	}
	m.router.Store(qrouter.NewShardingRouter(snap, m.hf))
	tables := make([]*topology.TableDescriptor, 0, len(snap.Tables))
	for _, name := range snap.TableNames() {
		tables = append(tables, snap.Tables[name])
	}
	m.invalidateResults(tables...)
	pinuslog.Zero.Info().Int("tables", len(snap.Tables)).Msg("coordinator: topology reloaded")
	return nil
}

func (m *Manager) NextID(ctx context.Context, seq string) (int64, error) {
	if err := m.running("next id"); err != nil {
		return 0, err
	}
	return m.ids.Next(ctx, seq)
}

func (m *Manager) NextBatch(ctx context.Context, seq string, n int) ([]int64, error) {
	if err := m.running("next id"); err != nil {
		return nil, err
	}
	return m.ids.NextBatch(ctx, seq, n)
}

func (m *Manager) NextInt(ctx context.Context, seq string) (int32, error) {
	if err := m.running("next id"); err != nil {
		return 0, err
	}
	return m.ids.NextInt(ctx, seq)
}

func (m *Manager) Acquire(ctx context.Context, name string, timeout time.Duration) (*dlock.Handle, error) {
	if err := m.running("acquire"); err != nil {
		return nil, err
	}
	return m.locker.Acquire(ctx, name, timeout)
}

func (m *Manager) Release(ctx context.Context, h *dlock.Handle) error {
	if err := m.running("release"); err != nil {
		return err
	}
	return m.locker.Release(ctx, h)
}

// NewMutex binds name and the configured lock timeout.
func (m *Manager) NewMutex(name string) (*dlock.Mutex, error) {
	if err := m.running("new mutex"); err != nil {
		return nil, err
	}
	return m.locker.NewMutex(name), nil
}
