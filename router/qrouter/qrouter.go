package qrouter

import (
	"fmt"

	"github.com/pinus-go/pinus/pkg/models/hashfunction"
	"github.com/pinus-go/pinus/pkg/models/pinuserror"
	"github.com/pinus-go/pinus/pkg/models/topology"
	"github.com/pinus-go/pinus/pkg/pinuslog"
	"github.com/pinus-go/pinus/pkg/statistics"
)

// Intent selects the tier a route is resolved against: the masters, or one
// slave tier. The zero value is Master.
type Intent struct {
	/* slave tier + 1, 0 for master */
	tier int
}

var Master = Intent{}

func Slave(n int) Intent {
	if n < 0 {
		return Master
	}
	return Intent{tier: n + 1}
}

func (i Intent) IsMaster() bool {
	return i.tier == 0
}

// SlaveIndex is the slave tier for slave intents and -1 for Master.
func (i Intent) SlaveIndex() int {
	return i.tier - 1
}

func (i Intent) String() string {
	if i.IsMaster() {
		return "master"
	}
	return fmt.Sprintf("slave(%d)", i.SlaveIndex())
}

// RouteResult addresses one physical table partition. Global results point
// at the cluster global database and have RegionIndex -1.
type RouteResult struct {
	Cluster        string
	Table          string
	RegionIndex    int
	DBIndex        int
	PartitionIndex int
	Start          uint64
	End            uint64
	Global         bool
	Intent         Intent
	Endpoint       *topology.Endpoint
}

type QueryRouter interface {
	Route(table string, key any, intent Intent) (RouteResult, error)
	RouteAll(table string, intent Intent) ([]RouteResult, error)
	RouteAllTiers(table string) ([]RouteResult, error)

	Snapshot() *topology.Snapshot
	HashFunction() hashfunction.HashFunctionType
}

// ShardingRouter is a pure function of its snapshot and hash function and is
// safe for concurrent use.
type ShardingRouter struct {
	snap *topology.Snapshot
	hf   hashfunction.HashFunctionType
}

var _ QueryRouter = &ShardingRouter{}

func NewShardingRouter(snap *topology.Snapshot, hf hashfunction.HashFunctionType) *ShardingRouter {
	return &ShardingRouter{
		snap: snap,
		hf:   hf,
	}
}

func (r *ShardingRouter) Snapshot() *topology.Snapshot {
	return r.snap
}

func (r *ShardingRouter) HashFunction() hashfunction.HashFunctionType {
	return r.hf
}

func (r *ShardingRouter) resolve(table string) (*topology.TableDescriptor, *topology.Cluster, error) {
	t, ok := r.snap.Table(table)
	if !ok {
		return nil, nil, pinuserror.Newf(pinuserror.PINUS_UNKNOWN_TABLE, "table %q is not registered", table)
	}
	c, ok := r.snap.Cluster(t.Cluster)
	if !ok {
		return nil, nil, pinuserror.Newf(pinuserror.PINUS_UNKNOWN_TABLE, "table %q belongs to unknown cluster %q", table, t.Cluster)
	}
	return t, c, nil
}

func routesGlobal(t *topology.TableDescriptor, c *topology.Cluster) bool {
	return !t.Sharded() && c.GlobalMaster != nil
}

func globalRoute(t *topology.TableDescriptor, c *topology.Cluster, intent Intent) (RouteResult, error) {
	res := RouteResult{
		Cluster:     c.Name,
		Table:       t.Name,
		RegionIndex: -1,
		Global:      true,
		Intent:      intent,
	}
	if intent.IsMaster() {
		res.Endpoint = c.GlobalMaster
		return res, nil
	}
	n := intent.SlaveIndex()
	if n >= len(c.GlobalSlaves) {
		return RouteResult{}, pinuserror.Newf(pinuserror.PINUS_NO_REPLICA_AVAILABLE, "cluster %s has no global slave %d", c.Name, n)
	}
	res.DBIndex = n
	res.Endpoint = c.GlobalSlaves[n]
	return res, nil
}

func tier(c *topology.Cluster, regionIndex int, intent Intent) ([]*topology.Endpoint, error) {
	region := c.Regions[regionIndex]
	eps, ok := region.Tier(intent.SlaveIndex())
	if !ok || len(eps) == 0 {
		return nil, pinuserror.Newf(pinuserror.PINUS_NO_REPLICA_AVAILABLE,
			"cluster %s region [%d, %d) has no endpoints for %s", c.Name, region.Start, region.End, intent)
	}
	return eps, nil
}

// Route resolves the partition holding key.
//
// The hash h of the key picks the region containing h mod span, then the
// database h mod tier size and the partition h mod partition count.
func (r *ShardingRouter) Route(table string, key any, intent Intent) (res RouteResult, err error) {
	defer func() { statistics.RecordRoute(err) }()

	t, c, err := r.resolve(table)
	if err != nil {
		return RouteResult{}, err
	}
	if routesGlobal(t, c) {
		return globalRoute(t, c, intent)
	}

	h, err := hashfunction.Apply(key, r.hf)
	if err != nil {
		return RouteResult{}, pinuserror.Wrap(pinuserror.PINUS_UNEXPECTED, err, "shard key of "+table)
	}

	regionIndex, ok := c.RegionFor(h % c.Span())
	if !ok {
		pinuslog.Zero.Error().
			Str("table", table).
			Uint64("hash", h).
			Uint64("span", c.Span()).
			Msg("router: regions do not cover the key space")
		return RouteResult{}, pinuserror.Newf(pinuserror.PINUS_NO_REGION_FOR_KEY, "no region of cluster %s holds %d", c.Name, h%c.Span())
	}

	eps, err := tier(c, regionIndex, intent)
	if err != nil {
		return RouteResult{}, err
	}

	region := c.Regions[regionIndex]
	res = RouteResult{
		Cluster:     c.Name,
		Table:       t.Name,
		RegionIndex: regionIndex,
		DBIndex:     int(h % uint64(len(eps))),
		Start:       region.Start,
		End:         region.End,
		Intent:      intent,
	}
	if t.Sharded() {
		res.PartitionIndex = int(h % uint64(t.Partitions))
	}
	res.Endpoint = eps[res.DBIndex]

	pinuslog.Zero.Debug().
		Str("table", table).
		Str("intent", intent.String()).
		Int("region", res.RegionIndex).
		Int("db", res.DBIndex).
		Int("partition", res.PartitionIndex).
		Msg("router: routed")

	return res, nil
}

// RouteAll returns one result per region, database of the chosen tier and
// partition, in that nesting order.
func (r *ShardingRouter) RouteAll(table string, intent Intent) ([]RouteResult, error) {
	t, c, err := r.resolve(table)
	if err != nil {
		return nil, err
	}
	if routesGlobal(t, c) {
		res, err := globalRoute(t, c, intent)
		if err != nil {
			return nil, err
		}
		return []RouteResult{res}, nil
	}

	var results []RouteResult
	for regionIndex := range c.Regions {
		eps, err := tier(c, regionIndex, intent)
		if err != nil {
			return nil, err
		}
		results = append(results, fanRegion(t, c, regionIndex, intent, eps)...)
	}
	return results, nil
}

// RouteAllTiers fans out over the masters and every slave tier each region
// has, so every physical copy of the table is returned once.
func (r *ShardingRouter) RouteAllTiers(table string) ([]RouteResult, error) {
	t, c, err := r.resolve(table)
	if err != nil {
		return nil, err
	}

	var results []RouteResult
	if routesGlobal(t, c) {
		for s := -1; s < len(c.GlobalSlaves); s++ {
			res, err := globalRoute(t, c, Slave(s))
			if err != nil {
				return nil, err
			}
			results = append(results, res)
		}
		return results, nil
	}

	for regionIndex, region := range c.Regions {
		for s := -1; s < len(region.Slaves); s++ {
			eps, _ := region.Tier(s)
			results = append(results, fanRegion(t, c, regionIndex, Slave(s), eps)...)
		}
	}
	return results, nil
}

func fanRegion(t *topology.TableDescriptor, c *topology.Cluster, regionIndex int, intent Intent, eps []*topology.Endpoint) []RouteResult {
	partitions := 1
	if t.Sharded() {
		partitions = t.Partitions
	}

	region := c.Regions[regionIndex]
	results := make([]RouteResult, 0, len(eps)*partitions)
	for dbIndex, ep := range eps {
		for p := 0; p < partitions; p++ {
			results = append(results, RouteResult{
				Cluster:        c.Name,
				Table:          t.Name,
				RegionIndex:    regionIndex,
				DBIndex:        dbIndex,
				PartitionIndex: p,
				Start:          region.Start,
				End:            region.End,
				Intent:         intent,
				Endpoint:       ep,
			})
		}
	}
	return results
}
