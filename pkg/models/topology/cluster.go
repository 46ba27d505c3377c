package topology

import (
	"sort"

	"github.com/pinus-go/pinus/pkg/config"
	"github.com/pinus-go/pinus/pkg/models/pinuserror"
	"github.com/pinus-go/pinus/pkg/pool"
)

// Endpoint is one physical database. Pool is attached by the lifecycle
// manager once the pool is open and stays nil in pure routing setups.
type Endpoint struct {
	Name string
	Cfg  config.Endpoint
	Pool pool.Handle
}

// Region serves shard keys whose hash, reduced modulo the cluster span,
// falls into [Start, End).
type Region struct {
	Start   uint64
	End     uint64
	Masters []*Endpoint
	Slaves  [][]*Endpoint
}

func (r *Region) Contains(v uint64) bool {
	return r.Start <= v && v < r.End
}

// Tier returns the master list for slave < 0 and the given slave tier otherwise.
func (r *Region) Tier(slave int) ([]*Endpoint, bool) {
	if slave < 0 {
		return r.Masters, true
	}
	if slave >= len(r.Slaves) {
		return nil, false
	}
	return r.Slaves[slave], true
}

type Cluster struct {
	Name         string
	Regions      []*Region
	GlobalMaster *Endpoint
	GlobalSlaves []*Endpoint

	/* end of the last region, regions cover [0, span) */
	span uint64
}

func (c *Cluster) Span() uint64 {
	return c.span
}

// RegionFor returns the index of the region holding v.
func (c *Cluster) RegionFor(v uint64) (int, bool) {
	i := sort.Search(len(c.Regions), func(i int) bool {
		return c.Regions[i].End > v
	})
	if i == len(c.Regions) || !c.Regions[i].Contains(v) {
		return -1, false
	}
	return i, true
}

// Endpoints lists every endpoint of the cluster, global ones first.
func (c *Cluster) Endpoints() []*Endpoint {
	var eps []*Endpoint
	if c.GlobalMaster != nil {
		eps = append(eps, c.GlobalMaster)
	}
	eps = append(eps, c.GlobalSlaves...)
	for _, r := range c.Regions {
		eps = append(eps, r.Masters...)
		for _, tier := range r.Slaves {
			eps = append(eps, tier...)
		}
	}
	return eps
}

func newEndpoint(cluster string, ep *config.Endpoint) (*Endpoint, error) {
	if ep == nil || ep.Name == "" {
		return nil, pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "cluster %s: endpoint without a name", cluster)
	}
	return &Endpoint{
		Name: ep.Name,
		Cfg:  *ep,
	}, nil
}

func newEndpoints(cluster string, eps []*config.Endpoint) ([]*Endpoint, error) {
	ret := make([]*Endpoint, 0, len(eps))
	for _, ep := range eps {
		e, err := newEndpoint(cluster, ep)
		if err != nil {
			return nil, err
		}
		ret = append(ret, e)
	}
	return ret, nil
}

// NewCluster builds a cluster and checks that its regions partition
// [0, span): sorted by start, the first starts at 0 and each next one starts
// where the previous ends.
func NewCluster(cfg *config.DBCluster) (*Cluster, error) {
	c := &Cluster{Name: cfg.Name}

	if cfg.GlobalMaster != nil {
		gm, err := newEndpoint(cfg.Name, cfg.GlobalMaster)
		if err != nil {
			return nil, err
		}
		c.GlobalMaster = gm
	}
	if len(cfg.GlobalSlaves) > 0 && c.GlobalMaster == nil {
		return nil, pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "cluster %s: global slaves without a global master", cfg.Name)
	}
	gs, err := newEndpoints(cfg.Name, cfg.GlobalSlaves)
	if err != nil {
		return nil, err
	}
	c.GlobalSlaves = gs

	if len(cfg.Regions) == 0 && c.GlobalMaster == nil {
		return nil, pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "cluster %s: no regions and no global master", cfg.Name)
	}

	regions := make([]*config.Region, len(cfg.Regions))
	copy(regions, cfg.Regions)
	sort.SliceStable(regions, func(i, j int) bool {
		return regions[i].Start < regions[j].Start
	})

	var next uint64
	for i, rc := range regions {
		if rc.Start != next {
			if i == 0 {
				return nil, pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "cluster %s: first region starts at %d, not 0", cfg.Name, rc.Start)
			}
			if rc.Start < next {
				return nil, pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "cluster %s: region [%d, %d) overlaps previous region ending at %d", cfg.Name, rc.Start, rc.End, next)
			}
			return nil, pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "cluster %s: gap [%d, %d) between regions", cfg.Name, next, rc.Start)
		}
		if rc.End <= rc.Start {
			return nil, pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "cluster %s: empty region [%d, %d)", cfg.Name, rc.Start, rc.End)
		}
		if len(rc.Masters) == 0 {
			return nil, pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "cluster %s: region [%d, %d) has no masters", cfg.Name, rc.Start, rc.End)
		}

		r := &Region{Start: rc.Start, End: rc.End}
		if r.Masters, err = newEndpoints(cfg.Name, rc.Masters); err != nil {
			return nil, err
		}
		for _, tier := range rc.Slaves {
			eps, err := newEndpoints(cfg.Name, tier)
			if err != nil {
				return nil, err
			}
			r.Slaves = append(r.Slaves, eps)
		}

		c.Regions = append(c.Regions, r)
		next = rc.End
	}
	c.span = next

	return c, nil
}

// NewClusters builds every configured cluster.
func NewClusters(cfgs []*config.DBCluster) (map[string]*Cluster, error) {
	clusters := make(map[string]*Cluster, len(cfgs))
	for _, cfg := range cfgs {
		if cfg == nil || cfg.Name == "" {
			return nil, pinuserror.New(pinuserror.PINUS_CONFIGURATION, "cluster without a name")
		}
		if _, ok := clusters[cfg.Name]; ok {
			return nil, pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "duplicate cluster %s", cfg.Name)
		}
		c, err := NewCluster(cfg)
		if err != nil {
			return nil, err
		}
		clusters[cfg.Name] = c
	}
	return clusters, nil
}
