package topology

import (
	"sort"

	"github.com/pinus-go/pinus/pkg/models/pinuserror"
)

// Snapshot is an immutable view of clusters and tables. Reloads build a new
// snapshot instead of changing this one.
type Snapshot struct {
	Clusters map[string]*Cluster
	Tables   map[string]*TableDescriptor
}

// NewSnapshot validates tables against clusters. A table declared twice
// keeps the last declaration.
func NewSnapshot(clusters map[string]*Cluster, tables []*TableDescriptor) (*Snapshot, error) {
	s := &Snapshot{
		Clusters: clusters,
		Tables:   make(map[string]*TableDescriptor, len(tables)),
	}

	for _, t := range tables {
		if err := t.validate(); err != nil {
			return nil, err
		}
		c, ok := clusters[t.Cluster]
		if !ok {
			return nil, pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "table %s: unknown cluster %q", t.Name, t.Cluster)
		}
		if len(c.Regions) == 0 && (t.Sharded() || c.GlobalMaster == nil) {
			return nil, pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "table %s: cluster %s has no regions", t.Name, t.Cluster)
		}
		cp := *t
		s.Tables[t.Name] = &cp
	}
	return s, nil
}

func (s *Snapshot) Table(name string) (*TableDescriptor, bool) {
	t, ok := s.Tables[name]
	return t, ok
}

func (s *Snapshot) Cluster(name string) (*Cluster, bool) {
	c, ok := s.Clusters[name]
	return c, ok
}

func (s *Snapshot) Empty() bool {
	return len(s.Tables) == 0
}

// TableNames returns table names in lexical order.
func (s *Snapshot) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Endpoints lists every endpoint of every cluster once, in cluster name order.
func (s *Snapshot) Endpoints() []*Endpoint {
	names := make([]string, 0, len(s.Clusters))
	for name := range s.Clusters {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := map[*Endpoint]struct{}{}
	var eps []*Endpoint
	for _, name := range names {
		for _, ep := range s.Clusters[name].Endpoints() {
			if _, ok := seen[ep]; ok {
				continue
			}
			seen[ep] = struct{}{}
			eps = append(eps, ep)
		}
	}
	return eps
}
