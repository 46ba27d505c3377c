package topology

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/pinus-go/pinus/pkg/config"
	"github.com/pinus-go/pinus/pkg/models/pinuserror"
	"github.com/pinus-go/pinus/pkg/pinuslog"
	"github.com/pinus-go/pinus/qdb"
)

// TableDescriptor is the stored form of a logical table. Partitions == 0
// marks a global (unsharded) table.
type TableDescriptor struct {
	Name       string `json:"name"`
	Cluster    string `json:"cluster"`
	Partitions int    `json:"partitions"`
	DDL        string `json:"ddl,omitempty"`
}

func (t *TableDescriptor) Sharded() bool {
	return t.Partitions > 0
}

func TableFromConfig(cfg *config.Table) *TableDescriptor {
	return &TableDescriptor{
		Name:       cfg.Name,
		Cluster:    cfg.Cluster,
		Partitions: cfg.Partitions,
		DDL:        cfg.DDL,
	}
}

func (t *TableDescriptor) validate() error {
	if t.Name == "" || strings.Contains(t.Name, "/") {
		return pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "invalid table name %q", t.Name)
	}
	if t.Partitions < 0 {
		return pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "table %s: negative partition count %d", t.Name, t.Partitions)
	}
	return nil
}

// Source yields table descriptors.
type Source interface {
	Tables(ctx context.Context) ([]*TableDescriptor, error)
}

// LocalSource serves statically registered tables.
type LocalSource struct {
	Descriptors []*TableDescriptor
}

func (s *LocalSource) Tables(_ context.Context) ([]*TableDescriptor, error) {
	return s.Descriptors, nil
}

// RemoteSource reads tables published under <root>/tables.
type RemoteSource struct {
	DB   qdb.QDB
	Root string
}

func coordinationErr(err error, msg string) error {
	if _, ok := pinuserror.Code(err); ok {
		return err
	}
	return pinuserror.Wrap(pinuserror.PINUS_COORDINATION_UNAVAILABLE, err, msg)
}

func (s *RemoteSource) Tables(ctx context.Context) ([]*TableDescriptor, error) {
	names, err := s.DB.GetChildren(ctx, qdb.TablesPath(s.Root))
	if err != nil {
		if errors.Is(err, qdb.ErrNodeNotExists) {
			return nil, nil
		}
		return nil, coordinationErr(err, "list tables")
	}

	tables := make([]*TableDescriptor, 0, len(names))
	for _, name := range names {
		data, _, err := s.DB.GetData(ctx, qdb.TableNodePath(s.Root, name))
		if err != nil {
			if errors.Is(err, qdb.ErrNodeNotExists) {
				/* dropped concurrently */
				continue
			}
			return nil, coordinationErr(err, "read table "+name)
		}

		var t TableDescriptor
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, pinuserror.Wrap(pinuserror.PINUS_METADATA_CORRUPTION, err, "table "+name)
		}
		if t.Name != name {
			return nil, pinuserror.Newf(pinuserror.PINUS_METADATA_CORRUPTION, "table node %s holds descriptor of %s", name, t.Name)
		}
		tables = append(tables, &t)
	}

	pinuslog.Zero.Debug().Int("tables", len(tables)).Str("root", s.Root).Msg("topology: loaded remote tables")
	return tables, nil
}

// Load builds a snapshot from the clusters and the tables of src. All
// invariants are checked here so routing never re-validates.
func Load(ctx context.Context, clusters map[string]*Cluster, src Source) (*Snapshot, error) {
	tables, err := src.Tables(ctx)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(clusters, tables)
}

// Publish writes one node per table under <root>/tables, creating missing
// nodes and overwriting existing ones. Publishing twice stores the same state.
func Publish(ctx context.Context, db qdb.QDB, root string, s *Snapshot) error {
	if err := qdb.EnsurePath(ctx, db, qdb.TablesPath(root)); err != nil {
		return coordinationErr(err, "ensure tables path")
	}

	for _, name := range s.TableNames() {
		t := s.Tables[name]
		data, err := json.Marshal(t)
		if err != nil {
			return pinuserror.Wrap(pinuserror.PINUS_UNEXPECTED, err, "marshal table "+name)
		}

		p := qdb.TableNodePath(root, name)
		_, err = db.Create(ctx, p, data, qdb.ModePersistent)
		if errors.Is(err, qdb.ErrNodeExists) {
			_, err = db.SetData(ctx, p, data, qdb.AnyVersion)
		}
		if err != nil {
			return coordinationErr(err, "publish table "+name)
		}
		pinuslog.Zero.Debug().Str("table", name).Str("path", p).Msg("topology: published table")
	}
	return nil
}
