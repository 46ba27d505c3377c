package topology_test

import (
	"context"
	"errors"
	"testing"

	"github.com/pinus-go/pinus/pkg/config"
	"github.com/pinus-go/pinus/pkg/models/pinuserror"
	"github.com/pinus-go/pinus/pkg/models/topology"
	"github.com/pinus-go/pinus/qdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ep(name string) *config.Endpoint {
	return &config.Endpoint{Name: name, DSN: "postgres://" + name + "/db"}
}

func twoRegionCluster() *config.DBCluster {
	return &config.DBCluster{
		Name:         "users",
		GlobalMaster: ep("g0"),
		GlobalSlaves: []*config.Endpoint{ep("gs0")},
		Regions: []*config.Region{
			/* deliberately out of order */
			{Start: 100, End: 300, Masters: []*config.Endpoint{ep("m1")}},
			{Start: 0, End: 100, Masters: []*config.Endpoint{ep("m0")}, Slaves: [][]*config.Endpoint{{ep("s0")}}},
		},
	}
}

func TestNewClusterSortsAndCovers(t *testing.T) {
	assert := assert.New(t)

	c, err := topology.NewCluster(twoRegionCluster())
	require.NoError(t, err)

	assert.Equal(uint64(300), c.Span())
	require.Len(t, c.Regions, 2)
	assert.Equal("m0", c.Regions[0].Masters[0].Name)
	assert.Equal("m1", c.Regions[1].Masters[0].Name)

	/* every key of the span belongs to exactly one region */
	for v := uint64(0); v < c.Span(); v++ {
		matches := 0
		for _, r := range c.Regions {
			if r.Contains(v) {
				matches++
			}
		}
		assert.Equal(1, matches, "key %d", v)

		i, ok := c.RegionFor(v)
		assert.True(ok)
		assert.True(c.Regions[i].Contains(v))
	}

	_, ok := c.RegionFor(300)
	assert.False(ok)

	assert.Len(c.Endpoints(), 5)
}

func TestNewClusterRejectsBadGeometry(t *testing.T) {
	for _, tt := range []struct {
		name    string
		regions []*config.Region
	}{
		{"not starting at zero", []*config.Region{{Start: 1, End: 10, Masters: []*config.Endpoint{ep("m")}}}},
		{"gap", []*config.Region{
			{Start: 0, End: 10, Masters: []*config.Endpoint{ep("a")}},
			{Start: 11, End: 20, Masters: []*config.Endpoint{ep("b")}},
		}},
		{"overlap", []*config.Region{
			{Start: 0, End: 10, Masters: []*config.Endpoint{ep("a")}},
			{Start: 5, End: 20, Masters: []*config.Endpoint{ep("b")}},
		}},
		{"empty range", []*config.Region{{Start: 0, End: 0, Masters: []*config.Endpoint{ep("m")}}}},
		{"no masters", []*config.Region{{Start: 0, End: 10}}},
		{"unnamed endpoint", []*config.Region{{Start: 0, End: 10, Masters: []*config.Endpoint{{DSN: "x"}}}}},
		{"no regions", nil},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := topology.NewCluster(&config.DBCluster{Name: "c", Regions: tt.regions})
			assert.True(t, errors.Is(err, pinuserror.ErrConfiguration), "got %v", err)
		})
	}
}

func TestNewClusterGlobalOnly(t *testing.T) {
	c, err := topology.NewCluster(&config.DBCluster{Name: "g", GlobalMaster: ep("g0")})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.Span())

	_, err = topology.NewCluster(&config.DBCluster{Name: "g", GlobalSlaves: []*config.Endpoint{ep("gs")}, Regions: twoRegionCluster().Regions})
	assert.True(t, errors.Is(err, pinuserror.ErrConfiguration))
}

func TestNewSnapshotValidatesTables(t *testing.T) {
	assert := assert.New(t)

	clusters, err := topology.NewClusters([]*config.DBCluster{
		twoRegionCluster(),
		{Name: "global_only", GlobalMaster: ep("g1")},
	})
	require.NoError(t, err)

	s, err := topology.NewSnapshot(clusters, []*topology.TableDescriptor{
		{Name: "user", Cluster: "users", Partitions: 4},
		{Name: "country", Cluster: "global_only"},
	})
	require.NoError(t, err)
	assert.Equal([]string{"country", "user"}, s.TableNames())
	assert.Len(s.Endpoints(), 6)

	for _, tables := range [][]*topology.TableDescriptor{
		{{Name: "t", Cluster: "nope", Partitions: 1}},
		{{Name: "t", Cluster: "users", Partitions: -1}},
		{{Name: "", Cluster: "users"}},
		{{Name: "a/b", Cluster: "users"}},
		{{Name: "t", Cluster: "global_only", Partitions: 2}},
	} {
		_, err := topology.NewSnapshot(clusters, tables)
		assert.True(errors.Is(err, pinuserror.ErrConfiguration), "got %v", err)
	}

	_, err = topology.NewClusters([]*config.DBCluster{twoRegionCluster(), twoRegionCluster()})
	assert.True(errors.Is(err, pinuserror.ErrConfiguration))
}

func TestPublishIsIdempotentAndLoadable(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	db := qdb.NewMemQDB("")

	clusters, err := topology.NewClusters([]*config.DBCluster{twoRegionCluster()})
	require.NoError(t, err)

	local, err := topology.Load(ctx, clusters, &topology.LocalSource{Descriptors: []*topology.TableDescriptor{
		{Name: "user", Cluster: "users", Partitions: 4, DDL: "CREATE TABLE user (id bigint)"},
		{Name: "dict", Cluster: "users"},
	}})
	require.NoError(t, err)

	require.NoError(t, topology.Publish(ctx, db, "/pinus", local))
	first, _, err := db.GetData(ctx, "/pinus/tables/user")
	require.NoError(t, err)

	require.NoError(t, topology.Publish(ctx, db, "/pinus", local))
	second, _, err := db.GetData(ctx, "/pinus/tables/user")
	require.NoError(t, err)
	assert.Equal(first, second)

	children, err := db.GetChildren(ctx, "/pinus/tables")
	require.NoError(t, err)
	assert.Equal([]string{"dict", "user"}, children)

	remote, err := topology.Load(ctx, clusters, &topology.RemoteSource{DB: db, Root: "/pinus"})
	require.NoError(t, err)
	assert.Equal(local.Tables, remote.Tables)
}

func TestRemoteSourceCorruption(t *testing.T) {
	ctx := context.Background()
	db := qdb.NewMemQDB("")
	require.NoError(t, qdb.EnsurePath(ctx, db, "/pinus/tables"))
	_, err := db.Create(ctx, "/pinus/tables/broken", []byte("{"), qdb.ModePersistent)
	require.NoError(t, err)

	_, err = (&topology.RemoteSource{DB: db, Root: "/pinus"}).Tables(ctx)
	code, ok := pinuserror.Code(err)
	assert.True(t, ok)
	assert.Equal(t, pinuserror.PINUS_METADATA_CORRUPTION, code)
}

func TestRemoteSourceUnavailable(t *testing.T) {
	db := qdb.NewMemQDB("")
	require.NoError(t, db.Close())

	_, err := (&topology.RemoteSource{DB: db, Root: "/pinus"}).Tables(context.Background())
	assert.True(t, errors.Is(err, pinuserror.ErrCoordinationUnavailable))
}
