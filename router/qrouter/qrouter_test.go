package qrouter_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pinus-go/pinus/pkg/config"
	"github.com/pinus-go/pinus/pkg/models/hashfunction"
	"github.com/pinus-go/pinus/pkg/models/pinuserror"
	"github.com/pinus-go/pinus/pkg/models/topology"
	"github.com/pinus-go/pinus/router/qrouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ep(name string) *config.Endpoint {
	return &config.Endpoint{Name: name, DSN: "postgres://" + name + "/db"}
}

func newRouter(t *testing.T, hf hashfunction.HashFunctionType, clusters []*config.DBCluster, tables ...*topology.TableDescriptor) *qrouter.ShardingRouter {
	t.Helper()

	cs, err := topology.NewClusters(clusters)
	require.NoError(t, err)
	snap, err := topology.NewSnapshot(cs, tables)
	require.NoError(t, err)
	return qrouter.NewShardingRouter(snap, hf)
}

func ordersTopology(t *testing.T, hf hashfunction.HashFunctionType) *qrouter.ShardingRouter {
	return newRouter(t, hf,
		[]*config.DBCluster{{
			Name: "shop",
			Regions: []*config.Region{{
				Start:   0,
				End:     10000,
				Masters: []*config.Endpoint{ep("m0"), ep("m1")},
			}},
		}},
		&topology.TableDescriptor{Name: "orders", Cluster: "shop", Partitions: 4},
	)
}

func usersTopology(t *testing.T) *qrouter.ShardingRouter {
	return newRouter(t, hashfunction.HashFunctionSimple,
		[]*config.DBCluster{{
			Name:         "users",
			GlobalMaster: ep("g0"),
			GlobalSlaves: []*config.Endpoint{ep("gs0")},
			Regions: []*config.Region{
				{Start: 0, End: 100, Masters: []*config.Endpoint{ep("m0")}, Slaves: [][]*config.Endpoint{{ep("s00"), ep("s01")}}},
				{Start: 100, End: 300, Masters: []*config.Endpoint{ep("m1")}, Slaves: [][]*config.Endpoint{{}}},
			},
		}},
		&topology.TableDescriptor{Name: "user", Cluster: "users", Partitions: 4},
		&topology.TableDescriptor{Name: "country", Cluster: "users"},
	)
}

func TestIntent(t *testing.T) {
	assert := assert.New(t)

	var zero qrouter.Intent
	assert.True(zero.IsMaster())
	assert.Equal(-1, qrouter.Master.SlaveIndex())
	assert.Equal(2, qrouter.Slave(2).SlaveIndex())
	assert.False(qrouter.Slave(0).IsMaster())
	assert.Equal("slave(1)", qrouter.Slave(1).String())
	assert.Equal("master", qrouter.Master.String())
}

func TestRouteIsDeterministic(t *testing.T) {
	assert := assert.New(t)

	for _, hf := range []hashfunction.HashFunctionType{
		hashfunction.HashFunctionSimple,
		hashfunction.HashFunctionMurmur,
		hashfunction.HashFunctionCity,
		hashfunction.HashFunctionXXH3,
		hashfunction.HashFunctionXXHash,
	} {
		first, err := ordersTopology(t, hf).Route("orders", "cust-42", qrouter.Master)
		require.NoError(t, err)

		for i := 0; i < 10; i++ {
			/* a freshly built router stands in for a restarted process */
			again, err := ordersTopology(t, hf).Route("orders", "cust-42", qrouter.Master)
			require.NoError(t, err)
			assert.Equal(first.DBIndex, again.DBIndex)
			assert.Equal(first.PartitionIndex, again.PartitionIndex)
			assert.Equal(first.Endpoint.Name, again.Endpoint.Name)
		}
		assert.Less(first.PartitionIndex, 4)
		assert.Less(first.DBIndex, 2)
	}
}

func TestRouteGoldenPlacement(t *testing.T) {
	for _, tt := range []struct {
		hf        hashfunction.HashFunctionType
		db        int
		partition int
		endpoint  string
	}{
		{hashfunction.HashFunctionSimple, 1, 3, "m1"},
		{hashfunction.HashFunctionMurmur, 0, 2, "m0"},
		{hashfunction.HashFunctionCity, 0, 2, "m0"},
		{hashfunction.HashFunctionXXH3, 1, 1, "m1"},
		{hashfunction.HashFunctionXXHash, 1, 1, "m1"},
	} {
		t.Run(hashfunction.ToString(tt.hf), func(t *testing.T) {
			res, err := ordersTopology(t, tt.hf).Route("orders", "cust-42", qrouter.Master)
			require.NoError(t, err)
			assert.Equal(t, 0, res.RegionIndex)
			assert.Equal(t, tt.db, res.DBIndex)
			assert.Equal(t, tt.partition, res.PartitionIndex)
			assert.Equal(t, tt.endpoint, res.Endpoint.Name)
		})
	}
}

func TestRouteSimpleIntegerKeys(t *testing.T) {
	assert := assert.New(t)
	r := usersTopology(t)

	res, err := r.Route("user", 150, qrouter.Master)
	require.NoError(t, err)
	assert.Equal(qrouter.RouteResult{
		Cluster:        "users",
		Table:          "user",
		RegionIndex:    1,
		DBIndex:        0,
		PartitionIndex: 2,
		Start:          100,
		End:            300,
		Endpoint:       res.Endpoint,
	}, res)
	assert.Equal("m1", res.Endpoint.Name)

	/* 305 mod 300 = 5 */
	res, err = r.Route("user", 305, qrouter.Slave(0))
	require.NoError(t, err)
	assert.Equal(0, res.RegionIndex)
	assert.Equal(1, res.DBIndex)
	assert.Equal("s01", res.Endpoint.Name)
	assert.Equal(1, res.PartitionIndex)
}

func TestRouteErrors(t *testing.T) {
	assert := assert.New(t)
	r := usersTopology(t)

	_, err := r.Route("nope", 1, qrouter.Master)
	assert.True(errors.Is(err, pinuserror.ErrUnknownTable))

	/* region 1 has an empty slave tier, neither region has tier 1 */
	_, err = r.Route("user", 150, qrouter.Slave(0))
	assert.True(errors.Is(err, pinuserror.ErrNoReplicaAvailable))
	_, err = r.Route("user", 5, qrouter.Slave(1))
	assert.True(errors.Is(err, pinuserror.ErrNoReplicaAvailable))

	_, err = r.Route("user", 1.5, qrouter.Master)
	assert.Error(err)
}

func TestRouteGlobalTable(t *testing.T) {
	assert := assert.New(t)
	r := usersTopology(t)

	res, err := r.Route("country", "any", qrouter.Master)
	require.NoError(t, err)
	assert.True(res.Global)
	assert.Equal(-1, res.RegionIndex)
	assert.Equal("g0", res.Endpoint.Name)

	res, err = r.Route("country", nil, qrouter.Slave(0))
	require.NoError(t, err)
	assert.Equal("gs0", res.Endpoint.Name)

	_, err = r.Route("country", nil, qrouter.Slave(1))
	assert.True(errors.Is(err, pinuserror.ErrNoReplicaAvailable))

	all, err := r.RouteAll("country", qrouter.Master)
	require.NoError(t, err)
	assert.Len(all, 1)
}

func TestRouteUnshardedWithoutGlobal(t *testing.T) {
	r := newRouter(t, hashfunction.HashFunctionSimple,
		[]*config.DBCluster{{
			Name:    "c",
			Regions: []*config.Region{{Start: 0, End: 10, Masters: []*config.Endpoint{ep("m0")}}},
		}},
		&topology.TableDescriptor{Name: "flat", Cluster: "c"},
	)

	res, err := r.Route("flat", 7, qrouter.Master)
	require.NoError(t, err)
	assert.False(t, res.Global)
	assert.Equal(t, 0, res.PartitionIndex)
}

func TestRouteAll(t *testing.T) {
	assert := assert.New(t)
	r := usersTopology(t)

	all, err := r.RouteAll("user", qrouter.Master)
	require.NoError(t, err)
	/* 2 regions x 1 master x 4 partitions */
	assert.Len(all, 8)
	seen := map[string]struct{}{}
	for _, res := range all {
		seen[fmt.Sprintf("%d/%d/%d", res.RegionIndex, res.DBIndex, res.PartitionIndex)] = struct{}{}
	}
	assert.Len(seen, 8)

	_, err = r.RouteAll("user", qrouter.Slave(0))
	assert.True(errors.Is(err, pinuserror.ErrNoReplicaAvailable))

	_, err = r.RouteAll("nope", qrouter.Master)
	assert.True(errors.Is(err, pinuserror.ErrUnknownTable))
}

func TestRouteAllTiers(t *testing.T) {
	assert := assert.New(t)
	r := usersTopology(t)

	all, err := r.RouteAllTiers("user")
	require.NoError(t, err)
	/* region 0: m0, s00, s01; region 1: m1 and an empty slave tier */
	assert.Len(all, 16)

	names := map[string]int{}
	for _, res := range all {
		names[res.Endpoint.Name]++
		assert.Equal(res.Endpoint.Name[0] == 'm', res.Intent.IsMaster())
	}
	assert.Equal(map[string]int{"m0": 4, "s00": 4, "s01": 4, "m1": 4}, names)

	global, err := r.RouteAllTiers("country")
	require.NoError(t, err)
	require.Len(t, global, 2)
	assert.Equal("g0", global[0].Endpoint.Name)
	assert.Equal("gs0", global[1].Endpoint.Name)
	assert.Equal(qrouter.Slave(0), global[1].Intent)
}

func TestRouteDistribution(t *testing.T) {
	const samples = 20000
	const masters = 4

	masterEps := make([]*config.Endpoint, masters)
	for i := range masterEps {
		masterEps[i] = ep(fmt.Sprintf("m%d", i))
	}
	r := newRouter(t, hashfunction.HashFunctionMurmur,
		[]*config.DBCluster{{
			Name:    "c",
			Regions: []*config.Region{{Start: 0, End: 1 << 20, Masters: masterEps}},
		}},
		&topology.TableDescriptor{Name: "t", Cluster: "c", Partitions: 8},
	)

	counts := make([]int, masters)
	for i := 0; i < samples; i++ {
		res, err := r.Route("t", fmt.Sprintf("key-%d", i), qrouter.Master)
		require.NoError(t, err)
		counts[res.DBIndex]++
	}

	for i, c := range counts {
		fraction := float64(c) / samples
		assert.InDelta(t, 1.0/masters, fraction, 0.03, "endpoint %d", i)
	}
}
