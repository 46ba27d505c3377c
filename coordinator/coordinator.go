package coordinator

import (
	"context"
	"time"

	"github.com/pinus-go/pinus/pkg/cache"
	"github.com/pinus-go/pinus/pkg/config"
	"github.com/pinus-go/pinus/pkg/dlock"
	"github.com/pinus-go/pinus/pkg/models/topology"
	"github.com/pinus-go/pinus/router/qrouter"
)

// Coordinator is the process-wide entry point of the sharding engine.
type Coordinator interface {
	Startup(ctx context.Context, cfg *config.Engine) error
	Shutdown(ctx context.Context) error
	State() State

	Route(table string, key any, intent qrouter.Intent) (qrouter.RouteResult, error)
	RouteAll(table string, intent qrouter.Intent) ([]qrouter.RouteResult, error)
	ClusterInfo(name string) (*topology.Cluster, error)
	RegisterTable(ctx context.Context, t *topology.TableDescriptor) error
	Reload(ctx context.Context) error

	NextID(ctx context.Context, seq string) (int64, error)
	NextBatch(ctx context.Context, seq string, n int) ([]int64, error)
	NextInt(ctx context.Context, seq string) (int32, error)

	Acquire(ctx context.Context, name string, timeout time.Duration) (*dlock.Handle, error)
	Release(ctx context.Context, h *dlock.Handle) error
	NewMutex(name string) (*dlock.Mutex, error)

	Cache(name string) (cache.Cache, error)
	PrimaryCache() (*cache.Primary, error)
	SecondCache() (*cache.Second, error)
}
