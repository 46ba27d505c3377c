package pool

//go:generate -command mockgen -source=pkg/pool/pool.go -destination=pkg/mock/pool/pool_mock.go -package=mock_pool

import (
	"context"
	"database/sql"

	"github.com/pinus-go/pinus/pkg/config"
)

// Handle is an opened connection pool of one endpoint. The engine only
// passes it around and closes it; callers type-assert to the concrete pool.
type Handle interface {
	Name() string
	Close() error
}

// Execer is implemented by handles able to run statements, schema
// synchronisation needs nothing more.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Factory opens and closes endpoint pools. It is the only place where
// connection strings are interpreted.
type Factory interface {
	OpenPool(ctx context.Context, ep *config.Endpoint) (Handle, error)
	ClosePool(h Handle) error
}

// ExecHandle is a pool that can run statements.
type ExecHandle interface {
	Handle
	Execer
}
