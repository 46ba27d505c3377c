package pool

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pinus-go/pinus/pkg/config"
	"github.com/pinus-go/pinus/pkg/models/pinuserror"
	"github.com/pinus-go/pinus/pkg/pinuslog"
)

const (
	DriverPgx = "pgx"
	DriverPq  = "postgres"
)

type SQLPool struct {
	name string
	db   *sqlx.DB

	/* name under which the pgx config is registered in stdlib, if any */
	registered string
}

var _ ExecHandle = &SQLPool{}

func (p *SQLPool) Name() string {
	return p.name
}

func (p *SQLPool) DB() *sqlx.DB {
	return p.db
}

func (p *SQLPool) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return p.db.ExecContext(ctx, query, args...)
}

func (p *SQLPool) Close() error {
	err := p.db.Close()
	if p.registered != "" {
		stdlib.UnregisterConnConfig(p.registered)
	}
	return err
}

// SQLFactory opens database/sql pools through sqlx, over pgx by default or
// lib/pq when the endpoint driver is "postgres".
type SQLFactory struct {
	// TraceLevel is the pgx trace level forwarded to the process logger.
	TraceLevel tracelog.LogLevel
	// Ping verifies every pool right after opening it. database/sql pools
	// are lazy otherwise.
	Ping bool
}

var _ Factory = &SQLFactory{}

func (f *SQLFactory) OpenPool(ctx context.Context, ep *config.Endpoint) (Handle, error) {
	pinuslog.Zero.Debug().
		Str("endpoint", ep.Name).
		Str("driver", ep.Driver).
		Msg("pool: open")

	p := &SQLPool{name: ep.Name}

	switch ep.Driver {
	case "", DriverPgx:
		connCfg, err := pgx.ParseConfig(ep.DSN)
		if err != nil {
			return nil, pinuserror.Wrap(pinuserror.PINUS_CONFIGURATION, err, fmt.Sprintf("endpoint %s", ep.Name))
		}
		if f.TraceLevel != tracelog.LogLevelNone && f.TraceLevel != 0 {
			connCfg.Tracer = &tracelog.TraceLog{
				Logger:   &pinuslog.ZeroTraceLogger{},
				LogLevel: f.TraceLevel,
			}
		}
		p.registered = stdlib.RegisterConnConfig(connCfg)
		db, err := sqlx.Open(DriverPgx, p.registered)
		if err != nil {
			stdlib.UnregisterConnConfig(p.registered)
			return nil, pinuserror.Wrap(pinuserror.PINUS_CONFIGURATION, err, fmt.Sprintf("endpoint %s", ep.Name))
		}
		p.db = db
	case DriverPq:
		db, err := sqlx.Open(DriverPq, ep.DSN)
		if err != nil {
			return nil, pinuserror.Wrap(pinuserror.PINUS_CONFIGURATION, err, fmt.Sprintf("endpoint %s", ep.Name))
		}
		p.db = db
	default:
		return nil, pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "endpoint %s: unknown driver %q", ep.Name, ep.Driver)
	}

	if ep.MaxOpenConns > 0 {
		p.db.SetMaxOpenConns(ep.MaxOpenConns)
	}
	if ep.MaxIdleConns > 0 {
		p.db.SetMaxIdleConns(ep.MaxIdleConns)
	}
	if ep.ConnMaxLifetime > 0 {
		p.db.SetConnMaxLifetime(ep.ConnMaxLifetime)
	}

	if f.Ping {
		if err := p.db.PingContext(ctx); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("endpoint %s: ping: %w", ep.Name, err)
		}
	}
	return p, nil
}

func (f *SQLFactory) ClosePool(h Handle) error {
	pinuslog.Zero.Debug().Str("endpoint", h.Name()).Msg("pool: close")
	return h.Close()
}
