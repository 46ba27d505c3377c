package schemasync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pinus-go/pinus/pkg/config"
	"github.com/pinus-go/pinus/pkg/models/pinuserror"
	"github.com/pinus-go/pinus/pkg/pinuslog"
	"github.com/pinus-go/pinus/pkg/pool"
	"github.com/pinus-go/pinus/router/qrouter"
	"golang.org/x/sync/errgroup"
)

// TablePlaceholder in a table DDL is replaced by the physical table name.
const TablePlaceholder = "{{table}}"

const DefaultParallelism = 8

// PhysicalName is the name of the table copy addressed by res. Sharded
// partitions are suffixed with their index.
func PhysicalName(res qrouter.RouteResult, sharded bool) string {
	if !sharded {
		return res.Table
	}
	return fmt.Sprintf("%s_%d", res.Table, res.PartitionIndex)
}

// Statements splits ddl into the statements policy allows. SyncCreate runs
// CREATE statements only, SyncCreateOrUpdate runs everything.
func Statements(ddl string, policy config.SchemaSyncPolicy) []string {
	if policy == config.SyncNone {
		return nil
	}
	var stmts []string
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if policy == config.SyncCreate && !strings.HasPrefix(strings.ToUpper(stmt), "CREATE") {
			continue
		}
		stmts = append(stmts, stmt)
	}
	return stmts
}

type Syncer struct {
	router      qrouter.QueryRouter
	policy      config.SchemaSyncPolicy
	parallelism int
}

func NewSyncer(router qrouter.QueryRouter, policy config.SchemaSyncPolicy) *Syncer {
	return &Syncer{
		router:      router,
		policy:      policy,
		parallelism: DefaultParallelism,
	}
}

func (s *Syncer) SetParallelism(n int) {
	if n > 0 {
		s.parallelism = n
	}
}

type job struct {
	endpoint string
	execer   pool.Execer
	stmts    []string
}

// Sync applies the DDL of every table to every copy the router can reach.
// Endpoints run in parallel, statements of one endpoint in order.
func (s *Syncer) Sync(ctx context.Context) error {
	return s.SyncTables(ctx, s.router.Snapshot().TableNames()...)
}

// SyncTables is Sync restricted to the named tables.
func (s *Syncer) SyncTables(ctx context.Context, tables ...string) error {
	if s.policy == config.SyncNone {
		return nil
	}
	start := time.Now()

	snap := s.router.Snapshot()
	jobs := map[string]*job{}
	var order []string

	for _, name := range tables {
		t, ok := snap.Table(name)
		if !ok {
			return pinuserror.Newf(pinuserror.PINUS_UNKNOWN_TABLE, "table %s is not in the topology", name)
		}
		stmts := Statements(t.DDL, s.policy)
		if len(stmts) == 0 {
			continue
		}

		targets, err := s.router.RouteAllTiers(name)
		if err != nil {
			return err
		}
		for _, res := range targets {
			ex, ok := res.Endpoint.Pool.(pool.Execer)
			if !ok {
				return pinuserror.Newf(pinuserror.PINUS_CONFIGURATION,
					"endpoint %s of table %s has no pool able to run DDL", res.Endpoint.Name, name)
			}

			j, ok := jobs[res.Endpoint.Name]
			if !ok {
				j = &job{endpoint: res.Endpoint.Name, execer: ex}
				jobs[res.Endpoint.Name] = j
				order = append(order, res.Endpoint.Name)
			}
			physical := PhysicalName(res, t.Sharded())
			for _, stmt := range stmts {
				j.stmts = append(j.stmts, strings.ReplaceAll(stmt, TablePlaceholder, physical))
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, name := range order {
		j := jobs[name]
		g.Go(func() error {
			for _, stmt := range j.stmts {
				pinuslog.Zero.Debug().
					Str("endpoint", j.endpoint).
					Str("statement", stmt).
					Msg("schema sync: exec")
				if _, err := j.execer.ExecContext(gctx, stmt); err != nil {
					return pinuserror.Wrap(pinuserror.PINUS_UNEXPECTED, err, "schema sync on "+j.endpoint)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	pinuslog.Zero.Info().
		Int("tables", len(tables)).
		Int("endpoints", len(order)).
		Str("policy", string(s.policy)).
		Dur("took", time.Since(start)).
		Msg("schema sync: done")
	return nil
}
