package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pinus-go/pinus/coordinator"
	"github.com/pinus-go/pinus/coordinator/app"
	"github.com/pinus-go/pinus/pkg"
	"github.com/pinus-go/pinus/pkg/config"
	"github.com/pinus-go/pinus/pkg/pinuslog"
	"github.com/pinus-go/pinus/router/qrouter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	cfgPath   string
	logLevel  string
	slave     int
	intKey    bool
	allTiers  bool
	batchSize int

	engineCfg *config.Engine
)

var rootCmd = &cobra.Command{
	Use:     "pinus --config `path-to-config`",
	Short:   "pinus sharding engine",
	Version: pkg.PinusVersionRevision,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadEngineCfg(cfgPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		pinuslog.ReloadLogger(cfg.LogFile, cfg.LogLevel, cfg.PrettyLogging)

		cfgStr, err := cfg.PrettyJSON()
		if err != nil {
			return err
		}
		pinuslog.Zero.Debug().Msg(cfgStr)

		pinuslog.Zero.Info().Str("version", pkg.PinusVersionRevision).Msg("pinus starting")
		engineCfg = cfg
		return nil
	},
}

// withManager runs fn against a started manager and shuts it down after.
func withManager(ctx context.Context, fn func(m *coordinator.Manager) error) error {
	m := coordinator.NewManager()
	if err := m.Startup(ctx, engineCfg); err != nil {
		return errors.Wrap(err, "startup failed")
	}
	defer func() {
		if err := m.Shutdown(context.Background()); err != nil {
			pinuslog.Zero.Error().Err(err).Msg("shutdown failed")
		}
	}()
	return fn(m)
}

func intent() qrouter.Intent {
	if slave < 0 {
		return qrouter.Master
	}
	return qrouter.Slave(slave)
}

func printRoute(res qrouter.RouteResult) {
	fmt.Printf("%s\t%s\t%s\tregion=%d\tdb=%d\tpartition=%d\tglobal=%t\n",
		res.Table, res.Intent, res.Endpoint.Name, res.RegionIndex, res.DBIndex, res.PartitionIndex, res.Global)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the engine and serve metrics until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return app.NewApp(coordinator.NewManager(), engineCfg).Run(ctx)
	},
}

var routeCmd = &cobra.Command{
	Use:   "route <table> <key>",
	Short: "print the partition holding a shard key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key any = args[1]
		if intKey {
			v, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return errors.Wrap(err, "parse integer key")
			}
			key = v
		}
		return withManager(cmd.Context(), func(m *coordinator.Manager) error {
			res, err := m.Route(args[0], key, intent())
			if err != nil {
				return err
			}
			printRoute(res)
			return nil
		})
	},
}

var fanoutCmd = &cobra.Command{
	Use:   "fanout <table>",
	Short: "print every partition of a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(m *coordinator.Manager) error {
			r, err := m.Router()
			if err != nil {
				return err
			}
			var all []qrouter.RouteResult
			if allTiers {
				all, err = r.RouteAllTiers(args[0])
			} else {
				all, err = r.RouteAll(args[0], intent())
			}
			if err != nil {
				return err
			}
			for _, res := range all {
				printRoute(res)
			}
			return nil
		})
	},
}

var nextIDCmd = &cobra.Command{
	Use:   "nextid <sequence>",
	Short: "allocate ids from a cluster-wide sequence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(m *coordinator.Manager) error {
			ids, err := m.NextBatch(cmd.Context(), args[0], batchSize)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		})
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "publish the configured tables to the coordination store",
	RunE: func(cmd *cobra.Command, args []string) error {
		if engineCfg.ShardingSource == config.RemoteStore {
			return errors.New("publish needs sharding_source local_scan")
		}
		/* startup publishes locally loaded tables */
		return withManager(cmd.Context(), func(m *coordinator.Manager) error {
			r, err := m.Router()
			if err != nil {
				return err
			}
			for _, name := range r.Snapshot().TableNames() {
				fmt.Println(name)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "/etc/pinus/config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level")

	for _, cmd := range []*cobra.Command{routeCmd, fanoutCmd} {
		cmd.Flags().IntVarP(&slave, "slave", "s", -1, "route to this slave tier instead of masters")
	}
	routeCmd.Flags().BoolVar(&intKey, "int", false, "treat the key as an integer")
	fanoutCmd.Flags().BoolVar(&allTiers, "all-tiers", false, "list masters and every slave tier")
	nextIDCmd.Flags().IntVarP(&batchSize, "count", "n", 1, "number of ids to allocate")

	rootCmd.AddCommand(serveCmd, routeCmd, fanoutCmd, nextIDCmd, publishCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		pinuslog.Zero.Error().Err(err).Msg("")
		os.Exit(1)
	}
}

func main() {
	Execute()
}
