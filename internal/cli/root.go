// Package cli provides the command-line interface for lazycluster, built
// with Cobra. Adapted from the teacher's internal/cli/root.go (persistent
// per-subcommand construction, RunE error propagation, Cobra flag-var
// style) and retargeted from SSH tunnel management to runtime/cluster
// orchestration.
//
// Command tree:
//
//	lazycluster add-runtime <name> <connection_uri>  → persist an SSH config entry
//	lazycluster delete-runtime <name>                → remove entry + remote cleanup
//	lazycluster list-runtimes                        → discover and print runtimes
//	lazycluster start-dask                           → discover, launch a Dask cluster, block
//	lazycluster start-hyperopt                       → discover, launch a Hyperopt cluster, block
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ml-tooling/lazycluster/cluster"
	"github.com/ml-tooling/lazycluster/cluster/dask"
	"github.com/ml-tooling/lazycluster/cluster/hyperopt"
	"github.com/ml-tooling/lazycluster/internal/appconfig"
	"github.com/ml-tooling/lazycluster/internal/lzlog"
	"github.com/ml-tooling/lazycluster/internal/statusview"
	"github.com/ml-tooling/lazycluster/lzerr"
	"github.com/ml-tooling/lazycluster/runtimemgr"
	"github.com/spf13/cobra"
)

// Version can be set at link time with -ldflags; otherwise it is "dev".
var Version = "dev"

// NewRootCommand creates the top-level Cobra command for lazycluster.
//
// Unlike the teacher's root command, there is no default TUI launch: every
// operation here is either a scriptable one-shot command or an explicit
// --watch dashboard, matching the CLI-first surface of the orchestration
// tool.
func NewRootCommand() *cobra.Command {
	var debug bool

	root := &cobra.Command{
		Use:           "lazycluster",
		Short:         "Orchestrate ad-hoc SSH-reachable machines into Dask/Hyperopt clusters",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	newManager := func() *runtimemgr.Manager {
		log := lzlog.New(os.Stderr, false, debug)
		runnerBin := os.Getenv("LAZYCLUSTER_RUNNER_BIN")
		return runtimemgr.New(runtimemgr.Options{Logger: log, RunnerBin: runnerBin})
	}

	root.AddCommand(newAddRuntimeCmd(newManager))
	root.AddCommand(newDeleteRuntimeCmd(newManager))
	root.AddCommand(newListRuntimesCmd(newManager))
	root.AddCommand(newStartDaskCmd(newManager))
	root.AddCommand(newStartHyperoptCmd(newManager))
	return root
}

// newAddRuntimeCmd creates the "add-runtime" subcommand, which persists a
// new SSH config entry rather than connecting immediately — validation
// happens lazily the next time a runtime group is built.
func newAddRuntimeCmd(newManager func() *runtimemgr.Manager) *cobra.Command {
	var idFile string
	var optionsArg string

	cmd := &cobra.Command{
		Use:   "add-runtime <name> <connection_uri>",
		Short: "Persist an SSH config entry for a new runtime",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := newManager()
			opts := parseOptions(optionsArg)
			if err := m.AddRuntime(args[0], args[1], idFile, opts); err != nil {
				return exitErr(err)
			}
			fmt.Printf("added runtime %q\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&idFile, "id_file", "", "path to the SSH identity file for this runtime")
	cmd.Flags().StringVar(&optionsArg, "options", "", "comma-separated Key=Value overrides (Port, User, ProxyJump)")
	return cmd
}

// newDeleteRuntimeCmd creates the "delete-runtime" subcommand: removal of
// the SSH config entry (see Manager.DeleteRuntime; no remote directory is
// deleted).
func newDeleteRuntimeCmd(newManager func() *runtimemgr.Manager) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-runtime <name>",
		Short: "Delete a runtime's SSH config entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := newManager()
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := m.DeleteRuntime(ctx, args[0]); err != nil {
				return exitErr(err)
			}
			fmt.Printf("deleted runtime %q\n", args[0])
			return nil
		},
	}
	return cmd
}

// newListRuntimesCmd creates the "list-runtimes" subcommand. With neither
// --long nor --watch it just prints aliases (cheap, no validation SSH
// round-trips); --long validates every candidate and prints a snapshot
// table; --watch hands off to the live dashboard.
func newListRuntimesCmd(newManager func() *runtimemgr.Manager) *cobra.Command {
	var long bool
	var watch bool
	cmd := &cobra.Command{
		Use:   "list-runtimes",
		Short: "Discover runtimes and print either aliases or full host info",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := newManager()
			ctx := cmd.Context()
			hosts, err := m.ListRuntimes(ctx)
			if err != nil {
				return exitErr(err)
			}

			if !long && !watch {
				for _, h := range hosts {
					fmt.Println(h.Alias)
				}
				return nil
			}

			group, err := m.BuildGroup(ctx, runtimemgr.BuildOptions{})
			if err != nil {
				return exitErr(err)
			}
			defer group.Cleanup(ctx)
			group.FillRuntimeInfoBuffersAsync(ctx, "")

			if watch {
				return statusview.Run(group, "lazycluster runtimes", 0)
			}
			fmt.Println(statusview.Snapshot(group))
			return nil
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "validate runtimes and print full host info")
	cmd.Flags().BoolVar(&watch, "watch", false, "live-refresh the host info table (implies --long)")
	return cmd
}

// newStartDaskCmd creates the "start-dask" subcommand: discover and
// validate every runtime, launch a local scheduler and workers placed
// round-robin across runtimes (one per runtime unless --workers sets the
// count), then block until interrupted.
func newStartDaskCmd(newManager func() *runtimemgr.Manager) *cobra.Command {
	var workers int
	var masterPort int
	var minRuntimes int
	var watch bool

	cmd := &cobra.Command{
		Use:   "start-dask",
		Short: "Discover all valid runtimes, start a Dask cluster, and block",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := newManager()
			ctx := cmd.Context()

			group, err := m.BuildGroup(ctx, runtimemgr.BuildOptions{MinRuntimes: minRuntimes})
			if err != nil {
				return exitErr(err)
			}

			cfg, err := appconfig.Load()
			if err != nil {
				cfg = appconfig.Default()
			}
			if masterPort == 0 {
				masterPort = cfg.Cluster.DaskMasterPort
			}

			debug, _ := cmd.Flags().GetBool("debug")
			c := cluster.New(group, &dask.LocalDaskMasterLauncher{}, &dask.DaskRoundRobinWorkerLauncher{}, portPool(cfg), debug)
			defer c.Cleanup(ctx)
			if err := c.Start(ctx, masterPort, workers); err != nil {
				return exitErr(err)
			}
			fmt.Printf("dask scheduler listening on localhost:%d (%d runtimes)\n", c.MasterPort(), group.Len())

			if watch {
				return statusview.Run(group, "lazycluster dask cluster", 0)
			}
			fmt.Println("press Ctrl+C to stop the cluster")
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "worker count, defaults to one per runtime")
	cmd.Flags().IntVar(&masterPort, "master-port", 0, "explicit scheduler port, defaults to the configured Dask port")
	cmd.Flags().IntVar(&minRuntimes, "min-runtimes", 0, "fail if fewer than this many runtimes validate")
	cmd.Flags().BoolVar(&watch, "watch", false, "show a live status dashboard instead of blocking silently")
	return cmd
}

// newStartHyperoptCmd creates the "start-hyperopt" subcommand, mirroring
// start-dask but launching a local mongod plus hyperopt-mongo-worker tasks.
func newStartHyperoptCmd(newManager func() *runtimemgr.Manager) *cobra.Command {
	var workers int
	var masterPort int
	var minRuntimes int
	var dbPath string
	var watch bool

	cmd := &cobra.Command{
		Use:   "start-hyperopt",
		Short: "Discover all valid runtimes, start a Hyperopt cluster, and block",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := newManager()
			ctx := cmd.Context()

			group, err := m.BuildGroup(ctx, runtimemgr.BuildOptions{MinRuntimes: minRuntimes})
			if err != nil {
				return exitErr(err)
			}

			cfg, err := appconfig.Load()
			if err != nil {
				cfg = appconfig.Default()
			}
			if masterPort == 0 {
				masterPort = cfg.Cluster.HyperoptMasterPort
			}
			if dbPath == "" {
				os.Setenv("LAZYCLUSTER_MAIN_DIR", cfg.MainDir)
			}

			debug, _ := cmd.Flags().GetBool("debug")
			c := cluster.New(group, &hyperopt.LocalMongoLauncher{DBPath: dbPath}, &hyperopt.HyperoptRoundRobinWorkerLauncher{}, portPool(cfg), debug)
			defer c.Cleanup(ctx)
			if err := c.Start(ctx, masterPort, workers); err != nil {
				return exitErr(err)
			}
			fmt.Printf("hyperopt mongod listening on localhost:%d (%d runtimes)\n", c.MasterPort(), group.Len())

			if watch {
				return statusview.Run(group, "lazycluster hyperopt cluster", 0)
			}
			fmt.Println("press Ctrl+C to stop the cluster")
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "worker count, defaults to one per runtime")
	cmd.Flags().IntVar(&masterPort, "master-port", 0, "explicit mongod port, defaults to the configured Hyperopt port")
	cmd.Flags().IntVar(&minRuntimes, "min-runtimes", 0, "fail if fewer than this many runtimes validate")
	cmd.Flags().StringVar(&dbPath, "dbpath", "", "mongod dbpath, defaults to <main_dir>/mongodb")
	cmd.Flags().BoolVar(&watch, "watch", false, "show a live status dashboard instead of blocking silently")
	return cmd
}

func portPool(cfg appconfig.Config) []int {
	pool := make([]int, 0, cfg.Cluster.MasterPortPoolEnd-cfg.Cluster.MasterPortPoolStart)
	for p := cfg.Cluster.MasterPortPoolStart; p < cfg.Cluster.MasterPortPoolEnd; p++ {
		pool = append(pool, p)
	}
	return pool
}

func parseOptions(s string) map[string]string {
	out := map[string]string{}
	if strings.TrimSpace(s) == "" {
		return out
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}

// exitErr wraps err with its lzerr.Kind so main can report a stable
// machine-readable prefix alongside the human message.
func exitErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %w", lzerr.KindOf(err), err)
}
