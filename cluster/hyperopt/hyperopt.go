// Package hyperopt implements spec.md §4.7's concrete Hyperopt launchers:
// LocalMongoLauncher and HyperoptRoundRobinWorkerLauncher. Grounded on
// cluster.MasterLauncher/WorkerLauncher's contract and on
// original_source/src/lazycluster/cluster/hyperopt_cluster.py for the
// exact mongod/hyperopt-mongo-worker command shapes.
package hyperopt

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ml-tooling/lazycluster/lzerr"
	"github.com/ml-tooling/lazycluster/runtime"
	"github.com/ml-tooling/lazycluster/runtimegroup"
	"github.com/ml-tooling/lazycluster/task"
)

// DefaultMasterPort is Hyperopt's conventional mongod port (spec.md §4.7).
const DefaultMasterPort = 27017

// DefaultDBName is the default hyperopt job database name.
const DefaultDBName = "hyperopt"

// LocalMongoLauncher runs mongod locally as the Hyperopt trials database,
// forked into the background with its own log file, and wires
// MONGO_CONNECTION_URL into the group's environment (spec.md §4.7).
type LocalMongoLauncher struct {
	// DBPath is the mongod data directory. If empty, defaults to
	// "<mainDir>/mongodb" (DESIGN.md Open Question: the original always
	// required an explicit dbpath; this port fixes that by deriving one).
	DBPath string
	// DBName names the hyperopt job database exposed via
	// MONGO_CONNECTION_URL. Defaults to DefaultDBName.
	DBName string

	port int
}

func (l *LocalMongoLauncher) resolveDBPath() (string, error) {
	if l.DBPath != "" {
		return l.DBPath, nil
	}
	mainDir := os.Getenv("LAZYCLUSTER_MAIN_DIR")
	if mainDir == "" {
		mainDir = "lazycluster"
	}
	abs, err := filepath.Abs(mainDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(abs, "mongodb"), nil
}

// Start resolves a port, creates the dbpath if needed, forks mongod, and
// exposes the port to every runtime plus MONGO_CONNECTION_URL to the
// group's environment.
func (l *LocalMongoLauncher) Start(ctx context.Context, group *runtimegroup.RuntimeGroup, candidates []int, debug bool) (int, runtime.ProcessKey, error) {
	var port int
	for _, p := range candidates {
		free, err := group.HasFreePort(ctx, p, nil, true)
		if err != nil {
			return 0, runtime.EmptyKey, err
		}
		if free {
			port = p
			break
		}
	}
	if port == 0 {
		return 0, runtime.EmptyKey, lzerr.NewNoPortsLeft(candidates[0], candidates[len(candidates)-1])
	}

	dbPath, err := l.resolveDBPath()
	if err != nil {
		return 0, runtime.EmptyKey, err
	}
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return 0, runtime.EmptyKey, lzerr.NewPathCreationError(dbPath, "localhost", err)
	}

	logPath := filepath.Join(dbPath, "hyperopt_mongo.log")
	cmd := exec.CommandContext(ctx, "mongod", "--fork",
		"--logpath", logPath,
		"--dbpath", dbPath,
		"--port", fmt.Sprint(port))
	if err := cmd.Run(); err != nil {
		return 0, runtime.EmptyKey, lzerr.NewMasterStartError("localhost", port, err)
	}

	time.Sleep(1 * time.Second)
	free, err := group.HasFreePort(ctx, port, nil, true)
	if err != nil {
		return 0, runtime.EmptyKey, err
	}
	if free {
		return 0, runtime.EmptyKey, lzerr.NewMasterStartError("localhost", port, fmt.Errorf("mongod did not bind port %d", port))
	}

	if _, _, err := group.ExposePortToRuntimes(ctx, port, port, nil, nil); err != nil {
		return 0, runtime.EmptyKey, fmt.Errorf("expose hyperopt mongo port %d to group: %w", port, err)
	}

	dbName := l.DBName
	if dbName == "" {
		dbName = DefaultDBName
	}
	connURL := fmt.Sprintf("mongo://localhost:%d/%s/jobs", port, dbName)
	for _, rt := range group.Runtimes() {
		rt.SetEnv("MONGO_CONNECTION_URL", connURL)
	}

	l.port = port
	l.DBPath = dbPath
	return port, runtime.EmptyKey, nil
}

// Cleanup runs `mongod --shutdown --dbpath=<dbpath>` against the local
// mongod instance this launcher started.
func (l *LocalMongoLauncher) Cleanup(ctx context.Context, group *runtimegroup.RuntimeGroup) {
	if l.DBPath == "" {
		return
	}
	cmd := exec.CommandContext(ctx, "mongod", "--shutdown", "--dbpath", l.DBPath)
	_ = cmd.Run()
}

// HyperoptRoundRobinWorkerLauncher places count hyperopt-mongo-worker
// processes across group's runtimes round-robin (spec.md §4.7).
type HyperoptRoundRobinWorkerLauncher struct {
	// DBName must match the LocalMongoLauncher's DBName.
	DBName string
	// PollInterval is passed as hyperopt-mongo-worker's --poll-interval.
	PollInterval time.Duration
}

// PortsPerHost reports that hyperopt workers consume no dedicated port:
// they connect outward to the mongod master rather than listening.
func (HyperoptRoundRobinWorkerLauncher) PortsPerHost() int { return 0 }

// Start places count hyperopt-mongo-worker processes, dispatched
// asynchronously with omitOnJoin=true since each worker polls
// indefinitely.
func (l *HyperoptRoundRobinWorkerLauncher) Start(ctx context.Context, group *runtimegroup.RuntimeGroup, count int, masterPort int, ports []int, debug bool) ([]int, map[string]int, error) {
	runtimes := group.Runtimes()
	if len(runtimes) == 0 {
		return ports, nil, fmt.Errorf("cannot start hyperopt workers: group has no runtimes")
	}

	dbName := l.DBName
	if dbName == "" {
		dbName = DefaultDBName
	}
	pollInterval := l.PollInterval
	if pollInterval == 0 {
		pollInterval = 1 * time.Second
	}

	for i := 0; i < count; i++ {
		rt := runtimes[i%len(runtimes)]
		t := task.New(fmt.Sprintf("hyperopt-worker-%s", rt.Host())).
			RunCommand("python3 -m pip install --quiet --upgrade hyperopt").
			RunCommand(fmt.Sprintf("hyperopt-mongo-worker --mongo=localhost:%d/%s --poll-interval=%.1f", masterPort, dbName, pollInterval.Seconds()))

		if err := rt.ExecuteTask(ctx, t, runtime.ExecuteOptions{Async: true, OmitOnJoin: true, Debug: debug}); err != nil {
			return ports, nil, fmt.Errorf("dispatch hyperopt worker on %s: %w", rt.Host(), err)
		}
	}

	return ports, nil, nil
}

// Cleanup stops every worker's task process.
func (l *HyperoptRoundRobinWorkerLauncher) Cleanup(ctx context.Context, group *runtimegroup.RuntimeGroup) {
	for _, rt := range group.Runtimes() {
		for _, p := range rt.GetProcesses(true) {
			if p.Key.IsTaskProcess() {
				_ = rt.StopProcess(p.Key)
			}
		}
	}
}
