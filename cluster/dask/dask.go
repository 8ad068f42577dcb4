// Package dask implements spec.md §4.7's concrete Dask launchers:
// LocalDaskMasterLauncher and DaskRoundRobinWorkerLauncher. Grounded on
// cluster.MasterLauncher/WorkerLauncher's contract and on
// original_source/src/lazycluster/cluster/dask_cluster.py for the exact
// dask-scheduler/dask-worker command shapes this port targets.
package dask

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/ml-tooling/lazycluster/lzerr"
	"github.com/ml-tooling/lazycluster/runtime"
	"github.com/ml-tooling/lazycluster/runtimegroup"
	"github.com/ml-tooling/lazycluster/task"
)

// DefaultMasterPort is Dask's conventional scheduler port (spec.md §4.7).
const DefaultMasterPort = 8786

// DefaultStartTimeout is how long the master launcher waits for
// dask-scheduler to bind before declaring MasterStartError.
const DefaultStartTimeout = 3 * time.Second

// LocalDaskMasterLauncher runs dask-scheduler on the manager's own
// machine (spec.md §4.7: "Local" — the master is not a group member, it
// runs wherever the CLI process runs) and exposes its port to every group
// runtime.
type LocalDaskMasterLauncher struct {
	// Timeout overrides DefaultStartTimeout when non-zero.
	Timeout time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// Start resolves a port from candidates, spawns a managed dask-scheduler
// child on the local machine, waits Timeout for it to bind, then exposes
// the port to every runtime in group.
func (l *LocalDaskMasterLauncher) Start(ctx context.Context, group *runtimegroup.RuntimeGroup, candidates []int, debug bool) (int, runtime.ProcessKey, error) {
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

	timeout := l.Timeout
	if timeout == 0 {
		timeout = DefaultStartTimeout
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	cmd := exec.CommandContext(runCtx, "dask-scheduler", "--port", fmt.Sprint(port))
	if err := cmd.Start(); err != nil {
		cancel()
		close(l.done)
		return 0, runtime.EmptyKey, lzerr.NewMasterStartError("localhost", port, err)
	}
	go func() {
		defer close(l.done)
		_ = cmd.Wait()
	}()

	time.Sleep(timeout)

	free, err := group.HasFreePort(ctx, port, nil, true)
	if err != nil {
		cancel()
		return 0, runtime.EmptyKey, err
	}
	if free {
		cancel()
		return 0, runtime.EmptyKey, lzerr.NewMasterStartError("localhost", port, fmt.Errorf("dask-scheduler did not bind port %d within %s", port, timeout))
	}

	if _, _, err := group.ExposePortToRuntimes(ctx, port, port, nil, nil); err != nil {
		cancel()
		return 0, runtime.EmptyKey, fmt.Errorf("expose dask scheduler port %d to group: %w", port, err)
	}

	return port, runtime.EmptyKey, nil
}

// Cleanup terminates the local dask-scheduler child, tolerating one that
// already exited.
func (l *LocalDaskMasterLauncher) Cleanup(ctx context.Context, group *runtimegroup.RuntimeGroup) {
	if l.cancel == nil {
		return
	}
	l.cancel()
	if l.done != nil {
		<-l.done
	}
}

// DaskRoundRobinWorkerLauncher places count dask-worker processes across
// group's runtimes round-robin (spec.md §4.7).
type DaskRoundRobinWorkerLauncher struct {
	workerPorts map[string]int
}

// PortsPerHost reports that each worker placement consumes one port.
func (DaskRoundRobinWorkerLauncher) PortsPerHost() int { return 1 }

// Start places count workers, each ensuring dask[complete] is installed
// then launching dask-worker pointed at localhost:masterPort, dispatched
// asynchronously with omitOnJoin=true since the worker is long-lived
// (spec.md §4.7, §5).
func (l *DaskRoundRobinWorkerLauncher) Start(ctx context.Context, group *runtimegroup.RuntimeGroup, count int, masterPort int, ports []int, debug bool) ([]int, map[string]int, error) {
	runtimes := group.Runtimes()
	if len(runtimes) == 0 {
		return ports, nil, fmt.Errorf("cannot start dask workers: group has no runtimes")
	}
	if len(ports) < count {
		return ports, nil, lzerr.NewNoPortsLeft(0, 0)
	}

	l.workerPorts = make(map[string]int, count)
	remaining := append([]int(nil), ports...)

	for i := 0; i < count; i++ {
		rt := runtimes[i%len(runtimes)]
		workerPort := remaining[0]
		remaining = remaining[1:]

		workingDir, err := rt.WorkingDir(ctx)
		if err != nil {
			return ports, nil, err
		}

		t := task.New(fmt.Sprintf("dask-worker-%s", rt.Host())).
			RunCommand("python3 -c 'import dask' 2>/dev/null || python3 -m pip install --quiet --upgrade 'dask[complete]'").
			RunCommand(fmt.Sprintf("dask-worker --worker-port=%d --local-directory=%q localhost:%d", workerPort, workingDir, masterPort))

		if err := rt.ExecuteTask(ctx, t, runtime.ExecuteOptions{Async: true, OmitOnJoin: true, Debug: debug}); err != nil {
			return ports, nil, fmt.Errorf("dispatch dask worker on %s: %w", rt.Host(), err)
		}
		l.workerPorts[rt.Host()] = workerPort
	}

	for host, wp := range l.workerPorts {
		if _, _, err := group.ExposePortFromRuntimeToGroup(ctx, host, wp, wp, remaining); err != nil {
			return remaining, l.workerPorts, fmt.Errorf("expose worker port %d on %s to group: %w", wp, host, err)
		}
	}

	return remaining, l.workerPorts, nil
}

// Cleanup stops every worker's task process. Worker tasks run with
// OmitOnJoin so Join never reaps them; Cleanup is the only path that
// stops them.
func (l *DaskRoundRobinWorkerLauncher) Cleanup(ctx context.Context, group *runtimegroup.RuntimeGroup) {
	for _, rt := range group.Runtimes() {
		for _, p := range rt.GetProcesses(true) {
			if p.Key.IsTaskProcess() {
				_ = rt.StopProcess(p.Key)
			}
		}
	}
}
