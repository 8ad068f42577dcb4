// Package cluster implements spec.md §4.6's MasterWorkerCluster skeleton:
// a strategy-driven, strictly-serialized master-then-workers orchestrator
// built on top of a runtimegroup.RuntimeGroup. There is no teacher
// equivalent (treykane/ssh-manager has no multi-host launcher concept);
// the port-pool ownership and cleanup-registration pattern is grounded on
// the teacher's tunnel.Manager (a single owner holding a mutex-protected
// map of live child processes and a registered cleanup path), generalized
// from "one SSH tunnel" to "one master daemon plus N worker daemons".
package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/ml-tooling/lazycluster/lzerr"
	"github.com/ml-tooling/lazycluster/runtime"
	"github.com/ml-tooling/lazycluster/runtimegroup"
)

// DefaultMasterPort is the first port the cluster tries for its master
// daemon before falling back to the pool (spec.md §4.6).
const DefaultMasterPort = 60000

// DefaultPortPoolStart and DefaultPortPoolEnd bound the pool tried when
// DefaultMasterPort is occupied, or when allocating worker ports
// (spec.md §3).
const (
	DefaultPortPoolStart = 60001
	DefaultPortPoolEnd   = 60200
)

// MasterLauncher starts and tears down a cluster's single master daemon.
// Concrete launchers (cluster/dask.LocalDaskMasterLauncher,
// cluster/hyperopt.LocalMongoLauncher) are the sum-variants spec.md §9
// asks for: an interface plus tagged structs, not an inheritance tree.
type MasterLauncher interface {
	// Start resolves a port from candidatePorts (or an explicit value the
	// launcher already holds), spawns the master daemon, and returns the
	// bound port plus an optional process handle key for later cleanup.
	// It must surface MasterStartError on any startup ambiguity.
	Start(ctx context.Context, group *runtimegroup.RuntimeGroup, candidatePorts []int, debug bool) (port int, key runtime.ProcessKey, err error)
	Cleanup(ctx context.Context, group *runtimegroup.RuntimeGroup)
}

// WorkerLauncher places count workers across a RuntimeGroup's members,
// wiring each to the already-started master.
type WorkerLauncher interface {
	// Start places count workers (0 means "one per runtime"), returns the
	// shrunken remaining port pool, and the per-host worker port map.
	// MasterWorkerCluster keeps only the pool; the launcher exposes the
	// worker ports to the group itself.
	Start(ctx context.Context, group *runtimegroup.RuntimeGroup, count int, masterPort int, remainingPorts []int, debug bool) (shrunkPorts []int, workerPorts map[string]int, err error)
	Cleanup(ctx context.Context, group *runtimegroup.RuntimeGroup)
	// PortsPerHost reports how many ports a single worker placement
	// consumes. MasterWorkerCluster does not call it; it hands the whole
	// remaining pool to Start.
	PortsPerHost() int
}

// MasterWorkerCluster owns a RuntimeGroup, a port pool, and the two
// launcher strategies, per spec.md §4.6.
type MasterWorkerCluster struct {
	mu sync.Mutex

	group  *runtimegroup.RuntimeGroup
	master MasterLauncher
	worker WorkerLauncher

	portPool   []int
	masterPort int
	masterKey  runtime.ProcessKey
	started    bool

	debug bool
}

// New creates a cluster over group with the given launcher strategies and
// port pool (an empty pool defaults to [DefaultPortPoolStart,
// DefaultPortPoolEnd)).
func New(group *runtimegroup.RuntimeGroup, master MasterLauncher, worker WorkerLauncher, portPool []int, debug bool) *MasterWorkerCluster {
	if len(portPool) == 0 {
		portPool = make([]int, 0, DefaultPortPoolEnd-DefaultPortPoolStart)
		for p := DefaultPortPoolStart; p < DefaultPortPoolEnd; p++ {
			portPool = append(portPool, p)
		}
	}
	return &MasterWorkerCluster{
		group:    group,
		master:   master,
		worker:   worker,
		portPool: portPool,
		debug:    debug,
	}
}

// MasterPort returns the port the master bound to. Valid only after
// Start.
func (c *MasterWorkerCluster) MasterPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masterPort
}

// Group returns the cluster's underlying RuntimeGroup.
func (c *MasterWorkerCluster) Group() *runtimegroup.RuntimeGroup {
	return c.group
}

// Start runs startMaster then startWorkers, strictly serialized per
// spec.md §4.6. explicitMasterPort of 0 lets the cluster resolve its own
// port (DefaultMasterPort, then the pool); workerCount of 0 uses the
// group's size.
func (c *MasterWorkerCluster) Start(ctx context.Context, explicitMasterPort, workerCount int) error {
	if err := c.startMaster(ctx, explicitMasterPort); err != nil {
		return err
	}
	return c.startWorkers(ctx, workerCount)
}

func (c *MasterWorkerCluster) startMaster(ctx context.Context, explicitPort int) error {
	var candidates []int
	if explicitPort != 0 {
		candidates = []int{explicitPort}
	} else {
		free, err := c.group.HasFreePort(ctx, DefaultMasterPort, nil, true)
		if err != nil {
			return err
		}
		if free {
			candidates = []int{DefaultMasterPort}
		} else {
			c.mu.Lock()
			candidates = append([]int(nil), c.portPool...)
			c.mu.Unlock()
		}
	}

	port, key, err := c.master.Start(ctx, c.group, candidates, c.debug)
	if err != nil {
		return err
	}
	if port == 0 {
		return lzerr.NewMasterStartError("", 0, fmt.Errorf("launcher did not report a bound port"))
	}

	c.mu.Lock()
	c.masterPort = port
	c.masterKey = key
	c.portPool = removePort(c.portPool, port)
	c.mu.Unlock()
	return nil
}

func (c *MasterWorkerCluster) startWorkers(ctx context.Context, count int) error {
	if count == 0 {
		count = c.group.Len()
	}
	c.mu.Lock()
	masterPort := c.masterPort
	remaining := append([]int(nil), c.portPool...)
	c.mu.Unlock()

	shrunk, _, err := c.worker.Start(ctx, c.group, count, masterPort, remaining, c.debug)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.portPool = shrunk
	c.started = true
	c.mu.Unlock()
	return nil
}

// Cleanup tears the cluster down in spec.md §4.6's order: worker
// launcher, then master launcher, then the underlying group. Safe to
// call on a cluster that never started (callers typically register it
// with their process's exit handling so it always runs).
func (c *MasterWorkerCluster) Cleanup(ctx context.Context) {
	c.worker.Cleanup(ctx, c.group)
	c.master.Cleanup(ctx, c.group)
	c.group.Cleanup(ctx)
}

func removePort(pool []int, used int) []int {
	out := make([]int, 0, len(pool))
	for _, p := range pool {
		if p != used {
			out = append(out, p)
		}
	}
	return out
}
