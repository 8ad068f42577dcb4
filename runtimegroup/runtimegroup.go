// Package runtimegroup implements spec.md §4.5: an ordered collection of
// runtime.Runtime with group-wide port discovery/exposure, broadcast
// dispatch, least-busy single-runtime dispatch, and deep-copy-on-broadcast
// of tasks. Grounded entirely on
// original_source/src/lazycluster/runtime_mgmt.py's RuntimeGroup (the
// teacher has no multi-host coordination concept); the mutex-protected
// membership map follows the same registry style as runtime's process map,
// itself grounded on the teacher's tunnel.Manager.
package runtimegroup

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/ml-tooling/lazycluster/hostinfo"
	"github.com/ml-tooling/lazycluster/runtime"
	"github.com/ml-tooling/lazycluster/task"
	"github.com/rs/zerolog"
)

const (
	internalPortRangeStart = 5800
	internalPortRangeEnd   = 5999
)

// RuntimeGroup owns an insertion-ordered set of runtimes plus the
// bookkeeping spec.md §3 describes: the tasks it has dispatched (for
// FunctionReturns aggregation), the port-exposure keys it has created, and
// a sliding internal port range for manager-mediated cross-host tunnels.
type RuntimeGroup struct {
	mu    sync.Mutex
	order []string
	byHost map[string]*runtime.Runtime

	tasks []*task.Task

	exposureKeys []runtime.ProcessKey

	internalRangeNext int
	internalRangeEnd  int

	log zerolog.Logger
}

// New creates an empty group.
func New(log zerolog.Logger) *RuntimeGroup {
	return &RuntimeGroup{
		byHost:            map[string]*runtime.Runtime{},
		internalRangeNext: internalPortRangeStart,
		internalRangeEnd:  internalPortRangeEnd,
		log:               log,
	}
}

// AddRuntime adds rt, keyed by its host. Duplicates are rejected (spec.md
// §3 invariant).
func (g *RuntimeGroup) AddRuntime(rt *runtime.Runtime) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.byHost[rt.Host()]; exists {
		return fmt.Errorf("runtime %s is already a member of this group", rt.Host())
	}
	g.byHost[rt.Host()] = rt
	g.order = append(g.order, rt.Host())
	return nil
}

// RemoveRuntime removes the runtime for host, if present. Removing an
// absent host is a warning, not an error, per spec.md §3.
func (g *RuntimeGroup) RemoveRuntime(host string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.byHost[host]; !ok {
		g.log.Warn().Str("host", host).Msg("removeRuntime called for a host not in the group")
		return
	}
	delete(g.byHost, host)
	for i, h := range g.order {
		if h == host {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// GetRuntimes returns the group's runtimes, optionally restricted to
// include or narrowed by exclude. The two are mutually exclusive; an
// unknown host named in include is an error.
func (g *RuntimeGroup) GetRuntimes(include, exclude []string) (map[string]*runtime.Runtime, error) {
	if len(include) > 0 && len(exclude) > 0 {
		return nil, fmt.Errorf("include and exclude are mutually exclusive")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(include) == 0 && len(exclude) == 0 {
		out := make(map[string]*runtime.Runtime, len(g.byHost))
		for h, rt := range g.byHost {
			out[h] = rt
		}
		return out, nil
	}
	if len(include) > 0 {
		out := make(map[string]*runtime.Runtime, len(include))
		for _, h := range include {
			rt, ok := g.byHost[h]
			if !ok {
				return nil, fmt.Errorf("host %q is not a member of this group", h)
			}
			out[h] = rt
		}
		return out, nil
	}
	excluded := toSet(exclude)
	out := make(map[string]*runtime.Runtime)
	for h, rt := range g.byHost {
		if !excluded[h] {
			out[h] = rt
		}
	}
	return out, nil
}

// orderedHosts returns the group's hosts in insertion order, for
// deterministic broadcast/round-robin semantics.
func (g *RuntimeGroup) orderedHosts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

// Runtimes returns every member runtime in insertion order.
func (g *RuntimeGroup) Runtimes() []*runtime.Runtime {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*runtime.Runtime, 0, len(g.order))
	for _, h := range g.order {
		out = append(out, g.byHost[h])
	}
	return out
}

// Len reports the number of member runtimes.
func (g *RuntimeGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.order)
}

func (g *RuntimeGroup) trackTask(t *task.Task) {
	g.mu.Lock()
	g.tasks = append(g.tasks, t)
	g.mu.Unlock()
}

func toSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

// FillRuntimeInfoBuffersAsync probes every member host in parallel and
// caches the result on each Runtime, per spec.md §4.2/§4.5.
func (g *RuntimeGroup) FillRuntimeInfoBuffersAsync(ctx context.Context, workspaceVersion string) map[string]error {
	targets := make([]hostinfo.Target, 0)
	for _, rt := range g.Runtimes() {
		targets = append(targets, rt)
	}
	return hostinfo.FillBuffersAsync(ctx, targets, workspaceVersion)
}

// Cleanup cleans up every contained runtime.
func (g *RuntimeGroup) Cleanup(ctx context.Context) {
	for _, rt := range g.Runtimes() {
		rt.Cleanup(ctx)
	}
}

// localHasFreePort probes whether port is free on the manager's own
// loopback interface, used by HasFreePort's "AND localhost" clause and by
// ExposePortFromRuntimeToGroup's manager-local intermediate port search.
func localHasFreePort(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
