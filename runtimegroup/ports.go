package runtimegroup

import (
	"context"
	"fmt"

	"github.com/ml-tooling/lazycluster/lzerr"
	"github.com/ml-tooling/lazycluster/runtime"
)

// HasFreePort reports whether port is free on every non-excluded member
// runtime. When enforceLocalhost is set it also requires the port be free
// on the manager's own loopback (spec.md §4.1/§12).
func (g *RuntimeGroup) HasFreePort(ctx context.Context, port int, excludeHosts []string, enforceLocalhost bool) (bool, error) {
	if enforceLocalhost && !localHasFreePort(port) {
		return false, nil
	}
	runtimes, err := g.GetRuntimes(nil, excludeHosts)
	if err != nil {
		return false, err
	}
	for _, rt := range runtimes {
		free, err := rt.HasFreePort(ctx, port)
		if err != nil {
			return false, err
		}
		if !free {
			return false, nil
		}
	}
	return true, nil
}

// GetFreePort scans ports left-to-right and returns the first that passes
// HasFreePort across every non-excluded runtime.
func (g *RuntimeGroup) GetFreePort(ctx context.Context, ports []int, excludeHosts []string, enforceLocalhost bool) (int, error) {
	for _, p := range ports {
		free, err := g.HasFreePort(ctx, p, excludeHosts, enforceLocalhost)
		if err != nil {
			return 0, err
		}
		if free {
			return p, nil
		}
	}
	if len(ports) == 0 {
		return 0, lzerr.NewNoPortsLeft(0, 0)
	}
	return 0, lzerr.NewNoPortsLeft(ports[0], ports[len(ports)-1])
}

// ExposePortToRuntimes resolves a single runtimePort (explicit value,
// localPort if zero, or the first free candidate from ports) and tunnels
// localhost:localPort on the manager to every non-excluded runtime's
// runtimePort (spec.md §4.5).
func (g *RuntimeGroup) ExposePortToRuntimes(ctx context.Context, localPort int, runtimePort int, ports []int, excludeHosts []string) (int, []runtime.ProcessKey, error) {
	resolved := runtimePort
	if resolved == 0 {
		resolved = localPort
	}
	if resolved == 0 && len(ports) > 0 {
		p, err := g.GetFreePort(ctx, ports, excludeHosts, true)
		if err != nil {
			return 0, nil, err
		}
		resolved = p
	}
	if resolved == 0 {
		return 0, nil, fmt.Errorf("exposePortToRuntimes: no port specified and no candidate list given")
	}

	free, err := g.HasFreePort(ctx, resolved, excludeHosts, true)
	if err != nil {
		return 0, nil, err
	}
	if !free {
		return 0, nil, lzerr.NewPortInUse(resolved, "", true)
	}

	runtimes, err := g.GetRuntimes(nil, excludeHosts)
	if err != nil {
		return 0, nil, err
	}
	var keys []runtime.ProcessKey
	for _, h := range g.orderedHosts() {
		rt, ok := runtimes[h]
		if !ok {
			continue
		}
		key, err := rt.ExposeLocalPortToRuntime(ctx, localPort, resolved)
		if err != nil {
			return 0, keys, fmt.Errorf("expose port %d to %s: %w", resolved, h, err)
		}
		if key != runtime.EmptyKey {
			keys = append(keys, key)
		}
	}
	g.mu.Lock()
	g.exposureKeys = append(g.exposureKeys, keys...)
	g.mu.Unlock()
	return resolved, keys, nil
}

// ExposePortFromRuntimeToGroup resolves a groupPort free on every runtime
// except sourceHost, picks a manager-local intermediate port from the
// sliding internal range, and wires the tunnels so that
// localhost:groupPort on every other runtime resolves back through the
// manager to sourceHost:runtimePort (spec.md §4.5).
func (g *RuntimeGroup) ExposePortFromRuntimeToGroup(ctx context.Context, sourceHost string, runtimePort int, groupPort int, groupPorts []int) (int, []runtime.ProcessKey, error) {
	resolvedGroupPort := groupPort
	if resolvedGroupPort == 0 {
		p, err := g.GetFreePort(ctx, append([]int{}, groupPorts...), []string{sourceHost}, false)
		if err != nil {
			return 0, nil, err
		}
		resolvedGroupPort = p
	} else {
		free, err := g.HasFreePort(ctx, resolvedGroupPort, []string{sourceHost}, false)
		if err != nil {
			return 0, nil, err
		}
		if !free {
			return 0, nil, lzerr.NewPortInUse(resolvedGroupPort, "", true)
		}
	}

	intermediate, err := g.pickIntermediatePort(resolvedGroupPort)
	if err != nil {
		return 0, nil, err
	}

	runtimes, err := g.GetRuntimes(nil, nil)
	if err != nil {
		return 0, nil, err
	}
	source, ok := runtimes[sourceHost]
	if !ok {
		return 0, nil, fmt.Errorf("exposePortFromRuntimeToGroup: %q is not a member of this group", sourceHost)
	}

	var keys []runtime.ProcessKey
	srcKey, err := source.ExposeRuntimePortToLocal(ctx, runtimePort, intermediate)
	if err != nil {
		return 0, nil, fmt.Errorf("forward %s:%d to manager intermediate port %d: %w", sourceHost, runtimePort, intermediate, err)
	}
	if srcKey != runtime.EmptyKey {
		keys = append(keys, srcKey)
	}

	for _, h := range g.orderedHosts() {
		if h == sourceHost {
			continue
		}
		rt := runtimes[h]
		key, err := rt.ExposeLocalPortToRuntime(ctx, intermediate, resolvedGroupPort)
		if err != nil {
			return 0, keys, fmt.Errorf("forward manager intermediate port %d to %s:%d: %w", intermediate, h, resolvedGroupPort, err)
		}
		if key != runtime.EmptyKey {
			keys = append(keys, key)
		}
	}

	g.mu.Lock()
	g.exposureKeys = append(g.exposureKeys, keys...)
	g.mu.Unlock()
	return resolvedGroupPort, keys, nil
}

// pickIntermediatePort prefers groupPort itself if free on the manager,
// else advances the group's sliding internal range (spec.md §4.5, §9
// "the source's exposePortFromRuntimeToGroup continues to use
// _internal_port_range... advanced past each used port"). Once the
// advance passes the range ceiling, further calls surface NoPortsLeft
// rather than silently stalling (DESIGN.md Open Question #2).
func (g *RuntimeGroup) pickIntermediatePort(groupPort int) (int, error) {
	if localHasFreePort(groupPort) {
		return groupPort, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.internalRangeNext < g.internalRangeEnd {
		p := g.internalRangeNext
		g.internalRangeNext++
		if localHasFreePort(p) {
			return p, nil
		}
	}
	return 0, lzerr.NewNoPortsLeft(internalPortRangeStart, g.internalRangeEnd)
}

// ExposurePortKeys returns every port-exposure process key this group has
// created, in creation order.
func (g *RuntimeGroup) ExposurePortKeys() []runtime.ProcessKey {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]runtime.ProcessKey(nil), g.exposureKeys...)
}
