// Package portprobe implements the single-host "is this TCP port free"
// check described in spec.md §4.1. It runs a tiny inline shell program on
// the target over a sshconn.Connection rather than opening a socket from
// the manager, so the answer reflects the remote host's own loopback
// namespace.
//
// This package has no ecosystem library behind it: the probe is one
// Connection.Run call plus a check of its stdout, there is no port-probing
// library anywhere in the retrieval pack, and introducing one here would
// just wrap a single socket syscall.
package portprobe

import (
	"context"
	"fmt"

	"github.com/ml-tooling/lazycluster/lzerr"
	"github.com/ml-tooling/lazycluster/sshconn"
)

// probeCommand connects to localhost:port on the remote host. A successful
// connect means the port is occupied; connection-refused means free. We
// use /dev/tcp (bash), with no timeout of its own, and nothing fancier
// since every target already passed the python3 >= 3.6 validation in
// runtime construction and virtually every such host also has bash.
func probeCommand(port int) string {
	return fmt.Sprintf(
		`bash -c 'exec 3<>/dev/tcp/127.0.0.1/%d' 2>/dev/null && echo OCCUPIED || echo FREE`,
		port,
	)
}

// HasFreePort reports whether port is free on the host reachable through
// conn. "Free" means the probe's connect attempt failed; this intentionally
// races with anything that might bind the port a moment later (spec.md
// §4.1: "races with subsequent binders are accepted").
func HasFreePort(ctx context.Context, conn sshconn.Connection, port int) (bool, error) {
	res, err := conn.Run(ctx, probeCommand(port), nil, false)
	if err != nil && res.Stdout == "" {
		return false, fmt.Errorf("probe port %d on %s: %w", port, conn.Host(), err)
	}
	return containsFree(res.Stdout), nil
}

func containsFree(stdout string) bool {
	for i := 0; i+len("FREE") <= len(stdout); i++ {
		if stdout[i:i+len("FREE")] == "FREE" {
			return true
		}
	}
	return false
}

// GetFreePort scans ports left-to-right, returning the first that is free
// per HasFreePort (and, when GroupCheck is supplied, also passes it — the
// group-wide AND described in spec.md §4.1). Mirrors
// original_source/runtime_mgmt.py's bounded advance: once the list is
// exhausted without a hit, the caller gets NoPortsLeft rather than looping
// forever.
type GroupCheck func(ctx context.Context, port int) (bool, error)

func GetFreePort(ctx context.Context, conn sshconn.Connection, ports []int, group GroupCheck) (int, []int, error) {
	for i, p := range ports {
		free, err := HasFreePort(ctx, conn, p)
		if err != nil {
			return 0, nil, err
		}
		if free && group != nil {
			free, err = group(ctx, p)
			if err != nil {
				return 0, nil, err
			}
		}
		if free {
			return p, RemainingPorts(ports, p), nil
		}
		_ = i
	}
	if len(ports) == 0 {
		return 0, nil, lzerr.NewNoPortsLeft(0, 0)
	}
	return 0, nil, lzerr.NewNoPortsLeft(ports[0], ports[len(ports)-1])
}

// RemainingPorts returns the ports in list that come strictly after p,
// dropping p itself and everything before it (spec.md §8 property 3).
func RemainingPorts(list []int, p int) []int {
	for i, v := range list {
		if v == p {
			rest := make([]int, len(list)-i-1)
			copy(rest, list[i+1:])
			return rest
		}
	}
	return nil
}
