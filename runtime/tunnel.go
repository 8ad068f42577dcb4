package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ml-tooling/lazycluster/lzerr"
	"github.com/ml-tooling/lazycluster/portprobe"
)

// Localhost is the sentinel host value meaning "the manager itself", used
// to detect self-forward no-ops per spec.md §8 property 8.
const Localhost = "localhost"

// ExposeRuntimePortToLocal opens an SSH local-forward so that
// localhost:localPort on the manager reaches host:runtimePort (spec.md
// §4.4, "expose from runtime"). A self-forward (r.host == Localhost and
// runtimePort == localPort) is a no-op returning EmptyKey.
func (r *Runtime) ExposeRuntimePortToLocal(ctx context.Context, runtimePort int, localPort int) (ProcessKey, error) {
	if localPort == 0 {
		localPort = runtimePort
	}
	if r.host == Localhost && runtimePort == localPort {
		return EmptyKey, nil
	}

	key := MakeTunnelKey(r.host, KindLocalForward, runtimePort, localPort)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	proc := r.registerProcess(key, cancel, done)

	conn, err := r.Connect(runCtx)
	if err != nil {
		cancel()
		close(done)
		return EmptyKey, err
	}

	started := make(chan error, 1)
	go func() {
		defer close(done)
		defer conn.Close()
		err := conn.ForwardLocal(runCtx, localPort, "localhost", runtimePort)
		select {
		case started <- err:
		default:
		}
		proc.err = err
	}()

	// Give the SSH server's MaxStartup throttle breathing room before the
	// caller starts dialing the forwarded port, per spec.md §4.4.
	select {
	case err := <-started:
		if err != nil {
			return EmptyKey, err
		}
	case <-time.After(150 * time.Millisecond):
	}
	return key, nil
}

// ExposeLocalPortToRuntime opens an SSH remote-forward so that
// host:runtimePort reaches localhost:localPort on the manager (spec.md
// §4.4, "expose to runtime"). Fails with PortInUse if runtimePort is not
// free on the destination.
func (r *Runtime) ExposeLocalPortToRuntime(ctx context.Context, localPort int, runtimePort int) (ProcessKey, error) {
	if runtimePort == 0 {
		runtimePort = localPort
	}
	if r.host == Localhost && runtimePort == localPort {
		return EmptyKey, nil
	}

	conn, err := r.Connect(ctx)
	if err != nil {
		return EmptyKey, err
	}
	free, err := portprobe.HasFreePort(ctx, conn, runtimePort)
	conn.Close()
	if err != nil {
		return EmptyKey, err
	}
	if !free {
		return EmptyKey, lzerr.NewPortInUse(runtimePort, r.host, false)
	}

	key := MakeTunnelKey(r.host, KindRemoteForward, runtimePort, localPort)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	proc := r.registerProcess(key, cancel, done)

	runConn, err := r.Connect(runCtx)
	if err != nil {
		cancel()
		close(done)
		return EmptyKey, err
	}

	go func() {
		defer close(done)
		defer runConn.Close()
		proc.err = runConn.ForwardRemote(runCtx, runtimePort, "localhost", localPort)
	}()

	time.Sleep(150 * time.Millisecond)
	return key, nil
}

// HasFreePort reports whether port is free on this runtime.
func (r *Runtime) HasFreePort(ctx context.Context, port int) (bool, error) {
	conn, err := r.Connect(ctx)
	if err != nil {
		return false, fmt.Errorf("check port %d on %s: %w", port, r.host, err)
	}
	defer conn.Close()
	return portprobe.HasFreePort(ctx, conn, port)
}
