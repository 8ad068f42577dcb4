package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/ml-tooling/lazycluster/lzerr"
	"github.com/ml-tooling/lazycluster/sshconn"
)

func TestExposeRuntimePortToLocalSelfForwardIsNoop(t *testing.T) {
	conn := &fakeConn{host: Localhost}
	rt := newTestRuntime(t, conn)

	key, err := rt.ExposeRuntimePortToLocal(context.Background(), 8080, 8080)
	if err != nil {
		t.Fatal(err)
	}
	if key != EmptyKey {
		t.Fatalf("expected a self-forward to be a no-op, got key %q", key)
	}
}

func TestExposeRuntimePortToLocalRegistersATunnelProcess(t *testing.T) {
	conn := &fakeConn{host: "h1", forwardLocal: func(ctx context.Context, localPort int, remoteHost string, remotePort int) error {
		<-ctx.Done()
		return nil
	}}
	rt := newTestRuntime(t, conn)

	key, err := rt.ExposeRuntimePortToLocal(context.Background(), 8787, 9090)
	if err != nil {
		t.Fatal(err)
	}
	if !key.IsPortExposureProcess() {
		t.Fatalf("expected a tunnel process key, got %q", key)
	}
	if err := rt.StopProcess(key); err != nil {
		t.Fatal(err)
	}
}

func TestExposeRuntimePortToLocalDefaultsLocalPortToRuntimePort(t *testing.T) {
	var gotLocalPort, gotRemotePort int
	conn := &fakeConn{host: "h1", forwardLocal: func(ctx context.Context, localPort int, remoteHost string, remotePort int) error {
		gotLocalPort = localPort
		gotRemotePort = remotePort
		<-ctx.Done()
		return nil
	}}
	rt := newTestRuntime(t, conn)

	key, err := rt.ExposeRuntimePortToLocal(context.Background(), 8787, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.StopProcess(key); err != nil {
		t.Fatal(err)
	}
	if gotLocalPort != 8787 || gotRemotePort != 8787 {
		t.Fatalf("expected localPort to default to runtimePort 8787, got local=%d remote=%d", gotLocalPort, gotRemotePort)
	}
}

func TestExposeRuntimePortToLocalSurfacesImmediateFailure(t *testing.T) {
	conn := &fakeConn{host: "h1", forwardLocal: func(context.Context, int, string, int) error {
		return errors.New("listen: address already in use")
	}}
	rt := newTestRuntime(t, conn)

	if _, err := rt.ExposeRuntimePortToLocal(context.Background(), 8787, 8787); err == nil {
		t.Fatal("expected an immediate forward failure to be surfaced")
	}
}

func TestExposeLocalPortToRuntimeSelfForwardIsNoop(t *testing.T) {
	conn := &fakeConn{host: Localhost}
	rt := newTestRuntime(t, conn)

	key, err := rt.ExposeLocalPortToRuntime(context.Background(), 8080, 8080)
	if err != nil {
		t.Fatal(err)
	}
	if key != EmptyKey {
		t.Fatalf("expected a self-forward to be a no-op, got key %q", key)
	}
}

func TestExposeLocalPortToRuntimeFailsWhenPortOccupied(t *testing.T) {
	conn := &fakeConn{host: "h1", run: func(_ context.Context, cmd string, _ map[string]string, _ bool) (sshconn.RunResult, error) {
		return sshconn.RunResult{Stdout: "OCCUPIED\n"}, nil
	}}
	rt := newTestRuntime(t, conn)

	_, err := rt.ExposeLocalPortToRuntime(context.Background(), 9090, 8080)
	if lzerr.KindOf(err) != lzerr.KindPortInUse {
		t.Fatalf("expected PortInUse, got %v", err)
	}
}

func TestExposeLocalPortToRuntimeSucceedsWhenFree(t *testing.T) {
	conn := &fakeConn{
		host: "h1",
		run: func(_ context.Context, cmd string, _ map[string]string, _ bool) (sshconn.RunResult, error) {
			return sshconn.RunResult{Stdout: "FREE\n"}, nil
		},
		forwardRemote: func(ctx context.Context, remotePort int, localHost string, localPort int) error {
			<-ctx.Done()
			return nil
		},
	}
	rt := newTestRuntime(t, conn)

	key, err := rt.ExposeLocalPortToRuntime(context.Background(), 9090, 8080)
	if err != nil {
		t.Fatal(err)
	}
	if !key.IsPortExposureProcess() {
		t.Fatalf("expected a tunnel process key, got %q", key)
	}
	if err := rt.StopProcess(key); err != nil {
		t.Fatal(err)
	}
}

func TestHasFreePortDelegatesToPortprobe(t *testing.T) {
	conn := &fakeConn{host: "h1", run: func(_ context.Context, cmd string, _ map[string]string, _ bool) (sshconn.RunResult, error) {
		return sshconn.RunResult{Stdout: "FREE\n"}, nil
	}}
	rt := newTestRuntime(t, conn)

	free, err := rt.HasFreePort(context.Background(), 8080)
	if err != nil {
		t.Fatal(err)
	}
	if !free {
		t.Fatal("expected the port to be reported free")
	}
}
