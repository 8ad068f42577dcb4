package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ml-tooling/lazycluster/lzerr"
	"github.com/ml-tooling/lazycluster/sshconn"
	"github.com/rs/zerolog"
)

// fakeConn is the sshconn.Connection double shared across this package's
// tests. Every method is scriptable via a function field; a nil field
// falls back to a default: Run reports "Python 3.10.0", Put/Get succeed,
// and the Forward methods block until ctx is done.
type fakeConn struct {
	host string

	run          func(ctx context.Context, cmd string, env map[string]string, pty bool) (sshconn.RunResult, error)
	put          func(ctx context.Context, local, remote string) error
	get          func(ctx context.Context, remote, local string) error
	forwardLocal func(ctx context.Context, localPort int, remoteHost string, remotePort int) error
	forwardRemote func(ctx context.Context, remotePort int, localHost string, localPort int) error
	closed       bool
}

func (f *fakeConn) Host() string { return f.host }

func (f *fakeConn) Run(ctx context.Context, cmd string, env map[string]string, pty bool) (sshconn.RunResult, error) {
	if f.run == nil {
		return sshconn.RunResult{Stdout: "Python 3.10.0\n"}, nil
	}
	return f.run(ctx, cmd, env, pty)
}

func (f *fakeConn) Put(ctx context.Context, local, remote string) error {
	if f.put == nil {
		return nil
	}
	return f.put(ctx, local, remote)
}

func (f *fakeConn) Get(ctx context.Context, remote, local string) error {
	if f.get == nil {
		return nil
	}
	return f.get(ctx, remote, local)
}

func (f *fakeConn) ForwardLocal(ctx context.Context, localPort int, remoteHost string, remotePort int) error {
	if f.forwardLocal == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.forwardLocal(ctx, localPort, remoteHost, remotePort)
}

func (f *fakeConn) ForwardRemote(ctx context.Context, remotePort int, localHost string, localPort int) error {
	if f.forwardRemote == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.forwardRemote(ctx, remotePort, localHost, localPort)
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func fakeDialer(conn *fakeConn) func(sshconn.Config) (sshconn.Connection, error) {
	return func(cfg sshconn.Config) (sshconn.Connection, error) {
		return conn, nil
	}
}

func testOptions(conn *fakeConn) Options {
	return Options{Dialer: fakeDialer(conn), Logger: zerolog.Nop()}
}

func TestNewAcceptsSupportedPython3(t *testing.T) {
	conn := &fakeConn{host: "h1", run: func(_ context.Context, cmd string, _ map[string]string, _ bool) (sshconn.RunResult, error) {
		return sshconn.RunResult{Stdout: "Python 3.9.2\n"}, nil
	}}
	rt, err := New(context.Background(), sshconn.Config{Host: "h1"}, testOptions(conn))
	if err != nil {
		t.Fatal(err)
	}
	if rt.Host() != "h1" {
		t.Fatalf("expected host h1, got %q", rt.Host())
	}
}

func TestNewRejectsUnsupportedPython(t *testing.T) {
	conn := &fakeConn{host: "h1", run: func(_ context.Context, cmd string, _ map[string]string, _ bool) (sshconn.RunResult, error) {
		return sshconn.RunResult{Stdout: "Python 2.7.18\n"}, nil
	}}
	_, err := New(context.Background(), sshconn.Config{Host: "h1"}, testOptions(conn))
	if err == nil {
		t.Fatal("expected an error for an unsupported python version")
	}
	if lzerr.KindOf(err) != lzerr.KindInvalidRuntime {
		t.Fatalf("expected InvalidRuntime, got %v", err)
	}
}

func TestNewRejectsDialFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	dialer := func(sshconn.Config) (sshconn.Connection, error) { return nil, dialErr }
	_, err := New(context.Background(), sshconn.Config{Host: "h1"}, Options{Dialer: dialer, Logger: zerolog.Nop()})
	if lzerr.KindOf(err) != lzerr.KindInvalidRuntime {
		t.Fatalf("expected InvalidRuntime, got %v", err)
	}
}

func TestNewRejectsProbeCommandError(t *testing.T) {
	conn := &fakeConn{host: "h1", run: func(context.Context, string, map[string]string, bool) (sshconn.RunResult, error) {
		return sshconn.RunResult{}, errors.New("python3: command not found")
	}}
	_, err := New(context.Background(), sshconn.Config{Host: "h1"}, testOptions(conn))
	if lzerr.KindOf(err) != lzerr.KindInvalidRuntime {
		t.Fatalf("expected InvalidRuntime, got %v", err)
	}
}

func TestWorkingDirCreatesTempDirOnlyOnce(t *testing.T) {
	calls := 0
	conn := &fakeConn{host: "h1", run: func(_ context.Context, cmd string, _ map[string]string, _ bool) (sshconn.RunResult, error) {
		if cmd == "mktemp -d" {
			calls++
			return sshconn.RunResult{Stdout: "/tmp/lazycluster-abc\n"}, nil
		}
		return sshconn.RunResult{Stdout: "Python 3.10.0\n"}, nil
	}}
	rt, err := New(context.Background(), sshconn.Config{Host: "h1"}, testOptions(conn))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		dir, err := rt.WorkingDir(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if dir != "/tmp/lazycluster-abc" {
			t.Fatalf("unexpected working dir: %q", dir)
		}
	}
	if calls != 1 {
		t.Fatalf("expected exactly one mktemp call, got %d", calls)
	}
}

func TestWorkingDirSetsWorkingDirEnvVar(t *testing.T) {
	conn := &fakeConn{host: "h1", run: func(_ context.Context, cmd string, _ map[string]string, _ bool) (sshconn.RunResult, error) {
		if cmd == "mktemp -d" {
			return sshconn.RunResult{Stdout: "/tmp/work\n"}, nil
		}
		return sshconn.RunResult{Stdout: "Python 3.10.0\n"}, nil
	}}
	rt, err := New(context.Background(), sshconn.Config{Host: "h1"}, testOptions(conn))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.WorkingDir(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rt.EnvVariables()[WorkingDirEnvKey] != "/tmp/work" {
		t.Fatalf("expected WORKING_DIR to be set, got %v", rt.EnvVariables())
	}
}

func TestExplicitWorkingDirSkipsTempDirCreation(t *testing.T) {
	conn := &fakeConn{host: "h1", run: func(_ context.Context, cmd string, _ map[string]string, _ bool) (sshconn.RunResult, error) {
		if cmd == "mktemp -d" {
			t.Fatal("should not allocate a temp dir when WorkingDir is explicit")
		}
		return sshconn.RunResult{Stdout: "Python 3.10.0\n"}, nil
	}}
	opts := testOptions(conn)
	opts.WorkingDir = "/srv/lazycluster"
	rt, err := New(context.Background(), sshconn.Config{Host: "h1"}, opts)
	if err != nil {
		t.Fatal(err)
	}
	dir, err := rt.WorkingDir(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if dir != "/srv/lazycluster" {
		t.Fatalf("expected explicit working dir to be used, got %q", dir)
	}
}

func TestEnvVariablesReturnsACopy(t *testing.T) {
	conn := &fakeConn{host: "h1"}
	rt, err := New(context.Background(), sshconn.Config{Host: "h1"}, testOptions(conn))
	if err != nil {
		t.Fatal(err)
	}
	rt.SetEnv("FOO", "bar")
	env := rt.EnvVariables()
	env["FOO"] = "mutated"
	if rt.EnvVariables()["FOO"] != "bar" {
		t.Fatal("expected EnvVariables() to return an independent copy")
	}
}

func TestCachedInfoFalseBeforeAnyProbe(t *testing.T) {
	conn := &fakeConn{host: "h1"}
	rt, err := New(context.Background(), sshconn.Config{Host: "h1"}, testOptions(conn))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := rt.CachedInfo(); ok {
		t.Fatal("expected no cached info before any probe")
	}
}

func TestInfoProbesLazilyAndCachesResult(t *testing.T) {
	probes := 0
	conn := &fakeConn{host: "h1", run: func(_ context.Context, cmd string, _ map[string]string, _ bool) (sshconn.RunResult, error) {
		switch {
		case cmd == "python3 --version":
			return sshconn.RunResult{Stdout: "Python 3.10.0\n"}, nil
		case strings.Contains(cmd, "nvidia-smi"):
			return sshconn.RunResult{Stdout: "0\n"}, nil
		default:
			probes++
			return sshconn.RunResult{Stdout: "OS=Linux\nCPU=4\nMEM=8000\nPY=3.10.0\n"}, nil
		}
	}}
	rt, err := New(context.Background(), sshconn.Config{Host: "h1"}, testOptions(conn))
	if err != nil {
		t.Fatal(err)
	}

	info, err := rt.Info(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.OS != "Linux" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if _, err := rt.Info(context.Background()); err != nil {
		t.Fatal(err)
	}
	if probes != 1 {
		t.Fatalf("expected the host info probe to run exactly once, got %d", probes)
	}
}

func TestCreateDirWrapsFailureAsPathCreationError(t *testing.T) {
	conn := &fakeConn{host: "h1", run: func(_ context.Context, cmd string, _ map[string]string, _ bool) (sshconn.RunResult, error) {
		if cmd == "python3 --version" {
			return sshconn.RunResult{Stdout: "Python 3.10.0\n"}, nil
		}
		return sshconn.RunResult{}, errors.New("permission denied")
	}}
	rt, err := New(context.Background(), sshconn.Config{Host: "h1"}, testOptions(conn))
	if err != nil {
		t.Fatal(err)
	}
	err = rt.CreateDir(context.Background(), "/root/forbidden")
	if lzerr.KindOf(err) != lzerr.KindPathCreationError {
		t.Fatalf("expected PathCreationError, got %v", err)
	}
}

func TestCleanupCancelsProcessesAndDeletesTempWorkingDir(t *testing.T) {
	var deleted string
	conn := &fakeConn{host: "h1", run: func(_ context.Context, cmd string, _ map[string]string, _ bool) (sshconn.RunResult, error) {
		switch {
		case cmd == "python3 --version":
			return sshconn.RunResult{Stdout: "Python 3.10.0\n"}, nil
		case cmd == "mktemp -d":
			return sshconn.RunResult{Stdout: "/tmp/work\n"}, nil
		default:
			deleted = cmd
			return sshconn.RunResult{}, nil
		}
	}}
	rt, err := New(context.Background(), sshconn.Config{Host: "h1"}, testOptions(conn))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.WorkingDir(context.Background()); err != nil {
		t.Fatal(err)
	}

	rt.Cleanup(context.Background())
	if deleted == "" {
		t.Fatal("expected the temp working dir to be deleted during cleanup")
	}
}

func TestGetProcessesFiltersByAlive(t *testing.T) {
	conn := &fakeConn{host: "h1"}
	rt, err := New(context.Background(), sshconn.Config{Host: "h1"}, testOptions(conn))
	if err != nil {
		t.Fatal(err)
	}
	_, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	close(done)
	rt.registerProcess(MakeTaskKey("h1", "finished"), cancel, done)

	live := rt.GetProcesses(true)
	if len(live) != 0 {
		t.Fatalf("expected no alive processes, got %d", len(live))
	}
	all := rt.GetProcesses(false)
	if len(all) != 1 {
		t.Fatalf("expected one process total, got %d", len(all))
	}
}
