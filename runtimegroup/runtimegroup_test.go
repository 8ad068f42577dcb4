package runtimegroup

import (
	"context"
	"testing"

	"github.com/ml-tooling/lazycluster/runtime"
	"github.com/ml-tooling/lazycluster/sshconn"
	"github.com/rs/zerolog"
)

// fakeConn is the sshconn.Connection double used across this package's
// tests; every method is scriptable, Run defaults to a python3 probe
// response good enough to pass runtime.New's validation.
type fakeConn struct {
	host string
	run  func(ctx context.Context, cmd string, env map[string]string, pty bool) (sshconn.RunResult, error)
}

func (f *fakeConn) Host() string { return f.host }
func (f *fakeConn) Run(ctx context.Context, cmd string, env map[string]string, pty bool) (sshconn.RunResult, error) {
	if f.run == nil {
		return sshconn.RunResult{Stdout: "Python 3.10.0\n"}, nil
	}
	return f.run(ctx, cmd, env, pty)
}
func (f *fakeConn) Put(context.Context, string, string) error { return nil }
func (f *fakeConn) Get(context.Context, string, string) error { return nil }
func (f *fakeConn) ForwardLocal(ctx context.Context, localPort int, remoteHost string, remotePort int) error {
	<-ctx.Done()
	return nil
}
func (f *fakeConn) ForwardRemote(ctx context.Context, remotePort int, localHost string, localPort int) error {
	<-ctx.Done()
	return nil
}
func (f *fakeConn) Close() error { return nil }

func newTestRuntime(t *testing.T, host string, run func(context.Context, string, map[string]string, bool) (sshconn.RunResult, error)) *runtime.Runtime {
	t.Helper()
	conn := &fakeConn{host: host, run: run}
	dialer := func(sshconn.Config) (sshconn.Connection, error) { return conn, nil }
	rt, err := runtime.New(context.Background(), sshconn.Config{Host: host}, runtime.Options{Dialer: dialer, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	return rt
}

func TestAddRuntimeRejectsDuplicateHost(t *testing.T) {
	g := New(zerolog.Nop())
	rt := newTestRuntime(t, "h1", nil)
	if err := g.AddRuntime(rt); err != nil {
		t.Fatal(err)
	}
	if err := g.AddRuntime(rt); err == nil {
		t.Fatal("expected adding the same host twice to fail")
	}
}

func TestRuntimesPreservesInsertionOrder(t *testing.T) {
	g := New(zerolog.Nop())
	for _, h := range []string{"c", "a", "b"} {
		if err := g.AddRuntime(newTestRuntime(t, h, nil)); err != nil {
			t.Fatal(err)
		}
	}
	var got []string
	for _, rt := range g.Runtimes() {
		got = append(got, rt.Host())
	}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected insertion order %v, got %v", want, got)
		}
	}
}

func TestRemoveRuntimeOnUnknownHostIsNotFatal(t *testing.T) {
	g := New(zerolog.Nop())
	g.RemoveRuntime("never-added")
	if g.Len() != 0 {
		t.Fatalf("expected the group to remain empty, got %d", g.Len())
	}
}

func TestRemoveRuntimeDropsFromOrderAndMembership(t *testing.T) {
	g := New(zerolog.Nop())
	rt1 := newTestRuntime(t, "h1", nil)
	rt2 := newTestRuntime(t, "h2", nil)
	if err := g.AddRuntime(rt1); err != nil {
		t.Fatal(err)
	}
	if err := g.AddRuntime(rt2); err != nil {
		t.Fatal(err)
	}
	g.RemoveRuntime("h1")
	if g.Len() != 1 {
		t.Fatalf("expected one remaining runtime, got %d", g.Len())
	}
	if g.Runtimes()[0].Host() != "h2" {
		t.Fatalf("expected h2 to remain, got %s", g.Runtimes()[0].Host())
	}
}

func TestGetRuntimesRejectsIncludeAndExcludeTogether(t *testing.T) {
	g := New(zerolog.Nop())
	if _, err := g.GetRuntimes([]string{"a"}, []string{"b"}); err == nil {
		t.Fatal("expected include and exclude to be mutually exclusive")
	}
}

func TestGetRuntimesIncludeRejectsUnknownHost(t *testing.T) {
	g := New(zerolog.Nop())
	if err := g.AddRuntime(newTestRuntime(t, "h1", nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := g.GetRuntimes([]string{"unknown"}, nil); err == nil {
		t.Fatal("expected an unknown included host to be an error")
	}
}

func TestGetRuntimesExcludeNarrowsTheSet(t *testing.T) {
	g := New(zerolog.Nop())
	if err := g.AddRuntime(newTestRuntime(t, "h1", nil)); err != nil {
		t.Fatal(err)
	}
	if err := g.AddRuntime(newTestRuntime(t, "h2", nil)); err != nil {
		t.Fatal(err)
	}
	out, err := g.GetRuntimes(nil, []string{"h1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one runtime after exclusion, got %d", len(out))
	}
	if _, ok := out["h2"]; !ok {
		t.Fatalf("expected h2 to remain, got %v", out)
	}
}

func TestFillRuntimeInfoBuffersAsyncPopulatesEachMember(t *testing.T) {
	g := New(zerolog.Nop())
	rt1 := newTestRuntime(t, "h1", func(_ context.Context, cmd string, _ map[string]string, _ bool) (sshconn.RunResult, error) {
		if cmd == "python3 --version" {
			return sshconn.RunResult{Stdout: "Python 3.10.0\n"}, nil
		}
		return sshconn.RunResult{Stdout: "OS=Linux\nCPU=4\nMEM=8000\nPY=3.10.0\n"}, nil
	})
	if err := g.AddRuntime(rt1); err != nil {
		t.Fatal(err)
	}

	errs := g.FillRuntimeInfoBuffersAsync(context.Background(), "")
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	info, ok := rt1.CachedInfo()
	if !ok || info.OS != "Linux" {
		t.Fatalf("expected cached info to be populated, got %+v (ok=%v)", info, ok)
	}
}
