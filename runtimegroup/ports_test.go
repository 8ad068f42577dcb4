package runtimegroup

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/ml-tooling/lazycluster/lzerr"
	"github.com/ml-tooling/lazycluster/sshconn"
	"github.com/rs/zerolog"
)

func occupiedRun(occupied ...int) func(context.Context, string, map[string]string, bool) (sshconn.RunResult, error) {
	set := map[int]bool{}
	for _, p := range occupied {
		set[p] = true
	}
	return func(_ context.Context, cmd string, _ map[string]string, _ bool) (sshconn.RunResult, error) {
		if cmd == "python3 --version" {
			return sshconn.RunResult{Stdout: "Python 3.10.0\n"}, nil
		}
		for p := range set {
			if contains(cmd, strconv.Itoa(p)) {
				return sshconn.RunResult{Stdout: "OCCUPIED\n"}, nil
			}
		}
		return sshconn.RunResult{Stdout: "FREE\n"}, nil
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func reserveLocalPort(t *testing.T) (int, func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	return port, func() { l.Close() }
}

func TestHasFreePortTrueAcrossAllMembers(t *testing.T) {
	g := New(zerolog.Nop())
	if err := g.AddRuntime(newTestRuntime(t, "h1", occupiedRun())); err != nil {
		t.Fatal(err)
	}
	if err := g.AddRuntime(newTestRuntime(t, "h2", occupiedRun())); err != nil {
		t.Fatal(err)
	}

	free, err := g.HasFreePort(context.Background(), 7000, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if !free {
		t.Fatal("expected the port to be free on every member")
	}
}

func TestHasFreePortFalseWhenAnyMemberOccupied(t *testing.T) {
	g := New(zerolog.Nop())
	if err := g.AddRuntime(newTestRuntime(t, "h1", occupiedRun())); err != nil {
		t.Fatal(err)
	}
	if err := g.AddRuntime(newTestRuntime(t, "h2", occupiedRun(7000))); err != nil {
		t.Fatal(err)
	}

	free, err := g.HasFreePort(context.Background(), 7000, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if free {
		t.Fatal("expected the port to be reported occupied since h2 has it in use")
	}
}

func TestHasFreePortEnforcesLocalhostWhenAsked(t *testing.T) {
	g := New(zerolog.Nop())
	if err := g.AddRuntime(newTestRuntime(t, "h1", occupiedRun())); err != nil {
		t.Fatal(err)
	}

	port, release := reserveLocalPort(t)
	defer release()

	free, err := g.HasFreePort(context.Background(), port, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if free {
		t.Fatal("expected enforceLocalhost to reject a port occupied on the manager itself")
	}
}

func TestHasFreePortExcludesNamedHosts(t *testing.T) {
	g := New(zerolog.Nop())
	if err := g.AddRuntime(newTestRuntime(t, "h1", occupiedRun(7000))); err != nil {
		t.Fatal(err)
	}
	if err := g.AddRuntime(newTestRuntime(t, "h2", occupiedRun())); err != nil {
		t.Fatal(err)
	}

	free, err := g.HasFreePort(context.Background(), 7000, []string{"h1"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if !free {
		t.Fatal("expected excluding the occupied host to make the port report free")
	}
}

func TestGetFreePortReturnsFirstCandidateThatPasses(t *testing.T) {
	g := New(zerolog.Nop())
	if err := g.AddRuntime(newTestRuntime(t, "h1", occupiedRun(7000, 7001))); err != nil {
		t.Fatal(err)
	}

	port, err := g.GetFreePort(context.Background(), []int{7000, 7001, 7002}, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if port != 7002 {
		t.Fatalf("expected 7002, got %d", port)
	}
}

func TestGetFreePortExhaustionError(t *testing.T) {
	g := New(zerolog.Nop())
	if err := g.AddRuntime(newTestRuntime(t, "h1", occupiedRun(7000))); err != nil {
		t.Fatal(err)
	}
	_, err := g.GetFreePort(context.Background(), []int{7000}, nil, false)
	if err == nil {
		t.Fatal("expected exhaustion to be an error")
	}
	if lzerr.KindOf(err) != lzerr.KindNoPortsLeft {
		t.Fatalf("expected KindNoPortsLeft, got %v", lzerr.KindOf(err))
	}
}

func TestExposePortToRuntimesFailsWhenPortAlreadyInUse(t *testing.T) {
	g := New(zerolog.Nop())
	if err := g.AddRuntime(newTestRuntime(t, "h1", occupiedRun(7000))); err != nil {
		t.Fatal(err)
	}

	_, _, err := g.ExposePortToRuntimes(context.Background(), 0, 7000, nil, nil)
	if lzerr.KindOf(err) != lzerr.KindPortInUse {
		t.Fatalf("expected PortInUse, got %v", err)
	}
}

func TestExposePortToRuntimesResolvesFromCandidateList(t *testing.T) {
	g := New(zerolog.Nop())
	if err := g.AddRuntime(newTestRuntime(t, "h1", occupiedRun(7000))); err != nil {
		t.Fatal(err)
	}

	resolved, keys, err := g.ExposePortToRuntimes(context.Background(), 0, 0, []int{7000, 7001}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != 7001 {
		t.Fatalf("expected the first free candidate 7001, got %d", resolved)
	}
	if len(keys) != 1 {
		t.Fatalf("expected one exposure key, got %d", len(keys))
	}
}

func TestExposePortToRuntimesRequiresAPortOrCandidates(t *testing.T) {
	g := New(zerolog.Nop())
	if err := g.AddRuntime(newTestRuntime(t, "h1", occupiedRun())); err != nil {
		t.Fatal(err)
	}
	if _, _, err := g.ExposePortToRuntimes(context.Background(), 0, 0, nil, nil); err == nil {
		t.Fatal("expected an error when neither an explicit port nor candidates are given")
	}
}

func TestExposurePortKeysAccumulatesAcrossCalls(t *testing.T) {
	g := New(zerolog.Nop())
	if err := g.AddRuntime(newTestRuntime(t, "h1", occupiedRun())); err != nil {
		t.Fatal(err)
	}
	if _, _, err := g.ExposePortToRuntimes(context.Background(), 0, 7100, nil, nil); err != nil {
		t.Fatal(err)
	}
	if len(g.ExposurePortKeys()) == 0 {
		t.Fatal("expected at least one recorded exposure key")
	}
}
