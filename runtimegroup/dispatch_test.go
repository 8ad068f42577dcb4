package runtimegroup

import (
	"context"
	"errors"
	"testing"

	"github.com/ml-tooling/lazycluster/runtime"
	"github.com/ml-tooling/lazycluster/sshconn"
	"github.com/ml-tooling/lazycluster/task"
	"github.com/rs/zerolog"
)

func probeOKRun(extra func(cmd string) (sshconn.RunResult, error)) func(context.Context, string, map[string]string, bool) (sshconn.RunResult, error) {
	return func(_ context.Context, cmd string, _ map[string]string, _ bool) (sshconn.RunResult, error) {
		switch cmd {
		case "python3 --version":
			return sshconn.RunResult{Stdout: "Python 3.10.0\n"}, nil
		case "mktemp -d":
			return sshconn.RunResult{Stdout: "/tmp/work\n"}, nil
		default:
			if extra != nil {
				return extra(cmd)
			}
			return sshconn.RunResult{Stdout: "ok\n"}, nil
		}
	}
}

func TestExecuteTaskSingleHostDispatchesToNamedRuntime(t *testing.T) {
	g := New(zerolog.Nop())
	if err := g.AddRuntime(newTestRuntime(t, "h1", probeOKRun(nil))); err != nil {
		t.Fatal(err)
	}
	if err := g.AddRuntime(newTestRuntime(t, "h2", probeOKRun(nil))); err != nil {
		t.Fatal(err)
	}

	tk := task.New("t1")
	tk.RunCommand("echo hi")
	dispatched, err := g.ExecuteTask(context.Background(), tk, ExecuteOptions{Host: "h2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(dispatched) != 1 || dispatched[0] != tk {
		t.Fatalf("expected the original task to be dispatched as-is, got %v", dispatched)
	}
}

func TestExecuteTaskLeastBusyPicksRuntimeWithFewestAliveProcesses(t *testing.T) {
	g := New(zerolog.Nop())
	blockCtx, unblock := context.WithCancel(context.Background())
	defer unblock()

	busy := newTestRuntime(t, "busy", func(_ context.Context, cmd string, _ map[string]string, _ bool) (sshconn.RunResult, error) {
		switch cmd {
		case "python3 --version":
			return sshconn.RunResult{Stdout: "Python 3.10.0\n"}, nil
		case "mktemp -d":
			return sshconn.RunResult{Stdout: "/tmp/work\n"}, nil
		default:
			<-blockCtx.Done()
			return sshconn.RunResult{}, nil
		}
	})
	idle := newTestRuntime(t, "idle", probeOKRun(nil))
	if err := g.AddRuntime(busy); err != nil {
		t.Fatal(err)
	}
	if err := g.AddRuntime(idle); err != nil {
		t.Fatal(err)
	}

	blockingTask := task.New("blocking")
	blockingTask.RunCommand("sleep forever")
	if err := busy.ExecuteTask(context.Background(), blockingTask, runtime.ExecuteOptions{Async: true}); err != nil {
		t.Fatal(err)
	}

	tk := task.New("pick-idle")
	tk.RunCommand("echo hi")
	dispatched, err := g.ExecuteTask(context.Background(), tk, ExecuteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(dispatched) != 1 {
		t.Fatalf("expected one dispatched task, got %d", len(dispatched))
	}
	idleTasks := idle.Tasks()
	if len(idleTasks) != 1 || idleTasks[0].Name != "pick-idle" {
		t.Fatalf("expected the idle runtime to receive the task, got %v", idleTasks)
	}
}

func TestExecuteTaskBroadcastSendsOriginalToFirstAndCopiesToRest(t *testing.T) {
	g := New(zerolog.Nop())
	if err := g.AddRuntime(newTestRuntime(t, "h1", probeOKRun(nil))); err != nil {
		t.Fatal(err)
	}
	if err := g.AddRuntime(newTestRuntime(t, "h2", probeOKRun(nil))); err != nil {
		t.Fatal(err)
	}

	tk := task.New("broadcast1")
	tk.RunCommand("echo hi")
	dispatched, err := g.ExecuteTask(context.Background(), tk, ExecuteOptions{Broadcast: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(dispatched) != 2 {
		t.Fatalf("expected 2 dispatched tasks, got %d", len(dispatched))
	}
	if dispatched[0] != tk {
		t.Fatal("expected the first dispatched task to be the original, not a copy")
	}
	if dispatched[1] == tk || dispatched[1].Name == tk.Name {
		t.Fatalf("expected the second dispatched task to be a distinctly-named deep copy, got %q", dispatched[1].Name)
	}
}

func TestExecuteTaskBroadcastFailsWithNoRuntimes(t *testing.T) {
	g := New(zerolog.Nop())
	tk := task.New("t")
	if _, err := g.ExecuteTask(context.Background(), tk, ExecuteOptions{Broadcast: true}); err == nil {
		t.Fatal("expected broadcasting to an empty group to fail")
	}
}

func TestSendFileFansOutToEveryMemberRuntime(t *testing.T) {
	g := New(zerolog.Nop())
	if err := g.AddRuntime(newTestRuntime(t, "h1", probeOKRun(nil))); err != nil {
		t.Fatal(err)
	}
	if err := g.AddRuntime(newTestRuntime(t, "h2", probeOKRun(nil))); err != nil {
		t.Fatal(err)
	}

	tasks, err := g.SendFile(context.Background(), "/local/file", "", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected one task per member, got %d", len(tasks))
	}
}

func TestFunctionReturnsConcatenatesAcrossTasks(t *testing.T) {
	g := New(zerolog.Nop())
	task.Register("runtimegroup-concat-fn", func(map[string]any) (any, error) { return nil, nil })

	t1 := task.New("t1")
	if _, err := t1.RunFunction("runtimegroup-concat-fn", nil); err != nil {
		t.Fatal(err)
	}
	if err := task.EncodeReturn(t1.ReturnArtifactPaths[0], 1); err != nil {
		t.Fatal(err)
	}

	t2 := task.New("t2")
	if _, err := t2.RunFunction("runtimegroup-concat-fn", nil); err != nil {
		t.Fatal(err)
	}
	if err := task.EncodeReturn(t2.ReturnArtifactPaths[0], 2); err != nil {
		t.Fatal(err)
	}

	g.trackTask(t1)
	g.trackTask(t2)

	values, warnings := g.FunctionReturns()
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
	if len(values) != 2 || values[0] != 1 || values[1] != 2 {
		t.Fatalf("expected [1 2], got %v", values)
	}
}

func TestJoinSkipsTasksWithOmitOnJoin(t *testing.T) {
	g := New(zerolog.Nop())
	omitted := task.New("omitted")
	omitted.OmitOnJoin = true
	connectErr := errors.New("should never be observed")
	if err := omitted.Dispatch(context.Background(), func(ctx context.Context) (string, func(context.Context) error, func(), error) {
		return "", nil, nil, connectErr
	}); err == nil {
		t.Fatal("expected the dispatch itself to surface the connect error")
	}

	g.trackTask(omitted)
	if err := g.Join(); err != nil {
		t.Fatalf("expected Join to skip the OmitOnJoin task's error, got %v", err)
	}
}

func TestJoinPropagatesFirstFailingTaskError(t *testing.T) {
	g := New(zerolog.Nop())
	wantErr := errors.New("task failed")
	tk := task.New("failing")
	if err := tk.Dispatch(context.Background(), func(ctx context.Context) (string, func(context.Context) error, func(), error) {
		return "/home/work", func(context.Context) error { return wantErr }, func() {}, nil
	}); err != nil {
		t.Fatal(err)
	}
	g.trackTask(tk)

	if err := g.Join(); err != wantErr {
		t.Fatalf("expected Join to surface %v, got %v", wantErr, err)
	}
}

func TestLeastBusyErrorsOnEmptyGroup(t *testing.T) {
	g := New(zerolog.Nop())
	tk := task.New("t")
	if _, err := g.ExecuteTask(context.Background(), tk, ExecuteOptions{}); err == nil {
		t.Fatal("expected an error dispatching to an empty group")
	}
}
