package task

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestJoinOnNeverDispatchedTaskReturnsNilImmediately(t *testing.T) {
	tk := New("t")
	if err := tk.Join(); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestIsAliveFalseBeforeDispatch(t *testing.T) {
	tk := New("t")
	if tk.IsAlive() {
		t.Fatal("expected a task with no process handle to report not alive")
	}
}

func TestDispatchRunsInBackgroundAndJoinBlocksUntilDone(t *testing.T) {
	tk := New("t")
	started := make(chan struct{})
	release := make(chan struct{})

	connect := func(ctx context.Context) (string, func(context.Context) error, func(), error) {
		run := func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}
		return "/home/work", run, func() {}, nil
	}

	if err := tk.Dispatch(context.Background(), connect); err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("expected the dispatched run func to start")
	}

	if !tk.IsAlive() {
		t.Fatal("expected the task to report alive while its run func blocks")
	}

	close(release)

	if err := tk.Join(); err != nil {
		t.Fatalf("expected Join to succeed, got %v", err)
	}
	if tk.IsAlive() {
		t.Fatal("expected the task to report not alive after Join returns")
	}
}

func TestDispatchJoinPropagatesRunError(t *testing.T) {
	tk := New("t")
	wantErr := errors.New("remote blew up")
	connect := func(ctx context.Context) (string, func(context.Context) error, func(), error) {
		return "/home/work", func(context.Context) error { return wantErr }, func() {}, nil
	}

	if err := tk.Dispatch(context.Background(), connect); err != nil {
		t.Fatal(err)
	}
	if err := tk.Join(); err != wantErr {
		t.Fatalf("expected Join to surface the run error, got %v", err)
	}
}

func TestDispatchPropagatesConnectError(t *testing.T) {
	tk := New("t")
	connErr := errors.New("dial refused")
	connect := func(ctx context.Context) (string, func(context.Context) error, func(), error) {
		return "", nil, nil, connErr
	}

	if err := tk.Dispatch(context.Background(), connect); err != connErr {
		t.Fatalf("expected Dispatch to surface the connect error, got %v", err)
	}
	if err := tk.Join(); err != connErr {
		t.Fatalf("expected Join to also surface the connect error, got %v", err)
	}
}

func TestCancelStopsTheDispatchedContext(t *testing.T) {
	tk := New("t")
	cancelSeen := make(chan struct{})

	connect := func(ctx context.Context) (string, func(context.Context) error, func(), error) {
		run := func(ctx context.Context) error {
			<-ctx.Done()
			close(cancelSeen)
			return ctx.Err()
		}
		return "/home/work", run, func() {}, nil
	}

	if err := tk.Dispatch(context.Background(), connect); err != nil {
		t.Fatal(err)
	}
	tk.Cancel()

	select {
	case <-cancelSeen:
	case <-time.After(time.Second):
		t.Fatal("expected Cancel to stop the dispatched run's context")
	}
	_ = tk.Join()
}

func TestRunSyncExecutesInlineAndReturnsError(t *testing.T) {
	tk := New("t")
	wantErr := errors.New("sync failure")
	err := tk.RunSync(context.Background(), func(context.Context) error { return wantErr })
	if err != wantErr {
		t.Fatalf("expected RunSync to return the underlying error, got %v", err)
	}
	if tk.IsAlive() {
		t.Fatal("RunSync must not touch the async process handle")
	}
}

func TestCleanupRemovesTheManagerLocalTempDir(t *testing.T) {
	Register("t-dispatch-cleanup-fn", func(map[string]any) (any, error) { return nil, nil })
	tk := New("t")
	if _, err := tk.RunFunction("t-dispatch-cleanup-fn", nil); err != nil {
		t.Fatal(err)
	}
	dir := tk.tempDir
	if dir == "" {
		t.Fatal("expected RunFunction to have created a temp dir")
	}
	tk.Cleanup()
	if _, err := os.Stat(dir); err == nil {
		t.Fatal("expected Cleanup to remove the temp dir")
	}
}
