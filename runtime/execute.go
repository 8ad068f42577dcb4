package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ml-tooling/lazycluster/task"
)

// ExecuteOptions controls a single ExecuteTask dispatch.
type ExecuteOptions struct {
	Async      bool
	OmitOnJoin bool
	Debug      bool
}

// ExecuteTask stamps the runtime's environment onto t, then either runs it
// inline (sync) or dispatches it to a goroutine (async), per spec.md
// §4.4. The task is always appended to the runtime's owned task list.
func (r *Runtime) ExecuteTask(ctx context.Context, t *task.Task, opts ExecuteOptions) error {
	t.EnvVariables = r.EnvVariables()
	t.OmitOnJoin = opts.OmitOnJoin

	workingDir, err := r.WorkingDir(ctx)
	if err != nil {
		return err
	}

	logPath, err := r.allocateExecutionLogPath(t.Name)
	if err != nil {
		return err
	}
	t.ExecutionLogFilePath = logPath

	r.trackTask(t)

	if !opts.Async {
		conn, err := r.Connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		return t.Execute(ctx, conn, workingDir, opts.Debug)
	}

	key := MakeTaskKey(r.host, t.Name)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	proc := r.registerProcess(key, cancel, done)

	conn, err := r.Connect(runCtx)
	if err != nil {
		cancel()
		close(done)
		proc.err = err
		return err
	}

	_ = t.Dispatch(runCtx, func(context.Context) (string, func(context.Context) error, func(), error) {
		run := func(c context.Context) error { return t.Execute(c, conn, workingDir, opts.Debug) }
		return workingDir, run, func() { conn.Close() }, nil
	})
	go func() {
		defer close(done)
		proc.err = t.Join()
	}()
	return nil
}

// SendFile builds and dispatches a single-step task that uploads local to
// remote (empty remote resolves against the working dir).
func (r *Runtime) SendFile(ctx context.Context, local, remote string, async bool) (*task.Task, error) {
	t := task.New("").SendFile(local, remote)
	return t, r.ExecuteTask(ctx, t, ExecuteOptions{Async: async})
}

// GetFile builds and dispatches a single-step task that downloads remote
// to local.
func (r *Runtime) GetFile(ctx context.Context, remote, local string, async bool) (*task.Task, error) {
	t := task.New("").GetFile(remote, local)
	return t, r.ExecuteTask(ctx, t, ExecuteOptions{Async: async})
}

// ExecuteFunction builds and dispatches a single-step task invoking a
// registered task.Func.
func (r *Runtime) ExecuteFunction(ctx context.Context, name string, kwargs map[string]any, async bool) (*task.Task, error) {
	if err := r.ensureRunnerInstalled(ctx); err != nil {
		return nil, err
	}
	t, err := task.New("").RunFunction(name, kwargs)
	if err != nil {
		return nil, err
	}
	return t, r.ExecuteTask(ctx, t, ExecuteOptions{Async: async})
}

// ensureRunnerInstalled ships cmd/lazycluster-runner to the working dir
// and symlinks it onto PATH (~/bin), once per Runtime lifetime. A Runtime
// constructed without Options.RunnerBin can still run RUN_COMMAND/
// SEND_FILE/GET_FILE tasks; only RunFunction requires it.
func (r *Runtime) ensureRunnerInstalled(ctx context.Context) error {
	r.mu.Lock()
	already := r.runnerInstalled
	r.mu.Unlock()
	if already {
		return nil
	}
	if r.runnerBin == "" {
		return fmt.Errorf("runtime %s has no RunnerBin configured; RunFunction is unavailable", r.host)
	}

	dir, err := r.WorkingDir(ctx)
	if err != nil {
		return err
	}
	conn, err := r.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	remotePath := filepath.Join(dir, task.RunnerBinary)
	if err := conn.Put(ctx, r.runnerBin, remotePath); err != nil {
		return fmt.Errorf("install lazycluster-runner on %s: %w", r.host, err)
	}
	cmd := fmt.Sprintf("chmod +x %q && mkdir -p ~/bin && ln -sf %q ~/bin/%s", remotePath, remotePath, task.RunnerBinary)
	if _, err := conn.Run(ctx, cmd, nil, false); err != nil {
		return fmt.Errorf("link lazycluster-runner on PATH on %s: %w", r.host, err)
	}

	r.mu.Lock()
	r.runnerInstalled = true
	r.mu.Unlock()
	return nil
}

// allocateExecutionLogPath builds
// <main>/execution_log/<host>/<taskName>_<yyyymmddhhmmss>.log per spec.md
// §6. mainDir defaults to ./lazycluster and can be overridden via the
// LAZYCLUSTER_MAIN_DIR environment variable (wired by internal/appconfig
// in the CLI).
func (r *Runtime) allocateExecutionLogPath(taskName string) (string, error) {
	main := os.Getenv("LAZYCLUSTER_MAIN_DIR")
	if main == "" {
		main = "lazycluster"
	}
	abs, err := filepath.Abs(main)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(abs, "execution_log", r.host)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create execution log dir %s: %w", dir, err)
	}
	ts := time.Now().Format("20060102150405")
	return filepath.Join(dir, fmt.Sprintf("%s_%s.log", taskName, ts)), nil
}

// CheckFilter ANDs the conditions of spec.md §4.4: GPU presence, minimum
// memory/CPU, resolvable executables, and arbitrary filter commands whose
// stdout must echo a case-insensitive "true" once trimmed.
type Filter struct {
	GPURequired         bool
	MinMemoryMB         int
	MinCPUCores         int
	InstalledExecutables []string
	FilterCommands      []string
}

func (r *Runtime) CheckFilter(ctx context.Context, f Filter) (bool, error) {
	info, err := r.Info(ctx)
	if err != nil {
		return false, err
	}
	if f.GPURequired && !info.HasGPU() {
		return false, nil
	}
	if info.MemoryMB < f.MinMemoryMB {
		return false, nil
	}
	if info.CPUCores < f.MinCPUCores {
		return false, nil
	}

	conn, err := r.Connect(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	for _, exe := range f.InstalledExecutables {
		res, err := conn.Run(ctx, fmt.Sprintf("hash %s 2>/dev/null", exe), r.EnvVariables(), false)
		if err != nil || res.ExitCode != 0 {
			return false, nil
		}
	}
	for _, cmd := range f.FilterCommands {
		res, err := conn.Run(ctx, cmd, r.EnvVariables(), false)
		if err != nil {
			return false, nil
		}
		if !isTrueString(res.Stdout) {
			return false, nil
		}
	}
	return true, nil
}

// isTrueString implements spec.md's checkFilter comparison (Open Question
// #1 in DESIGN.md): case-insensitive, trimmed "true"/"false" matching. A
// filter command whose stdout doesn't parse to a bool is treated as false.
func isTrueString(stdout string) bool {
	return strings.EqualFold(strings.TrimSpace(stdout), "true")
}
