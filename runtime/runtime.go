package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ml-tooling/lazycluster/hostinfo"
	"github.com/ml-tooling/lazycluster/lzerr"
	"github.com/ml-tooling/lazycluster/sshconn"
	"github.com/ml-tooling/lazycluster/task"
	"github.com/rs/zerolog"
)

// WorkingDirEnvKey is the environment variable every task dispatched on a
// Runtime sees, per spec.md §6.
const WorkingDirEnvKey = "WORKING_DIR"

// Process is a registry entry: a cancel func plus completion signal, the
// Go substitution (see DESIGN.md) for an OS-level child process.
type Process struct {
	Key    ProcessKey
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Alive reports whether the process has not yet finished.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Err returns the error the process finished with, if any. Only
// meaningful after Alive() is false.
func (p *Process) Err() error { return p.err }

// Runtime is one remote Unix host reachable by password-less SSH
// (spec.md §4.4).
type Runtime struct {
	host     string
	connCfg  sshconn.Config
	dialer   func(sshconn.Config) (sshconn.Connection, error)
	log      zerolog.Logger
	runnerBin string // local path to the lazycluster-runner binary to ship

	mu            sync.Mutex
	workingDir    string
	workingDirSet bool
	workingDirTemp bool
	envVariables  map[string]string

	processes map[ProcessKey]*Process

	info     *hostinfo.Info
	infoOnce sync.Once

	tasks []*task.Task

	runnerInstalled bool
}

// Options configures New beyond the bare host/connection.
type Options struct {
	Dialer     func(sshconn.Config) (sshconn.Connection, error)
	Logger     zerolog.Logger
	RunnerBin  string // local path to lazycluster-runner; empty disables RunFunction support
	WorkingDir string // user-provided working dir; empty means "create a temp dir lazily"
}

// New validates host by probing `python3 --version` over SSH (spec.md
// §4.4 "Runtime lifecycle"). Construction fails with InvalidRuntime if the
// probe errors or reports a version below 3.6 — a Runtime that failed
// this check is never observable, per the package invariant.
func New(ctx context.Context, cfg sshconn.Config, opts Options) (*Runtime, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = sshconn.Dial
	}
	logger := opts.Logger

	conn, err := dialer(cfg)
	if err != nil {
		return nil, lzerr.NewInvalidRuntime(cfg.Host, err)
	}
	defer conn.Close()

	res, err := conn.Run(ctx, "python3 --version", nil, false)
	if err != nil {
		return nil, lzerr.NewInvalidRuntime(cfg.Host, err)
	}
	if !isSupportedPythonVersion(res.Stdout + res.Stderr) {
		return nil, lzerr.NewInvalidRuntime(cfg.Host, fmt.Errorf("unsupported python3 version: %q", strings.TrimSpace(res.Stdout+res.Stderr)))
	}

	rt := &Runtime{
		host:         cfg.Host,
		connCfg:      cfg,
		dialer:       dialer,
		log:          logger,
		runnerBin:    opts.RunnerBin,
		envVariables: map[string]string{},
		processes:    map[ProcessKey]*Process{},
	}
	if opts.WorkingDir != "" {
		if err := rt.setWorkingDir(ctx, opts.WorkingDir, false); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func isSupportedPythonVersion(out string) bool {
	out = strings.TrimSpace(out)
	var major, minor int
	// Expected form: "Python 3.9.2"
	fields := strings.Fields(out)
	for _, f := range fields {
		if n, _ := fmt.Sscanf(f, "%d.%d", &major, &minor); n == 2 {
			break
		}
	}
	return major > 3 || (major == 3 && minor >= 6)
}

// Host returns the remote host this Runtime manages.
func (r *Runtime) Host() string { return r.host }

// Connect opens a fresh Connection to this runtime. Every task dispatch
// and tunnel gets its own Connection; none are shared, matching spec.md
// §4.4's "connection factory" role and avoiding cross-goroutine races on
// a single ssh.Client's session multiplexing.
func (r *Runtime) Connect(ctx context.Context) (sshconn.Connection, error) {
	return r.dialer(r.connCfg)
}

// SetInfo implements hostinfo.Target, called by hostinfo.FillBuffersAsync.
func (r *Runtime) SetInfo(info hostinfo.Info) {
	r.mu.Lock()
	r.info = &info
	r.mu.Unlock()
}

// CachedInfo returns the last HostInfo FillBuffersAsync or Info populated,
// without blocking on a probe. Used by internal/statusview's refresh
// ticker, which must never block the UI loop on a network round-trip.
func (r *Runtime) CachedInfo() (hostinfo.Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info == nil {
		return hostinfo.Info{}, false
	}
	return *r.info, true
}

// Info returns the cached HostInfo, probing lazily on first access if
// FillBuffersAsync hasn't already populated it.
func (r *Runtime) Info(ctx context.Context) (hostinfo.Info, error) {
	r.mu.Lock()
	cached := r.info
	r.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	var retErr error
	r.infoOnce.Do(func() {
		conn, err := r.Connect(ctx)
		if err != nil {
			retErr = err
			return
		}
		defer conn.Close()
		info, err := hostinfo.Read(ctx, conn, "")
		if err != nil {
			retErr = err
			return
		}
		r.SetInfo(info)
	})
	if retErr != nil {
		return hostinfo.Info{}, retErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info == nil {
		return hostinfo.Info{}, fmt.Errorf("host info unavailable for %s", r.host)
	}
	return *r.info, nil
}

// registerProcess adds p to the registry under key, overwriting any
// stale entry with the same key (keys are unique per spec.md §3; a
// collision only happens if a caller reuses the same task name/port pair
// concurrently, which is a caller error).
func (r *Runtime) registerProcess(key ProcessKey, cancel context.CancelFunc, done chan struct{}) *Process {
	p := &Process{Key: key, cancel: cancel, done: done}
	r.mu.Lock()
	r.processes[key] = p
	r.mu.Unlock()
	return p
}

// GetProcess returns the registered process for key, if any.
func (r *Runtime) GetProcess(key ProcessKey) (*Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.processes[key]
	return p, ok
}

// GetProcesses returns every registered process, optionally filtered to
// only those still alive.
func (r *Runtime) GetProcesses(onlyAlive bool) []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Process, 0, len(r.processes))
	for _, p := range r.processes {
		if onlyAlive && !p.Alive() {
			continue
		}
		out = append(out, p)
	}
	return out
}

// StopProcess cancels the process registered under key, if any, and waits
// for it to finish.
func (r *Runtime) StopProcess(key ProcessKey) error {
	r.mu.Lock()
	p, ok := r.processes[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
	return p.err
}

// CreateDir runs `mkdir -p path` on the runtime.
func (r *Runtime) CreateDir(ctx context.Context, path string) error {
	conn, err := r.Connect(ctx)
	if err != nil {
		return lzerr.NewPathCreationError(path, r.host, err)
	}
	defer conn.Close()
	if _, err := conn.Run(ctx, fmt.Sprintf("mkdir -p %q", path), nil, false); err != nil {
		return lzerr.NewPathCreationError(path, r.host, err)
	}
	return nil
}

// CreateTempDir runs `mktemp -d` on the runtime and returns the path it
// printed.
func (r *Runtime) CreateTempDir(ctx context.Context) (string, error) {
	conn, err := r.Connect(ctx)
	if err != nil {
		return "", lzerr.NewPathCreationError("(mktemp -d)", r.host, err)
	}
	defer conn.Close()
	res, err := conn.Run(ctx, "mktemp -d", nil, false)
	if err != nil {
		return "", lzerr.NewPathCreationError("(mktemp -d)", r.host, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// DeleteDir runs `rm -r path` on the runtime.
func (r *Runtime) DeleteDir(ctx context.Context, path string) error {
	conn, err := r.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Run(ctx, fmt.Sprintf("rm -r %q", path), nil, false)
	return err
}

// WorkingDir returns the runtime's working directory, creating a remote
// temp dir on first access if none was configured (spec.md §4.4 and §8
// property 4: "reading workingDir N times performs at most one remote
// mkdir").
func (r *Runtime) WorkingDir(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.workingDirSet {
		dir := r.workingDir
		r.mu.Unlock()
		return dir, nil
	}
	r.mu.Unlock()

	dir, err := r.CreateTempDir(ctx)
	if err != nil {
		return "", err
	}
	if err := r.setWorkingDir(ctx, dir, true); err != nil {
		return "", err
	}
	return dir, nil
}

func (r *Runtime) setWorkingDir(ctx context.Context, dir string, temp bool) error {
	if !temp {
		if err := r.CreateDir(ctx, dir); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.workingDir = dir
	r.workingDirSet = true
	r.workingDirTemp = temp
	r.envVariables[WorkingDirEnvKey] = dir
	r.mu.Unlock()
	return nil
}

// EnvVariables returns a copy of the runtime's environment map, which
// always carries WORKING_DIR once a working directory exists (spec.md §8
// property 5).
func (r *Runtime) EnvVariables() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.envVariables))
	for k, v := range r.envVariables {
		out[k] = v
	}
	return out
}

// SetEnv sets an additional environment variable visible to every task
// subsequently dispatched on this runtime (used by HyperoptCluster to add
// MONGO_CONNECTION_URL, per spec.md §6).
func (r *Runtime) SetEnv(key, value string) {
	r.mu.Lock()
	r.envVariables[key] = value
	r.mu.Unlock()
}

// Cleanup terminates every registered process, deletes the working
// directory if it was a temp dir, and cleans up every owned task. It
// tolerates processes that refuse to die within the grace period (logs
// and continues) and never returns an error, per spec.md §5.
func (r *Runtime) Cleanup(ctx context.Context) {
	for _, p := range r.GetProcesses(false) {
		if p.cancel != nil {
			p.cancel()
		}
		select {
		case <-p.done:
		case <-time.After(5 * time.Second):
			r.log.Warn().Str("host", r.host).Str("key", string(p.Key)).Msg("process did not exit within grace period during cleanup")
		}
	}

	r.mu.Lock()
	temp := r.workingDirTemp
	dir := r.workingDir
	tasks := append([]*task.Task(nil), r.tasks...)
	r.mu.Unlock()

	if temp && dir != "" {
		if err := r.DeleteDir(ctx, dir); err != nil {
			r.log.Warn().Str("host", r.host).Str("dir", dir).Err(err).Msg("failed to delete temp working dir during cleanup")
		}
	}
	for _, t := range tasks {
		t.Cleanup()
	}
}

// Tasks returns every task this runtime has executed, for log replay and
// function-return aggregation by RuntimeGroup.
func (r *Runtime) Tasks() []*task.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*task.Task(nil), r.tasks...)
}

func (r *Runtime) trackTask(t *task.Task) {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
}
