// Package task implements the composable remote-execution pipeline of
// spec.md §3/§4.3: an append-only list of steps, shipped over a single
// sshconn.Connection, with a round-trip protocol for serialized function
// invocation and lazy collection of their return values.
//
// There is no teacher equivalent (treykane/ssh-manager never composes
// multi-step remote pipelines); the step shape is grounded on the
// pack's addison-moore/cronium ssh-executor (an ordered unit of remote
// work dispatched over one connection, with a captured-output result per
// step) and original_source/src/lazycluster/runtimes.py for exact
// execution semantics.
package task

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// StepKind tags the elementary variant a Step holds.
type StepKind int

const (
	RunCommand StepKind = iota
	SendFile
	GetFile
	RunFunction
)

func (k StepKind) String() string {
	switch k {
	case RunCommand:
		return "RUN_COMMAND"
	case SendFile:
		return "SEND_FILE"
	case GetFile:
		return "GET_FILE"
	case RunFunction:
		return "RUN_FUNCTION"
	default:
		return "UNKNOWN"
	}
}

// Step is a tagged variant of the four forms in spec.md §3. A RunFunction
// step's SubSteps are pre-expanded at composition time (see runfunction.go)
// into the six elementary steps spec.md describes; Kind is RunFunction on
// the outer step and one of the three elementary kinds on each sub-step.
type Step struct {
	Kind StepKind

	Cmd string // RunCommand

	LocalPath  string // SendFile, GetFile
	RemotePath string // SendFile, GetFile (resolved lazily, see execute.go)

	SubSteps []Step // RunFunction only, in fixed order; see runfunction.go

	// FunctionName and KwargsPath record a RunFunction step's function and
	// kwargs file; execution runs the sub-steps alone, and DeepCopy uses
	// these two fields to rebuild the step for a copy.
	FunctionName string
	KwargsPath   string
}

// Task owns an append-only step list plus the metadata accumulated while
// executing it, per spec.md §3.
type Task struct {
	mu sync.Mutex

	Name  string
	steps []Step

	ExecutionLog         []string
	ReturnArtifactPaths  []string
	ExecutionLogFilePath string

	EnvVariables map[string]string
	OmitOnJoin   bool

	copyIndex int32

	process *processHandle

	tempDir     string
	tempDirOnce sync.Once
	tempDirErr  error

	pickleCounter map[string]*int64
}

// processHandle is the Go substitution for spec.md's "child process
// handle": a cancel function plus a done channel, matching the teacher's
// tunnel.Manager cancel-map pattern rather than an os/exec.Cmd (see
// DESIGN.md's process-model decision).
type processHandle struct {
	cancel func()
	done   chan struct{}
	err    error
}

// New creates an empty task. An empty name is replaced with one derived
// from a fresh identity, matching spec.md §3 ("user-supplied or derived
// from identity").
func New(name string) *Task {
	if name == "" {
		name = "task-" + uuid.NewString()[:8]
	}
	return &Task{
		Name:          name,
		EnvVariables:  map[string]string{},
		pickleCounter: map[string]*int64{},
	}
}

// Steps returns a copy of the current step list, so changes to the
// returned slice do not affect the task; steps are append-only before
// first execute (spec.md §3 invariant).
func (t *Task) Steps() []Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Step, len(t.steps))
	copy(out, t.steps)
	return out
}

func (t *Task) appendStep(s Step) *Task {
	t.mu.Lock()
	t.steps = append(t.steps, s)
	t.mu.Unlock()
	return t
}

// RunCommand appends a single elementary RUN_COMMAND step.
func (t *Task) RunCommand(cmd string) *Task {
	return t.appendStep(Step{Kind: RunCommand, Cmd: cmd})
}

// SendFile appends a single elementary SEND_FILE step. An empty remote
// path means "place under the connection's working dir with the same
// basename"; this resolution happens at execute time (see execute.go),
// not here, since it depends on the runtime's working directory.
func (t *Task) SendFile(local, remote string) *Task {
	return t.appendStep(Step{Kind: SendFile, LocalPath: local, RemotePath: remote})
}

// GetFile appends a single elementary GET_FILE step, with the same
// relativization rules as SendFile.
func (t *Task) GetFile(remote, local string) *Task {
	return t.appendStep(Step{Kind: GetFile, LocalPath: local, RemotePath: remote})
}

func (t *Task) nextPickleIndex(fnName string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctr, ok := t.pickleCounter[fnName]
	if !ok {
		var zero int64
		ctr = &zero
		t.pickleCounter[fnName] = ctr
	}
	return atomic.AddInt64(ctr, 1) - 1
}

func (t *Task) setProcess(p *processHandle) {
	t.mu.Lock()
	t.process = p
	t.mu.Unlock()
}

func (t *Task) getProcess() *processHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.process
}

func (t *Task) appendReturnArtifact(path string) {
	t.mu.Lock()
	t.ReturnArtifactPaths = append(t.ReturnArtifactPaths, path)
	t.mu.Unlock()
}

func (t *Task) appendLog(line string) {
	t.mu.Lock()
	t.ExecutionLog = append(t.ExecutionLog, line)
	t.mu.Unlock()
}

// String renders a task for debug logging.
func (t *Task) String() string {
	return fmt.Sprintf("Task(%s, %d steps)", t.Name, len(t.Steps()))
}
