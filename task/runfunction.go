package task

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// Func is a unit of remote-executable work registered by name. Go cannot
// serialize a closure's captured environment the way the reference
// implementation's cloudpickle does, so RunFunction's "equivalent-
// capability requirement" (spec.md §6: "any equivalent serializer-with-
// closures library suffices... provided the remote end uses the same
// one") is met by shipping a small statically linked companion binary
// (cmd/lazycluster-runner) that holds a compiled-in registry of named
// Funcs and is invoked with a gob-encoded kwargs blob, mirroring how the
// pack's cronium executor deploys a "runner" binary ahead of the work it
// dispatches (see DESIGN.md).
type Func func(kwargs map[string]any) (any, error)

var registry = map[string]Func{}

// Register adds fn to the process-wide registry under name. Both the
// manager process and the lazycluster-runner binary shipped to remote
// hosts must import the same registration so a RunFunction step composed
// on one side can be executed on the other.
func Register(name string, fn Func) {
	registry[name] = fn
}

// Lookup returns the registered Func for name, used by
// cmd/lazycluster-runner to dispatch a RUN_FUNCTION invocation.
func Lookup(name string) (Func, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// RunnerBinary is the remote path of the lazycluster-runner companion
// binary. Runtime.ensureRunnerInstalled (see runtime package) is
// responsible for making sure this path exists on each host before any
// RunFunction step runs there.
const RunnerBinary = "lazycluster-runner"

// RunFunction is the only non-elementary composer (spec.md §4.3). It
// serializes kwargs, reserves local wrapper/return paths, and appends a
// single RUN_FUNCTION step whose sub-steps implement the full round trip.
func (t *Task) RunFunction(name string, kwargs map[string]any) (*Task, error) {
	if _, ok := registry[name]; !ok {
		return nil, fmt.Errorf("function %q is not registered (call task.Register before composing a task that uses it)", name)
	}

	dir, err := t.ensureTempDir()
	if err != nil {
		return nil, err
	}

	idx := t.nextPickleIndex(name)
	localWrapper := filepath.Join(dir, fmt.Sprintf("local_%s%d.gob", name, idx))
	localReturn := filepath.Join(dir, fmt.Sprintf("return_%s%d.gob", name, idx))
	remoteWrapper := fmt.Sprintf("./%s", filepath.Base(localWrapper))
	remoteReturn := fmt.Sprintf("./%s", filepath.Base(localReturn))

	if err := writeGob(localWrapper, kwargs); err != nil {
		return nil, fmt.Errorf("serialize kwargs for %s: %w", name, err)
	}

	sub := []Step{
		{Kind: SendFile, LocalPath: localWrapper, RemotePath: remoteWrapper},
		{Kind: RunCommand, Cmd: ensureRunnerCommand()},
		{Kind: RunCommand, Cmd: fmt.Sprintf("%s invoke %s %s %s", RunnerBinary, name, remoteWrapper, remoteReturn)},
		{Kind: RunCommand, Cmd: fmt.Sprintf("rm -f %s", remoteWrapper)},
		{Kind: GetFile, RemotePath: remoteReturn, LocalPath: localReturn},
		{Kind: RunCommand, Cmd: fmt.Sprintf("rm -f %s", remoteReturn)},
	}

	t.appendStep(Step{
		Kind:         RunFunction,
		FunctionName: name,
		KwargsPath:   localWrapper,
		SubSteps:     sub,
	})
	t.appendReturnArtifact(localReturn)
	return t, nil
}

// ensureRunnerCommand is the RUN_FUNCTION sub-step equivalent of "pip
// install -q cloudpickle": a cheap, idempotent check that the runner
// binary is already on the remote PATH. Runtime's ensureRunnerInstalled
// is the one that actually SEND_FILEs it there the first time; this
// sub-step exists so a task replayed against a fresh host still fails
// loudly instead of silently no-op'ing.
func ensureRunnerCommand() string {
	return fmt.Sprintf("command -v %s >/dev/null 2>&1 || { echo 'lazycluster-runner missing on PATH' >&2; exit 127; }", RunnerBinary)
}

func init() {
	// Register the primitive kinds kwargs maps commonly hold so gob can
	// round-trip map[string]any without the caller registering anything.
	for _, v := range []any{"", 0, int64(0), 0.0, false, []string{}, []int{}} {
		gob.Register(v)
	}
}

func writeGob(path string, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func readGob(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// DecodeKwargs reads a gob-encoded kwargs blob written by RunFunction.
// Exported for cmd/lazycluster-runner, which runs on the remote host and
// has no other way to reach this package's serialization format.
func DecodeKwargs(path string) (map[string]any, error) {
	kwargs := map[string]any{}
	if err := readGob(path, &kwargs); err != nil {
		return nil, err
	}
	return kwargs, nil
}

// EncodeReturn writes a gob-encoded function result to path, the
// counterpart of DecodeKwargs used by cmd/lazycluster-runner.
func EncodeReturn(path string, v any) error {
	return writeGob(path, v)
}

// ensureTempDir lazily creates the manager-local temp directory shared by
// every RunFunction registration on this task (spec.md §4.3 step 1).
func (t *Task) ensureTempDir() (string, error) {
	t.tempDirOnce.Do(func() {
		dir, err := os.MkdirTemp("", "lazycluster-task-*")
		if err != nil {
			t.tempDirErr = err
			return
		}
		t.tempDir = dir
	})
	return t.tempDir, t.tempDirErr
}

// cleanupTempDir removes the manager-local temp dir, if one was created.
// Called from Task.Cleanup.
func (t *Task) cleanupTempDir() {
	if t.tempDir != "" {
		_ = os.RemoveAll(t.tempDir)
	}
}
