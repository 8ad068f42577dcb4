package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ml-tooling/lazycluster/lzerr"
	"github.com/ml-tooling/lazycluster/sshconn"
)

// Execute walks the step list against conn, per spec.md §4.3. workingDir
// is the connection's current directory, queried once by the caller
// (Runtime owns that cache so repeated executes on the same runtime don't
// re-query it — see spec.md §8 property 4, "working dir idempotence").
//
// When debug is true, elementary step stdout/stderr is written to
// os.Stdout/os.Stderr instead of the execution log file (ExecutionLog is
// still recorded), matching spec.md's "let stdout/stderr pass through to
// the manager's stdout".
func (t *Task) Execute(ctx context.Context, conn sshconn.Connection, workingDir string, debug bool) error {
	if t.ExecutionLogFilePath != "" {
		// Re-execute: still honor the existing log path (appended to, not
		// truncated), matching the manager-local execution_log layout.
	}

	steps := t.Steps()
	for i, step := range steps {
		if err := t.executeOuterStep(ctx, conn, workingDir, i, step, debug); err != nil {
			return err
		}
	}
	return nil
}

// executeOuterStep runs one top-level step. The step index passed to any
// TaskExecutionError is the *outer* index — a RunFunction's six sub-steps
// all report the same index, per spec.md §4.3 ("the step index advances
// only on the outer RUN_FUNCTION").
func (t *Task) executeOuterStep(ctx context.Context, conn sshconn.Connection, workingDir string, index int, step Step, debug bool) error {
	if step.Kind == RunFunction {
		for _, sub := range step.SubSteps {
			if err := t.executeElementary(ctx, conn, workingDir, index, sub, debug); err != nil {
				return err
			}
		}
		return nil
	}
	return t.executeElementary(ctx, conn, workingDir, index, step, debug)
}

func (t *Task) executeElementary(ctx context.Context, conn sshconn.Connection, workingDir string, index int, step Step, debug bool) error {
	switch step.Kind {
	case RunCommand:
		res, err := conn.Run(ctx, step.Cmd, t.EnvVariables, true)
		output := res.Stdout
		if debug {
			fmt.Fprint(os.Stdout, res.Stdout)
			fmt.Fprint(os.Stderr, res.Stderr)
		} else {
			t.writeExecutionLogFile(output)
		}
		t.appendLog(strings.TrimRight(output, "\n"))
		if err != nil {
			return lzerr.NewTaskExecutionError(index, t.Name, conn.Host(), t.ExecutionLogFilePath, output, err)
		}
		return nil

	case SendFile:
		remote := effectiveRemotePath(step.RemotePath, workingDir, filepath.Base(step.LocalPath))
		if err := conn.Put(ctx, step.LocalPath, remote); err != nil {
			return lzerr.NewTaskExecutionError(index, t.Name, conn.Host(), t.ExecutionLogFilePath, "", err)
		}
		return nil

	case GetFile:
		remote := effectiveRemotePath(step.RemotePath, workingDir, "")
		if err := conn.Get(ctx, remote, step.LocalPath); err != nil {
			return lzerr.NewTaskExecutionError(index, t.Name, conn.Host(), t.ExecutionLogFilePath, "", err)
		}
		return nil

	default:
		return fmt.Errorf("unexpected elementary step kind %v at index %d", step.Kind, index)
	}
}

// effectiveRemotePath applies spec.md §4.3's relativization rules: an
// empty path resolves to workingDir/basename; a leading "./" resolves
// relative to workingDir; anything else (an absolute path, or one already
// rooted elsewhere) is used as-is.
func effectiveRemotePath(remote, workingDir, basename string) string {
	switch {
	case remote == "":
		return filepath.Join(workingDir, basename)
	case strings.HasPrefix(remote, "./"):
		return filepath.Join(workingDir, strings.TrimPrefix(remote, "./"))
	default:
		return remote
	}
}

// writeExecutionLogFile tees cmd output into the per-execution log file,
// creating it (and its parent directory) on first write. Matches spec.md
// §6: "write mode is create-or-append."
func (t *Task) writeExecutionLogFile(output string) {
	if t.ExecutionLogFilePath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.ExecutionLogFilePath), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(t.ExecutionLogFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(output)
}
