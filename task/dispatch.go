package task

import "context"

// Dispatch runs the task in a background goroutine against a freshly
// opened connection, registering a processHandle so Join can block on
// completion later. connect is supplied by the owning Runtime (it knows
// how to open and cd into the working directory); this keeps task free of
// any direct sshconn.Dial dependency on connection parameters it doesn't
// own.
//
// This is the Go substitution, per DESIGN.md, for spec.md §4.4's "spawn a
// child that opens a connection... and drives task.execute": a goroutine
// plus a context.CancelFunc instead of an os-level child process.
func (t *Task) Dispatch(parent context.Context, connect func(context.Context) (workingDir string, run func(context.Context) error, closeFn func(), err error)) error {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	handle := &processHandle{cancel: cancel, done: done}
	t.setProcess(handle)

	workingDir, run, closeFn, err := connect(ctx)
	if err != nil {
		cancel()
		close(done)
		handle.err = err
		return err
	}
	_ = workingDir

	go func() {
		defer close(done)
		defer closeFn()
		handle.err = run(ctx)
	}()
	return nil
}

// RunSync executes the task inline against conn and returns any error,
// without touching the async process handle.
func (t *Task) RunSync(ctx context.Context, execute func(context.Context) error) error {
	return execute(ctx)
}

// Join blocks until the task's async process (if any) has finished, and
// returns the error it finished with. A task that was never dispatched
// asynchronously joins immediately with a nil error.
func (t *Task) Join() error {
	h := t.getProcess()
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// Cancel requests the task's async process stop, if one is running. It
// does not wait for it to exit; call Join afterward if that's needed.
func (t *Task) Cancel() {
	if h := t.getProcess(); h != nil && h.cancel != nil {
		h.cancel()
	}
}

// Cleanup releases the task's manager-local temp directory (wrapper and
// return pickle files), per spec.md §6: "both deleted at task cleanup."
func (t *Task) Cleanup() {
	t.cleanupTempDir()
}

// IsAlive reports whether the task's async process has not yet finished.
func (t *Task) IsAlive() bool {
	h := t.getProcess()
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
