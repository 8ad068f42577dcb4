package task

import (
	"os"
)

// FunctionReturns is the lazy, finite, restartable-by-reconstruction
// sequence over a task's ReturnArtifactPaths, per spec.md §4.3 and §9
// ("Lazy sequences"). It holds the path list by value; each call to Next
// opens (or re-opens) the next file rather than keeping decoders around.
type FunctionReturns struct {
	task   *Task
	paths  []string
	i      int
	joined bool
}

// Returns builds the sequence for t. The first call to Next blocks on
// Join() if the task was dispatched asynchronously, per spec.md §4.3
// ("First touch of the sequence must join() the task").
func (t *Task) Returns() *FunctionReturns {
	paths := make([]string, len(t.ReturnArtifactPaths))
	copy(paths, t.ReturnArtifactPaths)
	return &FunctionReturns{task: t, paths: paths}
}

// Next returns the next function return value in registration order, or
// ok=false once exhausted. A declared artifact file that's missing yields
// a nil value with ok=true and a non-nil warning, matching spec.md's
// "yield a null placeholder and emit a warning — do not raise."
func (r *FunctionReturns) Next() (value any, ok bool, warning error) {
	if !r.joined {
		r.joined = true
		if err := r.task.Join(); err != nil {
			r.i = len(r.paths)
			return nil, true, err
		}
	}
	if r.i >= len(r.paths) {
		return nil, false, nil
	}
	path := r.paths[r.i]
	r.i++

	if _, err := os.Stat(path); err != nil {
		return nil, true, err
	}
	var v any
	if err := readGob(path, &v); err != nil {
		return nil, true, err
	}
	return v, true, nil
}

// All drains the sequence into a slice, for callers that don't need
// streaming (e.g. RuntimeGroup.FunctionReturns concatenation).
func (r *FunctionReturns) All() ([]any, []error) {
	var values []any
	var warnings []error
	for {
		v, ok, warn := r.Next()
		if !ok {
			break
		}
		values = append(values, v)
		if warn != nil {
			warnings = append(warnings, warn)
		}
	}
	return values, warnings
}
