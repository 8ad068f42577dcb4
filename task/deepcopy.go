package task

import (
	"fmt"
	"sync/atomic"
)

// DeepCopy produces a fresh task for broadcast dispatch (spec.md §4.3 and
// §8 property 1/7). Elementary steps are copied by value — they are
// immutable by invariant — but every RunFunction step is rebuilt from
// scratch via RunFunction, so the clone gets fresh manager-local wrapper
// and return paths instead of sharing the original's.
func (t *Task) DeepCopy() (*Task, error) {
	idx := atomic.AddInt32(&t.copyIndex, 1)
	clone := New(fmt.Sprintf("%s-%d", t.Name, idx))
	clone.EnvVariables = cloneEnv(t.EnvVariables)
	clone.OmitOnJoin = t.OmitOnJoin

	for _, step := range t.Steps() {
		switch step.Kind {
		case RunFunction:
			var kwargs map[string]any
			if step.KwargsPath != "" {
				kwargs = map[string]any{}
				if err := readGob(step.KwargsPath, &kwargs); err != nil {
					return nil, fmt.Errorf("re-read kwargs for %q on copy of %s: %w", step.FunctionName, t.Name, err)
				}
			}
			if _, err := clone.RunFunction(step.FunctionName, kwargs); err != nil {
				return nil, fmt.Errorf("re-register function %q on copy of %s: %w", step.FunctionName, t.Name, err)
			}
		default:
			clone.appendStep(step)
		}
	}
	return clone, nil
}

func cloneEnv(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
