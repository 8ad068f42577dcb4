package runtimegroup

import (
	"context"
	"fmt"

	"github.com/ml-tooling/lazycluster/runtime"
	"github.com/ml-tooling/lazycluster/task"
)

// ExecuteOptions mirrors runtime.ExecuteOptions plus the group-level
// dispatch choice (spec.md §4.5).
type ExecuteOptions struct {
	Host       string // dispatch target when Broadcast is false; "" means least-busy
	Broadcast  bool
	Async      bool
	OmitOnJoin bool
	Debug      bool
}

// ExecuteTask dispatches t per spec.md §4.5. In broadcast mode it returns
// one task per member runtime, in insertion order, with the caller's
// original t going to the first runtime and a DeepCopy to every other
// (spec.md §8 property 7). In non-broadcast mode it returns a single-
// element slice.
func (g *RuntimeGroup) ExecuteTask(ctx context.Context, t *task.Task, opts ExecuteOptions) ([]*task.Task, error) {
	if opts.Broadcast {
		return g.broadcast(ctx, t, opts)
	}

	var rt *runtime.Runtime
	if opts.Host != "" {
		runtimes, err := g.GetRuntimes([]string{opts.Host}, nil)
		if err != nil {
			return nil, err
		}
		rt = runtimes[opts.Host]
	} else {
		var err error
		rt, err = g.leastBusy()
		if err != nil {
			return nil, err
		}
	}

	g.trackTask(t)
	if err := rt.ExecuteTask(ctx, t, runtime.ExecuteOptions{Async: opts.Async, OmitOnJoin: opts.OmitOnJoin, Debug: opts.Debug}); err != nil {
		return nil, err
	}
	return []*task.Task{t}, nil
}

func (g *RuntimeGroup) broadcast(ctx context.Context, t *task.Task, opts ExecuteOptions) ([]*task.Task, error) {
	hosts := g.orderedHosts()
	if len(hosts) == 0 {
		return nil, fmt.Errorf("cannot broadcast: group has no runtimes")
	}

	dispatched := make([]*task.Task, len(hosts))
	errs := make([]error, len(hosts))

	type unit struct {
		idx int
		rt  *runtime.Runtime
		t   *task.Task
	}
	units := make([]unit, 0, len(hosts))

	for i, h := range hosts {
		rt := g.byHost[h]
		var ut *task.Task
		if i == 0 {
			ut = t
		} else {
			var err error
			ut, err = t.DeepCopy()
			if err != nil {
				return nil, fmt.Errorf("broadcast deep-copy for %s: %w", h, err)
			}
		}
		dispatched[i] = ut
		g.trackTask(ut)
		units = append(units, unit{idx: i, rt: rt, t: ut})
	}

	// Dispatches run concurrently once issued, per spec.md §5; the
	// ordering guarantee is only on the *order the dispatch calls are
	// issued in*, not on completion.
	done := make(chan int, len(units))
	for _, u := range units {
		u := u
		go func() {
			errs[u.idx] = u.rt.ExecuteTask(ctx, u.t, runtime.ExecuteOptions{Async: opts.Async, OmitOnJoin: opts.OmitOnJoin, Debug: opts.Debug})
			done <- u.idx
		}()
	}
	for range units {
		<-done
	}

	for i, err := range errs {
		if err != nil {
			return dispatched, fmt.Errorf("broadcast dispatch to %s failed: %w", hosts[i], err)
		}
	}
	return dispatched, nil
}

// leastBusy picks the runtime with the fewest alive task processes, ties
// broken by group iteration order.
func (g *RuntimeGroup) leastBusy() (*runtime.Runtime, error) {
	hosts := g.orderedHosts()
	if len(hosts) == 0 {
		return nil, fmt.Errorf("cannot dispatch: group has no runtimes")
	}
	var best *runtime.Runtime
	bestCount := -1
	for _, h := range hosts {
		rt := g.byHost[h]
		count := 0
		for _, p := range rt.GetProcesses(true) {
			if p.Key.IsTaskProcess() {
				count++
			}
		}
		if bestCount == -1 || count < bestCount {
			best = rt
			bestCount = count
		}
	}
	return best, nil
}

// SendFile fans local out to every member runtime, one task each, in
// group iteration order (spec.md §4.5).
func (g *RuntimeGroup) SendFile(ctx context.Context, local, remote string, async bool) ([]*task.Task, error) {
	hosts := g.orderedHosts()
	out := make([]*task.Task, len(hosts))
	for i, h := range hosts {
		rt := g.byHost[h]
		t, err := rt.SendFile(ctx, local, remote, async)
		if err != nil {
			return out, fmt.Errorf("send file to %s: %w", h, err)
		}
		g.trackTask(t)
		out[i] = t
	}
	return out, nil
}

// FunctionReturns concatenates every owned task's function-return
// sequence, in task-insertion order (spec.md §4.5).
func (g *RuntimeGroup) FunctionReturns() ([]any, []error) {
	g.mu.Lock()
	tasks := append([]*task.Task(nil), g.tasks...)
	g.mu.Unlock()

	var values []any
	var warnings []error
	for _, t := range tasks {
		vs, ws := t.Returns().All()
		values = append(values, vs...)
		warnings = append(warnings, ws...)
	}
	return values, warnings
}

// Join waits for every owned task's async process to finish, skipping
// those with OmitOnJoin set (spec.md §5).
func (g *RuntimeGroup) Join() error {
	g.mu.Lock()
	tasks := append([]*task.Task(nil), g.tasks...)
	g.mu.Unlock()

	for _, t := range tasks {
		if t.OmitOnJoin {
			continue
		}
		if err := t.Join(); err != nil {
			return err
		}
	}
	return nil
}
