// Command lazycluster-runner is the remote-side companion to task.Func
// round trips: it decodes a gob-encoded kwargs blob, invokes a named
// function from its compiled-in registry, and writes the gob-encoded
// result back out. It is deployed to each runtime once (Runtime.
// ensureRunnerInstalled) and invoked once per RunFunction sub-step.
//
// Built as a separate main so that remote hosts never need a Go
// toolchain: it is built ahead of time, the manager is given the local
// binary's path (Options.RunnerBin, which the CLI reads from
// LAZYCLUSTER_RUNNER_BIN) and ships it via Connection.Put, the same way the pack's
// cronium executor deploys its "runner" binary ahead of the work it
// dispatches.
package main

import (
	"fmt"
	"os"

	"github.com/ml-tooling/lazycluster/task"
)

func main() {
	if len(os.Args) < 2 {
		fail("usage: lazycluster-runner invoke <name> <kwargs-path> <return-path>")
	}
	switch os.Args[1] {
	case "invoke":
		if len(os.Args) != 5 {
			fail("usage: lazycluster-runner invoke <name> <kwargs-path> <return-path>")
		}
		invoke(os.Args[2], os.Args[3], os.Args[4])
	default:
		fail(fmt.Sprintf("unknown subcommand %q", os.Args[1]))
	}
}

func invoke(name, kwargsPath, returnPath string) {
	fn, ok := task.Lookup(name)
	if !ok {
		fail(fmt.Sprintf("function %q is not registered in this runner binary", name))
	}
	kwargs, err := task.DecodeKwargs(kwargsPath)
	if err != nil {
		fail(fmt.Sprintf("decode kwargs: %s", err))
	}
	result, err := fn(kwargs)
	if err != nil {
		fail(fmt.Sprintf("function %q failed: %s", name, err))
	}
	if err := task.EncodeReturn(returnPath, result); err != nil {
		fail(fmt.Sprintf("encode return: %s", err))
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
