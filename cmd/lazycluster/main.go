// Package main is the entry point for the lazycluster binary.
//
// lazycluster is a CLI (built with Cobra) for turning a set of
// password-less-SSH-reachable machines into a Dask or Hyperopt cluster:
// add-runtime/delete-runtime manage the candidate host list, list-runtimes
// discovers and validates it, and start-dask/start-hyperopt launch and
// block on a running cluster.
//
// Usage:
//
//	lazycluster add-runtime worker1 user@10.0.0.5
//	lazycluster list-runtimes --watch
//	lazycluster start-dask --workers 4
package main

import (
	"fmt"
	"os"

	"github.com/ml-tooling/lazycluster/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()

	// Any error returned by a RunE handler is printed to stderr and the
	// process exits with a non-zero status code.
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
