// Package runtime implements spec.md §4.4: one remote host's connection
// factory, child-process registry, working-directory lifecycle,
// port-forward tunnels and task executor. Grounded on the teacher's
// internal/tunnel/manager.go for the process-registry-with-mutex pattern
// (a map keyed by a structured string, a cancel func per entry, a watcher
// goroutine per entry) — generalized here from tunnels-only to every
// async unit of work a Runtime owns.
package runtime

import (
	"strconv"
	"strings"
)

const keyDelim = " :: "

// ProcessKind tags what a ProcessKey identifies, per spec.md §3.
type ProcessKind string

const (
	KindTask         ProcessKind = "task"
	KindLocalForward ProcessKind = "-L" // runtime -> local
	KindRemoteForward ProcessKind = "-R" // local -> runtime
)

// ProcessKey is the delimiter-joined string identity of a registered
// process: `host :: kind :: a :: b`. For a task, a = taskName and b is
// empty. For a tunnel, a/b are the runtime port and local port (in that
// order for both directions, per spec.md §3).
type ProcessKey string

// MakeTaskKey builds the key for an async task dispatch.
func MakeTaskKey(host, taskName string) ProcessKey {
	return ProcessKey(strings.Join([]string{host, string(KindTask), taskName, ""}, keyDelim))
}

// MakeTunnelKey builds the key for a port-forward tunnel in either
// direction.
func MakeTunnelKey(host string, kind ProcessKind, runtimePort, localPort int) ProcessKey {
	return ProcessKey(strings.Join([]string{host, string(kind), strconv.Itoa(runtimePort), strconv.Itoa(localPort)}, keyDelim))
}

// EmptyKey is returned by self-forward no-ops (spec.md §8 property 8).
const EmptyKey ProcessKey = ""

func (k ProcessKey) parts() []string {
	return strings.Split(string(k), keyDelim)
}

// Host returns the host component of the key, or "" if malformed.
func (k ProcessKey) Host() string {
	p := k.parts()
	if len(p) != 4 {
		return ""
	}
	return p[0]
}

// IsTaskProcess reports whether k identifies an async task dispatch
// (spec.md §8 property 2).
func (k ProcessKey) IsTaskProcess() bool {
	p := k.parts()
	return len(p) == 4 && p[1] == string(KindTask)
}

// IsPortExposureProcess reports whether k identifies a tunnel, in either
// direction.
func (k ProcessKey) IsPortExposureProcess() bool {
	p := k.parts()
	if len(p) != 4 {
		return false
	}
	return p[1] == string(KindLocalForward) || p[1] == string(KindRemoteForward)
}

// Describe splits k into its kind and the two trailing fields, for
// display purposes (internal/statusview's process table). Returns
// ("", "", "") for a malformed or EmptyKey.
func (k ProcessKey) Describe() (kind, a, b string) {
	p := k.parts()
	if len(p) != 4 {
		return "", "", ""
	}
	return p[1], p[2], p[3]
}
