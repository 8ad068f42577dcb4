// Package hostinfo implements the remote host probe described in
// spec.md §4.2, grounded on original_source/src/lazycluster/runtimes.py's
// _set_host_info (the teacher has no equivalent: it never introspects the
// remote host beyond checking the ssh binary is present locally).
package hostinfo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ml-tooling/lazycluster/sshconn"
)

// Info is the snapshot returned by Read, cached on the owning Runtime.
type Info struct {
	OS               string
	CPUCores         int
	MemoryMB         int
	PythonVersion    string
	WorkspaceVersion string
	GPUs             []string
}

// HasGPU reports whether the host has at least one GPU. Kept alongside the
// full GPU list (spec.md §12 supplement: "not just a boolean").
func (i Info) HasGPU() bool { return len(i.GPUs) > 0 }

const probeScript = `
python3 - <<'LZPROBE'
import multiprocessing, platform, sys

def cgroup_int(path):
    try:
        with open(path) as f:
            v = f.read().strip()
        return int(v)
    except Exception:
        return None

cpus = multiprocessing.cpu_count()
quota = cgroup_int("/sys/fs/cgroup/cpu.max".split()[0]) if False else None
quota_path = "/sys/fs/cgroup/cpu/cpu.cfs_quota_us"
period_path = "/sys/fs/cgroup/cpu/cpu.cfs_period_us"
q = cgroup_int(quota_path)
p = cgroup_int(period_path)
if q is not None and q > 0 and p:
    cpus = min(cpus, max(1, q // p))

mem_path = "/proc/meminfo"
mem_kb = None
try:
    with open(mem_path) as f:
        for line in f:
            if line.startswith("MemTotal:"):
                mem_kb = int(line.split()[1])
                break
except Exception:
    pass
mem_mb = (mem_kb // 1024) if mem_kb else 0

limit = cgroup_int("/sys/fs/cgroup/memory/memory.limit_in_bytes")
if limit and limit > 0:
    limit_mb = limit // (1024 * 1024)
    if limit_mb < mem_mb:
        mem_mb = limit_mb

print("OS=" + platform.platform())
print("CPU=" + str(cpus))
print("MEM=" + str(mem_mb))
print("PY=" + platform.python_version())
LZPROBE
`

const gpuScript = `nvidia-smi -q 2>/dev/null | grep -c "Product Name:"`

// Read probes the host reachable through conn and returns its Info.
func Read(ctx context.Context, conn sshconn.Connection, workspaceVersion string) (Info, error) {
	res, err := conn.Run(ctx, probeScript, nil, false)
	if err != nil {
		return Info{}, fmt.Errorf("host info probe on %s: %w", conn.Host(), err)
	}
	info := Info{WorkspaceVersion: workspaceVersion}
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "OS":
			info.OS = val
		case "CPU":
			if n, err := strconv.Atoi(val); err == nil {
				info.CPUCores = n
			}
		case "MEM":
			if n, err := strconv.Atoi(val); err == nil {
				info.MemoryMB = n
			}
		case "PY":
			info.PythonVersion = val
		}
	}

	gpuRes, err := conn.Run(ctx, gpuScript, nil, false)
	if err == nil {
		if n, convErr := strconv.Atoi(strings.TrimSpace(gpuRes.Stdout)); convErr == nil && n > 0 {
			info.GPUs = make([]string, n)
			for i := range info.GPUs {
				info.GPUs[i] = fmt.Sprintf("gpu-%d", i)
			}
		}
	}
	return info, nil
}

// Target is the minimal subset of Runtime that FillBuffersAsync needs: a
// connection factory and somewhere to stash the resulting Info.
type Target interface {
	Host() string
	Connect(ctx context.Context) (sshconn.Connection, error)
	SetInfo(Info)
}

// FillBuffersAsync probes every target in parallel, one goroutine per host
// (the Go substitution for spec.md §4.2's "one subprocess per runtime" —
// see DESIGN.md's process-model decision), and stores the result on each
// target before returning. Errors are collected but don't stop other
// probes; the caller gets every error keyed by host.
func FillBuffersAsync(ctx context.Context, targets []Target, workspaceVersion string) map[string]error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	errs := make(map[string]error)

	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			conn, err := t.Connect(ctx)
			if err != nil {
				mu.Lock()
				errs[t.Host()] = err
				mu.Unlock()
				return
			}
			defer conn.Close()
			info, err := Read(ctx, conn, workspaceVersion)
			if err != nil {
				mu.Lock()
				errs[t.Host()] = err
				mu.Unlock()
				return
			}
			t.SetInfo(info)
		}(t)
	}
	wg.Wait()
	return errs
}
