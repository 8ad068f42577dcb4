// Package runtimemgr implements spec.md §4.5/§6's RuntimeManager:
// discovering candidate hosts from a HostSource, validating each as a
// runtime.Runtime, and constructing filtered runtimegroup.RuntimeGroup
// instances. Grounded on the teacher's internal/config (parser as the
// default HostSource, writer for add-runtime/delete-runtime persistence)
// and internal/doctor (diagnostics.go's DiagnosticReport), internal/bundle
// (grouppreset.go's YAML CRUD pattern).
package runtimemgr

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ml-tooling/lazycluster/internal/sshconfig"
	"github.com/ml-tooling/lazycluster/lzerr"
	"github.com/ml-tooling/lazycluster/runtime"
	"github.com/ml-tooling/lazycluster/runtimegroup"
	"github.com/ml-tooling/lazycluster/sshconn"
	"github.com/rs/zerolog"
)

// HostSource yields candidate hostnames for discovery (spec.md §1: "CLI
// wrapper, SSH-config discovery (treated as a HostSource interface
// yielding candidate hostnames)"). The default implementation wraps
// internal/sshconfig.ParseDefault.
type HostSource interface {
	Hosts(ctx context.Context) ([]sshconfig.HostEntry, error)
}

type sshConfigSource struct{ path string }

// DefaultHostSource returns a HostSource backed by ~/.ssh/config.
func DefaultHostSource() HostSource { return sshConfigSource{} }

// FileHostSource returns a HostSource backed by the config file at path,
// mainly useful for tests.
func FileHostSource(path string) HostSource { return sshConfigSource{path: path} }

func (s sshConfigSource) Hosts(ctx context.Context) ([]sshconfig.HostEntry, error) {
	var res sshconfig.ParseResult
	var err error
	if s.path == "" {
		res, err = sshconfig.ParseDefault()
	} else {
		res, err = sshconfig.ParseFile(s.path)
	}
	if err != nil {
		return nil, err
	}
	return res.Hosts, nil
}

// Manager discovers, validates and groups runtimes.
type Manager struct {
	source    HostSource
	log       zerolog.Logger
	runnerBin string
	dialer    func(sshconn.Config) (sshconn.Connection, error)
}

// Options configures a Manager.
type Options struct {
	Source    HostSource
	Logger    zerolog.Logger
	RunnerBin string
	// Dialer overrides how ValidateOne/BuildGroup open the SSH connection
	// used to probe a candidate host; nil uses sshconn.Dial. Tests inject
	// a fake here instead of dialing a real host.
	Dialer func(sshconn.Config) (sshconn.Connection, error)
}

// New creates a Manager. A nil Source defaults to ~/.ssh/config.
func New(opts Options) *Manager {
	src := opts.Source
	if src == nil {
		src = DefaultHostSource()
	}
	return &Manager{source: src, log: opts.Logger, runnerBin: opts.RunnerBin, dialer: opts.Dialer}
}

// connConfig builds an sshconn.Config from a discovered host entry.
func (m *Manager) connConfig(h sshconfig.HostEntry) sshconn.Config {
	return sshconn.Config{
		Host:         h.HostName,
		Port:         h.Port,
		User:         h.User,
		IdentityFile: h.IdentityFile,
	}
}

// ValidateOne attempts to construct a runtime.Runtime for host h, per
// spec.md §4.4's isValidRuntime probe.
func (m *Manager) ValidateOne(ctx context.Context, h sshconfig.HostEntry) (*runtime.Runtime, error) {
	return runtime.New(ctx, m.connConfig(h), runtime.Options{Logger: m.log, RunnerBin: m.runnerBin, Dialer: m.dialer})
}

// BuildOptions controls BuildGroup's host selection (spec.md §12
// supplement: "create_group supports both a min_runtimes count and an
// exclusion list").
type BuildOptions struct {
	MinRuntimes int
	Exclude     []string
}

// BuildGroup discovers hosts via the Manager's HostSource, validates each
// concurrently, and assembles the valid ones into a RuntimeGroup. It
// fails with NoRuntimesDetected if discovery yields nothing, or if fewer
// than MinRuntimes validate successfully.
func (m *Manager) BuildGroup(ctx context.Context, opts BuildOptions) (*runtimegroup.RuntimeGroup, error) {
	hosts, err := m.source.Hosts(ctx)
	if err != nil {
		return nil, lzerr.NewNoRuntimesDetected(err)
	}
	excluded := toSet(opts.Exclude)
	var candidates []sshconfig.HostEntry
	for _, h := range hosts {
		if !excluded[h.Alias] {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		return nil, lzerr.NewNoRuntimesDetected(nil)
	}

	type result struct {
		rt  *runtime.Runtime
		err error
		h   sshconfig.HostEntry
	}
	results := make([]result, len(candidates))
	var wg sync.WaitGroup
	for i, h := range candidates {
		wg.Add(1)
		go func(i int, h sshconfig.HostEntry) {
			defer wg.Done()
			rt, err := m.ValidateOne(ctx, h)
			results[i] = result{rt: rt, err: err, h: h}
		}(i, h)
	}
	wg.Wait()

	group := runtimegroup.New(m.log)
	for _, r := range results {
		if r.err != nil {
			m.log.Warn().Str("host", r.h.Alias).Err(r.err).Msg("runtime failed validation, excluded from group")
			continue
		}
		if err := group.AddRuntime(r.rt); err != nil {
			m.log.Warn().Str("host", r.h.Alias).Err(err).Msg("duplicate runtime skipped")
		}
	}

	if group.Len() == 0 {
		return nil, lzerr.NewNoRuntimesDetected(fmt.Errorf("no candidate host passed validation"))
	}
	if opts.MinRuntimes > 0 && group.Len() < opts.MinRuntimes {
		return nil, lzerr.NewNoRuntimesDetected(fmt.Errorf("only %d of %d required runtimes validated", group.Len(), opts.MinRuntimes))
	}
	return group, nil
}

func toSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

// AddRuntime persists a new SSH config entry for name, per spec.md §6's
// add-runtime subcommand. options carries the --options flag's parsed
// "Key=Value" pairs; only Port, User and ProxyJump are recognized
// overrides, matching the fields HostEntry models.
func (m *Manager) AddRuntime(name, connectionURI, identityFile string, options map[string]string) error {
	if err := sshconfig.ValidateAlias(name); err != nil {
		return err
	}
	entry, err := sshconfig.ParseDestination(name, connectionURI)
	if err != nil {
		return err
	}
	if identityFile != "" {
		entry.IdentityFile = identityFile
	}
	if v, ok := options["ProxyJump"]; ok {
		entry.ProxyJump = v
	}
	if v, ok := options["User"]; ok {
		entry.User = v
	}
	if v, ok := options["Port"]; ok {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			entry.Port = p
		}
	}
	return sshconfig.AppendHostEntry(entry)
}

// DeleteRuntime removes name's SSH config entry. If the host validates, the
// freshly built Runtime is cleaned up first; that Runtime has no working
// directory or tasks of its own, so no remote directory left behind by an
// earlier session is deleted. An unreachable host still has its config
// entry removed.
func (m *Manager) DeleteRuntime(ctx context.Context, name string) error {
	hosts, err := m.source.Hosts(ctx)
	if err == nil {
		for _, h := range hosts {
			if h.Alias != name {
				continue
			}
			if rt, verr := m.ValidateOne(ctx, h); verr == nil {
				rt.Cleanup(ctx)
			}
			break
		}
	}
	return sshconfig.RemoveHostEntry(name)
}

// ListRuntimes returns every candidate host the Manager's HostSource
// currently yields, for the list-runtimes subcommand.
func (m *Manager) ListRuntimes(ctx context.Context) ([]sshconfig.HostEntry, error) {
	return m.source.Hosts(ctx)
}
