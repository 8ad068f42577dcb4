package runtimemgr

import (
	"context"
	"fmt"
	"sort"

	"github.com/ml-tooling/lazycluster/internal/sshconfig"
)

// Severity classifies a diagnostic Issue, adapted from the teacher's
// internal/doctor package.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Issue is one diagnostic finding.
type Issue struct {
	Severity       Severity
	Check          string
	Target         string
	Message        string
	Recommendation string
}

// DiagnosticReport collects Issues found while validating the Manager's
// candidate hosts. Re-targeted from the teacher's tunnel/ssh-config
// posture checks (internal/doctor/doctor.go) to runtime reachability,
// python3 availability, and duplicate-bind-style alias collisions.
type DiagnosticReport struct {
	Issues []Issue
}

// HasHigh reports whether the report contains any high-severity issue.
func (r DiagnosticReport) HasHigh() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// Diagnose validates every candidate host from the Manager's HostSource
// and reports why any of them would fail to join a group, without
// building the group itself. Useful for add-runtime's post-add sanity
// check and for a future `doctor`-style CLI surface.
func (m *Manager) Diagnose(ctx context.Context) (DiagnosticReport, error) {
	hosts, err := m.source.Hosts(ctx)
	if err != nil {
		return DiagnosticReport{}, fmt.Errorf("discover hosts: %w", err)
	}

	var issues []Issue
	issues = append(issues, duplicateAliasIssues(hosts)...)

	for _, h := range hosts {
		if _, err := m.ValidateOne(ctx, h); err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "runtime-unreachable",
				Target:         h.Alias,
				Message:        err.Error(),
				Recommendation: "verify ssh connectivity and that python3 >= 3.6 is installed",
			})
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		ri, rj := severityRank(issues[i].Severity), severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return issues[i].Target < issues[j].Target
	})
	return DiagnosticReport{Issues: issues}, nil
}

func duplicateAliasIssues(hosts []sshconfig.HostEntry) []Issue {
	seen := map[string]int{}
	for _, h := range hosts {
		seen[h.Alias]++
	}
	var issues []Issue
	for alias, n := range seen {
		if n > 1 {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "duplicate-alias",
				Target:         alias,
				Message:        fmt.Sprintf("alias %q appears %d times in ssh config", alias, n),
				Recommendation: "use unique Host aliases to avoid ambiguous discovery",
			})
		}
	}
	return issues
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
