package sshconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AppendHostEntry appends a formatted Host block to ~/.ssh/config,
// adapted from the teacher's config.AppendHostEntry. The block lands at
// the end of the file, which OpenSSH's first-match-wins resolution gives
// the lowest priority.
func AppendHostEntry(entry HostEntry) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home dir: %w", err)
	}
	path := filepath.Join(home, ".ssh", "config")

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read ssh config: %w", err)
	}

	block := FormatHostBlock(entry)
	var prefix string
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		prefix = "\n"
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open ssh config for append: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(prefix + "\n" + block); err != nil {
		return fmt.Errorf("write host block: %w", err)
	}
	return nil
}

// RemoveHostEntry rewrites ~/.ssh/config with the Host block for alias
// removed. Used by delete-runtime.
func RemoveHostEntry(alias string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home dir: %w", err)
	}
	path := filepath.Join(home, ".ssh", "config")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read ssh config: %w", err)
	}

	var out []string
	skipping := false
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(trimmed), "host ") {
			patterns := strings.Fields(trimmed)[1:]
			skipping = containsExact(patterns, alias)
		}
		if !skipping {
			out = append(out, line)
		}
	}
	return os.WriteFile(path, []byte(strings.Join(out, "\n")), 0o600)
}

func containsExact(patterns []string, alias string) bool {
	for _, p := range patterns {
		if p == alias {
			return true
		}
	}
	return false
}

// FormatHostBlock produces a Host block string from entry, omitting
// fields that equal OpenSSH's defaults.
func FormatHostBlock(entry HostEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Host %s\n", entry.Alias)
	if entry.HostName != "" && entry.HostName != entry.Alias {
		fmt.Fprintf(&b, "  HostName %s\n", entry.HostName)
	}
	if entry.User != "" {
		fmt.Fprintf(&b, "  User %s\n", entry.User)
	}
	if entry.Port != 0 && entry.Port != 22 {
		fmt.Fprintf(&b, "  Port %d\n", entry.Port)
	}
	if entry.IdentityFile != "" {
		fmt.Fprintf(&b, "  IdentityFile %s\n", entry.IdentityFile)
	}
	if entry.ProxyJump != "" {
		fmt.Fprintf(&b, "  ProxyJump %s\n", entry.ProxyJump)
	}
	return b.String()
}

// ValidateAlias rejects an empty/wildcard alias or one that collides with
// an existing entry in ~/.ssh/config.
func ValidateAlias(alias string) error {
	if strings.TrimSpace(alias) == "" {
		return fmt.Errorf("alias cannot be empty")
	}
	if strings.ContainsAny(alias, " \t*?!") {
		return fmt.Errorf("alias cannot contain spaces or wildcard characters")
	}
	res, err := ParseDefault()
	if err != nil {
		return nil
	}
	for _, h := range res.Hosts {
		if strings.EqualFold(h.Alias, alias) {
			return fmt.Errorf("alias %q already exists in ssh config", alias)
		}
	}
	return nil
}

// ParseDestination parses a `user@host:port` style connection URI into a
// HostEntry, adapted from the teacher's internal/ui/form.go
// parseQuickConnect (the one piece of that interactive form kept — see
// DESIGN.md — since add-runtime's positional argument needs the same
// parsing, just driven by a CLI argument instead of a TUI field).
func ParseDestination(alias, input string) (HostEntry, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return HostEntry{}, fmt.Errorf("connection uri cannot be empty")
	}
	h := HostEntry{Alias: alias, Port: 22}

	if atIdx := strings.Index(input, "@"); atIdx > 0 {
		h.User = input[:atIdx]
		input = input[atIdx+1:]
	}
	if colonIdx := strings.LastIndex(input, ":"); colonIdx > 0 {
		portStr := input[colonIdx+1:]
		var port int
		if n, err := fmt.Sscanf(portStr, "%d", &port); err == nil && n == 1 && port > 0 && port <= 65535 {
			h.Port = port
			input = input[:colonIdx]
		}
	}
	h.HostName = input
	if h.Alias == "" {
		h.Alias = input
	}
	if h.HostName == "" {
		return HostEntry{}, fmt.Errorf("hostname cannot be empty")
	}
	return h, nil
}
