// Package sshconfig parses OpenSSH client config files into candidate
// hosts for runtimemgr's default HostSource, and writes new Host blocks
// for the add-runtime/delete-runtime CLI commands.
//
// Adapted from the teacher's internal/config/{parser,writer}.go: the
// two-phase compile (collect concrete aliases, then merge directives from
// every matching block, last-value-wins), Include cycle detection via a
// seen-set and depth bound, and wildcard/negation pattern matching are
// all kept; HostEntry is narrowed to the fields lazycluster's Runtime
// actually needs (HostName/User/Port/IdentityFile/ProxyJump) and
// LocalForward parsing is dropped (lazycluster establishes its own
// tunnels; it doesn't need to learn about ones declared in ~/.ssh/config).
package sshconfig

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxIncludeDepth = 8

// HostEntry is one compiled `Host` alias and its resolved connection
// parameters.
type HostEntry struct {
	Alias        string
	HostName     string
	User         string
	Port         int
	IdentityFile string
	ProxyJump    string
}

// ParseResult is the output of parsing one or more config files.
type ParseResult struct {
	Hosts    []HostEntry
	Warnings []string
}

type rawBlock struct {
	patterns []string
	values   map[string][]string
}

// ParseDefault parses ~/.ssh/config, following Include directives.
func ParseDefault() (ParseResult, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return ParseResult{}, fmt.Errorf("resolve home dir: %w", err)
	}
	return ParseFile(filepath.Join(home, ".ssh", "config"))
}

// ParseFile parses the config file at path.
func ParseFile(path string) (ParseResult, error) {
	seen := map[string]bool{}
	var warnings []string
	blocks, err := parseRecursive(path, seen, 0, &warnings)
	if err != nil {
		return ParseResult{}, err
	}
	return ParseResult{Hosts: compileHosts(blocks), Warnings: warnings}, nil
}

func parseRecursive(path string, seen map[string]bool, depth int, warnings *[]string) ([]rawBlock, error) {
	if depth > maxIncludeDepth {
		*warnings = append(*warnings, fmt.Sprintf("include depth exceeded at %s", path))
		return nil, nil
	}
	abs, err := filepath.Abs(expandHome(path))
	if err != nil {
		return nil, err
	}
	if seen[abs] {
		*warnings = append(*warnings, fmt.Sprintf("include cycle detected at %s", abs))
		return nil, nil
	}
	seen[abs] = true

	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", abs, err)
	}
	defer f.Close()

	var blocks []rawBlock
	var current *rawBlock

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := stripInlineComment(scanner.Text())
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, val, ok := splitDirective(line)
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "host":
			if current != nil {
				blocks = append(blocks, *current)
			}
			current = &rawBlock{patterns: strings.Fields(val), values: map[string][]string{}}
		case "include":
			dir := filepath.Dir(abs)
			for _, pattern := range strings.Fields(val) {
				p := pattern
				if !filepath.IsAbs(p) {
					p = filepath.Join(dir, p)
				}
				matches, _ := filepath.Glob(p)
				if matches == nil {
					matches = []string{p}
				}
				sort.Strings(matches)
				for _, m := range matches {
					sub, err := parseRecursive(m, seen, depth+1, warnings)
					if err != nil {
						*warnings = append(*warnings, err.Error())
						continue
					}
					blocks = append(blocks, sub...)
				}
			}
		default:
			if current != nil {
				current.values[strings.ToLower(key)] = append(current.values[strings.ToLower(key)], val)
			}
		}
	}
	if current != nil {
		blocks = append(blocks, *current)
	}
	return blocks, scanner.Err()
}

func compileHosts(blocks []rawBlock) []HostEntry {
	aliasSet := map[string]bool{}
	var aliasOrder []string
	for _, b := range blocks {
		for _, p := range b.patterns {
			if isConcreteAlias(p) && !aliasSet[p] {
				aliasSet[p] = true
				aliasOrder = append(aliasOrder, p)
			}
		}
	}

	entries := make([]HostEntry, 0, len(aliasOrder))
	for _, alias := range aliasOrder {
		e := HostEntry{Alias: alias, HostName: alias, Port: 22}
		for _, b := range blocks {
			if !matchesAny(alias, b.patterns) {
				continue
			}
			if v := last(b.values["hostname"]); v != "" {
				e.HostName = v
			}
			if v := last(b.values["user"]); v != "" {
				e.User = v
			}
			if v := last(b.values["port"]); v != "" {
				fmt.Sscanf(v, "%d", &e.Port)
			}
			if v := last(b.values["identityfile"]); v != "" {
				e.IdentityFile = expandHome(v)
			}
			if v := last(b.values["proxyjump"]); v != "" {
				e.ProxyJump = v
			}
		}
		entries = append(entries, e)
	}
	return entries
}

func last(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return vs[len(vs)-1]
}

func isConcreteAlias(pattern string) bool {
	return !strings.ContainsAny(pattern, "*?!")
}

// matchesAny reports whether alias matches any pattern in patterns,
// honoring a leading "!" as negation (a single negated match excludes the
// alias even if an earlier pattern matched).
func matchesAny(alias string, patterns []string) bool {
	matched := false
	for _, p := range patterns {
		neg := strings.HasPrefix(p, "!")
		pat := strings.TrimPrefix(p, "!")
		if globMatch(pat, alias) {
			if neg {
				return false
			}
			matched = true
		}
	}
	return matched
}

func globMatch(pattern, name string) bool {
	ok, err := filepath.Match(pattern, name)
	return err == nil && ok
}

func splitDirective(line string) (key, val string, ok bool) {
	if idx := strings.IndexAny(line, " \t="); idx >= 0 {
		key = line[:idx]
		val = strings.TrimSpace(strings.TrimPrefix(line[idx:], "="))
		val = strings.TrimSpace(val)
		return key, val, true
	}
	return line, "", true
}

func stripInlineComment(line string) string {
	inQuotes := false
	for i, r := range line {
		switch r {
		case '"':
			inQuotes = !inQuotes
		case '#':
			if !inQuotes {
				return line[:i]
			}
		}
	}
	return line
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~/"))
		}
	}
	return p
}
