// Package permissions implements the PermissionProvider capability spec.md
// §4.6/§4.8 names for tool-call approval: allow/ask/deny decisions based on
// configurable glob patterns over tool name and arguments.
package permissions

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Decision is the outcome of evaluating a tool call against the configured
// patterns.
type Decision int

const (
	// Ask means the tool call requires explicit approval (the default).
	Ask Decision = iota
	// Allow means the tool call is auto-approved.
	Allow
	// Deny means the tool call is rejected before Agent ever invokes it.
	Deny
)

func (d Decision) String() string {
	switch d {
	case Ask:
		return "ask"
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "unknown"
	}
}

// Config is the subset of pkg/config a Checker needs: allow/deny pattern
// lists, kept as plain string slices so this package has no dependency on
// pkg/config's YAML-decoded shape.
type Config struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// Checker evaluates tool permissions. Deny always beats Allow, and the
// default with no matching pattern is Ask (spec.md §4.6 tool call loop must
// consult Provider before executing a tool).
type Checker struct {
	allowPatterns []string
	denyPatterns  []string
}

// NewChecker builds a Checker from cfg. A nil cfg behaves like an empty one
// (every tool call defaults to Ask).
func NewChecker(cfg *Config) *Checker {
	if cfg == nil {
		return &Checker{}
	}
	return &Checker{allowPatterns: cfg.Allow, denyPatterns: cfg.Deny}
}

// Check evaluates the permission for toolName with no argument conditions.
func (c *Checker) Check(toolName string) Decision {
	return c.CheckWithArgs(toolName, nil)
}

// CheckWithArgs evaluates the permission for toolName and its JSON-decoded
// arguments. Deny patterns are checked first, then Allow, defaulting to Ask.
//
// Patterns support simple tool names ("echo", "read_*") and argument
// conditions ("shell:cmd=ls*"), both matched as case-insensitive globs.
func (c *Checker) CheckWithArgs(toolName string, args map[string]any) Decision {
	for _, pattern := range c.denyPatterns {
		if matchToolPattern(pattern, toolName, args) {
			return Deny
		}
	}
	for _, pattern := range c.allowPatterns {
		if matchToolPattern(pattern, toolName, args) {
			return Allow
		}
	}
	return Ask
}

// IsEmpty reports whether no patterns are configured at all.
func (c *Checker) IsEmpty() bool {
	return len(c.allowPatterns) == 0 && len(c.denyPatterns) == 0
}

func parsePattern(pattern string) (toolPattern string, argPatterns map[string]string) {
	argPatterns = make(map[string]string)

	parts := strings.Split(pattern, ":")
	toolParts := []string{parts[0]}

	for _, part := range parts[1:] {
		if key, value, found := strings.Cut(part, "="); found && key != "" {
			argPatterns[key] = value
		} else if len(argPatterns) == 0 {
			toolParts = append(toolParts, part)
		}
	}

	return strings.Join(toolParts, ":"), argPatterns
}

func matchToolPattern(pattern, toolName string, args map[string]any) bool {
	toolPattern, argPatterns := parsePattern(pattern)

	if !matchGlob(toolPattern, toolName) {
		return false
	}
	if len(argPatterns) == 0 {
		return true
	}
	if args == nil {
		return false
	}

	for argName, argPattern := range argPatterns {
		argValue, exists := args[argName]
		if !exists {
			return false
		}
		if !matchGlob(argPattern, argToString(argValue)) {
			return false
		}
	}
	return true
}

func argToString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return fmt.Sprintf("%t", val)
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case int, int64:
		return fmt.Sprintf("%d", val)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// matchGlob matches value against pattern using filepath.Match semantics,
// case-insensitively, with a trailing-wildcard special case so "sudo*"
// matches "sudo rm -rf /" (filepath.Match's "*" does not match the "/"
// separator, which arguments such as paths often contain).
func matchGlob(pattern, value string) bool {
	pattern = strings.ToLower(pattern)
	value = strings.ToLower(value)

	if strings.HasSuffix(pattern, "*") && !strings.HasSuffix(pattern, "\\*") {
		prefix := pattern[:len(pattern)-1]
		if !strings.ContainsAny(prefix, "*?[") {
			return strings.HasPrefix(value, prefix)
		}
	}

	matched, err := filepath.Match(pattern, value)
	return err == nil && matched
}
