// label.go renders the one-line description shown on approval messages.
package arbiter

import (
	"fmt"
	"path/filepath"
	"strings"
)

const maxHintLen = 80

// FormatLabel renders a tool call as `Name(arg-hint)`. Tool names carrying
// an MCP scheme prefix (mcp__server__tool) are shown by their bare tool
// name; the hint picks the most descriptive argument for the tool.
func FormatLabel(toolName string, input map[string]any) string {
	name := StripMCPPrefix(toolName)
	hint := argHint(name, input)
	if hint == "" {
		return name
	}
	return fmt.Sprintf("%s(%s)", name, hint)
}

// StripMCPPrefix removes the mcp__<server>__ scheme from a tool name.
func StripMCPPrefix(toolName string) string {
	if !strings.HasPrefix(toolName, "mcp__") {
		return toolName
	}
	rest := strings.TrimPrefix(toolName, "mcp__")
	if _, tool, ok := strings.Cut(rest, "__"); ok && tool != "" {
		return tool
	}
	return toolName
}

func argHint(name string, input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	switch name {
	case "Bash":
		return truncate(str(input, "command"))
	case "Read", "Write", "Edit", "NotebookEdit":
		return shortPath(str(input, "file_path"))
	case "Glob", "Grep":
		pattern := str(input, "pattern")
		if p := str(input, "path"); p != "" {
			return truncate(pattern + " in " + shortPath(p))
		}
		return truncate(pattern)
	case "WebFetch", "WebSearch":
		if u := str(input, "url"); u != "" {
			return truncate(u)
		}
		return truncate(str(input, "query"))
	}
	for _, key := range []string{"command", "file_path", "path", "pattern", "query", "url", "message", "description"} {
		if v := str(input, key); v != "" {
			return truncate(v)
		}
	}
	return ""
}

func str(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}

// shortPath keeps the last two segments of a path.
func shortPath(p string) string {
	if p == "" {
		return ""
	}
	dir, base := filepath.Split(filepath.Clean(p))
	parent := filepath.Base(filepath.Clean(dir))
	if parent == "." || parent == string(filepath.Separator) || parent == "" {
		return base
	}
	return filepath.Join(parent, base)
}

func truncate(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > maxHintLen {
		return s[:maxHintLen-1] + "…"
	}
	return s
}
