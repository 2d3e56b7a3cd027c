package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/martinemde/tau/unifiedllm"
)

// CoreToolOptions bounds the shell tool.
type CoreToolOptions struct {
	DefaultCommandTimeout time.Duration
	MaxCommandTimeout     time.Duration
}

// DefaultCoreToolOptions returns a 10s default and a 10m ceiling.
func DefaultCoreToolOptions() CoreToolOptions {
	return CoreToolOptions{
		DefaultCommandTimeout: 10 * time.Second,
		MaxCommandTimeout:     10 * time.Minute,
	}
}

const (
	defaultReadLimit   = 2000
	defaultGrepResults = 100
)

// RegisterCoreTools registers read_file, write_file, edit_file, shell, grep
// and glob on reg.
func RegisterCoreTools(reg *ToolRegistry, opts CoreToolOptions) {
	for _, t := range []Tool{
		readFileTool(),
		writeFileTool(),
		editFileTool(),
		shellTool(opts),
		grepTool(),
		globTool(),
	} {
		reg.Register(t)
	}
}

func required(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}

type readFileArgs struct {
	FilePath string `json:"file_path"`
	Offset   int    `json:"offset"`
	Limit    int    `json:"limit"`
}

func (a *readFileArgs) validate() error { return required("file_path", a.FilePath) }

func readFileTool() Tool {
	def := unifiedllm.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the workspace. Returns line-numbered content.",
		Parameters: objectSchema(schemaProps{
			"file_path": stringProp("Path to the file, absolute or relative to the workspace."),
			"offset":    intProp("1-based line number to start reading from."),
			"limit":     intProp("Maximum number of lines to read. Default: 2000."),
		}, "file_path"),
	}
	return TypedTool(def, true, func(ctx context.Context, a readFileArgs, ws Workspace) (string, error) {
		content, err := ws.ReadFile(ctx, a.FilePath)
		if err != nil {
			return "", err
		}
		if a.Limit <= 0 {
			a.Limit = defaultReadLimit
		}
		return numberLines(content, a.Offset, a.Limit), nil
	})
}

// numberLines renders lines [offset, offset+limit) as "N | text", 1-based.
func numberLines(content string, offset, limit int) string {
	lines := strings.Split(content, "\n")
	from := max(offset-1, 0)
	if from >= len(lines) {
		return ""
	}
	to := len(lines)
	if limit > 0 {
		to = min(to, from+limit)
	}
	var b strings.Builder
	for i, line := range lines[from:to] {
		fmt.Fprintf(&b, "%d | %s\n", from+i+1, line)
	}
	return b.String()
}

type writeFileArgs struct {
	FilePath string  `json:"file_path"`
	Content  *string `json:"content"`
}

func (a *writeFileArgs) validate() error {
	if err := required("file_path", a.FilePath); err != nil {
		return err
	}
	if a.Content == nil {
		return errors.New("content is required")
	}
	return nil
}

func writeFileTool() Tool {
	def := unifiedllm.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file. Creates the file and parent directories if needed.",
		Parameters: objectSchema(schemaProps{
			"file_path": stringProp("Path to write to."),
			"content":   stringProp("The full file content to write."),
		}, "file_path", "content"),
	}
	return TypedTool(def, false, func(ctx context.Context, a writeFileArgs, ws Workspace) (string, error) {
		if err := ws.WriteFile(ctx, a.FilePath, *a.Content); err != nil {
			return "", err
		}
		return fmt.Sprintf("Wrote %d bytes to %s", len(*a.Content), a.FilePath), nil
	})
}

type editFileArgs struct {
	FilePath   string `json:"file_path"`
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all"`
}

func (a *editFileArgs) validate() error {
	if err := required("file_path", a.FilePath); err != nil {
		return err
	}
	return required("old_string", a.OldString)
}

func editFileTool() Tool {
	def := unifiedllm.ToolDefinition{
		Name:        "edit_file",
		Description: "Replace an exact string in a file. old_string must occur exactly once unless replace_all is true.",
		Parameters: objectSchema(schemaProps{
			"file_path":   stringProp("Path to the file to edit."),
			"old_string":  stringProp("Exact text to find in the file."),
			"new_string":  stringProp("Replacement text."),
			"replace_all": boolProp("Replace every occurrence. Default: false."),
		}, "file_path", "old_string", "new_string"),
	}
	return TypedTool(def, false, func(ctx context.Context, a editFileArgs, ws Workspace) (string, error) {
		content, err := ws.ReadFile(ctx, a.FilePath)
		if err != nil {
			return "", err
		}
		n := strings.Count(content, a.OldString)
		if n == 0 {
			return "", fmt.Errorf("old_string not found in %s", a.FilePath)
		}
		if n > 1 && !a.ReplaceAll {
			return "", fmt.Errorf("old_string occurs %d times in %s; include more context or set replace_all", n, a.FilePath)
		}
		if !a.ReplaceAll {
			n = 1
		}
		if err := ws.WriteFile(ctx, a.FilePath, strings.Replace(content, a.OldString, a.NewString, n)); err != nil {
			return "", err
		}
		return fmt.Sprintf("Replaced %d occurrence(s) in %s", n, a.FilePath), nil
	})
}

type shellArgs struct {
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeout_ms"`
}

func (a *shellArgs) validate() error { return required("command", a.Command) }

func shellTool(opts CoreToolOptions) Tool {
	def := unifiedllm.ToolDefinition{
		Name:        "shell",
		Description: "Run a shell command in the workspace. Returns combined output and the exit code.",
		Parameters: objectSchema(schemaProps{
			"command":    stringProp("The command to run."),
			"timeout_ms": intProp("Override the default command timeout in milliseconds."),
		}, "command"),
	}
	return TypedTool(def, false, func(ctx context.Context, a shellArgs, ws Workspace) (string, error) {
		timeout := opts.DefaultCommandTimeout
		if a.TimeoutMs > 0 {
			timeout = time.Duration(a.TimeoutMs) * time.Millisecond
		}
		if opts.MaxCommandTimeout > 0 {
			timeout = min(timeout, opts.MaxCommandTimeout)
		}

		res, err := ws.ExecCommand(ctx, a.Command, timeout)
		if err != nil {
			return "", err
		}
		out := res.Output()
		switch {
		case res.TimedOut:
			out += fmt.Sprintf("\n\n[ERROR: Command timed out after %s. Partial output is shown above.]", timeout)
		case res.ExitCode != 0:
			out += fmt.Sprintf("\n\n[Exit code: %d]", res.ExitCode)
		}
		return out, nil
	})
}

type grepArgs struct {
	Pattern         string `json:"pattern"`
	Path            string `json:"path"`
	GlobFilter      string `json:"glob_filter"`
	CaseInsensitive bool   `json:"case_insensitive"`
	MaxResults      int    `json:"max_results"`
}

func (a *grepArgs) validate() error { return required("pattern", a.Pattern) }

func grepTool() Tool {
	def := unifiedllm.ToolDefinition{
		Name:        "grep",
		Description: "Search file contents with a regular expression. Returns matching lines with paths and line numbers.",
		Parameters: objectSchema(schemaProps{
			"pattern":          stringProp("Regex pattern to search for."),
			"path":             stringProp("Directory or file to search. Default: workspace root."),
			"glob_filter":      stringProp("File name filter such as \"*.go\"."),
			"case_insensitive": boolProp("Ignore case. Default: false."),
			"max_results":      intProp("Maximum number of matches. Default: 100."),
		}, "pattern"),
	}
	return TypedTool(def, true, func(ctx context.Context, a grepArgs, ws Workspace) (string, error) {
		if a.MaxResults <= 0 {
			a.MaxResults = defaultGrepResults
		}
		out, err := ws.Grep(ctx, a.Pattern, a.Path, GrepOptions{
			GlobFilter:      a.GlobFilter,
			CaseInsensitive: a.CaseInsensitive,
			MaxResults:      a.MaxResults,
		})
		if err != nil {
			return "", err
		}
		if out == "" {
			return "No matches found.", nil
		}
		return out, nil
	})
}

type globArgs struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path"`
}

func (a *globArgs) validate() error { return required("pattern", a.Pattern) }

func globTool() Tool {
	def := unifiedllm.ToolDefinition{
		Name:        "glob",
		Description: "Find files matching a glob pattern.",
		Parameters: objectSchema(schemaProps{
			"pattern": stringProp("Glob pattern such as \"*.go\" or \"cmd/*/main.go\"."),
			"path":    stringProp("Base directory. Default: workspace root."),
		}, "pattern"),
	}
	return TypedTool(def, true, func(ctx context.Context, a globArgs, ws Workspace) (string, error) {
		matches, err := ws.Glob(ctx, a.Pattern, a.Path)
		if err != nil {
			return "", err
		}
		if len(matches) == 0 {
			return "No files matched the pattern.", nil
		}
		return strings.Join(matches, "\n"), nil
	})
}
