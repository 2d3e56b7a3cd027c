package agentloop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const maxProjectDocBytes = 32 * 1024

const basePrompt = `You are tau, a coding agent working inside a user's repository.
Use the available tools to inspect and change files. Prefer small, verifiable
steps. When you are done, answer with a concise summary of what you did.`

// BuildSystemPrompt assembles the system message for a new conversation:
// base instructions, the environment block, the tool list, project docs
// (AGENTS.md from the git root down to the workspace), and extra
// instructions, in that order.
func BuildSystemPrompt(ws Workspace, tools []string, extra string) string {
	parts := []string{basePrompt, environmentContext(ws)}
	if len(tools) > 0 {
		parts = append(parts, "Available tools: "+strings.Join(tools, ", "))
	}
	if docs := DiscoverProjectDocs(ws.WorkingDirectory()); docs != "" {
		parts = append(parts, docs)
	}
	if extra = strings.TrimSpace(extra); extra != "" {
		parts = append(parts, "# User Instructions\n\n"+extra)
	}
	return strings.Join(parts, "\n\n")
}

func environmentContext(ws Workspace) string {
	dir := ws.WorkingDirectory()
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", dir)
	if branch := gitOutput(dir, "rev-parse", "--abbrev-ref", "HEAD"); branch != "" {
		fmt.Fprintf(&sb, "Git branch: %s\n", branch)
	}
	fmt.Fprintf(&sb, "Platform: %s\n", ws.Platform())
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	sb.WriteString("</environment>")
	return sb.String()
}

// DiscoverProjectDocs concatenates AGENTS.md files from the git root (or
// dir itself outside a repository) down to dir, capped at 32KB.
func DiscoverProjectDocs(dir string) string {
	root := gitOutput(dir, "rev-parse", "--show-toplevel")
	if root == "" {
		root = dir
	}

	var docs []string
	total := 0
	for _, d := range pathHierarchy(root, dir) {
		content, err := os.ReadFile(filepath.Join(d, "AGENTS.md"))
		if err != nil {
			continue
		}
		remaining := maxProjectDocBytes - total
		if remaining <= 0 {
			docs = append(docs, "[Project instructions truncated at 32KB]")
			break
		}
		text := string(content)
		if len(text) > remaining {
			text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
		}
		docs = append(docs, fmt.Sprintf("# AGENTS.md (from %s)\n\n%s", d, text))
		total += len(text)
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// pathHierarchy returns directories from root to target, inclusive. A target
// outside root yields only target.
func pathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	rel, err := filepath.Rel(root, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return []string{target}
	}
	dirs := []string{root}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." || part == "" {
			continue
		}
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func gitOutput(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
