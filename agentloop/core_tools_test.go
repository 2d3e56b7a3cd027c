package agentloop

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runTool(t *testing.T, reg *ToolRegistry, ws Workspace, name, args string) (string, error) {
	t.Helper()
	tool := reg.Get(name)
	require.NotNil(t, tool, "tool %s not registered", name)
	return tool.Run(context.Background(), json.RawMessage(args), ws)
}

func TestCoreToolsFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ws := NewLocalWorkspace(dir)
	reg := NewToolRegistry()
	RegisterCoreTools(reg, DefaultCoreToolOptions())

	assert.Equal(t, []string{"edit_file", "glob", "grep", "read_file", "shell", "write_file"}, reg.Names())

	_, err := runTool(t, reg, ws, "write_file", `{"file_path":"pkg/a.txt","content":"one\ntwo\nthree"}`)
	require.NoError(t, err)

	out, err := runTool(t, reg, ws, "read_file", `{"file_path":"pkg/a.txt","offset":2,"limit":1}`)
	require.NoError(t, err)
	assert.Equal(t, "2 | two\n", out)

	_, err = runTool(t, reg, ws, "edit_file", `{"file_path":"pkg/a.txt","old_string":"two","new_string":"2"}`)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "pkg", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\n2\nthree", string(data))

	_, err = runTool(t, reg, ws, "edit_file", `{"file_path":"pkg/a.txt","old_string":"missing","new_string":"x"}`)
	assert.Error(t, err)

	out, err = runTool(t, reg, ws, "glob", `{"pattern":"pkg/*.txt"}`)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("pkg", "a.txt"), out)

	_, err = runTool(t, reg, ws, "read_file", `{}`)
	assert.EqualError(t, err, "file_path is required")
}

func TestToolRegistryPresets(t *testing.T) {
	reg := NewToolRegistry()
	RegisterCoreTools(reg, DefaultCoreToolOptions())

	var names []string
	for _, d := range reg.Definitions(PresetReadOnly) {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"glob", "grep", "read_file"}, names)
	assert.Len(t, reg.Definitions(""), 6)
	assert.False(t, reg.Allowed("shell", PresetReadOnly))
	assert.True(t, reg.Allowed("shell", PresetWorkspaceWrite))
	assert.True(t, KnownToolPreset(""))
	assert.False(t, KnownToolPreset("yolo"))
}

func TestFilterEnvironment(t *testing.T) {
	env := filterEnvironment([]string{"PATH=/bin", "OPENAI_API_KEY=sk", "GH_TOKEN=t", "HOME=/root"})
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root"}, env)
}

func TestCoreToolArgumentErrors(t *testing.T) {
	ws := NewLocalWorkspace(t.TempDir())
	reg := NewToolRegistry()
	RegisterCoreTools(reg, DefaultCoreToolOptions())

	tests := []struct {
		tool, args, want string
	}{
		{"write_file", `{"file_path":"a.txt"}`, "content is required"},
		{"edit_file", `{"file_path":"a.txt"}`, "old_string is required"},
		{"shell", ``, "command is required"},
		{"grep", `{"pattern":""}`, "pattern is required"},
		{"glob", `{"pattern":7}`, "invalid tool arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			_, err := runTool(t, reg, ws, tt.tool, tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEditFileReplaceAll(t *testing.T) {
	dir := t.TempDir()
	ws := NewLocalWorkspace(dir)
	reg := NewToolRegistry()
	RegisterCoreTools(reg, DefaultCoreToolOptions())

	_, err := runTool(t, reg, ws, "write_file", `{"file_path":"x.txt","content":"a a a"}`)
	require.NoError(t, err)

	_, err = runTool(t, reg, ws, "edit_file", `{"file_path":"x.txt","old_string":"a","new_string":"b"}`)
	assert.ErrorContains(t, err, "occurs 3 times")

	out, err := runTool(t, reg, ws, "edit_file", `{"file_path":"x.txt","old_string":"a","new_string":"b","replace_all":true}`)
	require.NoError(t, err)
	assert.Equal(t, "Replaced 3 occurrence(s) in x.txt", out)
	data, err := os.ReadFile(filepath.Join(dir, "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b b b", string(data))
}

func TestNumberLines(t *testing.T) {
	assert.Equal(t, "1 | a\n2 | b\n", numberLines("a\nb", 0, 10))
	assert.Equal(t, "3 | c\n", numberLines("a\nb\nc", 3, 5))
	assert.Equal(t, "", numberLines("a", 4, 1))
}
