package agentloop

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.ndjson")
	store := NewFileStore(path)

	msgs, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, msgs, "missing file loads as empty")

	require.NoError(t, store.Append([]Message{UserMessage("hi"), AssistantMessage("hello")}))
	require.NoError(t, store.Append([]Message{ToolMessage("c1", "out", true)}))
	require.NoError(t, store.Append(nil))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(raw), "\n"))

	msgs, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, []Message{UserMessage("hi"), AssistantMessage("hello"), ToolMessage("c1", "out", true)}, msgs)
}

func TestFileStoreLoadRejectsCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.ndjson")
	require.NoError(t, os.WriteFile(path, []byte("{not json}\n"), 0o644))

	_, err := NewFileStore(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}
