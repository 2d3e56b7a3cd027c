package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/martinemde/tau/agentloop"
	"github.com/martinemde/tau/config"
	"github.com/martinemde/tau/orchestrator"
	"github.com/martinemde/tau/unifiedllm"
)

// scriptedLLM answers each request with the next scripted reply. An empty
// reply blocks until the request context is done.
type scriptedLLM struct {
	mu       sync.Mutex
	replies  []string
	requests []unifiedllm.Request
}

func (s *scriptedLLM) next(req unifiedllm.Request) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		return "", false
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, r != ""
}

func (s *scriptedLLM) Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	text, ok := s.next(req)
	if !ok {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &unifiedllm.Response{
		ID:       "resp",
		Provider: "scripted",
		Message: unifiedllm.Message{
			Role:    unifiedllm.RoleAssistant,
			Content: []unifiedllm.ContentPart{unifiedllm.TextPart(text)},
		},
		FinishReason: unifiedllm.FinishReason{Reason: "stop"},
	}, nil
}

func (s *scriptedLLM) Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	text, ok := s.next(req)
	if !ok {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ch := make(chan unifiedllm.StreamEvent, 2)
	ch <- unifiedllm.StreamEvent{Type: unifiedllm.TextDelta, Delta: text}
	ch <- unifiedllm.StreamEvent{Type: unifiedllm.StreamFinish, FinishReason: &unifiedllm.FinishReason{Reason: "stop"}}
	close(ch)
	return ch, nil
}

func (s *scriptedLLM) seen() []unifiedllm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]unifiedllm.Request(nil), s.requests...)
}

type harness struct {
	app    *app
	llm    *scriptedLLM
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func newHarness(t *testing.T, replies ...string) *harness {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	h := &harness{llm: &scriptedLLM{replies: replies}}
	h.app = &app{
		stderr: &h.stderr,
		logger: zap.NewNop(),
		newLLM: func(*config.Config, *zap.Logger) (agentloop.LLM, error) { return h.llm, nil },
	}
	return h
}

func (h *harness) run(stdin string, args ...string) int {
	return h.app.execute(context.Background(), args, strings.NewReader(stdin), &h.stdout)
}

func TestRunSingleTurnPersistsAndResumes(t *testing.T) {
	h := newHarness(t, "hi there", "second answer")
	session := filepath.Join(t.TempDir(), "sessions", "main.ndjson")

	code := h.run("", "run", "-p", "hello", "--stream-output=false", "--session", session)
	require.Equal(t, 0, code, h.stderr.String())
	assert.Equal(t, "hi there\n", h.stdout.String())

	msgs, err := agentloop.NewFileStore(session).Load()
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, unifiedllm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "hello", msgs[1].Content)
	assert.Equal(t, "hi there", msgs[2].Content)

	h.stdout.Reset()
	code = h.run("", "run", "-p", "again", "--stream-output=false", "--session", session)
	require.Equal(t, 0, code, h.stderr.String())
	assert.Equal(t, "second answer\n", h.stdout.String())

	reqs := h.llm.seen()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Messages, 4, "resumed history plus the new prompt")
}

func TestRunStreamsOutput(t *testing.T) {
	h := newHarness(t, "streamed reply")
	code := h.run("", "run", "-p", "hello")
	require.Equal(t, 0, code, h.stderr.String())
	assert.Equal(t, "streamed reply\n", h.stdout.String())
}

func TestRunPromptFromStdin(t *testing.T) {
	h := newHarness(t, "ok")
	code := h.run("  from stdin \n", "run", "--prompt-file", "-", "--stream-output=false")
	require.Equal(t, 0, code, h.stderr.String())

	reqs := h.llm.seen()
	require.Len(t, reqs, 1)
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	assert.Equal(t, "from stdin", last.TextContent())
}

func TestRunRequiresPrompt(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 1, h.run("", "run"))
	assert.Contains(t, h.stderr.String(), "a prompt is required")

	h.stderr.Reset()
	assert.Equal(t, 1, h.run("   ", "run", "--prompt-file", "-"))
	assert.Contains(t, h.stderr.String(), "prompt is empty")
}

func TestRunTimeoutLeavesSessionUntouched(t *testing.T) {
	h := newHarness(t, "")
	session := filepath.Join(t.TempDir(), "s.ndjson")

	code := h.run("", "run", "-p", "slow", "--turn-timeout-ms", "20", "--session", session)
	require.Equal(t, 0, code, h.stderr.String())
	assert.Contains(t, h.stderr.String(), "request timed out")
	assert.Empty(t, h.stdout.String())

	msgs, err := agentloop.NewFileStore(session).Load()
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "only the system prompt")
}

func TestRunInterruptCancels(t *testing.T) {
	h := newHarness(t, "")
	h.app.interrupt = func() (<-chan struct{}, func()) {
		ch := make(chan struct{})
		close(ch)
		return ch, func() {}
	}

	code := h.run("", "run", "-p", "hello")
	require.Equal(t, 0, code, h.stderr.String())
	assert.Contains(t, h.stderr.String(), "request cancelled")
}

func TestRunPlanFirstWritesRouteTrace(t *testing.T) {
	h := newHarness(t, "1. Inspect the parser\n2. Apply the fix", "Inspected the parser and applied the fix.")
	trace := filepath.Join(t.TempDir(), "logs", "routes.ndjson")

	code := h.run("", "run", "-p", "fix the parser",
		"--orchestrator-mode", "plan-first",
		"--stream-output=false",
		"--route-trace-log", trace)
	require.Equal(t, 0, code, h.stderr.String())
	assert.Equal(t, "Inspected the parser and applied the fix.\n", h.stdout.String())

	reqs := h.llm.seen()
	require.Len(t, reqs, 2)
	planner := reqs[0].Messages[len(reqs[0].Messages)-1].TextContent()
	assert.Contains(t, planner, "ORCHESTRATOR_PLANNER_PHASE")
	executor := reqs[1].Messages[len(reqs[1].Messages)-1].TextContent()
	assert.Contains(t, executor, "ORCHESTRATOR_EXECUTION_PHASE")

	data, err := os.ReadFile(trace)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 6)

	var first orchestrator.RouteTraceRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, orchestrator.RouteTraceRecordType, first.RecordType)
	assert.Equal(t, orchestrator.EventRouteSelected, first.Event)
	assert.Equal(t, orchestrator.PhasePlanner, first.Phase)
	assert.NotEmpty(t, first.RunID)
}

func TestRunPlanFirstRouteTraceToStderr(t *testing.T) {
	h := newHarness(t, "1. Inspect the parser", "Inspected the parser.")

	code := h.run("", "run", "-p", "look", "--orchestrator-mode", "plan-first", "--stream-output=false", "--route-trace-log", "-")
	require.Equal(t, 0, code, h.stderr.String())
	assert.Equal(t, "Inspected the parser.\n", h.stdout.String())
	assert.Equal(t, 6, strings.Count(h.stderr.String(), `"record_type":"orchestrator_route_trace_v1"`))
	_, err := os.Stat("-")
	assert.True(t, os.IsNotExist(err), "no file named -")
}

func TestRunPlanFirstBudgetFailure(t *testing.T) {
	h := newHarness(t, "1. a\n2. b\n3. c")
	code := h.run("", "run", "-p", "x", "--orchestrator-mode", "plan-first", "--max-plan-steps", "2", "--stream-output=false")
	assert.Equal(t, 1, code)
	assert.Contains(t, h.stderr.String(), "plan-first orchestrator failed: planner produced 3 steps (max allowed 2)")
}

func TestRunRejectsBadMode(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 1, h.run("", "run", "-p", "x", "--orchestrator-mode", "swarm"))
	assert.Contains(t, h.stderr.String(), "orchestrator.mode")
	assert.Empty(t, h.llm.seen())
}

const routeFile = `{
  "schema_version": 1,
  "roles": {
    "default": {},
    "executor": {"tool_policy_preset": "workspace-write", "fallback_roles": ["default"]}
  },
  "planner": {"role": "default"},
  "delegated": {"role": "executor"},
  "delegated_categories": {" verify ": {"role": "default"}},
  "review": {"role": "default"}
}`

func writeRoutes(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRoutesValidate(t *testing.T) {
	h := newHarness(t)
	path := writeRoutes(t, routeFile)

	require.Equal(t, 0, h.run("", "routes", "validate", path), h.stderr.String())
	assert.Contains(t, h.stdout.String(), "is valid (2 roles, 1 categories)")
}

func TestRoutesValidateErrors(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 1, h.run("", "routes", "validate", filepath.Join(t.TempDir(), "missing.json")))
	assert.Contains(t, h.stderr.String(), "route table:")

	h.stderr.Reset()
	bad := writeRoutes(t, `{"schema_version": 1, "roles": {"default": {}}, "planner": {"role": "ghost"}}`)
	assert.Equal(t, 1, h.run("", "routes", "validate", bad))
	assert.Contains(t, h.stderr.String(), "ghost")
}

func TestRoutesShowPrintsNormalizedTable(t *testing.T) {
	h := newHarness(t)
	path := writeRoutes(t, routeFile)

	require.Equal(t, 0, h.run("", "routes", "show", path), h.stderr.String())
	var table orchestrator.RouteTable
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &table))
	assert.Equal(t, 1, table.SchemaVersion)
	assert.Contains(t, table.DelegatedCategories, "verify")
	assert.Equal(t, "executor", table.Delegated.Role)
}

func TestPlanParse(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, 0, h.run("Plan:\n1. Read the code\n2) Fix it\n", "plan", "parse"))
	assert.Equal(t, "1. Read the code\n2. Fix it\n", h.stdout.String())

	h.stdout.Reset()
	require.Equal(t, 0, h.run("1. only\n", "plan", "parse", "--json"))
	var steps []orchestrator.Step
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &steps))
	assert.Equal(t, []orchestrator.Step{{Index: 1, Text: "only"}}, steps)
}

func TestPlanParseErrors(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 1, h.run("first\nsecond\n", "plan", "parse"))
	assert.Contains(t, h.stderr.String(), "planner response did not include numbered steps")

	h.stderr.Reset()
	assert.Equal(t, 1, h.run("1. a\n2. b\n", "plan", "parse", "--max-steps", "1"))
	assert.Contains(t, h.stderr.String(), "planner produced 2 steps (max allowed 1)")
}
