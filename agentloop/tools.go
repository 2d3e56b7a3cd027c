package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/martinemde/tau/unifiedllm"
)

// ToolFunc runs one tool call against ws. It must return promptly once ctx is
// done. A returned error becomes an error result for the model.
type ToolFunc func(ctx context.Context, args json.RawMessage, ws Workspace) (string, error)

type Tool struct {
	Definition unifiedllm.ToolDefinition
	Run        ToolFunc
	// ReadOnly tools are the only ones offered under PresetReadOnly.
	ReadOnly bool
}

// Tool policy presets a role may name.
const (
	PresetReadOnly       = "read-only"
	PresetWorkspaceWrite = "workspace-write"
)

// KnownToolPreset reports whether name is empty (inherit) or a defined preset.
func KnownToolPreset(name string) bool {
	switch name {
	case "", PresetReadOnly, PresetWorkspaceWrite:
		return true
	}
	return false
}

func presetAllows(preset string, t *Tool) bool {
	return preset != PresetReadOnly || t.ReadOnly
}

// argsValidator is implemented by argument structs with required fields.
type argsValidator interface {
	validate() error
}

// TypedTool builds a Tool whose JSON arguments are decoded into A before fn
// runs. Missing arguments decode to A's zero value.
func TypedTool[A any](def unifiedllm.ToolDefinition, readOnly bool, fn func(ctx context.Context, args A, ws Workspace) (string, error)) Tool {
	return Tool{
		Definition: def,
		ReadOnly:   readOnly,
		Run: func(ctx context.Context, raw json.RawMessage, ws Workspace) (string, error) {
			var args A
			if len(bytes.TrimSpace(raw)) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return "", fmt.Errorf("invalid tool arguments: %w", err)
				}
			}
			if v, ok := any(&args).(argsValidator); ok {
				if err := v.validate(); err != nil {
					return "", err
				}
			}
			return fn(ctx, args, ws)
		},
	}
}

// ToolRegistry is safe for concurrent use.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*Tool)}
}

// Register adds t, replacing any tool with the same name.
func (r *ToolRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition.Name] = &t
}

// Get returns nil for an unknown name.
func (r *ToolRegistry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Allowed reports whether name is registered and may run under preset.
func (r *ToolRegistry) Allowed(name, preset string) bool {
	t := r.Get(name)
	return t != nil && presetAllows(preset, t)
}

// Definitions returns what preset offers, sorted by name. An empty preset
// offers everything.
func (r *ToolRegistry) Definitions(preset string) []unifiedllm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []unifiedllm.ToolDefinition
	for _, t := range r.tools {
		if presetAllows(preset, t) {
			defs = append(defs, t.Definition)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// schema helpers for tool definitions

type schemaProps map[string]interface{}

func objectSchema(props schemaProps, required ...string) map[string]interface{} {
	if required == nil {
		required = []string{}
	}
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}(props), "required": required}
}

func stringProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func intProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": desc}
}

func boolProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "boolean", "description": desc}
}
