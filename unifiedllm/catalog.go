package unifiedllm

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Model capabilities.
const (
	CapabilityTools     = "tools"
	CapabilityVision    = "vision"
	CapabilityReasoning = "reasoning"
)

// ModelInfo describes a known model.
type ModelInfo struct {
	ID            string   `json:"id" yaml:"id"`
	Provider      string   `json:"provider" yaml:"provider"`
	DisplayName   string   `json:"display_name" yaml:"display_name"`
	ContextWindow int      `json:"context_window" yaml:"context_window"`
	MaxOutput     int      `json:"max_output,omitempty" yaml:"max_output,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Aliases       []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}

// Supports reports whether the model has capability.
func (m ModelInfo) Supports(capability string) bool {
	return slices.Contains(m.Capabilities, capability)
}

// Catalog indexes models by ID and alias. Lookups ignore case.
type Catalog struct {
	models []ModelInfo
	index  map[string]int
}

// ParseCatalog decodes a YAML list of models.
func ParseCatalog(data []byte) (*Catalog, error) {
	var models []ModelInfo
	if err := yaml.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	return NewCatalog(models)
}

// NewCatalog builds a catalog. IDs and aliases must be unique across models.
func NewCatalog(models []ModelInfo) (*Catalog, error) {
	c := &Catalog{models: models, index: make(map[string]int, len(models)*2)}
	for i, m := range models {
		if m.ID == "" || m.Provider == "" {
			return nil, fmt.Errorf("model catalog entry %d: id and provider are required", i)
		}
		for _, key := range append([]string{m.ID}, m.Aliases...) {
			k := strings.ToLower(key)
			if j, dup := c.index[k]; dup {
				return nil, fmt.Errorf("model catalog: %q names both %s and %s", key, models[j].ID, m.ID)
			}
			c.index[k] = i
		}
	}
	return c, nil
}

// Lookup returns the model named by id or alias.
func (c *Catalog) Lookup(name string) (ModelInfo, bool) {
	i, ok := c.index[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return ModelInfo{}, false
	}
	return c.models[i], true
}

// Latest returns the first listed model of provider having capability
// (any model when capability is empty).
func (c *Catalog) Latest(provider, capability string) (ModelInfo, bool) {
	for _, m := range c.models {
		if m.Provider == provider && (capability == "" || m.Supports(capability)) {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// Models returns every entry in catalog order.
func (c *Catalog) Models() []ModelInfo {
	return slices.Clone(c.models)
}

//go:embed models.yaml
var builtinModels []byte

// DefaultCatalog is the built-in catalog. Role model hints in a route table
// are checked against it.
var DefaultCatalog = mustParseCatalog(builtinModels)

func mustParseCatalog(data []byte) *Catalog {
	c, err := ParseCatalog(data)
	if err != nil {
		panic(err)
	}
	return c
}

// GetModelInfo looks name up in DefaultCatalog, returning nil if unknown.
func GetModelInfo(name string) *ModelInfo {
	m, ok := DefaultCatalog.Lookup(name)
	if !ok {
		return nil
	}
	return &m
}

// KnownModel reports whether name is an ID or alias in DefaultCatalog.
func KnownModel(name string) bool {
	_, ok := DefaultCatalog.Lookup(name)
	return ok
}

// GetLatestModel is DefaultCatalog.Latest returning nil when nothing matches.
func GetLatestModel(provider, capability string) *ModelInfo {
	m, ok := DefaultCatalog.Latest(provider, capability)
	if !ok {
		return nil
	}
	return &m
}
