package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/tau/orchestrator"
)

func emptyDir(t *testing.T) LoadOptions {
	return LoadOptions{SearchPaths: []string{t.TempDir()}}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(emptyDir(t))
	require.NoError(t, err)

	assert.Equal(t, ModeOff, cfg.Orchestrator.Mode)
	assert.Equal(t, orchestrator.DefaultBudget(), cfg.Budget())
	assert.True(t, cfg.StreamOutput)
	assert.Equal(t, 200, cfg.MaxToolRounds)
	assert.Equal(t, time.Duration(0), cfg.TurnTimeout())
	assert.False(t, cfg.Orchestrator.DelegateSteps)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Empty(t, cfg.File)
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tau.yaml"), []byte(`
model: from-file
turn_timeout_ms: 1500
orchestrator:
  mode: plan-first
  max_plan_steps: 5
  delegate_steps: true
session:
  path: sessions/main.ndjson
`), 0o644))

	t.Setenv("TAU_MODEL", "from-env")
	t.Setenv("TAU_ORCHESTRATOR_MAX_PLAN_STEPS", "6")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("max-plan-steps", 8, "")
	flags.Bool("delegate-steps", false, "")
	require.NoError(t, flags.Parse([]string{"--max-plan-steps=7"}))

	cfg, err := Load(LoadOptions{SearchPaths: []string{dir}, Flags: flags})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "tau.yaml"), cfg.File)
	assert.Equal(t, "from-env", cfg.Model, "env beats file")
	assert.Equal(t, 7, cfg.Orchestrator.MaxPlanSteps, "set flag beats env")
	assert.True(t, cfg.Orchestrator.DelegateSteps, "unset flag does not override file")
	assert.Equal(t, ModePlanFirst, cfg.Orchestrator.Mode)
	assert.Equal(t, 1500*time.Millisecond, cfg.TurnTimeout())
	assert.Equal(t, "sessions/main.ndjson", cfg.Session.Path)
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	_, err := Load(LoadOptions{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"bad mode", map[string]string{"TAU_ORCHESTRATOR_MODE": "yolo"}, "orchestrator.mode"},
		{"negative timeout", map[string]string{"TAU_TURN_TIMEOUT_MS": "-1"}, "turn_timeout_ms"},
		{"zero budget", map[string]string{"TAU_ORCHESTRATOR_MAX_DELEGATED_STEPS": "0"}, "max_delegated_steps"},
		{"zero tool rounds", map[string]string{"TAU_MAX_TOOL_ROUNDS": "0"}, "max_tool_rounds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(emptyDir(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolvedAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg := &Config{Provider: "openai"}
	assert.Equal(t, "sk-env", cfg.ResolvedAPIKey())
	cfg.APIKey = "sk-config"
	assert.Equal(t, "sk-config", cfg.ResolvedAPIKey())
	assert.Empty(t, (&Config{Provider: "unknown"}).ResolvedAPIKey())
}
