package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/tau/agentloop"
	"github.com/martinemde/tau/config"
	"github.com/martinemde/tau/orchestrator"
	"github.com/martinemde/tau/telemetry"
	"github.com/martinemde/tau/unifiedllm"
)

func newRunCmd(a *app) *cobra.Command {
	var prompt, promptFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one prompt",
		Long: `Run one prompt against the configured model.

With orchestrator.mode=off the prompt runs as a single agent turn. With
orchestrator.mode=plan-first a planner turn produces numbered steps, which are
then executed directly or delegated one turn per step and consolidated.

Ctrl-C cancels the running turn and leaves the session as it was before it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readPrompt(prompt, promptFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			cfg, err := config.Load(config.LoadOptions{ConfigFile: a.configFile, Flags: cmd.Flags()})
			if err != nil {
				return err
			}
			return a.runPrompt(cmd.Context(), cfg, text, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&prompt, "prompt", "p", "", "Prompt text")
	f.StringVar(&promptFile, "prompt-file", "", "Read the prompt from a file (- for stdin)")
	f.String("provider", "anthropic", "LLM provider")
	f.String("model", "", "Model ID (default: provider's latest)")
	f.Int("turn-timeout-ms", 0, "Per-turn timeout in milliseconds (0 disables)")
	f.Bool("stream-output", true, "Stream assistant text as it arrives")
	f.Int("stream-delay-ms", 0, "Delay between streamed chunks in milliseconds")
	f.Int("max-tool-rounds", 200, "Maximum tool rounds per turn")
	f.String("orchestrator-mode", config.ModeOff, "Orchestrator mode: off or plan-first")
	f.Int("max-plan-steps", 8, "Maximum planner steps")
	f.Int("max-delegated-steps", 8, "Maximum delegated steps")
	f.Bool("delegate-steps", false, "Run each plan step as its own turn, then consolidate")
	f.String("route-table", "", "Route table file (.json, .yaml or .toml)")
	f.String("route-trace-log", "", "Append route trace records (NDJSON) to this file, or - for stderr")
	f.String("policy-context", "", "Policy context handed to delegated steps")
	f.String("session", "", "Session file (NDJSON); resumed when it exists")
	f.Bool("telemetry", false, "Export OpenTelemetry spans and metrics to stderr")
	cmd.MarkFlagsMutuallyExclusive("prompt", "prompt-file")
	return cmd
}

func readPrompt(prompt, file string, stdin io.Reader) (string, error) {
	switch {
	case prompt != "":
	case file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt from stdin: %w", err)
		}
		prompt = string(data)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		prompt = string(data)
	default:
		return "", errors.New("a prompt is required (--prompt or --prompt-file)")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("prompt is empty")
	}
	return prompt, nil
}

// newClient builds a unifiedllm client for the configured provider. Each
// attempt is traced; transient provider errors are retried.
func newClient(cfg *config.Config, log *zap.Logger) (agentloop.LLM, error) {
	var opts []unifiedllm.GollmOption
	if cfg.Model != "" {
		opts = append(opts, unifiedllm.WithModel(cfg.Model))
	}
	adapter, err := unifiedllm.NewGollmAdapter(cfg.Provider, cfg.ResolvedAPIKey(), opts...)
	if err != nil {
		return nil, err
	}
	return unifiedllm.NewClient(
		unifiedllm.WithProvider(cfg.Provider, adapter),
		unifiedllm.WithDefaultProvider(cfg.Provider),
		unifiedllm.WithMiddleware(
			unifiedllm.LoggingMiddleware(log),
			unifiedllm.RetryMiddleware(unifiedllm.DefaultRetryPolicy()),
			unifiedllm.TracingMiddleware(nil),
		),
	), nil
}

func (a *app) runPrompt(ctx context.Context, cfg *config.Config, prompt string, out io.Writer) error {
	log := a.logger

	providers, err := telemetry.Init(ctx, telemetry.Options{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "tau",
		ServiceVersion: Version,
		Out:            a.stderr,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := providers.Shutdown(shutdownCtx); serr != nil {
			log.Warn("telemetry shutdown", zap.Error(serr))
		}
	}()

	llm, err := a.newLLM(cfg, log)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	if c, ok := llm.(unifiedllm.Closer); ok {
		defer c.Close()
	}

	reg := agentloop.NewToolRegistry()
	agentloop.RegisterCoreTools(reg, agentloop.DefaultCoreToolOptions())
	ws := agentloop.NewLocalWorkspace("")

	conv, store, err := openConversation(cfg.Session.Path, ws, reg.Names())
	if err != nil {
		return err
	}

	sc := agentloop.DefaultSessionConfig()
	sc.Model = cfg.Model
	sc.Provider = cfg.Provider
	sc.MaxToolRounds = cfg.MaxToolRounds
	sess := agentloop.NewSession(llm,
		agentloop.WithSessionConfig(sc),
		agentloop.WithTools(reg),
		agentloop.WithWorkspace(ws),
		agentloop.WithSessionLogger(log),
	)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		agentloop.LogEvents(sess.Events(), log.Named("session"))
	}()
	defer func() {
		sess.Close()
		<-drained
	}()

	execOpts := []orchestrator.ExecutorOption{orchestrator.WithExecutorLogger(log)}
	if store != nil {
		execOpts = append(execOpts, orchestrator.WithStore(store))
	}
	exec := orchestrator.NewExecutor(sess, execOpts...)

	var cancel <-chan struct{}
	if a.interrupt != nil {
		ch, stop := a.interrupt()
		defer stop()
		cancel = ch
	}

	render := orchestrator.RenderOptions{Out: out, Stream: cfg.StreamOutput, StreamDelay: cfg.StreamDelay()}

	var status orchestrator.PromptRunStatus
	if cfg.Orchestrator.Mode == config.ModePlanFirst {
		orch, err := newOrchestrator(cfg, exec, render, a.stderr, log)
		if err != nil {
			return err
		}
		res, err := orch.Run(ctx, conv, prompt, cancel)
		if err != nil {
			return err
		}
		status = res.Status
	} else {
		status, err = exec.Run(ctx, conv, prompt, orchestrator.RunOptions{
			Timeout: cfg.TurnTimeout(),
			Cancel:  cancel,
			Render:  render,
		})
		if err != nil {
			return err
		}
	}

	switch status {
	case orchestrator.StatusCancelled:
		fmt.Fprintln(a.stderr, "request cancelled")
	case orchestrator.StatusTimedOut:
		fmt.Fprintln(a.stderr, "request timed out")
	}
	return nil
}

func newOrchestrator(cfg *config.Config, exec orchestrator.PromptExecutor, render orchestrator.RenderOptions, stderr io.Writer, log *zap.Logger) (*orchestrator.Orchestrator, error) {
	table := orchestrator.DefaultRouteTable()
	if path := cfg.Orchestrator.RouteTable; path != "" {
		t, err := orchestrator.LoadRouteTable(path)
		if err != nil {
			return nil, err
		}
		table = t
	}
	for _, w := range table.Warnings() {
		log.Warn("route table", zap.String("warning", w))
	}

	var phaseOpts []orchestrator.PhaseOption
	switch path := cfg.Orchestrator.RouteTraceLog; path {
	case "":
	case "-":
		phaseOpts = append(phaseOpts, orchestrator.WithTraceSink(orchestrator.NewWriterTraceSink(stderr)))
	default:
		phaseOpts = append(phaseOpts, orchestrator.WithTraceSink(orchestrator.NewFileTraceSink(path, log)))
	}

	return orchestrator.New(exec, table, orchestrator.Config{
		Budget:        cfg.Budget(),
		DelegateSteps: cfg.Orchestrator.DelegateSteps,
		PolicyContext: cfg.Orchestrator.PolicyContext,
		TurnTimeout:   cfg.TurnTimeout(),
		Render:        render,
	}, orchestrator.WithLogger(log), orchestrator.WithPhaseOptions(phaseOpts...)), nil
}

// openConversation resumes the session at path, or starts a new one seeded
// with the system prompt. An empty path keeps the session in memory.
func openConversation(path string, ws agentloop.Workspace, tools []string) (*agentloop.Conversation, agentloop.Store, error) {
	var store *agentloop.FileStore
	var history []agentloop.Message
	if path != "" {
		store = agentloop.NewFileStore(path)
		msgs, err := store.Load()
		if err != nil {
			return nil, nil, fmt.Errorf("load session: %w", err)
		}
		history = msgs
	}
	if len(history) > 0 {
		return agentloop.NewConversation(history...), store, nil
	}

	system := agentloop.SystemMessage(agentloop.BuildSystemPrompt(ws, tools, ""))
	if store == nil {
		return agentloop.NewConversation(system), nil, nil
	}
	if err := store.Append([]agentloop.Message{system}); err != nil {
		return nil, nil, fmt.Errorf("init session: %w", err)
	}
	return agentloop.NewConversation(system), store, nil
}
