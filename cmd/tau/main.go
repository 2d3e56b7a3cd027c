// Command tau runs coding-agent prompts, optionally through the plan-first
// orchestrator.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/tau/agentloop"
	"github.com/martinemde/tau/config"
)

// Version is set at build time.
var Version = "dev"

// app carries the process-wide state shared by subcommands.
type app struct {
	stderr     io.Writer
	verbose    bool
	configFile string
	logger     *zap.Logger

	// newLLM builds the model client. Replaced in tests.
	newLLM func(cfg *config.Config, log *zap.Logger) (agentloop.LLM, error)
	// interrupt returns a channel closed on the first interrupt signal and a
	// function that stops listening.
	interrupt func() (<-chan struct{}, func())
}

func main() {
	a := &app{
		stderr:    os.Stderr,
		newLLM:    newClient,
		interrupt: interruptChannel,
	}
	os.Exit(a.execute(context.Background(), os.Args[1:], os.Stdin, os.Stdout))
}

func (a *app) execute(ctx context.Context, args []string, in io.Reader, out io.Writer) int {
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(a.stderr)
	err := root.ExecuteContext(ctx)
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if err != nil {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "tau",
		Short:         "Coding agent with a plan-first orchestrator",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.logger != nil {
				return nil
			}
			l, err := newLogger(a.verbose)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			a.logger = l
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "Config file (default: tau.yaml in . or $HOME/.config/tau)")

	root.AddCommand(newRunCmd(a), newRoutesCmd(), newPlanCmd())
	return root
}

// newLogger logs JSON to stderr, or console output at debug level when
// verbose. Stdout is reserved for assistant output.
func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// interruptChannel closes the returned channel on the first SIGINT or
// SIGTERM. A second signal gets the default behavior once stop has run.
func interruptChannel() (<-chan struct{}, func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	cancel := make(chan struct{})
	quit := make(chan struct{})
	go func() {
		select {
		case <-sigs:
			close(cancel)
		case <-quit:
		}
	}()
	return cancel, func() {
		signal.Stop(sigs)
		close(quit)
	}
}
