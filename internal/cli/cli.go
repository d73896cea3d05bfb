// Package cli implements forrest's command-line surface: the root
// command that runs the daemon in the foreground, plus the additive
// read-only status subcommand, grounded on
// _examples/RevCBH-choo/internal/cli/cli.go's App/cobra wiring.
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// App is the CLI application: the cobra command tree plus the version
// metadata main() supplies via SetVersion.
type App struct {
	rootCmd *cobra.Command

	version string
	commit  string
	date    string
}

// New builds the command tree: the root command (daemon in the
// foreground) plus "version" and "status".
func New() *App {
	app := &App{}
	app.rootCmd = app.newRootCmd()
	app.rootCmd.AddCommand(NewVersionCmd(app))
	app.rootCmd.AddCommand(NewStatusCmd())
	return app
}

// Execute runs the application, returning the first error encountered.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion records build-time version metadata for the version command.
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.commit = commit
	a.date = date
}

func (a *App) newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "forrest [config]",
		Short:         "Self-hosted CI runner orchestrator",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := "config.yaml"
			if len(args) == 1 {
				configPath = args[0]
			}
			return runDaemon(cmd.Context(), configPath)
		},
	}
}

// runDaemon builds and starts the daemon against configPath, wiring
// SIGINT/SIGTERM to its shutdown path via a context cancellation, and
// blocks until the daemon returns.
func runDaemon(ctx context.Context, configPath string) error {
	runCtx, cancel := context.WithCancel(ctx)

	handler := NewShutdownHandler(cancel)
	handler.Start()
	defer handler.Stop()

	return startDaemon(runCtx, configPath)
}
