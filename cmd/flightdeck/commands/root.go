package commands

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/openfroyo/flightdeck/pkg/jobs"
)

var (
	// Global flags
	configPath string
	caller     string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

// ExitCode maps an error to a process exit code: 2 for caller errors
// (4xx), 1 for everything else.
func ExitCode(err error) int {
	code := jobs.StatusCode(err)
	if code >= http.StatusBadRequest && code < http.StatusInternalServerError {
		return 2
	}
	return 1
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flightdeck",
		Short: "flightdeck - durable workspace jobs",
		Long: `flightdeck runs workspace, cloud context and resource operations as
durable jobs. Each job is a flight: an ordered list of steps that is
checkpointed after every step, retried on transient failures and undone
in reverse order when a step fails.

Jobs belong to the caller that submitted them. Their status, results and
release are only available to that caller.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "flightdeck.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&caller, "as", "", "subject id of the calling user (default $USER)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newWorkspaceCommand())
	rootCmd.AddCommand(newContextCommand())
	rootCmd.AddCommand(newResourceCommand())
	rootCmd.AddCommand(newJobsCommand())
	rootCmd.AddCommand(newActivityCommand())

	return rootCmd
}
